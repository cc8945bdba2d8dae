package history

import (
	"time"
)

// Entry status constants.
const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Entry records the outcome of one upload task.
type Entry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SessionID    string    `gorm:"index;not null" json:"session_id"`
	RelativePath string    `gorm:"not null" json:"relative_path"`
	Key          string    `gorm:"index" json:"key,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	Status       string    `gorm:"index;not null" json:"status"`
	Error        string    `json:"error,omitempty"`
	Source       string    `gorm:"not null" json:"source"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name independent of the struct name.
func (Entry) TableName() string {
	return "upload_history"
}
