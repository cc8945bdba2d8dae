package upload

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies how a task entered the queue.
type Source string

const (
	// SourceWatch marks tasks produced by the stabilization tracker.
	SourceWatch Source = "watch"
	// SourceManual marks tasks requested through a control operation.
	SourceManual Source = "manual"
)

// ErrFileTooLarge is returned for files above the configured size limit.
var ErrFileTooLarge = errors.New("file exceeds maximum size")

// ErrNotRegular is returned when the task path is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Task is a single file ready for upload.
type Task struct {
	RelativePath string
	AbsolutePath string
	EnqueuedAt   time.Time
	Source       Source
}

// UploadError wraps any failure that happens while processing a task.
type UploadError struct {
	Path string
	Key  string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.Path, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
