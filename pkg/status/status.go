package status

import (
	"sync"
	"time"
)

const (
	// DefaultMaxRecentUploads is the number of upload records kept in memory.
	DefaultMaxRecentUploads = 20

	// DefaultMaxErrors is the number of error messages kept in memory.
	DefaultMaxErrors = 50
)

// UploadRecord describes one successful upload.
type UploadRecord struct {
	FileName   string    `json:"file_name"`
	S3Key      string    `json:"s3_key"`
	UploadTime time.Time `json:"upload_time"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Snapshot is a point-in-time copy of the registry state.
type Snapshot struct {
	Running        bool           `json:"running"`
	Uploading      bool           `json:"uploading"`
	SessionID      string         `json:"session_id"`
	WatchedDir     string         `json:"watched_dir,omitempty"`
	TotalFiles     int            `json:"total_files"`
	UploadedFiles  int            `json:"uploaded_files"`
	FailedFiles    int            `json:"failed_files"`
	QueuedFiles    int            `json:"queued_files"`
	TrackedFiles   int            `json:"tracked_files"`
	LastUploadTime *time.Time     `json:"last_upload_time"`
	Errors         []string       `json:"errors"`
	RecentUploads  []UploadRecord `json:"recent_uploads"`
}

// Registry is the process-wide pipeline state shared by the watcher, the
// stabilization tracker, the upload workers and the control surface. A single
// mutex covers every mutation and the snapshot read.
type Registry struct {
	mu sync.Mutex

	sessionID  string
	running    bool
	watchedDir string

	total    int
	uploaded int
	failed   int
	queued   int
	active   int
	tracked  int

	lastUpload *time.Time
	errors     []string
	recent     []UploadRecord

	maxErrors int
	maxRecent int
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxRecentUploads overrides the recent uploads cap.
func WithMaxRecentUploads(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRecent = n
		}
	}
}

// WithMaxErrors overrides the error list cap.
func WithMaxErrors(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxErrors = n
		}
	}
}

// NewRegistry creates an empty registry for the given session.
func NewRegistry(sessionID string, opts ...Option) *Registry {
	r := &Registry{
		sessionID: sessionID,
		maxErrors: DefaultMaxErrors,
		maxRecent: DefaultMaxRecentUploads,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.errors = make([]string, 0, r.maxErrors)
	r.recent = make([]UploadRecord, 0, r.maxRecent)

	return r
}

// SetRunning records whether the directory watcher is active.
func (r *Registry) SetRunning(running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = running
}

// SetWatchedDir records the directory currently being watched.
func (r *Registry) SetWatchedDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.watchedDir = dir
}

// SetTracked records how many files the stabilization tracker is sampling.
func (r *Registry) SetTracked(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracked = n
}

// TaskEnqueued counts a new task. Each task is counted exactly once.
func (r *Registry) TaskEnqueued() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.queued++
}

// TaskStarted moves a queued task to in-flight.
func (r *Registry) TaskStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queued > 0 {
		r.queued--
	}

	r.active++
}

// RecordSuccess finishes an in-flight task as uploaded and appends its record.
func (r *Registry) RecordSuccess(rec UploadRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishLocked()
	r.uploaded++

	t := rec.UploadTime
	r.lastUpload = &t

	r.recent = appendBounded(r.recent, rec, r.maxRecent)
}

// RecordFailure finishes an in-flight task as failed.
func (r *Registry) RecordFailure(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finishLocked()
	r.failed++
	r.errors = appendBounded(r.errors, msg, r.maxErrors)
}

// RecordTimeout counts a file that never stabilized. It never reached the
// queue, so it is counted and failed in one step.
func (r *Registry) RecordTimeout(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.failed++
	r.errors = appendBounded(r.errors, msg, r.maxErrors)
}

// AddError appends an error message without touching the counters.
func (r *Registry) AddError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = appendBounded(r.errors, msg, r.maxErrors)
}

// Reset clears counters, errors and recent uploads. Running state, the
// watched directory and pending work are preserved.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total = r.queued + r.active
	r.uploaded = 0
	r.failed = 0
	r.lastUpload = nil
	r.errors = r.errors[:0]
	r.recent = r.recent[:0]
}

// Snapshot returns a deep copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Running:       r.running,
		Uploading:     r.active > 0 || r.queued > 0,
		SessionID:     r.sessionID,
		WatchedDir:    r.watchedDir,
		TotalFiles:    r.total,
		UploadedFiles: r.uploaded,
		FailedFiles:   r.failed,
		QueuedFiles:   r.queued,
		TrackedFiles:  r.tracked,
		Errors:        make([]string, len(r.errors)),
		RecentUploads: make([]UploadRecord, len(r.recent)),
	}

	if r.lastUpload != nil {
		t := *r.lastUpload
		snap.LastUploadTime = &t
	}

	copy(snap.Errors, r.errors)
	copy(snap.RecentUploads, r.recent)

	return snap
}

func (r *Registry) finishLocked() {
	if r.active > 0 {
		r.active--
	}
}

// appendBounded appends v and evicts from the front beyond limit.
func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0], s[over:]...)
	}

	return s
}
