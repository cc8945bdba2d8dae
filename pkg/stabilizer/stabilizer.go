package stabilizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/ethpandaops/cloudarchive/pkg/upload"
	"github.com/ethpandaops/cloudarchive/pkg/watcher"
	"github.com/sirupsen/logrus"
)

// ErrStabilizationTimeout is recorded for files that never stop changing.
var ErrStabilizationTimeout = errors.New("timed out waiting for file to stabilize")

// State is the lifecycle position of a tracked file.
type State string

const (
	StatePending       State = "PENDING"
	StateStable        State = "STABLE"
	StateFailedTimeout State = "FAILED_TIMEOUT"
)

// WatchedFile is the sampling state of one tracked file.
type WatchedFile struct {
	Path         string
	RelativePath string
	LastSize     int64
	LastModTime  time.Time
	LastSeenAt   time.Time
	FirstSeenAt  time.Time
	StableCount  int
	State        State
}

// Config controls sampling.
type Config struct {
	PollInterval    time.Duration
	StableThreshold int
	Timeout         time.Duration
}

// Enqueuer accepts stabilized files.
type Enqueuer interface {
	Push(task upload.Task)
}

// StatFunc returns file metadata. os.Stat in production.
type StatFunc func(name string) (os.FileInfo, error)

// fingerprint is the size and mtime a file settled at.
type fingerprint struct {
	size    int64
	modTime time.Time
}

// Tracker samples every tracked file on each tick.
type Tracker struct {
	log      logrus.FieldLogger
	cfg      Config
	registry *status.Registry
	queue    Enqueuer
	stat     StatFunc
	now      func() time.Time

	mu       sync.Mutex
	files    map[string]*WatchedFile
	settled  map[string]fingerprint
	timedOut map[string]struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStat replaces os.Stat.
func WithStat(fn StatFunc) Option {
	return func(t *Tracker) {
		t.stat = fn
	}
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		t.now = fn
	}
}

// NewTracker creates a tracker that hands stabilized files to queue.
func NewTracker(
	log logrus.FieldLogger,
	cfg Config,
	registry *status.Registry,
	queue Enqueuer,
	opts ...Option,
) *Tracker {
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = 1
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	t := &Tracker{
		log:      log.WithField("component", "stabilizer"),
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		stat:     os.Stat,
		now:      time.Now,
		files:    make(map[string]*WatchedFile),
		settled:  make(map[string]fingerprint),
		timedOut: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Run consumes watcher events and samples tracked files every poll interval
// until ctx is cancelled or events is closed. Pending files are forgotten
// when Run returns.
func (t *Tracker) Run(ctx context.Context, events <-chan watcher.Event) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	defer t.clear()

	t.log.WithFields(logrus.Fields{
		"poll_interval": t.cfg.PollInterval.String(),
		"threshold":     t.cfg.StableThreshold,
		"timeout":       t.cfg.Timeout.String(),
	}).Debug("Stabilization tracker started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			t.Track(ev.AbsolutePath, ev.RelativePath)
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Track starts sampling path. It returns false when the file is already
// pending, no longer exists, is unchanged since it last stabilized, or has
// timed out during this watch. Timed out files only come back through a
// manual upload.
func (t *Tracker) Track(path, relPath string) bool {
	info, err := t.stat(path)
	if err != nil {
		t.log.WithError(err).WithField("path", path).Debug("Not tracking file")

		return false
	}

	if !info.Mode().IsRegular() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.files[path]; ok {
		return false
	}

	if _, ok := t.timedOut[path]; ok {
		return false
	}

	if fp, ok := t.settled[path]; ok {
		if fp.size == info.Size() && fp.modTime.Equal(info.ModTime()) {
			return false
		}

		delete(t.settled, path)
	}

	now := t.now()

	t.files[path] = &WatchedFile{
		Path:         path,
		RelativePath: relPath,
		LastSize:     info.Size(),
		LastModTime:  info.ModTime(),
		LastSeenAt:   now,
		FirstSeenAt:  now,
		State:        StatePending,
	}

	t.registry.SetTracked(len(t.files))

	t.log.WithField("file", relPath).Debug("Tracking new file")

	return true
}

// Tick samples every pending file once. Files that became stable are
// enqueued in the order they were first seen.
func (t *Tracker) Tick() {
	t.mu.Lock()

	now := t.now()

	var (
		ready    []*WatchedFile
		timedOut []*WatchedFile
	)

	for path, wf := range t.files {
		info, err := t.stat(path)

		switch {
		case errors.Is(err, fs.ErrNotExist):
			t.log.WithField("file", wf.RelativePath).Warn("File disappeared while waiting")
			delete(t.files, path)

			continue
		case err != nil:
			t.log.WithError(err).WithField("file", wf.RelativePath).Warn("Error accessing file")
		default:
			t.sample(wf, info, now)

			if wf.StableCount >= t.cfg.StableThreshold {
				wf.State = StateStable
				t.settled[path] = fingerprint{size: wf.LastSize, modTime: wf.LastModTime}
				delete(t.files, path)
				ready = append(ready, wf)

				continue
			}
		}

		if t.cfg.Timeout > 0 && now.Sub(wf.FirstSeenAt) >= t.cfg.Timeout {
			wf.State = StateFailedTimeout
			delete(t.files, path)
			t.timedOut[path] = struct{}{}
			timedOut = append(timedOut, wf)
		}
	}

	t.registry.SetTracked(len(t.files))
	t.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].FirstSeenAt.Equal(ready[j].FirstSeenAt) {
			return ready[i].FirstSeenAt.Before(ready[j].FirstSeenAt)
		}

		return ready[i].Path < ready[j].Path
	})

	for _, wf := range ready {
		t.log.WithFields(logrus.Fields{
			"file":    wf.RelativePath,
			"size":    wf.LastSize,
			"elapsed": now.Sub(wf.FirstSeenAt).Round(time.Millisecond),
		}).Debug("File stabilized")

		t.queue.Push(upload.Task{
			RelativePath: wf.RelativePath,
			AbsolutePath: wf.Path,
			EnqueuedAt:   now,
			Source:       upload.SourceWatch,
		})
	}

	for _, wf := range timedOut {
		err := fmt.Errorf("%w: %s", ErrStabilizationTimeout, wf.Path)

		t.log.WithError(err).WithField("file", wf.RelativePath).Error("File never stabilized")
		t.registry.RecordTimeout(err.Error())
	}
}

// sample compares info with the previous sample. Empty files never count
// as stable.
func (t *Tracker) sample(wf *WatchedFile, info os.FileInfo, now time.Time) {
	size, modTime := info.Size(), info.ModTime()

	if size > 0 && size == wf.LastSize && modTime.Equal(wf.LastModTime) {
		wf.StableCount++
	} else {
		wf.StableCount = 0
		wf.LastSize = size
		wf.LastModTime = modTime
	}

	wf.LastSeenAt = now
}

// pendingCount returns the number of pending files.
func (t *Tracker) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.files)
}

// pending returns a copy of the pending file states.
func (t *Tracker) pending() []WatchedFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]WatchedFile, 0, len(t.files))
	for _, wf := range t.files {
		out = append(out, *wf)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

func (t *Tracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = make(map[string]*WatchedFile)
	t.settled = make(map[string]fingerprint)
	t.timedOut = make(map[string]struct{})
	t.registry.SetTracked(0)
}
