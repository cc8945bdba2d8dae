package watcher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 256

var (
	// ErrStopped is returned when Start is called on a stopped watcher.
	ErrStopped = errors.New("watcher stopped")

	// ErrInvalidRoot is returned when the root cannot be watched.
	ErrInvalidRoot = errors.New("invalid watch root")

	// ErrInvalidPattern is returned for malformed ignore globs.
	ErrInvalidPattern = errors.New("invalid ignore pattern")
)

// Event identifies a regular file that was created or written.
type Event struct {
	AbsolutePath string
	RelativePath string
}

// Watcher observes a root directory recursively. A Watcher is single use:
// once stopped it cannot be started again.
type Watcher struct {
	log    logrus.FieldLogger
	root   string
	ignore []string

	mu      sync.Mutex
	running bool
	stopped bool
	fsw     *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for root. Files whose base name matches any of the
// ignore glob patterns are never reported.
func New(log logrus.FieldLogger, root string, ignore []string) (*Watcher, error) {
	for _, p := range ignore {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, p, err)
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", ErrInvalidRoot, root, err)
	}

	return &Watcher{
		log:    log.WithField("component", "watcher"),
		root:   abs,
		ignore: ignore,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Events returns the channel file events are delivered on. It is closed
// after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// isRunning reports whether the watcher is active.
func (w *Watcher) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.running
}

// Start subscribes to the root and every directory below it. Calling Start
// on a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if w.stopped {
		return ErrStopped
	}

	if err := checkRoot(w.root); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w.fsw = fsw

	dirs, err := w.addTree(w.root, false)
	if err != nil {
		_ = fsw.Close()
		w.fsw = nil

		return fmt.Errorf("%w: watching %q: %v", ErrInvalidRoot, w.root, err)
	}

	w.running = true

	w.wg.Add(1)

	go w.loop()

	w.log.WithFields(logrus.Fields{
		"root":        w.root,
		"directories": dirs,
	}).Info("Watching directory")

	return nil
}

// Stop releases the OS watches and closes the Events channel. Calling Stop
// more than once is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()

	if w.stopped {
		w.mu.Unlock()

		return nil
	}

	w.stopped = true
	wasRunning := w.running
	w.running = false

	close(w.done)

	var err error
	if w.fsw != nil {
		err = w.fsw.Close()
	}

	w.mu.Unlock()

	w.wg.Wait()

	if !wasRunning {
		close(w.events)
	}

	if err != nil {
		return fmt.Errorf("closing fsnotify watcher: %w", err)
	}

	w.log.WithField("root", w.root).Info("Stopped watching directory")

	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if !w.handle(ev) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

// handle processes one fsnotify event. It returns false once the watcher is
// stopping.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return true
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Removed or renamed before we got to it.
		w.log.WithError(err).WithField("path", ev.Name).Debug("Skipping event")

		return true
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if _, err := w.addTree(ev.Name, true); err != nil {
				w.log.WithError(err).
					WithField("path", ev.Name).
					Warn("Failed to watch new directory")
			}
		}

		return true
	}

	return w.emit(ev.Name, info)
}

// addTree adds dir and all directories below it to the watch. With scan
// set, regular files already present are reported as well; this covers files
// written before the watch on a new directory was in place.
func (w *Watcher) addTree(dir string, scan bool) (int, error) {
	count := 0

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}

			w.log.WithError(err).WithField("path", p).Warn("Skipping unreadable path")

			return nil
		}

		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				return fmt.Errorf("adding %q: %w", p, err)
			}

			count++

			return nil
		}

		if !scan {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if !w.emit(p, info) {
			return filepath.SkipAll
		}

		return nil
	})

	return count, err
}

// emit sends an event for a regular, non-ignored file. It returns false once
// the watcher is stopping.
func (w *Watcher) emit(p string, info fs.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return true
	}

	if w.ignored(filepath.Base(p)) {
		w.log.WithField("path", p).Debug("Ignoring file")

		return true
	}

	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		w.log.WithError(err).WithField("path", p).Warn("Path outside watched root")

		return true
	}

	select {
	case w.events <- Event{AbsolutePath: p, RelativePath: rel}:
		return true
	case <-w.done:
		return false
	}
}

func (w *Watcher) ignored(name string) bool {
	for _, p := range w.ignore {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}

	return false
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: output directory does not exist: %s", ErrInvalidRoot, root)
		}

		return fmt.Errorf("%w: output directory is not accessible: %v", ErrInvalidRoot, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: output directory is not a directory: %s", ErrInvalidRoot, root)
	}

	f, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("%w: output directory is not readable: %v", ErrInvalidRoot, err)
	}
	defer f.Close()

	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: output directory is not readable: %v", ErrInvalidRoot, err)
	}

	return nil
}
