package archiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/keytemplate"
	"github.com/ethpandaops/cloudarchive/pkg/stabilizer"
	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/ethpandaops/cloudarchive/pkg/storage"
	"github.com/ethpandaops/cloudarchive/pkg/upload"
	"github.com/ethpandaops/cloudarchive/pkg/watcher"
	"github.com/sirupsen/logrus"
)

// drainPollInterval is how often Drain checks for outstanding work.
const drainPollInterval = 50 * time.Millisecond

var (
	// ErrFileNotFound is returned by Upload for missing or non-regular paths.
	ErrFileNotFound = errors.New("file does not exist")

	// ErrNoFilePath is returned by Upload when no path is given.
	ErrNoFilePath = errors.New("no file path provided")

	// ErrHistoryDisabled is returned by History without a history store.
	ErrHistoryDisabled = errors.New("upload history is disabled")

	// ErrNotOpen is returned by control operations before Open.
	ErrNotOpen = errors.New("archiver is not open")
)

// Result is the outcome of a control operation.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Status  status.Snapshot `json:"status"`
}

// Service owns the pipeline for one watched directory at a time.
type Service struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	session  Session
	registry *status.Registry
	queue    *upload.Queue
	pool     *upload.Pool
	history  history.Store

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	run       *watchRun
	outputDir string
}

// watchRun is one active watcher and its tracker.
type watchRun struct {
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	history history.Store
	session *Session
	clock   func() time.Time
}

// WithHistory records every finished task in store. The caller owns the
// store lifecycle.
func WithHistory(store history.Store) Option {
	return func(o *serviceOptions) {
		o.history = store
	}
}

// WithSession overrides the generated session.
func WithSession(s Session) Option {
	return func(o *serviceOptions) {
		o.session = &s
	}
}

// WithClock overrides the upload timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.clock = now
	}
}

// New builds the service. The caller owns backend and closes it after Close.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	backend storage.Backend,
	opts ...Option,
) (*Service, error) {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	maxSize, err := cfg.Archive.MaxFileSizeBytes()
	if err != nil {
		return nil, err
	}

	session := NewSession(cfg.Archive.SessionID)
	if o.session != nil {
		session = *o.session
	}

	registry := status.NewRegistry(session.ID)
	queue := upload.NewQueue(registry)

	var poolOpts []upload.Option
	if o.history != nil {
		poolOpts = append(poolOpts, upload.WithRecorder(o.history))
	}

	if o.clock != nil {
		poolOpts = append(poolOpts, upload.WithClock(o.clock))
	}

	pool := upload.NewPool(log, upload.PoolConfig{
		SessionID:        session.ID,
		PrefixTemplate:   cfg.Archive.PrefixTemplate,
		RenameOnConflict: cfg.Archive.RenameOnConflict,
		MaxFileSize:      maxSize,
		Workers:          cfg.Archive.Workers,
	}, queue, backend, registry, poolOpts...)

	return &Service{
		log:       log.WithField("component", "archiver"),
		cfg:       cfg,
		session:   session,
		registry:  registry,
		queue:     queue,
		pool:      pool,
		history:   o.history,
		outputDir: cfg.Archive.OutputDir,
	}, nil
}

// Session returns the process session.
func (s *Service) Session() Session {
	return s.session
}

// Open starts the upload workers and, when configured, begins watching the
// default output directory. A watcher that fails to start is reported in
// the status errors and does not fail Open.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()

	if s.ctx != nil {
		s.mu.Unlock()

		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.pool.Run(s.ctx); err != nil {
			s.log.WithError(err).Error("Upload workers exited")
		}
	}()

	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"session_id":      s.session.ID,
		"template":        s.cfg.Archive.PrefixTemplate,
		"session_in_keys": keytemplate.UsesSession(s.cfg.Archive.PrefixTemplate),
	}).Info("Archiver opened")

	if s.history != nil {
		if n, err := s.history.Count(ctx, history.StatusUploaded); err != nil {
			s.log.WithError(err).Warn("Failed to count upload history")
		} else {
			s.log.WithField("uploaded", n).Info("Upload history available")
		}
	}

	if s.cfg.Archive.AutoStart && s.cfg.Archive.OutputDir != "" {
		if res, err := s.Start(""); err != nil {
			s.log.WithError(err).Error(res.Message)
		}
	}

	return nil
}

// Close stops watching, lets in-flight uploads finish and stops the workers.
// Queued tasks that have not started are discarded.
func (s *Service) Close() error {
	if _, err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	s.wg.Wait()

	s.log.Info("Archiver closed")

	return nil
}

// GetStatus returns a snapshot of the pipeline state.
func (s *Service) GetStatus() status.Snapshot {
	return s.registry.Snapshot()
}

// Start begins watching outputDir, or the configured directory when empty.
// Calling Start for the directory already being watched is a no-op. Starting
// on a different directory replaces the current watch. Counters, errors and
// recent uploads are reset whenever a new watch begins.
func (s *Service) Start(outputDir string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return s.result(false, ErrNotOpen.Error()), ErrNotOpen
	}

	dir := outputDir
	if dir == "" {
		dir = s.outputDir
	}

	if dir == "" {
		err := fmt.Errorf("%w: no output directory configured", config.ErrConfiguration)

		return s.result(false, err.Error()), err
	}

	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	if s.run != nil {
		if s.run.watcher.Root() == dir {
			return s.result(true, "Already watching directory: "+dir), nil
		}

		s.stopLocked()
	}

	s.registry.Reset()

	w, err := watcher.New(s.log, dir, s.cfg.Archive.IgnorePatterns)
	if err == nil {
		err = w.Start()
	}

	if err != nil {
		if errors.Is(err, watcher.ErrInvalidRoot) || errors.Is(err, watcher.ErrInvalidPattern) {
			err = fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}

		msg := fmt.Sprintf("failed to start directory watcher: %v", err)

		s.registry.AddError(msg)
		s.registry.SetRunning(false)

		return s.result(false, msg), err
	}

	tracker := stabilizer.NewTracker(s.log, stabilizer.Config{
		PollInterval:    s.cfg.Stabilization.PollInterval,
		StableThreshold: s.cfg.Stabilization.StableThreshold,
		Timeout:         s.cfg.Stabilization.Timeout,
	}, s.registry, s.queue)

	ctx, cancel := context.WithCancel(s.ctx)

	run := &watchRun{
		watcher: w,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(run.done)

		_ = tracker.Run(ctx, w.Events())
	}()

	s.run = run
	s.outputDir = dir

	s.registry.SetWatchedDir(dir)
	s.registry.SetRunning(true)

	s.log.WithField("dir", dir).Info("Started watching directory")

	return s.result(true, "Started watching directory: "+dir), nil
}

// Stop halts watching. Files still stabilizing are dropped; uploads already
// queued continue. Calling Stop when not watching is a no-op.
func (s *Service) Stop() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return s.result(false, "Watcher is not running"), nil
	}

	s.stopLocked()

	return s.result(true, "Stopped watching directory"), nil
}

func (s *Service) stopLocked() {
	run := s.run
	s.run = nil

	run.cancel()

	if err := run.watcher.Stop(); err != nil {
		s.log.WithError(err).Warn("Error stopping watcher")
	}

	<-run.done

	s.registry.SetRunning(false)

	s.log.WithField("dir", run.watcher.Root()).Info("Stopped watching directory")
}

// Upload queues a file for upload through the same pipeline as watched
// files. Files inside the watched directory keep their relative path;
// anything else is uploaded under its base name.
func (s *Service) Upload(path string) (Result, error) {
	if path == "" {
		return s.result(false, "No file path provided"), ErrNoFilePath
	}

	s.mu.Lock()
	open := s.ctx != nil
	root := s.outputDir
	s.mu.Unlock()

	if !open {
		return s.result(false, ErrNotOpen.Error()), ErrNotOpen
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = upload.ErrNotRegular
		}

		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, upload.ErrNotRegular) {
			err = fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return s.result(false, "File does not exist: "+path), err
	}

	rel := relativeTo(root, abs)

	s.queue.Push(upload.Task{
		RelativePath: rel,
		AbsolutePath: abs,
		EnqueuedAt:   time.Now(),
		Source:       upload.SourceManual,
	})

	s.log.WithFields(logrus.Fields{
		"file": abs,
		"key":  rel,
	}).Info("Queued manual upload")

	return s.result(true, "Queued for upload: "+path), nil
}

// Drain blocks until no task is queued or uploading, or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if !s.registry.Snapshot().Uploading {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns recorded uploads for the current session, newest first.
func (s *Service) History(ctx context.Context, limit int, allSessions bool) ([]history.Entry, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}

	sessionID := s.session.ID
	if allSessions {
		sessionID = ""
	}

	return s.history.List(ctx, sessionID, limit)
}

func (s *Service) result(ok bool, msg string) Result {
	return Result{
		Success: ok,
		Message: msg,
		Status:  s.registry.Snapshot(),
	}
}

// relativeTo returns abs relative to root when it lies inside root, or its
// base name otherwise.
func relativeTo(root, abs string) string {
	if root != "" {
		if r, err := filepath.Abs(root); err == nil {
			rel, err := filepath.Rel(r, abs)
			if err == nil && rel != "." && rel != ".." &&
				!strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return rel
			}
		}
	}

	return filepath.Base(abs)
}
