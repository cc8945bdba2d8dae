package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/cloudarchive/pkg/conflict"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/keytemplate"
	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/ethpandaops/cloudarchive/pkg/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// historyTimeout bounds a single history write.
const historyTimeout = 5 * time.Second

// Recorder persists finished tasks.
type Recorder interface {
	Record(ctx context.Context, entry *history.Entry) error
}

// PoolConfig controls key layout and worker behaviour.
type PoolConfig struct {
	SessionID        string
	PrefixTemplate   string
	RenameOnConflict bool
	MaxFileSize      int64
	Workers          int
}

// Pool runs workers that drain a Queue.
type Pool struct {
	log      logrus.FieldLogger
	cfg      PoolConfig
	queue    *Queue
	backend  storage.Backend
	resolver *conflict.Resolver
	registry *status.Registry
	recorder Recorder
	now      func() time.Time
	locks    *keyLocks
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder writes every finished task to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) {
		p.recorder = r
	}
}

// WithClock overrides the upload timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// NewPool creates a worker pool. It does not start any goroutines.
func NewPool(
	log logrus.FieldLogger,
	cfg PoolConfig,
	queue *Queue,
	backend storage.Backend,
	registry *status.Registry,
	opts ...Option,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	p := &Pool{
		log:      log.WithField("component", "uploader"),
		cfg:      cfg,
		queue:    queue,
		backend:  backend,
		resolver: conflict.NewResolver(backend, !cfg.RenameOnConflict),
		registry: registry,
		now:      time.Now,
	}

	// A single worker already serializes the existence check and the write.
	if cfg.Workers > 1 {
		p.locks = newKeyLocks()
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run starts the workers and blocks until ctx is cancelled. A task that is
// already being uploaded when ctx ends is finished first.
func (p *Pool) Run(ctx context.Context) error {
	p.log.WithField("workers", p.cfg.Workers).Info("Starting upload workers")

	g, gctx := errgroup.WithContext(ctx)

	for i := range p.cfg.Workers {
		workerID := i

		g.Go(func() error {
			log := p.log.WithField("worker", workerID)

			for {
				task, err := p.queue.Pop(gctx)
				if err != nil {
					if errors.Is(err, context.Canceled) ||
						errors.Is(err, context.DeadlineExceeded) {
						return nil
					}

					return err
				}

				log.WithField("file", task.RelativePath).Debug("Picked up task")

				_ = p.Process(context.WithoutCancel(gctx), task)
			}
		})
	}

	err := g.Wait()

	p.log.Info("Upload workers stopped")

	return err
}

// Process uploads one task and records the outcome. The task must already
// have been counted as started in the registry. The returned error is the
// same one recorded in the registry.
func (p *Pool) Process(ctx context.Context, task Task) error {
	start := time.Now()

	rec, err := p.upload(ctx, task)
	if err != nil {
		p.registry.RecordFailure(err.Error())

		p.log.WithError(err).
			WithField("file", task.RelativePath).
			Error("Upload failed")

		var uerr *UploadError
		if errors.As(err, &uerr) {
			p.recordHistory(ctx, task, uerr.Key, 0, err)
		}

		return err
	}

	p.registry.RecordSuccess(rec)

	p.log.WithFields(logrus.Fields{
		"file":     task.RelativePath,
		"location": p.backend.Location(rec.S3Key),
		"size":     units.HumanSize(float64(rec.SizeBytes)),
		"source":   task.Source,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Uploaded file")

	p.recordHistory(ctx, task, rec.S3Key, rec.SizeBytes, nil)

	return nil
}

func (p *Pool) upload(ctx context.Context, task Task) (status.UploadRecord, error) {
	fail := func(key string, err error) (status.UploadRecord, error) {
		return status.UploadRecord{}, &UploadError{
			Path: task.AbsolutePath,
			Key:  key,
			Err:  err,
		}
	}

	info, err := os.Stat(task.AbsolutePath)
	if err != nil {
		return fail("", err)
	}

	if !info.Mode().IsRegular() {
		return fail("", ErrNotRegular)
	}

	if p.cfg.MaxFileSize > 0 && info.Size() > p.cfg.MaxFileSize {
		return fail("", fmt.Errorf("%w: %s > %s", ErrFileTooLarge,
			units.HumanSize(float64(info.Size())),
			units.HumanSize(float64(p.cfg.MaxFileSize))))
	}

	uploadTime := p.now()
	resolved := keytemplate.Resolve(p.cfg.PrefixTemplate, task.RelativePath, uploadTime, p.cfg.SessionID)

	key, unlock, err := p.claimKey(ctx, resolved.FinalKey)
	if err != nil {
		return fail(resolved.FinalKey, err)
	}
	defer unlock()

	if key != resolved.FinalKey {
		p.log.WithFields(logrus.Fields{
			"key":     resolved.FinalKey,
			"renamed": key,
		}).Info("Key already exists, renamed")
	}

	f, err := os.Open(task.AbsolutePath)
	if err != nil {
		return fail(key, err)
	}
	defer f.Close()

	if err := p.backend.Put(ctx, key, f, storage.PutOptions{
		ContentType: storage.DetectContentType(task.AbsolutePath),
		Size:        info.Size(),
	}); err != nil {
		return fail(key, err)
	}

	return status.UploadRecord{
		FileName:   filepath.Base(task.AbsolutePath),
		S3Key:      key,
		UploadTime: uploadTime,
		SizeBytes:  info.Size(),
	}, nil
}

// claimKey resolves conflicts for candidate and, with more than one worker,
// holds locks on both the candidate and the key that will be written until
// the returned unlock is called. A renamed key is re-checked once its lock is
// held, since another worker may have written it in the meantime.
func (p *Pool) claimKey(ctx context.Context, candidate string) (string, func(), error) {
	if p.locks == nil {
		key, err := p.resolver.Resolve(ctx, candidate)

		return key, func() {}, err
	}

	unlockCandidate := p.locks.lock(candidate)

	for range conflict.MaxAttempts {
		key, err := p.resolver.Resolve(ctx, candidate)
		if err != nil {
			unlockCandidate()

			return "", nil, err
		}

		if key == candidate {
			return key, unlockCandidate, nil
		}

		// Renamed keys are always longer than the candidate, so lock order
		// is consistent across workers.
		unlockKey := p.locks.lock(key)

		exists, err := p.backend.Exists(ctx, key)
		if err != nil {
			unlockKey()
			unlockCandidate()

			return "", nil, fmt.Errorf("checking %q: %w", key, err)
		}

		if !exists {
			return key, func() {
				unlockKey()
				unlockCandidate()
			}, nil
		}

		unlockKey()
	}

	unlockCandidate()

	return "", nil, fmt.Errorf("%w: %q after %d attempts",
		conflict.ErrConflictExhausted, candidate, conflict.MaxAttempts)
}

func (p *Pool) recordHistory(ctx context.Context, task Task, key string, size int64, uploadErr error) {
	if p.recorder == nil {
		return
	}

	entry := &history.Entry{
		SessionID:    p.cfg.SessionID,
		RelativePath: keytemplate.ToKeyPath(task.RelativePath),
		Key:          key,
		SizeBytes:    size,
		Status:       history.StatusUploaded,
		Source:       string(task.Source),
	}

	if uploadErr != nil {
		entry.Status = history.StatusFailed
		entry.Error = uploadErr.Error()
	}

	hctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	if err := p.recorder.Record(hctx, entry); err != nil {
		p.log.WithError(err).
			WithField("file", task.RelativePath).
			Warn("Failed to record upload history")
	}
}

// keyLocks serializes work on the same destination key across workers.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
