package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/conflict"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/status"
	"github.com/ethpandaops/cloudarchive/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// recordingBackend wraps an in-memory bucket and remembers written keys.
type recordingBackend struct {
	storage.Backend

	mu       sync.Mutex
	keys     []string
	putErr   error
	putDelay time.Duration
}

func (b *recordingBackend) Put(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) error {
	if b.putErr != nil {
		return b.putErr
	}

	// Slow writes keep other workers' existence checks inside the window.
	time.Sleep(b.putDelay)

	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.mu.Unlock()

	return b.Backend.Put(ctx, key, body, opts)
}

func (b *recordingBackend) written() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.keys))
	copy(out, b.keys)

	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, e *history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, *e)

	return r.err
}

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func newTestBackend(t *testing.T) *recordingBackend {
	t.Helper()

	mem, err := storage.NewBlobBackend(context.Background(), newTestLogger(), "mem://")
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Close() })

	return &recordingBackend{Backend: mem}
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()

	abs := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))

	return abs
}

type harness struct {
	reg     *status.Registry
	queue   *Queue
	backend *recordingBackend
	pool    *Pool
}

func newHarness(t *testing.T, cfg PoolConfig, opts ...Option) *harness {
	t.Helper()

	reg := status.NewRegistry(cfg.SessionID)
	q := NewQueue(reg)
	backend := newTestBackend(t)

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)

	return &harness{
		reg:     reg,
		queue:   q,
		backend: backend,
		pool:    NewPool(newTestLogger(), cfg, q, backend, reg, opts...),
	}
}

// processOne runs a task through the queue so registry accounting matches
// the worker path.
func (h *harness) processOne(t *testing.T, task Task) error {
	t.Helper()

	h.queue.Push(task)

	popped, err := h.queue.Pop(context.Background())
	require.NoError(t, err)

	return h.pool.Process(context.Background(), popped)
}

func TestPool_ProcessSuccess(t *testing.T) {
	dir := t.TempDir()
	abs := writeFile(t, dir, "sub/a.png", "pixels")

	h := newHarness(t, PoolConfig{
		SessionID:        "abc123",
		PrefixTemplate:   "outputs/{Y}-{m}-{d}",
		RenameOnConflict: true,
	})

	err := h.processOne(t, Task{
		RelativePath: filepath.Join("sub", "a.png"),
		AbsolutePath: abs,
		Source:       SourceWatch,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"outputs/2024-01-15/sub/a.png"}, h.backend.written())

	snap := h.reg.Snapshot()
	assert.Equal(t, 1, snap.TotalFiles)
	assert.Equal(t, 1, snap.UploadedFiles)
	assert.Equal(t, 0, snap.FailedFiles)
	assert.False(t, snap.Uploading)
	require.Len(t, snap.RecentUploads, 1)

	rec := snap.RecentUploads[0]
	assert.Equal(t, "a.png", rec.FileName)
	assert.Equal(t, "outputs/2024-01-15/sub/a.png", rec.S3Key)
	assert.Equal(t, int64(6), rec.SizeBytes)
	assert.Equal(t, fixedNow, rec.UploadTime)
	require.NotNil(t, snap.LastUploadTime)
	assert.Equal(t, fixedNow, *snap.LastUploadTime)
}

func TestPool_ProcessConflict(t *testing.T) {
	tests := []struct {
		name    string
		rename  bool
		wantKey string
	}{
		{name: "rename on conflict", rename: true, wantKey: "outputs/a (1).png"},
		{name: "overwrite", rename: false, wantKey: "outputs/a.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			abs := writeFile(t, dir, "a.png", "new")

			h := newHarness(t, PoolConfig{
				PrefixTemplate:   "outputs",
				RenameOnConflict: tt.rename,
			})

			require.NoError(t, h.backend.Backend.Put(
				context.Background(), "outputs/a.png", strings.NewReader("old"), storage.PutOptions{},
			))

			require.NoError(t, h.processOne(t, Task{RelativePath: "a.png", AbsolutePath: abs}))
			assert.Equal(t, []string{tt.wantKey}, h.backend.written())
		})
	}
}

func TestPool_ProcessFailures(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		setup   func(h *harness) Task
		cfg     PoolConfig
		wantIs  error
		wantMsg string
	}{
		{
			name: "vanished file",
			setup: func(_ *harness) Task {
				return Task{RelativePath: "gone.png", AbsolutePath: filepath.Join(dir, "gone.png")}
			},
			wantIs:  fs.ErrNotExist,
			wantMsg: "failed to upload " + filepath.Join(dir, "gone.png"),
		},
		{
			name: "directory",
			setup: func(_ *harness) Task {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "adir"), 0o755))

				return Task{RelativePath: "adir", AbsolutePath: filepath.Join(dir, "adir")}
			},
			wantIs: ErrNotRegular,
		},
		{
			name: "too large",
			cfg:  PoolConfig{MaxFileSize: 4},
			setup: func(_ *harness) Task {
				return Task{RelativePath: "big.bin", AbsolutePath: writeFile(t, dir, "big.bin", "0123456789")}
			},
			wantIs: ErrFileTooLarge,
		},
		{
			name: "storage error",
			setup: func(h *harness) Task {
				h.backend.putErr = errors.New("connection reset")

				return Task{RelativePath: "ok.png", AbsolutePath: writeFile(t, dir, "ok.png", "x")}
			},
			wantMsg: "connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg)
			task := tt.setup(h)

			err := h.processOne(t, task)
			require.Error(t, err)

			var uerr *UploadError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, task.AbsolutePath, uerr.Path)

			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}

			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}

			snap := h.reg.Snapshot()
			assert.Equal(t, 1, snap.TotalFiles)
			assert.Equal(t, 0, snap.UploadedFiles)
			assert.Equal(t, 1, snap.FailedFiles)
			require.Len(t, snap.Errors, 1)
			assert.Equal(t, err.Error(), snap.Errors[0])
			assert.Empty(t, h.backend.written())
		})
	}
}

func TestPool_ConflictExhausted(t *testing.T) {
	dir := t.TempDir()
	abs := writeFile(t, dir, "a.png", "x")

	h := newHarness(t, PoolConfig{RenameOnConflict: true})

	ctx := context.Background()
	require.NoError(t, h.backend.Backend.Put(ctx, "a.png", strings.NewReader("x"), storage.PutOptions{}))

	for n := 1; n <= conflict.MaxAttempts; n++ {
		require.NoError(t, h.backend.Backend.Put(ctx, conflict.Numbered("a.png", n),
			strings.NewReader("x"), storage.PutOptions{}))
	}

	err := h.processOne(t, Task{RelativePath: "a.png", AbsolutePath: abs})
	require.Error(t, err)
	assert.ErrorIs(t, err, conflict.ErrConflictExhausted)

	var uerr *UploadError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "a.png", uerr.Key)

	assert.Equal(t, 1, h.reg.Snapshot().FailedFiles)
}

func TestPool_History(t *testing.T) {
	dir := t.TempDir()

	t.Run("success and failure recorded", func(t *testing.T) {
		rec := &fakeRecorder{}
		h := newHarness(t, PoolConfig{SessionID: "s1", PrefixTemplate: "p"}, WithRecorder(rec))

		require.NoError(t, h.processOne(t, Task{
			RelativePath: "a.png",
			AbsolutePath: writeFile(t, dir, "a.png", "abc"),
			Source:       SourceManual,
		}))
		require.Error(t, h.processOne(t, Task{
			RelativePath: "missing.png",
			AbsolutePath: filepath.Join(dir, "missing.png"),
			Source:       SourceWatch,
		}))

		require.Len(t, rec.entries, 2)

		assert.Equal(t, history.Entry{
			SessionID:    "s1",
			RelativePath: "a.png",
			Key:          "p/a.png",
			SizeBytes:    3,
			Status:       history.StatusUploaded,
			Source:       "manual",
		}, rec.entries[0])

		assert.Equal(t, history.StatusFailed, rec.entries[1].Status)
		assert.Equal(t, "watch", rec.entries[1].Source)
		assert.Contains(t, rec.entries[1].Error, "missing.png")
	})

	t.Run("recorder error does not fail task", func(t *testing.T) {
		rec := &fakeRecorder{err: errors.New("database is locked")}
		h := newHarness(t, PoolConfig{}, WithRecorder(rec))

		err := h.processOne(t, Task{
			RelativePath: "b.png",
			AbsolutePath: writeFile(t, dir, "b.png", "abc"),
		})
		require.NoError(t, err)

		snap := h.reg.Snapshot()
		assert.Equal(t, 1, snap.UploadedFiles)
		assert.Empty(t, snap.Errors)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestPool_RunSingleWorkerFIFO(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, PoolConfig{PrefixTemplate: "out"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- h.pool.Run(ctx) }()

	want := make([]string, 0, 10)

	for i := range 10 {
		rel := fmt.Sprintf("f%02d.txt", i)
		want = append(want, "out/"+rel)
		h.queue.Push(Task{RelativePath: rel, AbsolutePath: writeFile(t, dir, rel, rel)})
	}

	waitFor(t, func() bool { return h.reg.Snapshot().UploadedFiles == 10 })

	assert.Equal(t, want, h.backend.written())
	assert.False(t, h.reg.Snapshot().Uploading)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_RunParallelSameKey(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, PoolConfig{PrefixTemplate: "out", RenameOnConflict: true, Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = h.pool.Run(ctx) }()

	const n = 8

	for i := range n {
		abs := writeFile(t, dir, fmt.Sprintf("src%d/a.png", i), "x")
		h.queue.Push(Task{RelativePath: "a.png", AbsolutePath: abs})
	}

	waitFor(t, func() bool {
		snap := h.reg.Snapshot()

		return snap.UploadedFiles+snap.FailedFiles == n
	})

	keys := h.backend.written()
	require.Len(t, keys, n)

	unique := make(map[string]struct{}, n)
	for _, k := range keys {
		unique[k] = struct{}{}
	}

	assert.Len(t, unique, n)
	assert.Contains(t, unique, "out/a.png")
	assert.Equal(t, 0, h.reg.Snapshot().FailedFiles)
}

func TestPool_RunParallelRenamedKey(t *testing.T) {
	// "a.png" is taken, so its task renames to "a (1).png", which is also
	// the literal key of the second task.
	for round := range 5 {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			dir := t.TempDir()
			h := newHarness(t, PoolConfig{PrefixTemplate: "out", RenameOnConflict: true, Workers: 2})
			h.backend.putDelay = 50 * time.Millisecond

			ctx := context.Background()
			require.NoError(t, h.backend.Backend.Put(ctx, "out/a.png", strings.NewReader("old"), storage.PutOptions{}))

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() { _ = h.pool.Run(runCtx) }()

			h.queue.Push(Task{RelativePath: "a.png", AbsolutePath: writeFile(t, dir, "a.png", "new")})
			h.queue.Push(Task{RelativePath: "a (1).png", AbsolutePath: writeFile(t, dir, "a (1).png", "literal")})

			waitFor(t, func() bool {
				snap := h.reg.Snapshot()

				return snap.UploadedFiles+snap.FailedFiles == 2
			})

			keys := h.backend.written()
			require.Len(t, keys, 2)
			assert.NotEqual(t, keys[0], keys[1])
			assert.Equal(t, 0, h.reg.Snapshot().FailedFiles)

			for _, k := range []string{"out/a.png", "out/a (1).png"} {
				exists, err := h.backend.Exists(ctx, k)
				require.NoError(t, err)
				assert.True(t, exists, k)
			}

			assert.Subset(t, []string{"out/a (1).png", "out/a (2).png", "out/a (1) (1).png"}, keys)
		})
	}
}

func TestUploadError(t *testing.T) {
	err := &UploadError{Path: "/data/a.png", Key: "k", Err: fs.ErrPermission}

	assert.Equal(t, "failed to upload /data/a.png: permission denied", err.Error())
	assert.ErrorIs(t, err, fs.ErrPermission)
}
