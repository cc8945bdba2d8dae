package archiver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/storage"
	"github.com/ethpandaops/cloudarchive/pkg/watcher"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func testConfig(outputDir string) *config.Config {
	return &config.Config{
		Archive: config.ArchiveConfig{
			OutputDir:        outputDir,
			PrefixTemplate:   "archive/{session_id}",
			RenameOnConflict: true,
			Workers:          1,
		},
		Stabilization: config.StabilizationConfig{
			PollInterval:    10 * time.Millisecond,
			StableThreshold: 2,
			Timeout:         5 * time.Second,
		},
		Storage: config.StorageConfig{
			Driver: config.StorageDriverBlob,
			Blob:   config.BlobConfig{URL: "mem://"},
		},
	}
}

type testEnv struct {
	svc     *Service
	backend storage.Backend
	root    string
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) *testEnv {
	t.Helper()

	root := t.TempDir()
	cfg := testConfig(root)

	if mutate != nil {
		mutate(cfg)
	}

	backend, err := storage.New(context.Background(), newTestLogger(), &cfg.Storage)
	require.NoError(t, err)

	opts = append([]Option{WithSession(Session{ID: "abc123"})}, opts...)

	svc, err := New(newTestLogger(), cfg, backend, opts...)
	require.NoError(t, err)

	require.NoError(t, svc.Open(context.Background()))

	t.Cleanup(func() {
		_ = svc.Close()
		_ = backend.Close()
	})

	return &testEnv{svc: svc, backend: backend, root: root}
}

func (e *testEnv) exists(t *testing.T, key string) bool {
	t.Helper()

	ok, err := e.backend.Exists(context.Background(), key)
	require.NoError(t, err)

	return ok
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestNewSession(t *testing.T) {
	generated := NewSession("")
	assert.Len(t, generated.ID, sessionIDLength)
	assert.NotEqual(t, generated.ID, NewSession("").ID)

	assert.Equal(t, "run-42", NewSession("run-42").ID)
}

func TestService_WatchAndUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.Start("")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Started watching directory")
	assert.True(t, res.Status.Running)
	assert.Equal(t, "abc123", res.Status.SessionID)

	sub := filepath.Join(env.root, "img")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.png"), []byte("png"), 0o644))

	eventually(t, func() bool { return env.svc.GetStatus().UploadedFiles == 1 })

	assert.True(t, env.exists(t, "archive/abc123/img/a.png"))

	snap := env.svc.GetStatus()
	assert.Equal(t, 1, snap.TotalFiles)
	assert.Equal(t, 0, snap.FailedFiles)
	require.Len(t, snap.RecentUploads, 1)
	assert.Equal(t, "a.png", snap.RecentUploads[0].FileName)
	assert.Equal(t, "archive/abc123/img/a.png", snap.RecentUploads[0].S3Key)
}

func TestService_StartStopIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.Start(env.root)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = env.svc.Start("")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "Already watching directory")

	res, err = env.svc.Stop()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Status.Running)

	res, err = env.svc.Stop()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Watcher is not running", res.Message)
	assert.False(t, res.Status.Running)
}

func TestService_StartSwitchesDirectory(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.Start("")
	require.NoError(t, err)

	other := t.TempDir()

	res, err := env.svc.Start(other)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, other, res.Status.WatchedDir)

	require.NoError(t, os.WriteFile(filepath.Join(other, "b.png"), []byte("b"), 0o644))

	eventually(t, func() bool { return env.svc.GetStatus().UploadedFiles == 1 })
	assert.True(t, env.exists(t, "archive/abc123/b.png"))
}

func TestService_StartMissingDirectory(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.svc.Start(filepath.Join(env.root, "does-not-exist"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.ErrorIs(t, err, watcher.ErrInvalidRoot)
	assert.False(t, res.Success)
	assert.False(t, res.Status.Running)
	require.NotEmpty(t, res.Status.Errors)
	assert.Contains(t, res.Status.Errors[0], "output directory does not exist")
}

func TestService_StartBeforeOpen(t *testing.T) {
	cfg := testConfig(t.TempDir())

	backend, err := storage.New(context.Background(), newTestLogger(), &cfg.Storage)
	require.NoError(t, err)

	t.Cleanup(func() { _ = backend.Close() })

	svc, err := New(newTestLogger(), cfg, backend)
	require.NoError(t, err)

	_, err = svc.Start("")
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = svc.Upload("/tmp/x")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestService_AutoStart(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Archive.AutoStart = true })

	snap := env.svc.GetStatus()
	assert.True(t, snap.Running)
	assert.Equal(t, env.root, snap.WatchedDir)
}

func TestService_ManualUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	inside := filepath.Join(env.root, "nested", "in.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0o755))
	require.NoError(t, os.WriteFile(inside, []byte("in"), 0o644))

	outside := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, os.WriteFile(outside, []byte("out"), 0o644))

	res, err := env.svc.Upload(inside)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = env.svc.Upload(outside)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.NoError(t, env.svc.Drain(context.Background()))

	snap := env.svc.GetStatus()
	assert.Equal(t, 2, snap.TotalFiles)
	assert.Equal(t, 2, snap.UploadedFiles)
	assert.False(t, snap.Uploading)

	assert.True(t, env.exists(t, "archive/abc123/nested/in.png"))
	assert.True(t, env.exists(t, "archive/abc123/out.png"))

	// Same file again is renamed rather than overwritten.
	_, err = env.svc.Upload(outside)
	require.NoError(t, err)
	require.NoError(t, env.svc.Drain(context.Background()))

	assert.True(t, env.exists(t, "archive/abc123/out (1).png"))
}

func TestService_ManualUploadErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("empty path", func(t *testing.T) {
		res, err := env.svc.Upload("")
		assert.ErrorIs(t, err, ErrNoFilePath)
		assert.False(t, res.Success)
	})

	t.Run("missing file", func(t *testing.T) {
		res, err := env.svc.Upload(filepath.Join(env.root, "missing.png"))
		assert.ErrorIs(t, err, ErrFileNotFound)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "File does not exist")
	})

	t.Run("directory", func(t *testing.T) {
		_, err := env.svc.Upload(env.root)
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	assert.Equal(t, 0, env.svc.GetStatus().TotalFiles)
}

func TestService_History(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.svc.History(context.Background(), 10, false)
		assert.ErrorIs(t, err, ErrHistoryDisabled)
	})

	t.Run("records uploads", func(t *testing.T) {
		store := history.NewStore(newTestLogger(), &config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
		})
		require.NoError(t, store.Start(context.Background()))

		t.Cleanup(func() { _ = store.Stop() })

		env := newTestEnv(t, nil, WithHistory(store))

		file := filepath.Join(env.root, "h.png")
		require.NoError(t, os.WriteFile(file, []byte("h"), 0o644))

		_, err := env.svc.Upload(file)
		require.NoError(t, err)
		require.NoError(t, env.svc.Drain(context.Background()))

		entries, err := env.svc.History(context.Background(), 10, false)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "abc123", entries[0].SessionID)
		assert.Equal(t, "archive/abc123/h.png", entries[0].Key)
		assert.Equal(t, history.StatusUploaded, entries[0].Status)
		assert.Equal(t, "manual", entries[0].Source)
	})
}

func TestService_OpenLogsSummary(t *testing.T) {
	ctx := context.Background()

	store := history.NewStore(newTestLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(ctx))

	t.Cleanup(func() { _ = store.Stop() })

	require.NoError(t, store.Record(ctx, &history.Entry{
		SessionID:    "earlier",
		RelativePath: "old.png",
		Key:          "archive/earlier/old.png",
		Status:       history.StatusUploaded,
		Source:       "watch",
	}))

	log, hook := logtest.NewNullLogger()

	cfg := testConfig(t.TempDir())

	backend, err := storage.New(ctx, newTestLogger(), &cfg.Storage)
	require.NoError(t, err)

	svc, err := New(log, cfg, backend, WithHistory(store), WithSession(Session{ID: "abc123"}))
	require.NoError(t, err)

	require.NoError(t, svc.Open(ctx))

	t.Cleanup(func() {
		_ = svc.Close()
		_ = backend.Close()
	})

	var opened, available *logrus.Entry

	for _, e := range hook.AllEntries() {
		switch e.Message {
		case "Archiver opened":
			opened = e
		case "Upload history available":
			available = e
		}
	}

	require.NotNil(t, opened)
	assert.Equal(t, true, opened.Data["session_in_keys"])

	require.NotNil(t, available)
	assert.Equal(t, int64(1), available.Data["uploaded"])
}

func TestRelativeTo(t *testing.T) {
	root := filepath.FromSlash("/data/output")

	tests := []struct {
		name string
		abs  string
		want string
	}{
		{name: "inside", abs: filepath.FromSlash("/data/output/a/b.png"), want: filepath.FromSlash("a/b.png")},
		{name: "outside", abs: filepath.FromSlash("/tmp/c.png"), want: "c.png"},
		{name: "sibling prefix", abs: filepath.FromSlash("/data/output2/d.png"), want: "d.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relativeTo(root, tt.abs))
		})
	}

	assert.Equal(t, "e.png", relativeTo("", filepath.FromSlash("/x/e.png")))
}
