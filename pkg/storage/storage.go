package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"

	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/sirupsen/logrus"
)

// Backend is the destination object store.
type Backend interface {
	// Preflight verifies that the remote storage is reachable and writable.
	Preflight(ctx context.Context) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Put streams body to key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error

	// Location returns a human readable URL for key, used in logs.
	Location(key string) string

	// Close releases client resources.
	Close() error
}

// ErrSizeMismatch is returned when a body does not match its declared size.
var ErrSizeMismatch = errors.New("body size does not match declared size")

// PutOptions carries per-object metadata.
type PutOptions struct {
	ContentType string

	// Size is the expected body length. When positive, a body that ends
	// early or runs past it fails the write with ErrSizeMismatch.
	Size int64
}

// New creates the backend selected by cfg.Driver.
func New(ctx context.Context, log logrus.FieldLogger, cfg *config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case config.StorageDriverS3:
		return NewS3Backend(log, &cfg.S3)
	case config.StorageDriverBlob:
		return NewBlobBackend(ctx, log, cfg.Blob.URL)
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrConfiguration, cfg.Driver)
	}
}

// DetectContentType returns a MIME type based on file extension.
func DetectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}

// sizedReader fails once the bytes read diverge from the declared size.
type sizedReader struct {
	r    io.Reader
	want int64
	n    int64
}

func withSize(r io.Reader, size int64) io.Reader {
	if size <= 0 {
		return r
	}

	return &sizedReader{r: r, want: size}
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)

	if s.n > s.want {
		return n, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, s.want)
	}

	if errors.Is(err, io.EOF) && s.n != s.want {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, s.n, s.want)
	}

	return n, err
}
