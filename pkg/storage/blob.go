package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"

	// Drivers
	_ "gocloud.dev/blob/fileblob" // file:// URLs
	_ "gocloud.dev/blob/memblob"  // mem:// URLs
)

// blobBackend implements Backend on a Go CDK bucket. It serves local
// directories (file://) and in-memory buckets (mem://).
type blobBackend struct {
	log    logrus.FieldLogger
	url    string
	bucket *blob.Bucket
}

var _ Backend = (*blobBackend)(nil)

// NewBlobBackend opens the bucket at url.
// Examples:
//   - "file:///srv/archive"
//   - "mem://"
func NewBlobBackend(ctx context.Context, log logrus.FieldLogger, url string) (Backend, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", url, err)
	}

	return &blobBackend{
		log:    log.WithField("component", "blob-backend"),
		url:    url,
		bucket: bucket,
	}, nil
}

// Preflight checks that the bucket is reachable.
func (b *blobBackend) Preflight(ctx context.Context) error {
	ok, err := b.bucket.IsAccessible(ctx)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", b.url, err)
	}

	if !ok {
		return fmt.Errorf("bucket %q is not accessible", b.url)
	}

	return nil
}

// Exists reports whether key is present.
func (b *blobBackend) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := b.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking %q: %w", key, err)
	}

	return ok, nil
}

// Put copies body into the bucket.
func (b *blobBackend) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	b.log.WithFields(logrus.Fields{
		"key":  key,
		"size": opts.Size,
	}).Debug("Writing object")

	// Cancelling the writer context aborts the write, so a failed copy never
	// leaves a partial object behind.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: opts.ContentType,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", b.Location(key), err)
	}

	if _, err := io.Copy(w, withSize(body, opts.Size)); err != nil {
		cancel()
		_ = w.Close()

		return fmt.Errorf("writing %s: %w", b.Location(key), err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", b.Location(key), err)
	}

	return nil
}

// Location returns the bucket URL joined with key.
func (b *blobBackend) Location(key string) string {
	base := b.url
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}

	if strings.HasSuffix(base, "/") {
		return base + key
	}

	return base + "/" + key
}

// Close closes the bucket.
func (b *blobBackend) Close() error {
	if b.bucket == nil {
		return nil
	}

	err := b.bucket.Close()
	b.bucket = nil

	if err != nil {
		return fmt.Errorf("closing bucket: %w", err)
	}

	return nil
}
