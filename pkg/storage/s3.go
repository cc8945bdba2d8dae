package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/sirupsen/logrus"
)

const preflightKey = ".cloudarchive-write-test"

// s3Backend implements Backend for S3-compatible storage.
type s3Backend struct {
	log      logrus.FieldLogger
	cfg      *config.S3Config
	client   *s3.Client
	uploader *manager.Uploader
}

// Ensure interface compliance.
var _ Backend = (*s3Backend)(nil)

// NewS3Backend creates a new S3 backend from the given configuration.
func NewS3Backend(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Backend, error) {
	partSize, err := cfg.PartSizeBytes()
	if err != nil {
		return nil, err
	}

	client := newS3Client(cfg)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize >= manager.MinUploadPartSize {
			u.PartSize = partSize
		}
	})

	return &s3Backend{
		log:      log.WithField("component", "s3-backend"),
		cfg:      cfg,
		client:   client,
		uploader: uploader,
	}, nil
}

// newS3Client builds the S3 client. Static credentials are used when set,
// otherwise the SDK's default chain applies.
func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = config.DefaultRegion
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight verifies S3 connectivity by writing and removing a small test
// object.
func (b *s3Backend) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("cloudarchive write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(preflightKey),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", b.cfg.Bucket, err)
	}

	// The archiver never deletes objects, so a missing delete permission is
	// not fatal.
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(preflightKey),
	}); err != nil {
		b.log.WithError(err).
			WithField("key", b.Location(preflightKey)).
			Warn("Failed to remove write test object")
	}

	return nil
}

// Exists checks for key with a HEAD request.
func (b *s3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	if isS3NotFound(err) {
		return false, nil
	}

	return false, fmt.Errorf("HeadObject %q: %w", key, err)
}

// Put streams body to S3, switching to multipart for large bodies.
func (b *s3Backend) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   withSize(body, opts.Size),
	}

	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if b.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(b.cfg.StorageClass)
	}

	if b.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(b.cfg.ACL)
	}

	b.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": b.cfg.Bucket,
		"size":   opts.Size,
	}).Debug("Uploading object")

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("uploading to %s: %w", b.Location(key), err)
	}

	return nil
}

// Location returns the s3:// URL of key.
func (b *s3Backend) Location(key string) string {
	return "s3://" + b.cfg.Bucket + "/" + key
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *s3Backend) Close() error {
	return nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
