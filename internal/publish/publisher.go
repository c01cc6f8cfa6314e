// Package publish uploads extracted archive entries under a site prefix.
package publish

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/archive"
	"github.com/micahrl/sitesync/internal/logging"
)

// StagingPrefix is the bucket prefix holding uploaded site archives.
const StagingPrefix = "zip/"

// Uploader abstracts the S3 upload manager.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

var _ Uploader = (*manager.Uploader)(nil)

// NewUploader returns an upload manager that sends bodies smaller than one
// part as a single PutObject and never holds more than one part per upload.
func NewUploader(client manager.UploadAPIClient) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = manager.DefaultUploadPartSize
		u.Concurrency = 1
	})
}

// UploadError reports a failed upload of one entry.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("uploading %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Publisher writes archive entries into one bucket.
type Publisher struct {
	uploader Uploader
	bucket   string
	log      *zap.Logger
}

// NewPublisher returns a Publisher writing to bucket.
func NewPublisher(uploader Uploader, bucket string, log *zap.Logger) *Publisher {
	return &Publisher{
		uploader: uploader,
		bucket:   bucket,
		log:      logging.OrNop(log).With(zap.String("bucket", bucket)),
	}
}

// Publish uploads e beneath prefix and returns the object key. Directory
// entries are drained and yield an empty key. The entry is always fully
// consumed on return.
func (p *Publisher) Publish(ctx context.Context, prefix string, e *archive.Entry) (string, error) {
	if e.Type == archive.Directory {
		return "", e.Drain()
	}

	key := DestinationKey(prefix, e.Path)
	contentType := ContentType(e.Path)

	_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        e,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if derr := e.Drain(); derr != nil {
			p.log.Debug("draining entry after failed upload", zap.String("key", key), zap.Error(derr))
		}
		return key, &UploadError{Key: key, Err: err}
	}
	// The uploader stops at EOF, which is where the entry's checksum is
	// verified; a drain here surfaces a corrupt tail.
	if err := e.Drain(); err != nil {
		return key, err
	}

	p.log.Debug("uploaded entry",
		zap.String("key", key),
		zap.String("entry", e.Path),
		zap.String("content_type", contentType))
	return key, nil
}

// RelativePath strips the staging prefix and the archive's top-level folder
// from an entry path. Paths without a folder are kept as they are.
func RelativePath(entryPath string) string {
	rel := strings.TrimPrefix(entryPath, StagingPrefix)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// DestinationKey is the object key for entryPath published under prefix.
func DestinationKey(prefix, entryPath string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + RelativePath(entryPath)
}
