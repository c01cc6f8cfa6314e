// Package storage wraps the S3 operations the site pipeline performs against
// the artifact bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/micahrl/sitesync/internal/logging"
)

// MaxDeleteBatch is the S3 DeleteObjects limit on keys per request.
const MaxDeleteBatch = 1000

// DefaultPurgeConcurrency bounds the delete requests in flight for one
// listing page.
const DefaultPurgeConcurrency = 8

var (
	// ErrEmptyBody is returned by Open when S3 answers without a body.
	ErrEmptyBody = errors.New("object has no body")
	// ErrPurgeFailed wraps listing and bulk delete failures.
	ErrPurgeFailed = errors.New("purge failed")
)

// S3Client abstracts the S3 API calls used by Bucket.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ S3Client = (*s3.Client)(nil)

// Bucket is a handle on one S3 bucket.
type Bucket struct {
	client      S3Client
	name        string
	concurrency int
	log         *zap.Logger
}

// NewBucket returns a Bucket for name. concurrency <= 0 selects
// DefaultPurgeConcurrency.
func NewBucket(client S3Client, name string, concurrency int, log *zap.Logger) *Bucket {
	if concurrency <= 0 {
		concurrency = DefaultPurgeConcurrency
	}
	return &Bucket{
		client:      client,
		name:        name,
		concurrency: concurrency,
		log:         logging.OrNop(log).With(zap.String("bucket", name)),
	}
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Open starts a streaming read of key. The caller closes the returned body.
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", b.name, key, err)
	}
	if out.Body == nil {
		return nil, ErrEmptyBody
	}
	b.log.Debug("opened object", zap.String("key", key), zap.Int64("size", aws.ToInt64(out.ContentLength)))
	return out.Body, nil
}

// Purge deletes every object whose key starts with prefix and returns the
// number of keys deleted. Deletes for one listing page run concurrently and
// finish before the next page is requested.
func (b *Bucket) Purge(ctx context.Context, prefix string) (int, error) {
	log := b.log.With(zap.String("prefix", prefix))

	var (
		token   *string
		deleted int
		pages   int
	)
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.name),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("%w: listing s3://%s/%s: %w", ErrPurgeFailed, b.name, prefix, err)
		}
		pages++

		keys := make([]string, 0, len(page.Contents))
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}

		n, err := b.deleteKeys(ctx, keys)
		deleted += n
		if err != nil {
			return deleted, err
		}

		token = page.NextContinuationToken
		if !aws.ToBool(page.IsTruncated) || token == nil {
			break
		}
	}

	log.Info("purged prefix", zap.Int("deleted", deleted), zap.Int("pages", pages))
	return deleted, nil
}

func (b *Bucket) deleteKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	batches := chunk(keys, MaxDeleteBatch)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			return b.deleteBatch(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *Bucket) deleteBatch(ctx context.Context, keys []string) error {
	objects := make([]s3types.ObjectIdentifier, len(keys))
	for i := range keys {
		objects[i] = s3types.ObjectIdentifier{Key: aws.String(keys[i])}
	}

	out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.name),
		Delete: &s3types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %d keys from s3://%s: %w", ErrPurgeFailed, len(keys), b.name, err)
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("%w: deleting s3://%s/%s: %s: %s (%d keys failed)",
			ErrPurgeFailed, b.name, aws.ToString(first.Key), aws.ToString(first.Code),
			aws.ToString(first.Message), len(out.Errors))
	}
	return nil
}

func chunk(keys []string, size int) [][]string {
	batches := make([][]string, 0, (len(keys)+size-1)/size)
	for size < len(keys) {
		keys, batches = keys[size:], append(batches, keys[:size:size])
	}
	return append(batches, keys)
}
