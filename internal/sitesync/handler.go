// Package sitesync publishes zipped sites staged in S3 and invalidates the
// CloudFront distribution serving them.
package sitesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/archive"
	"github.com/micahrl/sitesync/internal/distribution"
	"github.com/micahrl/sitesync/internal/kvs"
	"github.com/micahrl/sitesync/internal/logging"
	"github.com/micahrl/sitesync/internal/publish"
	"github.com/micahrl/sitesync/internal/redirects"
	"github.com/micahrl/sitesync/internal/storage"
)

// S3Client is the S3 surface the handler needs for reading, purging and
// uploading.
type S3Client interface {
	storage.S3Client
	manager.UploadAPIClient
}

// RedirectSyncer receives the directory redirects of a published prefix.
type RedirectSyncer interface {
	Sync(ctx context.Context, desired *kvs.Data) error
}

// Options wires a Handler.
type Options struct {
	S3 S3Client
	// Uploader defaults to publish.NewUploader(S3).
	Uploader    publish.Uploader
	Resolver    *distribution.Resolver
	Invalidator *distribution.Invalidator
	// Redirects is optional.
	Redirects        RedirectSyncer
	PurgeConcurrency int
	Log              *zap.Logger
}

// Handler processes S3 object-created notifications.
type Handler struct {
	s3          S3Client
	uploader    publish.Uploader
	resolver    *distribution.Resolver
	invalidator *distribution.Invalidator
	redirects   RedirectSyncer
	concurrency int
	log         *zap.Logger
}

// NewHandler returns a Handler. Resolver and Invalidator are required.
func NewHandler(opts Options) *Handler {
	uploader := opts.Uploader
	if uploader == nil {
		uploader = publish.NewUploader(opts.S3)
	}
	return &Handler{
		s3:          opts.S3,
		uploader:    uploader,
		resolver:    opts.Resolver,
		invalidator: opts.Invalidator,
		redirects:   opts.Redirects,
		concurrency: opts.PurgeConcurrency,
		log:         logging.OrNop(opts.Log),
	}
}

// Handle processes the first record of event. Keys outside the staging
// prefix are ignored.
func (h *Handler) Handle(ctx context.Context, event events.S3Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("unknown failure",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrUnknown, r)
		}
	}()

	if len(event.Records) == 0 {
		h.log.Debug("event has no records")
		return nil
	}
	if n := len(event.Records); n > 1 {
		h.log.Warn("event has several records, processing only the first", zap.Int("records", n))
	}

	rec := event.Records[0].S3
	bucket, rawKey := rec.Bucket.Name, rec.Object.Key
	if bucket == "" || rawKey == "" {
		return fmt.Errorf("%w: record has no bucket or key", ErrInvalidEvent)
	}
	key, err := DecodeKey(rawKey)
	if err != nil {
		return err
	}

	log := h.log.With(zap.String("bucket", bucket), zap.String("key", key))
	if !Staged(key) {
		log.Debug("ignoring key outside the staging prefix")
		return nil
	}
	target, err := ParseTarget(key)
	if err != nil {
		log.Error("rejecting staged key", zap.Error(err))
		return err
	}
	log = log.With(zap.String("prefix", target.Prefix), zap.String("distribution", target.Distribution))

	if err := h.run(ctx, bucket, target, log); err != nil {
		log.Error("site sync failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) run(ctx context.Context, bucket string, target Target, log *zap.Logger) error {
	b := storage.NewBucket(h.s3, bucket, h.concurrency, log)

	if _, err := b.Purge(ctx, target.PurgePrefix()); err != nil {
		return err
	}

	body, err := b.Open(ctx, target.Key)
	if errors.Is(err, storage.ErrEmptyBody) {
		log.Warn("staged object has no body, nothing to publish")
		return nil
	}
	if err != nil {
		return err
	}
	defer body.Close()

	dirs := redirects.NewCollector(target.Prefix)
	published, err := h.extract(ctx, body, b.Name(), target.Prefix, dirs, log)
	if err != nil {
		return err
	}
	if published == 0 {
		log.Info("archive has no files")
	} else {
		log.Info("published archive", zap.Int("files", published))
	}

	if h.redirects != nil {
		if err := h.redirects.Sync(ctx, dirs.Data()); err != nil {
			return err
		}
	}

	id, err := h.resolver.ResolveID(ctx, target.Distribution)
	if err != nil {
		return err
	}
	if err := h.invalidator.Invalidate(ctx, id); err != nil {
		// A deleted distribution leaves a stale cached id.
		if distribution.IsNoSuchDistribution(err) {
			h.resolver.Forget(target.Distribution)
		}
		return err
	}
	return nil
}

func (h *Handler) extract(ctx context.Context, src io.Reader, bucket, prefix string, dirs *redirects.Collector, log *zap.Logger) (int, error) {
	pub := publish.NewPublisher(h.uploader, bucket, log)
	zr := archive.NewReader(src)

	published := 0
	for {
		entry, err := zr.Next()
		if err == io.EOF {
			return published, nil
		}
		if err != nil {
			return published, fmt.Errorf("reading archive: %w", err)
		}
		key, err := pub.Publish(ctx, prefix, entry)
		if err != nil {
			return published, err
		}
		if entry.Type == archive.Directory {
			dirs.AddDirectory(publish.DestinationKey(prefix, entry.Path))
			continue
		}
		dirs.AddObject(key)
		published++
	}
}
