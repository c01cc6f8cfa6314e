// Package lambdaupdate replaces a Lambda function's code when its artifact
// lands in the staging bucket.
package lambdaupdate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/logging"
)

// StagingPrefix holds function artifacts.
const StagingPrefix = "lambda/"

// MaxZipSize is the largest archive UpdateFunctionCode accepts inline.
const MaxZipSize = 50 << 20

var (
	// ErrInvalidEvent reports a record without a bucket or key.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrTooLarge reports an artifact above MaxZipSize.
	ErrTooLarge = errors.New("artifact too large for inline upload")
)

// S3Client reads artifacts.
type S3Client interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// LambdaClient updates function code.
type LambdaClient interface {
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

var (
	_ S3Client     = (*s3.Client)(nil)
	_ LambdaClient = (*lambda.Client)(nil)
)

// Updater handles object-created notifications for function artifacts.
type Updater struct {
	s3         S3Client
	downloader *manager.Downloader
	lambda     LambdaClient
	log        *zap.Logger
}

// NewUpdater returns an Updater.
func NewUpdater(s3c S3Client, lc LambdaClient, log *zap.Logger) *Updater {
	return &Updater{
		s3:         s3c,
		downloader: manager.NewDownloader(s3c),
		lambda:     lc,
		log:        logging.OrNop(log),
	}
}

// NewFromConfig builds an Updater with clients for awsCfg.
func NewFromConfig(awsCfg aws.Config, log *zap.Logger) *Updater {
	return NewUpdater(s3.NewFromConfig(awsCfg), lambda.NewFromConfig(awsCfg), log)
}

// FunctionName returns the function an artifact key belongs to, or false
// when the key is not a staged artifact.
func FunctionName(key string) (string, bool) {
	if !strings.HasPrefix(key, StagingPrefix) || !strings.HasSuffix(key, ".zip") {
		return "", false
	}
	name := strings.TrimSuffix(path.Base(key), ".zip")
	if name == "" {
		return "", false
	}
	return name, true
}

// Handle updates the function named by the first record's key.
func (u *Updater) Handle(ctx context.Context, event events.S3Event) error {
	if len(event.Records) == 0 {
		return nil
	}
	rec := event.Records[0].S3
	bucket := rec.Bucket.Name
	if bucket == "" || rec.Object.Key == "" {
		return fmt.Errorf("%w: record has no bucket or key", ErrInvalidEvent)
	}
	key, err := url.QueryUnescape(rec.Object.Key)
	if err != nil {
		return fmt.Errorf("%w: decoding key %q: %w", ErrInvalidEvent, rec.Object.Key, err)
	}

	log := u.log.With(zap.String("bucket", bucket), zap.String("key", key))
	name, ok := FunctionName(key)
	if !ok {
		log.Debug("ignoring key outside the artifact prefix")
		return nil
	}
	log = log.With(zap.String("function", name))

	if err := u.update(ctx, bucket, key, name, log); err != nil {
		log.Error("function update failed", zap.Error(err))
		return err
	}
	return nil
}

func (u *Updater) update(ctx context.Context, bucket, key, name string, log *zap.Logger) error {
	head, err := u.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("heading s3://%s/%s: %w", bucket, key, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if size > MaxZipSize {
		return fmt.Errorf("%w: s3://%s/%s is %d bytes", ErrTooLarge, bucket, key, size)
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, size))
	n, err := u.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, err)
	}
	log.Debug("downloaded artifact", zap.Int64("size", n))

	out, err := u.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(name),
		ZipFile:      buf.Bytes(),
		Publish:      true,
	})
	if err != nil {
		return fmt.Errorf("updating code of %s: %w", name, err)
	}
	log.Info("updated function code", zap.String("version", aws.ToString(out.Version)))
	return nil
}
