package distribution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/logging"
)

// InvalidatePath is the single path pattern sent with every invalidation.
const InvalidatePath = "/*"

// Creator abstracts the CloudFront CreateInvalidation call.
type Creator interface {
	CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

// InvalidationError reports an invalidation that failed fatally or ran out
// of retries.
type InvalidationError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("invalidating distribution %s after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *InvalidationError) Unwrap() error { return e.Err }

// RetryPolicy shapes the exponential backoff around CreateInvalidation.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// InitialDelay is the wait before the first retry; each later wait
	// doubles.
	InitialDelay time.Duration
	// Timer drives the waits. Nil uses real time.
	Timer backoff.Timer
}

// DefaultRetryPolicy retries three times after 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	// WithMaxRetries treats zero as unlimited.
	if p.MaxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.InitialDelay << p.MaxRetries
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// CallerReferences issues caller references that stay unique within the
// process even when the clock does not advance between calls.
type CallerReferences struct {
	seq atomic.Uint64
	now func() time.Time
}

// Next returns "<unix nanos>-<sequence>".
func (c *CallerReferences) Next() string {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return strconv.FormatInt(now().UnixNano(), 10) + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}

// Invalidator submits whole-distribution invalidations.
type Invalidator struct {
	client Creator
	policy RetryPolicy
	refs   *CallerReferences
	log    *zap.Logger
}

// NewInvalidator returns an Invalidator using policy.
func NewInvalidator(client Creator, policy RetryPolicy, log *zap.Logger) *Invalidator {
	return &Invalidator{
		client: client,
		policy: policy,
		refs:   &CallerReferences{},
		log:    logging.OrNop(log),
	}
}

// Invalidate requests a /* invalidation of distribution id. Transient
// failures are retried per the policy; others fail on the first attempt.
// All attempts share one caller reference.
func (v *Invalidator) Invalidate(ctx context.Context, id string) error {
	ref := v.refs.Next()
	log := v.log.With(zap.String("distribution_id", id), zap.String("caller_reference", ref))
	input := &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(id),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(ref),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{InvalidatePath},
			},
		},
	}

	attempts := 0
	var out *cloudfront.CreateInvalidationOutput
	op := func() error {
		attempts++
		var err error
		// Retries belong to the backoff policy, not the SDK.
		out, err = v.client.CreateInvalidation(ctx, input, func(o *cloudfront.Options) {
			o.Retryer = aws.NopRetryer{}
		})
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("invalidation attempt failed, retrying",
			zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotifyWithTimer(op, v.policy.backOff(ctx), notify, v.policy.Timer); err != nil {
		return &InvalidationError{ID: id, Attempts: attempts, Err: err}
	}

	var invID string
	if out != nil && out.Invalidation != nil {
		invID = aws.ToString(out.Invalidation.Id)
	}
	log.Info("invalidation created", zap.String("invalidation_id", invID), zap.Int("attempts", attempts))
	return nil
}

var transientCodes = map[string]bool{
	"TooManyInvalidationsInProgress": true,
	"ServiceUnavailable":             true,
	"InternalError":                  true,
	"Throttling":                     true,
	"ThrottlingException":            true,
	"RequestTimeout":                 true,
}

// Retryable reports whether err is a transient CloudFront failure.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
	}
	return retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary
}

// IsNoSuchDistribution reports whether err says the distribution id is
// unknown to CloudFront.
func IsNoSuchDistribution(err error) bool {
	var nsd *cftypes.NoSuchDistribution
	return errors.As(err, &nsd)
}
