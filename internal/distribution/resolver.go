// Package distribution finds CloudFront distributions by comment and
// invalidates their caches.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/logging"
)

var (
	// ErrLookupFailed is wrapped by every resolution failure.
	ErrLookupFailed = errors.New("distribution lookup failed")
	// ErrNoDistributions means the account has no distributions at all.
	ErrNoDistributions = fmt.Errorf("%w: no distributions", ErrLookupFailed)
	// ErrNotFound means no distribution carries the requested comment.
	ErrNotFound = fmt.Errorf("%w: no distribution with matching comment", ErrLookupFailed)
)

// Lister abstracts the CloudFront ListDistributions call.
type Lister interface {
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
}

// Resolver maps a logical name to a distribution id. Found ids are cached
// per name; a miss is never cached.
type Resolver struct {
	client Lister
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver returns a Resolver backed by client.
func NewResolver(client Lister, log *zap.Logger) *Resolver {
	return &Resolver{
		client: client,
		log:    logging.OrNop(log),
		cache:  map[string]string{},
	}
}

// ResolveID returns the id of the first distribution whose comment equals
// name exactly.
func (r *Resolver) ResolveID(ctx context.Context, name string) (string, error) {
	log := r.log.With(zap.String("distribution", name))

	r.mu.Lock()
	id, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		log.Debug("distribution id cached", zap.String("id", id))
		return id, nil
	}

	var (
		marker  *string
		total   int
		matches []string
	)
	for {
		resp, err := r.client.ListDistributions(ctx, &cloudfront.ListDistributionsInput{
			Marker: marker,
		})
		if err != nil {
			return "", fmt.Errorf("%w: listing distributions: %w", ErrLookupFailed, err)
		}
		list := resp.DistributionList
		if list == nil {
			break
		}
		for _, item := range list.Items {
			total++
			if aws.ToString(item.Comment) == name && item.Id != nil {
				matches = append(matches, *item.Id)
			}
		}
		marker = list.NextMarker
		if !aws.ToBool(list.IsTruncated) || marker == nil {
			break
		}
	}

	if total == 0 {
		return "", ErrNoDistributions
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if len(matches) > 1 {
		log.Warn("several distributions share a comment, using the first",
			zap.Strings("ids", matches))
	}

	id = matches[0]
	r.mu.Lock()
	r.cache[name] = id
	r.mu.Unlock()

	log.Info("resolved distribution", zap.String("id", id))
	return id, nil
}

// Forget drops any cached id for name.
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}
