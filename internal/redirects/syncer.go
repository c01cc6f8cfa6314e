package redirects

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/kvs"
	"github.com/micahrl/sitesync/internal/logging"
)

// Syncer writes collected directory redirects to a named KeyValueStore.
type Syncer struct {
	resolver kvs.ARNResolver
	store    kvs.KVSClient
	name     string
	log      *zap.Logger

	mu  sync.Mutex
	arn string
}

// NewSyncer returns a Syncer for the store called name.
func NewSyncer(resolver kvs.ARNResolver, store kvs.KVSClient, name string, log *zap.Logger) *Syncer {
	return &Syncer{
		resolver: resolver,
		store:    store,
		name:     name,
		log:      logging.OrNop(log).With(zap.String("kvs", name)),
	}
}

func (s *Syncer) storeARN(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arn != "" {
		return s.arn, nil
	}
	arn, err := kvs.ResolveARN(ctx, s.resolver, s.name)
	if err != nil {
		return "", err
	}
	s.arn = arn
	return arn, nil
}

// Sync replaces the store's entries inside desired's scope with desired.
func (s *Syncer) Sync(ctx context.Context, desired *kvs.Data) error {
	log := s.log.With(zap.String("prefix", desired.Scope))

	arn, err := s.storeARN(ctx)
	if err != nil {
		return fmt.Errorf("resolving redirects KVS: %w", err)
	}
	snap, err := kvs.FetchExistingKeys(ctx, s.store, arn)
	if err != nil {
		return fmt.Errorf("fetching existing redirects: %w", err)
	}
	if errs := desired.Validate(snap.BytesOutside(desired)); len(errs) > 0 {
		return fmt.Errorf("validating redirects: %w", errs)
	}

	plan := kvs.ComputeSyncPlan(desired, snap.Keys)
	if _, err := kvs.Sync(ctx, s.store, arn, snap.ETag, plan); err != nil {
		return fmt.Errorf("syncing redirects: %w", err)
	}

	stats := desired.Stats()
	log.Info("synced directory redirects",
		zap.Int("puts", len(plan.Puts)),
		zap.Int("deletes", len(plan.Deletes)),
		zap.Int("keys", stats.NumKeys),
		zap.Int("bytes", stats.TotalBytes))
	return nil
}
