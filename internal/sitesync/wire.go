package sitesync

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/config"
	"github.com/micahrl/sitesync/internal/distribution"
	"github.com/micahrl/sitesync/internal/redirects"
)

// NewFromConfig builds a Handler with clients for awsCfg. Call it once per
// process; the handler is safe to reuse across invocations.
func NewFromConfig(awsCfg aws.Config, cfg *config.SiteSync, log *zap.Logger) *Handler {
	cf := cloudfront.NewFromConfig(awsCfg)

	policy := distribution.DefaultRetryPolicy()
	policy.MaxRetries = cfg.InvalidationRetries
	if cfg.InvalidationDelay > 0 {
		policy.InitialDelay = cfg.InvalidationDelay
	}

	opts := Options{
		S3:               s3.NewFromConfig(awsCfg),
		Resolver:         distribution.NewResolver(cf, log),
		Invalidator:      distribution.NewInvalidator(cf, policy, log),
		PurgeConcurrency: cfg.PurgeConcurrency,
		Log:              log,
	}
	if cfg.RedirectsKVS != "" {
		opts.Redirects = redirects.NewSyncer(cf, cloudfrontkeyvaluestore.NewFromConfig(awsCfg), cfg.RedirectsKVS, log)
	}
	return NewHandler(opts)
}
