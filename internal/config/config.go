// Package config reads process configuration for the Lambda binaries.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// SiteSync configures the CloudFront-Updater function.
type SiteSync struct {
	Region string `env:"AWS_REGION" env-required:"true"`
	LogEnv string `env:"LOG_ENV" env-default:"prod"`

	// RedirectsKVS names a CloudFront KeyValueStore that receives directory
	// redirects for every published prefix. Empty disables the sync.
	RedirectsKVS string `env:"SITESYNC_REDIRECTS_KVS"`

	InvalidationRetries int           `env:"SITESYNC_INVALIDATION_RETRIES" env-default:"3"`
	InvalidationDelay   time.Duration `env:"SITESYNC_INVALIDATION_DELAY" env-default:"1s"`
	PurgeConcurrency    int           `env:"SITESYNC_PURGE_CONCURRENCY" env-default:"8"`
}

// LambdaUpdater configures the Lambda-Updater function.
type LambdaUpdater struct {
	Region string `env:"AWS_REGION" env-required:"true"`
	LogEnv string `env:"LOG_ENV" env-default:"prod"`
}

// ReadFromEnv fills a T from the process environment.
func ReadFromEnv[T any]() (*T, error) {
	var cfg T
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read configuration from env: %w", err)
	}

	return &cfg, nil
}

// ReadFromFile fills a T from a yaml, json, toml or env file, then applies
// environment overrides.
func ReadFromFile[T any](path string) (*T, error) {
	var cfg T
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("cannot read configuration from file: %w", err)
	}

	return &cfg, nil
}
