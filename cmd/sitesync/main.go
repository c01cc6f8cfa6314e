package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/config"
	"github.com/micahrl/sitesync/internal/deploy"
	"github.com/micahrl/sitesync/internal/functions"
	"github.com/micahrl/sitesync/internal/kvs"
	"github.com/micahrl/sitesync/internal/logging"
	"github.com/micahrl/sitesync/internal/sitesync"
)

var version = "dev"

type cliConfig struct {
	Region       string `toml:"region"`
	LogEnv       string `toml:"log-env"`
	Bucket       string `toml:"bucket"`
	RoleARN      string `toml:"role-arn"`
	FunctionsDir string `toml:"functions-dir"`

	ViewerRequest viewerRequestConfig `toml:"viewer-request"`
	SiteSync      siteSyncConfig      `toml:"sitesync"`
}

type viewerRequestConfig struct {
	FunctionName string `toml:"function-name"`
	KVSName      string `toml:"kvs-name"`
}

type siteSyncConfig struct {
	RedirectsKVS        string        `toml:"redirects-kvs"`
	InvalidationRetries *int          `toml:"invalidation-retries"`
	InvalidationDelay   time.Duration `toml:"invalidation-delay"`
	PurgeConcurrency    int           `toml:"purge-concurrency"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "deploy":
		runDeploy(os.Args[2:])
	case "handle":
		runHandle(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: sitesync <command> [flags]\n\nCommands:\n  deploy   Create or update Lambda functions and the viewer-request function\n  handle   Run the site sync pipeline once for an S3 event file\n  version  Print version\n\nRun 'sitesync <command> --help' for flags.\n")
}

func runDeploy(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	configPath := fs.String("config", "sitesync.toml", "path to config file")
	functionsDir := fs.String("functions-dir", "", "directory of function JSON files")
	bucket := fs.String("bucket", "", "artifact bucket holding function code")
	roleARN := fs.String("role-arn", "", "execution role for functions without roleArn")
	requestFunc := fs.String("viewer-request-name", "", "CloudFront Function name for viewer-request")
	redirectsKVS := fs.String("redirects-kvs-name", "", "CloudFront KVS name for directory redirects")
	dryRun := fs.Bool("dry-run", false, "parse and validate only, print plan")
	region := fs.String("region", "", "AWS region override")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	// CLI flags override config
	if *functionsDir != "" {
		cfg.FunctionsDir = *functionsDir
	}
	if *bucket != "" {
		cfg.Bucket = *bucket
	}
	if *roleARN != "" {
		cfg.RoleARN = *roleARN
	}
	if *requestFunc != "" {
		cfg.ViewerRequest.FunctionName = *requestFunc
	}
	if *redirectsKVS != "" {
		cfg.ViewerRequest.KVSName = *redirectsKVS
	}
	if *region != "" {
		cfg.Region = *region
	}

	if cfg.FunctionsDir == "" && cfg.ViewerRequest.FunctionName == "" {
		fatal("nothing to deploy (set functions-dir or viewer-request.function-name)")
	}
	if cfg.ViewerRequest.FunctionName != "" && cfg.ViewerRequest.KVSName == "" {
		fatal("viewer-request.kvs-name is required with a viewer-request function (set in config file or via --redirects-kvs-name)")
	}

	var fns []deploy.FunctionConfig
	if cfg.FunctionsDir != "" {
		if cfg.Bucket == "" {
			fatal("bucket is required (set in config file or via --bucket)")
		}
		fmt.Fprintf(os.Stderr, "Reading functions in %s...\n", cfg.FunctionsDir)
		var err error
		fns, err = deploy.LoadDir(cfg.FunctionsDir)
		if err != nil {
			fatal("loading functions: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Found %d functions\n", len(fns))
		for _, fc := range fns {
			if fc.RoleARN == "" && cfg.RoleARN == "" {
				fatal("%s: roleArn is required (set in the file, the config file, or via --role-arn)", fc.Path)
			}
		}
	}

	if *dryRun {
		fmt.Println("=== Functions ===")
		for _, fc := range fns {
			fmt.Printf("%s: %s %s from s3://%s/%s\n", fc.FunctionName, fc.Runtime, fc.Handler, cfg.Bucket, fc.S3Key)
		}
		if cfg.ViewerRequest.FunctionName != "" {
			fmt.Println("\n=== CloudFront Functions ===")
			fmt.Printf("%s (viewer-request, KVS %s)\n", cfg.ViewerRequest.FunctionName, cfg.ViewerRequest.KVSName)
		}
		fmt.Fprintf(os.Stderr, "\nDry run complete. No changes made.\n")
		return
	}

	log := newLogger(cfg)
	defer log.Sync()
	ctx := context.Background()
	awsCfg := loadAWSConfig(ctx, cfg.Region)

	if len(fns) > 0 {
		fmt.Fprintf(os.Stderr, "Deploying Lambda functions...\n")
		d := deploy.NewDeployer(lambda.NewFromConfig(awsCfg), cloudwatchlogs.NewFromConfig(awsCfg), deploy.Options{
			Bucket:      cfg.Bucket,
			DefaultRole: cfg.RoleARN,
			Log:         log,
		})
		for _, fc := range fns {
			fmt.Fprintf(os.Stderr, "  %s\n", fc.FunctionName)
		}
		if err := d.DeployAll(ctx, fns); err != nil {
			fatal("deploying functions: %v", err)
		}
	}

	if cfg.ViewerRequest.FunctionName != "" {
		cfClient := cloudfront.NewFromConfig(awsCfg)

		fmt.Fprintf(os.Stderr, "Resolving KVS ARN...\n")
		redirectsARN, err := kvs.ResolveARN(ctx, cfClient, cfg.ViewerRequest.KVSName)
		if err != nil {
			fatal("resolving redirects KVS: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Redirects KVS: %s\n", redirectsARN)

		fmt.Fprintf(os.Stderr, "Deploying viewer-request function...\n")
		fn := &functions.Function{
			Name:   cfg.ViewerRequest.FunctionName,
			Code:   functions.BuildFunctionCode(functions.ViewerRequestJS, redirectsARN),
			KVSARN: redirectsARN,
		}
		if err := functions.Deploy(ctx, cfClient, fn, log); err != nil {
			fatal("deploying viewer-request function: %v", err)
		}
	}

	fmt.Fprintf(os.Stderr, "\nDeploy complete.\n")
}

func runHandle(args []string) {
	fs := flag.NewFlagSet("handle", flag.ExitOnError)
	configPath := fs.String("config", "sitesync.toml", "path to config file")
	eventPath := fs.String("event", "", "path to an S3 event JSON file")
	envFile := fs.String("env-file", "", "read pipeline settings from the function's .env file instead of the config file")
	region := fs.String("region", "", "AWS region override")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *region != "" {
		cfg.Region = *region
	}
	if *eventPath == "" {
		fatal("--event is required")
	}

	data, err := os.ReadFile(*eventPath)
	if err != nil {
		fatal("reading event: %v", err)
	}
	var event events.S3Event
	if err := json.Unmarshal(data, &event); err != nil {
		fatal("parsing event %s: %v", *eventPath, err)
	}

	log := newLogger(cfg)
	defer log.Sync()
	ctx := context.Background()
	awsCfg := loadAWSConfig(ctx, cfg.Region)

	settings := siteSyncSettings(cfg, awsCfg.Region)
	if *envFile != "" {
		settings = loadEnvFile(*envFile, awsCfg.Region)
	}
	h := sitesync.NewFromConfig(awsCfg, settings, log)
	if err := h.Handle(ctx, event); err != nil {
		fatal("handling event: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Event handled.\n")
}

func siteSyncSettings(cfg cliConfig, region string) *config.SiteSync {
	s := &config.SiteSync{
		Region:              region,
		LogEnv:              cfg.LogEnv,
		RedirectsKVS:        cfg.SiteSync.RedirectsKVS,
		InvalidationRetries: 3,
		InvalidationDelay:   cfg.SiteSync.InvalidationDelay,
		PurgeConcurrency:    cfg.SiteSync.PurgeConcurrency,
	}
	if cfg.SiteSync.InvalidationRetries != nil {
		s.InvalidationRetries = *cfg.SiteSync.InvalidationRetries
	}
	return s
}

// loadEnvFile reads the settings the deployed function runs with. The
// resolved region wins over the file's AWS_REGION.
func loadEnvFile(path, region string) *config.SiteSync {
	s, err := config.ReadFromFile[config.SiteSync](path)
	if err != nil {
		fatal("reading %s: %v", path, err)
	}
	if region != "" {
		s.Region = region
	}
	return s
}

func newLogger(cfg cliConfig) *zap.Logger {
	env := cfg.LogEnv
	if env == "" {
		env = "dev"
	}
	log, err := logging.New(env)
	if err != nil {
		fatal("building logger: %v", err)
	}
	return log
}

func loadAWSConfig(ctx context.Context, region string) aws.Config {
	var awsOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		fatal("loading AWS config: %v", err)
	}
	return awsCfg
}

func loadConfig(path string) cliConfig {
	var cfg cliConfig
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return cfg // No config file, use defaults/flags
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		fatal("reading config file %s: %v", path, err)
	}
	return cfg
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
