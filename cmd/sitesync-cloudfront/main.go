// Command sitesync-cloudfront is the Lambda function that publishes zipped
// sites from the staging prefix and invalidates their distribution.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/config"
	"github.com/micahrl/sitesync/internal/logging"
	"github.com/micahrl/sitesync/internal/sitesync"
)

func main() {
	cfg, err := config.ReadFromEnv[config.SiteSync]()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Fatal("loading AWS config", zap.Error(err))
	}

	h := sitesync.NewFromConfig(awsCfg, cfg, log)
	lambda.Start(h.Handle)
}
