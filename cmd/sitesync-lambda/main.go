// Command sitesync-lambda is the Lambda function that replaces a function's
// code when its artifact is staged under lambda/.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/config"
	"github.com/micahrl/sitesync/internal/lambdaupdate"
	"github.com/micahrl/sitesync/internal/logging"
)

func main() {
	cfg, err := config.ReadFromEnv[config.LambdaUpdater]()
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

	u := lambdaupdate.NewFromConfig(awsCfg, log)
	lambda.Start(u.Handle)
}
