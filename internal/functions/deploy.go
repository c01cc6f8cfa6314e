// Package functions deploys the viewer-request CloudFront Function that
// serves published sites.
package functions

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/logging"
)

// Client abstracts the CloudFront Functions API.
type Client interface {
	DescribeFunction(ctx context.Context, params *cloudfront.DescribeFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DescribeFunctionOutput, error)
	CreateFunction(ctx context.Context, params *cloudfront.CreateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateFunctionOutput, error)
	UpdateFunction(ctx context.Context, params *cloudfront.UpdateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateFunctionOutput, error)
	PublishFunction(ctx context.Context, params *cloudfront.PublishFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.PublishFunctionOutput, error)
}

var _ Client = (*cloudfront.Client)(nil)

// Function is a CloudFront Function bound to one KeyValueStore.
type Function struct {
	Name   string
	Code   []byte
	KVSARN string
}

func (f *Function) config() *cftypes.FunctionConfig {
	return &cftypes.FunctionConfig{
		Comment: aws.String("Managed by sitesync: " + f.Name),
		Runtime: cftypes.FunctionRuntimeCloudfrontJs20,
		KeyValueStoreAssociations: &cftypes.KeyValueStoreAssociations{
			Quantity: aws.Int32(1),
			Items:    []cftypes.KeyValueStoreAssociation{{KeyValueStoreARN: aws.String(f.KVSARN)}},
		},
	}
}

// Deploy creates or updates fn in the DEVELOPMENT stage and publishes it
// to LIVE.
func Deploy(ctx context.Context, client Client, fn *Function, log *zap.Logger) error {
	log = logging.OrNop(log).With(zap.String("function", fn.Name))

	desc, err := client.DescribeFunction(ctx, &cloudfront.DescribeFunctionInput{
		Name:  aws.String(fn.Name),
		Stage: cftypes.FunctionStageDevelopment,
	})
	var notFound *cftypes.NoSuchFunctionExists
	if err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("describing function %s: %w", fn.Name, err)
	}

	var etag *string
	if err == nil && desc.ETag != nil {
		out, err := client.UpdateFunction(ctx, &cloudfront.UpdateFunctionInput{
			Name:           aws.String(fn.Name),
			IfMatch:        desc.ETag,
			FunctionCode:   fn.Code,
			FunctionConfig: fn.config(),
		})
		if err != nil {
			return fmt.Errorf("updating function %s: %w", fn.Name, err)
		}
		etag = out.ETag
		log.Info("updated function")
	} else {
		out, err := client.CreateFunction(ctx, &cloudfront.CreateFunctionInput{
			Name:           aws.String(fn.Name),
			FunctionCode:   fn.Code,
			FunctionConfig: fn.config(),
		})
		if err != nil {
			return fmt.Errorf("creating function %s: %w", fn.Name, err)
		}
		etag = out.ETag
		log.Info("created function")
	}

	if _, err := client.PublishFunction(ctx, &cloudfront.PublishFunctionInput{
		Name:    aws.String(fn.Name),
		IfMatch: etag,
	}); err != nil {
		return fmt.Errorf("publishing function %s: %w", fn.Name, err)
	}
	log.Info("published function to LIVE")
	return nil
}
