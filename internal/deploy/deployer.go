package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.uber.org/zap"

	"github.com/micahrl/sitesync/internal/logging"
)

// ErrNoRole reports a function with no execution role.
var ErrNoRole = errors.New("no execution role")

// DefaultWaitTimeout bounds each wait for a function to settle.
const DefaultWaitTimeout = 5 * time.Minute

// LambdaClient abstracts the Lambda function management API.
type LambdaClient interface {
	GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
}

// LogsClient abstracts CloudWatch Logs retention.
type LogsClient interface {
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
}

var (
	_ LambdaClient = (*lambda.Client)(nil)
	_ LogsClient   = (*cloudwatchlogs.Client)(nil)
)

// Options configures a Deployer.
type Options struct {
	// Bucket holds the function artifacts named by s3Key.
	Bucket string
	// DefaultRole is used for functions without a roleArn.
	DefaultRole string
	WaitTimeout time.Duration
	Log         *zap.Logger
}

// Deployer creates or updates functions.
type Deployer struct {
	lambda LambdaClient
	logs   LogsClient
	opts   Options
	log    *zap.Logger
}

// NewDeployer returns a Deployer.
func NewDeployer(lc LambdaClient, logs LogsClient, opts Options) *Deployer {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Deployer{
		lambda: lc,
		logs:   logs,
		opts:   opts,
		log:    logging.OrNop(opts.Log),
	}
}

// DeployAll deploys each config in order, stopping at the first failure.
func (d *Deployer) DeployAll(ctx context.Context, configs []FunctionConfig) error {
	for i := range configs {
		if err := d.Deploy(ctx, &configs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Deploy creates fc's function, or updates its configuration and code when
// it already exists.
func (d *Deployer) Deploy(ctx context.Context, fc *FunctionConfig) error {
	log := d.log.With(zap.String("function", fc.FunctionName))
	role := fc.RoleARN
	if role == "" {
		role = d.opts.DefaultRole
	}
	if role == "" {
		return fmt.Errorf("%w: %s has no roleArn and no default role-arn is configured", ErrNoRole, fc.FunctionName)
	}

	_, err := d.lambda.GetFunction(ctx, &lambda.GetFunctionInput{FunctionName: aws.String(fc.FunctionName)})
	var notFound *lambdatypes.ResourceNotFoundException
	switch {
	case errors.As(err, &notFound):
		if err := d.create(ctx, fc, role); err != nil {
			return err
		}
		log.Info("created function")
	case err != nil:
		return fmt.Errorf("getting function %s: %w", fc.FunctionName, err)
	default:
		if err := d.update(ctx, fc, role); err != nil {
			return err
		}
		log.Info("updated function")
	}

	if fc.LogRetention > 0 {
		group := "/aws/lambda/" + fc.FunctionName
		_, err := d.logs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(fc.LogRetention),
		})
		if err != nil {
			return fmt.Errorf("setting retention of %s: %w", group, err)
		}
		log.Debug("set log retention", zap.Int32("days", fc.LogRetention))
	}
	return nil
}

func (d *Deployer) create(ctx context.Context, fc *FunctionConfig, role string) error {
	_, err := d.lambda.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(fc.FunctionName),
		Role:         aws.String(role),
		Runtime:      lambdatypes.Runtime(fc.Runtime),
		Handler:      aws.String(fc.Handler),
		Code: &lambdatypes.FunctionCode{
			S3Bucket: aws.String(d.opts.Bucket),
			S3Key:    aws.String(fc.S3Key),
		},
		Description: optional(fc.Description),
		MemorySize:  optionalInt(fc.MemorySize),
		Timeout:     optionalInt(fc.Timeout),
		Environment: environment(fc),
		VpcConfig:   vpcConfig(fc),
		Publish:     true,
	})
	if err != nil {
		return fmt.Errorf("creating function %s: %w", fc.FunctionName, err)
	}
	in := &lambda.GetFunctionInput{FunctionName: aws.String(fc.FunctionName)}
	if err := lambda.NewFunctionActiveV2Waiter(d.lambda).Wait(ctx, in, d.opts.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for %s to become active: %w", fc.FunctionName, err)
	}
	return nil
}

func (d *Deployer) update(ctx context.Context, fc *FunctionConfig, role string) error {
	_, err := d.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(fc.FunctionName),
		Role:         aws.String(role),
		Runtime:      lambdatypes.Runtime(fc.Runtime),
		Handler:      aws.String(fc.Handler),
		Description:  optional(fc.Description),
		MemorySize:   optionalInt(fc.MemorySize),
		Timeout:      optionalInt(fc.Timeout),
		Environment:  environment(fc),
		VpcConfig:    vpcConfig(fc),
	})
	if err != nil {
		return fmt.Errorf("updating configuration of %s: %w", fc.FunctionName, err)
	}
	// Code updates are rejected while the configuration update is in progress.
	in := &lambda.GetFunctionInput{FunctionName: aws.String(fc.FunctionName)}
	if err := lambda.NewFunctionUpdatedV2Waiter(d.lambda).Wait(ctx, in, d.opts.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for %s to finish updating: %w", fc.FunctionName, err)
	}

	_, err = d.lambda.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(fc.FunctionName),
		S3Bucket:     aws.String(d.opts.Bucket),
		S3Key:        aws.String(fc.S3Key),
		Publish:      true,
	})
	if err != nil {
		return fmt.Errorf("updating code of %s: %w", fc.FunctionName, err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func optionalInt(n int32) *int32 {
	if n == 0 {
		return nil
	}
	return aws.Int32(n)
}

func environment(fc *FunctionConfig) *lambdatypes.Environment {
	if len(fc.Environment) == 0 {
		return nil
	}
	return &lambdatypes.Environment{Variables: fc.Environment}
}

func vpcConfig(fc *FunctionConfig) *lambdatypes.VpcConfig {
	subnets := fc.Subnets()
	if len(subnets) == 0 {
		return nil
	}
	return &lambdatypes.VpcConfig{SubnetIds: subnets, SecurityGroupIds: fc.SecurityGroups}
}
