package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// LambdaFunction is a function held by the Lambda fake.
type LambdaFunction struct {
	Config   lambdatypes.FunctionConfiguration
	Code     lambdatypes.FunctionCode
	ZipFile  []byte
	Versions int
}

// Lambda fakes the function management calls.
type Lambda struct {
	mu        sync.Mutex
	Functions map[string]*LambdaFunction

	// CodeErr fails UpdateFunctionCode for every function.
	CodeErr error
	// Calls lists the operations received, in order.
	Calls []string
}

// NewLambda returns a fake with no functions.
func NewLambda() *Lambda {
	return &Lambda{Functions: map[string]*LambdaFunction{}}
}

func (f *Lambda) record(op, name string) {
	f.Calls = append(f.Calls, op+" "+name)
}

func notFound(name string) error {
	return &lambdatypes.ResourceNotFoundException{Message: aws.String("Function not found: " + name)}
}

func (f *Lambda) GetFunction(ctx context.Context, params *lambda.GetFunctionInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.FunctionName)
	f.record("GetFunction", name)
	fn, ok := f.Functions[name]
	if !ok {
		return nil, notFound(name)
	}
	cfg := fn.Config
	return &lambda.GetFunctionOutput{Configuration: &cfg}, nil
}

func (f *Lambda) CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.FunctionName)
	f.record("CreateFunction", name)
	if _, ok := f.Functions[name]; ok {
		return nil, &lambdatypes.ResourceConflictException{Message: aws.String("Function already exist: " + name)}
	}
	if params.Code == nil {
		return nil, &lambdatypes.InvalidParameterValueException{Message: aws.String("missing code")}
	}
	fn := &LambdaFunction{
		Config: lambdatypes.FunctionConfiguration{
			FunctionName:     params.FunctionName,
			Handler:          params.Handler,
			Runtime:          params.Runtime,
			Role:             params.Role,
			Description:      params.Description,
			MemorySize:       params.MemorySize,
			Timeout:          params.Timeout,
			State:            lambdatypes.StateActive,
			LastUpdateStatus: lambdatypes.LastUpdateStatusSuccessful,
		},
		Code: *params.Code,
	}
	applyEnvironment(&fn.Config, params.Environment)
	applyVpc(&fn.Config, params.VpcConfig)
	if params.Publish {
		fn.Versions++
	}
	f.Functions[name] = fn
	cfg := fn.Config
	return &lambda.CreateFunctionOutput{
		FunctionName:     cfg.FunctionName,
		Handler:          cfg.Handler,
		Runtime:          cfg.Runtime,
		State:            cfg.State,
		LastUpdateStatus: cfg.LastUpdateStatus,
	}, nil
}

func (f *Lambda) UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.FunctionName)
	f.record("UpdateFunctionConfiguration", name)
	fn, ok := f.Functions[name]
	if !ok {
		return nil, notFound(name)
	}
	c := &fn.Config
	if params.Handler != nil {
		c.Handler = params.Handler
	}
	if params.Runtime != "" {
		c.Runtime = params.Runtime
	}
	if params.Role != nil {
		c.Role = params.Role
	}
	if params.Description != nil {
		c.Description = params.Description
	}
	if params.MemorySize != nil {
		c.MemorySize = params.MemorySize
	}
	if params.Timeout != nil {
		c.Timeout = params.Timeout
	}
	applyEnvironment(c, params.Environment)
	applyVpc(c, params.VpcConfig)
	return &lambda.UpdateFunctionConfigurationOutput{FunctionName: c.FunctionName, LastUpdateStatus: c.LastUpdateStatus}, nil
}

func (f *Lambda) UpdateFunctionCode(ctx context.Context, params *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.FunctionName)
	f.record("UpdateFunctionCode", name)
	if f.CodeErr != nil {
		return nil, f.CodeErr
	}
	fn, ok := f.Functions[name]
	if !ok {
		return nil, notFound(name)
	}
	switch {
	case params.ZipFile != nil:
		fn.ZipFile = append([]byte(nil), params.ZipFile...)
	case params.S3Key != nil:
		fn.Code = lambdatypes.FunctionCode{S3Bucket: params.S3Bucket, S3Key: params.S3Key}
	default:
		return nil, &lambdatypes.InvalidParameterValueException{Message: aws.String("missing code")}
	}
	if params.Publish {
		fn.Versions++
	}
	return &lambda.UpdateFunctionCodeOutput{
		FunctionName: fn.Config.FunctionName,
		Version:      aws.String(fmt.Sprint(fn.Versions)),
	}, nil
}

func applyEnvironment(c *lambdatypes.FunctionConfiguration, env *lambdatypes.Environment) {
	if env == nil {
		return
	}
	c.Environment = &lambdatypes.EnvironmentResponse{Variables: env.Variables}
}

func applyVpc(c *lambdatypes.FunctionConfiguration, vpc *lambdatypes.VpcConfig) {
	if vpc == nil {
		return
	}
	c.VpcConfig = &lambdatypes.VpcConfigResponse{SubnetIds: vpc.SubnetIds, SecurityGroupIds: vpc.SecurityGroupIds}
}

// Logs fakes CloudWatch Logs retention settings.
type Logs struct {
	mu        sync.Mutex
	Retention map[string]int32
	Err       error
}

// NewLogs returns a fake with no retention policies.
func NewLogs() *Logs {
	return &Logs{Retention: map[string]int32{}}
}

func (f *Logs) PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Retention[aws.ToString(params.LogGroupName)] = aws.ToInt32(params.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}
