package fakes

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// Function is a CloudFront Function held by the fake.
type Function struct {
	Code      []byte
	Config    cftypes.FunctionConfig
	ETag      int
	Published bool
}

// CloudFront fakes distributions, invalidations, functions and key value
// store listings.
type CloudFront struct {
	mu sync.Mutex

	// Distributions returned by ListDistributions, paged by PageSize.
	Distributions []cftypes.DistributionSummary
	PageSize      int
	ListErr       error
	ListCalls     int

	// InvalidationErrs are returned by successive CreateInvalidation calls;
	// once exhausted calls succeed.
	InvalidationErrs []error
	InvalidationCall int
	Invalidations    []cloudfront.CreateInvalidationInput

	KeyValueStores []cftypes.KeyValueStore
	Functions      map[string]*Function
}

// NewCloudFront returns a fake with the given distributions as (id, comment)
// pairs.
func NewCloudFront(pairs ...string) *CloudFront {
	f := &CloudFront{Functions: map[string]*Function{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Distributions = append(f.Distributions, cftypes.DistributionSummary{
			Id:      aws.String(pairs[i]),
			Comment: aws.String(pairs[i+1]),
		})
	}
	return f
}

// Succeeded returns successful invalidations.
func (f *CloudFront) Succeeded() []cloudfront.CreateInvalidationInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloudfront.CreateInvalidationInput(nil), f.Invalidations...)
}

func (f *CloudFront) ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	start := 0
	if params.Marker != nil {
		n, err := strconv.Atoi(*params.Marker)
		if err != nil {
			return nil, fmt.Errorf("bad marker %q", *params.Marker)
		}
		start = n
	}
	size := f.PageSize
	if size <= 0 {
		size = 100
	}
	end := min(start+size, len(f.Distributions))

	list := &cftypes.DistributionList{
		Items:       append([]cftypes.DistributionSummary(nil), f.Distributions[start:end]...),
		Quantity:    aws.Int32(int32(end - start)),
		IsTruncated: aws.Bool(end < len(f.Distributions)),
	}
	if end < len(f.Distributions) {
		list.NextMarker = aws.String(strconv.Itoa(end))
	}
	return &cloudfront.ListDistributionsOutput{DistributionList: list}, nil
}

func (f *CloudFront) CreateInvalidation(ctx context.Context, params *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.InvalidationCall
	f.InvalidationCall++
	if call < len(f.InvalidationErrs) && f.InvalidationErrs[call] != nil {
		return nil, f.InvalidationErrs[call]
	}

	known := false
	for _, d := range f.Distributions {
		if aws.ToString(d.Id) == aws.ToString(params.DistributionId) {
			known = true
		}
	}
	if !known {
		return nil, &cftypes.NoSuchDistribution{Message: params.DistributionId}
	}

	f.Invalidations = append(f.Invalidations, *params)
	id := fmt.Sprintf("I%d", len(f.Invalidations))
	return &cloudfront.CreateInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String(id), Status: aws.String("InProgress")},
	}, nil
}

func (f *CloudFront) ListKeyValueStores(ctx context.Context, params *cloudfront.ListKeyValueStoresInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListKeyValueStoresOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudfront.ListKeyValueStoresOutput{
		KeyValueStoreList: &cftypes.KeyValueStoreList{
			Items:    append([]cftypes.KeyValueStore(nil), f.KeyValueStores...),
			Quantity: aws.Int32(int32(len(f.KeyValueStores))),
		},
	}, nil
}

func (f *CloudFront) DescribeFunction(ctx context.Context, params *cloudfront.DescribeFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DescribeFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.Functions[aws.ToString(params.Name)]
	if !ok {
		return nil, &cftypes.NoSuchFunctionExists{}
	}
	return &cloudfront.DescribeFunctionOutput{ETag: aws.String(strconv.Itoa(fn.ETag))}, nil
}

func (f *CloudFront) CreateFunction(ctx context.Context, params *cloudfront.CreateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Name)
	if _, ok := f.Functions[name]; ok {
		return nil, &cftypes.FunctionAlreadyExists{}
	}
	fn := &Function{Code: params.FunctionCode, Config: *params.FunctionConfig, ETag: 1}
	f.Functions[name] = fn
	return &cloudfront.CreateFunctionOutput{ETag: aws.String(strconv.Itoa(fn.ETag))}, nil
}

func (f *CloudFront) UpdateFunction(ctx context.Context, params *cloudfront.UpdateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.Functions[aws.ToString(params.Name)]
	if !ok {
		return nil, &cftypes.NoSuchFunctionExists{}
	}
	if aws.ToString(params.IfMatch) != strconv.Itoa(fn.ETag) {
		return nil, &cftypes.PreconditionFailed{}
	}
	fn.Code = params.FunctionCode
	fn.Config = *params.FunctionConfig
	fn.ETag++
	fn.Published = false
	return &cloudfront.UpdateFunctionOutput{ETag: aws.String(strconv.Itoa(fn.ETag))}, nil
}

func (f *CloudFront) PublishFunction(ctx context.Context, params *cloudfront.PublishFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.PublishFunctionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.Functions[aws.ToString(params.Name)]
	if !ok {
		return nil, &cftypes.NoSuchFunctionExists{}
	}
	if aws.ToString(params.IfMatch) != strconv.Itoa(fn.ETag) {
		return nil, &cftypes.PreconditionFailed{}
	}
	fn.Published = true
	return &cloudfront.PublishFunctionOutput{}, nil
}
