package fakes

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	cfkvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"
)

// KVS is a single CloudFront KeyValueStore.
type KVS struct {
	mu      sync.Mutex
	Data    map[string]string
	version int

	// PageSize caps ListKeys results. Zero means 50.
	PageSize int
	// Batches records the size of each UpdateKeys call.
	Batches []int
}

// NewKVS returns a store holding data.
func NewKVS(data map[string]string) *KVS {
	if data == nil {
		data = map[string]string{}
	}
	return &KVS{Data: data, version: 1}
}

func (f *KVS) etag() string { return "v" + strconv.Itoa(f.version) }

func (f *KVS) DescribeKeyValueStore(ctx context.Context, params *cloudfrontkeyvaluestore.DescribeKeyValueStoreInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput{
		ETag:   aws.String(f.etag()),
		KvsARN: params.KvsARN,
	}, nil
}

func (f *KVS) ListKeys(ctx context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.Data))
	for k := range f.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if params.NextToken != nil {
		start, _ = strconv.Atoi(*params.NextToken)
	}
	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	end := min(start+size, len(keys))

	out := &cloudfrontkeyvaluestore.ListKeysOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, cfkvstypes.ListKeysResponseListItem{Key: aws.String(k), Value: aws.String(f.Data[k])})
	}
	if end < len(keys) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *KVS) UpdateKeys(ctx context.Context, params *cloudfrontkeyvaluestore.UpdateKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.UpdateKeysOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(params.IfMatch) != f.etag() {
		return nil, &cfkvstypes.ConflictException{Message: aws.String("etag mismatch")}
	}
	if n := len(params.Puts) + len(params.Deletes); n > 50 {
		return nil, &cfkvstypes.ValidationException{Message: aws.String("too many keys")}
	}
	for _, p := range params.Puts {
		f.Data[aws.ToString(p.Key)] = aws.ToString(p.Value)
	}
	for _, d := range params.Deletes {
		delete(f.Data, aws.ToString(d.Key))
	}
	f.Batches = append(f.Batches, len(params.Puts)+len(params.Deletes))
	f.version++
	return &cloudfrontkeyvaluestore.UpdateKeysOutput{ETag: aws.String(f.etag())}, nil
}
