// Package kvs keeps a scoped slice of a CloudFront KeyValueStore in step
// with a desired set of entries.
package kvs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore"
	cfkvstypes "github.com/aws/aws-sdk-go-v2/service/cloudfrontkeyvaluestore/types"
)

// KVSClient abstracts the CloudFront KeyValueStore API.
type KVSClient interface {
	DescribeKeyValueStore(ctx context.Context, params *cloudfrontkeyvaluestore.DescribeKeyValueStoreInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.DescribeKeyValueStoreOutput, error)
	ListKeys(ctx context.Context, params *cloudfrontkeyvaluestore.ListKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.ListKeysOutput, error)
	UpdateKeys(ctx context.Context, params *cloudfrontkeyvaluestore.UpdateKeysInput, optFns ...func(*cloudfrontkeyvaluestore.Options)) (*cloudfrontkeyvaluestore.UpdateKeysOutput, error)
}

// ARNResolver abstracts CloudFront KVS ARN resolution.
type ARNResolver interface {
	ListKeyValueStores(ctx context.Context, params *cloudfront.ListKeyValueStoresInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListKeyValueStoresOutput, error)
}

var (
	_ KVSClient   = (*cloudfrontkeyvaluestore.Client)(nil)
	_ ARNResolver = (*cloudfront.Client)(nil)
)

// ResolveARN resolves a KVS name to its ARN by listing all KVS and matching by name.
func ResolveARN(ctx context.Context, client ARNResolver, name string) (string, error) {
	var marker *string
	for {
		resp, err := client.ListKeyValueStores(ctx, &cloudfront.ListKeyValueStoresInput{
			Marker: marker,
		})
		if err != nil {
			return "", fmt.Errorf("listing key value stores: %w", err)
		}
		if resp.KeyValueStoreList == nil {
			break
		}
		for _, item := range resp.KeyValueStoreList.Items {
			if aws.ToString(item.Name) == name && item.ARN != nil {
				return *item.ARN, nil
			}
		}
		marker = resp.KeyValueStoreList.NextMarker
		if marker == nil {
			break
		}
	}
	return "", fmt.Errorf("key value store not found: %s", name)
}

// ComputeSyncPlan compares desired state against existing KVS state. Only
// existing keys inside desired's scope are candidates for deletion.
func ComputeSyncPlan(desired *Data, existing map[string]string) *SyncPlan {
	plan := &SyncPlan{}

	want := make(map[string]bool, len(desired.Entries))
	for _, e := range desired.Entries {
		want[e.Key] = true
		if v, ok := existing[e.Key]; !ok || v != e.Value {
			plan.Puts = append(plan.Puts, e)
		}
	}

	for key := range existing {
		if desired.InScope(key) && !want[key] {
			plan.Deletes = append(plan.Deletes, key)
		}
	}

	return plan
}

// Snapshot is the state of a store read by FetchExistingKeys.
type Snapshot struct {
	ETag string
	Keys map[string]string
}

// BytesOutside returns the size of every entry outside d's scope.
func (s *Snapshot) BytesOutside(d *Data) int {
	total := 0
	for k, v := range s.Keys {
		if !d.InScope(k) {
			total += len(k) + len(v)
		}
	}
	return total
}

// FetchExistingKeys retrieves all current keys and values from a KVS along
// with the ETag required to modify it.
func FetchExistingKeys(ctx context.Context, client KVSClient, kvsARN string) (*Snapshot, error) {
	desc, err := client.DescribeKeyValueStore(ctx, &cloudfrontkeyvaluestore.DescribeKeyValueStoreInput{
		KvsARN: aws.String(kvsARN),
	})
	if err != nil {
		return nil, fmt.Errorf("describing KVS: %w", err)
	}

	snap := &Snapshot{ETag: aws.ToString(desc.ETag), Keys: map[string]string{}}
	var nextToken *string
	for {
		resp, err := client.ListKeys(ctx, &cloudfrontkeyvaluestore.ListKeysInput{
			KvsARN:    aws.String(kvsARN),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing KVS keys: %w", err)
		}
		for _, item := range resp.Items {
			snap.Keys[aws.ToString(item.Key)] = aws.ToString(item.Value)
		}
		nextToken = resp.NextToken
		if nextToken == nil {
			break
		}
	}

	return snap, nil
}

// maxKeysPerBatch is the AWS CloudFront KVS limit for UpdateKeys API.
// See: https://docs.aws.amazon.com/AmazonCloudFront/latest/DeveloperGuide/cloudfront-limits.html
const maxKeysPerBatch = 50

// Sync applies a SyncPlan using the batch UpdateKeys API, chaining the ETag
// returned by each batch into the next. It returns the final ETag.
func Sync(ctx context.Context, client KVSClient, kvsARN string, etag string, plan *SyncPlan) (string, error) {
	if plan.Empty() {
		return etag, nil
	}

	puts := make([]cfkvstypes.PutKeyRequestListItem, 0, len(plan.Puts))
	for _, e := range plan.Puts {
		puts = append(puts, cfkvstypes.PutKeyRequestListItem{
			Key:   aws.String(e.Key),
			Value: aws.String(e.Value),
		})
	}
	deletes := make([]cfkvstypes.DeleteKeyRequestListItem, 0, len(plan.Deletes))
	for _, key := range plan.Deletes {
		deletes = append(deletes, cfkvstypes.DeleteKeyRequestListItem{
			Key: aws.String(key),
		})
	}

	current := etag
	for batch := 1; len(puts) > 0 || len(deletes) > 0; batch++ {
		room := maxKeysPerBatch
		np := min(room, len(puts))
		room -= np
		nd := min(room, len(deletes))

		resp, err := client.UpdateKeys(ctx, &cloudfrontkeyvaluestore.UpdateKeysInput{
			KvsARN:  aws.String(kvsARN),
			IfMatch: aws.String(current),
			Puts:    puts[:np],
			Deletes: deletes[:nd],
		})
		if err != nil {
			return current, fmt.Errorf("updating KVS keys (batch %d: %d puts, %d deletes): %w", batch, np, nd, err)
		}
		puts, deletes = puts[np:], deletes[nd:]

		if resp.ETag != nil {
			current = *resp.ETag
		}
	}

	return current, nil
}
