// Package fakes provides in-memory stand-ins for the AWS APIs sitesync calls.
// They implement the narrow client interfaces declared by each package and
// are meant for tests.
package fakes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is a stored S3 object.
type Object struct {
	Body        []byte
	ContentType string
}

// S3 is an in-memory, multi-bucket S3.
type S3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]Object
	uploads map[string]*multipartUpload
	nextID  int

	// PageSize caps ListObjectsV2 results per page. Zero means 1000.
	PageSize int
	// NilBody makes GetObject succeed without a body.
	NilBody bool

	// Optional failure hooks.
	GetErr    func(bucket, key string) error
	ListErr   func(bucket, prefix string) error
	DeleteErr func(bucket string, keys []string) error
	PutErr    func(bucket, key string) error

	// Call records.
	DeleteBatches  [][]string
	PutKeys        []string
	Lists          int
	inflight       int
	MaxInflightDel int
}

type multipartUpload struct {
	bucket, key, contentType string
	parts                    map[int32][]byte
}

// NewS3 returns an empty S3.
func NewS3() *S3 {
	return &S3{
		buckets: map[string]map[string]Object{},
		uploads: map[string]*multipartUpload{},
	}
}

// Put stores an object directly.
func (f *S3) Put(bucket, key string, body []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket(bucket)[key] = Object{Body: body, ContentType: contentType}
}

// Get returns a stored object.
func (f *S3) Get(bucket, key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	return o, ok
}

// Keys lists the keys in bucket under prefix, sorted.
func (f *S3) Keys(bucket, prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedKeys(bucket, prefix)
}

func (f *S3) bucket(name string) map[string]Object {
	b, ok := f.buckets[name]
	if !ok {
		b = map[string]Object{}
		f.buckets[name] = b
	}
	return b
}

func (f *S3) sortedKeys(bucket, prefix string) []string {
	var keys []string
	for k := range f.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *S3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	bucket, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	if f.GetErr != nil {
		if err := f.GetErr(bucket, key); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String(key)}
	}
	body := o.Body
	out := &s3.GetObjectOutput{ContentType: aws.String(o.ContentType)}
	if r := aws.ToString(params.Range); r != "" && len(body) > 0 {
		var first, last int
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &first, &last); err != nil || first > last {
			return nil, fmt.Errorf("InvalidRange: %q", r)
		}
		last = min(last, len(body)-1)
		if first < len(body) {
			body = body[first : last+1]
		} else {
			body = nil
		}
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", first, last, len(o.Body)))
	}
	out.ContentLength = aws.Int64(int64(len(body)))
	if !f.NilBody {
		out.Body = io.NopCloser(bytes.NewReader(body))
	}
	return out, nil
}

func (f *S3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	bucket, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.buckets[bucket][key]
	if !ok {
		return nil, &s3types.NotFound{Message: aws.String(key)}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.Body))),
		ContentType:   aws.String(o.ContentType),
	}, nil
}

func (f *S3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	bucket, prefix := aws.ToString(params.Bucket), aws.ToString(params.Prefix)
	if f.ListErr != nil {
		if err := f.ListErr(bucket, prefix); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++

	// Tokens carry the last key returned, so deletes between pages do not
	// shift the listing.
	keys := f.sortedKeys(bucket, prefix)
	if after := aws.ToString(params.ContinuationToken); after != "" {
		keys = keys[sort.SearchStrings(keys, after+"\x00"):]
	}
	size := f.PageSize
	if size <= 0 {
		size = 1000
	}
	end := min(size, len(keys))

	out := &s3.ListObjectsV2Output{KeyCount: aws.Int32(int32(end))}
	for _, k := range keys[:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end-1])
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func (f *S3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	bucket := aws.ToString(params.Bucket)
	keys := make([]string, 0, len(params.Delete.Objects))
	for _, o := range params.Delete.Objects {
		keys = append(keys, aws.ToString(o.Key))
	}

	f.mu.Lock()
	f.inflight++
	f.MaxInflightDel = max(f.MaxInflightDel, f.inflight)
	f.DeleteBatches = append(f.DeleteBatches, keys)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if len(keys) > 1000 {
		return nil, fmt.Errorf("MalformedXML: %d keys exceeds the 1000 key limit", len(keys))
	}
	if f.DeleteErr != nil {
		if err := f.DeleteErr(bucket, keys); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.DeleteObjectsOutput{}
	for _, k := range keys {
		delete(f.buckets[bucket], k)
		if !aws.ToBool(params.Delete.Quiet) {
			out.Deleted = append(out.Deleted, s3types.DeletedObject{Key: aws.String(k)})
		}
	}
	return out, nil
}

func (f *S3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	bucket, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	if f.PutErr != nil {
		if err := f.PutErr(bucket, key); err != nil {
			return nil, err
		}
	}
	var body []byte
	if params.Body != nil {
		b, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket(bucket)[key] = Object{Body: body, ContentType: aws.ToString(params.ContentType)}
	f.PutKeys = append(f.PutKeys, key)
	return &s3.PutObjectOutput{ETag: aws.String(fmt.Sprintf("%q", key))}, nil
}

func (f *S3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	bucket, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	if f.PutErr != nil {
		if err := f.PutErr(bucket, key); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.uploads[id] = &multipartUpload{
		bucket:      bucket,
		key:         key,
		contentType: aws.ToString(params.ContentType),
		parts:       map[int32][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{Bucket: params.Bucket, Key: params.Key, UploadId: aws.String(id)}, nil
}

func (f *S3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &s3types.NoSuchUpload{}
	}
	n := aws.ToInt32(params.PartNumber)
	u.parts[n] = body
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"part-%d\"", n))}, nil
}

func (f *S3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, &s3types.NoSuchUpload{}
	}
	numbers := make([]int, 0, len(u.parts))
	for n := range u.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	var body []byte
	for _, n := range numbers {
		body = append(body, u.parts[int32(n)]...)
	}
	f.bucket(u.bucket)[u.key] = Object{Body: body, ContentType: u.contentType}
	f.PutKeys = append(f.PutKeys, u.key)
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Bucket: aws.String(u.bucket), Key: aws.String(u.key)}, nil
}

func (f *S3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}
