package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/micahrl/sitesync/internal/fakes"
)

func seed(f *fakes.S3, bucket, prefix string, n int) {
	for i := 0; i < n; i++ {
		f.Put(bucket, fmt.Sprintf("%s/file-%05d.html", prefix, i), []byte("x"), "text/html")
	}
}

func TestOpen(t *testing.T) {
	f := fakes.NewS3()
	f.Put("artifacts", "zip/app1/release.zip", []byte("PK..."), "application/zip")
	b := NewBucket(f, "artifacts", 0, nil)

	body, err := b.Open(context.Background(), "zip/app1/release.zip")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "PK...", string(data))
}

func TestOpen_NoBody(t *testing.T) {
	f := fakes.NewS3()
	f.NilBody = true
	f.Put("artifacts", "zip/app1/release.zip", []byte("PK"), "")

	_, err := NewBucket(f, "artifacts", 0, nil).Open(context.Background(), "zip/app1/release.zip")
	require.ErrorIs(t, err, ErrEmptyBody)
}

func TestOpen_Missing(t *testing.T) {
	_, err := NewBucket(fakes.NewS3(), "artifacts", 0, nil).Open(context.Background(), "zip/nope.zip")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrEmptyBody)
}

func TestPurge_Empty(t *testing.T) {
	f := fakes.NewS3()
	n, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "app1/release")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, f.DeleteBatches)
}

func TestPurge_OnlyPrefix(t *testing.T) {
	f := fakes.NewS3()
	seed(f, "artifacts", "app1/release", 3)
	seed(f, "artifacts", "app1/other", 2)
	f.Put("artifacts", "zip/app1/release.zip", []byte("PK"), "")

	n, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "app1/release")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Empty(t, f.Keys("artifacts", "app1/release"))
	require.Len(t, f.Keys("artifacts", "app1/other"), 2)
	require.Len(t, f.Keys("artifacts", "zip/"), 1)
}

func TestPurge_Pagination(t *testing.T) {
	f := fakes.NewS3()
	f.PageSize = 1000
	seed(f, "artifacts", "site", 2500)

	n, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "site/")
	require.NoError(t, err)
	require.Equal(t, 2500, n)
	require.Empty(t, f.Keys("artifacts", "site/"))
	require.Len(t, f.DeleteBatches, 3)
	for _, batch := range f.DeleteBatches {
		require.LessOrEqual(t, len(batch), MaxDeleteBatch)
	}
}

func TestPurge_UnevenPages(t *testing.T) {
	f := fakes.NewS3()
	f.PageSize = 7
	seed(f, "artifacts", "site", 50)

	n, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "site/")
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Empty(t, f.Keys("artifacts", "site/"))
}

func TestPurge_BatchesLargePage(t *testing.T) {
	f := fakes.NewS3()
	f.PageSize = 3500
	seed(f, "artifacts", "site", 3500)

	n, err := NewBucket(f, "artifacts", 2, nil).Purge(context.Background(), "site/")
	require.NoError(t, err)
	require.Equal(t, 3500, n)
	require.Len(t, f.DeleteBatches, 4)
	for _, batch := range f.DeleteBatches {
		require.LessOrEqual(t, len(batch), MaxDeleteBatch)
	}
	require.LessOrEqual(t, f.MaxInflightDel, 2)
}

func TestPurge_ListError(t *testing.T) {
	f := fakes.NewS3()
	boom := errors.New("AccessDenied")
	f.ListErr = func(bucket, prefix string) error { return boom }

	_, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "site/")
	require.ErrorIs(t, err, ErrPurgeFailed)
	require.ErrorIs(t, err, boom)
}

func TestPurge_DeleteError(t *testing.T) {
	f := fakes.NewS3()
	seed(f, "artifacts", "site", 10)
	boom := errors.New("SlowDown")
	f.DeleteErr = func(bucket string, keys []string) error { return boom }

	_, err := NewBucket(f, "artifacts", 0, nil).Purge(context.Background(), "site/")
	require.ErrorIs(t, err, ErrPurgeFailed)
	require.ErrorIs(t, err, boom)
}

func TestChunk(t *testing.T) {
	keys := make([]string, 2001)
	batches := chunk(keys, 1000)
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 1000)
	require.Len(t, batches[1], 1000)
	require.Len(t, batches[2], 1)

	require.Len(t, chunk(make([]string, 1000), 1000), 1)
}
