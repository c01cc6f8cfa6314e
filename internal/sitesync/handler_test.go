package sitesync

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/micahrl/sitesync/internal/archive"
	"github.com/micahrl/sitesync/internal/distribution"
	"github.com/micahrl/sitesync/internal/fakes"
	"github.com/micahrl/sitesync/internal/publish"
	"github.com/micahrl/sitesync/internal/redirects"
	"github.com/micahrl/sitesync/internal/storage"
)

const bucket = "artifacts"

type file struct {
	name, body string
}

func buildZip(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, f.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func s3Event(bucket, key string) events.S3Event {
	return events.S3Event{Records: []events.S3EventRecord{{
		S3: events.S3Entity{
			Bucket: events.S3Bucket{Name: bucket},
			Object: events.S3Object{Key: key},
		},
	}}}
}

type instantTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func (r *instantTimer) Start(d time.Duration) {
	r.waits = append(r.waits, d)
	r.c = make(chan time.Time, 1)
	r.c <- time.Now()
}

func (r *instantTimer) Stop() {}

func (r *instantTimer) C() <-chan time.Time { return r.c }

type fixture struct {
	s3    *fakes.S3
	cf    *fakes.CloudFront
	timer *instantTimer
	h     *Handler
}

func newFixture(t *testing.T, opts ...func(*fixture, *Options)) *fixture {
	t.Helper()
	f := &fixture{
		s3:    fakes.NewS3(),
		cf:    fakes.NewCloudFront("E0", "app0", "E1", "app1"),
		timer: &instantTimer{},
	}
	policy := distribution.RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, Timer: f.timer}
	o := Options{
		S3:          f.s3,
		Resolver:    distribution.NewResolver(f.cf, nil),
		Invalidator: distribution.NewInvalidator(f.cf, policy, nil),
	}
	for _, fn := range opts {
		fn(f, &o)
	}
	f.h = NewHandler(o)
	return f
}

func (f *fixture) stage(key string, body []byte) {
	f.s3.Put(bucket, key, body, "application/zip")
}

func TestHandle_PublishesArchive(t *testing.T) {
	f := newFixture(t)
	f.s3.Put(bucket, "app1/release/stale.html", []byte("old"), "text/html")
	f.s3.Put(bucket, "app1/release/old/deep.css", []byte("old"), "text/css")
	f.s3.Put(bucket, "app1/release2/keep.html", []byte("sibling"), "text/html")
	f.stage("zip/app1/release.zip", buildZip(t,
		file{"release/index.html", "<h1>hi</h1>"},
		file{"release/assets/app.js", "console.log(1)"},
		file{"release/", ""},
	))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))

	require.Equal(t, []string{"app1/release/assets/app.js", "app1/release/index.html"}, f.s3.Keys(bucket, "app1/release/"))
	require.Equal(t, []string{"app1/release2/keep.html"}, f.s3.Keys(bucket, "app1/release2/"))

	obj, _ := f.s3.Get(bucket, "app1/release/index.html")
	require.Equal(t, "text/html", obj.ContentType)
	require.Equal(t, "<h1>hi</h1>", string(obj.Body))
	obj, _ = f.s3.Get(bucket, "app1/release/assets/app.js")
	require.Equal(t, "application/javascript", obj.ContentType)

	_, ok := f.s3.Get(bucket, "zip/app1/release.zip")
	require.True(t, ok, "staged archive is kept")

	inv := f.cf.Succeeded()
	require.Len(t, inv, 1)
	require.Equal(t, "E1", aws.ToString(inv[0].DistributionId))
	require.Equal(t, []string{"/*"}, inv[0].InvalidationBatch.Paths.Items)
}

func TestHandle_IgnoresUnstagedKeys(t *testing.T) {
	f := newFixture(t)
	f.s3.Put(bucket, "docs/readme.txt", []byte("hello"), "text/plain")
	f.s3.Put(bucket, "zip/app1/notes.txt", []byte("hello"), "text/plain")

	for _, key := range []string{"docs/readme.txt", "zip/app1/notes.txt", "app1/release.zip"} {
		require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, key)), key)
	}
	require.Empty(t, f.s3.PutKeys)
	require.Empty(t, f.s3.DeleteBatches)
	require.Zero(t, f.s3.Lists)
	require.Zero(t, f.cf.InvalidationCall)
}

func TestHandle_EmptyArchive(t *testing.T) {
	f := newFixture(t)
	f.s3.Put(bucket, "app1/empty/old.txt", []byte("old"), "text/plain")
	f.stage("zip/app1/empty.zip", buildZip(t))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/empty.zip")))
	require.Empty(t, f.s3.Keys(bucket, "app1/empty/"))
	require.Empty(t, f.s3.PutKeys)
	require.Len(t, f.cf.Succeeded(), 1)
}

func TestHandle_UnknownDistribution(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app2/v1.zip", buildZip(t, file{"v1/index.html", "x"}))

	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/app2/v1.zip"))
	require.ErrorIs(t, err, distribution.ErrLookupFailed)
	require.ErrorIs(t, err, distribution.ErrNotFound)
	require.Equal(t, []string{"app2/v1/index.html"}, f.s3.Keys(bucket, "app2/"))
	require.Zero(t, f.cf.InvalidationCall)
}

func TestHandle_RetriesTransientInvalidation(t *testing.T) {
	f := newFixture(t)
	f.cf.InvalidationErrs = []error{&smithy.GenericAPIError{Code: "ServiceUnavailable", Fault: smithy.FaultServer}}
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))
	require.Len(t, f.cf.Succeeded(), 1)
	require.Equal(t, 2, f.cf.InvalidationCall)
	require.Equal(t, []time.Duration{time.Second}, f.timer.waits)
}

func TestHandle_DropsTopLevelFolder(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t, file{"build/index.html", "x"}))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))
	require.Equal(t, []string{"app1/release/index.html"}, f.s3.Keys(bucket, "app1/"))
}

func TestHandle_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t,
		file{"release/index.html", "<h1>hi</h1>"},
		file{"release/css/site.css", "body{}"},
	))
	ev := s3Event(bucket, "zip/app1/release.zip")

	require.NoError(t, f.h.Handle(context.Background(), ev))
	first := snapshot(f.s3, "app1/release/")
	require.NoError(t, f.h.Handle(context.Background(), ev))
	require.Equal(t, first, snapshot(f.s3, "app1/release/"))

	inv := f.cf.Succeeded()
	require.Len(t, inv, 2)
	require.NotEqual(t,
		aws.ToString(inv[0].InvalidationBatch.CallerReference),
		aws.ToString(inv[1].InvalidationBatch.CallerReference))
}

func TestHandle_RecoversFromPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t,
		file{"release/a.html", "a"},
		file{"release/b.html", "b"},
		file{"release/c.html", "c"},
	))
	ev := s3Event(bucket, "zip/app1/release.zip")

	fail := true
	f.s3.PutErr = func(_, key string) error {
		if fail && key == "app1/release/b.html" {
			return errors.New("InternalError")
		}
		return nil
	}
	err := f.h.Handle(context.Background(), ev)
	var uerr *publish.UploadError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "app1/release/b.html", uerr.Key)
	require.Equal(t, []string{"app1/release/a.html"}, f.s3.Keys(bucket, "app1/release/"))
	require.Zero(t, f.cf.InvalidationCall)

	fail = false
	require.NoError(t, f.h.Handle(context.Background(), ev))
	require.Equal(t, []string{"app1/release/a.html", "app1/release/b.html", "app1/release/c.html"},
		f.s3.Keys(bucket, "app1/release/"))
}

func TestHandle_DecodesKey(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/my site.zip", buildZip(t, file{"out/index.html", "x"}))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/my+site.zip")))
	require.Equal(t, []string{"app1/my site/index.html"}, f.s3.Keys(bucket, "app1/"))
}

func TestHandle_NoRecords(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Handle(context.Background(), events.S3Event{}))
	require.Zero(t, f.s3.Lists)
}

func TestHandle_OnlyFirstRecord(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))
	f.stage("zip/app0/release.zip", buildZip(t, file{"release/index.html", "y"}))
	ev := s3Event(bucket, "zip/app1/release.zip")
	ev.Records = append(ev.Records, s3Event(bucket, "zip/app0/release.zip").Records...)

	require.NoError(t, f.h.Handle(context.Background(), ev))
	require.Empty(t, f.s3.Keys(bucket, "app0/"))
	require.Len(t, f.cf.Succeeded(), 1)
}

func TestHandle_InvalidEvent(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.h.Handle(context.Background(), s3Event("", "zip/app1/x.zip")), ErrInvalidEvent)
	require.ErrorIs(t, f.h.Handle(context.Background(), s3Event(bucket, "")), ErrInvalidEvent)
}

func TestHandle_InvalidKey(t *testing.T) {
	f := newFixture(t)
	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/../escape.zip"))
	require.ErrorIs(t, err, ErrInvalidKey)
	require.Zero(t, f.s3.Lists)
}

func TestHandle_DotSegmentKeys(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"zip/app1/..zip", "zip/./release.zip", "zip/app1/./release.zip"} {
		f.stage(key, buildZip(t, file{"release/index.html", "x"}))
		require.ErrorIs(t, f.h.Handle(context.Background(), s3Event(bucket, key)), ErrInvalidKey, key)
	}
	require.Zero(t, f.s3.Lists)
	require.Empty(t, f.s3.PutKeys)
}

func TestHandle_TraversalEntry(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t,
		file{"release/../x.html", "escaped"},
		file{"release/index.html", "x"},
	))

	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip"))
	require.ErrorIs(t, err, archive.ErrMalformedArchive)
	for _, key := range f.s3.PutKeys {
		require.Contains(t, key, "app1/release/")
		require.NotContains(t, key, "..")
	}
	_, ok := f.s3.Get(bucket, "app1/x.html")
	require.False(t, ok)
	require.Zero(t, f.cf.InvalidationCall)
}

func TestHandle_PurgeFailure(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))
	f.s3.ListErr = func(string, string) error { return errors.New("AccessDenied") }

	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip"))
	require.ErrorIs(t, err, storage.ErrPurgeFailed)
	require.Empty(t, f.s3.PutKeys)
}

func TestHandle_MalformedArchive(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", []byte("PK\x03\x04 definitely not a zip"))

	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip"))
	require.ErrorIs(t, err, archive.ErrMalformedArchive)
	require.Zero(t, f.cf.InvalidationCall)
}

func TestHandle_EmptyBody(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))
	f.s3.NilBody = true

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))
	require.Zero(t, f.cf.InvalidationCall)
}

func TestHandle_RecoversPanic(t *testing.T) {
	f := newFixture(t, func(_ *fixture, o *Options) { o.Resolver = nil })
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))

	err := f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip"))
	require.ErrorIs(t, err, ErrUnknown)
}

func TestHandle_ForgetsDeletedDistribution(t *testing.T) {
	f := newFixture(t)
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))
	ev := s3Event(bucket, "zip/app1/release.zip")
	require.NoError(t, f.h.Handle(context.Background(), ev))
	require.Equal(t, 1, f.cf.ListCalls)

	// Recreated under a new id.
	f.cf.Distributions = []cftypes.DistributionSummary{{Id: aws.String("E9"), Comment: aws.String("app1")}}
	err := f.h.Handle(context.Background(), ev)
	require.True(t, distribution.IsNoSuchDistribution(err))

	require.NoError(t, f.h.Handle(context.Background(), ev))
	inv := f.cf.Succeeded()
	require.Equal(t, "E9", aws.ToString(inv[len(inv)-1].DistributionId))
}

func TestHandle_SyncsDirectoryRedirects(t *testing.T) {
	store := fakes.NewKVS(map[string]string{
		"/app1/release/gone": "/app1/release/gone/",
		"/app0":              "/app0/",
	})
	f := newFixture(t, func(f *fixture, o *Options) {
		f.cf.KeyValueStores = []cftypes.KeyValueStore{{Name: aws.String("redirects"), ARN: aws.String("arn:redirects")}}
		o.Redirects = redirects.NewSyncer(f.cf, store, "redirects", nil)
	})
	f.stage("zip/app1/release.zip", buildZip(t,
		file{"release/index.html", "x"},
		file{"release/docs/guide/index.html", "y"},
		file{"release/empty/", ""},
	))

	require.NoError(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))
	require.Equal(t, map[string]string{
		"/app0":                    "/app0/",
		"/app1/release":            "/app1/release/",
		"/app1/release/docs":       "/app1/release/docs/",
		"/app1/release/docs/guide": "/app1/release/docs/guide/",
		"/app1/release/empty":      "/app1/release/empty/",
	}, store.Data)
	require.Len(t, f.cf.Succeeded(), 1)
}

func TestHandle_RedirectFailureSkipsInvalidation(t *testing.T) {
	f := newFixture(t, func(f *fixture, o *Options) {
		o.Redirects = redirects.NewSyncer(f.cf, fakes.NewKVS(nil), "missing", nil)
	})
	f.stage("zip/app1/release.zip", buildZip(t, file{"release/index.html", "x"}))

	require.Error(t, f.h.Handle(context.Background(), s3Event(bucket, "zip/app1/release.zip")))
	require.Zero(t, f.cf.InvalidationCall)
}

func snapshot(s *fakes.S3, prefix string) map[string]fakes.Object {
	out := map[string]fakes.Object{}
	for _, k := range s.Keys(bucket, prefix) {
		o, _ := s.Get(bucket, k)
		out[k] = o
	}
	return out
}
