package shipper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixnotka/trailship/pkg/objectstore"
	"github.com/felixnotka/trailship/pkg/sink"
	"github.com/felixnotka/trailship/pkg/stream"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

func testConfig() Config {
	return Config{
		ActivityLogGroup:  "/aws/cloudtrail",
		InsightLogGroup:   "/aws/cloudtrail/insight",
		MaxTries:          30,
		TokenTTL:          time.Hour,
		StreamConcurrency: 2,
	}
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func s3Event(bucket string, keys ...string) events.S3Event {
	var evt events.S3Event
	for _, k := range keys {
		evt.Records = append(evt.Records, events.S3EventRecord{
			S3: events.S3Entity{Bucket: events.S3Bucket{Name: bucket}, Object: events.S3Object{Key: k}},
		})
	}
	return evt
}

func TestHandleShipsEvent(t *testing.T) {
	objects := objectstore.NewMemoryStore()
	mem := sink.NewMemorySink()
	key := "AWSLogs/111122223333/CloudTrail/eu-west-1/2024/01/01/a.json.gz"
	objects.Put("bucket", key, gzipped(t, `{"Records":[{"eventTime":"2024-01-01T00:00:00Z","eventID":"1"}]}`))

	s := Assemble(testConfig(), Deps{
		Objects: objects,
		Sink:    mem,
		Tokens:  tokenstore.NewMemoryStore(),
		Account: "999988887777",
	}, logr.Discard())

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-1"})
	require.NoError(t, s.Handle(ctx, s3Event("bucket", key, "AWSLogs/999988887777/CloudTrail/eu-west-1/2024/01/01/b.json.gz")))

	id := stream.ID{Group: "/aws/cloudtrail", Name: "111122223333_CloudTrail_eu-west-1"}
	assert.Len(t, mem.Records(id), 1)
	assert.NoError(t, s.Close())
}

func TestHandleReturnsFatalErrors(t *testing.T) {
	objects := objectstore.NewMemoryStore()
	key := "AWSLogs/111122223333/CloudTrail/eu-west-1/2024/01/01/a.json.gz"
	objects.Fail("bucket", key, fmt.Errorf("%w: throttled", objectstore.ErrUnavailable))

	s := Assemble(testConfig(), Deps{
		Objects: objects,
		Sink:    sink.NewMemorySink(),
		Tokens:  tokenstore.NewMemoryStore(),
	}, logr.Discard())

	err := s.Handle(context.Background(), s3Event("bucket", key))
	assert.ErrorIs(t, err, objectstore.ErrUnavailable)
}

func TestHandlePushesMetrics(t *testing.T) {
	var pushes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.PushgatewayURL = srv.URL
	s := Assemble(cfg, Deps{
		Objects: objectstore.NewMemoryStore(),
		Sink:    sink.NewMemorySink(),
		Tokens:  tokenstore.NewMemoryStore(),
	}, logr.Discard())

	require.NoError(t, s.Handle(context.Background(), s3Event("bucket")))
	assert.Equal(t, int32(1), pushes.Load())
}
