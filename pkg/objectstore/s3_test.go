package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func TestS3StoreGet(t *testing.T) {
	payload := []byte(`{"Records":[]}`)
	client := new(mockS3)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Bucket == "trail-bucket" && *in.Key == "AWSLogs/111122223333/CloudTrail/eu-west-1/x.json.gz"
	})).Return(&s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: aws.Int64(int64(len(payload))),
	}, nil)

	got, err := NewS3Store(client).Get(context.Background(), "trail-bucket", "AWSLogs/111122223333/CloudTrail/eu-west-1/x.json.gz")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestS3StoreErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"typed no such key", &s3Types.NoSuchKey{}, ErrNotFound},
		{"head not found", &smithy.GenericAPIError{Code: "NotFound"}, ErrNotFound},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, ErrNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, ErrUnreadable},
		{"kms denied", &smithy.GenericAPIError{Code: "KMS.AccessDeniedException"}, ErrUnreadable},
		{"archived", &smithy.GenericAPIError{Code: "InvalidObjectState"}, ErrUnreadable},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, ErrUnavailable},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, ErrUnavailable},
		{"network", errors.New("connection reset"), ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockS3)
			client.On("GetObject", mock.Anything, mock.Anything).Return(nil, tt.err)

			_, err := NewS3Store(client).Get(context.Background(), "b", "k")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	m.Put("b", "k", []byte("data"))
	m.Fail("b", "broken", ErrUnavailable)
	ctx := context.Background()

	got, err := m.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	_, err = m.Get(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Get(ctx, "b", "broken")
	assert.ErrorIs(t, err, ErrUnavailable)
}
