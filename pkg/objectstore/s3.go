package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store downloads objects with the S3 transfer manager so large CloudTrail
// digests are fetched in concurrent ranged parts.
type S3Store struct {
	Downloader *manager.Downloader
}

// NewS3Store creates an S3Store backed by client.
func NewS3Store(client manager.DownloadAPIClient) *S3Store {
	return &S3Store{Downloader: manager.NewDownloader(client)}
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	if _, err := s.Downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("%w: s3://%s/%s: %w", classify(err), bucket, key, err)
	}
	return buf.Bytes(), nil
}

// classify maps a download error to ErrNotFound, ErrUnreadable or
// ErrUnavailable. Only failures of the service itself are ErrUnavailable; the
// SDK has already retried those.
func classify(err error) error {
	var nsk *s3Types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ErrUnavailable
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return ErrNotFound
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return ErrUnavailable
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return ErrUnavailable
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return ErrUnavailable
	}
	return ErrUnreadable
}
