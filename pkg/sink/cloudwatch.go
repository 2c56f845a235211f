package sink

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"github.com/felixnotka/trailship/pkg/record"
	"github.com/felixnotka/trailship/pkg/stream"
)

// CloudWatchAPI is the subset of the CloudWatch Logs client used by CloudWatchSink.
type CloudWatchAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
}

// throttleCodes are API error codes treated as transient.
var throttleCodes = map[string]bool{
	"ThrottlingException":         true,
	"Throttling":                  true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
	"ServiceUnavailableException": true,
}

// CloudWatchSink implements Sink on top of CloudWatch Logs.
type CloudWatchSink struct {
	Client CloudWatchAPI
}

// NewCloudWatchSink creates a sink from a CloudWatch Logs client.
func NewCloudWatchSink(client CloudWatchAPI) *CloudWatchSink {
	return &CloudWatchSink{Client: client}
}

func (s *CloudWatchSink) CreateStream(ctx context.Context, id stream.ID) error {
	_, err := s.Client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(id.Group),
		LogStreamName: aws.String(id.Name),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *CloudWatchSink) Append(ctx context.Context, id stream.ID, token string, records []record.Record) (string, error) {
	events := make([]types.InputLogEvent, len(records))
	for i, r := range records {
		events[i] = types.InputLogEvent{
			Timestamp: aws.Int64(r.Timestamp),
			Message:   aws.String(r.Message),
		}
	}

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(id.Group),
		LogStreamName: aws.String(id.Name),
		LogEvents:     events,
	}
	if token != "" {
		input.SequenceToken = aws.String(token)
	}

	out, err := s.Client.PutLogEvents(ctx, input)
	if err != nil {
		return "", classify(err)
	}

	if rejected := out.RejectedLogEventsInfo; rejected != nil {
		logr.FromContextOrDiscard(ctx).WithName("sink").Info("log events rejected by CloudWatch",
			"stream", id.String(),
			"tooOldEndIndex", aws.ToInt32(rejected.TooOldLogEventEndIndex),
			"tooNewStartIndex", aws.ToInt32(rejected.TooNewLogEventStartIndex),
			"expiredEndIndex", aws.ToInt32(rejected.ExpiredLogEventEndIndex))
	}

	return aws.ToString(out.NextSequenceToken), nil
}

func (s *CloudWatchSink) DescribeStream(ctx context.Context, id stream.ID) (StreamInfo, error) {
	paginator := cloudwatchlogs.NewDescribeLogStreamsPaginator(s.Client, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(id.Group),
		LogStreamNamePrefix: aws.String(id.Name),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return StreamInfo{}, classify(err)
		}
		// The prefix filter can match longer names; only an exact match counts.
		for _, ls := range page.LogStreams {
			if aws.ToString(ls.LogStreamName) == id.Name {
				return StreamInfo{UploadToken: aws.ToString(ls.UploadSequenceToken)}, nil
			}
		}
	}

	return StreamInfo{}, &Error{Kind: KindNotFound, Err: errors.New("log stream " + id.String() + " not found")}
}

// classify maps a CloudWatch Logs API error onto a sink Error.
func classify(err error) error {
	var (
		invalidToken  *types.InvalidSequenceTokenException
		accepted      *types.DataAlreadyAcceptedException
		alreadyExists *types.ResourceAlreadyExistsException
		notFound      *types.ResourceNotFoundException
		unavailable   *types.ServiceUnavailableException
		apiErr        smithy.APIError
	)

	switch {
	case errors.As(err, &invalidToken):
		return &Error{Kind: KindTokenConflict, ExpectedToken: aws.ToString(invalidToken.ExpectedSequenceToken), Err: err}
	case errors.As(err, &accepted):
		return &Error{Kind: KindTokenConflict, ExpectedToken: aws.ToString(accepted.ExpectedSequenceToken), Accepted: true, Err: err}
	case errors.As(err, &alreadyExists):
		return &Error{Kind: KindAlreadyExists, Err: err}
	case errors.As(err, &notFound):
		return &Error{Kind: KindNotFound, Err: err}
	case errors.As(err, &unavailable):
		return &Error{Kind: KindThrottled, Err: err}
	case errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()]:
		return &Error{Kind: KindThrottled, Err: err}
	default:
		return &Error{Kind: KindOther, Err: err}
	}
}
