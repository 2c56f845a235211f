package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixnotka/trailship/pkg/record"
	"github.com/felixnotka/trailship/pkg/stream"
)

// Kind classifies a sink failure. Callers switch on the kind instead of
// inspecting provider error messages.
type Kind int

const (
	// KindOther is any failure not covered below. Not retryable.
	KindOther Kind = iota

	// KindTokenConflict means the supplied continuation token is stale or
	// the batch was already accepted.
	KindTokenConflict

	// KindThrottled means the request was rate limited or the service was
	// temporarily unavailable.
	KindThrottled

	// KindAlreadyExists means the stream being created already exists.
	KindAlreadyExists

	// KindNotFound means the stream (or group) does not exist. Right after
	// creation this can be transient.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTokenConflict:
		return "TokenConflict"
	case KindThrottled:
		return "Throttled"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotFound:
		return "NotFound"
	default:
		return "Other"
	}
}

// Error is the error type returned by every Sink implementation.
type Error struct {
	Kind Kind

	// ExpectedToken is the token the sink wants next, when it reported one
	// with a token conflict.
	ExpectedToken string

	// Accepted is set for token conflicts caused by resending a batch the
	// sink already accepted.
	Accepted bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindOther when err is not a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindOther
}

// StreamInfo is the sink's authoritative view of a stream.
type StreamInfo struct {
	// UploadToken is the token the next append must present. Empty when the
	// stream has never been written to.
	UploadToken string
}

// Sink is a log sink with a strict sequential-append protocol.
type Sink interface {
	// CreateStream creates the stream. An existing stream yields a *Error of
	// KindAlreadyExists.
	CreateStream(ctx context.Context, id stream.ID) error

	// Append writes records (sorted ascending by timestamp) to the stream.
	// token is empty for the first append. It returns the token for the next
	// append.
	Append(ctx context.Context, id stream.ID, token string, records []record.Record) (string, error)

	// DescribeStream returns the current upload token of the stream.
	DescribeStream(ctx context.Context, id stream.ID) (StreamInfo, error)
}
