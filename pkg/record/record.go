package record

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fastjson"
)

// Record is a single CloudTrail event as it will be written to the log sink.
type Record struct {
	// Timestamp is the event time in milliseconds since the Unix epoch. It is
	// the sink item timestamp and the batching sort key.
	Timestamp int64

	// Message is the compact JSON encoding of the event.
	Message string
}

// Time returns the record timestamp as a time.Time in UTC.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// ParseError reports a malformed object or record.
type ParseError struct {
	// Index is the position of the offending record, or -1 when the object
	// itself could not be parsed.
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parsing object: %v", e.Err)
	}
	return fmt.Sprintf("parsing record %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var errNoRecords = errors.New(`missing "Records" array`)

// Decode gunzips a CloudTrail object and parses its records.
func Decode(r io.Reader) ([]Record, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, &ParseError{Index: -1, Err: fmt.Errorf("opening gzip stream: %w", err)}
	}
	defer zr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, &ParseError{Index: -1, Err: fmt.Errorf("decompressing: %w", err)}
	}
	return Parse(buf.Bytes())
}

// Parse extracts records from an uncompressed CloudTrail document of the form
// {"Records": [...]}. Records keep their source order.
func Parse(data []byte) ([]Record, error) {
	var p fastjson.Parser
	doc, err := p.ParseBytes(data)
	if err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}

	raw := doc.Get("Records")
	if raw == nil || raw.Type() != fastjson.TypeArray {
		return nil, &ParseError{Index: -1, Err: errNoRecords}
	}
	items, _ := raw.Array()

	records := make([]Record, 0, len(items))
	for i, item := range items {
		if item.Type() != fastjson.TypeObject {
			return nil, &ParseError{Index: i, Err: fmt.Errorf("expected object, got %s", item.Type())}
		}
		ts, err := parseEventTime(item.GetStringBytes("eventTime"))
		if err != nil {
			return nil, &ParseError{Index: i, Err: err}
		}
		records = append(records, Record{
			Timestamp: ts,
			Message:   string(item.MarshalTo(nil)),
		})
	}
	return records, nil
}

// parseEventTime parses an ISO-8601 eventTime into epoch milliseconds.
// CloudTrail writes second precision ("2006-01-02T15:04:05Z"); fractional
// seconds and numeric offsets are accepted as well.
func parseEventTime(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errors.New("missing eventTime")
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return 0, fmt.Errorf("invalid eventTime %q: %w", b, err)
	}
	return t.UnixMilli(), nil
}
