package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/felixnotka/trailship/pkg/batcher"
	"github.com/felixnotka/trailship/pkg/record"
	"github.com/felixnotka/trailship/pkg/stream"
)

// MemorySink is an in-memory Sink that enforces the sequential-append
// protocol of CloudWatch Logs: every append must present the token returned by
// the previous one, and resending the last accepted batch with its original
// token is reported as already accepted. It is safe for concurrent use and is
// intended for tests.
type MemorySink struct {
	mu       sync.Mutex
	streams  map[stream.ID]*memStream
	injected map[stream.ID][]Kind
	lost     map[stream.ID]int

	// HideExpectedToken makes token conflicts omit the expected token, which
	// forces callers to reconcile through DescribeStream.
	HideExpectedToken bool

	// CreateErr is returned by CreateStream if set.
	CreateErr error

	createCalls   int
	appendCalls   int
	describeCalls int
}

type memStream struct {
	records []record.Record
	seq     int
	token   string

	// lastPrevToken and lastHash identify the most recently accepted batch.
	lastPrevToken string
	lastHash      uint64
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		streams:  make(map[stream.ID]*memStream),
		injected: make(map[stream.ID][]Kind),
		lost:     make(map[stream.ID]int),
	}
}

func (m *MemorySink) CreateStream(_ context.Context, id stream.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++

	if m.CreateErr != nil {
		return m.CreateErr
	}
	if _, ok := m.streams[id]; ok {
		return &Error{Kind: KindAlreadyExists, Err: fmt.Errorf("stream %s already exists", id)}
	}
	m.streams[id] = &memStream{}
	return nil
}

func (m *MemorySink) Append(_ context.Context, id stream.ID, token string, records []record.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++

	if queue := m.injected[id]; len(queue) > 0 {
		kind := queue[0]
		m.injected[id] = queue[1:]
		return "", &Error{Kind: kind, Err: errors.New("injected failure")}
	}

	s, ok := m.streams[id]
	if !ok {
		return "", &Error{Kind: KindNotFound, Err: fmt.Errorf("stream %s does not exist", id)}
	}

	if token != s.token {
		conflict := &Error{Kind: KindTokenConflict, Err: fmt.Errorf("invalid sequence token %q", token)}
		if s.seq > 0 && token == s.lastPrevToken && hashRecords(records) == s.lastHash {
			conflict.Accepted = true
			conflict.Err = errors.New("batch already accepted")
		}
		if !m.HideExpectedToken || conflict.Accepted {
			conflict.ExpectedToken = s.token
		}
		return "", conflict
	}

	if err := validateBatch(records); err != nil {
		return "", &Error{Kind: KindOther, Err: err}
	}

	s.records = append(s.records, records...)
	s.lastPrevToken = token
	s.lastHash = hashRecords(records)
	s.seq++
	s.token = formatToken(s.seq)
	if m.lost[id] > 0 {
		m.lost[id]--
		return "", &Error{Kind: KindThrottled, Err: errors.New("response lost")}
	}
	return s.token, nil
}

func (m *MemorySink) DescribeStream(_ context.Context, id stream.ID) (StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describeCalls++

	s, ok := m.streams[id]
	if !ok {
		return StreamInfo{}, &Error{Kind: KindNotFound, Err: fmt.Errorf("stream %s does not exist", id)}
	}
	return StreamInfo{UploadToken: s.token}, nil
}

// Inject queues failures that the next Append calls for id return, in order,
// before the stream state is consulted.
func (m *MemorySink) Inject(id stream.ID, kinds ...Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected[id] = append(m.injected[id], kinds...)
}

// LoseResponses makes the next n successful appends to id commit their batch
// but report a throttling error, as if the response never arrived.
func (m *MemorySink) LoseResponses(id stream.ID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[id] += n
}

// DeleteStream removes a stream and its records.
func (m *MemorySink) DeleteStream(id stream.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// Records returns a copy of the records appended to id.
func (m *MemorySink) Records(id stream.ID) []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return slices.Clone(s.records)
	}
	return nil
}

// Token returns the token the next append to id must present.
func (m *MemorySink) Token(id stream.ID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s.token
	}
	return ""
}

// Exists reports whether the stream exists.
func (m *MemorySink) Exists(id stream.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[id]
	return ok
}

// Calls returns the number of CreateStream, Append and DescribeStream calls.
func (m *MemorySink) Calls() (create, appends, describe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.appendCalls, m.describeCalls
}

// formatToken renders a numeric, fixed-width token so tokens sort in issue order.
func formatToken(seq int) string {
	return fmt.Sprintf("%056d", seq)
}

func hashRecords(records []record.Record) uint64 {
	d := xxhash.New()
	for _, r := range records {
		_, _ = d.WriteString(strconv.FormatInt(r.Timestamp, 10))
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(r.Message)
		_, _ = d.WriteString("\x00")
	}
	return d.Sum64()
}

func validateBatch(records []record.Record) error {
	if len(records) == 0 {
		return errors.New("empty batch")
	}
	if len(records) > batcher.DefaultMaxItems {
		return fmt.Errorf("batch has %d events, limit %d", len(records), batcher.DefaultMaxItems)
	}
	size := 0
	for i, r := range records {
		size += len(r.Message) + batcher.DefaultItemOverhead
		if i > 0 && r.Timestamp < records[i-1].Timestamp {
			return fmt.Errorf("events not in chronological order at index %d", i)
		}
	}
	if size > batcher.DefaultMaxBytes {
		return fmt.Errorf("batch is %d bytes, limit %d", size, batcher.DefaultMaxBytes)
	}
	return nil
}
