package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/felixnotka/trailship/pkg/metrics"
	"github.com/felixnotka/trailship/pkg/stream"
)

// DefaultTopic receives dead letters when no topic is configured.
const DefaultTopic = "trailship-dead-letter"

// Record describes a source object whose records did not reach the sink.
// It carries enough to replay the object by hand.
type Record struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"requestId,omitempty"`
	Group     string    `json:"logGroup"`
	Stream    string    `json:"logStream"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Records   int       `json:"records"`
	Shipped   int       `json:"shipped"`
	Reason    string    `json:"reason"`
}

// New returns a Record with a fresh id and timestamp.
func New(id stream.ID, bucket, key string, reason error) Record {
	return Record{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Group:  id.Group,
		Stream: id.Name,
		Bucket: bucket,
		Key:    key,
		Reason: reason.Error(),
	}
}

// Sink publishes dead letters.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// LogSink writes dead letters to the log. It is used when no broker is
// configured.
type LogSink struct{}

func (LogSink) Publish(ctx context.Context, rec Record) error {
	logr.FromContextOrDiscard(ctx).WithName("deadletter").Info("dead letter",
		"id", rec.ID, "logGroup", rec.Group, "logStream", rec.Stream,
		"bucket", rec.Bucket, "key", rec.Key,
		"records", rec.Records, "shipped", rec.Shipped, "reason", rec.Reason)
	metrics.DeadLettersTotal.WithLabelValues("log").Inc()
	return nil
}

func (LogSink) Close() error { return nil }

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes dead letters as JSON to a Kafka topic, keyed by
// destination stream so letters for one stream stay ordered.
type KafkaSink struct {
	Writer MessageWriter
}

// NewKafkaSink creates a KafkaSink writing synchronously to topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{Writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	if err := k.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Group + ":" + rec.Stream),
		Value: data,
	}); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", rec.ID, err)
	}
	metrics.DeadLettersTotal.WithLabelValues("kafka").Inc()
	return nil
}

func (k *KafkaSink) Close() error { return k.Writer.Close() }

// MemorySink collects dead letters for tests.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Publish(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns the published dead letters.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
