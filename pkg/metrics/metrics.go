package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds every trailship collector. It is private to the process so
// pushes carry only shipper metrics.
var Registry = prometheus.NewRegistry()

var (
	// ObjectsProcessedTotal is the number of S3 notifications handled, by result
	// (shipped, skipped, failed).
	ObjectsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "objects_processed_total",
			Help:      "S3 notifications handled.",
		},
		[]string{"category", "result"},
	)

	// ObjectsSkippedTotal is the number of notifications skipped, by reason.
	ObjectsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "objects_skipped_total",
			Help:      "Notifications skipped before shipping.",
		},
		[]string{"reason"},
	)

	// RecordsShippedTotal is the number of records committed to the sink.
	RecordsShippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "records_shipped_total",
			Help:      "Records committed to CloudWatch Logs.",
		},
		[]string{"log_group"},
	)

	// AppendAttemptsTotal is the number of append calls, by outcome kind.
	AppendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "append_attempts_total",
			Help:      "Append calls issued to the sink, by outcome.",
		},
		[]string{"outcome"},
	)

	// BatchesFailedTotal is the number of batches abandoned by the append engine.
	BatchesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "batches_failed_total",
			Help:      "Batches abandoned after exhausting retries or on a fatal error.",
		},
	)

	// TokenResyncsTotal is the number of times the token was re-read from the
	// sink, by trigger (miss, conflict).
	TokenResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "token_resyncs_total",
			Help:      "Continuation token resynchronisations from the sink.",
		},
		[]string{"trigger"},
	)

	// StreamsCreatedTotal is the number of log streams created.
	StreamsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "streams_created_total",
			Help:      "Log streams created by the registrar.",
		},
	)

	// DeadLettersTotal is the number of dead letters published, by sink.
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trailship",
			Name:      "dead_letters_total",
			Help:      "Dead letters published for abandoned streams.",
		},
		[]string{"sink"},
	)

	// BatchBytes is the payload size of appended batches.
	BatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trailship",
			Name:      "batch_bytes",
			Help:      "Accounted size of batches appended to the sink.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// InvocationSeconds is the duration of one Lambda invocation.
	InvocationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trailship",
			Name:      "invocation_seconds",
			Help:      "End-to-end duration of one invocation.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		ObjectsProcessedTotal,
		ObjectsSkippedTotal,
		RecordsShippedTotal,
		AppendAttemptsTotal,
		BatchesFailedTotal,
		TokenResyncsTotal,
		StreamsCreatedTotal,
		DeadLettersTotal,
		BatchBytes,
		InvocationSeconds,
	)
}

// Push sends the current contents of Registry to a Prometheus Pushgateway,
// grouped by job and instance. Lambda containers are short lived, so nothing
// scrapes them.
func Push(ctx context.Context, url, job, instance string) error {
	p := push.New(url, job).Gatherer(Registry)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
