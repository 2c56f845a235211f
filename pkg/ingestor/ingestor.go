package ingestor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/felixnotka/trailship/pkg/appender"
	"github.com/felixnotka/trailship/pkg/batcher"
	"github.com/felixnotka/trailship/pkg/deadletter"
	"github.com/felixnotka/trailship/pkg/metrics"
	"github.com/felixnotka/trailship/pkg/objectstore"
	"github.com/felixnotka/trailship/pkg/record"
	"github.com/felixnotka/trailship/pkg/registrar"
	"github.com/felixnotka/trailship/pkg/stream"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

// DefaultConcurrency is the number of streams shipped in parallel.
const DefaultConcurrency = 4

// errStreamAbandoned marks objects left unshipped because an earlier object
// of the same stream failed to append.
var errStreamAbandoned = errors.New("stream abandoned after an earlier append failure")

// Notification is one S3 object to ship. Key is already URL-decoded.
type Notification struct {
	Bucket string
	Key    string
}

// Status is the outcome for one notification.
type Status string

const (
	StatusShipped Status = "shipped"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// ObjectResult is the outcome for one notification.
type ObjectResult struct {
	Bucket  string
	Key     string
	Stream  stream.ID
	Status  Status
	Reason  SkipReason
	Total   int
	Records int
	Batches int
	Err     error
}

// Report summarises one invocation. Objects are in notification order.
type Report struct {
	Objects []ObjectResult

	// Created lists the streams this invocation created.
	Created []stream.ID
}

// Count returns the number of objects with the given status.
func (r Report) Count(s Status) int {
	n := 0
	for _, o := range r.Objects {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Records returns the number of records shipped.
func (r Report) Records() int {
	n := 0
	for _, o := range r.Objects {
		n += o.Records
	}
	return n
}

// Degraded reports whether any object failed.
func (r Report) Degraded() bool { return r.Count(StatusFailed) > 0 }

// Ingestor ships the records of S3 objects to their destination streams.
type Ingestor struct {
	Objects     objectstore.Store
	Classifier  *Classifier
	Registrar   *registrar.Registrar
	Batcher     *batcher.Batcher
	Engine      *appender.Engine
	DeadLetters deadletter.Sink

	// Concurrency bounds the streams processed in parallel.
	Concurrency int
}

// Handle ships every object of an S3 event. It returns an error only when the
// invocation as a whole should be retried: the object store or the token
// store could not be reached, or ctx ended. Per-object failures are in the
// report.
func (in *Ingestor) Handle(ctx context.Context, event events.S3Event) (Report, error) {
	log := logr.FromContextOrDiscard(ctx).WithName("ingestor")

	notes := make([]Notification, 0, len(event.Records))
	for _, r := range event.Records {
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			log.Info("could not decode object key, using it verbatim", "key", r.S3.Object.Key, "error", err.Error())
			key = r.S3.Object.Key
		}
		notes = append(notes, Notification{Bucket: r.S3.Bucket.Name, Key: key})
	}
	return in.Process(ctx, notes)
}

type streamWork struct {
	id      stream.ID
	indexes []int
}

// Process ships notes. Objects of one stream are shipped sequentially in
// order; distinct streams run in parallel.
func (in *Ingestor) Process(ctx context.Context, notes []Notification) (Report, error) {
	start := time.Now()
	log := logr.FromContextOrDiscard(ctx).WithName("ingestor")
	defer func() { metrics.InvocationSeconds.Observe(time.Since(start).Seconds()) }()

	// Rate limiters only pace appends within one invocation.
	in.Engine.ResetLimiters()

	report := Report{Objects: make([]ObjectResult, len(notes))}
	categories := make([]stream.Category, len(notes))

	var work []*streamWork
	byStream := make(map[stream.ID]*streamWork)
	for i, n := range notes {
		res := &report.Objects[i]
		res.Bucket, res.Key = n.Bucket, n.Key

		target, reason := in.Classifier.Classify(n.Key)
		if reason != SkipNone {
			res.Status, res.Reason = StatusSkipped, reason
			metrics.ObjectsSkippedTotal.WithLabelValues(string(reason)).Inc()
			log.V(1).Info("skipping object", "bucket", n.Bucket, "key", n.Key, "reason", string(reason))
			continue
		}
		res.Stream = target.Stream
		categories[i] = target.Category

		w, ok := byStream[target.Stream]
		if !ok {
			w = &streamWork{id: target.Stream}
			byStream[target.Stream] = w
			work = append(work, w)
		}
		w.indexes = append(w.indexes, i)
	}

	created := make([]bool, len(work))
	g, gctx := errgroup.WithContext(ctx)
	limit := in.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for wi, w := range work {
		g.Go(func() error {
			// Each goroutine writes only its own report slots.
			c, err := in.shipStream(gctx, w, report.Objects)
			created[wi] = c
			return err
		})
	}
	err := g.Wait()

	for wi, w := range work {
		if created[wi] {
			report.Created = append(report.Created, w.id)
		}
	}
	for i, o := range report.Objects {
		if o.Status == "" {
			// Never reached because the invocation aborted.
			report.Objects[i].Status = StatusFailed
			report.Objects[i].Err = context.Canceled
		}
		if report.Objects[i].Status != StatusSkipped {
			metrics.ObjectsProcessedTotal.WithLabelValues(string(categories[i]), string(report.Objects[i].Status)).Inc()
		}
	}

	log.Info("invocation finished",
		"objects", len(notes),
		"shipped", report.Count(StatusShipped),
		"skipped", report.Count(StatusSkipped),
		"failed", report.Count(StatusFailed),
		"records", report.Records(),
		"streamsCreated", len(report.Created),
		"duration", time.Since(start).String())

	return report, err
}

// shipStream drives one stream. It returns an error only for conditions that
// abort the invocation.
func (in *Ingestor) shipStream(ctx context.Context, w *streamWork, results []ObjectResult) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	log := logr.FromContextOrDiscard(ctx).WithName("ingestor").WithValues("stream", w.id.String())
	ctx = logr.NewContext(ctx, log)

	created, err := in.Registrar.Ensure(ctx, w.id)
	if err != nil {
		if errors.Is(err, tokenstore.ErrUnavailable) {
			return created, err
		}
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		log.Error(err, "could not ensure log stream, abandoning its objects", "objects", len(w.indexes))
		for _, i := range w.indexes {
			in.abandon(ctx, &results[i], err)
		}
		return created, nil
	}

	for n, i := range w.indexes {
		res := &results[i]
		err := in.shipObject(ctx, w.id, res)
		switch {
		case err == nil:
			continue
		case errors.Is(err, objectstore.ErrNotFound):
			res.Status, res.Reason = StatusSkipped, SkipNotFound
			metrics.ObjectsSkippedTotal.WithLabelValues(string(SkipNotFound)).Inc()
			log.Info("object no longer exists, skipping", "bucket", res.Bucket, "key", res.Key)
		case errors.Is(err, objectstore.ErrUnavailable), errors.Is(err, tokenstore.ErrUnavailable):
			res.Status, res.Err = StatusFailed, err
			return created, err
		case ctx.Err() != nil:
			// The invocation is aborting and the event will be redelivered,
			// so nothing here is a dead letter.
			for _, j := range w.indexes[n:] {
				results[j].Status, results[j].Err = StatusFailed, ctx.Err()
			}
			return created, ctx.Err()
		default:
			var be *appender.BatchError
			if !errors.As(err, &be) {
				// Unreadable objects and content only lose this object.
				log.Error(err, "could not ship object", "bucket", res.Bucket, "key", res.Key)
				in.abandon(ctx, res, err)
				continue
			}

			// Later objects would land out of order behind the missing batch.
			log.Error(err, "append failed, abandoning stream for this invocation",
				"bucket", res.Bucket, "key", res.Key, "remaining", len(w.indexes)-n-1)
			in.abandon(ctx, res, err)
			for _, j := range w.indexes[n+1:] {
				in.abandon(ctx, &results[j], fmt.Errorf("%w: %w", errStreamAbandoned, err))
			}
			return created, nil
		}
	}
	return created, nil
}

func (in *Ingestor) shipObject(ctx context.Context, id stream.ID, res *ObjectResult) error {
	log := logr.FromContextOrDiscard(ctx)

	data, err := in.Objects.Get(ctx, res.Bucket, res.Key)
	if err != nil {
		return err
	}
	records, err := record.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding s3://%s/%s: %w", res.Bucket, res.Key, err)
	}
	res.Total = len(records)

	for b, err := range in.Batcher.Batches(records) {
		if err != nil {
			return fmt.Errorf("batching s3://%s/%s: %w", res.Bucket, res.Key, err)
		}
		if err := in.Engine.Append(ctx, id, b); err != nil {
			return err
		}
		res.Records += b.Len()
		res.Batches++
		metrics.RecordsShippedTotal.WithLabelValues(id.Group).Add(float64(b.Len()))
	}

	res.Status = StatusShipped
	log.V(1).Info("shipped object", "bucket", res.Bucket, "key", res.Key, "records", res.Records, "batches", res.Batches)
	return nil
}

// abandon marks res failed and publishes a dead letter for it.
func (in *Ingestor) abandon(ctx context.Context, res *ObjectResult, cause error) {
	res.Status, res.Err = StatusFailed, cause
	if in.DeadLetters == nil {
		return
	}
	rec := deadletter.New(res.Stream, res.Bucket, res.Key, cause)
	rec.Records, rec.Shipped = res.Total, res.Records
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		rec.RequestID = lc.AwsRequestID
	}
	if err := in.DeadLetters.Publish(ctx, rec); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "could not publish dead letter", "key", res.Key)
	}
}
