package appender

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/felixnotka/trailship/pkg/batcher"
	"github.com/felixnotka/trailship/pkg/metrics"
	"github.com/felixnotka/trailship/pkg/sink"
	"github.com/felixnotka/trailship/pkg/stream"
	"github.com/felixnotka/trailship/pkg/tokenstore"
)

// Defaults for Options.
const (
	DefaultMaxTries   = 30
	DefaultMinDelay   = time.Second
	DefaultMaxDelay   = 5 * time.Second
	DefaultRatePerSec = 5
)

// ErrRetriesExhausted is the cause of a BatchError when the attempt ceiling
// was reached.
var ErrRetriesExhausted = errors.New("append attempts exhausted")

// Options tunes the engine.
type Options struct {
	// MaxTries bounds the append calls made for one batch.
	MaxTries int

	// MinDelay and MaxDelay bound the uniform jitter slept before retrying a
	// throttled or not-yet-visible stream.
	MinDelay time.Duration
	MaxDelay time.Duration

	// RatePerSec limits appends per stream. Zero disables limiting.
	RatePerSec float64

	// TokenTTL is stored with every persisted token.
	TokenTTL time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxTries:   DefaultMaxTries,
		MinDelay:   DefaultMinDelay,
		MaxDelay:   DefaultMaxDelay,
		RatePerSec: DefaultRatePerSec,
		TokenTTL:   tokenstore.DefaultTTL,
	}
}

// BatchError describes a batch the engine gave up on.
type BatchError struct {
	Stream   stream.ID
	Records  int
	Bytes    int
	First    int64
	Last     int64
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("appending %d records (%d bytes, %s..%s) to %s failed after %d attempts: %v",
		e.Records, e.Bytes,
		time.UnixMilli(e.First).UTC().Format(time.RFC3339), time.UnixMilli(e.Last).UTC().Format(time.RFC3339),
		e.Stream, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Engine appends batches to a sink while keeping the token store in step with
// the sink's continuation token. One Engine may serve many streams
// concurrently, but each stream must be driven by a single goroutine.
type Engine struct {
	Sink   sink.Sink
	Tokens tokenstore.Store
	Opts   Options

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[stream.ID]*rate.Limiter
}

// New creates an Engine. Zero option fields take their defaults, except
// RatePerSec where zero disables limiting.
func New(s sink.Sink, tokens tokenstore.Store, opts Options) *Engine {
	def := DefaultOptions()
	if opts.MaxTries <= 0 {
		opts.MaxTries = def.MaxTries
	}
	if opts.MinDelay < 0 {
		opts.MinDelay = 0
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = def.TokenTTL
	}
	return &Engine{
		Sink:     s,
		Tokens:   tokens,
		Opts:     opts,
		Sleep:    sleep,
		limiters: make(map[stream.ID]*rate.Limiter),
	}
}

// Append commits b to the stream. It returns nil once the sink holds the
// batch exactly once, a *BatchError when the batch was abandoned, or an error
// wrapping tokenstore.ErrUnavailable when the token store failed.
func (e *Engine) Append(ctx context.Context, id stream.ID, b batcher.Batch) error {
	log := logr.FromContextOrDiscard(ctx).WithName("appender").WithValues("stream", id.String())

	var (
		token    string
		stored   string
		resolved bool
		lastErr  error
		conflict int
	)

	for attempt := 1; attempt <= e.Opts.MaxTries; attempt++ {
		if !resolved {
			t, err := e.resolve(ctx, id)
			switch {
			case err == nil:
				token, stored, resolved = t, t, true
			case errors.Is(err, tokenstore.ErrUnavailable):
				return err
			case retryable(err):
				lastErr = err
				if err := e.backoff(ctx); err != nil {
					return e.fail(id, b, attempt, err)
				}
				continue
			default:
				return e.fail(id, b, attempt, err)
			}
		}

		if err := e.wait(ctx, id); err != nil {
			return e.fail(id, b, attempt, err)
		}

		next, err := e.Sink.Append(ctx, id, token, b.Records)
		if err == nil {
			metrics.AppendAttemptsTotal.WithLabelValues("success").Inc()
			metrics.BatchBytes.Observe(float64(b.Bytes))
			log.V(1).Info("appended batch", "records", b.Len(), "bytes", b.Bytes, "attempt", attempt)
			if next != stored && next != "" {
				if err := e.Tokens.Put(ctx, id, next, e.Opts.TokenTTL); err != nil {
					return fmt.Errorf("persisting token after append: %w", err)
				}
			}
			return nil
		}

		kind := sink.KindOf(err)
		metrics.AppendAttemptsTotal.WithLabelValues(kind.String()).Inc()
		lastErr = err

		switch kind {
		case sink.KindTokenConflict:
			conflict++
			var se *sink.Error
			errors.As(err, &se)

			if se.Accepted {
				// The sink already holds this batch from an earlier attempt
				// whose response was lost.
				log.Info("batch already accepted by sink", "records", b.Len(), "attempt", attempt)
				if _, err := e.reconcile(ctx, id, se.ExpectedToken); err != nil && errors.Is(err, tokenstore.ErrUnavailable) {
					return err
				}
				return nil
			}

			log.V(1).Info("token conflict, reconciling", "attempt", attempt, "hasExpected", se.ExpectedToken != "")
			t, err := e.reconcile(ctx, id, se.ExpectedToken)
			switch {
			case err == nil:
				token, stored = t, t
			case errors.Is(err, tokenstore.ErrUnavailable):
				return err
			case retryable(err):
				resolved = false
			default:
				return e.fail(id, b, attempt, err)
			}
			// Back off when another writer keeps winning the race.
			if conflict > 1 || !resolved {
				if err := e.backoff(ctx); err != nil {
					return e.fail(id, b, attempt, err)
				}
			}

		case sink.KindThrottled, sink.KindNotFound:
			log.V(1).Info("append not accepted, backing off", "kind", kind.String(), "attempt", attempt)
			if err := e.backoff(ctx); err != nil {
				return e.fail(id, b, attempt, err)
			}

		default:
			return e.fail(id, b, attempt, err)
		}
	}

	return e.fail(id, b, e.Opts.MaxTries, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
}

// resolve returns the token the next append should present: the stored token
// if live, otherwise the sink's view, which is then stored.
func (e *Engine) resolve(ctx context.Context, id stream.ID) (string, error) {
	entry, ok, err := e.Tokens.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if ok {
		return entry.Token, nil
	}

	metrics.TokenResyncsTotal.WithLabelValues("miss").Inc()
	return e.describe(ctx, id)
}

// reconcile adopts the sink's authoritative token, preferring the one carried
// by the conflict.
func (e *Engine) reconcile(ctx context.Context, id stream.ID, expected string) (string, error) {
	if expected == "" {
		metrics.TokenResyncsTotal.WithLabelValues("conflict").Inc()
		return e.describe(ctx, id)
	}
	if err := e.Tokens.Put(ctx, id, expected, e.Opts.TokenTTL); err != nil {
		return "", fmt.Errorf("persisting reconciled token: %w", err)
	}
	return expected, nil
}

// describe reads the upload token from the sink and writes it through to the
// store. A stream with no token (never written, or not visible yet) clears
// the stored entry.
func (e *Engine) describe(ctx context.Context, id stream.ID) (string, error) {
	info, err := e.Sink.DescribeStream(ctx, id)
	if err != nil && sink.KindOf(err) != sink.KindNotFound {
		return "", fmt.Errorf("describing stream: %w", err)
	}

	if info.UploadToken == "" {
		if err := e.Tokens.Delete(ctx, id); err != nil {
			return "", fmt.Errorf("clearing token: %w", err)
		}
		return "", nil
	}
	if err := e.Tokens.Put(ctx, id, info.UploadToken, e.Opts.TokenTTL); err != nil {
		return "", fmt.Errorf("persisting described token: %w", err)
	}
	return info.UploadToken, nil
}

func (e *Engine) fail(id stream.ID, b batcher.Batch, attempts int, err error) error {
	metrics.BatchesFailedTotal.Inc()
	first, last := b.TimeRange()
	return &BatchError{
		Stream:   id,
		Records:  b.Len(),
		Bytes:    b.Bytes,
		First:    first,
		Last:     last,
		Attempts: attempts,
		Err:      err,
	}
}

func (e *Engine) backoff(ctx context.Context) error {
	d := e.Opts.MinDelay
	if spread := e.Opts.MaxDelay - e.Opts.MinDelay; spread > 0 {
		d += rand.N(spread + 1)
	}
	return e.Sleep(ctx, d)
}

// ResetLimiters drops the per-stream rate limiters.
func (e *Engine) ResetLimiters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.limiters)
}

func (e *Engine) wait(ctx context.Context, id stream.ID) error {
	if e.Opts.RatePerSec <= 0 {
		return nil
	}
	e.mu.Lock()
	l, ok := e.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.Opts.RatePerSec), 1)
		e.limiters[id] = l
	}
	e.mu.Unlock()
	return l.Wait(ctx)
}

func retryable(err error) bool {
	switch sink.KindOf(err) {
	case sink.KindThrottled, sink.KindNotFound:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
