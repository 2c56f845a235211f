package batcher

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/felixnotka/trailship/pkg/record"
)

// PutLogEvents hard limits. The byte size of a batch is the sum of all
// messages in UTF-8 plus a fixed overhead per event.
const (
	DefaultMaxBytes     = 1048576
	DefaultMaxItems     = 10000
	DefaultItemOverhead = 26
)

// Limits bounds the size of a single batch.
type Limits struct {
	MaxBytes     int
	MaxItems     int
	ItemOverhead int
}

// DefaultLimits returns the CloudWatch Logs PutLogEvents limits.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:     DefaultMaxBytes,
		MaxItems:     DefaultMaxItems,
		ItemOverhead: DefaultItemOverhead,
	}
}

// Batch is an ordered group of records destined for one append call.
type Batch struct {
	Records []record.Record

	// Bytes is the projected size including per-item overhead.
	Bytes int
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// TimeRange returns the first and last record timestamps (epoch millis).
func (b Batch) TimeRange() (first, last int64) {
	if len(b.Records) == 0 {
		return 0, 0
	}
	return b.Records[0].Timestamp, b.Records[len(b.Records)-1].Timestamp
}

// RecordTooLargeError reports a record that can never fit in a batch.
type RecordTooLargeError struct {
	Index int
	Size  int
	Limit int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("record %d is %d bytes, exceeds batch limit of %d bytes", e.Index, e.Size, e.Limit)
}

// Batcher packs records into batches that honour Limits.
type Batcher struct {
	Limits Limits
}

// New creates a Batcher. A zero Limits selects the defaults; otherwise
// zero-valued MaxBytes or MaxItems fall back to their default.
func New(limits Limits) *Batcher {
	def := DefaultLimits()
	if limits == (Limits{}) {
		return &Batcher{Limits: def}
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = def.MaxBytes
	}
	if limits.MaxItems <= 0 {
		limits.MaxItems = def.MaxItems
	}
	if limits.ItemOverhead < 0 {
		limits.ItemOverhead = 0
	}
	return &Batcher{Limits: limits}
}

// Size returns the projected size of a record inside a batch.
func (b *Batcher) Size(r record.Record) int {
	return len(r.Message) + b.Limits.ItemOverhead
}

// Batches returns a lazy sequence of batches for records of a single
// destination stream.
//
// Records are stable-sorted by timestamp, so input already in source order is
// never reordered and equal timestamps keep their relative order. The input
// slice is not modified. Every record is size-checked before the first batch
// is produced: if one record exceeds the byte limit, the sequence yields only
// a *RecordTooLargeError and nothing is shipped.
func (b *Batcher) Batches(records []record.Record) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		if len(records) == 0 {
			return
		}

		sorted := slices.Clone(records)
		slices.SortStableFunc(sorted, func(x, y record.Record) int {
			return cmp.Compare(x.Timestamp, y.Timestamp)
		})

		for i, r := range sorted {
			if size := b.Size(r); size > b.Limits.MaxBytes {
				yield(Batch{}, &RecordTooLargeError{Index: i, Size: size, Limit: b.Limits.MaxBytes})
				return
			}
		}

		var cur Batch
		for _, r := range sorted {
			size := b.Size(r)
			if len(cur.Records) > 0 &&
				(len(cur.Records)+1 > b.Limits.MaxItems || cur.Bytes+size > b.Limits.MaxBytes) {
				if !yield(cur, nil) {
					return
				}
				cur = Batch{}
			}
			cur.Records = append(cur.Records, r)
			cur.Bytes += size
		}
		if len(cur.Records) > 0 {
			yield(cur, nil)
		}
	}
}
