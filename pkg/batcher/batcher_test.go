package batcher

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/felixnotka/trailship/pkg/record"
)

func makeRecords(n, msgLen int, ts func(i int) int64) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{Timestamp: ts(i), Message: strings.Repeat("x", msgLen)}
	}
	return out
}

func collect(t *testing.T, b *Batcher, records []record.Record) ([]Batch, error) {
	t.Helper()
	var batches []Batch
	for batch, err := range b.Batches(records) {
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func TestBatches(t *testing.T) {
	tests := []struct {
		name        string
		limits      Limits
		records     []record.Record
		wantBatches []int // records per batch
	}{
		{
			name:        "no records",
			limits:      DefaultLimits(),
			records:     nil,
			wantBatches: nil,
		},
		{
			name:        "single small batch",
			limits:      DefaultLimits(),
			records:     makeRecords(3, 50, func(i int) int64 { return 1000 }),
			wantBatches: []int{3},
		},
		{
			name:        "split on item count",
			limits:      Limits{MaxBytes: 1 << 20, MaxItems: 4, ItemOverhead: 26},
			records:     makeRecords(10, 10, func(i int) int64 { return int64(i) }),
			wantBatches: []int{4, 4, 2},
		},
		{
			name: "split on byte size",
			// each record = 74 + 26 = 100 bytes, 3 fit in 300.
			limits:      Limits{MaxBytes: 300, MaxItems: 100, ItemOverhead: 26},
			records:     makeRecords(7, 74, func(i int) int64 { return int64(i) }),
			wantBatches: []int{3, 3, 1},
		},
		{
			name:        "exact byte fit stays in one batch",
			limits:      Limits{MaxBytes: 200, MaxItems: 100, ItemOverhead: 0},
			records:     makeRecords(2, 100, func(i int) int64 { return 0 }),
			wantBatches: []int{2},
		},
		{
			name:        "25000 records respect item ceiling",
			limits:      DefaultLimits(),
			records:     makeRecords(25000, 50, func(i int) int64 { return int64(i) }),
			wantBatches: []int{10000, 10000, 5000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.limits)
			batches, err := collect(t, b, tt.records)
			if err != nil {
				t.Fatalf("Batches() error = %v", err)
			}
			var got []int
			for _, batch := range batches {
				got = append(got, batch.Len())
			}
			if diff := cmp.Diff(tt.wantBatches, got); diff != "" {
				t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBatchesSortedAndBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	limits := Limits{MaxBytes: 4096, MaxItems: 50, ItemOverhead: 26}
	b := New(limits)

	for round := 0; round < 20; round++ {
		n := rng.IntN(500)
		records := make([]record.Record, n)
		for i := range records {
			records[i] = record.Record{
				Timestamp: rng.Int64N(10_000),
				Message:   strings.Repeat("m", 1+rng.IntN(300)),
			}
		}

		batches, err := collect(t, b, records)
		if err != nil {
			t.Fatalf("round %d: Batches() error = %v", round, err)
		}

		total := 0
		var prev int64 = -1
		for i, batch := range batches {
			if batch.Len() > limits.MaxItems {
				t.Errorf("round %d batch %d: %d items > %d", round, i, batch.Len(), limits.MaxItems)
			}
			size := 0
			for _, r := range batch.Records {
				size += len(r.Message) + limits.ItemOverhead
				if r.Timestamp < prev {
					t.Errorf("round %d batch %d: timestamp %d after %d", round, i, r.Timestamp, prev)
				}
				prev = r.Timestamp
			}
			if size > limits.MaxBytes {
				t.Errorf("round %d batch %d: %d bytes > %d", round, i, size, limits.MaxBytes)
			}
			if size != batch.Bytes {
				t.Errorf("round %d batch %d: Bytes = %d, computed %d", round, i, batch.Bytes, size)
			}
			total += batch.Len()
		}
		if total != n {
			t.Errorf("round %d: %d records in batches, want %d", round, total, n)
		}
	}
}

func TestBatchesStableForEqualTimestamps(t *testing.T) {
	records := []record.Record{
		{Timestamp: 5, Message: "a"},
		{Timestamp: 5, Message: "b"},
		{Timestamp: 1, Message: "c"},
		{Timestamp: 5, Message: "d"},
	}
	batches, err := collect(t, New(DefaultLimits()), records)
	if err != nil {
		t.Fatalf("Batches() error = %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	var got []string
	for _, r := range batches[0].Records {
		got = append(got, r.Message)
	}
	if diff := cmp.Diff([]string{"c", "a", "b", "d"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	// Input must not be mutated.
	if records[0].Message != "a" || records[2].Message != "c" {
		t.Error("Batches() reordered the caller's slice")
	}
}

func TestBatchesRecordTooLarge(t *testing.T) {
	limits := Limits{MaxBytes: 100, MaxItems: 10, ItemOverhead: 26}
	records := []record.Record{
		{Timestamp: 1, Message: "ok"},
		{Timestamp: 2, Message: strings.Repeat("x", 75)},
	}

	batches, err := collect(t, New(limits), records)
	var tooLarge *RecordTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Batches() error = %v, want *RecordTooLargeError", err)
	}
	if tooLarge.Index != 1 || tooLarge.Size != 101 || tooLarge.Limit != 100 {
		t.Errorf("unexpected error fields: %+v", tooLarge)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches before the error, want 0", len(batches))
	}
}

func TestBatchesEarlyStop(t *testing.T) {
	b := New(Limits{MaxBytes: 1 << 20, MaxItems: 1, ItemOverhead: 0})
	records := makeRecords(5, 1, func(i int) int64 { return int64(i) })

	seen := 0
	for _, err := range b.Batches(records) {
		if err != nil {
			t.Fatal(err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("iterated %d batches, want 2", seen)
	}
}

func TestBatchTimeRange(t *testing.T) {
	b := Batch{Records: []record.Record{{Timestamp: 3}, {Timestamp: 9}}}
	first, last := b.TimeRange()
	if first != 3 || last != 9 {
		t.Errorf("TimeRange() = %d, %d, want 3, 9", first, last)
	}
	first, last = Batch{}.TimeRange()
	if first != 0 || last != 0 {
		t.Errorf("empty TimeRange() = %d, %d", first, last)
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(Limits{})
	if diff := cmp.Diff(DefaultLimits(), b.Limits); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}
