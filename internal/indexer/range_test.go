package indexer

import (
	"math"
	"reflect"
	"testing"
)

func TestSplitRange(t *testing.T) {
	cases := []struct {
		name      string
		from, to  uint64
		batchSize uint64
		want      []BlockRange
	}{
		{
			name: "even batches", from: 0, to: 5, batchSize: 2,
			want: []BlockRange{{From: 0, To: 1}, {From: 2, To: 3}, {From: 4, To: 5}},
		},
		{
			name: "short tail", from: 10, to: 14, batchSize: 3,
			want: []BlockRange{{From: 10, To: 12}, {From: 13, To: 14}},
		},
		{
			name: "single block", from: 7, to: 7, batchSize: 2000,
			want: []BlockRange{{From: 7, To: 7}},
		},
		{
			name: "ends at max block", from: math.MaxUint64 - 2, to: math.MaxUint64, batchSize: 2,
			want: []BlockRange{{From: math.MaxUint64 - 2, To: math.MaxUint64 - 1}, {From: math.MaxUint64, To: math.MaxUint64}},
		},
	}

	for _, tc := range cases {
		got, err := SplitRange(tc.from, tc.to, tc.batchSize)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: ranges mismatch: %+v != %+v", tc.name, got, tc.want)
		}
	}
}

func TestBatchesAreLazy(t *testing.T) {
	b, err := newBatches(0, 1_000_000, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, ok := b.Next()
	if !ok || first != (BlockRange{From: 0, To: 999}) || first.Len() != 1000 {
		t.Fatalf("unexpected first window: %+v", first)
	}
	if b.next != 1000 {
		t.Fatalf("only one window should be planned, next=%d", b.next)
	}

	var nilBatches *batches
	if _, ok := nilBatches.Next(); ok {
		t.Fatalf("nil batches should be empty")
	}
}

func TestSplitRangeInvalid(t *testing.T) {
	if _, err := SplitRange(10, 9, 1); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := SplitRange(1, 10, 0); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}
