package indexer

import "fmt"

// BlockRange is an inclusive span of blocks covered by one log query.
type BlockRange struct {
	From uint64
	To   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	return r.To - r.From + 1
}

// batches walks [from, to] in windows of at most size blocks. Windows are
// produced on demand so a cancelled replay never plans past where it stopped.
type batches struct {
	next uint64
	to   uint64
	size uint64
	done bool
}

func newBatches(from, to, size uint64) (*batches, error) {
	if size == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}
	return &batches{next: from, to: to, size: size}, nil
}

// Next returns the next window, or false once to has been covered.
func (b *batches) Next() (BlockRange, bool) {
	if b == nil || b.done {
		return BlockRange{}, false
	}
	end := b.to
	if b.to-b.next >= b.size {
		end = b.next + b.size - 1
	}
	r := BlockRange{From: b.next, To: end}
	if end == b.to {
		b.done = true
	} else {
		b.next = end + 1
	}
	return r, true
}

// SplitRange lists every window of [from, to] at once.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	b, err := newBatches(from, to, batchSize)
	if err != nil {
		return nil, err
	}
	var ranges []BlockRange
	for r, ok := b.Next(); ok; r, ok = b.Next() {
		ranges = append(ranges, r)
	}
	return ranges, nil
}
