package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"donationsync/internal/model"
	"donationsync/internal/notify"
	"donationsync/internal/syncerr"
)

// Cursor tracks whether history has been fully delivered for a binding.
type Cursor int

const (
	NotStarted Cursor = iota
	InProgress
	Complete
)

func (c Cursor) String() string {
	switch c {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("cursor(%d)", int(c))
	}
}

type dedupKey struct {
	txHash string
	kind   model.EventKind
}

// Gate is the single path from a binding to the notification sink. Live
// events that arrive before the cursor completes are buffered, and every
// (transaction hash, kind) pair is delivered at most once over the binding's
// lifetime. Sink calls happen under the gate lock.
type Gate struct {
	binding string
	sink    notify.Sink
	logger  *zap.Logger

	mu        sync.Mutex
	cursor    Cursor
	suspended bool
	seen      map[dedupKey]struct{}
	buffer    []model.DecodedEvent
}

func newGate(bindingID string, sink notify.Sink, logger *zap.Logger) *Gate {
	return &Gate{
		binding:   bindingID,
		sink:      sink,
		logger:    logger,
		suspended: true,
		seen:      make(map[dedupKey]struct{}),
	}
}

// Cursor returns the replay cursor.
func (g *Gate) Cursor() Cursor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cursor
}

// Pending returns the number of buffered live events.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buffer)
}

// Start opens the gate for a replay pass. The dedup set is kept, so events
// delivered before a disconnect are not delivered again.
func (g *Gate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursor = InProgress
	g.suspended = false
	g.buffer = nil
}

// DeliverReplay delivers a historical event unless ctx, the replay's context,
// is already done. It reports whether the sink saw the event.
func (g *Gate) DeliverReplay(ctx context.Context, ev model.DecodedEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended || g.cursor != InProgress || ctx.Err() != nil {
		return false
	}
	return g.deliverLocked(ev)
}

// DeliverLive delivers a live event, or buffers it while replay is running.
func (g *Gate) DeliverLive(ev model.DecodedEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return false
	}
	if g.cursor != Complete {
		g.buffer = append(g.buffer, ev)
		return false
	}
	return g.deliverLocked(ev)
}

// Complete marks history as delivered and flushes buffered live events in
// block order. It returns the number of flushed events.
func (g *Gate) Complete(ctx context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended || g.cursor != InProgress || ctx.Err() != nil {
		return 0
	}
	buffered := g.buffer
	g.buffer = nil
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].Before(buffered[j])
	})
	flushed := 0
	for _, ev := range buffered {
		if g.deliverLocked(ev) {
			flushed++
		}
	}
	g.cursor = Complete
	return flushed
}

// Suspend stops all deliveries and resets the cursor. Once Suspend returns,
// the sink sees nothing more until the next Start.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
	g.cursor = NotStarted
	g.buffer = nil
}

// ReportDecodeError forwards a live decode failure unless the gate is suspended.
func (g *Gate) ReportDecodeError(decodeErr model.DecodeError) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return
	}
	g.sink.OnDecodeError(decodeErr)
}

// ReportDropped surfaces a live subscription the node closed on its own.
func (g *Gate) ReportDropped(kind model.EventKind, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return
	}
	g.sink.OnStatus(fmt.Sprintf("Live %s updates stopped: %v", kind, err), syncerr.SeverityError)
}

func (g *Gate) deliverLocked(ev model.DecodedEvent) bool {
	key := dedupKey{txHash: ev.TxHash, kind: ev.Kind}
	if _, ok := g.seen[key]; ok {
		g.logger.Debug("duplicate event dropped",
			zap.String("binding", g.binding),
			zap.String("kind", string(ev.Kind)),
			zap.String("tx_hash", ev.TxHash),
		)
		return false
	}
	g.seen[key] = struct{}{}
	g.sink.OnEvent(ev)
	return true
}
