package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/contract"
	"donationsync/internal/model"
	"donationsync/internal/notify"
	"donationsync/internal/retry"
)

const liveBufferSize = 128

// TimestampSource resolves block timestamps for live events.
type TimestampSource interface {
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Subscriber is the ledger surface needed for live subscriptions.
type Subscriber interface {
	TimestampSource
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type key struct {
	binding string
	kind    model.EventKind
}

// Registry is the table of live subscription handles, keyed by binding and
// event kind. At most one handle is live per key.
type Registry struct {
	backend Subscriber
	policy  retry.Policy
	logger  *zap.Logger

	// writeMu serializes Attach and Detach so a key never holds two handles.
	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[key]*Handle
	gates   map[string]*Gate
}

// New builds an empty Registry.
func New(backend Subscriber, policy retry.Policy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		backend: backend,
		policy:  policy,
		logger:  logger,
		handles: make(map[key]*Handle),
		gates:   make(map[string]*Gate),
	}
}

// Gate returns the delivery gate of b, creating it on first use.
func (r *Registry) Gate(b *binding.Binding, sink notify.Sink) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[b.ID]; ok {
		return g
	}
	g := newGate(b.ID, sink, r.logger)
	r.gates[b.ID] = g
	return g
}

// Attach installs a live subscription for (b, kind). A handle already live for
// the key is detached, and its deliveries have stopped, before the new one is
// installed.
func (r *Registry) Attach(ctx context.Context, b *binding.Binding, kind model.EventKind, sink LiveSink) (*Handle, error) {
	if b == nil {
		return nil, fmt.Errorf("binding is nil")
	}
	topics := b.Descriptor.Topics(kind)
	if len(topics) == 0 {
		return nil, fmt.Errorf("no schema for event %s", kind)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	k := key{binding: b.ID, kind: kind}
	r.mu.Lock()
	stale := r.handles[k]
	delete(r.handles, k)
	r.mu.Unlock()
	if stale != nil {
		stale.detach()
		r.logger.Info("stale handle detached", zap.String("handle", stale.ID), zap.String("kind", string(kind)))
	}

	logs := make(chan types.Log, liveBufferSize)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{b.Address},
		Topics:    [][]common.Hash{topics},
	}
	sub, err := r.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:      uuid.NewString(),
		Binding: b.ID,
		Network: b.Network,
		Kind:    kind,
		sub:     sub,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p := &pump{
		handle:  h,
		logs:    logs,
		decoder: contract.NewDecoder(b.Descriptor),
		ts:      r.backend,
		policy:  r.policy,
		sink:    sink,
		logger:  r.logger.With(zap.String("binding", b.ID), zap.String("network", b.Network)),
		dropped: r.forget,
	}

	r.mu.Lock()
	r.handles[k] = h
	r.mu.Unlock()
	go p.run(pumpCtx)

	r.logger.Debug("handle attached", zap.String("handle", h.ID), zap.String("binding", b.ID), zap.String("kind", string(kind)))
	return h, nil
}

// Detach removes the handle for (b, kind), if any.
func (r *Registry) Detach(b *binding.Binding, kind model.EventKind) bool {
	if b == nil {
		return false
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	k := key{binding: b.ID, kind: kind}
	r.mu.Lock()
	h := r.handles[k]
	delete(r.handles, k)
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.detach()
	return true
}

// DetachAll removes every handle of b and suspends its gate. It is a no-op
// for a binding with no handles.
func (r *Registry) DetachAll(b *binding.Binding) int {
	if b == nil {
		return 0
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	var detached []*Handle
	for k, h := range r.handles {
		if k.binding == b.ID {
			detached = append(detached, h)
			delete(r.handles, k)
		}
	}
	gate := r.gates[b.ID]
	r.mu.Unlock()

	for _, h := range detached {
		h.detach()
	}
	if gate != nil {
		gate.Suspend()
	}
	if len(detached) > 0 {
		r.logger.Info("handles detached", zap.String("binding", b.ID), zap.Int("count", len(detached)))
	}
	return len(detached)
}

// Release detaches everything of b and forgets its gate. Call it before the
// binding is discarded.
func (r *Registry) Release(b *binding.Binding) {
	if b == nil {
		return
	}
	r.DetachAll(b)
	r.mu.Lock()
	delete(r.gates, b.ID)
	r.mu.Unlock()
}

// Live reports whether (b, kind) has a live handle.
func (r *Registry) Live(bindingID string, kind model.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[key{binding: bindingID, kind: kind}]
	return ok
}

// LiveCount returns the number of live handles of a binding.
func (r *Registry) LiveCount(bindingID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.handles {
		if k.binding == bindingID {
			n++
		}
	}
	return n
}

// CursorOf returns the replay cursor of a binding's gate.
func (r *Registry) CursorOf(bindingID string) Cursor {
	r.mu.Lock()
	g := r.gates[bindingID]
	r.mu.Unlock()
	if g == nil {
		return NotStarted
	}
	return g.Cursor()
}

// Len returns the number of live handles across all bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{binding: h.Binding, kind: h.Kind}
	if r.handles[k] == h {
		delete(r.handles, k)
	}
}
