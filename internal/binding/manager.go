package binding

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"donationsync/internal/contract"
	"donationsync/internal/retry"
	"donationsync/internal/syncerr"
)

// Manager owns the current binding. At most one binding is current at a time.
type Manager struct {
	desc    *contract.Descriptor
	backend Backend
	reader  *Reader
	policy  retry.Policy
	logger  *zap.Logger

	mu      sync.Mutex
	current *Binding
}

// NewManager builds a Manager over the contract descriptor.
func NewManager(desc *contract.Descriptor, backend Backend, policy retry.Policy, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		desc:    desc,
		backend: backend,
		reader:  NewReader(backend, policy, logger),
		policy:  policy,
		logger:  logger,
	}
}

// Reader returns the metadata reader used by the manager.
func (m *Manager) Reader() *Reader {
	return m.reader
}

// Current returns the current binding, or nil.
func (m *Manager) Current() *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire returns the binding for network, creating it when none exists.
// An existing binding for the same network is returned as is, stale or not,
// without reading deployment metadata again.
func (m *Manager) Acquire(ctx context.Context, network string) (*Binding, error) {
	m.mu.Lock()
	if cur := m.current; cur != nil && cur.Network == network {
		wasStale := cur.stale.Swap(false)
		m.mu.Unlock()
		m.logger.Debug("reuse binding", zap.String("binding", cur.ID), zap.String("network", network), zap.Bool("was_stale", wasStale))
		return cur, nil
	}
	m.mu.Unlock()

	address, ok := m.desc.Address(network)
	if !ok {
		return nil, syncerr.NotDeployed(network, "no deployment recorded in artifact")
	}

	var code []byte
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		var err error
		code, err = m.backend.CodeAt(ctx, address, nil)
		if err != nil {
			m.logger.Warn("code lookup failed", zap.String("network", network), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("code at %s: %w", address.Hex(), err)
	}
	if len(code) == 0 {
		return nil, syncerr.NotDeployed(network, "no contract code at "+address.Hex())
	}

	b := &Binding{
		ID:         uuid.NewString(),
		Network:    network,
		Address:    address,
		Descriptor: m.desc,
	}
	snap, err := m.reader.Refresh(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	b.Snapshot = snap

	m.mu.Lock()
	prev := m.current
	m.current = b
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("binding replaced", zap.String("previous", prev.ID), zap.String("previous_network", prev.Network))
	}
	m.logger.Info("binding acquired",
		zap.String("binding", b.ID),
		zap.String("network", network),
		zap.String("contract", address.Hex()),
		zap.Uint64("block", snap.Block),
	)
	return b, nil
}

// MarkStale flags the current binding as stale. It stays current.
func (m *Manager) MarkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.stale.Store(true)
	}
}

// Discard drops the current binding. Subscriptions must be detached first.
func (m *Manager) Discard() *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = nil
	return prev
}
