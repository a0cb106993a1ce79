// Package provider turns wallet/node lifecycle into connect, disconnect,
// accounts-changed and chain-changed signals.
package provider

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
)

const hubBuffer = 32

// Handler receives provider signals. A Hub holds exactly one Handler.
type Handler interface {
	OnConnect(network string)
	OnDisconnect(reason string)
	OnAccountsChanged(accounts []common.Address)
	OnChainChanged(network string)
}

// Kind names a provider signal.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindDisconnect      Kind = "disconnect"
	KindAccountsChanged Kind = "accountsChanged"
	KindChainChanged    Kind = "chainChanged"
)

// Signal is one provider lifecycle signal.
type Signal struct {
	Kind     Kind
	Network  string
	Reason   string
	Accounts []common.Address
}

// Hub fans provider signals out to the registered handler, in emission order.
type Hub struct {
	feed   event.Feed
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	sub     event.Subscription
	done    chan struct{}
}

// NewHub builds a Hub with no handler.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger}
}

// Register installs handler for every signal type, replacing any handler
// registered before. Registering the current handler again is a no-op.
func (h *Hub) Register(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handler == nil || handler == h.handler {
		return
	}
	h.unregisterLocked()

	ch := make(chan Signal, hubBuffer)
	sub := h.feed.Subscribe(ch)
	done := make(chan struct{})
	h.handler = handler
	h.sub = sub
	h.done = done

	go func() {
		defer close(done)
		for {
			select {
			case sig := <-ch:
				dispatch(handler, sig)
			case <-sub.Err():
				return
			}
		}
	}()
}

// Unregister removes the handler. Once it returns the handler is not called again.
func (h *Hub) Unregister() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked()
}

func (h *Hub) unregisterLocked() {
	if h.sub == nil {
		return
	}
	h.sub.Unsubscribe()
	<-h.done
	h.sub = nil
	h.done = nil
	h.handler = nil
}

func dispatch(handler Handler, sig Signal) {
	switch sig.Kind {
	case KindConnect:
		handler.OnConnect(sig.Network)
	case KindDisconnect:
		handler.OnDisconnect(sig.Reason)
	case KindAccountsChanged:
		handler.OnAccountsChanged(sig.Accounts)
	case KindChainChanged:
		handler.OnChainChanged(sig.Network)
	}
}

func (h *Hub) emit(sig Signal) {
	if n := h.feed.Send(sig); n == 0 {
		h.logger.Debug("signal dropped, no handler", zap.String("signal", string(sig.Kind)))
	}
}

// EmitConnect signals that the provider is connected to network.
func (h *Hub) EmitConnect(network string) {
	h.emit(Signal{Kind: KindConnect, Network: network})
}

// EmitDisconnect signals that the provider lost its connection.
func (h *Hub) EmitDisconnect(reason string) {
	h.emit(Signal{Kind: KindDisconnect, Reason: reason})
}

// EmitAccountsChanged signals a new account list; the first entry is active.
func (h *Hub) EmitAccountsChanged(accounts []common.Address) {
	h.emit(Signal{Kind: KindAccountsChanged, Accounts: append([]common.Address(nil), accounts...)})
}

// EmitChainChanged signals that the provider moved to network.
func (h *Hub) EmitChainChanged(network string) {
	h.emit(Signal{Kind: KindChainChanged, Network: network})
}
