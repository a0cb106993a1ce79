package provider

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Source is the node surface polled for lifecycle changes.
type Source interface {
	GetChainID(ctx context.Context) (*big.Int, error)
	Accounts(ctx context.Context) ([]common.Address, error)
}

// EndpointSwitcher is implemented by clients that can move to another node.
type EndpointSwitcher interface {
	SwitchEndpoint(ctx context.Context, rpcURL string) error
}

type cachePurger interface {
	PurgeCache()
}

// RPCProvider derives provider signals by polling a node: the chain id gives
// connect, disconnect and chain changes, eth_accounts (or a fixed account)
// gives account changes.
type RPCProvider struct {
	source   Source
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger
	wake     chan struct{}

	mu        sync.Mutex
	fixed     *common.Address
	connected bool
	network   string
	accounts  []common.Address
	announced bool
}

// NewRPCProvider builds a provider polling source every interval.
func NewRPCProvider(source Source, hub *Hub, interval time.Duration, logger *zap.Logger) *RPCProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RPCProvider{
		source:   source,
		hub:      hub,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// SetAccount pins the active account; nil falls back to eth_accounts.
func (p *RPCProvider) SetAccount(account *common.Address) {
	p.mu.Lock()
	if account == nil {
		p.fixed = nil
	} else {
		a := *account
		p.fixed = &a
	}
	p.mu.Unlock()
	p.poke()
}

// SwitchEndpoint moves the source to another node. A different chain id
// shows up as a chain change on the next poll.
func (p *RPCProvider) SwitchEndpoint(ctx context.Context, rpcURL string) error {
	switcher, ok := p.source.(EndpointSwitcher)
	if !ok {
		return fmt.Errorf("source cannot switch endpoints")
	}
	if err := switcher.SwitchEndpoint(ctx, rpcURL); err != nil {
		return err
	}
	p.logger.Info("endpoint switched", zap.String("rpc", rpcURL))
	p.poke()
	return nil
}

func (p *RPCProvider) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (p *RPCProvider) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *RPCProvider) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	chainID, err := p.source.GetChainID(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		wasConnected := p.connected
		p.connected = false
		p.mu.Unlock()
		if wasConnected {
			p.logger.Warn("node unreachable", zap.Error(err))
			p.hub.EmitDisconnect(err.Error())
		}
		return
	}
	network := chainID.String()
	accounts := p.currentAccounts(pollCtx)

	p.mu.Lock()
	wasConnected := p.connected
	chainChanged := p.network != "" && p.network != network
	accountsChanged := !p.announced || !sameAccounts(p.accounts, accounts)
	p.connected = true
	p.network = network
	p.accounts = accounts
	p.announced = true
	p.mu.Unlock()

	if chainChanged {
		if purger, ok := p.source.(cachePurger); ok {
			purger.PurgeCache()
		}
		p.logger.Info("chain changed", zap.String("network", network))
		p.hub.EmitChainChanged(network)
	}
	if accountsChanged {
		p.hub.EmitAccountsChanged(accounts)
	}
	if !wasConnected {
		p.logger.Info("connected", zap.String("network", network))
		p.hub.EmitConnect(network)
	}
}

func (p *RPCProvider) currentAccounts(ctx context.Context) []common.Address {
	p.mu.Lock()
	fixed := p.fixed
	previous := p.accounts
	p.mu.Unlock()
	if fixed != nil {
		return []common.Address{*fixed}
	}

	accounts, err := p.source.Accounts(ctx)
	if err != nil {
		p.logger.Debug("eth_accounts failed", zap.Error(err))
		return previous
	}
	return accounts
}

func sameAccounts(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
