package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"donationsync/internal/chain"
)

// Switch routes every call to the active ledger, standing in for a client
// whose endpoint moves between networks.
type Switch struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
	active  string
}

// NewSwitch builds a switch over ledgers; the first one is active.
func NewSwitch(ledgers ...*Ledger) *Switch {
	s := &Switch{ledgers: make(map[string]*Ledger, len(ledgers))}
	for i, l := range ledgers {
		s.ledgers[l.Network()] = l
		if i == 0 {
			s.active = l.Network()
		}
	}
	return s
}

// Use makes the ledger for network active.
func (s *Switch) Use(network string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = network
}

// Ledger returns the ledger registered for network.
func (s *Switch) Ledger(network string) *Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgers[network]
}

func (s *Switch) current() (*Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[s.active]
	if !ok {
		return nil, fmt.Errorf("no ledger for network %q", s.active)
	}
	return l, nil
}

func (s *Switch) GetChainID(ctx context.Context) (*big.Int, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.GetChainID(ctx)
}

func (s *Switch) Accounts(ctx context.Context) ([]common.Address, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.Accounts(ctx)
}

func (s *Switch) LatestBlockNumber(ctx context.Context) (uint64, error) {
	l, err := s.current()
	if err != nil {
		return 0, err
	}
	return l.LatestBlockNumber(ctx)
}

func (s *Switch) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	l, err := s.current()
	if err != nil {
		return 0, err
	}
	return l.BlockTimestamp(ctx, number)
}

func (s *Switch) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.FilterLogs(ctx, fromBlock, toBlock, addresses, topic0)
}

func (s *Switch) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.SubscribeFilterLogs(ctx, query, ch)
}

func (s *Switch) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.CallContract(ctx, msg, blockNumber)
}

func (s *Switch) CodeAt(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.CodeAt(ctx, address, blockNumber)
}

func (s *Switch) BalanceAt(ctx context.Context, address common.Address, blockNumber *big.Int) (*big.Int, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.BalanceAt(ctx, address, blockNumber)
}

func (s *Switch) SendTransaction(ctx context.Context, args chain.SendArgs) (common.Hash, error) {
	l, err := s.current()
	if err != nil {
		return common.Hash{}, err
	}
	return l.SendTransaction(ctx, args)
}

func (s *Switch) WaitReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	l, err := s.current()
	if err != nil {
		return nil, err
	}
	return l.WaitReceipt(ctx, hash, interval)
}
