// Package chaintest provides an in-memory ledger for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"donationsync/internal/chain"
)

// BaseTimestamp is the timestamp of block 0 when none is set explicitly.
const BaseTimestamp = 1600000000

// RevertError mimics the node error returned for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

// ErrorCode matches the JSON-RPC code geth uses for reverts.
func (e *RevertError) ErrorCode() int {
	return 3
}

// Sent is a transaction submitted through SendTransaction.
type Sent struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Method string
	Args   []interface{}
	Value  *big.Int
}

type liveSub struct {
	query ethereum.FilterQuery
	in    chan types.Log
	done  chan struct{}
}

// Ledger is an in-memory chain with one contract ABI used to answer calls.
type Ledger struct {
	mu         sync.Mutex
	chainID    uint64
	head       uint64
	abi        abi.ABI
	logs       []types.Log
	timestamps map[uint64]uint64
	code       map[common.Address][]byte
	balances   map[common.Address]*big.Int
	calls      map[string][]interface{}
	callErrs   map[string]error
	reverts    map[string]string
	accounts   []common.Address
	sent       []Sent
	subs       map[*liveSub]struct{}

	filterErrs []error
	filterHits int
	callHits   map[string]int

	onTimestamp func(ctx context.Context, block uint64)
	onCall      func(ctx context.Context, method string)
}

// NewLedger builds an empty ledger for chainID answering calls against contractABI.
func NewLedger(chainID uint64, contractABI abi.ABI) *Ledger {
	return &Ledger{
		chainID:    chainID,
		abi:        contractABI,
		timestamps: make(map[uint64]uint64),
		code:       make(map[common.Address][]byte),
		balances:   make(map[common.Address]*big.Int),
		calls:      make(map[string][]interface{}),
		callErrs:   make(map[string]error),
		reverts:    make(map[string]string),
		subs:       make(map[*liveSub]struct{}),
		callHits:   make(map[string]int),
	}
}

// Network returns the chain id as a network identity string.
func (l *Ledger) Network() string {
	return fmt.Sprintf("%d", l.chainID)
}

// Deploy marks address as holding contract code.
func (l *Ledger) Deploy(address common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.code[address] = []byte{0x60, 0x80, 0x60, 0x40}
}

// SetHead moves the chain head.
func (l *Ledger) SetHead(block uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = block
}

// SetTimestamp overrides the timestamp of a block.
func (l *Ledger) SetTimestamp(block, ts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps[block] = ts
}

// SetCall fixes the outputs returned by a view method.
func (l *Ledger) SetCall(method string, outputs ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method] = outputs
	delete(l.callErrs, method)
}

// FailCall makes every call to method fail with err.
func (l *Ledger) FailCall(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callErrs[method] = err
}

// RevertOn makes transactions calling method revert with reason.
func (l *Ledger) RevertOn(method, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts[method] = reason
}

// SetBalance sets the wei balance of address.
func (l *Ledger) SetBalance(address common.Address, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = new(big.Int).Set(wei)
}

// SetAccounts sets the accounts returned by Accounts.
func (l *Ledger) SetAccounts(accounts ...common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append([]common.Address(nil), accounts...)
}

// FailFilterLogs queues errors returned by the next FilterLogs calls.
func (l *Ledger) FailFilterLogs(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filterErrs = append(l.filterErrs, errs...)
}

// OnBlockTimestamp installs a hook run at the start of every BlockTimestamp call.
func (l *Ledger) OnBlockTimestamp(hook func(ctx context.Context, block uint64)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTimestamp = hook
}

// OnCall installs a hook run before every CallContract is answered.
func (l *Ledger) OnCall(hook func(ctx context.Context, method string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCall = hook
}

// AddLog appends a historical log and advances the head past it.
func (l *Ledger) AddLog(log types.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, log)
	if log.BlockNumber > l.head {
		l.head = log.BlockNumber
	}
}

// Emit adds log to the chain and pushes it to every matching live subscription.
// It returns the number of subscriptions it was pushed to.
func (l *Ledger) Emit(log types.Log) int {
	l.AddLog(log)

	l.mu.Lock()
	targets := make([]*liveSub, 0, len(l.subs))
	for sub := range l.subs {
		if matches(sub.query, log) {
			targets = append(targets, sub)
		}
	}
	l.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		select {
		case sub.in <- log:
			delivered++
		case <-sub.done:
		}
	}
	return delivered
}

// Subscriptions returns the number of open live subscriptions.
func (l *Ledger) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// FilterCalls returns how many FilterLogs calls were made.
func (l *Ledger) FilterCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filterHits
}

// CallCount returns how many eth_calls hit method.
func (l *Ledger) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callHits[method]
}

// SentTransactions returns the transactions submitted so far.
func (l *Ledger) SentTransactions() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}

// GetChainID implements the chain client surface.
func (l *Ledger) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(l.chainID), nil
}

// Accounts implements the chain client surface.
func (l *Ledger) Accounts(ctx context.Context) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.accounts...), nil
}

// LatestBlockNumber implements the chain client surface.
func (l *Ledger) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

// BlockTimestamp implements the chain client surface.
func (l *Ledger) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	l.mu.Lock()
	hook := l.onTimestamp
	l.mu.Unlock()
	if hook != nil {
		hook(ctx, number)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if ts, ok := l.timestamps[number]; ok {
		return ts, nil
	}
	return BaseTimestamp + number*15, nil
}

// FilterLogs implements the chain client surface. Logs are returned in
// insertion order.
func (l *Ledger) FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filterHits++
	if len(l.filterErrs) > 0 {
		err := l.filterErrs[0]
		l.filterErrs = l.filterErrs[1:]
		return nil, err
	}

	query := ethereum.FilterQuery{Addresses: addresses}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	var out []types.Log
	for _, log := range l.logs {
		if log.BlockNumber < fromBlock || log.BlockNumber > toBlock {
			continue
		}
		if matches(query, log) {
			out = append(out, log)
		}
	}
	return out, nil
}

// SubscribeFilterLogs implements the chain client surface.
func (l *Ledger) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &liveSub{query: query, in: make(chan types.Log, 64), done: make(chan struct{})}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer l.removeSub(sub)
		for {
			select {
			case log := <-sub.in:
				select {
				case ch <- log:
				case <-quit:
					return nil
				}
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (l *Ledger) removeSub(sub *liveSub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, sub)
	close(sub.done)
}

// CallContract answers view calls from the outputs set with SetCall.
func (l *Ledger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("call data too short")
	}
	method, err := l.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	hook := l.onCall
	l.mu.Unlock()
	if hook != nil {
		hook(ctx, method.Name)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	l.callHits[method.Name]++
	callErr := l.callErrs[method.Name]
	outputs, ok := l.calls[method.Name]
	l.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}
	if !ok {
		return nil, &RevertError{Reason: "no result for " + method.Name}
	}
	return method.Outputs.Pack(outputs...)
}

// CodeAt implements the chain client surface.
func (l *Ledger) CodeAt(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.code[address], nil
}

// BalanceAt implements the chain client surface.
func (l *Ledger) BalanceAt(ctx context.Context, address common.Address, blockNumber *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// SendTransaction records the transaction, or reverts it when RevertOn matches.
func (l *Ledger) SendTransaction(ctx context.Context, args chain.SendArgs) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if len(args.Data) < 4 {
		return common.Hash{}, fmt.Errorf("call data too short")
	}
	method, err := l.abi.MethodById(args.Data[:4])
	if err != nil {
		return common.Hash{}, err
	}
	values, err := method.Inputs.Unpack(args.Data[4:])
	if err != nil {
		return common.Hash{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if reason, ok := l.reverts[method.Name]; ok {
		return common.Hash{}, &RevertError{Reason: reason}
	}
	hash := crypto.Keccak256Hash(args.Data, args.From.Bytes(), big.NewInt(int64(len(l.sent))).Bytes())
	value := new(big.Int)
	if args.Value != nil {
		value.Set(args.Value)
	}
	l.sent = append(l.sent, Sent{Hash: hash, From: args.From, To: args.To, Method: method.Name, Args: values, Value: value})
	return hash, nil
}

// WaitReceipt returns a successful receipt for any transaction sent earlier.
func (l *Ledger) WaitReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.sent {
		if tx.Hash == hash {
			return &types.Receipt{
				TxHash:      hash,
				Status:      types.ReceiptStatusSuccessful,
				BlockNumber: new(big.Int).SetUint64(l.head),
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func matches(query ethereum.FilterQuery, log types.Log) bool {
	if len(query.Addresses) > 0 {
		found := false
		for _, addr := range query.Addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(query.Topics) > 0 && len(query.Topics[0]) > 0 {
		if len(log.Topics) == 0 {
			return false
		}
		found := false
		for _, topic := range query.Topics[0] {
			if topic == log.Topics[0] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EventLog encodes values as a log of ev emitted by address.
func EventLog(ev abi.Event, address common.Address, block uint64, index uint, txHash common.Hash, values ...interface{}) (types.Log, error) {
	if len(values) != len(ev.Inputs) {
		return types.Log{}, fmt.Errorf("%s takes %d values, got %d", ev.Name, len(ev.Inputs), len(values))
	}
	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, input := range ev.Inputs {
		if !input.Indexed {
			data = append(data, values[i])
			continue
		}
		topic, err := topicOf(values[i])
		if err != nil {
			return types.Log{}, fmt.Errorf("%s: %w", input.Name, err)
		}
		topics = append(topics, topic)
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address:     address,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
		BlockHash:   crypto.Keccak256Hash(new(big.Int).SetUint64(block).Bytes()),
	}, nil
}

// MustEventLog is EventLog that panics on error.
func MustEventLog(ev abi.Event, address common.Address, block uint64, index uint, txHash common.Hash, values ...interface{}) types.Log {
	log, err := EventLog(ev, address, block, index, txHash, values...)
	if err != nil {
		panic(err)
	}
	return log
}

func topicOf(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case *big.Int:
		return common.BigToHash(v), nil
	case bool:
		if v {
			return common.BigToHash(big.NewInt(1)), nil
		}
		return common.Hash{}, nil
	case common.Hash:
		return v, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", value)
	}
}
