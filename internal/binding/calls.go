package binding

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"donationsync/internal/contract"
	"donationsync/internal/retry"
)

// Backend is the ledger surface needed to bind and read the contract.
type Backend interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error)
}

// Reader reads contract metadata through view calls.
type Reader struct {
	backend Backend
	policy  retry.Policy
	logger  *zap.Logger
}

// NewReader builds a Reader.
func NewReader(backend Backend, policy retry.Policy, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{backend: backend, policy: policy, logger: logger}
}

// Refresh reads a fresh metadata snapshot at the current head.
func (r *Reader) Refresh(ctx context.Context, b *Binding) (Snapshot, error) {
	if b == nil {
		return Snapshot{}, fmt.Errorf("binding is nil")
	}

	var head uint64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		head, err = r.backend.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest block: %w", err)
	}
	block := new(big.Int).SetUint64(head)
	parsed := b.Descriptor.ABI()

	snap := Snapshot{Block: head}
	values, err := r.call(ctx, b.Address, parsed, "owner", block)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Owner, err = contract.AsAddress(values[0]); err != nil {
		return Snapshot{}, fmt.Errorf("owner: %w", err)
	}

	values, err = r.call(ctx, b.Address, parsed, "adminFee", block)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.AdminFee, err = contract.AsBigInt(values[0]); err != nil {
		return Snapshot{}, fmt.Errorf("adminFee: %w", err)
	}

	values, err = r.call(ctx, b.Address, parsed, "refundOk", block)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.RefundOK, err = contract.AsBool(values[0]); err != nil {
		return Snapshot{}, fmt.Errorf("refundOk: %w", err)
	}

	values, err = r.call(ctx, b.Address, parsed, "getBalance", block)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Balance, err = contract.AsBigInt(values[0]); err != nil {
		return Snapshot{}, fmt.Errorf("getBalance: %w", err)
	}

	if _, ok := parsed.Methods["donationCount"]; ok {
		if values, err := r.call(ctx, b.Address, parsed, "donationCount", block); err == nil {
			if count, err := contract.AsBigInt(values[0]); err == nil {
				snap.DonationCount = count
			}
		} else {
			r.logger.Debug("donationCount call failed", zap.String("contract", b.Address.Hex()), zap.Error(err))
		}
	}

	return snap, nil
}

// Owner reads the current contract owner.
func (r *Reader) Owner(ctx context.Context, b *Binding) (common.Address, error) {
	if b == nil {
		return common.Address{}, fmt.Errorf("binding is nil")
	}
	values, err := r.call(ctx, b.Address, b.Descriptor.ABI(), "owner", nil)
	if err != nil {
		return common.Address{}, err
	}
	owner, err := contract.AsAddress(values[0])
	if err != nil {
		return common.Address{}, fmt.Errorf("owner: %w", err)
	}
	return owner, nil
}

func (r *Reader) call(ctx context.Context, address common.Address, parsed abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	var values []interface{}
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		values, err = callMethod(ctx, r.backend, address, parsed, method, block)
		if err != nil {
			r.logger.Warn("contract call failed", zap.String("method", method), zap.Error(err))
		}
		return err
	})
	return values, err
}

func callMethod(ctx context.Context, backend Backend, address common.Address, parsed abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &address, Data: data}
	resp, err := backend.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}
