package binding

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"donationsync/internal/chain"
	"donationsync/internal/syncerr"
)

// Methods only the owner may call.
var privilegedMethods = map[string]bool{
	"emptyBalance": true,
	"setAdminFee":  true,
	"setRefundOk":  true,
}

// TxBackend submits transactions signed by the node or wallet.
type TxBackend interface {
	SendTransaction(ctx context.Context, args chain.SendArgs) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error)
}

// Sender invokes state-changing contract methods. Sends are never retried.
type Sender struct {
	backend      TxBackend
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewSender builds a Sender polling for receipts every pollInterval.
func NewSender(backend TxBackend, pollInterval time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{backend: backend, pollInterval: pollInterval, logger: logger}
}

// Privileged reports whether method is owner-only.
func Privileged(method string) bool {
	return privilegedMethods[method]
}

// Send calls method on the bound contract from account and waits for the receipt.
func (s *Sender) Send(ctx context.Context, b *Binding, from common.Address, method string, value *big.Int, args ...interface{}) (*types.Receipt, error) {
	if b == nil {
		return nil, fmt.Errorf("binding is nil")
	}
	if from == (common.Address{}) {
		return nil, fmt.Errorf("%w: no account to send from", syncerr.ErrProviderUnavailable)
	}
	data, err := b.Descriptor.ABI().Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	hash, err := s.backend.SendTransaction(ctx, chain.SendArgs{
		From:  from,
		To:    b.Address,
		Data:  data,
		Value: value,
	})
	if err != nil {
		if Privileged(method) && syncerr.IsRevert(err) {
			return nil, syncerr.AuthorizationDenied(method, err)
		}
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	s.logger.Info("transaction sent", zap.String("method", method), zap.String("tx_hash", hash.Hex()), zap.String("from", from.Hex()))

	receipt, err := s.backend.WaitReceipt(ctx, hash, s.pollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		err := fmt.Errorf("transaction %s reverted", hash.Hex())
		if Privileged(method) {
			return receipt, syncerr.AuthorizationDenied(method, err)
		}
		return receipt, fmt.Errorf("send %s: %w", method, err)
	}
	return receipt, nil
}
