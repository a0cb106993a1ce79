package binding

import (
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"donationsync/internal/contract"
	"donationsync/internal/model"
)

// Binding is the live reference to the contract deployed on one network.
type Binding struct {
	ID         string
	Network    string
	Address    common.Address
	Descriptor *contract.Descriptor

	// Snapshot is the metadata read at acquisition time. It is not kept live.
	Snapshot Snapshot

	stale atomic.Bool
}

// Stale reports whether the binding outlived a provider disconnect.
func (b *Binding) Stale() bool {
	return b.stale.Load()
}

// Snapshot is contract metadata as of one block.
type Snapshot struct {
	Owner         common.Address
	AdminFee      *big.Int
	RefundOK      bool
	Balance       *big.Int
	DonationCount *big.Int
	Block         uint64
}

// Baseline converts the snapshot into the notification payload.
func (s Snapshot) Baseline(b *Binding) model.Baseline {
	baseline := model.Baseline{
		Network:       b.Network,
		Contract:      b.Address.Hex(),
		Owner:         s.Owner.Hex(),
		AdminFee:      bigString(s.AdminFee),
		RefundEnabled: s.RefundOK,
		Balance:       bigString(s.Balance),
		Block:         s.Block,
	}
	if s.DonationCount != nil {
		baseline.DonationCount = s.DonationCount.String()
	}
	return baseline
}

// IsOwner reports whether account owns the contract as of the snapshot.
func (s Snapshot) IsOwner(account common.Address) bool {
	return account != (common.Address{}) && account == s.Owner
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
