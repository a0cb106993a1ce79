package chaintest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"donationsync/internal/contract"
)

// NewDonationLedger builds a ledger for chainID with the Donation contract
// deployed at the address the descriptor records for it, if any, and owned by owner.
func NewDonationLedger(chainID uint64, desc *contract.Descriptor, owner common.Address) *Ledger {
	l := NewLedger(chainID, desc.ABI())
	if address, ok := desc.Address(l.Network()); ok {
		l.Deploy(address)
	}
	l.SetCall("owner", owner)
	l.SetCall("adminFee", big.NewInt(0))
	l.SetCall("refundOk", true)
	l.SetCall("getBalance", big.NewInt(0))
	l.SetCall("donationCount", big.NewInt(0))
	return l
}
