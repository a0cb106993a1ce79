package notify

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"

	"donationsync/internal/model"
)

// FormatEther renders a decimal wei amount in ether without trailing zeros.
func FormatEther(wei string) string {
	n, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return wei
	}
	s := new(big.Rat).SetFrac(n, big.NewInt(params.Ether)).FloatString(18)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// ParseEther converts a decimal ether amount into wei. Amounts finer than one
// wei are rejected.
func ParseEther(ether string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(ether))
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("invalid ether amount: %q", ether)
	}
	r.Mul(r, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !r.IsInt() {
		return nil, fmt.Errorf("ether amount %q is below one wei", ether)
	}
	return new(big.Int).Set(r.Num()), nil
}

// Describe renders an event as a one-line status message.
func Describe(ev model.DecodedEvent) string {
	switch ev.Kind {
	case model.KindReceived:
		return fmt.Sprintf("Received %s ETH from %s.", FormatEther(ev.String("amount")), ev.String("sender"))
	case model.KindWithdrawn:
		return fmt.Sprintf("Withdrawn %s ETH to %s.", FormatEther(ev.String("amount")), ev.String("receiver"))
	case model.KindRefunded:
		return fmt.Sprintf("Refunded %s ETH to %s.", FormatEther(ev.String("amount")), ev.String("donor"))
	case model.KindAdminFeeChanged:
		return fmt.Sprintf("Admin fee is now: %s ETH.", FormatEther(ev.String("amount")))
	case model.KindRefundStatusChanged:
		ok, _ := ev.Bool("refundOk")
		return fmt.Sprintf("Refund allowed: %s.", yesNo(ok))
	case model.KindOwnerChanged:
		return fmt.Sprintf("Owner changed from %s to %s.", ev.String("previousOwner"), ev.String("newOwner"))
	default:
		return fmt.Sprintf("%s event in block %d.", ev.Kind, ev.BlockNumber)
	}
}

// DescribeBaseline renders the baseline contract state.
func DescribeBaseline(b model.Baseline) string {
	return fmt.Sprintf("Owner: %s. Admin fee: %s ETH. Refund allowed: %s. Balance: %s ETH.",
		b.Owner, FormatEther(b.AdminFee), yesNo(b.RefundEnabled), FormatEther(b.Balance))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
