package model

// Baseline is the contract state shown once replay has caught up.
type Baseline struct {
	Network       string `json:"network"`
	Contract      string `json:"contract"`
	Owner         string `json:"owner"`
	AdminFee      string `json:"admin_fee"`
	RefundEnabled bool   `json:"refund_enabled"`
	Balance       string `json:"balance"`
	DonationCount string `json:"donation_count,omitempty"`
	Block         uint64 `json:"block"`
}

// Authorization is the account-dependent view of the binding.
type Authorization struct {
	Network string `json:"network"`
	Account string `json:"account"`
	Owner   string `json:"owner"`
	IsOwner bool   `json:"is_owner"`
}
