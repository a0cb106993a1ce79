package model

import "math/big"

// EventKind names a contract event independent of its schema version.
type EventKind string

const (
	KindReceived            EventKind = "Received"
	KindWithdrawn           EventKind = "Withdrawn"
	KindRefunded            EventKind = "Refunded"
	KindAdminFeeChanged     EventKind = "AdminFeeChanged"
	KindRefundStatusChanged EventKind = "RefundStatusChanged"
	KindOwnerChanged        EventKind = "OwnerChanged"
)

// AllKinds lists every kind the client subscribes to, in a stable order.
func AllKinds() []EventKind {
	return []EventKind{
		KindReceived,
		KindWithdrawn,
		KindRefunded,
		KindAdminFeeChanged,
		KindRefundStatusChanged,
		KindOwnerChanged,
	}
}

// DecodedEvent is a contract log decoded against its schema. Addresses and
// integers are kept as strings (hex and decimal), bools as bool.
type DecodedEvent struct {
	Network        string                 `json:"network"`
	Kind           EventKind              `json:"kind"`
	SchemaVersion  int                    `json:"schema_version"`
	BlockNumber    uint64                 `json:"block_number"`
	BlockTimestamp uint64                 `json:"block_timestamp"`
	TxHash         string                 `json:"tx_hash"`
	LogIndex       uint64                 `json:"log_index"`
	Address        string                 `json:"address"`
	Fields         map[string]interface{} `json:"fields"`
	Raw            *RawLogRef             `json:"raw,omitempty"`
}

// RawLogRef keeps a minimal raw reference for traceability.
type RawLogRef struct {
	Topic0 string `json:"topic0"`
	Data   string `json:"data"`
}

// String returns a string field, or "" when absent.
func (e DecodedEvent) String(name string) string {
	if v, ok := e.Fields[name].(string); ok {
		return v
	}
	return ""
}

// Amount parses a decimal integer field.
func (e DecodedEvent) Amount(name string) (*big.Int, bool) {
	s := e.String(name)
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// Bool returns a bool field.
func (e DecodedEvent) Bool(name string) (bool, bool) {
	v, ok := e.Fields[name].(bool)
	return v, ok
}

// Before orders events by block and then by log index within the block.
func (e DecodedEvent) Before(other DecodedEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}
