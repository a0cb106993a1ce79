package syncerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrNotDeployed means the contract has no deployment on the active network.
	ErrNotDeployed = errors.New("contract not deployed on network")
	// ErrNetworkUnreachable means the ledger node could not be reached at all.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrTransientRPC marks a ledger call that kept failing after retries.
	ErrTransientRPC = errors.New("transient rpc error")
	// ErrAuthorizationDenied means the ledger rejected a privileged call from the active account.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrProviderUnavailable means no wallet/provider is present.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Severity grades status notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DecodeError records a log that matched a known topic but failed schema decoding.
type DecodeError struct {
	Topic       string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode log %s#%d (topic %s): %v", e.TxHash, e.LogIndex, e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NotDeployed wraps ErrNotDeployed with the network it was observed on.
func NotDeployed(network string, reason string) error {
	return fmt.Errorf("%w: network %s: %s", ErrNotDeployed, network, reason)
}

// AuthorizationDenied wraps a node rejection, keeping the node message verbatim.
func AuthorizationDenied(method string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAuthorizationDenied, method, err)
}

// Exhausted marks err as the last failure of an exhausted retry loop.
func Exhausted(err error) error {
	if err == nil || errors.Is(err, ErrTransientRPC) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientRPC, err)
}

// Retryable reports whether a failed ledger call is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrNotDeployed),
		errors.Is(err, ErrAuthorizationDenied),
		errors.Is(err, ErrProviderUnavailable):
		return false
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	return !IsRevert(err)
}

// IsRevert reports whether the node rejected the call during execution.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "vm exception") || strings.Contains(msg, "revert")
}

// SeverityOf picks the status severity used to surface err.
func SeverityOf(err error) Severity {
	var decodeErr *DecodeError
	switch {
	case err == nil:
		return SeverityInfo
	case errors.As(err, &decodeErr), errors.Is(err, ErrNotDeployed):
		return SeverityWarning
	default:
		return SeverityError
	}
}
