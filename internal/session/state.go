package session

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"donationsync/internal/registry"
)

// State is the controller's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Bound
	Rebinding
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Bound:
		return "bound"
	case Rebinding:
		return "rebinding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State    State
	Network  string
	Account  string
	Binding  string
	Cursor   registry.Cursor
	Degraded bool
}

type signalKind int

const (
	sigConnect signalKind = iota
	sigUserConnect
	sigDisconnect
	sigAccounts
	sigChain
)

func (k signalKind) String() string {
	switch k {
	case sigConnect:
		return "connect"
	case sigUserConnect:
		return "user_connect"
	case sigDisconnect:
		return "disconnect"
	case sigAccounts:
		return "accounts_changed"
	case sigChain:
		return "chain_changed"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

type signal struct {
	kind     signalKind
	network  string
	reason   string
	accounts []common.Address
}
