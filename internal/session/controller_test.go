package session

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"donationsync/internal/binding"
	"donationsync/internal/chain/chaintest"
	"donationsync/internal/contract"
	"donationsync/internal/indexer"
	"donationsync/internal/model"
	"donationsync/internal/notify/notifytest"
	"donationsync/internal/registry"
	"donationsync/internal/retry"
	"donationsync/internal/syncerr"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	owner   = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	visitor = common.HexToAddress("0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0")
	extra   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type harness struct {
	desc *contract.Descriptor
	sw   *chaintest.Switch
	reg  *registry.Registry
	ctrl *Controller
	rec  *notifytest.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base, err := contract.Default()
	require.NoError(t, err)
	return newHarnessFor(t, base)
}

func newHarnessFor(t *testing.T, base *contract.Descriptor) *harness {
	t.Helper()
	desc := base.WithDeployment("1337", extra)

	sw := chaintest.NewSwitch(
		chaintest.NewDonationLedger(5777, desc, owner),
		chaintest.NewDonationLedger(4, desc, owner),
		chaintest.NewDonationLedger(3, desc, owner),
		chaintest.NewDonationLedger(1337, desc, owner),
	)
	logger := zaptest.NewLogger(t)
	policy := retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}
	reg := registry.New(sw, policy, logger)
	rec := &notifytest.Recorder{}
	ctrl, err := New(Config{
		Bindings: binding.NewManager(desc, sw, policy, logger),
		Registry: reg,
		Replayer: indexer.NewReplayer(indexer.ReplayConfig{BatchSize: 100, MaxRetries: 1, RetryBackoff: time.Millisecond}, sw, logger),
		Sink:     rec,
	}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{desc: desc, sw: sw, reg: reg, ctrl: ctrl, rec: rec}
}

func (h *harness) ledger(network string) *chaintest.Ledger {
	return h.sw.Ledger(network)
}

func (h *harness) received(network string, block uint64, index uint, tx string) types.Log {
	address, _ := h.desc.Address(network)
	ev := h.desc.ABI().Events["Received"]
	return chaintest.MustEventLog(ev, address, block, index, common.HexToHash(tx), visitor, big.NewInt(5e16), big.NewInt(int64(block)))
}

func (h *harness) waitBound(t *testing.T, network string) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.ctrl.State()
		return s.State == Bound && s.Network == network
	}, waitFor, tick)
	return h.ctrl.State()
}

func (h *harness) connect(t *testing.T, network string, account common.Address) Snapshot {
	t.Helper()
	h.sw.Use(network)
	h.ctrl.OnAccountsChanged([]common.Address{account})
	h.ctrl.OnConnect(network)
	return h.waitBound(t, network)
}

func (h *harness) totalSubscriptions() int {
	n := 0
	for _, network := range []string{"5777", "4", "3", "1337"} {
		n += h.ledger(network).Subscriptions()
	}
	return n
}

// artifactWithout parses the bundled artifact with the named events removed
// from its ABI.
func artifactWithout(t *testing.T, events ...string) *contract.Descriptor {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "contract", "Donation.json"))
	require.NoError(t, err)

	var artifact map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &artifact))
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(artifact["abi"], &entries))

	drop := make(map[string]bool, len(events))
	for _, name := range events {
		drop[name] = true
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry["type"] == "event" && drop[entry["name"].(string)] {
			continue
		}
		kept = append(kept, entry)
	}
	artifact["abi"], err = json.Marshal(kept)
	require.NoError(t, err)
	data, err = json.Marshal(artifact)
	require.NoError(t, err)

	desc, err := contract.ParseDescriptor(data)
	require.NoError(t, err)
	return desc
}

func (h *harness) errorStatuses() []notifytest.Status {
	var out []notifytest.Status
	for _, s := range h.rec.Statuses() {
		if s.Severity == syncerr.SeverityError {
			out = append(out, s)
		}
	}
	return out
}

func kindCount() int {
	return len(model.AllKinds())
}

func TestReplayThenLiveDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))
	n1.AddLog(h.received("5777", 12, 0, "0x0c"))

	snap := h.connect(t, "5777", visitor)
	assert.Equal(t, registry.Complete, snap.Cursor)
	assert.Equal(t, []uint64{10, 12}, h.rec.EventBlocks())
	require.Len(t, h.rec.Baselines(), 1)
	assert.Equal(t, owner.Hex(), h.rec.Baselines()[0].Owner)
	assert.Equal(t, kindCount(), h.reg.LiveCount(snap.Binding))
	assert.Equal(t, kindCount(), n1.Subscriptions())

	live := h.received("5777", 15, 0, "0x0f")
	require.Equal(t, 1, n1.Emit(live))
	require.Eventually(t, func() bool { return len(h.rec.Events()) == 3 }, waitFor, tick)

	n1.Emit(live)
	n1.Emit(h.received("5777", 10, 0, "0x0a"))
	assert.Never(t, func() bool { return len(h.rec.Events()) > 3 }, 100*time.Millisecond, tick)
	assert.Equal(t, []uint64{10, 12, 15}, h.rec.EventBlocks())
}

func TestAccountChangeRecomputesAuthorizationOnly(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))

	before := h.connect(t, "5777", visitor)
	auths := h.rec.Authorizations()
	require.Len(t, auths, 1)
	assert.False(t, auths[0].IsOwner)
	filterCalls := n1.FilterCalls()

	h.ctrl.OnAccountsChanged([]common.Address{owner})
	require.Eventually(t, func() bool { return len(h.rec.Authorizations()) == 2 }, waitFor, tick)
	after := h.waitBound(t, "5777")

	auth := h.rec.Authorizations()[1]
	assert.True(t, auth.IsOwner)
	assert.Equal(t, owner.Hex(), auth.Account)
	assert.Equal(t, before.Binding, after.Binding)
	assert.Equal(t, filterCalls, n1.FilterCalls(), "no replay on account change")
	assert.Equal(t, kindCount(), n1.Subscriptions(), "no resubscribe on account change")
	assert.Len(t, h.rec.Baselines(), 1)
	assert.Len(t, h.rec.Events(), 1)
}

func TestLockedWalletIsNotOwner(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "5777", owner)
	require.True(t, h.rec.Authorizations()[0].IsOwner)

	h.ctrl.OnAccountsChanged(nil)
	require.Eventually(t, func() bool { return len(h.rec.Authorizations()) == 2 }, waitFor, tick)
	auth := h.rec.Authorizations()[1]
	assert.False(t, auth.IsOwner)
	assert.Empty(t, auth.Account)
}

func TestNetworkChangeMidReplayDiscardsRemainder(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n2 := h.ledger("4")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))
	n1.AddLog(h.received("5777", 11, 0, "0x0b"))
	n1.AddLog(h.received("5777", 12, 0, "0x0c"))
	n2.AddLog(h.received("4", 20, 0, "0x14"))

	var once sync.Once
	n1.OnBlockTimestamp(func(ctx context.Context, block uint64) {
		if block != 11 {
			return
		}
		fired := false
		once.Do(func() {
			fired = true
			h.sw.Use("4")
			h.ctrl.OnChainChanged("4")
		})
		if fired {
			<-ctx.Done()
		}
	})

	h.ctrl.OnAccountsChanged([]common.Address{visitor})
	h.ctrl.OnConnect("5777")
	snap := h.waitBound(t, "4")

	events := h.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "5777", events[0].Network)
	assert.Equal(t, uint64(10), events[0].BlockNumber)
	assert.Equal(t, "4", events[1].Network)
	assert.Equal(t, uint64(20), events[1].BlockNumber)

	assert.Zero(t, n1.Subscriptions())
	assert.Equal(t, kindCount(), n2.Subscriptions())
	assert.Equal(t, kindCount(), h.reg.Len())
	assert.Equal(t, kindCount(), h.reg.LiveCount(snap.Binding))
	require.Len(t, h.rec.Baselines(), 1)
	assert.Equal(t, "4", h.rec.Baselines()[0].Network)
}

func TestNotDeployedDegradesThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.sw.Use("3")
	h.ctrl.OnConnect("3")

	require.Eventually(t, func() bool { return h.rec.HasStatus(syncerr.SeverityWarning) }, waitFor, tick)
	snap := h.ctrl.State()
	assert.Equal(t, Connecting, snap.State)
	assert.True(t, snap.Degraded)
	assert.Empty(t, snap.Binding)
	assert.Empty(t, h.rec.Baselines())
	assert.Zero(t, h.reg.Len())
	assert.Zero(t, h.ledger("3").FilterCalls())

	found := false
	for _, s := range h.rec.Statuses() {
		if strings.Contains(s.Message, "not deployed") {
			found = true
		}
	}
	assert.True(t, found, "statuses: %v", h.rec.Statuses())

	h.sw.Use("5777")
	h.ctrl.OnChainChanged("5777")
	snap = h.waitBound(t, "5777")
	assert.False(t, snap.Degraded)
	assert.Len(t, h.rec.Baselines(), 1)
	assert.Equal(t, kindCount(), h.ledger("5777").Subscriptions())
}

func TestRepeatedConnectOnlyRefreshesBaseline(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))
	before := h.connect(t, "5777", visitor)
	filterCalls := n1.FilterCalls()

	n1.SetCall("getBalance", big.NewInt(7e16))
	h.ctrl.OnConnect("5777")
	require.Eventually(t, func() bool { return len(h.rec.Baselines()) == 2 }, waitFor, tick)
	assert.Equal(t, "70000000000000000", h.rec.Baselines()[1].Balance)

	require.NoError(t, h.ctrl.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(h.rec.Baselines()) == 3 }, waitFor, tick)

	after := h.waitBound(t, "5777")
	assert.Equal(t, before.Binding, after.Binding)
	assert.Equal(t, filterCalls, n1.FilterCalls())
	assert.Equal(t, kindCount(), n1.Subscriptions())
	assert.Equal(t, kindCount(), h.reg.Len())

	n1.Emit(h.received("5777", 15, 0, "0x0f"))
	require.Eventually(t, func() bool { return len(h.rec.Events()) == 2 }, waitFor, tick)
	assert.Never(t, func() bool { return len(h.rec.Events()) > 2 }, 100*time.Millisecond, tick)
}

func TestDisconnectDetachesAndReconnectReplays(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))
	before := h.connect(t, "5777", visitor)
	filterCalls := n1.FilterCalls()

	h.ctrl.OnDisconnect("node went away")
	require.Eventually(t, func() bool { return h.ctrl.State().State == Disconnected }, waitFor, tick)
	assert.Zero(t, n1.Subscriptions())
	assert.Zero(t, h.reg.Len())
	assert.Equal(t, before.Binding, h.ctrl.State().Binding, "binding is retained while disconnected")

	n1.AddLog(h.received("5777", 13, 0, "0x0d"))
	h.ctrl.OnConnect("5777")
	after := h.waitBound(t, "5777")

	assert.Equal(t, before.Binding, after.Binding)
	assert.Greater(t, n1.FilterCalls(), filterCalls, "reconnect replays history")
	assert.Equal(t, []uint64{10, 13}, h.rec.EventBlocks())
	assert.Equal(t, kindCount(), n1.Subscriptions())
	assert.Equal(t, registry.Complete, after.Cursor)
}

func TestUserConnectWithoutProviderWaits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.rec.HasStatus(syncerr.SeverityWarning) }, waitFor, tick)
	assert.Equal(t, Disconnected, h.ctrl.State().State)
}

func TestNetworkChangesNeverDuplicateHandles(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "5777", visitor)

	prev := h.ctrl.State().Binding
	for _, network := range []string{"4", "5777", "4", "5777"} {
		h.sw.Use(network)
		h.ctrl.OnChainChanged(network)
		require.Eventually(t, func() bool {
			s := h.ctrl.State()
			return s.State == Bound && s.Network == network && s.Binding != prev
		}, waitFor, tick)
		snap := h.ctrl.State()
		prev = snap.Binding
		assert.Equal(t, kindCount(), h.reg.Len())
		assert.Equal(t, kindCount(), h.reg.LiveCount(snap.Binding))
		assert.Equal(t, kindCount(), h.totalSubscriptions())
	}
}

func TestRapidNetworkChangesSettle(t *testing.T) {
	h := newHarness(t)
	h.ctrl.OnAccountsChanged([]common.Address{visitor})
	h.ctrl.OnConnect("5777")
	for _, network := range []string{"4", "5777", "4", "3", "5777", "1337"} {
		h.sw.Use(network)
		h.ctrl.OnChainChanged(network)
	}

	snap := h.waitBound(t, "1337")
	assert.Equal(t, kindCount(), h.reg.Len())
	assert.Equal(t, kindCount(), h.reg.LiveCount(snap.Binding))
	assert.Equal(t, kindCount(), h.ledger("1337").Subscriptions())
	assert.Equal(t, kindCount(), h.totalSubscriptions())
}

func TestBindSubscribesOnlyKindsInArtifact(t *testing.T) {
	desc := artifactWithout(t, "Refunded", "OwnerChanged")
	require.Empty(t, desc.Topics(model.KindRefunded))
	h := newHarnessFor(t, desc)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))

	snap := h.connect(t, "5777", visitor)
	assert.Equal(t, registry.Complete, snap.Cursor)
	assert.Equal(t, []uint64{10}, h.rec.EventBlocks())
	require.Len(t, h.rec.Baselines(), 1)
	assert.Empty(t, h.errorStatuses())
	assert.Equal(t, 4, h.reg.LiveCount(snap.Binding))
	assert.Equal(t, 4, n1.Subscriptions())
	assert.False(t, h.reg.Live(snap.Binding, model.KindRefunded))

	n1.Emit(h.received("5777", 14, 0, "0x0e"))
	require.Eventually(t, func() bool { return len(h.rec.Events()) == 2 }, waitFor, tick)
}

func TestReplayRetriesExhaustedSurfaceError(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	n1.AddLog(h.received("5777", 10, 0, "0x0a"))
	// MaxRetries is 1, so two failures exhaust the first batch.
	n1.FailFilterLogs(errors.New("i/o timeout"), errors.New("i/o timeout"))

	h.sw.Use("5777")
	h.ctrl.OnAccountsChanged([]common.Address{visitor})
	h.ctrl.OnConnect("5777")

	require.Eventually(t, func() bool { return len(h.errorStatuses()) > 0 }, waitFor, tick)
	assert.Never(t, func() bool { return len(h.errorStatuses()) > 1 }, 100*time.Millisecond, tick)
	assert.Contains(t, h.errorStatuses()[0].Message, "Could not sync with ganache")

	snap := h.ctrl.State()
	assert.Equal(t, Connecting, snap.State)
	assert.False(t, snap.Degraded)
	assert.Empty(t, h.rec.Baselines())
	assert.Empty(t, h.rec.Events())
	assert.Equal(t, 2, n1.FilterCalls())
	assert.Zero(t, n1.Subscriptions())
	assert.Zero(t, h.reg.Len())

	h.sw.Use("4")
	h.ctrl.OnChainChanged("4")
	snap = h.waitBound(t, "4")
	require.Len(t, h.rec.Baselines(), 1)
	assert.Equal(t, "4", h.rec.Baselines()[0].Network)
	assert.Equal(t, kindCount(), h.totalSubscriptions())
	assert.Len(t, h.errorStatuses(), 1)
}

func TestAccountChangeDuringRefreshKeepsBaseline(t *testing.T) {
	h := newHarness(t)
	n1 := h.ledger("5777")
	h.connect(t, "5777", visitor)
	require.Len(t, h.rec.Baselines(), 1)

	var once sync.Once
	n1.OnCall(func(ctx context.Context, method string) {
		if method != "getBalance" {
			return
		}
		fired := false
		once.Do(func() {
			fired = true
			h.ctrl.OnAccountsChanged([]common.Address{owner})
		})
		if fired {
			<-ctx.Done()
		}
	})
	n1.SetCall("getBalance", big.NewInt(7e16))
	h.ctrl.OnConnect("5777")

	require.Eventually(t, func() bool { return len(h.rec.Baselines()) == 2 }, waitFor, tick)
	assert.Equal(t, "70000000000000000", h.rec.Baselines()[1].Balance)
	require.Eventually(t, func() bool { return len(h.rec.Authorizations()) == 2 }, waitFor, tick)
	assert.True(t, h.rec.Authorizations()[1].IsOwner)
	h.waitBound(t, "5777")
	assert.Never(t, func() bool { return len(h.rec.Baselines()) > 2 }, 100*time.Millisecond, tick)
}
