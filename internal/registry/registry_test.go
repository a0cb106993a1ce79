package registry

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"donationsync/internal/binding"
	"donationsync/internal/chain/chaintest"
	"donationsync/internal/contract"
	"donationsync/internal/model"
	"donationsync/internal/notify/notifytest"
	"donationsync/internal/retry"
)

var (
	owner = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	donor = common.HexToAddress("0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0")
)

type fixture struct {
	ledger   *chaintest.Ledger
	binding  *binding.Binding
	registry *Registry
	rec      *notifytest.Recorder
	gate     *Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	desc, err := contract.Default()
	require.NoError(t, err)
	ledger := chaintest.NewDonationLedger(5777, desc, owner)
	policy := retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}
	b, err := binding.NewManager(desc, ledger, policy, zaptest.NewLogger(t)).Acquire(context.Background(), "5777")
	require.NoError(t, err)

	reg := New(ledger, policy, zaptest.NewLogger(t))
	rec := &notifytest.Recorder{}
	return &fixture{ledger: ledger, binding: b, registry: reg, rec: rec, gate: reg.Gate(b, rec)}
}

func (f *fixture) received(t *testing.T, block uint64, index uint, tx string) {
	t.Helper()
	ev := f.binding.Descriptor.ABI().Events["Received"]
	log := chaintest.MustEventLog(ev, f.binding.Address, block, index, common.HexToHash(tx), donor, big.NewInt(5e16), big.NewInt(1))
	f.ledger.Emit(log)
}

func TestAttachReplacesStaleHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.Attach(ctx, f.binding, model.KindReceived, f.gate)
	require.NoError(t, err)
	second, err := f.registry.Attach(ctx, f.binding, model.KindReceived, f.gate)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatalf("stale handle still running after Attach returned")
	}
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, f.registry.LiveCount(f.binding.ID))
	assert.Equal(t, 1, f.ledger.Subscriptions())

	f.gate.Start()
	f.gate.Complete(ctx)
	f.received(t, 15, 0, "0x15")
	require.Eventually(t, func() bool { return len(f.rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.rec.Events(), 1)
}

func TestDetachAllIsNoOpWithoutHandles(t *testing.T) {
	f := newFixture(t)
	assert.Zero(t, f.registry.DetachAll(f.binding))
	assert.Zero(t, f.registry.DetachAll(nil))
	f.registry.Release(f.binding)
	assert.Zero(t, f.registry.Len())
}

func TestDetachAllStopsDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, kind := range model.AllKinds() {
		_, err := f.registry.Attach(ctx, f.binding, kind, f.gate)
		require.NoError(t, err)
	}
	require.Equal(t, len(model.AllKinds()), f.registry.LiveCount(f.binding.ID))
	for _, kind := range model.AllKinds() {
		assert.True(t, f.registry.Live(f.binding.ID, kind))
	}

	f.gate.Start()
	f.gate.Complete(ctx)

	assert.Equal(t, len(model.AllKinds()), f.registry.DetachAll(f.binding))
	assert.Zero(t, f.registry.LiveCount(f.binding.ID))
	assert.Zero(t, f.ledger.Subscriptions())
	assert.Equal(t, NotStarted, f.gate.Cursor())

	assert.Zero(t, f.ledger.Emit(chaintest.MustEventLog(
		f.binding.Descriptor.ABI().Events["Received"], f.binding.Address, 20, 0, common.HexToHash("0x20"),
		donor, big.NewInt(1), big.NewInt(2),
	)))
	assert.Empty(t, f.rec.Events())
}

func TestLiveEventsBufferedDuringReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Attach(ctx, f.binding, model.KindReceived, f.gate)
	require.NoError(t, err)

	f.gate.Start()
	f.received(t, 15, 0, "0x15")
	require.Eventually(t, func() bool { return f.gate.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.rec.Events(), "live events wait for the cursor")

	f.gate.Complete(ctx)
	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(15), events[0].BlockNumber)
	assert.Equal(t, model.KindReceived, events[0].Kind)
	assert.Equal(t, chaintest.BaseTimestamp+15*15, int(events[0].BlockTimestamp))
	assert.Equal(t, donor.Hex(), events[0].String("sender"))
}

func TestLiveDecodeErrorIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Attach(ctx, f.binding, model.KindReceived, f.gate)
	require.NoError(t, err)
	f.gate.Start()
	f.gate.Complete(ctx)

	ev := f.binding.Descriptor.ABI().Events["Received"]
	log := chaintest.MustEventLog(ev, f.binding.Address, 30, 0, common.HexToHash("0x30"), donor, big.NewInt(1), big.NewInt(1))
	log.Data = log.Data[:10]
	f.ledger.Emit(log)

	require.Eventually(t, func() bool { return len(f.rec.DecodeErrors()) == 1 }, time.Second, 5*time.Millisecond)
	decodeErr := f.rec.DecodeErrors()[0]
	assert.Equal(t, ev.ID.Hex(), decodeErr.Topic0)
	assert.Equal(t, uint64(30), decodeErr.BlockNumber)
	assert.Empty(t, f.rec.Events())
}

func TestAttachUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Attach(context.Background(), f.binding, model.EventKind("Paused"), f.gate)
	require.Error(t, err)
	assert.Zero(t, f.registry.Len())
}
