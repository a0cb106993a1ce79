package indexer

import (
	"context"
	"errors"
	"math/big"
	"reflect"
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
	"donationsync/internal/model"
	"donationsync/internal/retry"
	"donationsync/internal/syncerr"
)

var (
	owner = common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	donor = common.HexToAddress("0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0")
)

func setup(t *testing.T) (*chaintest.Ledger, *binding.Binding) {
	t.Helper()
	desc, err := contract.Default()
	require.NoError(t, err)
	ledger := chaintest.NewDonationLedger(5777, desc, owner)
	b, err := binding.NewManager(desc, ledger, retry.Policy{}, zaptest.NewLogger(t)).Acquire(context.Background(), "5777")
	require.NoError(t, err)
	return ledger, b
}

func receivedLog(b *binding.Binding, block uint64, index uint, tx string, count int64) types.Log {
	ev := b.Descriptor.ABI().Events["Received"]
	return chaintest.MustEventLog(ev, b.Address, block, index, common.HexToHash(tx), donor, big.NewInt(5e16), big.NewInt(count))
}

func testConfig() ReplayConfig {
	return ReplayConfig{BatchSize: 1000, MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func TestReplayOrdersByBlockAndIndex(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 12, 0, "0x0c", 2))
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.AddLog(receivedLog(b, 12, 3, "0x0d", 4))
	ledger.AddLog(receivedLog(b, 12, 1, "0x0e", 3))

	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	events, err := Collect(context.Background(), seq)
	require.NoError(t, err)

	require.Len(t, events, 4)
	var order []string
	for _, ev := range events {
		order = append(order, ev.String("count"))
		assert.Equal(t, model.KindReceived, ev.Kind)
		assert.Equal(t, "5777", ev.Network)
		assert.Equal(t, uint64(chaintest.BaseTimestamp+ev.BlockNumber*15), ev.BlockTimestamp)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
}

func TestReplayIsIdempotent(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.AddLog(receivedLog(b, 12, 0, "0x0c", 2))
	ledger.AddLog(chaintest.MustEventLog(b.Descriptor.ABI().Events["AdminFeeChanged"], b.Address, 13, 0, common.HexToHash("0x0f"), big.NewInt(1e15)))

	r := NewReplayer(ReplayConfig{BatchSize: 4}, ledger, zaptest.NewLogger(t))
	ctx := context.Background()

	seq, err := r.Replay(ctx, b)
	require.NoError(t, err)
	first, err := Collect(ctx, seq)
	require.NoError(t, err)

	seq, err = r.Replay(ctx, b)
	require.NoError(t, err)
	second, err := Collect(ctx, seq)
	require.NoError(t, err)

	require.Len(t, first, 3)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replays differ:\n%v\n%v", first, second)
	}
}

func TestReplaySkipsUnknownAndReportsDecodeErrors(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.AddLog(types.Log{
		Address:     b.Address,
		Topics:      []common.Hash{common.HexToHash("0xdeadbeef")},
		BlockNumber: 11,
		TxHash:      common.HexToHash("0x0b"),
	})
	broken := receivedLog(b, 11, 1, "0x0b", 2)
	broken.Data = broken.Data[:7]
	ledger.AddLog(broken)
	ledger.AddLog(receivedLog(b, 12, 0, "0x0c", 3))

	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	events, err := Collect(context.Background(), seq)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, uint64(10), events[0].BlockNumber)
	assert.Equal(t, uint64(12), events[1].BlockNumber)

	decodeErrs := seq.DecodeErrors()
	require.Len(t, decodeErrs, 1)
	assert.Equal(t, broken.Topics[0].Hex(), decodeErrs[0].Topic0)
	assert.Equal(t, uint64(1), decodeErrs[0].LogIndex)
}

func TestReplayBatchesRange(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 3, 0, "0x03", 1))
	ledger.AddLog(receivedLog(b, 12, 0, "0x0c", 2))
	before := ledger.FilterCalls()

	cfg := testConfig()
	cfg.BatchSize = 5
	seq, err := NewReplayer(cfg, ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	events, err := Collect(context.Background(), seq)
	require.NoError(t, err)

	assert.Len(t, events, 2)
	assert.Equal(t, 3, ledger.FilterCalls()-before)
}

func TestReplayRetriesTransientErrors(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.FailFilterLogs(errors.New("timeout"), errors.New("timeout"))

	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	events, err := Collect(context.Background(), seq)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplayExhaustedRetries(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.FailFilterLogs(errors.New("timeout"), errors.New("timeout"), errors.New("timeout"))

	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	_, err = Collect(context.Background(), seq)
	require.ErrorIs(t, err, syncerr.ErrTransientRPC)
}

func TestReplayStopsOnCancel(t *testing.T) {
	ledger, b := setup(t)
	ledger.AddLog(receivedLog(b, 10, 0, "0x0a", 1))
	ledger.AddLog(receivedLog(b, 11, 0, "0x0b", 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(ctx, b)
	require.NoError(t, err)

	require.True(t, seq.Next(ctx))
	cancel()
	assert.False(t, seq.Next(ctx))
	assert.ErrorIs(t, seq.Err(), context.Canceled)
}

func TestReplaySkipsRemovedAndDuplicateLogs(t *testing.T) {
	ledger, b := setup(t)
	log := receivedLog(b, 10, 0, "0x0a", 1)
	ledger.AddLog(log)
	ledger.AddLog(log)
	removed := receivedLog(b, 11, 0, "0x0b", 2)
	removed.Removed = true
	ledger.AddLog(removed)

	seq, err := NewReplayer(testConfig(), ledger, zaptest.NewLogger(t)).Replay(context.Background(), b)
	require.NoError(t, err)
	events, err := Collect(context.Background(), seq)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplayRequiresBatchSize(t *testing.T) {
	ledger, b := setup(t)
	_, err := NewReplayer(ReplayConfig{}, ledger, nil).Replay(context.Background(), b)
	require.Error(t, err)
}
