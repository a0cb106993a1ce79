package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/contract"
	"donationsync/internal/model"
	"donationsync/internal/retry"
)

// ReplayConfig holds settings for history replay.
type ReplayConfig struct {
	FromBlock    uint64
	ToBlock      uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// LogSource is the ledger surface needed to replay history.
type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Replayer reads the contract's historical logs.
type Replayer struct {
	cfg    ReplayConfig
	source LogSource
	logger *zap.Logger
}

// NewReplayer builds a Replayer with its dependencies.
func NewReplayer(cfg ReplayConfig, source LogSource, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{cfg: cfg, source: source, logger: logger}
}

func (r *Replayer) policy() retry.Policy {
	return retry.Policy{MaxRetries: r.cfg.MaxRetries, BaseDelay: r.cfg.RetryBackoff, MaxDelay: r.cfg.MaxBackoff}
}

// Replay returns a lazy sequence over every historical log of b, up to the
// head at call time (or ToBlock when set). Each call starts from scratch and
// has no effect on the ledger.
func (r *Replayer) Replay(ctx context.Context, b *binding.Binding) (*Sequence, error) {
	if r.source == nil {
		return nil, fmt.Errorf("log source is nil")
	}
	if b == nil {
		return nil, fmt.Errorf("binding is nil")
	}
	if r.cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}

	from := r.cfg.FromBlock
	to := r.cfg.ToBlock
	if to == 0 {
		err := retry.Do(ctx, r.policy(), func(ctx context.Context) error {
			var err error
			to, err = r.source.LatestBlockNumber(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get latest block: %w", err)
		}
	}

	seq := &Sequence{
		r:       r,
		network: b.Network,
		address: b.Address,
		decoder: contract.NewDecoder(b.Descriptor),
		seen:    make(map[string]struct{}),
		to:      to,
		logger:  r.logger.With(zap.String("binding", b.ID), zap.String("network", b.Network)),
	}
	if from > to {
		r.logger.Info("nothing to replay", zap.Uint64("from", from), zap.Uint64("to", to))
		return seq, nil
	}

	windows, err := newBatches(from, to, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	seq.windows = windows
	return seq, nil
}

// Sequence yields decoded events in (block, log index) order. Logs with an
// unknown topic are skipped; logs that fail decoding are collected in
// DecodeErrors and skipped.
type Sequence struct {
	r       *Replayer
	network string
	address common.Address
	decoder *contract.Decoder
	logger  *zap.Logger
	to      uint64

	windows *batches
	pending []types.Log
	seen    map[string]struct{}

	current    model.DecodedEvent
	err        error
	decodeErrs []model.DecodeError
}

// Next advances to the next event. It returns false when the sequence is
// exhausted or failed; check Err.
func (s *Sequence) Next(ctx context.Context) bool {
	for {
		if s.err != nil {
			return false
		}
		if err := ctx.Err(); err != nil {
			s.err = err
			return false
		}

		if len(s.pending) == 0 {
			window, ok := s.windows.Next()
			if !ok {
				return false
			}
			if err := s.fetch(ctx, window); err != nil {
				s.err = err
				return false
			}
			continue
		}

		log := s.pending[0]
		s.pending = s.pending[1:]
		if log.Removed || s.isDuplicate(log) {
			continue
		}

		ev, err := s.decoder.Decode(s.network, log)
		if errors.Is(err, contract.ErrUnknownTopic) {
			continue
		}
		if err != nil {
			s.logger.Warn("decode failed", zap.Error(err), zap.Uint64("block", log.BlockNumber), zap.String("tx_hash", log.TxHash.Hex()))
			s.decodeErrs = append(s.decodeErrs, contract.FailureRecord(s.network, log, err))
			continue
		}

		ts, err := s.blockTimestampWithRetry(ctx, log.BlockNumber)
		if err != nil {
			s.err = fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			return false
		}
		ev.BlockTimestamp = ts
		s.current = ev
		return true
	}
}

// Event returns the event Next advanced to.
func (s *Sequence) Event() model.DecodedEvent {
	return s.current
}

// LastBlock returns the inclusive upper bound of the replay.
func (s *Sequence) LastBlock() uint64 {
	return s.to
}

// Err returns the error that stopped the sequence, if any.
func (s *Sequence) Err() error {
	return s.err
}

// DecodeErrors returns the decode failures seen so far.
func (s *Sequence) DecodeErrors() []model.DecodeError {
	return append([]model.DecodeError(nil), s.decodeErrs...)
}

func (s *Sequence) fetch(ctx context.Context, blockRange BlockRange) error {
	s.logger.Debug("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

	var logs []types.Log
	err := retry.Do(ctx, s.r.policy(), func(ctx context.Context) error {
		var err error
		logs, err = s.r.source.FilterLogs(ctx, blockRange.From, blockRange.To, []common.Address{s.address}, nil)
		if err != nil {
			s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	sortLogs(logs)
	s.pending = logs
	return nil
}

func (s *Sequence) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := retry.Do(ctx, s.r.policy(), func(ctx context.Context) error {
		var err error
		ts, err = s.r.source.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			s.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func (s *Sequence) isDuplicate(log types.Log) bool {
	id := logID(log)
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	return false
}

// Collect drains seq into a slice.
func Collect(ctx context.Context, seq *Sequence) ([]model.DecodedEvent, error) {
	var events []model.DecodedEvent
	for seq.Next(ctx) {
		events = append(events, seq.Event())
	}
	return events, seq.Err()
}
