package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/chain"
	"donationsync/internal/config"
	"donationsync/internal/indexer"
	"donationsync/internal/model"
	"donationsync/internal/notify"
	"donationsync/internal/retry"
)

const replayFlushSize = 500

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	desc, err := loadDescriptor(cfg.Artifact)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, store, closeJournal, err := openJournal(ctx, cfg.Out, cfg.Errors, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeJournal()
	if journal == nil {
		return fmt.Errorf("no output configured: set --out, --errors or --pg-dsn")
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	network := chainID.String()

	policy := retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBackoff, MaxDelay: cfg.MaxBackoff}
	manager := binding.NewManager(desc, chainClient, policy, logger)
	b, err := manager.Acquire(ctx, network)
	if err != nil {
		return err
	}
	logger.Info(notify.DescribeBaseline(b.Snapshot.Baseline(b)), zap.String("network", network))

	from := cfg.FromBlock
	checkpoints := indexer.NewCheckpointStore(cfg.Checkpoint)
	cp, ok, err := checkpoints.Load(network, b.Address.Hex())
	if err != nil {
		return err
	}
	if ok && cp.LastReplayedBlock+1 > from {
		from = cp.LastReplayedBlock + 1
		logger.Info("resume from checkpoint", zap.Uint64("from", from))
	}

	replayer := indexer.NewReplayer(indexer.ReplayConfig{
		FromBlock:    from,
		ToBlock:      cfg.ToBlock,
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}, chainClient, logger)

	logger.Info("replay start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("network", network),
		zap.String("contract", b.Address.Hex()),
		zap.Uint64("from", from),
		zap.Uint64("to", cfg.ToBlock),
		zap.Uint64("batch_size", cfg.BatchSize),
	)

	seq, err := replayer.Replay(ctx, b)
	if err != nil {
		return err
	}

	total := 0
	batch := make([]model.DecodedEvent, 0, replayFlushSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := journal.PutEvents(ctx, batch); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	for seq.Next(ctx) {
		batch = append(batch, seq.Event())
		if len(batch) >= replayFlushSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := seq.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if decodeErrs := seq.DecodeErrors(); len(decodeErrs) > 0 {
		logger.Warn("skipped undecodable event logs", zap.Int("count", len(decodeErrs)))
		if err := journal.PutDecodeErrors(ctx, decodeErrs); err != nil {
			return fmt.Errorf("write decode errors: %w", err)
		}
	}

	if err := checkpoints.Save(network, b.Address.Hex(), seq.LastBlock()); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Int("events", total),
		zap.Int("decode_errors", len(seq.DecodeErrors())),
		zap.Uint64("last_block", seq.LastBlock()),
	}
	if store != nil {
		count, err := store.CountEvents(ctx, network)
		if err != nil {
			return err
		}
		fields = append(fields, zap.Int64("journaled", count))
	}
	logger.Info("replay done", fields...)
	return nil
}
