package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/chain"
	"donationsync/internal/config"
	"donationsync/internal/indexer"
	"donationsync/internal/notify"
	"donationsync/internal/provider"
	"donationsync/internal/registry"
	"donationsync/internal/retry"
	"donationsync/internal/session"
	"donationsync/internal/syncerr"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, watcher, err := config.LoadWatch(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	desc, err := loadDescriptor(cfg.Artifact)
	if err != nil {
		return err
	}
	account, err := config.ParseAccount(cfg.Account)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, _, closeJournal, err := openJournal(ctx, cfg.Out, cfg.Errors, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer closeJournal()

	sink := notify.Fanout{notify.NewLogSink(logger)}
	if journal != nil {
		sink = append(sink, notify.NewJournalSink(journal, logger))
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		if errors.Is(err, syncerr.ErrProviderUnavailable) {
			sink.OnStatus("No wallet or node endpoint configured; set --rpc.", syncerr.SeverityError)
		}
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	policy := retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBackoff, MaxDelay: cfg.MaxBackoff}
	controller, err := session.New(session.Config{
		Bindings: binding.NewManager(desc, chainClient, policy, logger),
		Registry: registry.New(chainClient, policy, logger),
		Replayer: indexer.NewReplayer(indexer.ReplayConfig{
			FromBlock:    cfg.FromBlock,
			BatchSize:    cfg.BatchSize,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
			MaxBackoff:   cfg.MaxBackoff,
		}, chainClient, logger),
		Sink: sink,
	}, logger)
	if err != nil {
		return err
	}

	hub := provider.NewHub(logger)
	hub.Register(controller)
	defer hub.Unregister()

	rpcProvider := provider.NewRPCProvider(chainClient, hub, cfg.PollInterval, logger)
	rpcProvider.SetAccount(account)

	lastAccount := cfg.Account
	if watcher.OnChange(func(e fsnotify.Event, next config.WatchConfig) {
		logger.Info("config changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if next.RPCURL != "" && next.RPCURL != chainClient.URL() {
			if err := rpcProvider.SwitchEndpoint(ctx, next.RPCURL); err != nil {
				logger.Error("switch endpoint failed", zap.String("rpc", next.RPCURL), zap.Error(err))
			}
		}
		if next.Account != lastAccount {
			acct, err := config.ParseAccount(next.Account)
			if err != nil {
				logger.Error("ignoring account change", zap.Error(err))
				return
			}
			lastAccount = next.Account
			rpcProvider.SetAccount(acct)
		}
	}) {
		logger.Info("watching config", zap.String("file", watcher.File()))
	}

	logger.Info("watch start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", desc.Name()),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rpcProvider.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	logger.Info("watch stopped")
	return nil
}
