package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"donationsync/internal/contract"
	"donationsync/internal/storage"
	"donationsync/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "donationsync",
		Short:        "Donation contract event synchronizer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the node's network and account, replaying and streaming contract events",
		RunE:  runWatch,
	}

	watchCmd.Flags().String("rpc", "", "websocket or IPC endpoint of the node or wallet")
	watchCmd.Flags().String("artifact", "", "contract artifact JSON (defaults to the embedded Donation artifact)")
	watchCmd.Flags().String("account", "", "active account (defaults to eth_accounts)")
	watchCmd.Flags().Duration("poll-interval", 2*time.Second, "provider poll interval")
	watchCmd.Flags().Uint64("batch-size", 2000, "blocks per log query during replay")
	watchCmd.Flags().Uint64("from", 0, "first block to replay")
	watchCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	watchCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	watchCmd.Flags().Duration("max-backoff", 10*time.Second, "maximum retry backoff")
	watchCmd.Flags().String("out", "", "optional events JSONL journal")
	watchCmd.Flags().String("errors", "", "optional decode errors JSONL journal")
	watchCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for the event journal")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(watchCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the contract's event history on the node's network",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("rpc", "", "node RPC URL")
	replayCmd.Flags().String("artifact", "", "contract artifact JSON (defaults to the embedded Donation artifact)")
	replayCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	replayCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	replayCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	replayCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL")
	replayCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	replayCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	replayCmd.Flags().String("checkpoint", "", "optional checkpoint file to resume from")
	replayCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	replayCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	replayCmd.Flags().Duration("max-backoff", 10*time.Second, "maximum retry backoff")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	sendCmd := &cobra.Command{
		Use:   "send <donate|refund|withdraw|set-fee|toggle-refund> [ether]",
		Short: "Call a contract method from the active account",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSend,
	}

	sendCmd.Flags().String("rpc", "", "node RPC URL")
	sendCmd.Flags().String("artifact", "", "contract artifact JSON (defaults to the embedded Donation artifact)")
	sendCmd.Flags().String("account", "", "sending account (defaults to the node's first account)")
	sendCmd.Flags().Int("max-retries", 3, "maximum retry attempts for reads")
	sendCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	sendCmd.Flags().Duration("max-backoff", 5*time.Second, "maximum retry backoff")
	sendCmd.Flags().Duration("receipt-timeout", 2*time.Minute, "how long to wait for the receipt")
	sendCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(sendCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func loadDescriptor(path string) (*contract.Descriptor, error) {
	if path == "" {
		return contract.Default()
	}
	return contract.LoadDescriptor(path)
}

// openJournal builds the configured journals. The returned close func is
// always safe to call; a nil journal means nothing is configured.
func openJournal(ctx context.Context, out, errorsPath, dsn string) (storage.Journal, *postgres.Store, func(), error) {
	var journals storage.Multi
	if out != "" || errorsPath != "" {
		journals = append(journals, storage.NewJsonlStorage(out, errorsPath))
	}

	var store *postgres.Store
	if dsn != "" {
		var err error
		store, err = postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, func() {}, err
		}
		journals = append(journals, store)
	}

	closeFn := func() {
		if store != nil {
			store.Close()
		}
	}
	if len(journals) == 0 {
		return nil, nil, closeFn, nil
	}
	return journals, store, closeFn, nil
}
