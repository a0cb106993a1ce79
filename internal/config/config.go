package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DONSYNC"

// WatchConfig holds configuration for the watch command.
type WatchConfig struct {
	RPCURL       string
	Artifact     string
	Account      string
	PollInterval time.Duration
	BatchSize    uint64
	FromBlock    uint64
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	Out          string
	Errors       string
	PGDSN        string
	LogLevel     string
}

// ReplayConfig holds configuration for the replay command.
type ReplayConfig struct {
	RPCURL       string
	Artifact     string
	BatchSize    uint64
	FromBlock    uint64
	ToBlock      uint64
	Out          string
	Errors       string
	PGDSN        string
	Checkpoint   string
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	LogLevel     string
}

// SendConfig holds configuration for the send command.
type SendConfig struct {
	RPCURL         string
	Artifact       string
	Account        string
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	ReceiptTimeout time.Duration
	LogLevel       string
}

// Watcher re-reads the watch configuration when its file changes.
type Watcher struct {
	v *viper.Viper
}

// LoadWatch merges config file, environment variables, and flags into WatchConfig.
func LoadWatch(cfgFile string, flags *pflag.FlagSet) (WatchConfig, *Watcher, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"poll-interval": 2 * time.Second,
		"batch-size":    uint64(2000),
		"max-retries":   5,
		"retry-backoff": 500 * time.Millisecond,
		"max-backoff":   10 * time.Second,
		"log-level":     "info",
	})
	if err != nil {
		return WatchConfig{}, nil, err
	}
	return readWatch(v), &Watcher{v: v}, nil
}

func readWatch(v *viper.Viper) WatchConfig {
	return WatchConfig{
		RPCURL:       strings.TrimSpace(v.GetString("rpc")),
		Artifact:     v.GetString("artifact"),
		Account:      strings.TrimSpace(v.GetString("account")),
		PollInterval: v.GetDuration("poll-interval"),
		BatchSize:    v.GetUint64("batch-size"),
		FromBlock:    v.GetUint64("from"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		MaxBackoff:   v.GetDuration("max-backoff"),
		Out:          v.GetString("out"),
		Errors:       v.GetString("errors"),
		PGDSN:        v.GetString("pg-dsn"),
		LogLevel:     v.GetString("log-level"),
	}
}

// File returns the config file in use, or "" when none was read.
func (w *Watcher) File() string {
	return w.v.ConfigFileUsed()
}

// OnChange starts watching the config file and calls fn with the reloaded
// configuration after every change. It does nothing when no file was read.
func (w *Watcher) OnChange(fn func(fsnotify.Event, WatchConfig)) bool {
	if w.File() == "" {
		return false
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		fn(e, readWatch(w.v))
	})
	w.v.WatchConfig()
	return true
}

// LoadReplay merges config file, environment variables, and flags into ReplayConfig.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"batch-size":    uint64(2000),
		"out":           "./data/events.jsonl",
		"errors":        "./data/decode_errors.jsonl",
		"max-retries":   5,
		"retry-backoff": 500 * time.Millisecond,
		"max-backoff":   10 * time.Second,
		"log-level":     "info",
	})
	if err != nil {
		return ReplayConfig{}, err
	}

	return ReplayConfig{
		RPCURL:       strings.TrimSpace(v.GetString("rpc")),
		Artifact:     v.GetString("artifact"),
		BatchSize:    v.GetUint64("batch-size"),
		FromBlock:    v.GetUint64("from"),
		ToBlock:      v.GetUint64("to"),
		Out:          v.GetString("out"),
		Errors:       v.GetString("errors"),
		PGDSN:        v.GetString("pg-dsn"),
		Checkpoint:   v.GetString("checkpoint"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		MaxBackoff:   v.GetDuration("max-backoff"),
		LogLevel:     v.GetString("log-level"),
	}, nil
}

// LoadSend merges config file, environment variables, and flags into SendConfig.
func LoadSend(cfgFile string, flags *pflag.FlagSet) (SendConfig, error) {
	v, err := load(cfgFile, flags, map[string]interface{}{
		"max-retries":     3,
		"retry-backoff":   500 * time.Millisecond,
		"max-backoff":     5 * time.Second,
		"receipt-timeout": 2 * time.Minute,
		"log-level":       "info",
	})
	if err != nil {
		return SendConfig{}, err
	}

	return SendConfig{
		RPCURL:         strings.TrimSpace(v.GetString("rpc")),
		Artifact:       v.GetString("artifact"),
		Account:        strings.TrimSpace(v.GetString("account")),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		MaxBackoff:     v.GetDuration("max-backoff"),
		ReceiptTimeout: v.GetDuration("receipt-timeout"),
		LogLevel:       v.GetString("log-level"),
	}, nil
}

func load(cfgFile string, flags *pflag.FlagSet, defaults map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return v, nil
}

// ParseAccount parses an optional account address. An empty string yields nil.
func ParseAccount(input string) (*common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	if !common.IsHexAddress(input) {
		return nil, fmt.Errorf("invalid account address: %s", input)
	}
	addr := common.HexToAddress(input)
	return &addr, nil
}
