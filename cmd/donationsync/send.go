package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"donationsync/internal/binding"
	"donationsync/internal/chain"
	"donationsync/internal/config"
	"donationsync/internal/notify"
	"donationsync/internal/retry"
)

const receiptPollInterval = time.Second

type sendPlan struct {
	method string
	value  *big.Int
	args   []interface{}
}

func planSend(action string, amount string, snap binding.Snapshot) (sendPlan, error) {
	needAmount := func() (*big.Int, error) {
		if amount == "" {
			return nil, fmt.Errorf("%s requires an ether amount", action)
		}
		return notify.ParseEther(amount)
	}

	switch action {
	case "donate":
		wei, err := needAmount()
		if err != nil {
			return sendPlan{}, err
		}
		return sendPlan{method: "donateETH", value: wei}, nil
	case "refund":
		wei, err := needAmount()
		if err != nil {
			return sendPlan{}, err
		}
		return sendPlan{method: "refund", args: []interface{}{wei}}, nil
	case "withdraw":
		return sendPlan{method: "emptyBalance"}, nil
	case "set-fee":
		wei, err := needAmount()
		if err != nil {
			return sendPlan{}, err
		}
		return sendPlan{method: "setAdminFee", args: []interface{}{wei}}, nil
	case "toggle-refund":
		return sendPlan{method: "setRefundOk", args: []interface{}{!snap.RefundOK}}, nil
	default:
		return sendPlan{}, fmt.Errorf("unknown action %q", action)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadSend(cfgFile, cmd.Flags())
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
	account, err := config.ParseAccount(cfg.Account)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	from := common.Address{}
	if account != nil {
		from = *account
	} else {
		accounts, err := chainClient.Accounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) > 0 {
			from = accounts[0]
		}
	}

	policy := retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBackoff, MaxDelay: cfg.MaxBackoff}
	manager := binding.NewManager(desc, chainClient, policy, logger)
	b, err := manager.Acquire(ctx, network)
	if err != nil {
		return err
	}

	amount := ""
	if len(args) > 1 {
		amount = args[1]
	}
	plan, err := planSend(args[0], amount, b.Snapshot)
	if err != nil {
		return err
	}
	if binding.Privileged(plan.method) && !b.Snapshot.IsOwner(from) {
		logger.Warn("account is not the contract owner", zap.String("account", from.Hex()), zap.String("owner", b.Snapshot.Owner.Hex()))
	}

	sendCtx, cancel := context.WithTimeout(ctx, cfg.ReceiptTimeout)
	defer cancel()

	sender := binding.NewSender(chainClient, receiptPollInterval, logger)
	receipt, err := sender.Send(sendCtx, b, from, plan.method, plan.value, plan.args...)
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("network", chain.ChainName(network)),
		zap.String("method", plan.method),
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed),
	}
	if balance, err := chainClient.BalanceAt(ctx, b.Address, nil); err == nil {
		fields = append(fields, zap.String("contract_balance_eth", notify.FormatEther(balance.String())))
	} else {
		logger.Warn("balance lookup failed", zap.Error(err))
	}
	logger.Info("transaction confirmed", fields...)
	return nil
}
