package registry

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"donationsync/internal/contract"
	"donationsync/internal/model"
	"donationsync/internal/retry"
)

// LiveSink receives what a handle's subscription produces.
type LiveSink interface {
	DeliverLive(ev model.DecodedEvent) bool
	ReportDecodeError(decodeErr model.DecodeError)
	ReportDropped(kind model.EventKind, err error)
}

// Handle is one live subscription for a (binding, kind) pair.
type Handle struct {
	ID      string
	Binding string
	Network string
	Kind    model.EventKind

	sub    ethereum.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the handle's delivery loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// detach stops the subscription and waits until no more deliveries can happen.
func (h *Handle) detach() {
	h.cancel()
	h.sub.Unsubscribe()
	<-h.done
}

type pump struct {
	handle  *Handle
	logs    <-chan types.Log
	decoder *contract.Decoder
	ts      TimestampSource
	policy  retry.Policy
	sink    LiveSink
	logger  *zap.Logger
	dropped func(h *Handle)
}

func (p *pump) run(ctx context.Context) {
	defer close(p.handle.done)
	h := p.handle

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-h.sub.Err():
			if !ok || err == nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("subscription dropped", zap.String("handle", h.ID), zap.String("kind", string(h.Kind)), zap.Error(err))
			p.dropped(h)
			p.sink.ReportDropped(h.Kind, err)
			return
		case log := <-p.logs:
			if log.Removed {
				p.logger.Debug("skip removed log", zap.String("tx_hash", log.TxHash.Hex()), zap.Uint64("block", log.BlockNumber))
				continue
			}
			p.handleLog(ctx, log)
		}
	}
}

func (p *pump) handleLog(ctx context.Context, log types.Log) {
	h := p.handle
	ev, err := p.decoder.Decode(h.Network, log)
	if errors.Is(err, contract.ErrUnknownTopic) {
		return
	}
	if err != nil {
		p.logger.Warn("live log decode failed", zap.String("kind", string(h.Kind)), zap.Error(err))
		p.sink.ReportDecodeError(contract.FailureRecord(h.Network, log, err))
		return
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		var err error
		ev.BlockTimestamp, err = p.ts.BlockTimestamp(ctx, log.BlockNumber)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("live block timestamp unavailable", zap.Uint64("block", log.BlockNumber), zap.Error(err))
	}

	p.sink.DeliverLive(ev)
}
