package notify

import (
	"go.uber.org/zap"

	"donationsync/internal/model"
	"donationsync/internal/syncerr"
)

// LogSink writes every notification to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) OnBaselineReady(b model.Baseline) {
	s.logger.Info(DescribeBaseline(b),
		zap.String("network", b.Network),
		zap.String("contract", b.Contract),
		zap.Uint64("block", b.Block),
		zap.String("donation_count", b.DonationCount),
	)
}

func (s *LogSink) OnEvent(ev model.DecodedEvent) {
	s.logger.Info(Describe(ev),
		zap.String("network", ev.Network),
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("block", ev.BlockNumber),
		zap.Uint64("block_timestamp", ev.BlockTimestamp),
		zap.String("tx_hash", ev.TxHash),
	)
}

func (s *LogSink) OnStatus(message string, severity syncerr.Severity) {
	switch severity {
	case syncerr.SeverityError:
		s.logger.Error(message)
	case syncerr.SeverityWarning:
		s.logger.Warn(message)
	default:
		s.logger.Info(message)
	}
}

func (s *LogSink) OnAuthorization(auth model.Authorization) {
	s.logger.Info("authorization",
		zap.String("network", auth.Network),
		zap.String("account", auth.Account),
		zap.String("owner", auth.Owner),
		zap.Bool("is_owner", auth.IsOwner),
	)
}

func (s *LogSink) OnDecodeError(d model.DecodeError) {
	s.logger.Warn("undecodable event log",
		zap.String("network", d.Network),
		zap.String("tx_hash", d.TxHash),
		zap.Uint64("block", d.BlockNumber),
		zap.String("topic0", d.Topic0),
		zap.String("error", d.Error),
	)
}
