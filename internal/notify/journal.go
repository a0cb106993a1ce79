package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"donationsync/internal/model"
	"donationsync/internal/storage"
	"donationsync/internal/syncerr"
)

const journalTimeout = 10 * time.Second

// JournalSink records events and decode errors in a storage journal. Other
// notifications are ignored.
type JournalSink struct {
	journal storage.Journal
	logger  *zap.Logger
}

// NewJournalSink builds a JournalSink.
func NewJournalSink(journal storage.Journal, logger *zap.Logger) *JournalSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalSink{journal: journal, logger: logger}
}

func (s *JournalSink) OnBaselineReady(model.Baseline) {}

func (s *JournalSink) OnStatus(string, syncerr.Severity) {}

func (s *JournalSink) OnAuthorization(model.Authorization) {}

func (s *JournalSink) OnEvent(ev model.DecodedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.PutEvents(ctx, []model.DecodedEvent{ev}); err != nil {
		s.logger.Error("journal event failed", zap.String("tx_hash", ev.TxHash), zap.Error(err))
	}
}

func (s *JournalSink) OnDecodeError(d model.DecodeError) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.PutDecodeErrors(ctx, []model.DecodeError{d}); err != nil {
		s.logger.Error("journal decode error failed", zap.String("tx_hash", d.TxHash), zap.Error(err))
	}
}
