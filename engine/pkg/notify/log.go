package notify

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) FeeAccrued(ctx context.Context, e FeeAccrued) {
	s.log.InfoContext(ctx, "notify: partner fee accrued",
		"settlement_id", e.SettlementID,
		"partner", e.Partner,
		"user", e.User,
		"operation", e.Operation,
		"fee", e.Fee,
		"virtual_price", e.VirtualPrice,
	)
}

func (s *LogSink) SettlementFinished(ctx context.Context, e SettlementFinished) {
	if e.Committed {
		s.log.DebugContext(ctx, "notify: settlement committed",
			"settlement_id", e.SettlementID,
			"partner", e.Partner,
			"user", e.User,
			"operation", e.Operation,
		)
		return
	}
	s.log.WarnContext(ctx, "notify: settlement rolled back",
		"settlement_id", e.SettlementID,
		"partner", e.Partner,
		"user", e.User,
		"operation", e.Operation,
		"error", e.Error,
	)
}

func (s *LogSink) PayoutSettled(ctx context.Context, e PayoutSettled) {
	s.log.InfoContext(ctx, "notify: partner payout settled",
		"payout_id", e.PayoutID,
		"partner", e.Partner,
		"payout_destination", e.PayoutDestination,
		"funder", e.Funder,
		"amount", e.Amount,
		"remaining_fee", e.RemainingFee,
	)
}
