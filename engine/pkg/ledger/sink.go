package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
	"github.com/malbeclabs/affiliate/engine/pkg/notify"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultMaxBuffered   = 100_000

	// pendingTTLIntervals is the default pending fee lifetime in flush
	// intervals.
	pendingTTLIntervals = 12
)

type SinkConfig struct {
	Logger        *slog.Logger
	Writer        Writer
	Clock         clockwork.Clock
	FlushInterval time.Duration
	// MaxBuffered bounds rows held between flushes, and separately fee events
	// awaiting their settlement outcome; anything past it is dropped.
	MaxBuffered int
	// PendingTTL is how long a fee event waits for its settlement outcome
	// before it is discarded. Defaults to 12 flush intervals.
	PendingTTL time.Duration
}

func (cfg *SinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Writer == nil {
		return errors.New("ledger writer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = defaultMaxBuffered
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = pendingTTLIntervals * cfg.FlushInterval
	}
	return nil
}

// Sink records committed settlements and payouts in the ledger. Fee events are
// held until their settlement finishes; rolled back settlements never reach
// the ledger. A fee event whose outcome never arrives, because the bus dropped
// it, expires after PendingTTL.
type Sink struct {
	log *slog.Logger
	cfg SinkConfig

	mu      sync.Mutex
	pending map[uuid.UUID]pendingFee
	fees    []FeeRow
	payouts []PayoutRow
}

type pendingFee struct {
	notify.FeeAccrued
	received time.Time
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{
		log:     cfg.Logger,
		cfg:     cfg,
		pending: make(map[uuid.UUID]pendingFee),
	}, nil
}

func (s *Sink) FeeAccrued(_ context.Context, e notify.FeeAccrued) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= s.cfg.MaxBuffered {
		s.dropped(feeTable)
		return
	}
	s.pending[e.SettlementID] = pendingFee{FeeAccrued: e, received: s.cfg.Clock.Now()}
}

func (s *Sink) SettlementFinished(_ context.Context, e notify.SettlementFinished) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fee, ok := s.pending[e.SettlementID]
	delete(s.pending, e.SettlementID)
	if !ok || !e.Committed {
		return
	}
	if s.buffered() >= s.cfg.MaxBuffered {
		s.dropped(feeTable)
		return
	}
	s.fees = append(s.fees, FeeRow{
		SettlementID: fee.SettlementID,
		At:           fee.At,
		Partner:      fee.Partner,
		User:         fee.User,
		Operation:    fee.Operation,
		Fee:          fee.Fee,
		VirtualPrice: fee.VirtualPrice,
	})
}

func (s *Sink) PayoutSettled(_ context.Context, e notify.PayoutSettled) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffered() >= s.cfg.MaxBuffered {
		s.dropped(payoutTable)
		return
	}
	s.payouts = append(s.payouts, PayoutRow{
		PayoutID:          e.PayoutID,
		At:                e.At,
		Partner:           e.Partner,
		PayoutDestination: e.PayoutDestination,
		Funder:            e.Funder,
		Amount:            e.Amount,
		RemainingFee:      e.RemainingFee,
	})
}

// expirePending discards fee events older than PendingTTL. Callers hold mu.
func (s *Sink) expirePending() {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.PendingTTL)
	var expired int
	for id, p := range s.pending {
		if p.received.Before(cutoff) {
			delete(s.pending, id)
			expired++
		}
	}
	if expired > 0 {
		metrics.LedgerRowsWrittenTotal.WithLabelValues(feeTable, "expired").Add(float64(expired))
		s.log.Warn("ledger: discarded fee events with no settlement outcome", "count", expired, "ttl", s.cfg.PendingTTL)
	}
}

func (s *Sink) buffered() int {
	return len(s.fees) + len(s.payouts)
}

func (s *Sink) dropped(table string) {
	metrics.LedgerRowsWrittenTotal.WithLabelValues(table, "dropped").Inc()
	s.log.Warn("ledger: buffer full, dropping row", "table", table, "max_buffered", s.cfg.MaxBuffered)
}

// Run flushes on every interval until ctx is done, then flushes once more.
func (s *Sink) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				s.log.Error("ledger: final flush failed", "error", err)
			}
			return nil
		case <-ticker.Chan():
			if err := s.Flush(ctx); err != nil {
				s.log.Warn("ledger: flush failed, will retry", "error", err)
			}
		}
	}
}

// Flush writes buffered rows. Rows whose write fails are put back for the
// next flush. Expired fee events are discarded first.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.expirePending()
	fees, payouts := s.fees, s.payouts
	s.fees, s.payouts = nil, nil
	s.mu.Unlock()

	if len(fees) == 0 && len(payouts) == 0 {
		return nil
	}

	start := s.cfg.Clock.Now()
	defer func() {
		metrics.LedgerFlushDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	}()

	var feeErr, payoutErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feeErr = s.cfg.Writer.WriteFees(gctx, fees)
		return feeErr
	})
	g.Go(func() error {
		payoutErr = s.cfg.Writer.WritePayouts(gctx, payouts)
		return payoutErr
	})
	err := g.Wait()

	s.mu.Lock()
	if feeErr != nil {
		s.fees = append(fees, s.fees...)
	}
	if payoutErr != nil {
		s.payouts = append(payouts, s.payouts...)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to flush ledger: %w", err)
	}
	s.log.Debug("ledger: flushed", "fees", len(fees), "payouts", len(payouts))
	return nil
}
