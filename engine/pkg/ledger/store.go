// Package ledger keeps an append-only ClickHouse record of committed partner
// fees and payouts, used for reporting and reconciliation against the
// registry's running balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
)

const (
	feeTable    = "fact_partner_fee"
	payoutTable = "fact_partner_payout"
)

// FeeRow is one committed settlement's fee credit.
type FeeRow struct {
	SettlementID uuid.UUID
	At           time.Time
	Partner      solana.PublicKey
	User         solana.PublicKey
	Operation    string
	Fee          uint64
	VirtualPrice uint64
}

// PayoutRow is one committed partner payout.
type PayoutRow struct {
	PayoutID          uuid.UUID
	At                time.Time
	Partner           solana.PublicKey
	PayoutDestination solana.PublicKey
	Funder            solana.PublicKey
	Amount            uint64
	RemainingFee      uint64
}

// Writer persists ledger rows.
type Writer interface {
	WriteFees(ctx context.Context, rows []FeeRow) error
	WritePayouts(ctx context.Context, rows []PayoutRow) error
}

type StoreConfig struct {
	Logger *slog.Logger
	Conn   Conn
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) WriteFees(ctx context.Context, rows []FeeRow) error {
	err := s.writeBatch(ctx, feeTable,
		"settlement_id, event_ts, partner, user_pubkey, operation, fee, virtual_price",
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{r.SettlementID, r.At.UTC(), r.Partner.String(), r.User.String(), r.Operation, r.Fee, r.VirtualPrice}
		})
	recordRows(feeTable, len(rows), err)
	return err
}

func (s *Store) WritePayouts(ctx context.Context, rows []PayoutRow) error {
	err := s.writeBatch(ctx, payoutTable,
		"payout_id, event_ts, partner, payout_destination, funder, amount, remaining_fee",
		len(rows), func(i int) []any {
			r := rows[i]
			return []any{r.PayoutID, r.At.UTC(), r.Partner.String(), r.PayoutDestination.String(), r.Funder.String(), r.Amount, r.RemainingFee}
		})
	recordRows(payoutTable, len(rows), err)
	return err
}

func recordRows(table string, count int, err error) {
	if count == 0 {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LedgerRowsWrittenTotal.WithLabelValues(table, status).Add(float64(count))
}

func (s *Store) writeBatch(ctx context.Context, table, columns string, count int, rowFn func(int) []any) error {
	if count == 0 {
		return nil
	}

	s.log.Debug("ledger: writing batch", "table", table, "count", count)

	batch, err := s.cfg.Conn.PrepareBatch(ContextWithSyncInsert(ctx), fmt.Sprintf("INSERT INTO %s (%s)", table, columns))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	for i := range count {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled during batch insert: %w", err)
		}
		if err := batch.Append(rowFn(i)...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// PartnerFeeTotal is the sum of every committed fee credited to the partner.
func (s *Store) PartnerFeeTotal(ctx context.Context, partner solana.PublicKey) (uint64, error) {
	return s.sum(ctx, "SELECT sum(fee) FROM fact_partner_fee FINAL WHERE partner = ?", partner)
}

// PartnerPayoutTotal is the sum of every committed payout to the partner.
func (s *Store) PartnerPayoutTotal(ctx context.Context, partner solana.PublicKey) (uint64, error) {
	return s.sum(ctx, "SELECT sum(amount) FROM fact_partner_payout FINAL WHERE partner = ?", partner)
}

func (s *Store) sum(ctx context.Context, query string, partner solana.PublicKey) (uint64, error) {
	var total uint64
	if err := s.cfg.Conn.QueryRow(ctx, query, partner.String()).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to query ledger total: %w", err)
	}
	return total, nil
}

// Reconciliation compares the ledger against a partner's registry balance.
// Fee credits minus payouts should equal the outstanding fee.
type Reconciliation struct {
	Partner        solana.PublicKey
	Accrued        uint64
	PaidOut        uint64
	OutstandingFee uint64
}

func (r Reconciliation) Balanced() bool {
	return r.Accrued >= r.PaidOut && r.Accrued-r.PaidOut == r.OutstandingFee
}

func (s *Store) Reconcile(ctx context.Context, p *affiliate.Partner) (Reconciliation, error) {
	accrued, err := s.PartnerFeeTotal(ctx, p.Key)
	if err != nil {
		return Reconciliation{}, err
	}
	paid, err := s.PartnerPayoutTotal(ctx, p.Key)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		Partner:        p.Key,
		Accrued:        accrued,
		PaidOut:        paid,
		OutstandingFee: p.OutstandingFee,
	}, nil
}
