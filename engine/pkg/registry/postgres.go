package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

// Numeric columns travel as text so 64-bit and 128-bit counters keep full
// precision in both directions.
const (
	partnerColumns = `pubkey, vault, payout_destination, fee_ratio,
		outstanding_fee::text, cumulative_fee::text, user_count::text, liquidity::text`
	userColumns = `pubkey, owner, partner, current_virtual_price::text, lp_token::text`
)

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore keeps records in PostgreSQL. Transactions lock the rows they
// read with SELECT ... FOR UPDATE.
type PostgresStore struct {
	log *slog.Logger
	cfg PostgresStoreConfig
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := pgTx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.log.Warn("registry: failed to roll back transaction", "error", err)
		}
	}()

	if err := fn(ctx, &postgresTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPartner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error) {
	return queryPartner(ctx, s.cfg.Pool, key, false)
}

func (s *PostgresStore) GetUser(ctx context.Context, key solana.PublicKey) (*affiliate.User, error) {
	return queryUser(ctx, s.cfg.Pool, key, false)
}

func (s *PostgresStore) ListPartners(ctx context.Context, vault solana.PublicKey) ([]*affiliate.Partner, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+partnerColumns+` FROM partners WHERE vault = $1 ORDER BY pubkey`, vault.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	defer rows.Close()

	partners := make([]*affiliate.Partner, 0)
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list partners: %w", err)
	}
	return partners, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, partner solana.PublicKey) ([]*affiliate.User, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE partner = $1 ORDER BY pubkey`, partner.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]*affiliate.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryPartner(ctx context.Context, q querier, key solana.PublicKey, forUpdate bool) (*affiliate.Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners WHERE pubkey = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPartner(q.QueryRow(ctx, query, key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("partner %s: %w", key, ErrNotFound)
	}
	return p, err
}

func queryUser(ctx context.Context, q querier, key solana.PublicKey, forUpdate bool) (*affiliate.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE pubkey = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	u, err := scanUser(q.QueryRow(ctx, query, key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", key, ErrNotFound)
	}
	return u, err
}

func scanPartner(row pgx.Row) (*affiliate.Partner, error) {
	var (
		key, vault, dest                          string
		feeRatio                                  int64
		outstanding, cumulative, count, liquidity string
	)
	if err := row.Scan(&key, &vault, &dest, &feeRatio, &outstanding, &cumulative, &count, &liquidity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan partner: %w", err)
	}

	p := &affiliate.Partner{FeeRatio: uint64(feeRatio)}
	var err error
	if p.Key, err = solana.PublicKeyFromBase58(key); err != nil {
		return nil, fmt.Errorf("invalid partner key %q: %w", key, err)
	}
	if p.Vault, err = solana.PublicKeyFromBase58(vault); err != nil {
		return nil, fmt.Errorf("invalid partner vault %q: %w", vault, err)
	}
	if p.PayoutDestination, err = solana.PublicKeyFromBase58(dest); err != nil {
		return nil, fmt.Errorf("invalid partner payout destination %q: %w", dest, err)
	}
	if p.OutstandingFee, err = strconv.ParseUint(outstanding, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid outstanding fee %q: %w", outstanding, err)
	}
	cum, err := uint256.FromDecimal(cumulative)
	if err != nil {
		return nil, fmt.Errorf("invalid cumulative fee %q: %w", cumulative, err)
	}
	p.CumulativeFee = *cum
	if p.UserCount, err = strconv.ParseUint(count, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid user count %q: %w", count, err)
	}
	if p.Liquidity, err = strconv.ParseUint(liquidity, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid liquidity %q: %w", liquidity, err)
	}
	return p, nil
}

func scanUser(row pgx.Row) (*affiliate.User, error) {
	var key, owner, partner, price, lp string
	if err := row.Scan(&key, &owner, &partner, &price, &lp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	u := &affiliate.User{}
	var err error
	if u.Key, err = solana.PublicKeyFromBase58(key); err != nil {
		return nil, fmt.Errorf("invalid user key %q: %w", key, err)
	}
	if u.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("invalid user owner %q: %w", owner, err)
	}
	if u.Partner, err = solana.PublicKeyFromBase58(partner); err != nil {
		return nil, fmt.Errorf("invalid user partner %q: %w", partner, err)
	}
	if u.CurrentVirtualPrice, err = strconv.ParseUint(price, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid virtual price %q: %w", price, err)
	}
	if u.LPToken, err = strconv.ParseUint(lp, 10, 64); err != nil {
		return nil, fmt.Errorf("invalid lp token %q: %w", lp, err)
	}
	return u, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Partner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error) {
	return queryPartner(ctx, t.tx, key, true)
}

func (t *postgresTx) User(ctx context.Context, key solana.PublicKey) (*affiliate.User, error) {
	return queryUser(ctx, t.tx, key, true)
}

func (t *postgresTx) InsertPartner(ctx context.Context, p *affiliate.Partner) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO partners (pubkey, vault, payout_destination, fee_ratio,
			outstanding_fee, cumulative_fee, user_count, liquidity)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8::text::numeric)
		ON CONFLICT DO NOTHING
	`, p.Key.String(), p.Vault.String(), p.PayoutDestination.String(), int64(p.FeeRatio),
		strconv.FormatUint(p.OutstandingFee, 10), p.CumulativeFee.Dec(),
		strconv.FormatUint(p.UserCount, 10), strconv.FormatUint(p.Liquidity, 10))
	if err != nil {
		return fmt.Errorf("failed to insert partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("partner %s: %w", p.Key, ErrAlreadyExists)
	}
	return nil
}

func (t *postgresTx) InsertUser(ctx context.Context, u *affiliate.User) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO users (pubkey, owner, partner, current_virtual_price, lp_token)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric)
		ON CONFLICT DO NOTHING
	`, u.Key.String(), u.Owner.String(), u.Partner.String(),
		strconv.FormatUint(u.CurrentVirtualPrice, 10), strconv.FormatUint(u.LPToken, 10))
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.Key, ErrAlreadyExists)
	}
	return nil
}

func (t *postgresTx) SavePartner(ctx context.Context, p *affiliate.Partner) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE partners SET
			fee_ratio = $2,
			outstanding_fee = $3::text::numeric,
			cumulative_fee = $4::text::numeric,
			user_count = $5::text::numeric,
			liquidity = $6::text::numeric,
			updated_at = NOW()
		WHERE pubkey = $1
	`, p.Key.String(), int64(p.FeeRatio), strconv.FormatUint(p.OutstandingFee, 10), p.CumulativeFee.Dec(),
		strconv.FormatUint(p.UserCount, 10), strconv.FormatUint(p.Liquidity, 10))
	if err != nil {
		return fmt.Errorf("failed to save partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("partner %s: %w", p.Key, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) SaveUser(ctx context.Context, u *affiliate.User) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users SET
			current_virtual_price = $2::text::numeric,
			lp_token = $3::text::numeric,
			updated_at = NOW()
		WHERE pubkey = $1
	`, u.Key.String(), strconv.FormatUint(u.CurrentVirtualPrice, 10), strconv.FormatUint(u.LPToken, 10))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", u.Key, ErrNotFound)
	}
	return nil
}
