// Package settlement runs the fee settlement that precedes every vault
// balance change, and the administrative operations on partner and user
// records.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
	"github.com/malbeclabs/affiliate/engine/pkg/notify"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
)

type Config struct {
	Logger   *slog.Logger
	Store    registry.Store
	Vault    vault.Service
	VaultKey solana.PublicKey
	Notifier notify.Notifier
	Clock    clockwork.Clock

	// PerformanceFee is the vault's cut of yield; the partner is paid a share
	// of it. Defaults to affiliate.DefaultPerformanceFee.
	PerformanceFee affiliate.Fraction
	// Precision defaults to affiliate.PricePrecision.
	Precision *uint256.Int

	Authorizer     Authorizer
	PayoutTransfer PayoutTransfer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("registry store is required")
	}
	if cfg.Vault == nil {
		return errors.New("vault is required")
	}
	if cfg.VaultKey.IsZero() {
		return errors.New("vault key is required")
	}
	if cfg.Authorizer == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PerformanceFee == (affiliate.Fraction{}) {
		cfg.PerformanceFee = affiliate.DefaultPerformanceFee
	}
	if cfg.PerformanceFee.Denominator == 0 || cfg.PerformanceFee.Numerator > cfg.PerformanceFee.Denominator {
		return fmt.Errorf("invalid performance fee %s", cfg.PerformanceFee)
	}
	if cfg.Precision == nil {
		cfg.Precision = affiliate.PricePrecision
	}
	return nil
}

// Orchestrator settles partner fees against one vault.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// VaultKey is the vault this orchestrator settles against.
func (o *Orchestrator) VaultKey() solana.PublicKey {
	return o.cfg.VaultKey
}

// ErrInvalidRequest is returned for malformed settlement and administrative
// requests.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one balance-changing operation by a user.
type Request struct {
	Kind    vault.OperationKind
	Partner solana.PublicKey
	User    solana.PublicKey
	Owner   solana.PublicKey
	Amount  uint64
	MinOut  uint64
	// Strategy is required for vault.OperationStrategyWithdraw.
	Strategy solana.PublicKey
}

func (r Request) Validate() error {
	if err := r.Kind.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.Partner.IsZero() || r.User.IsZero() || r.Owner.IsZero() {
		return fmt.Errorf("%w: partner, user and owner are required", ErrInvalidRequest)
	}
	if r.Kind == vault.OperationStrategyWithdraw && r.Strategy.IsZero() {
		return fmt.Errorf("%w: strategy is required for a strategy withdrawal", ErrInvalidRequest)
	}
	return nil
}

// Result describes a committed settlement.
type Result struct {
	SettlementID   uuid.UUID
	Fee            uint64
	VirtualPrice   uint64
	Receipt        vault.Receipt
	LPToken        uint64
	OutstandingFee uint64
}

// Settle charges the partner fee owed on the user's yield since their last
// settlement, then performs the vault operation, and records the user's new
// price and balance. Either all of it takes effect or none of it does.
//
// Settle is not interrupted by ctx cancellation once it has started.
func (o *Orchestrator) Settle(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	id := uuid.New()
	start := o.cfg.Clock.Now()
	log := o.log.With("settlement_id", id, "operation", req.Kind, "partner", req.Partner, "user", req.User)

	res, err := o.settle(ctx, log, id, req)

	finished := notify.SettlementFinished{
		SettlementID: id,
		Partner:      req.Partner,
		User:         req.User,
		Operation:    string(req.Kind),
		Committed:    err == nil,
		At:           o.cfg.Clock.Now(),
	}
	status := "committed"
	if err != nil {
		finished.Error = err.Error()
		status = "rolled_back"
		log.Warn("settlement: rolled back", "error", err)
	} else {
		metrics.FeeAccruedTotal.Add(float64(res.Fee))
		log.Info("settlement: committed", "fee", res.Fee, "virtual_price", res.VirtualPrice, "lp_token", res.LPToken)
	}
	o.cfg.Notifier.SettlementFinished(ctx, finished)
	metrics.RecordSettlement(string(req.Kind), status, o.cfg.Clock.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, id uuid.UUID, req Request) (*Result, error) {
	var (
		res       *Result
		receipt   vault.Receipt
		performed bool
	)
	err := o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		partner, err := tx.Partner(ctx, req.Partner)
		if err != nil {
			return fmt.Errorf("failed to load partner: %w", err)
		}
		user, err := tx.User(ctx, req.User)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if err := o.checkRecords(partner, user, req.Owner); err != nil {
			return err
		}

		// The price is read under the partner and user locks so settlements of
		// the same user observe prices in commit order.
		now := o.cfg.Clock.Now()
		price, err := o.virtualPrice(ctx, now)
		if err != nil {
			return err
		}

		in := user.FeeInput(price, partner, o.cfg.PerformanceFee)
		in.Precision = o.cfg.Precision
		fee, err := affiliate.ComputeFee(in)
		if err != nil {
			return fmt.Errorf("failed to compute partner fee: %w", err)
		}
		if err := partner.AccrueFee(fee); err != nil {
			return fmt.Errorf("failed to accrue partner fee: %w", err)
		}

		o.cfg.Notifier.FeeAccrued(ctx, notify.FeeAccrued{
			SettlementID: id,
			Partner:      partner.Key,
			User:         user.Key,
			Operation:    string(req.Kind),
			Fee:          fee,
			VirtualPrice: price,
			At:           now,
		})

		receipt, err = o.cfg.Vault.Perform(ctx, vault.Operation{
			Kind:     req.Kind,
			Holder:   user.Key,
			Amount:   req.Amount,
			MinOut:   req.MinOut,
			Strategy: req.Strategy,
		})
		if err != nil {
			if !errors.Is(err, affiliate.ErrVaultOperationFailed) {
				err = fmt.Errorf("%w: %w", affiliate.ErrVaultOperationFailed, err)
			}
			return err
		}
		performed = true

		balance, err := o.cfg.Vault.LPBalance(ctx, user.Key)
		if err != nil {
			return fmt.Errorf("failed to read user lp balance: %w", err)
		}
		partner.TrackLiquidity(user.LPToken, balance)
		user.SetState(price, balance)

		if err := tx.SavePartner(ctx, partner); err != nil {
			return fmt.Errorf("failed to save partner: %w", err)
		}
		if err := tx.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}

		res = &Result{
			SettlementID:   id,
			Fee:            fee,
			VirtualPrice:   price,
			Receipt:        receipt,
			LPToken:        balance,
			OutstandingFee: partner.OutstandingFee,
		}
		return nil
	})
	if err != nil {
		if performed {
			o.revert(ctx, log, receipt)
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) virtualPrice(ctx context.Context, now time.Time) (uint64, error) {
	unlocked, err := o.cfg.Vault.UnlockedAmount(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to read vault unlocked amount: %w", err)
	}
	supply, err := o.cfg.Vault.LPSupply(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read vault lp supply: %w", err)
	}
	price, err := affiliate.VirtualPrice(unlocked, supply, o.cfg.Precision)
	if err != nil {
		return 0, fmt.Errorf("failed to compute virtual price: %w", err)
	}
	return price, nil
}

func (o *Orchestrator) checkRecords(partner *affiliate.Partner, user *affiliate.User, owner solana.PublicKey) error {
	if !partner.Vault.Equals(o.cfg.VaultKey) {
		return fmt.Errorf("%w: partner %s belongs to vault %s, not %s", affiliate.ErrRecordMismatch, partner.Key, partner.Vault, o.cfg.VaultKey)
	}
	if !user.Partner.Equals(partner.Key) {
		return fmt.Errorf("%w: user %s is referred by %s, not %s", affiliate.ErrRecordMismatch, user.Key, user.Partner, partner.Key)
	}
	if !user.Owner.Equals(owner) {
		return fmt.Errorf("%w: user %s is not owned by %s", affiliate.ErrRecordMismatch, user.Key, owner)
	}
	return nil
}

// revert undoes a vault operation whose settlement did not commit.
func (o *Orchestrator) revert(ctx context.Context, log *slog.Logger, receipt vault.Receipt) {
	reverter, ok := o.cfg.Vault.(vault.Reverter)
	if !ok {
		metrics.VaultRevertsTotal.WithLabelValues("unsupported").Inc()
		log.Error("settlement: vault operation completed but settlement rolled back and vault cannot revert",
			"tokens", receipt.TokenAmount, "shares", receipt.ShareAmount)
		return
	}
	if err := reverter.Revert(ctx, receipt); err != nil {
		metrics.VaultRevertsTotal.WithLabelValues("error").Inc()
		log.Error("settlement: failed to revert vault operation", "error", err,
			"tokens", receipt.TokenAmount, "shares", receipt.ShareAmount)
		return
	}
	metrics.VaultRevertsTotal.WithLabelValues("success").Inc()
}

// ErrVaultStateUnsupported is returned by VaultState for vaults that cannot
// report their totals.
var ErrVaultStateUnsupported = errors.New("vault does not report state")

// VaultState reports the vault's totals and current virtual price.
func (o *Orchestrator) VaultState(ctx context.Context) (vault.State, uint64, error) {
	inspector, ok := o.cfg.Vault.(vault.Inspector)
	if !ok {
		return vault.State{}, 0, ErrVaultStateUnsupported
	}
	state, err := inspector.State(ctx)
	if err != nil {
		return vault.State{}, 0, fmt.Errorf("failed to read vault state: %w", err)
	}
	price, err := affiliate.VirtualPrice(state.UnlockedAmount, state.LPSupply, o.cfg.Precision)
	if err != nil {
		return vault.State{}, 0, err
	}
	return state, price, nil
}
