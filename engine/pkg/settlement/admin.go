package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/metrics"
	"github.com/malbeclabs/affiliate/engine/pkg/notify"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
)

// Payout is a transfer of accrued fee to a partner's payout destination.
type Payout struct {
	ID                uuid.UUID
	Partner           solana.PublicKey
	PayoutDestination solana.PublicKey
	Funder            solana.PublicKey
	Amount            uint64
}

// ErrPayoutTransferUnsupported is returned by FundPartner when the
// orchestrator has no PayoutTransfer to move the tokens with.
var ErrPayoutTransferUnsupported = errors.New("payout transfer not configured")

// PayoutTransfer moves payout tokens. It runs inside the payout transaction;
// an error rolls the payout back.
type PayoutTransfer func(ctx context.Context, p Payout) error

// InitPartner registers a partner paid out to payoutDestination on vaultKey.
func (o *Orchestrator) InitPartner(ctx context.Context, caller, vaultKey, payoutDestination solana.PublicKey) (*affiliate.Partner, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}
	var out *affiliate.Partner
	err := o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		p, err := o.insertPartner(ctx, tx, vaultKey, payoutDestination)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("settlement: partner registered", "partner", out.Key, "vault", vaultKey, "payout_destination", payoutDestination)
	return out, nil
}

// InitPartnerAllVaults registers the same payout destination on every vault in
// one transaction. The partners are returned in the order of vaults.
func (o *Orchestrator) InitPartnerAllVaults(ctx context.Context, caller solana.PublicKey, vaults []solana.PublicKey, payoutDestination solana.PublicKey) ([]*affiliate.Partner, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}
	if len(vaults) == 0 {
		return nil, fmt.Errorf("%w: at least one vault is required", ErrInvalidRequest)
	}
	ordered, err := partnerLockOrder(vaults, payoutDestination)
	if err != nil {
		return nil, err
	}
	byVault := make(map[solana.PublicKey]*affiliate.Partner, len(vaults))
	err = o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		clear(byVault)
		for _, v := range ordered {
			p, err := o.insertPartner(ctx, tx, v, payoutDestination)
			if err != nil {
				return err
			}
			byVault[v] = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*affiliate.Partner, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, byVault[v])
	}
	o.log.Info("settlement: partner registered on vaults", "vaults", len(vaults), "payout_destination", payoutDestination)
	return out, nil
}

// partnerLockOrder sorts vaults by derived partner key, so concurrent
// registrations of one payout destination lock its partners in one order.
func partnerLockOrder(vaults []solana.PublicKey, payoutDestination solana.PublicKey) ([]solana.PublicKey, error) {
	keys := make(map[solana.PublicKey]solana.PublicKey, len(vaults))
	for _, v := range vaults {
		key, err := registry.PartnerKey(v, payoutDestination)
		if err != nil {
			return nil, err
		}
		keys[v] = key
	}
	ordered := slices.Clone(vaults)
	slices.SortFunc(ordered, func(a, b solana.PublicKey) int {
		return bytes.Compare(keys[a].Bytes(), keys[b].Bytes())
	})
	return ordered, nil
}

func (o *Orchestrator) insertPartner(ctx context.Context, tx registry.Tx, vaultKey, payoutDestination solana.PublicKey) (*affiliate.Partner, error) {
	if vaultKey.IsZero() || payoutDestination.IsZero() {
		return nil, fmt.Errorf("%w: vault and payout destination are required", ErrInvalidRequest)
	}
	key, err := registry.PartnerKey(vaultKey, payoutDestination)
	if err != nil {
		return nil, err
	}
	p := affiliate.NewPartner(key, vaultKey, payoutDestination)
	if err := tx.InsertPartner(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to insert partner: %w", err)
	}
	return p, nil
}

// UpdateFeeRatio sets a partner's fee ratio. Settlements that committed before
// the change keep the fee they were charged.
func (o *Orchestrator) UpdateFeeRatio(ctx context.Context, caller, partnerKey solana.PublicKey, ratio uint64) (*affiliate.Partner, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}
	var out *affiliate.Partner
	err := o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		p, err := tx.Partner(ctx, partnerKey)
		if err != nil {
			return fmt.Errorf("failed to load partner: %w", err)
		}
		previous := p.FeeRatio
		if err := p.SetFeeRatio(ratio); err != nil {
			return err
		}
		if err := tx.SavePartner(ctx, p); err != nil {
			return fmt.Errorf("failed to save partner: %w", err)
		}
		o.log.Info("settlement: partner fee ratio updated", "partner", p.Key, "previous", previous, "fee_ratio", ratio)
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SettlePayout records that amount of the partner's outstanding fee was paid
// out by other means.
func (o *Orchestrator) SettlePayout(ctx context.Context, caller, partnerKey solana.PublicKey, amount uint64) (*affiliate.Partner, error) {
	return o.payout(ctx, caller, partnerKey, solana.PublicKey{}, amount, nil)
}

// FundPartner pays amount of the partner's outstanding fee from funder to the
// partner's payout destination. The funder may not be the destination itself.
func (o *Orchestrator) FundPartner(ctx context.Context, caller, partnerKey, funder solana.PublicKey, amount uint64) (*affiliate.Partner, error) {
	if funder.IsZero() {
		return nil, fmt.Errorf("%w: funder is required", ErrInvalidRequest)
	}
	return o.payout(ctx, caller, partnerKey, funder, amount, o.cfg.PayoutTransfer)
}

func (o *Orchestrator) payout(ctx context.Context, caller, partnerKey, funder solana.PublicKey, amount uint64, transfer PayoutTransfer) (*affiliate.Partner, error) {
	if err := o.authorize(caller); err != nil {
		return nil, err
	}

	id := uuid.New()
	var out *affiliate.Partner
	err := o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		p, err := tx.Partner(ctx, partnerKey)
		if err != nil {
			return fmt.Errorf("failed to load partner: %w", err)
		}
		if !funder.IsZero() && funder.Equals(p.PayoutDestination) {
			return fmt.Errorf("%w: %s", affiliate.ErrWrongFunder, funder)
		}
		if !funder.IsZero() && transfer == nil {
			return ErrPayoutTransferUnsupported
		}
		if err := p.DeductPayout(amount); err != nil {
			return err
		}
		if transfer != nil {
			if err := transfer(ctx, Payout{
				ID:                id,
				Partner:           p.Key,
				PayoutDestination: p.PayoutDestination,
				Funder:            funder,
				Amount:            amount,
			}); err != nil {
				return fmt.Errorf("failed to transfer payout: %w", err)
			}
		}
		if err := tx.SavePartner(ctx, p); err != nil {
			return fmt.Errorf("failed to save partner: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PayoutsTotal.WithLabelValues("success").Inc()

	o.log.Info("settlement: partner payout settled", "payout_id", id, "partner", out.Key, "amount", amount, "remaining_fee", out.OutstandingFee)
	o.cfg.Notifier.PayoutSettled(ctx, notify.PayoutSettled{
		PayoutID:          id,
		Partner:           out.Key,
		PayoutDestination: out.PayoutDestination,
		Funder:            funder,
		Amount:            amount,
		RemainingFee:      out.OutstandingFee,
		At:                o.cfg.Clock.Now(),
	})
	return out, nil
}

// InitUser registers owner as a user referred by partnerKey.
func (o *Orchestrator) InitUser(ctx context.Context, partnerKey, owner solana.PublicKey) (*affiliate.User, error) {
	return o.InitUserFor(ctx, partnerKey, owner, owner)
}

// InitUserFor registers owner on behalf of payer. Registration needs no
// administrator.
func (o *Orchestrator) InitUserFor(ctx context.Context, partnerKey, owner, payer solana.PublicKey) (*affiliate.User, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	key, err := registry.UserKey(partnerKey, owner)
	if err != nil {
		return nil, err
	}

	var out *affiliate.User
	err = o.cfg.Store.WithTx(ctx, func(ctx context.Context, tx registry.Tx) error {
		p, err := tx.Partner(ctx, partnerKey)
		if err != nil {
			return fmt.Errorf("failed to load partner: %w", err)
		}
		u := affiliate.NewUser(key, owner, p.Key)
		if err := tx.InsertUser(ctx, u); err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		p.AddUser()
		if err := tx.SavePartner(ctx, p); err != nil {
			return fmt.Errorf("failed to save partner: %w", err)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("settlement: user registered", "user", out.Key, "partner", partnerKey, "owner", owner, "payer", payer)
	return out, nil
}

func (o *Orchestrator) GetPartner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error) {
	return o.cfg.Store.GetPartner(ctx, key)
}

func (o *Orchestrator) GetUser(ctx context.Context, key solana.PublicKey) (*affiliate.User, error) {
	return o.cfg.Store.GetUser(ctx, key)
}

func (o *Orchestrator) ListPartners(ctx context.Context, vaultKey solana.PublicKey) ([]*affiliate.Partner, error) {
	return o.cfg.Store.ListPartners(ctx, vaultKey)
}

func (o *Orchestrator) ListUsers(ctx context.Context, partnerKey solana.PublicKey) ([]*affiliate.User, error) {
	return o.cfg.Store.ListUsers(ctx, partnerKey)
}
