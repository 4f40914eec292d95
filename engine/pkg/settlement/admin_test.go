package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
	affiliatetesting "github.com/malbeclabs/affiliate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

// accrue settles a deposit, adds yield and settles again so the partner has
// 250_000 outstanding.
func accrue(t *testing.T, f *fixture, sim *vault.Sim, u *affiliate.User) {
	t.Helper()
	_, err := f.orch.Settle(t.Context(), request(vault.OperationDeposit, u, 500_000_000))
	require.NoError(t, err)
	require.NoError(t, sim.ReportProfit(10_000_000))
	f.clock.Advance(7 * time.Hour)
	res, err := f.orch.Settle(t.Context(), request(vault.OperationDeposit, u, 1_000))
	require.NoError(t, err)
	require.Equal(t, uint64(250_000), res.Fee)
}

func TestAffiliate_Settlement_Authorizer(t *testing.T) {
	t.Parallel()

	admin := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	require.True(t, settlement.AdminKey(admin).Authorize(admin))
	require.False(t, settlement.AdminKey(admin).Authorize(other))
	require.True(t, settlement.AnyOf{other, admin}.Authorize(admin))
	require.False(t, settlement.AnyOf{}.Authorize(admin))
	require.True(t, settlement.AuthorizerFunc(func(solana.PublicKey) bool { return true }).Authorize(other))
}

func TestAffiliate_Settlement_Admin(t *testing.T) {
	t.Parallel()

	t.Run("admin operations reject other callers", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		p, _ := f.register(t)
		intruder := solana.NewWallet().PublicKey()

		_, err := f.orch.InitPartner(t.Context(), intruder, f.vaultKey, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
		_, err = f.orch.InitPartnerAllVaults(t.Context(), intruder, []solana.PublicKey{f.vaultKey}, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
		_, err = f.orch.UpdateFeeRatio(t.Context(), intruder, p.Key, 1)
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
		_, err = f.orch.SettlePayout(t.Context(), intruder, p.Key, 0)
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
		_, err = f.orch.FundPartner(t.Context(), intruder, p.Key, solana.NewWallet().PublicKey(), 0)
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
		_, err = f.orch.InitPartner(t.Context(), solana.PublicKey{}, f.vaultKey, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, affiliate.ErrUnauthorized)
	})

	t.Run("partners are keyed by vault and payout destination", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		dest := solana.NewWallet().PublicKey()

		p, err := f.orch.InitPartner(t.Context(), f.admin, f.vaultKey, dest)
		require.NoError(t, err)
		want, err := registry.PartnerKey(f.vaultKey, dest)
		require.NoError(t, err)
		require.Equal(t, want, p.Key)
		require.Equal(t, affiliate.DefaultFeeRatio, p.FeeRatio)

		_, err = f.orch.InitPartner(t.Context(), f.admin, f.vaultKey, dest)
		require.ErrorIs(t, err, registry.ErrAlreadyExists)

		partners, err := f.orch.ListPartners(t.Context(), f.vaultKey)
		require.NoError(t, err)
		require.Len(t, partners, 1)
	})

	t.Run("bulk registration is all or nothing", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		dest := solana.NewWallet().PublicKey()
		vaults := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}

		partners, err := f.orch.InitPartnerAllVaults(t.Context(), f.admin, vaults, dest)
		require.NoError(t, err)
		require.Len(t, partners, 2)
		require.Equal(t, vaults[1], partners[1].Vault)

		fresh := solana.NewWallet().PublicKey()
		_, err = f.orch.InitPartnerAllVaults(t.Context(), f.admin, []solana.PublicKey{fresh, vaults[0]}, dest)
		require.ErrorIs(t, err, registry.ErrAlreadyExists)
		listed, err := f.orch.ListPartners(t.Context(), fresh)
		require.NoError(t, err)
		require.Empty(t, listed)

		_, err = f.orch.InitPartnerAllVaults(t.Context(), f.admin, nil, dest)
		require.Error(t, err)
	})

	t.Run("registrations listing vaults in opposite orders do not deadlock", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		vaults := []solana.PublicKey{solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()}
		reversed := []solana.PublicKey{vaults[2], vaults[1], vaults[0]}

		for range 20 {
			dest := solana.NewWallet().PublicKey()
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			errs := make(chan error, 2)
			for _, order := range [][]solana.PublicKey{vaults, reversed} {
				go func() {
					_, err := f.orch.InitPartnerAllVaults(ctx, f.admin, order, dest)
					errs <- err
				}()
			}
			first, second := <-errs, <-errs
			cancel()

			if first != nil {
				first, second = second, first
			}
			require.NoError(t, first)
			require.ErrorIs(t, second, registry.ErrAlreadyExists)
		}
	})

	t.Run("fee ratio above the denominator is rejected", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		p, _ := f.register(t)

		_, err := f.orch.UpdateFeeRatio(t.Context(), f.admin, p.Key, affiliate.FeeDenominator+1)
		require.ErrorIs(t, err, affiliate.ErrInvalidFeeRatio)

		updated, err := f.orch.UpdateFeeRatio(t.Context(), f.admin, p.Key, affiliate.FeeDenominator)
		require.NoError(t, err)
		require.Equal(t, affiliate.FeeDenominator, updated.FeeRatio)

		_, err = f.orch.UpdateFeeRatio(t.Context(), f.admin, solana.NewWallet().PublicKey(), 1)
		require.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("user registration counts users once", func(t *testing.T) {
		t.Parallel()
		f, _ := newSimFixture(t)
		p, u := f.register(t)

		want, err := registry.UserKey(p.Key, u.Owner)
		require.NoError(t, err)
		require.Equal(t, want, u.Key)
		require.Equal(t, p.Key, u.Partner)

		_, err = f.orch.InitUser(t.Context(), p.Key, u.Owner)
		require.ErrorIs(t, err, registry.ErrAlreadyExists)

		payer := solana.NewWallet().PublicKey()
		second, err := f.orch.InitUserFor(t.Context(), p.Key, solana.NewWallet().PublicKey(), payer)
		require.NoError(t, err)
		require.NotEqual(t, payer, second.Owner)

		_, err = f.orch.InitUser(t.Context(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, registry.ErrNotFound)

		got, err := f.orch.GetPartner(t.Context(), p.Key)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.UserCount)

		users, err := f.orch.ListUsers(t.Context(), p.Key)
		require.NoError(t, err)
		require.Len(t, users, 2)
	})

	t.Run("payouts never exceed the outstanding fee", func(t *testing.T) {
		t.Parallel()
		f, sim := newSimFixture(t)
		p, u := f.register(t)
		accrue(t, f, sim, u)

		_, err := f.orch.SettlePayout(t.Context(), f.admin, p.Key, 250_001)
		require.ErrorIs(t, err, affiliate.ErrInsufficientOutstandingFee)

		got, err := f.orch.SettlePayout(t.Context(), f.admin, p.Key, 100_000)
		require.NoError(t, err)
		require.Equal(t, uint64(150_000), got.OutstandingFee)
		require.Equal(t, uint64(250_000), got.CumulativeFee.Uint64())

		got, err = f.orch.SettlePayout(t.Context(), f.admin, p.Key, 150_000)
		require.NoError(t, err)
		require.Zero(t, got.OutstandingFee)

		require.Len(t, f.notifier.payouts, 2)
		require.Equal(t, uint64(150_000), f.notifier.payouts[0].RemainingFee)
	})
}

func TestAffiliate_Settlement_FundPartner(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, transfer settlement.PayoutTransfer) (*fixture, *affiliate.Partner) {
		clock := clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
		sim, err := vault.NewSim(vault.SimConfig{Logger: affiliatetesting.NewLogger(), Clock: clock})
		require.NoError(t, err)
		f := &fixture{
			store:    registry.NewMemoryStore(),
			notifier: &recordingNotifier{},
			admin:    solana.NewWallet().PublicKey(),
			vaultKey: solana.NewWallet().PublicKey(),
			clock:    clock,
		}
		f.orch, err = settlement.New(settlement.Config{
			Logger:         affiliatetesting.NewLogger(),
			Store:          f.store,
			Vault:          sim,
			VaultKey:       f.vaultKey,
			Notifier:       f.notifier,
			Clock:          clock,
			Authorizer:     settlement.AnyOf{f.admin},
			PayoutTransfer: transfer,
		})
		require.NoError(t, err)
		p, u := f.register(t)
		accrue(t, f, sim, u)
		return f, p
	}

	t.Run("transfers from the funder to the payout destination", func(t *testing.T) {
		t.Parallel()
		var got []settlement.Payout
		f, p := setup(t, func(_ context.Context, pay settlement.Payout) error {
			got = append(got, pay)
			return nil
		})
		funder := solana.NewWallet().PublicKey()

		updated, err := f.orch.FundPartner(t.Context(), f.admin, p.Key, funder, 50_000)
		require.NoError(t, err)
		require.Equal(t, uint64(200_000), updated.OutstandingFee)

		require.Len(t, got, 1)
		require.Equal(t, p.PayoutDestination, got[0].PayoutDestination)
		require.Equal(t, funder, got[0].Funder)
		require.Equal(t, uint64(50_000), got[0].Amount)
		require.Len(t, f.notifier.payouts, 1)
		require.Equal(t, got[0].ID, f.notifier.payouts[0].PayoutID)
	})

	t.Run("the payout destination cannot fund itself", func(t *testing.T) {
		t.Parallel()
		f, p := setup(t, nil)
		_, err := f.orch.FundPartner(t.Context(), f.admin, p.Key, p.PayoutDestination, 1)
		require.ErrorIs(t, err, affiliate.ErrWrongFunder)
		_, err = f.orch.FundPartner(t.Context(), f.admin, p.Key, solana.PublicKey{}, 1)
		require.Error(t, err)
	})

	t.Run("funding without a transfer is rejected", func(t *testing.T) {
		t.Parallel()
		f, p := setup(t, nil)
		_, err := f.orch.FundPartner(t.Context(), f.admin, p.Key, solana.NewWallet().PublicKey(), 1_000)
		require.ErrorIs(t, err, settlement.ErrPayoutTransferUnsupported)

		got, err := f.orch.GetPartner(t.Context(), p.Key)
		require.NoError(t, err)
		require.Equal(t, uint64(250_000), got.OutstandingFee)
		require.Empty(t, f.notifier.payouts)

		updated, err := f.orch.SettlePayout(t.Context(), f.admin, p.Key, 1_000)
		require.NoError(t, err)
		require.Equal(t, uint64(249_000), updated.OutstandingFee)
	})

	t.Run("a failed transfer rolls the payout back", func(t *testing.T) {
		t.Parallel()
		f, p := setup(t, func(context.Context, settlement.Payout) error {
			return errors.New("insufficient funds")
		})
		_, err := f.orch.FundPartner(t.Context(), f.admin, p.Key, solana.NewWallet().PublicKey(), 1_000)
		require.ErrorContains(t, err, "insufficient funds")

		got, err := f.orch.GetPartner(t.Context(), p.Key)
		require.NoError(t, err)
		require.Equal(t, uint64(250_000), got.OutstandingFee)
		require.Empty(t, f.notifier.payouts)
	})
}
