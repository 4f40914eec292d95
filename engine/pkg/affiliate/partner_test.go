package affiliate

import (
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func newTestPartner() *Partner {
	return NewPartner(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
}

func TestAffiliate_Partner_New(t *testing.T) {
	t.Parallel()

	p := newTestPartner()
	require.Equal(t, DefaultFeeRatio, p.FeeRatio)
	require.Zero(t, p.OutstandingFee)
	require.True(t, p.CumulativeFee.IsZero())
	require.Zero(t, p.UserCount)
	require.Zero(t, p.Liquidity)
}

func TestAffiliate_Partner_AccrueFee(t *testing.T) {
	t.Parallel()

	t.Run("conserves fee across both counters", func(t *testing.T) {
		t.Parallel()

		p := newTestPartner()
		p.OutstandingFee = 100
		p.CumulativeFee.SetUint64(1_000)

		require.NoError(t, p.AccrueFee(250))
		require.Equal(t, uint64(350), p.OutstandingFee)
		require.Equal(t, uint64(1_250), p.CumulativeFee.Uint64())

		require.NoError(t, p.AccrueFee(0))
		require.Equal(t, uint64(350), p.OutstandingFee)
	})

	t.Run("outstanding overflow fails without mutation", func(t *testing.T) {
		t.Parallel()

		p := newTestPartner()
		p.OutstandingFee = math.MaxUint64 - 1
		p.CumulativeFee.SetUint64(7)

		err := p.AccrueFee(2)
		require.ErrorIs(t, err, ErrMathOverflow)
		require.Equal(t, uint64(math.MaxUint64-1), p.OutstandingFee)
		require.Equal(t, uint64(7), p.CumulativeFee.Uint64())
	})

	t.Run("cumulative counter skips instead of overflowing", func(t *testing.T) {
		t.Parallel()

		p := newTestPartner()
		start := new(uint256.Int).Sub(MaxCumulativeFee, uint256.NewInt(5))
		p.CumulativeFee.Set(start)

		require.NoError(t, p.AccrueFee(10))
		require.Equal(t, uint64(10), p.OutstandingFee)
		require.True(t, p.CumulativeFee.Eq(start))

		require.NoError(t, p.AccrueFee(5))
		require.Equal(t, uint64(15), p.OutstandingFee)
		require.True(t, p.CumulativeFee.Eq(MaxCumulativeFee))
	})
}

func TestAffiliate_Partner_SetFeeRatio(t *testing.T) {
	t.Parallel()

	p := newTestPartner()
	require.NoError(t, p.SetFeeRatio(3_000))
	require.Equal(t, uint64(3_000), p.FeeRatio)

	require.NoError(t, p.SetFeeRatio(FeeDenominator))
	require.Equal(t, FeeDenominator, p.FeeRatio)

	err := p.SetFeeRatio(FeeDenominator + 1)
	require.ErrorIs(t, err, ErrInvalidFeeRatio)
	require.Equal(t, FeeDenominator, p.FeeRatio)
}

func TestAffiliate_Partner_DeductPayout(t *testing.T) {
	t.Parallel()

	p := newTestPartner()
	p.OutstandingFee = 100

	err := p.DeductPayout(101)
	require.ErrorIs(t, err, ErrInsufficientOutstandingFee)
	require.Equal(t, uint64(100), p.OutstandingFee)

	require.NoError(t, p.DeductPayout(40))
	require.Equal(t, uint64(60), p.OutstandingFee)
	require.NoError(t, p.DeductPayout(60))
	require.Zero(t, p.OutstandingFee)
}

func TestAffiliate_Partner_Rollups(t *testing.T) {
	t.Parallel()

	p := newTestPartner()
	p.AddUser()
	p.AddUser()
	require.Equal(t, uint64(2), p.UserCount)

	p.TrackLiquidity(0, 500)
	p.TrackLiquidity(0, 300)
	require.Equal(t, uint64(800), p.Liquidity)

	p.TrackLiquidity(500, 200)
	require.Equal(t, uint64(500), p.Liquidity)

	p.TrackLiquidity(10_000, 0)
	require.Zero(t, p.Liquidity)

	p.TrackLiquidity(0, math.MaxUint64)
	p.TrackLiquidity(0, 1)
	require.Equal(t, uint64(math.MaxUint64), p.Liquidity)
}

func TestAffiliate_User_Snapshot(t *testing.T) {
	t.Parallel()

	p := newTestPartner()
	u := NewUser(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), p.Key)

	_, ok := u.Snapshot()
	require.False(t, ok)

	in := u.FeeInput(1_000_000_000_000, p, DefaultPerformanceFee)
	require.Zero(t, in.PriorPrice)
	require.Zero(t, in.UserBalance)
	require.Equal(t, DefaultFeeRatio, in.PartnerFeeRatio)

	u.SetState(1_020_000_000_000, 500_000_000)
	snap, ok := u.Snapshot()
	require.True(t, ok)
	require.Equal(t, PriorSnapshot{VirtualPrice: 1_020_000_000_000, LPToken: 500_000_000}, snap)

	in = u.FeeInput(1_030_000_000_000, p, DefaultPerformanceFee)
	require.Equal(t, uint64(1_020_000_000_000), in.PriorPrice)
	require.Equal(t, uint64(500_000_000), in.UserBalance)
}
