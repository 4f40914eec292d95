package affiliate

import (
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestAffiliate_VirtualPrice(t *testing.T) {
	t.Parallel()

	t.Run("empty vault is priced at precision", func(t *testing.T) {
		t.Parallel()

		for _, unlocked := range []uint64{0, 1, 1_000_000_000, math.MaxUint64} {
			price, err := VirtualPrice(unlocked, 0, PricePrecision)
			require.NoError(t, err)
			require.Equal(t, uint64(1_000_000_000_000), price)
		}
	})

	t.Run("floors unlocked amount per share", func(t *testing.T) {
		t.Parallel()

		price, err := VirtualPrice(510_000_000, 500_000_000, PricePrecision)
		require.NoError(t, err)
		require.Equal(t, uint64(1_020_000_000_000), price)

		price, err = VirtualPrice(1, 3, PricePrecision)
		require.NoError(t, err)
		require.Equal(t, uint64(333_333_333_333), price)
	})

	t.Run("is idempotent", func(t *testing.T) {
		t.Parallel()

		a, err := VirtualPrice(123_456_789, 98_765, PricePrecision)
		require.NoError(t, err)
		b, err := VirtualPrice(123_456_789, 98_765, PricePrecision)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})

	t.Run("wide intermediate does not overflow", func(t *testing.T) {
		t.Parallel()

		price, err := VirtualPrice(math.MaxUint64, math.MaxUint64, PricePrecision)
		require.NoError(t, err)
		require.Equal(t, uint64(1_000_000_000_000), price)
	})

	t.Run("narrowing failure is an overflow", func(t *testing.T) {
		t.Parallel()

		_, err := VirtualPrice(math.MaxUint64, 1, PricePrecision)
		require.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("zero precision is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := VirtualPrice(1, 1, uint256.NewInt(0))
		require.ErrorIs(t, err, ErrMathOverflow)
		_, err = VirtualPrice(1, 1, nil)
		require.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("precision wider than 64 bits on an empty vault", func(t *testing.T) {
		t.Parallel()

		wide := new(uint256.Int).Lsh(uint256.NewInt(1), 64)
		_, err := VirtualPrice(0, 0, wide)
		require.ErrorIs(t, err, ErrMathOverflow)
	})
}
