// Package affiliate holds the fee-accrual core: virtual price measurement,
// partner fee computation, and the Partner and User records it mutates.
package affiliate

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// FeeDenominator is the scale of Partner.FeeRatio (basis points).
	FeeDenominator uint64 = 10_000

	// DefaultFeeRatio is assigned to newly registered partners (50%).
	DefaultFeeRatio uint64 = 5_000
)

// PricePrecision is the virtual price scale: a price of PricePrecision means
// one vault share is worth one unit of the underlying token.
var PricePrecision = uint256.NewInt(1_000_000_000_000)

// VirtualPrice returns the price of one vault share scaled by precision.
//
// A vault with no shares outstanding is priced at parity so the first
// depositor's accounting starts from precision rather than a division by zero.
func VirtualPrice(unlockedAmount, lpSupply uint64, precision *uint256.Int) (uint64, error) {
	if precision == nil || precision.IsZero() {
		return 0, fmt.Errorf("%w: zero price precision", ErrMathOverflow)
	}
	if lpSupply == 0 {
		if !precision.IsUint64() {
			return 0, fmt.Errorf("%w: precision does not fit in 64 bits", ErrMathOverflow)
		}
		return precision.Uint64(), nil
	}

	price, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(unlockedAmount), precision)
	if overflow {
		return 0, fmt.Errorf("%w: unlocked amount * precision", ErrMathOverflow)
	}
	price.Div(price, uint256.NewInt(lpSupply))

	if !price.IsUint64() {
		return 0, fmt.Errorf("%w: virtual price %s does not fit in 64 bits", ErrMathOverflow, price.Dec())
	}
	return price.Uint64(), nil
}
