package affiliate

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Fraction is a ratio supplied by the vault, such as its performance fee.
type Fraction struct {
	Numerator   uint64
	Denominator uint64
}

// DefaultPerformanceFee is the vault's performance fee (5%).
var DefaultPerformanceFee = Fraction{Numerator: 500, Denominator: 10_000}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Numerator, f.Denominator)
}

// FeeInput carries everything ComputeFee needs for one user settlement.
type FeeInput struct {
	// UserBalance is the share balance recorded at the user's last settlement.
	UserBalance uint64
	// PriorPrice is the virtual price recorded at the user's last settlement.
	PriorPrice uint64
	// CurrentPrice is the virtual price observed now.
	CurrentPrice uint64

	PerformanceFee  Fraction
	PartnerFeeRatio uint64
	FeeDenominator  uint64

	// Precision defaults to PricePrecision when nil.
	Precision *uint256.Int
}

// ComputeFee returns the partner's share of the vault performance fee on the
// yield a user earned between PriorPrice and CurrentPrice.
//
// Fees are charged only on positive yield: a flat or falling price yields
// exactly zero regardless of balance.
func ComputeFee(in FeeInput) (uint64, error) {
	if in.CurrentPrice <= in.PriorPrice {
		return 0, nil
	}
	precision := in.Precision
	if precision == nil {
		precision = PricePrecision
	}
	if precision.IsZero() || in.PerformanceFee.Denominator == 0 || in.FeeDenominator == 0 {
		return 0, fmt.Errorf("%w: zero divisor", ErrMathOverflow)
	}

	var overflow bool
	yield := uint256.NewInt(in.CurrentPrice - in.PriorPrice)
	if yield, overflow = yield.MulOverflow(yield, uint256.NewInt(in.UserBalance)); overflow {
		return 0, fmt.Errorf("%w: balance * price delta", ErrMathOverflow)
	}
	yield.Div(yield, precision)

	performance, overflow := new(uint256.Int).MulOverflow(yield, uint256.NewInt(in.PerformanceFee.Numerator))
	if overflow {
		return 0, fmt.Errorf("%w: yield * performance fee", ErrMathOverflow)
	}
	performance.Div(performance, uint256.NewInt(in.PerformanceFee.Denominator))

	partnerFee, overflow := new(uint256.Int).MulOverflow(performance, uint256.NewInt(in.PartnerFeeRatio))
	if overflow {
		return 0, fmt.Errorf("%w: performance fee * partner ratio", ErrMathOverflow)
	}
	partnerFee.Div(partnerFee, uint256.NewInt(in.FeeDenominator))

	if !partnerFee.IsUint64() {
		return 0, fmt.Errorf("%w: partner fee %s does not fit in 64 bits", ErrMathOverflow, partnerFee.Dec())
	}
	return partnerFee.Uint64(), nil
}
