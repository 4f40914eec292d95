package affiliate

import (
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// MaxCumulativeFee is the ceiling of the lifetime fee counter (2^128 - 1).
var MaxCumulativeFee = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Partner is a referrer attached to one vault and one payout destination.
type Partner struct {
	Key               solana.PublicKey
	Vault             solana.PublicKey
	PayoutDestination solana.PublicKey

	// FeeRatio is the partner's share of the vault performance fee, in
	// FeeDenominator units.
	FeeRatio uint64
	// OutstandingFee is fee accrued but not yet paid out.
	OutstandingFee uint64
	// CumulativeFee is the lifetime total of accrued fee, capped at
	// MaxCumulativeFee.
	CumulativeFee uint256.Int

	UserCount uint64
	Liquidity uint64
}

// NewPartner returns a partner with the default fee ratio and zeroed counters.
func NewPartner(key, vault, payoutDestination solana.PublicKey) *Partner {
	return &Partner{
		Key:               key,
		Vault:             vault,
		PayoutDestination: payoutDestination,
		FeeRatio:          DefaultFeeRatio,
	}
}

// AccrueFee credits fee to the partner. A failure leaves the partner untouched.
//
// The lifetime counter is advisory: once it has no headroom left the fee is
// still added to OutstandingFee and the counter stays where it is.
func (p *Partner) AccrueFee(fee uint64) error {
	if fee > math.MaxUint64-p.OutstandingFee {
		return fmt.Errorf("%w: outstanding fee %d + %d", ErrMathOverflow, p.OutstandingFee, fee)
	}
	p.OutstandingFee += fee

	headroom := new(uint256.Int).Sub(MaxCumulativeFee, &p.CumulativeFee)
	if !headroom.Lt(uint256.NewInt(fee)) {
		p.CumulativeFee.Add(&p.CumulativeFee, uint256.NewInt(fee))
	}
	return nil
}

// SetFeeRatio overwrites the fee ratio. Already accrued fee is not prorated.
func (p *Partner) SetFeeRatio(ratio uint64) error {
	if ratio > FeeDenominator {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidFeeRatio, ratio, FeeDenominator)
	}
	p.FeeRatio = ratio
	return nil
}

// DeductPayout removes a paid-out amount from the outstanding fee.
func (p *Partner) DeductPayout(amount uint64) error {
	if amount > p.OutstandingFee {
		return fmt.Errorf("%w: requested %d, outstanding %d", ErrInsufficientOutstandingFee, amount, p.OutstandingFee)
	}
	p.OutstandingFee -= amount
	return nil
}

// TrackLiquidity moves the liquidity rollup from a user's previous recorded
// balance to the new one. The rollup saturates at both ends.
func (p *Partner) TrackLiquidity(previous, current uint64) {
	if previous > p.Liquidity {
		p.Liquidity = 0
	} else {
		p.Liquidity -= previous
	}
	if current > math.MaxUint64-p.Liquidity {
		p.Liquidity = math.MaxUint64
	} else {
		p.Liquidity += current
	}
}

// AddUser bumps the user count rollup.
func (p *Partner) AddUser() {
	if p.UserCount < math.MaxUint64 {
		p.UserCount++
	}
}
