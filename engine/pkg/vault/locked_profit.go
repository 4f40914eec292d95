package vault

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

// LockedProfitDegradationDenominator scales LockedProfitTracker.LockedProfitDegradation.
const LockedProfitDegradationDenominator uint64 = 1_000_000_000_000

// DefaultLockedProfitDegradation releases reported profit linearly over six
// hours.
const DefaultLockedProfitDegradation = LockedProfitDegradationDenominator / (6 * 3600)

// LockedProfitTracker holds back newly reported profit so the share price
// rises gradually instead of jumping on each report.
type LockedProfitTracker struct {
	LastUpdatedLockedProfit uint64
	// LastReport is a unix timestamp in seconds.
	LastReport uint64
	// LockedProfitDegradation is the fraction of locked profit released per
	// second, over LockedProfitDegradationDenominator.
	LockedProfitDegradation uint64
}

// LockedProfit returns the profit still locked at now (unix seconds).
func (t LockedProfitTracker) LockedProfit(now uint64) (uint64, error) {
	if now < t.LastReport {
		return 0, fmt.Errorf("%w: clock %d before last report %d", affiliate.ErrMathOverflow, now, t.LastReport)
	}
	ratio, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(now-t.LastReport), uint256.NewInt(t.LockedProfitDegradation))
	denominator := uint256.NewInt(LockedProfitDegradationDenominator)
	if overflow || ratio.Gt(denominator) {
		return 0, nil
	}
	locked := new(uint256.Int).Sub(denominator, ratio)
	locked.Mul(locked, uint256.NewInt(t.LastUpdatedLockedProfit))
	locked.Div(locked, denominator)
	return locked.Uint64(), nil
}

// UnlockedAmount returns total minus the profit still locked at now.
func (t LockedProfitTracker) UnlockedAmount(total, now uint64) (uint64, error) {
	locked, err := t.LockedProfit(now)
	if err != nil {
		return 0, err
	}
	if locked > total {
		return 0, fmt.Errorf("%w: locked profit %d exceeds total %d", affiliate.ErrMathOverflow, locked, total)
	}
	return total - locked, nil
}

// Report locks profit reported at now on top of whatever is still locked.
func (t *LockedProfitTracker) Report(profit, now uint64) error {
	locked, err := t.LockedProfit(now)
	if err != nil {
		return err
	}
	if profit > ^uint64(0)-locked {
		return fmt.Errorf("%w: locked profit %d + %d", affiliate.ErrMathOverflow, locked, profit)
	}
	t.LastUpdatedLockedProfit = locked + profit
	t.LastReport = now
	return nil
}
