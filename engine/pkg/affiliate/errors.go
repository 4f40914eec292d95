package affiliate

import "errors"

var (
	// ErrMathOverflow is returned when any checked arithmetic step fails:
	// overflow, a zero divisor, or narrowing a wide intermediate back to 64 bits.
	ErrMathOverflow = errors.New("math operation overflow")

	// ErrInvalidFeeRatio is returned when a partner fee ratio exceeds FeeDenominator.
	ErrInvalidFeeRatio = errors.New("invalid fee ratio")

	// ErrInsufficientOutstandingFee is returned when a payout exceeds the
	// partner's outstanding fee.
	ErrInsufficientOutstandingFee = errors.New("payout exceeds outstanding fee")

	// ErrVaultOperationFailed wraps any rejection from the vault (slippage,
	// insufficient balance, disabled vault).
	ErrVaultOperationFailed = errors.New("vault operation failed")

	// ErrWrongFunder is returned when a payout is funded from the partner's own
	// payout destination.
	ErrWrongFunder = errors.New("funder must be different from partner payout destination")

	// ErrRecordMismatch is returned when a user, partner and vault do not
	// reference each other.
	ErrRecordMismatch = errors.New("record mismatch")

	// ErrUnauthorized is returned when an admin operation is attempted by an
	// identity the authorizer rejects.
	ErrUnauthorized = errors.New("unauthorized")
)
