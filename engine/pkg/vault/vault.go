// Package vault defines the yield-bearing vault the affiliate engine settles
// against, along with a simulated vault and a read-only Solana reader.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

type OperationKind string

const (
	OperationDeposit          OperationKind = "deposit"
	OperationWithdraw         OperationKind = "withdraw"
	OperationStrategyWithdraw OperationKind = "strategy_withdraw"
)

func (k OperationKind) Validate() error {
	switch k {
	case OperationDeposit, OperationWithdraw, OperationStrategyWithdraw:
		return nil
	default:
		return fmt.Errorf("unknown vault operation %q", string(k))
	}
}

// Operation is a balance-changing request against the vault. Shares are held
// by Holder, the user record that the operation settles for.
type Operation struct {
	Kind   OperationKind
	Holder solana.PublicKey
	// Amount is tokens in for a deposit and shares burned for a withdrawal.
	Amount uint64
	// MinOut is the minimum shares minted for a deposit and the minimum
	// tokens returned for a withdrawal.
	MinOut uint64
	// Strategy is only set for OperationStrategyWithdraw.
	Strategy solana.PublicKey
}

// Receipt is what a successful operation moved.
type Receipt struct {
	Operation Operation
	// TokenAmount is tokens deposited or withdrawn.
	TokenAmount uint64
	// ShareAmount is shares minted or burned.
	ShareAmount uint64
}

// Service is the vault as the settlement sees it.
type Service interface {
	// UnlockedAmount is the vault's withdrawable token amount at the given time.
	UnlockedAmount(ctx context.Context, at time.Time) (uint64, error)
	LPSupply(ctx context.Context) (uint64, error)
	LPBalance(ctx context.Context, holder solana.PublicKey) (uint64, error)
	Perform(ctx context.Context, op Operation) (Receipt, error)
}

// Reverter is implemented by vaults that can undo a completed operation.
type Reverter interface {
	Revert(ctx context.Context, receipt Receipt) error
}

// State is a point-in-time view of vault totals.
type State struct {
	TotalAmount    uint64
	UnlockedAmount uint64
	LockedProfit   uint64
	LPSupply       uint64
}

// Inspector is implemented by vaults that can report their totals.
type Inspector interface {
	State(ctx context.Context) (State, error)
}
