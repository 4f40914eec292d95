// Package notify carries settlement events to observers. Delivery is
// best-effort and never blocks or fails a settlement.
package notify

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// FeeAccrued is published once a settlement has credited a partner, before the
// vault operation runs. It is not final until the matching SettlementFinished
// reports Committed.
type FeeAccrued struct {
	SettlementID uuid.UUID
	Partner      solana.PublicKey
	User         solana.PublicKey
	Operation    string
	Fee          uint64
	VirtualPrice uint64
	At           time.Time
}

// SettlementFinished is published after every settlement attempt.
type SettlementFinished struct {
	SettlementID uuid.UUID
	Partner      solana.PublicKey
	User         solana.PublicKey
	Operation    string
	Committed    bool
	Error        string
	At           time.Time
}

// PayoutSettled is published after a partner payout commits.
type PayoutSettled struct {
	PayoutID          uuid.UUID
	Partner           solana.PublicKey
	PayoutDestination solana.PublicKey
	Funder            solana.PublicKey
	Amount            uint64
	RemainingFee      uint64
	At                time.Time
}

type Notifier interface {
	FeeAccrued(ctx context.Context, e FeeAccrued)
	SettlementFinished(ctx context.Context, e SettlementFinished)
	PayoutSettled(ctx context.Context, e PayoutSettled)
}

// Nop discards every event.
type Nop struct{}

func (Nop) FeeAccrued(context.Context, FeeAccrued)                 {}
func (Nop) SettlementFinished(context.Context, SettlementFinished) {}
func (Nop) PayoutSettled(context.Context, PayoutSettled)           {}
