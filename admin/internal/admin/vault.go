package admin

import (
	"context"
	"fmt"
	"io"

	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
)

// ShowVault prints a vault's totals and current virtual price.
func ShowVault(ctx context.Context, w io.Writer, v vault.Inspector) error {
	state, err := v.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read vault state: %w", err)
	}
	price, err := affiliate.VirtualPrice(state.UnlockedAmount, state.LPSupply, affiliate.PricePrecision)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Total amount:    %d\n", state.TotalAmount)
	fmt.Fprintf(w, "Unlocked amount: %d\n", state.UnlockedAmount)
	fmt.Fprintf(w, "Locked profit:   %d\n", state.LockedProfit)
	fmt.Fprintf(w, "LP supply:       %d\n", state.LPSupply)
	fmt.Fprintf(w, "Virtual price:   %d\n", price)
	return nil
}
