package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/ledger"
)

// ErrUnbalanced is returned by Reconcile when any partner's ledger does not
// match its registry balance.
var ErrUnbalanced = errors.New("ledger does not match registry")

// Reconciler compares one partner against the ledger.
type Reconciler interface {
	Reconcile(ctx context.Context, p *affiliate.Partner) (ledger.Reconciliation, error)
}

// Reconcile checks every partner on vaultKey against the ledger.
func Reconcile(ctx context.Context, w io.Writer, svc PartnerService, rec Reconciler, vaultKey solana.PublicKey) error {
	partners, err := svc.ListPartners(ctx, vaultKey)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTNER\tACCRUED\tPAID OUT\tOUTSTANDING\tSTATUS")
	unbalanced := 0
	for _, p := range partners {
		r, err := rec.Reconcile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to reconcile partner %s: %w", p.Key, err)
		}
		status := "ok"
		if !r.Balanced() {
			status = "MISMATCH"
			unbalanced++
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Partner, r.Accrued, r.PaidOut, r.OutstandingFee, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if unbalanced > 0 {
		return fmt.Errorf("%w: %d of %d partner(s)", ErrUnbalanced, unbalanced, len(partners))
	}
	return nil
}
