package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

// PartnerService is the orchestrator surface the admin commands use.
type PartnerService interface {
	InitPartner(ctx context.Context, caller, vaultKey, payoutDestination solana.PublicKey) (*affiliate.Partner, error)
	InitPartnerAllVaults(ctx context.Context, caller solana.PublicKey, vaults []solana.PublicKey, payoutDestination solana.PublicKey) ([]*affiliate.Partner, error)
	UpdateFeeRatio(ctx context.Context, caller, partnerKey solana.PublicKey, ratio uint64) (*affiliate.Partner, error)
	SettlePayout(ctx context.Context, caller, partnerKey solana.PublicKey, amount uint64) (*affiliate.Partner, error)
	FundPartner(ctx context.Context, caller, partnerKey, funder solana.PublicKey, amount uint64) (*affiliate.Partner, error)
	ListPartners(ctx context.Context, vaultKey solana.PublicKey) ([]*affiliate.Partner, error)
}

// InitPartner registers payoutDestination as a partner on each vault.
func InitPartner(ctx context.Context, w io.Writer, svc PartnerService, caller solana.PublicKey, vaults []solana.PublicKey, payoutDestination solana.PublicKey) error {
	var partners []*affiliate.Partner
	switch len(vaults) {
	case 0:
		return fmt.Errorf("at least one vault is required")
	case 1:
		p, err := svc.InitPartner(ctx, caller, vaults[0], payoutDestination)
		if err != nil {
			return err
		}
		partners = append(partners, p)
	default:
		ps, err := svc.InitPartnerAllVaults(ctx, caller, vaults, payoutDestination)
		if err != nil {
			return err
		}
		partners = ps
	}
	fmt.Fprintf(w, "Registered %d partner(s)\n\n", len(partners))
	return writePartners(w, partners)
}

// UpdateFeeRatio sets a partner's fee ratio.
func UpdateFeeRatio(ctx context.Context, w io.Writer, svc PartnerService, caller, partner solana.PublicKey, ratio uint64) error {
	p, err := svc.UpdateFeeRatio(ctx, caller, partner, ratio)
	if err != nil {
		return err
	}
	return writePartners(w, []*affiliate.Partner{p})
}

// Payout pays amount of a partner's outstanding fee. A zero funder records a
// payout made by other means.
func Payout(ctx context.Context, w io.Writer, svc PartnerService, caller, partner, funder solana.PublicKey, amount uint64) error {
	var (
		p   *affiliate.Partner
		err error
	)
	if funder.IsZero() {
		p, err = svc.SettlePayout(ctx, caller, partner, amount)
	} else {
		p, err = svc.FundPartner(ctx, caller, partner, funder, amount)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Paid %d to %s, %d outstanding\n", amount, p.PayoutDestination, p.OutstandingFee)
	return nil
}

// ListPartners prints every partner on a vault.
func ListPartners(ctx context.Context, w io.Writer, svc PartnerService, vaultKey solana.PublicKey) error {
	partners, err := svc.ListPartners(ctx, vaultKey)
	if err != nil {
		return err
	}
	if len(partners) == 0 {
		fmt.Fprintln(w, "No partners found")
		return nil
	}
	return writePartners(w, partners)
}

func writePartners(w io.Writer, partners []*affiliate.Partner) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTNER\tVAULT\tPAYOUT DESTINATION\tFEE RATIO\tOUTSTANDING\tCUMULATIVE\tUSERS\tLIQUIDITY")
	for _, p := range partners {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%d\n",
			p.Key, p.Vault, p.PayoutDestination, p.FeeRatio, p.OutstandingFee, p.CumulativeFee.Dec(), p.UserCount, p.Liquidity)
	}
	return tw.Flush()
}
