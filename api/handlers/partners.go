package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

// PartnerResponse is the API view of a partner record.
type PartnerResponse struct {
	Partner           string `json:"partner"`
	Vault             string `json:"vault"`
	PayoutDestination string `json:"payout_destination"`
	FeeRatio          uint64 `json:"fee_ratio"`
	OutstandingFee    uint64 `json:"outstanding_fee"`
	// CumulativeFee is a decimal string; it can exceed 64 bits.
	CumulativeFee string `json:"cumulative_fee"`
	UserCount     uint64 `json:"user_count"`
	Liquidity     uint64 `json:"liquidity"`
}

func partnerResponse(p *affiliate.Partner) PartnerResponse {
	return PartnerResponse{
		Partner:           p.Key.String(),
		Vault:             p.Vault.String(),
		PayoutDestination: p.PayoutDestination.String(),
		FeeRatio:          p.FeeRatio,
		OutstandingFee:    p.OutstandingFee,
		CumulativeFee:     p.CumulativeFee.Dec(),
		UserCount:         p.UserCount,
		Liquidity:         p.Liquidity,
	}
}

// InitPartnerRequest registers a partner. Vaults registers the partner on
// several vaults at once; otherwise Vault defaults to the served vault.
type InitPartnerRequest struct {
	Vault             string   `json:"vault,omitempty"`
	Vaults            []string `json:"vaults,omitempty"`
	PayoutDestination string   `json:"payout_destination"`
}

func (h *Handler) initPartner(w http.ResponseWriter, r *http.Request) {
	var req InitPartnerRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	dest, err := optionalKey(req.PayoutDestination, "payout destination")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if dest.IsZero() {
		h.respondError(w, r, fmt.Errorf("%w: payout destination is required", errBadRequest))
		return
	}

	if len(req.Vaults) > 0 {
		vaults := make([]solana.PublicKey, 0, len(req.Vaults))
		for _, v := range req.Vaults {
			pk, err := optionalKey(v, "vault")
			if err != nil {
				h.respondError(w, r, err)
				return
			}
			vaults = append(vaults, pk)
		}
		partners, err := h.cfg.Service.InitPartnerAllVaults(r.Context(), mustCaller(r), vaults, dest)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		out := make([]PartnerResponse, 0, len(partners))
		for _, p := range partners {
			out = append(out, partnerResponse(p))
		}
		writeJSON(w, http.StatusCreated, out)
		return
	}

	vaultKey, err := optionalKey(req.Vault, "vault")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if vaultKey.IsZero() {
		vaultKey = h.cfg.Service.VaultKey()
	}
	p, err := h.cfg.Service.InitPartner(r.Context(), mustCaller(r), vaultKey, dest)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, partnerResponse(p))
}

func (h *Handler) getPartner(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "partner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	p, err := read(r.Context(), h, func(ctx context.Context) (*affiliate.Partner, error) {
		return h.cfg.Service.GetPartner(ctx, key)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partnerResponse(p))
}

type UpdateFeeRatioRequest struct {
	FeeRatio *uint64 `json:"fee_ratio"`
}

func (h *Handler) updateFeeRatio(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "partner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req UpdateFeeRatioRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.FeeRatio == nil {
		h.respondError(w, r, fmt.Errorf("%w: fee_ratio is required", errBadRequest))
		return
	}
	p, err := h.cfg.Service.UpdateFeeRatio(r.Context(), mustCaller(r), key, *req.FeeRatio)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partnerResponse(p))
}

// PayoutRequest pays out accrued fee. With a Funder the tokens are
// transferred from the funder, which needs a configured payout transfer;
// without one the payout is only recorded.
type PayoutRequest struct {
	Amount uint64 `json:"amount"`
	Funder string `json:"funder,omitempty"`
}

func (h *Handler) payout(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "partner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req PayoutRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	funder, err := optionalKey(req.Funder, "funder")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var p *affiliate.Partner
	if funder.IsZero() {
		p, err = h.cfg.Service.SettlePayout(r.Context(), mustCaller(r), key, req.Amount)
	} else {
		p, err = h.cfg.Service.FundPartner(r.Context(), mustCaller(r), key, funder, req.Amount)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partnerResponse(p))
}
