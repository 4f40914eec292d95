package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
)

// UserResponse is the API view of a user record.
type UserResponse struct {
	User                string `json:"user"`
	Owner               string `json:"owner"`
	Partner             string `json:"partner"`
	CurrentVirtualPrice uint64 `json:"current_virtual_price"`
	LPToken             uint64 `json:"lp_token"`
}

func userResponse(u *affiliate.User) UserResponse {
	return UserResponse{
		User:                u.Key.String(),
		Owner:               u.Owner.String(),
		Partner:             u.Partner.String(),
		CurrentVirtualPrice: u.CurrentVirtualPrice,
		LPToken:             u.LPToken,
	}
}

// InitUserRequest registers a user under a partner. Owner defaults to the
// signer; a different owner makes the signer the payer.
type InitUserRequest struct {
	Owner string `json:"owner,omitempty"`
}

func (h *Handler) initUser(w http.ResponseWriter, r *http.Request) {
	partner, err := pathKey(r, "partner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	// The body is optional.
	var req InitUserRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, err)
		return
	}
	owner, err := optionalKey(req.Owner, "owner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	payer := mustCaller(r)
	if owner.IsZero() {
		owner = payer
	}

	u, err := h.cfg.Service.InitUserFor(r.Context(), partner, owner, payer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(u))
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "user")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	u, err := read(r.Context(), h, func(ctx context.Context) (*affiliate.User, error) {
		return h.cfg.Service.GetUser(ctx, key)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	key, err := pathKey(r, "partner")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	users, err := read(r.Context(), h, func(ctx context.Context) ([]*affiliate.User, error) {
		if _, err := h.cfg.Service.GetPartner(ctx, key); err != nil {
			return nil, err
		}
		return h.cfg.Service.ListUsers(ctx, key)
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

// SettleRequest is a deposit or withdrawal by the signing owner.
type SettleRequest struct {
	// Amount is tokens in for a deposit and shares burned for a withdrawal.
	Amount uint64 `json:"amount"`
	MinOut uint64 `json:"min_out"`
	// Strategy is required for strategy withdrawals.
	Strategy string `json:"strategy,omitempty"`
}

// SettleResponse describes a committed settlement.
type SettleResponse struct {
	SettlementID   string `json:"settlement_id"`
	Fee            uint64 `json:"fee"`
	VirtualPrice   uint64 `json:"virtual_price"`
	TokenAmount    uint64 `json:"token_amount"`
	ShareAmount    uint64 `json:"share_amount"`
	LPToken        uint64 `json:"lp_token"`
	OutstandingFee uint64 `json:"outstanding_fee"`
}

func (h *Handler) settle(kind vault.OperationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userKey, err := pathKey(r, "user")
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		var req SettleRequest
		if err := decodeBody(r, &req); err != nil {
			h.respondError(w, r, err)
			return
		}
		strategy, err := optionalKey(req.Strategy, "strategy")
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		user, err := read(r.Context(), h, func(ctx context.Context) (*affiliate.User, error) {
			return h.cfg.Service.GetUser(ctx, userKey)
		})
		if err != nil {
			h.respondError(w, r, err)
			return
		}

		span := sentry.StartSpan(r.Context(), "affiliate.settle", sentry.WithDescription(string(kind)))
		span.SetData("partner", user.Partner.String())
		span.SetData("user", userKey.String())
		res, err := h.cfg.Service.Settle(span.Context(), settlement.Request{
			Kind:     kind,
			Partner:  user.Partner,
			User:     userKey,
			Owner:    mustCaller(r),
			Amount:   req.Amount,
			MinOut:   req.MinOut,
			Strategy: strategy,
		})
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
			span.Finish()
			h.respondError(w, r, err)
			return
		}
		span.Status = sentry.SpanStatusOK
		span.Finish()

		writeJSON(w, http.StatusOK, SettleResponse{
			SettlementID:   res.SettlementID.String(),
			Fee:            res.Fee,
			VirtualPrice:   res.VirtualPrice,
			TokenAmount:    res.Receipt.TokenAmount,
			ShareAmount:    res.Receipt.ShareAmount,
			LPToken:        res.LPToken,
			OutstandingFee: res.OutstandingFee,
		})
	}
}
