// Package handlers serves the affiliate HTTP API: partner and user
// registration, settlements, payouts and read views.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/api/handlers/dberror"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
	"github.com/malbeclabs/affiliate/utils/pkg/retry"
)

// Service is the settlement surface the API exposes.
type Service interface {
	VaultKey() solana.PublicKey
	VaultState(ctx context.Context) (vault.State, uint64, error)
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)

	InitPartner(ctx context.Context, caller, vaultKey, payoutDestination solana.PublicKey) (*affiliate.Partner, error)
	InitPartnerAllVaults(ctx context.Context, caller solana.PublicKey, vaults []solana.PublicKey, payoutDestination solana.PublicKey) ([]*affiliate.Partner, error)
	UpdateFeeRatio(ctx context.Context, caller, partnerKey solana.PublicKey, ratio uint64) (*affiliate.Partner, error)
	SettlePayout(ctx context.Context, caller, partnerKey solana.PublicKey, amount uint64) (*affiliate.Partner, error)
	FundPartner(ctx context.Context, caller, partnerKey, funder solana.PublicKey, amount uint64) (*affiliate.Partner, error)
	InitUserFor(ctx context.Context, partnerKey, owner, payer solana.PublicKey) (*affiliate.User, error)

	GetPartner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error)
	GetUser(ctx context.Context, key solana.PublicKey) (*affiliate.User, error)
	ListUsers(ctx context.Context, partnerKey solana.PublicKey) ([]*affiliate.User, error)
}

type Config struct {
	Logger  *slog.Logger
	Service Service
	Clock   clockwork.Clock

	// MaxClockSkew bounds the age of a signed request. Defaults to 5 minutes.
	MaxClockSkew time.Duration
	// RateLimiter is applied to every /v1 route when set.
	RateLimiter *RateLimiter
	// ReadRetry paces retries of read views on transient registry errors.
	ReadRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	if cfg.ReadRetry.MaxAttempts == 0 {
		cfg.ReadRetry = retry.Config{
			MaxAttempts: 3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  500 * time.Millisecond,
		}
	}
	if cfg.ReadRetry.Clock == nil {
		cfg.ReadRetry.Clock = cfg.Clock
	}
	cfg.ReadRetry.Retryable = dberror.IsTransient
	return nil
}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Routes mounts the API under /v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		if h.cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(h.cfg.RateLimiter))
		}

		r.Get("/vault", h.getVault)
		r.Get("/partners/{partner}", h.getPartner)
		r.Get("/partners/{partner}/users", h.listUsers)
		r.Get("/users/{user}", h.getUser)

		r.Group(func(r chi.Router) {
			r.Use(h.requireSignature)

			r.Post("/partners", h.initPartner)
			r.Put("/partners/{partner}/fee-ratio", h.updateFeeRatio)
			r.Post("/partners/{partner}/payouts", h.payout)
			r.Post("/partners/{partner}/users", h.initUser)

			r.Post("/users/{user}/deposit", h.settle(vault.OperationDeposit))
			r.Post("/users/{user}/withdraw", h.settle(vault.OperationWithdraw))
			r.Post("/users/{user}/strategy-withdraw", h.settle(vault.OperationStrategyWithdraw))
		})
	})
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", errBadRequest, err)
	}
	return nil
}

// pathKey parses a base58 public key URL parameter.
func pathKey(r *http.Request, name string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(chi.URLParam(r, name))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: invalid %s key: %w", errBadRequest, name, err)
	}
	return pk, nil
}

// optionalKey parses s as a public key; empty is the zero key.
func optionalKey(s, name string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, nil
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: invalid %s key: %w", errBadRequest, name, err)
	}
	return pk, nil
}

func mustCaller(r *http.Request) solana.PublicKey {
	caller, _ := CallerFromContext(r.Context())
	return caller
}

// read runs a view with retry on transient registry errors.
func read[T any](ctx context.Context, h *Handler, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, h.cfg.ReadRetry, func() (T, error) {
		return fn(ctx)
	})
}

// VaultResponse is the vault's totals and virtual price.
type VaultResponse struct {
	Vault          string `json:"vault"`
	TotalAmount    uint64 `json:"total_amount"`
	UnlockedAmount uint64 `json:"unlocked_amount"`
	LockedProfit   uint64 `json:"locked_profit"`
	LPSupply       uint64 `json:"lp_supply"`
	VirtualPrice   uint64 `json:"virtual_price"`
}

func (h *Handler) getVault(w http.ResponseWriter, r *http.Request) {
	state, price, err := h.cfg.Service.VaultState(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VaultResponse{
		Vault:          h.cfg.Service.VaultKey().String(),
		TotalAmount:    state.TotalAmount,
		UnlockedAmount: state.UnlockedAmount,
		LockedProfit:   state.LockedProfit,
		LPSupply:       state.LPSupply,
		VirtualPrice:   price,
	})
}
