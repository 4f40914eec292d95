package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/affiliate/api/handlers"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
	"github.com/malbeclabs/affiliate/engine/pkg/vault"
	affiliatetesting "github.com/malbeclabs/affiliate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	router   chi.Router
	clock    *clockwork.FakeClock
	sim      *vault.Sim
	admin    solana.PrivateKey
	vaultKey solana.PublicKey
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	sim, err := vault.NewSim(vault.SimConfig{Logger: affiliatetesting.NewLogger(), Clock: clock})
	require.NoError(t, err)

	f := &apiFixture{
		clock:    clock,
		sim:      sim,
		admin:    solana.NewWallet().PrivateKey,
		vaultKey: solana.NewWallet().PublicKey(),
	}
	orch, err := settlement.New(settlement.Config{
		Logger:     affiliatetesting.NewLogger(),
		Store:      registry.NewMemoryStore(),
		Vault:      sim,
		VaultKey:   f.vaultKey,
		Clock:      clock,
		Authorizer: settlement.AdminKey(f.admin.PublicKey()),
	})
	require.NoError(t, err)

	h, err := handlers.New(handlers.Config{
		Logger:  affiliatetesting.NewLogger(),
		Service: orch,
		Clock:   clock,
	})
	require.NoError(t, err)
	f.router = chi.NewRouter()
	h.Routes(f.router)
	return f
}

// do sends a request signed by signer at the fake clock's current time. A nil
// signer sends it unsigned.
func (f *apiFixture) do(t *testing.T, signer solana.PrivateKey, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAt(t, signer, f.clock.Now(), method, path, body)
}

func (f *apiFixture) doAt(t *testing.T, signer solana.PrivateKey, at time.Time, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		sign(t, req, signer, at.Unix(), raw)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func sign(t *testing.T, req *http.Request, signer solana.PrivateKey, ts int64, body []byte) {
	t.Helper()
	sig, err := signer.Sign(handlers.SignedMessage(req.Method, req.URL.Path, ts, body))
	require.NoError(t, err)
	req.Header.Set(handlers.HeaderSigner, signer.PublicKey().String())
	req.Header.Set(handlers.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(handlers.HeaderSignature, base64.StdEncoding.EncodeToString(sig[:]))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

// registerPartner creates a partner as the admin and a user owned by owner.
func (f *apiFixture) registerPartner(t *testing.T, owner solana.PrivateKey) (handlers.PartnerResponse, handlers.UserResponse) {
	t.Helper()
	rec := f.do(t, f.admin, http.MethodPost, "/v1/partners", handlers.InitPartnerRequest{
		PayoutDestination: solana.NewWallet().PublicKey().String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[handlers.PartnerResponse](t, rec)

	rec = f.do(t, owner, http.MethodPost, "/v1/partners/"+p.Partner+"/users", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	u := decode[handlers.UserResponse](t, rec)
	return p, u
}

func TestAffiliate_API_Config(t *testing.T) {
	t.Parallel()

	_, err := handlers.New(handlers.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = handlers.New(handlers.Config{Logger: affiliatetesting.NewLogger()})
	require.ErrorContains(t, err, "service is required")
}

func TestAffiliate_API_Signatures(t *testing.T) {
	t.Parallel()

	body := handlers.InitPartnerRequest{PayoutDestination: solana.NewWallet().PublicKey().String()}

	t.Run("unsigned requests are rejected", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		rec := f.do(t, nil, http.MethodPost, "/v1/partners", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "unauthorized", decode[handlers.ErrorResponse](t, rec).Error)
	})

	t.Run("stale timestamps are rejected", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		rec := f.doAt(t, f.admin, f.clock.Now().Add(-10*time.Minute), http.MethodPost, "/v1/partners", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		rec = f.doAt(t, f.admin, f.clock.Now().Add(10*time.Minute), http.MethodPost, "/v1/partners", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("a signature over a different body is rejected", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/partners", bytes.NewReader(raw))
		sign(t, req, f.admin, f.clock.Now().Unix(), []byte(`{"payout_destination":"other"}`))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("url-safe signatures are accepted", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/partners", bytes.NewReader(raw))
		ts := f.clock.Now().Unix()
		sig, err := f.admin.Sign(handlers.SignedMessage(http.MethodPost, "/v1/partners", ts, raw))
		require.NoError(t, err)
		req.Header.Set(handlers.HeaderSigner, f.admin.PublicKey().String())
		req.Header.Set(handlers.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(handlers.HeaderSignature, base64.URLEncoding.EncodeToString(sig[:]))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("valid signatures from non-admins are forbidden", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		rec := f.do(t, solana.NewWallet().PrivateKey, http.MethodPost, "/v1/partners", body)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestAffiliate_API_Partners(t *testing.T) {
	t.Parallel()

	t.Run("registration defaults to the served vault", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		owner := solana.NewWallet().PrivateKey
		p, u := f.registerPartner(t, owner)

		require.Equal(t, f.vaultKey.String(), p.Vault)
		require.Equal(t, uint64(5000), p.FeeRatio)
		require.Equal(t, "0", p.CumulativeFee)
		require.Equal(t, owner.PublicKey().String(), u.Owner)
		require.Equal(t, p.Partner, u.Partner)

		rec := f.do(t, nil, http.MethodGet, "/v1/partners/"+p.Partner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, uint64(1), decode[handlers.PartnerResponse](t, rec).UserCount)

		rec = f.do(t, nil, http.MethodGet, "/v1/partners/"+p.Partner+"/users", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, decode[[]handlers.UserResponse](t, rec), 1)

		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners", handlers.InitPartnerRequest{PayoutDestination: p.PayoutDestination})
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "already_exists", decode[handlers.ErrorResponse](t, rec).Error)
	})

	t.Run("registration on several vaults", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		vaults := []string{solana.NewWallet().PublicKey().String(), solana.NewWallet().PublicKey().String()}
		rec := f.do(t, f.admin, http.MethodPost, "/v1/partners", handlers.InitPartnerRequest{
			Vaults:            vaults,
			PayoutDestination: solana.NewWallet().PublicKey().String(),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		partners := decode[[]handlers.PartnerResponse](t, rec)
		require.Len(t, partners, 2)
		require.Equal(t, vaults[1], partners[1].Vault)
	})

	t.Run("users may be registered by a payer", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		p, _ := f.registerPartner(t, solana.NewWallet().PrivateKey)
		owner := solana.NewWallet().PublicKey()

		rec := f.do(t, solana.NewWallet().PrivateKey, http.MethodPost, "/v1/partners/"+p.Partner+"/users", handlers.InitUserRequest{Owner: owner.String()})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.Equal(t, owner.String(), decode[handlers.UserResponse](t, rec).Owner)
	})

	t.Run("bad requests", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		p, _ := f.registerPartner(t, solana.NewWallet().PrivateKey)

		rec := f.do(t, nil, http.MethodGet, "/v1/partners/not-a-key", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = f.do(t, nil, http.MethodGet, "/v1/partners/"+solana.NewWallet().PublicKey().String(), nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		rec = f.do(t, nil, http.MethodGet, "/v1/partners/"+solana.NewWallet().PublicKey().String()+"/users", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners", map[string]any{"payout_destination": p.PayoutDestination, "extra": 1})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners", handlers.InitPartnerRequest{})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.do(t, f.admin, http.MethodPut, "/v1/partners/"+p.Partner+"/fee-ratio", map[string]any{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = f.do(t, f.admin, http.MethodPut, "/v1/partners/"+p.Partner+"/fee-ratio", map[string]any{"fee_ratio": 10_001})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "invalid_fee_ratio", decode[handlers.ErrorResponse](t, rec).Error)
	})

	t.Run("fee ratio updates", func(t *testing.T) {
		t.Parallel()
		f := newAPIFixture(t)
		p, _ := f.registerPartner(t, solana.NewWallet().PrivateKey)

		rec := f.do(t, f.admin, http.MethodPut, "/v1/partners/"+p.Partner+"/fee-ratio", map[string]any{"fee_ratio": 0})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Zero(t, decode[handlers.PartnerResponse](t, rec).FeeRatio)
	})
}

func TestAffiliate_API_Settlement(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	owner := solana.NewWallet().PrivateKey
	p, u := f.registerPartner(t, owner)
	userPath := "/v1/users/" + u.User

	rec := f.do(t, owner, http.MethodPost, userPath+"/deposit", handlers.SettleRequest{Amount: 500_000_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[handlers.SettleResponse](t, rec)
	require.Zero(t, res.Fee)
	require.Equal(t, uint64(500_000_000), res.LPToken)
	require.NotEmpty(t, res.SettlementID)

	require.NoError(t, f.sim.ReportProfit(10_000_000))
	f.clock.Advance(7 * time.Hour)

	rec = f.do(t, owner, http.MethodPost, userPath+"/deposit", handlers.SettleRequest{Amount: 1_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[handlers.SettleResponse](t, rec)
	require.Equal(t, uint64(250_000), res.Fee)
	require.Equal(t, uint64(1_020_000_000_000), res.VirtualPrice)
	require.Equal(t, uint64(250_000), res.OutstandingFee)

	t.Run("only the owner may settle", func(t *testing.T) {
		rec := f.do(t, solana.NewWallet().PrivateKey, http.MethodPost, userPath+"/withdraw", handlers.SettleRequest{Amount: 1})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "record_mismatch", decode[handlers.ErrorResponse](t, rec).Error)
	})

	t.Run("vault rejections roll back", func(t *testing.T) {
		rec := f.do(t, owner, http.MethodPost, userPath+"/withdraw", handlers.SettleRequest{Amount: 1_000, MinOut: 1_000_000})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "vault_operation_failed", decode[handlers.ErrorResponse](t, rec).Error)

		rec = f.do(t, owner, http.MethodPost, userPath+"/strategy-withdraw", handlers.SettleRequest{Amount: 1_000})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("payouts", func(t *testing.T) {
		rec := f.do(t, f.admin, http.MethodPost, "/v1/partners/"+p.Partner+"/payouts", handlers.PayoutRequest{Amount: 250_001})
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "insufficient_outstanding_fee", decode[handlers.ErrorResponse](t, rec).Error)

		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners/"+p.Partner+"/payouts", handlers.PayoutRequest{Amount: 100_000})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := decode[handlers.PartnerResponse](t, rec)
		require.Equal(t, uint64(150_000), got.OutstandingFee)
		require.Equal(t, "250000", got.CumulativeFee)

		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners/"+p.Partner+"/payouts", handlers.PayoutRequest{Amount: 1, Funder: p.PayoutDestination})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "wrong_funder", decode[handlers.ErrorResponse](t, rec).Error)

		rec = f.do(t, f.admin, http.MethodPost, "/v1/partners/"+p.Partner+"/payouts", handlers.PayoutRequest{Amount: 1, Funder: solana.NewWallet().PublicKey().String()})
		require.Equal(t, http.StatusNotImplemented, rec.Code)
		require.Equal(t, "unsupported", decode[handlers.ErrorResponse](t, rec).Error)
		rec = f.do(t, nil, http.MethodGet, "/v1/partners/"+p.Partner, nil)
		require.Equal(t, uint64(150_000), decode[handlers.PartnerResponse](t, rec).OutstandingFee)
	})

	t.Run("views", func(t *testing.T) {
		rec := f.do(t, nil, http.MethodGet, userPath, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[handlers.UserResponse](t, rec)
		require.Equal(t, uint64(1_020_000_000_000), got.CurrentVirtualPrice)
		require.Equal(t, uint64(500_000_980), got.LPToken)

		rec = f.do(t, nil, http.MethodGet, "/v1/vault", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		v := decode[handlers.VaultResponse](t, rec)
		require.Equal(t, f.vaultKey.String(), v.Vault)
		require.Equal(t, uint64(500_000_980), v.LPSupply)
		require.GreaterOrEqual(t, v.VirtualPrice, uint64(1_020_000_000_000))
		require.Equal(t, uint64(510_001_000), v.UnlockedAmount)
	})
}
