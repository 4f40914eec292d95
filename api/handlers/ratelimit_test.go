package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malbeclabs/affiliate/api/handlers"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAffiliate_API_RateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst is per client", func(t *testing.T) {
		t.Parallel()
		limiter := handlers.NewRateLimiter(rate.Limit(5), 5)
		t.Cleanup(limiter.Close)

		for i := range 5 {
			require.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
		}
		require.False(t, limiter.Allow("192.168.1.1"))
		require.True(t, limiter.Allow("192.168.1.2"))
	})

	t.Run("tokens refill", func(t *testing.T) {
		t.Parallel()
		limiter := handlers.NewRateLimiter(rate.Limit(10), 2)
		t.Cleanup(limiter.Close)

		require.True(t, limiter.Allow("192.168.1.1"))
		require.True(t, limiter.Allow("192.168.1.1"))
		allowed, retryAfter := limiter.AllowWithRetry("192.168.1.1")
		require.False(t, allowed)
		require.Positive(t, retryAfter)

		require.Eventually(t, func() bool { return limiter.Allow("192.168.1.1") }, time.Second, 20*time.Millisecond)
	})

	t.Run("middleware answers 429 with retry hint", func(t *testing.T) {
		t.Parallel()
		limiter := handlers.NewRateLimiter(rate.Limit(1), 1)
		t.Cleanup(limiter.Close)

		handler := handlers.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/vault", nil)
		req.RemoteAddr = "192.168.1.50:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.NotEmpty(t, rec.Header().Get("Retry-After"))

		var resp handlers.RateLimitError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Equal(t, "rate_limit_exceeded", resp.Error)
		require.Positive(t, resp.RetryAfter)
	})

	t.Run("client ip ignores the port", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		require.Equal(t, "10.0.0.7", handlers.GetIPFromRequest(req))
		req.RemoteAddr = "10.0.0.8"
		require.Equal(t, "10.0.0.8", handlers.GetIPFromRequest(req))
	})
}
