package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/api/metrics"
)

// Request signature headers. The signer signs SignedMessage with its Solana
// wallet key.
const (
	HeaderSigner    = "X-Affiliate-Signer"
	HeaderTimestamp = "X-Affiliate-Timestamp"
	HeaderSignature = "X-Affiliate-Signature"
)

// maxSignedBody bounds the request body read for signature verification.
const maxSignedBody = 1 << 20

var (
	errMissingSignature = errors.New("missing request signature")
	errExpiredSignature = errors.New("request timestamp outside allowed skew")
	errInvalidSignature = errors.New("invalid request signature")
)

type callerKey struct{}

// CallerFromContext returns the verified signer of the request.
func CallerFromContext(ctx context.Context) (solana.PublicKey, bool) {
	pk, ok := ctx.Value(callerKey{}).(solana.PublicKey)
	return pk, ok
}

// ContextWithCaller returns ctx carrying caller as the verified signer.
func ContextWithCaller(ctx context.Context, caller solana.PublicKey) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// SignedMessage is the byte string a caller signs: method, path, unix
// timestamp and the hex sha256 of the body, newline separated.
func SignedMessage(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return fmt.Appendf(nil, "%s\n%s\n%d\n%s", method, path, timestamp, hex.EncodeToString(sum[:]))
}

// decodeSignature accepts standard, URL-safe and unpadded base64.
func decodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Try URL-safe base64
		sig, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			// Try raw base64 (without padding)
			sig, err = base64.RawStdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("failed to decode signature: %w", err)
			}
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(sig))
	}
	return sig, nil
}

// verifyRequest checks the signature headers of r against its body and
// returns the signer. The body is restored for the next handler.
func (h *Handler) verifyRequest(r *http.Request) (solana.PublicKey, error) {
	signer := r.Header.Get(HeaderSigner)
	ts := r.Header.Get(HeaderTimestamp)
	sigStr := r.Header.Get(HeaderSignature)
	if signer == "" || ts == "" || sigStr == "" {
		metrics.RecordAuthFailure("missing")
		return solana.PublicKey{}, errMissingSignature
	}

	pk, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		metrics.RecordAuthFailure("malformed")
		return solana.PublicKey{}, fmt.Errorf("%w: failed to decode signer: %w", errInvalidSignature, err)
	}
	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		metrics.RecordAuthFailure("malformed")
		return solana.PublicKey{}, fmt.Errorf("%w: invalid timestamp", errInvalidSignature)
	}
	sigBytes, err := decodeSignature(sigStr)
	if err != nil {
		metrics.RecordAuthFailure("malformed")
		return solana.PublicKey{}, fmt.Errorf("%w: %w", errInvalidSignature, err)
	}

	skew := h.cfg.Clock.Since(time.Unix(timestamp, 0))
	if skew > h.cfg.MaxClockSkew || skew < -h.cfg.MaxClockSkew {
		metrics.RecordAuthFailure("expired")
		return solana.PublicKey{}, errExpiredSignature
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	msg := SignedMessage(r.Method, r.URL.Path, timestamp, body)
	if !solana.SignatureFromBytes(sigBytes).Verify(pk, msg) {
		metrics.RecordAuthFailure("invalid")
		return solana.PublicKey{}, errInvalidSignature
	}
	return pk, nil
}

// requireSignature rejects requests without a valid signature and puts the
// signer in the request context.
func (h *Handler) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := h.verifyRequest(r)
		if err != nil {
			h.log.Debug("handlers: request signature rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
	})
}
