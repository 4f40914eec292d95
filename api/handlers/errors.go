package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/affiliate/api/handlers/dberror"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
	"github.com/malbeclabs/affiliate/engine/pkg/registry"
	"github.com/malbeclabs/affiliate/engine/pkg/settlement"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// classify maps an orchestrator error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, settlement.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, affiliate.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, affiliate.ErrInsufficientOutstandingFee):
		return http.StatusConflict, "insufficient_outstanding_fee"
	case errors.Is(err, affiliate.ErrInvalidFeeRatio):
		return http.StatusBadRequest, "invalid_fee_ratio"
	case errors.Is(err, affiliate.ErrWrongFunder):
		return http.StatusBadRequest, "wrong_funder"
	case errors.Is(err, affiliate.ErrRecordMismatch):
		return http.StatusBadRequest, "record_mismatch"
	case errors.Is(err, affiliate.ErrVaultOperationFailed):
		return http.StatusUnprocessableEntity, "vault_operation_failed"
	case errors.Is(err, affiliate.ErrMathOverflow):
		return http.StatusUnprocessableEntity, "math_overflow"
	case errors.Is(err, settlement.ErrVaultStateUnsupported), errors.Is(err, settlement.ErrPayoutTransferUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case dberror.IsTransient(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// respondError writes err with its mapped status. Unexpected errors are
// reported to Sentry and hidden from the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		message = dberror.UserMessage(err)
		h.log.Warn("handlers: transient failure", "path", r.URL.Path, "error", err)
	case http.StatusInternalServerError:
		message = "internal error"
		h.log.Error("handlers: request failed", "path", r.URL.Path, "error", err)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
	}
	writeError(w, status, code, message)
}
