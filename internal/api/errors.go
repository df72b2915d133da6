package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/orchestrate"
	"github.com/cynsta/spendguard/internal/pricing"
	"github.com/cynsta/spendguard/internal/provider"
	"github.com/cynsta/spendguard/internal/runlock"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeRunError translates an orchestration failure into the error envelope.
// Budget refusals return 402 so clients can distinguish "out of money" from
// transient failures.
func writeRunError(w http.ResponseWriter, err error) {
	var held *runlock.HeldError
	if errors.As(err, &held) {
		writeError(w, http.StatusConflict, "run_in_progress",
			"agent is locked by run "+held.RunID)
		return
	}
	var upstream *orchestrate.UpstreamError
	if errors.As(err, &upstream) {
		writeError(w, http.StatusBadGateway, "upstream_error",
			"provider request failed: "+provider.ClassifyError(upstream.Err))
		return
	}

	switch {
	case errors.Is(err, orchestrate.ErrMalformedRequest):
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
	case errors.Is(err, ledger.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
	case errors.Is(err, ledger.ErrInsufficientBudget):
		writeError(w, http.StatusPaymentRequired, "insufficient_budget",
			"remaining budget cannot cover the worst-case cost of this request")
	case errors.Is(err, ledger.ErrReservationHeld):
		writeError(w, http.StatusConflict, "reservation_held",
			"agent already has a pending reservation")
	case errors.Is(err, pricing.ErrUnknownModel):
		writeError(w, http.StatusUnprocessableEntity, "unknown_model",
			"no verified pricing for the requested model")
	case errors.Is(err, pricing.ErrVerificationFailed), errors.Is(err, pricing.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "pricing_unavailable",
			"pricing catalog could not be verified")
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "unknown_provider", "no such provider configured")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
