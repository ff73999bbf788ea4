package handlers

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
)

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, t anthropic.ErrorType, message string) {
	writeJSON(w, logger, t.HTTPStatus(), anthropic.NewErrorResponse(t, message))
}

// writeFailure answers a failed non-streaming call. Rate limits carry the
// retry hint both as a header and in the body.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, f *providers.Failure) {
	body := anthropic.NewErrorResponse(f.Type, f.Message)

	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(f.RetryAfter.Seconds()))))
		body.Error.RetryAfterMs = f.RetryAfter.Milliseconds()
	}

	writeJSON(w, logger, f.HTTPStatus(), body)
}
