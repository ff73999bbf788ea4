package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// CountTokensHandler serves POST /v1/messages/count_tokens with a local
// estimate. No upstream is called.
type CountTokensHandler struct {
	counter TokenCounter
	logger  *slog.Logger
}

func NewCountTokensHandler(counter TokenCounter, logger *slog.Logger) *CountTokensHandler {
	if counter == nil {
		counter = ApproxCounter{}
	}

	return &CountTokensHandler{counter: counter, logger: logger}
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		writeError(w, h.logger, anthropic.ErrorInvalidRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		writeError(w, h.logger, anthropic.ErrorInvalidRequest, err.Error())
		return
	}

	writeJSON(w, h.logger, http.StatusOK, countTokensResponse{InputTokens: h.counter.CountRequest(req)})
}
