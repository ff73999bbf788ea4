package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

// AnthropicHandler is the native passthrough. It forwards the canonical body
// untranslated so the caller gets an unmediated reference response.
type AnthropicHandler struct {
	base
}

func newAnthropic(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler {
	return &AnthropicHandler{base: newBase(p, cfg, client, logger, stream.FormatAnthropic)}
}

func (h *AnthropicHandler) Endpoint() string {
	base := strings.TrimRight(h.baseURL(anthropicBaseURL), "/")
	if strings.HasSuffix(base, "/v1/messages") {
		return base
	}

	return base + "/v1/messages"
}

func (h *AnthropicHandler) Headers() http.Header {
	headers := jsonHeaders()
	headers.Set("anthropic-version", anthropicVersion)

	if h.cfg.APIKey != "" {
		headers.Set("x-api-key", h.cfg.APIKey)
	}

	return headers
}

func (h *AnthropicHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest) *Result {
	body, err := h.passthroughBody(req, false)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()})
	}

	data, f := h.post(ctx, h.Endpoint(), h.Headers(), body)
	if f != nil {
		return failed(f)
	}

	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return failed(&Failure{Type: anthropic.ErrorAPI, Message: fmt.Sprintf("decode upstream response: %v", err)})
	}

	return &Result{Response: &resp}
}

func (h *AnthropicHandler) HandleStream(ctx context.Context, req *anthropic.MessagesRequest) *StreamResult {
	body, err := h.passthroughBody(req, true)
	if err != nil {
		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()}}
	}

	return h.open(ctx, h.Endpoint(), h.Headers(), body)
}

// passthroughBody returns the original request bytes with only the model and
// stream flag rewritten. Fields this proxy does not model survive untouched.
func (h *AnthropicHandler) passthroughBody(req *anthropic.MessagesRequest, streaming bool) (json.RawMessage, error) {
	raw := req.Raw()
	if raw == nil {
		encoded, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}

		raw = encoded
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	model, _ := json.Marshal(h.model(req))
	fields["model"] = model

	if streaming {
		fields["stream"] = json.RawMessage(`true`)
	} else {
		delete(fields, "stream")
	}

	return json.Marshal(fields)
}
