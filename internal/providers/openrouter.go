package providers

import (
	"log/slog"
	"net/http"

	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

// Attribution headers OpenRouter uses to identify the calling application.
const (
	OpenRouterReferer = "https://github.com/mihaisavezi/claude-route-proxy"
	OpenRouterTitle   = "claude-route-proxy"
)

// newOpenRouter builds the aggregator handler. The route model is forwarded
// verbatim, so multi-segment ids such as "anthropic/claude-3.5-sonnet" select
// the vendor behind the aggregator.
func newOpenRouter(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler {
	extra := http.Header{}
	extra.Set("HTTP-Referer", OpenRouterReferer)
	extra.Set("X-Title", OpenRouterTitle)

	return &OpenAICompatHandler{
		base:         newBase(p, cfg, client, logger, stream.FormatChatDelta),
		vendor:       vendors[detector.OpenRouter],
		extraHeaders: extra,
	}
}
