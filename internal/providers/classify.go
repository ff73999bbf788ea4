package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// Failure is a classified upstream failure. It is returned as a value; token
// counts for a failed call are always zero.
type Failure struct {
	Type       anthropic.ErrorType
	Message    string
	StatusCode int
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", f.Type, f.StatusCode, f.Message)
	}

	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// HTTPStatus is the status the proxy answers with. API errors keep the
// upstream status when it is a client or server error.
func (f *Failure) HTTPStatus() int {
	if f.Type == anthropic.ErrorAPI && f.StatusCode >= 400 && f.StatusCode != http.StatusTooManyRequests {
		return f.StatusCode
	}

	return f.Type.HTTPStatus()
}

func timeoutFailure(d time.Duration) *Failure {
	return &Failure{
		Type:    anthropic.ErrorTimeout,
		Message: fmt.Sprintf("upstream did not respond within %s", d),
	}
}

// classifyTransport maps an error from sending a request or reading its body.
func classifyTransport(ctx context.Context, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Failure{Type: anthropic.ErrorTimeout, Message: fmt.Sprintf("upstream request timed out: %v", err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Type: anthropic.ErrorTimeout, Message: fmt.Sprintf("upstream request timed out: %v", err)}
	}

	return &Failure{Type: anthropic.ErrorConnection, Message: fmt.Sprintf("upstream unreachable: %v", err)}
}

// classifyStatus maps a non-2xx response.
func classifyStatus(resp *http.Response, body []byte) *Failure {
	f := &Failure{
		Type:       anthropic.ErrorAPI,
		Message:    upstreamMessage(resp.StatusCode, body),
		StatusCode: resp.StatusCode,
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		f.Type = anthropic.ErrorRateLimit
		f.RetryAfter = retryAfter(resp.Header, time.Now())
	}

	return f
}

// upstreamMessage extracts the human readable message from an error body.
func upstreamMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		for _, path := range []string{"error.message", "message", "error", "detail"} {
			if v := doc.Get(path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}

		// Some providers wrap the error in a list.
		if v := doc.Get("0.error.message"); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}

	if len(text) > 512 {
		text = text[:512]
	}

	return text
}

// retryAfter reads the standard Retry-After header (delta seconds or an HTTP
// date) and, failing that, the vendor hints retry-after-ms and
// anthropic-ratelimit-*-reset.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}

		if at, err := http.ParseTime(v); err == nil {
			return max(at.Sub(now), 0)
		}
	}

	if v := strings.TrimSpace(h.Get("Retry-After-Ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	for _, key := range []string{
		"Anthropic-Ratelimit-Requests-Reset",
		"Anthropic-Ratelimit-Tokens-Reset",
		"Anthropic-Ratelimit-Input-Tokens-Reset",
		"Anthropic-Ratelimit-Output-Tokens-Reset",
	} {
		if v := h.Get(key); v != "" {
			if at, err := time.Parse(time.RFC3339, v); err == nil {
				return max(at.Sub(now), 0)
			}
		}
	}

	return 0
}
