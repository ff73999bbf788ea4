package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// TelemetryBlocker answers client telemetry and feature-flag calls locally so
// they never reach an upstream provider.
type TelemetryBlocker struct {
	logger *slog.Logger
}

var telemetryPaths = []string{
	"/v1/initialize",
	"/v1/log_event",
	"/v1/rgstr",
	"/statsig",
	"/telemetry",
	"/analytics",
}

var usageMetricsPaths = []string{
	"/api/claude_code/metrics",
	"/claude_code/metrics",
}

func NewTelemetryBlocker(logger *slog.Logger) Middleware {
	tb := &TelemetryBlocker{
		logger: logger,
	}

	return tb.middleware
}

func (tb *TelemetryBlocker) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		switch {
		case isStatsigRequest(host, r.URL.Path):
			tb.logger.Debug("Blocked telemetry request", "host", host, "path", r.URL.Path)
			sendStatsigResponse(w)
		case isUsageMetricsRequest(host, r.URL.Path):
			tb.logger.Debug("Blocked usage metrics request", "host", host, "path", r.URL.Path)
			sendUsageMetricsResponse(w)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func isStatsigRequest(host, path string) bool {
	if strings.Contains(host, "statsig.anthropic.com") {
		return true
	}

	for _, p := range telemetryPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

func isUsageMetricsRequest(host, path string) bool {
	if !strings.Contains(host, "api.anthropic.com") {
		return false
	}

	for _, p := range usageMetricsPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

// Statsig clients expect 202 with a success flag.
func sendStatsigResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func sendUsageMetricsResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}
