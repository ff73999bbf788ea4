package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
)

type HealthHandler struct {
	registry *providers.Registry
	started  time.Time
	logger   *slog.Logger
}

func NewHealthHandler(registry *providers.Registry, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		started:  time.Now(),
		logger:   logger,
	}
}

type healthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Providers     []detector.Provider `json:"providers"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Providers:     h.registry.List(),
	})
}
