package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

const defaultRecentRecords = 20

// StatsHandler serves GET /stats: running usage totals and the most recent
// records. ?recent=N changes how many records are returned.
type StatsHandler struct {
	tracker *usage.Tracker
	logger  *slog.Logger
}

func NewStatsHandler(tracker *usage.Tracker, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{tracker: tracker, logger: logger}
}

type statsResponse struct {
	Usage  usage.Stats    `json:"usage"`
	Recent []usage.Record `json:"recent"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeJSON(w, h.logger, http.StatusOK, statsResponse{
			Usage:  usage.Stats{ByProvider: map[string]usage.ProviderStats{}},
			Recent: []usage.Record{},
		})

		return
	}

	recent := defaultRecentRecords
	if v := r.URL.Query().Get("recent"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			recent = n
		}
	}

	records := h.tracker.Records()
	if records == nil {
		records = []usage.Record{}
	}

	if len(records) > recent {
		records = records[len(records)-recent:]
	}

	writeJSON(w, h.logger, http.StatusOK, statsResponse{
		Usage:  h.tracker.Stats(),
		Recent: records,
	})
}
