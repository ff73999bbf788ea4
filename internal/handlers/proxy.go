package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/middleware"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

// MaxRequestBytes bounds the canonical request body.
const MaxRequestBytes = 32 << 20

const streamReadSize = 32 << 10

// ProxyHandler serves POST /v1/messages: it routes the request by model id,
// calls the upstream through its handler and writes the canonical response.
type ProxyHandler struct {
	registry *providers.Registry
	tracker  *usage.Tracker
	counter  TokenCounter
	metrics  *middleware.Metrics
	logger   *slog.Logger
}

// ProxyOption configures a ProxyHandler.
type ProxyOption func(*ProxyHandler)

// WithTracker records usage for every completed call.
func WithTracker(tracker *usage.Tracker) ProxyOption {
	return func(h *ProxyHandler) {
		h.tracker = tracker
	}
}

// WithTokenCounter replaces the approximate prompt counter.
func WithTokenCounter(counter TokenCounter) ProxyOption {
	return func(h *ProxyHandler) {
		if counter != nil {
			h.counter = counter
		}
	}
}

// WithMetrics reports upstream outcomes and token counts.
func WithMetrics(metrics *middleware.Metrics) ProxyOption {
	return func(h *ProxyHandler) {
		h.metrics = metrics
	}
}

func NewProxyHandler(registry *providers.Registry, logger *slog.Logger, opts ...ProxyOption) *ProxyHandler {
	h := &ProxyHandler{
		registry: registry,
		counter:  ApproxCounter{},
		logger:   logger,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("request_id", middleware.RequestIDFrom(r.Context()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		writeError(w, logger, anthropic.ErrorInvalidRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	req, err := anthropic.DecodeRequest(body)
	if err != nil {
		writeError(w, logger, anthropic.ErrorInvalidRequest, err.Error())
		return
	}

	route, ok := detector.Parse(req.Model)
	if !ok {
		logger.Warn("Unroutable model", "model", req.Model)
		writeError(w, logger, anthropic.ErrorInvalidRequest, fmt.Sprintf("unrecognized model identifier %q", req.Model))

		return
	}

	handler, ok := h.registry.Resolve(route)
	if !ok {
		logger.Warn("No route configured", "provider", route.Provider, "model", req.Model)
		writeError(w, logger, anthropic.ErrorInvalidRequest, fmt.Sprintf("no route configured for %q", req.Model))

		return
	}

	// Aliases carry no model; the route's configured model applies.
	model := route.Model
	if model == "" {
		model = handler.Model()
	}

	req.Model = model

	c := &call{
		provider:    handler.Provider(),
		model:       model,
		inputTokens: h.counter.CountRequest(req),
		logger:      logger.With("provider", string(handler.Provider())),
		start:       time.Now(),
	}

	c.logger.Info("Proxying request",
		"model", model,
		"stream", req.Stream,
		"estimated_input_tokens", c.inputTokens,
	)

	if req.Stream {
		h.stream(w, r, handler, req, c)
		return
	}

	h.complete(w, r, handler, req, c)
}

// call carries what one proxied request needs for logging and accounting.
type call struct {
	provider    detector.Provider
	model       string
	inputTokens int
	logger      *slog.Logger
	start       time.Time
}

func (h *ProxyHandler) complete(w http.ResponseWriter, r *http.Request, handler providers.Handler, req *anthropic.MessagesRequest, c *call) {
	res := handler.Handle(r.Context(), req)
	if res.Failure != nil {
		h.metrics.ObserveUpstream(string(c.provider), string(res.Failure.Type))
		c.logger.Error("Upstream call failed",
			"error_type", res.Failure.Type,
			"status", res.Failure.StatusCode,
			"error", res.Failure.Message,
			"duration", time.Since(c.start),
		)
		writeFailure(w, c.logger, res.Failure)

		return
	}

	h.metrics.ObserveUpstream(string(c.provider), "ok")

	resp := res.Response
	if resp.Model != "" {
		c.model = resp.Model
	}

	h.record(c, resp.Usage)
	writeJSON(w, c.logger, http.StatusOK, resp)
}

func (h *ProxyHandler) stream(w http.ResponseWriter, r *http.Request, handler providers.Handler, req *anthropic.MessagesRequest, c *call) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sres := handler.HandleStream(r.Context(), req)
	if sres.Failure != nil {
		h.metrics.ObserveUpstream(string(c.provider), string(sres.Failure.Type))
		c.logger.Error("Upstream stream failed",
			"error_type", sres.Failure.Type,
			"status", sres.Failure.StatusCode,
			"error", sres.Failure.Message,
		)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(anthropic.ErrorEvent(sres.Failure.Type, sres.Failure.Message))
		_, _ = w.Write(anthropic.MessageStop())
		_ = rc.Flush()

		return
	}
	defer sres.Body.Close()

	h.metrics.ObserveUpstream(string(c.provider), "ok")
	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	t := stream.New(handler.StreamFormat(), stream.WithLogger(c.logger), stream.WithModel(c.model))

	write := func(out []byte) bool {
		if len(out) == 0 {
			return true
		}

		if _, err := w.Write(out); err != nil {
			return false
		}

		return rc.Flush() == nil
	}

	buf := make([]byte, streamReadSize)
	clientGone := false

	for !t.IsComplete() {
		n, err := sres.Body.Read(buf)
		if n > 0 {
			if out, ok := t.Transform(buf[:n]); ok && !write(out) {
				clientGone = true
				break
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				c.logger.Warn("Upstream stream interrupted", "error", err)
			}

			break
		}
	}

	if clientGone || r.Context().Err() != nil {
		c.logger.Info("Client disconnected", "duration", time.Since(c.start))
	} else {
		if !t.IsComplete() {
			c.logger.Debug("Stream ended without completion marker")
		}

		write(t.Finish())
		write(t.Terminate())
	}

	c.model = t.Model()
	h.record(c, t.Usage())
}

// record books usage, falling back to the prompt estimate when the upstream
// reported no input tokens.
func (h *ProxyHandler) record(c *call, u anthropic.Usage) {
	input := u.InputTokens
	if input == 0 {
		input = c.inputTokens
	}

	var cost float64

	if h.tracker != nil {
		cost = h.tracker.Cost(c.model, input, u.OutputTokens)
		h.tracker.RecordUsage(string(c.provider), c.model, input, u.OutputTokens, cost)
	}

	h.metrics.ObserveUsage(string(c.provider), input, u.OutputTokens, cost)

	c.logger.Info("Completed request",
		"model", c.model,
		"input_tokens", input,
		"output_tokens", u.OutputTokens,
		"cost_usd", cost,
		"duration", time.Since(c.start),
	)
}
