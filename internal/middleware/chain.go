package middleware

import (
	"log/slog"
	"net/http"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	all := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	all = append(all, c.middlewares...)

	return Chain{middlewares: append(all, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler. The
// first middleware is the outermost.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	Recover          Middleware
	RequestID        Middleware
	TelemetryBlocker Middleware
	Logging          Middleware
	Metrics          Middleware
}

// NewMiddlewareSet creates a complete set of middleware. metrics may be nil.
func NewMiddlewareSet(logger *slog.Logger, metrics *Metrics) MiddlewareSet {
	return MiddlewareSet{
		Recover:          NewRecoverMiddleware(logger),
		RequestID:        NewRequestIDMiddleware(),
		TelemetryBlocker: NewTelemetryBlocker(logger),
		Logging:          NewLoggingMiddleware(logger),
		Metrics:          metrics.Middleware(),
	}
}

// DefaultChain returns the standard middleware chain for most endpoints
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.Recover,          // Catch panics outermost
		ms.RequestID,        // Tag before anything logs
		ms.TelemetryBlocker, // Answer telemetry locally
		ms.Logging,
		ms.Metrics,
	)
}

// PublicChain returns the chain for scrape endpoints (no request logging)
func (ms MiddlewareSet) PublicChain() Chain {
	return New(
		ms.Recover,
		ms.RequestID,
	)
}
