package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// NewRecoverMiddleware turns a handler panic into a logged 500. When the
// response has already started only the log entry is written.
func NewRecoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrap(w)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				// net/http uses this to abort a response deliberately.
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logger.Error("Recovered from panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", RequestIDFrom(r.Context()),
					"stack", string(debug.Stack()),
				)

				if wrapped.wroteHeader {
					return
				}

				wrapped.Header().Set("Content-Type", "application/json")
				wrapped.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(wrapped).Encode(anthropic.NewErrorResponse(anthropic.ErrorAPI, "internal server error"))
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}
