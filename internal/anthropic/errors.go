package anthropic

import "net/http"

// ErrorType names a failure kind on the wire.
type ErrorType string

const (
	// ErrorInvalidRequest is an unroutable or malformed request; never retried.
	ErrorInvalidRequest ErrorType = "invalid_request_error"
	// ErrorConnection means the upstream could not be reached.
	ErrorConnection ErrorType = "connection_error"
	// ErrorTimeout means the upstream did not answer within the route timeout.
	ErrorTimeout ErrorType = "timeout_error"
	// ErrorRateLimit is an upstream 429; carries a retry hint.
	ErrorRateLimit ErrorType = "rate_limit_error"
	// ErrorAPI is any other non-2xx upstream status.
	ErrorAPI ErrorType = "api_error"
	// ErrorParse is internal only and never leaves the process.
	ErrorParse ErrorType = "parse_error"
)

// HTTPStatus returns the status code the proxy answers with for t when the
// upstream status is unknown.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case ErrorInvalidRequest:
		return http.StatusBadRequest
	case ErrorRateLimit:
		return http.StatusTooManyRequests
	case ErrorTimeout:
		return http.StatusGatewayTimeout
	case ErrorConnection, ErrorAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body returned for failed non-streaming requests.
// Usage is always present and zero.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
	Usage Usage       `json:"usage"`
}

// ErrorDetail describes a failure.
type ErrorDetail struct {
	Type         ErrorType `json:"type"`
	Message      string    `json:"message"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
}

// NewErrorResponse builds an error body with zero usage.
func NewErrorResponse(t ErrorType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: t, Message: message},
	}
}
