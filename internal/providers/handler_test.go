package providers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
)

func newTestHandler(t *testing.T, p detector.Provider, baseURL string, timeout time.Duration) Handler {
	t.Helper()

	r, err := NewRegistry([]Config{{
		Name:    string(p),
		Model:   "test-model",
		APIKey:  "test-key",
		BaseURL: baseURL,
		Timeout: timeout,
	}}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	h, ok := r.Get(p)
	require.True(t, ok)

	return h
}

func testRequest(t *testing.T) *anthropic.MessagesRequest {
	t.Helper()

	req, err := anthropic.DecodeRequest([]byte(`{"model":"test-model","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	return req
}

func TestHandle_FailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantType   anthropic.ErrorType
		wantStatus int
		wantRetry  time.Duration
		wantMsg    string
	}{
		{
			name: "rate limit with retry-after seconds",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "7")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			},
			wantType:   anthropic.ErrorRateLimit,
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  7 * time.Second,
			wantMsg:    "slow down",
		},
		{
			name: "rate limit with retry-after-ms",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("retry-after-ms", "1500")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			wantType:   anthropic.ErrorRateLimit,
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  1500 * time.Millisecond,
			wantMsg:    "Too Many Requests",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"message":"boom"}`))
			},
			wantType:   anthropic.ErrorAPI,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "boom",
		},
		{
			name: "plain text error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte("model not found"))
			},
			wantType:   anthropic.ErrorAPI,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "model not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := newTestHandler(t, detector.OpenAI, srv.URL, time.Second)

			res := h.Handle(context.Background(), testRequest(t))
			require.NotNil(t, res.Failure)
			assert.Nil(t, res.Response)
			assert.Equal(t, tt.wantType, res.Failure.Type)
			assert.Equal(t, tt.wantStatus, res.Failure.StatusCode)
			assert.Equal(t, tt.wantRetry, res.Failure.RetryAfter)
			assert.Equal(t, tt.wantMsg, res.Failure.Message)

			sres := h.HandleStream(context.Background(), testRequest(t))
			require.NotNil(t, sres.Failure)
			assert.Nil(t, sres.Body)
			assert.Equal(t, tt.wantType, sres.Failure.Type)
		})
	}
}

func TestHandle_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newTestHandler(t, detector.Ollama, url, time.Second)

	res := h.Handle(context.Background(), testRequest(t))
	require.NotNil(t, res.Failure)
	assert.Equal(t, anthropic.ErrorConnection, res.Failure.Type)
	assert.Equal(t, http.StatusBadGateway, res.Failure.HTTPStatus())

	sres := h.HandleStream(context.Background(), testRequest(t))
	require.NotNil(t, sres.Failure)
	assert.Equal(t, anthropic.ErrorConnection, sres.Failure.Type)
}

func TestHandle_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	h := newTestHandler(t, detector.Groq, srv.URL, 50*time.Millisecond)

	start := time.Now()
	res := h.Handle(context.Background(), testRequest(t))
	require.NotNil(t, res.Failure)
	assert.Equal(t, anthropic.ErrorTimeout, res.Failure.Type)
	assert.Less(t, time.Since(start), time.Second)

	sres := h.HandleStream(context.Background(), testRequest(t))
	require.NotNil(t, sres.Failure)
	assert.Equal(t, anthropic.ErrorTimeout, sres.Failure.Type)
	assert.Equal(t, http.StatusGatewayTimeout, sres.Failure.HTTPStatus())
}

func TestHandleStream_TimeoutOnlyCoversHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	h := newTestHandler(t, detector.DeepSeek, srv.URL, 50*time.Millisecond)

	sres := h.HandleStream(context.Background(), testRequest(t))
	require.Nil(t, sres.Failure)
	defer sres.Body.Close()

	data, err := io.ReadAll(sres.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(data))
}

func TestHandleStream_ClosingBodyCancelsUpstream(t *testing.T) {
	gone := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		<-r.Context().Done()
		close(gone)
	}))
	defer srv.Close()

	h := newTestHandler(t, detector.XAI, srv.URL, time.Second)

	sres := h.HandleStream(context.Background(), testRequest(t))
	require.Nil(t, sres.Failure)
	require.NoError(t, sres.Body.Close())

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{name: "none", header: http.Header{}, want: 0},
		{name: "seconds", header: http.Header{"Retry-After": {"3"}}, want: 3 * time.Second},
		{name: "http date", header: http.Header{"Retry-After": {now.Add(10 * time.Second).Format(http.TimeFormat)}}, want: 10 * time.Second},
		{name: "past date", header: http.Header{"Retry-After": {now.Add(-time.Minute).Format(http.TimeFormat)}}, want: 0},
		{name: "milliseconds", header: http.Header{"Retry-After-Ms": {"250"}}, want: 250 * time.Millisecond},
		{name: "anthropic reset", header: http.Header{"Anthropic-Ratelimit-Requests-Reset": {now.Add(4 * time.Second).Format(time.RFC3339)}}, want: 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.header, now))
		})
	}
}

func TestFailure_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, (&Failure{Type: anthropic.ErrorAPI, StatusCode: 404}).HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, (&Failure{Type: anthropic.ErrorAPI}).HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, (&Failure{Type: anthropic.ErrorRateLimit, StatusCode: 429}).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, (&Failure{Type: anthropic.ErrorInvalidRequest}).HTTPStatus())
}
