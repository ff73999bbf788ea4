package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/providers"
	"github.com/mihaisavezi/claude-route-proxy/internal/usage"
)

func TestCountTokens(t *testing.T) {
	tests := []struct {
		name       string
		counter    TokenCounter
		body       string
		wantStatus int
		wantTokens int
	}{
		{
			name:       "stub counter",
			counter:    fixedCounter(17),
			body:       `{"model":"openai/gpt-4o","messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusOK,
			wantTokens: 17,
		},
		{
			name:       "approximate",
			body:       `{"model":"default","messages":[{"role":"user","content":"abcdefgh"}]}`,
			wantStatus: http.StatusOK,
			wantTokens: 3,
		},
		{
			name:       "malformed",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCountTokensHandler(tt.counter, discardLogger())

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(tt.body)))

			require.Equal(t, tt.wantStatus, rr.Code)

			if tt.wantStatus == http.StatusOK {
				var resp countTokensResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantTokens, resp.InputTokens)
			}
		})
	}
}

func TestApproxCounter(t *testing.T) {
	req, err := anthropic.DecodeRequest([]byte(`{
		"model":"default",
		"system":"sys",
		"messages":[
			{"role":"user","content":[{"type":"text","text":"hello"},{"type":"tool_result","tool_use_id":"t","content":"result"}]},
			{"role":"assistant","content":[{"type":"tool_use","id":"t","name":"fn","input":{"a":1}}]}
		],
		"tools":[{"name":"fn","description":"does","input_schema":{"type":"object"}}]
	}`))
	require.NoError(t, err)

	text := requestText(req)
	for _, want := range []string{"sys", "hello", "result", `{"a":1}`, "does", `{"type":"object"}`} {
		assert.Contains(t, text, want)
	}

	assert.Equal(t, (len([]rune(text))+3)/4, ApproxCounter{}.CountRequest(req))
}

func TestStatsHandler(t *testing.T) {
	tracker := usage.NewTracker()
	for range 3 {
		tracker.RecordUsage("ollama", "llama3", 5, 5, 0)
	}

	h := NewStatsHandler(tracker, discardLogger())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats?recent=2", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Usage.Requests)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
	assert.Len(t, resp.Recent, 2)
	assert.Equal(t, 3, resp.Usage.ByProvider["ollama"].Requests)
}

func TestStatsHandler_NoTracker(t *testing.T) {
	rr := httptest.NewRecorder()
	NewStatsHandler(nil, discardLogger()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"usage":{"requests":0,"input_tokens":0,"output_tokens":0,"total_tokens":0,"total_cost_usd":0,"by_provider":{}},"recent":[]}`, rr.Body.String())
}

func TestHealthHandler(t *testing.T) {
	registry, err := providers.NewRegistry([]providers.Config{{Name: "ollama"}, {Name: "gemini"}})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	NewHealthHandler(registry, discardLogger()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []detector.Provider{detector.Ollama, detector.Gemini}, resp.Providers)
}
