package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

const toolConversation = `{
	"model": "gpt-4o",
	"max_tokens": 256,
	"system": [{"type":"text","text":"You are terse."}],
	"stop_sequences": ["END"],
	"messages": [
		{"role":"user","content":[
			{"type":"text","text":"What is the weather?"},
			{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}
		]},
		{"role":"assistant","content":[
			{"type":"text","text":"Checking."},
			{"type":"tool_use","id":"toolu_123","name":"get_weather","input":{"city":"Paris"}}
		]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"toolu_123","content":"sunny"}
		]}
	],
	"tools": [{"name":"get_weather","description":"Weather lookup","input_schema":{"type":"object","properties":{"city":{"type":"string"}}}}],
	"tool_choice": {"type":"tool","name":"get_weather"}
}`

func TestToChatRequest(t *testing.T) {
	req, err := anthropic.DecodeRequest([]byte(toolConversation))
	require.NoError(t, err)

	out, err := toChatRequest(req, "gpt-4o", true)
	require.NoError(t, err)

	data, err := json.Marshal(out)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"model": "gpt-4o",
		"max_completion_tokens": 256,
		"stop": ["END"],
		"messages": [
			{"role":"system","content":"You are terse."},
			{"role":"user","content":[
				{"type":"text","text":"What is the weather?"},
				{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}}
			]},
			{"role":"assistant","content":"Checking.","tool_calls":[
				{"id":"call_123","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}
			]},
			{"role":"tool","tool_call_id":"call_123","content":"sunny"}
		],
		"tools": [{"type":"function","function":{"name":"get_weather","description":"Weather lookup","parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}],
		"tool_choice": {"type":"function","function":{"name":"get_weather"}}
	}`, string(data))
}

func TestToChatRequest_MaxTokensField(t *testing.T) {
	req := testRequest(t)

	out, err := toChatRequest(req, "m", false)
	require.NoError(t, err)
	assert.Equal(t, 32, out.MaxTokens)
	assert.Zero(t, out.MaxCompletionTokens)
	assert.Nil(t, out.ToolChoice, "tool_choice is only sent with tools")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "hi", out.Messages[0].Content)
}

func TestChatToolChoice(t *testing.T) {
	tests := []struct {
		in   *anthropic.ToolChoice
		want any
	}{
		{in: nil, want: nil},
		{in: &anthropic.ToolChoice{Type: "auto"}, want: "auto"},
		{in: &anthropic.ToolChoice{Type: "any"}, want: "required"},
		{in: &anthropic.ToolChoice{Type: "none"}, want: "none"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, chatToolChoice(tt.in))
	}
}

func TestFromChatResponse(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantBlocks []string
		wantStop   string
		wantIn     int
		wantOut    int
	}{
		{
			name:       "text",
			body:       `{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":3}}`,
			wantBlocks: []string{"text"},
			wantStop:   "end_turn",
			wantIn:     10,
			wantOut:    3,
		},
		{
			name:       "tool call",
			body:       `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_9","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}}]},"finish_reason":"tool_calls"}]}`,
			wantBlocks: []string{"tool_use"},
			wantStop:   "tool_use",
		},
		{
			name:       "length without usage",
			body:       `{"choices":[{"message":{"role":"assistant","content":"cut"},"finish_reason":"length"}]}`,
			wantBlocks: []string{"text"},
			wantStop:   "max_tokens",
		},
		{
			name:       "empty content",
			body:       `{"choices":[{"message":{"role":"assistant","content":""},"finish_reason":"stop"}]}`,
			wantBlocks: []string{"text"},
			wantStop:   "end_turn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := fromChatResponse([]byte(tt.body), "fallback")
			require.NoError(t, err)

			types := make([]string, 0, len(resp.Content))
			for _, b := range resp.Content {
				types = append(types, b.Type)
			}

			assert.Equal(t, tt.wantBlocks, types)
			require.NotNil(t, resp.StopReason)
			assert.Equal(t, tt.wantStop, *resp.StopReason)
			assert.Equal(t, tt.wantIn, resp.Usage.InputTokens)
			assert.Equal(t, tt.wantOut, resp.Usage.OutputTokens)
			assert.Equal(t, "message", resp.Type)
			assert.Equal(t, "assistant", resp.Role)
		})
	}
}

func TestFromChatResponse_ToolIDAndInput(t *testing.T) {
	resp, err := fromChatResponse([]byte(`{"choices":[{"message":{"tool_calls":[
		{"id":"call_9","type":"function","function":{"name":"lookup","arguments":"{\"q\":1}"}},
		{"id":"call_10","type":"function","function":{"name":"broken","arguments":"{oops"}}
	]},"finish_reason":"tool_calls"}]}`), "m")
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)

	assert.Equal(t, "toolu_9", resp.Content[0].ID)
	assert.JSONEq(t, `{"q":1}`, string(resp.Content[0].Input))
	assert.JSONEq(t, `{"raw":"{oops"}`, string(resp.Content[1].Input))
}

func TestFromChatResponse_Errors(t *testing.T) {
	_, err := fromChatResponse([]byte(`not json`), "m")
	assert.Error(t, err)

	_, err = fromChatResponse([]byte(`{"choices":[]}`), "m")
	assert.Error(t, err)
}

func TestOpenAICompat_Handle(t *testing.T) {
	var (
		gotPath   string
		gotAuth   string
		gotReq    map[string]any
		gotHeader http.Header
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Clone()

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"anthropic/claude-3.5-sonnet","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, detector.OpenRouter, srv.URL+"/api/v1", time.Second)

	req := testRequest(t)
	req.Model = "anthropic/claude-3.5-sonnet"

	res := h.Handle(context.Background(), req)
	require.Nil(t, res.Failure)
	require.NotNil(t, res.Response)

	assert.Equal(t, "/api/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, OpenRouterReferer, gotHeader.Get("HTTP-Referer"))
	assert.Equal(t, OpenRouterTitle, gotHeader.Get("X-Title"))
	assert.Equal(t, "anthropic/claude-3.5-sonnet", gotReq["model"])
	assert.Equal(t, "ok", res.Response.Content[0].Text)
	assert.Equal(t, 4, res.Response.Usage.InputTokens)
	assert.Equal(t, stream.FormatChatDelta, h.StreamFormat())
}

func TestOpenAICompat_HandleStreamRequestsUsage(t *testing.T) {
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	h := newTestHandler(t, detector.Nvidia, srv.URL, time.Second)

	sres := h.HandleStream(context.Background(), testRequest(t))
	require.Nil(t, sres.Failure)
	defer sres.Body.Close()

	_, err := io.ReadAll(sres.Body)
	require.NoError(t, err)

	assert.Equal(t, true, gotReq["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, gotReq["stream_options"])
	assert.Equal(t, "test-model", gotReq["model"])
}

func TestOpenAICompat_Endpoint(t *testing.T) {
	tests := []struct {
		provider detector.Provider
		baseURL  string
		want     string
	}{
		{provider: detector.OpenAI, want: "https://api.openai.com/v1/chat/completions"},
		{provider: detector.Groq, want: "https://api.groq.com/openai/v1/chat/completions"},
		{provider: detector.DeepSeek, baseURL: "http://proxy.local/v1/", want: "http://proxy.local/v1/chat/completions"},
		{provider: detector.Nvidia, baseURL: "http://x/v1/chat/completions", want: "http://x/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			h := newTestHandler(t, tt.provider, tt.baseURL, 0)
			assert.Equal(t, tt.want, h.Endpoint())
			assert.Equal(t, "Bearer test-key", h.Headers().Get("Authorization"))
		})
	}
}
