package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

// vendor holds what differs between OpenAI-compatible chat endpoints.
type vendor struct {
	baseURL string
	// maxCompletionTokens sends max_completion_tokens instead of max_tokens.
	maxCompletionTokens bool
}

var vendors = map[detector.Provider]vendor{
	detector.OpenAI:     {baseURL: "https://api.openai.com/v1", maxCompletionTokens: true},
	detector.Nvidia:     {baseURL: "https://integrate.api.nvidia.com/v1"},
	detector.DeepSeek:   {baseURL: "https://api.deepseek.com/v1"},
	detector.Groq:       {baseURL: "https://api.groq.com/openai/v1"},
	detector.XAI:        {baseURL: "https://api.x.ai/v1"},
	detector.OpenRouter: {baseURL: "https://openrouter.ai/api/v1"},
}

// OpenAICompatHandler speaks the chat-completions dialect shared by several
// vendors.
type OpenAICompatHandler struct {
	base
	vendor       vendor
	extraHeaders http.Header
}

func newOpenAICompat(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler {
	return &OpenAICompatHandler{
		base:   newBase(p, cfg, client, logger, stream.FormatChatDelta),
		vendor: vendors[p],
	}
}

// Endpoint returns the chat completions URL. A configured base URL that
// already names the endpoint is used as is.
func (h *OpenAICompatHandler) Endpoint() string {
	return chatEndpoint(h.baseURL(h.vendor.baseURL))
}

func chatEndpoint(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}

	return base + "/chat/completions"
}

// supportsStreamFormat also accepts snapshot records when the route points at
// a self-hosted compatible server, which may stream the whole message so far.
func (h *OpenAICompatHandler) supportsStreamFormat(f stream.Format) bool {
	return f == h.native || (f == stream.FormatSnapshot && h.cfg.BaseURL != "")
}

func (h *OpenAICompatHandler) Headers() http.Header {
	headers := jsonHeaders()
	if h.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	for k, vs := range h.extraHeaders {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	return headers
}

func (h *OpenAICompatHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest) *Result {
	model := h.model(req)

	chatReq, err := toChatRequest(req, model, h.vendor.maxCompletionTokens)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()})
	}

	data, f := h.post(ctx, h.Endpoint(), h.Headers(), chatReq)
	if f != nil {
		return failed(f)
	}

	resp, err := fromChatResponse(data, model)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorAPI, Message: err.Error()})
	}

	return &Result{Response: resp}
}

func (h *OpenAICompatHandler) HandleStream(ctx context.Context, req *anthropic.MessagesRequest) *StreamResult {
	chatReq, err := toChatRequest(req, h.model(req), h.vendor.maxCompletionTokens)
	if err != nil {
		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()}}
	}

	chatReq.Stream = true
	chatReq.StreamOptions = &streamOptions{IncludeUsage: true}

	return h.open(ctx, h.Endpoint(), h.Headers(), chatReq)
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	MaxTokens           int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64       `json:"temperature,omitempty"`
	TopP                *float64       `json:"top_p,omitempty"`
	Stop                []string       `json:"stop,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
	Tools               []chatTool     `json:"tools,omitempty"`
	ToolChoice          any            `json:"tool_choice,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   *string        `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// toChatRequest translates a canonical request into the chat-completions
// shape.
func toChatRequest(req *anthropic.MessagesRequest, model string, maxCompletionTokens bool) (*chatRequest, error) {
	out := &chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if maxCompletionTokens {
		out.MaxCompletionTokens = req.MaxTokens
	} else {
		out.MaxTokens = req.MaxTokens
	}

	if system := req.SystemText(); system != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: system})
	}

	for _, m := range req.Messages {
		blocks, err := m.Blocks()
		if err != nil {
			return nil, err
		}

		switch m.Role {
		case anthropic.RoleAssistant:
			out.Messages = append(out.Messages, assistantChatMessage(blocks))
		default:
			out.Messages = append(out.Messages, userChatMessages(blocks)...)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if len(out.Tools) > 0 {
		out.ToolChoice = chatToolChoice(req.ToolChoice)
	}

	return out, nil
}

func assistantChatMessage(blocks []anthropic.ContentBlock) chatMessage {
	var (
		text      strings.Builder
		toolCalls []chatToolCall
	)

	for _, b := range blocks {
		switch b.Type {
		case anthropic.BlockText:
			text.WriteString(b.Text)
		case anthropic.BlockToolUse:
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}

			toolCalls = append(toolCalls, chatToolCall{
				ID:       anthropic.CallID(b.ID),
				Type:     "function",
				Function: chatFunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}

	return chatMessage{
		Role:      anthropic.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
	}
}

// userChatMessages splits a user turn: tool results become role "tool"
// messages, placed first so they follow the assistant's tool calls; the rest
// becomes one user message.
func userChatMessages(blocks []anthropic.ContentBlock) []chatMessage {
	var (
		out       []chatMessage
		parts     []chatPart
		hasImages bool
	)

	for _, b := range blocks {
		switch b.Type {
		case anthropic.BlockToolResult:
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: anthropic.CallID(b.ToolUseID),
				Content:    b.ToolResultText(),
			})
		case anthropic.BlockText:
			parts = append(parts, chatPart{Type: "text", Text: b.Text})
		case anthropic.BlockImage:
			if url := b.Source.DataURL(); url != "" {
				hasImages = true
				parts = append(parts, chatPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
			}
		}
	}

	switch {
	case len(parts) == 0:
	case hasImages:
		out = append(out, chatMessage{Role: anthropic.RoleUser, Content: parts})
	default:
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			texts = append(texts, p.Text)
		}

		out = append(out, chatMessage{Role: anthropic.RoleUser, Content: strings.Join(texts, "\n")})
	}

	return out
}

func chatToolChoice(tc *anthropic.ToolChoice) any {
	if tc == nil {
		return nil
	}

	switch tc.Type {
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// fromChatResponse translates a chat-completions response body.
func fromChatResponse(data []byte, model string) (*anthropic.MessagesResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in upstream response")
	}

	choice := resp.Choices[0]

	var content []anthropic.ContentBlock

	if choice.Message.Content != nil && *choice.Message.Content != "" {
		content = append(content, anthropic.TextBlock(*choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		content = append(content, anthropic.ToolUseBlock(anthropic.ToolUseID(tc.ID), tc.Function.Name, toolInput(tc.Function.Arguments)))
	}

	if resp.Model != "" {
		model = resp.Model
	}

	out := anthropic.NewResponse(anthropic.NewMessageID(), model, content)

	reason := anthropic.MapStopReason(choice.FinishReason)
	if len(choice.Message.ToolCalls) > 0 {
		reason = anthropic.StopReasonToolUse
	}

	out.StopReason = &reason

	if resp.Usage != nil {
		out.Usage.InputTokens = resp.Usage.PromptTokens
		out.Usage.OutputTokens = resp.Usage.CompletionTokens

		if resp.Usage.PromptTokensDetails != nil {
			out.Usage.CacheReadInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}

	return out, nil
}

// toolInput returns tool arguments as a JSON object. Arguments that are not
// valid JSON are kept under a "raw" key rather than dropped.
func toolInput(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil
	}

	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}

	wrapped, _ := json.Marshal(map[string]string{"raw": args})

	return wrapped
}
