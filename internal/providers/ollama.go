package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

const ollamaRootURL = "http://localhost:11434"

// OllamaHandler talks to a local Ollama server. Non-streaming calls use the
// native /api/chat endpoint; streams use the OpenAI-compatible endpoint so
// they arrive as server-sent events.
type OllamaHandler struct {
	base
}

func newOllama(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler {
	return &OllamaHandler{base: newBase(p, cfg, client, logger, stream.FormatChatDelta)}
}

func (h *OllamaHandler) root() string {
	root := strings.TrimRight(h.baseURL(ollamaRootURL), "/")
	return strings.TrimSuffix(root, "/v1")
}

// Endpoint returns the native chat endpoint.
func (h *OllamaHandler) Endpoint() string {
	return h.root() + "/api/chat"
}

func (h *OllamaHandler) streamEndpoint() string {
	return h.root() + "/v1/chat/completions"
}

// Headers needs no key; one is sent when configured, for servers behind an
// authenticating reverse proxy.
func (h *OllamaHandler) Headers() http.Header {
	headers := jsonHeaders()
	if h.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	return headers
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []chatTool      `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (h *OllamaHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest) *Result {
	model := h.model(req)

	nativeReq, err := toOllamaRequest(req, model)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()})
	}

	data, f := h.post(ctx, h.Endpoint(), h.Headers(), nativeReq)
	if f != nil {
		return failed(f)
	}

	resp, err := fromOllamaResponse(data, model)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorAPI, Message: err.Error()})
	}

	return &Result{Response: resp}
}

func (h *OllamaHandler) HandleStream(ctx context.Context, req *anthropic.MessagesRequest) *StreamResult {
	chatReq, err := toChatRequest(req, h.model(req), false)
	if err != nil {
		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()}}
	}

	chatReq.Stream = true
	chatReq.StreamOptions = &streamOptions{IncludeUsage: true}

	return h.open(ctx, h.streamEndpoint(), h.Headers(), chatReq)
}

func toOllamaRequest(req *anthropic.MessagesRequest, model string) (*ollamaChatRequest, error) {
	out := &ollamaChatRequest{Model: model}

	if system := req.SystemText(); system != "" {
		out.Messages = append(out.Messages, ollamaMessage{Role: "system", Content: system})
	}

	for _, m := range req.Messages {
		blocks, err := m.Blocks()
		if err != nil {
			return nil, err
		}

		msg := ollamaMessage{Role: m.Role}

		var text []string

		for _, b := range blocks {
			switch b.Type {
			case anthropic.BlockText:
				text = append(text, b.Text)
			case anthropic.BlockImage:
				if b.Source != nil && b.Source.Data != "" {
					msg.Images = append(msg.Images, b.Source.Data)
				}
			case anthropic.BlockToolUse:
				var call ollamaToolCall
				call.Function.Name = b.Name
				call.Function.Arguments = b.Input

				if len(call.Function.Arguments) == 0 {
					call.Function.Arguments = json.RawMessage(`{}`)
				}

				msg.ToolCalls = append(msg.ToolCalls, call)
			case anthropic.BlockToolResult:
				out.Messages = append(out.Messages, ollamaMessage{Role: "tool", Content: b.ToolResultText()})
			}
		}

		msg.Content = strings.Join(text, "\n")

		if msg.Content != "" || len(msg.Images) > 0 || len(msg.ToolCalls) > 0 {
			out.Messages = append(out.Messages, msg)
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}

	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}

	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}

	if len(options) > 0 {
		out.Options = options
	}

	return out, nil
}

func fromOllamaResponse(data []byte, model string) (*anthropic.MessagesResponse, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}

	var content []anthropic.ContentBlock

	if resp.Message.Content != "" {
		content = append(content, anthropic.TextBlock(resp.Message.Content))
	}

	for _, tc := range resp.Message.ToolCalls {
		content = append(content, anthropic.ToolUseBlock(anthropic.ToolUseID(""), tc.Function.Name, tc.Function.Arguments))
	}

	if resp.Model != "" {
		model = resp.Model
	}

	out := anthropic.NewResponse(anthropic.NewMessageID(), model, content)

	reason := anthropic.MapStopReason(resp.DoneReason)
	if len(resp.Message.ToolCalls) > 0 {
		reason = anthropic.StopReasonToolUse
	}

	out.StopReason = &reason
	out.Usage.InputTokens = resp.PromptEvalCount
	out.Usage.OutputTokens = resp.EvalCount

	return out, nil
}
