package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
	"github.com/mihaisavezi/claude-route-proxy/internal/detector"
	"github.com/mihaisavezi/claude-route-proxy/internal/stream"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiHandler speaks the native generateContent API.
type GeminiHandler struct {
	base
}

func newGemini(p detector.Provider, cfg Config, client *http.Client, logger *slog.Logger) Handler {
	return &GeminiHandler{base: newBase(p, cfg, client, logger, stream.FormatGemini)}
}

// Endpoint returns the generateContent URL for the configured model.
func (h *GeminiHandler) Endpoint() string {
	return h.endpointFor(h.cfg.Model, false)
}

func (h *GeminiHandler) endpointFor(model string, streaming bool) string {
	base := strings.TrimRight(h.baseURL(geminiBaseURL), "/")
	model = strings.TrimPrefix(model, "models/")

	if streaming {
		return base + "/models/" + url.PathEscape(model) + ":streamGenerateContent?alt=sse"
	}

	return base + "/models/" + url.PathEscape(model) + ":generateContent"
}

func (h *GeminiHandler) Headers() http.Header {
	headers := jsonHeaders()
	if h.cfg.APIKey != "" {
		headers.Set("x-goog-api-key", h.cfg.APIKey)
	}

	return headers
}

func (h *GeminiHandler) Handle(ctx context.Context, req *anthropic.MessagesRequest) *Result {
	model := h.model(req)

	gemReq, err := toGeminiRequest(req)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()})
	}

	data, f := h.post(ctx, h.endpointFor(model, false), h.Headers(), gemReq)
	if f != nil {
		return failed(f)
	}

	resp, err := fromGeminiResponse(data, model)
	if err != nil {
		return failed(&Failure{Type: anthropic.ErrorAPI, Message: err.Error()})
	}

	return &Result{Response: resp}
}

func (h *GeminiHandler) HandleStream(ctx context.Context, req *anthropic.MessagesRequest) *StreamResult {
	gemReq, err := toGeminiRequest(req)
	if err != nil {
		return &StreamResult{Failure: &Failure{Type: anthropic.ErrorInvalidRequest, Message: err.Error()}}
	}

	return h.open(ctx, h.endpointFor(h.model(req), true), h.Headers(), gemReq)
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
	} `json:"functionCallingConfig"`
}

type geminiResponse struct {
	ResponseID   string `json:"responseId"`
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

// schemaFieldsGeminiRejects are JSON Schema keywords the function declaration
// validator refuses.
var schemaFieldsGeminiRejects = []string{"$schema", "additionalProperties", "$id", "$ref", "definitions"}

func toGeminiRequest(req *anthropic.MessagesRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	if system := req.SystemText(); system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	// functionResponse parts are matched by name, so remember which tool each
	// tool_use id called.
	toolNames := map[string]string{}

	for _, m := range req.Messages {
		blocks, err := m.Blocks()
		if err != nil {
			return nil, err
		}

		role := "user"
		if m.Role == anthropic.RoleAssistant {
			role = "model"
		}

		content := geminiContent{Role: role}

		for _, b := range blocks {
			switch b.Type {
			case anthropic.BlockText:
				if b.Text != "" {
					content.Parts = append(content.Parts, geminiPart{Text: b.Text})
				}
			case anthropic.BlockImage:
				if b.Source != nil && b.Source.Data != "" {
					content.Parts = append(content.Parts, geminiPart{InlineData: &geminiInlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
				}
			case anthropic.BlockToolUse:
				toolNames[b.ID] = b.Name
				content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: b.Name, Args: b.Input}})
			case anthropic.BlockToolResult:
				name := toolNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}

				content.Parts = append(content.Parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     name,
					Response: map[string]any{"content": b.ToolResultText()},
				}})
			}
		}

		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(out.Contents) == 0 {
		return nil, errors.New("request has no content to send")
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.StopSequences) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))

		for _, t := range req.Tools {
			decl := geminiFunctionDecl{Name: t.Name, Description: t.Description}

			if len(t.InputSchema) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
					return nil, fmt.Errorf("tool %s: decode input_schema: %w", t.Name, err)
				}

				decl.Parameters, _ = removeFieldsRecursively(schema, schemaFieldsGeminiRejects).(map[string]any)
			}

			decls = append(decls, decl)
		}

		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
		out.ToolConfig = geminiToolChoice(req.ToolChoice)
	}

	return out, nil
}

func geminiToolChoice(tc *anthropic.ToolChoice) *geminiToolConfig {
	if tc == nil {
		return nil
	}

	cfg := &geminiToolConfig{}

	switch tc.Type {
	case "any":
		cfg.FunctionCallingConfig.Mode = "ANY"
	case "none":
		cfg.FunctionCallingConfig.Mode = "NONE"
	case "tool":
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{tc.Name}
	default:
		cfg.FunctionCallingConfig.Mode = "AUTO"
	}

	return cfg
}

// removeFieldsRecursively drops the named keys from nested maps and lists.
func removeFieldsRecursively(data any, fields []string) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))

	keys:
		for key, value := range v {
			for _, f := range fields {
				if key == f {
					continue keys
				}
			}

			out[key] = removeFieldsRecursively(value, fields)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = removeFieldsRecursively(item, fields)
		}

		return out
	default:
		return data
	}
}

func fromGeminiResponse(data []byte, model string) (*anthropic.MessagesResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, errors.New("no candidates in gemini response")
	}

	cand := resp.Candidates[0]

	var (
		content  []anthropic.ContentBlock
		sawTools bool
	)

	for _, part := range cand.Content.Parts {
		switch {
		case part.Thought:
		case part.FunctionCall != nil:
			sawTools = true
			content = append(content, anthropic.ToolUseBlock(anthropic.ToolUseID(part.FunctionCall.ID), part.FunctionCall.Name, part.FunctionCall.Args))
		case part.Text != "":
			content = append(content, anthropic.TextBlock(part.Text))
		}
	}

	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}

	out := anthropic.NewResponse(anthropic.NewMessageID(), model, content)

	reason := anthropic.MapStopReason(cand.FinishReason)
	if sawTools {
		reason = anthropic.StopReasonToolUse
	}

	out.StopReason = &reason

	if u := resp.UsageMetadata; u != nil {
		out.Usage.InputTokens = u.PromptTokenCount
		out.Usage.OutputTokens = u.CandidatesTokenCount
		out.Usage.CacheReadInputTokens = u.CachedContentTokenCount
	}

	return out, nil
}
