// Package anthropic defines the canonical Messages wire protocol the proxy
// accepts and emits: request and response bodies, content blocks, streaming
// events and their SSE framing.
package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"

	StopReasonEndTurn      = "end_turn"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonToolUse      = "tool_use"
	StopReasonStopSequence = "stop_sequence"
)

// MessagesRequest is the canonical request body for POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`

	raw []byte
}

// DecodeRequest parses a canonical request and keeps the original bytes so
// passthrough handlers can forward fields this package does not model.
func DecodeRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode messages request: %w", err)
	}

	if req.Model == "" {
		return nil, errors.New("model is required")
	}

	req.raw = body

	return &req, nil
}

// Raw returns the bytes the request was decoded from, or nil when the
// request was built in code.
func (r *MessagesRequest) Raw() []byte {
	return r.raw
}

// SystemText flattens the system prompt, which may be a plain string or a
// list of text blocks.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}

	return strings.Join(parts, "\n")
}

// Message is one conversation turn. Content is either a string or a list of
// content blocks on the wire.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TextMessage builds a message with a single string content.
func TextMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content}
}

// Blocks normalizes the message content into content blocks.
func (m Message) Blocks() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode %s message content: %w", m.Role, err)
	}

	return blocks, nil
}

// ContentBlock is a tagged union over text, tool_use, tool_result and image
// blocks.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block. An empty input becomes {}.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// MarshalJSON keeps the fields each block type requires even when empty.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}

		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	default:
		type plain ContentBlock
		return json.Marshal(plain(b))
	}
}

// ToolResultText flattens tool_result content, which may be a string or a
// list of text blocks.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return string(b.Content)
	}

	parts := make([]string, 0, len(blocks))
	for _, inner := range blocks {
		if inner.Type == BlockText {
			parts = append(parts, inner.Text)
		}
	}

	return strings.Join(parts, "\n")
}

// ImageSource is the payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DataURL renders a base64 image source as a data URL; url sources are
// returned unchanged.
func (s *ImageSource) DataURL() string {
	if s == nil {
		return ""
	}

	if s.Type == "url" {
		return s.URL
	}

	return "data:" + s.MediaType + ";base64," + s.Data
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice constrains tool selection: auto, any, tool (with Name) or none.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// MessagesResponse is the canonical non-streaming response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewResponse builds an assistant message response with a fresh id when id
// is empty.
func NewResponse(id, model string, content []ContentBlock) *MessagesResponse {
	if id == "" {
		id = NewMessageID()
	}

	if len(content) == 0 {
		content = []ContentBlock{TextBlock("")}
	}

	return &MessagesResponse{
		ID:      id,
		Type:    "message",
		Role:    RoleAssistant,
		Model:   model,
		Content: content,
	}
}

// Usage carries token counts.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// NewMessageID returns an id in the msg_ namespace.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToolUseID converts an upstream tool call id into the toolu_ namespace.
func ToolUseID(id string) string {
	switch {
	case id == "":
		return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	case strings.HasPrefix(id, "toolu_"):
		return id
	case strings.HasPrefix(id, "call_"):
		return "toolu_" + strings.TrimPrefix(id, "call_")
	default:
		return "toolu_" + id
	}
}

// CallID converts a toolu_ id back into the call_ namespace OpenAI-style
// providers expect.
func CallID(id string) string {
	if strings.HasPrefix(id, "toolu_") {
		return "call_" + strings.TrimPrefix(id, "toolu_")
	}

	return id
}

// MapStopReason converts provider finish reasons into canonical stop reasons.
func MapStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "length", "max_tokens":
		return StopReasonMaxTokens
	case "tool_calls", "function_call", "tool_use":
		return StopReasonToolUse
	case "content_filter", "stop_sequence", "safety", "recitation":
		return StopReasonStopSequence
	default:
		return StopReasonEndTurn
	}
}
