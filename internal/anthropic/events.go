package anthropic

import (
	"encoding/json"
	"fmt"
)

// Stream event types.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
	EventPing              = "ping"

	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// FormatSSEEvent frames data as one server-sent event record.
func FormatSSEEvent(eventType string, data any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"failed to marshal event\"}}\n\n")
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, jsonData))
}

type messageStartEvent struct {
	Type    string            `json:"type"`
	Message messageStartShell `json:"message"`
}

type messageStartShell struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// MessageStart renders a message_start event.
func MessageStart(id, model string, usage Usage) []byte {
	return FormatSSEEvent(EventMessageStart, messageStartEvent{
		Type: EventMessageStart,
		Message: messageStartShell{
			ID:      id,
			Type:    "message",
			Role:    RoleAssistant,
			Model:   model,
			Content: []ContentBlock{},
			Usage:   usage,
		},
	})
}

type contentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// TextBlockStart renders a content_block_start event for a text block.
func TextBlockStart(index int) []byte {
	return FormatSSEEvent(EventContentBlockStart, contentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: TextBlock(""),
	})
}

// ToolUseBlockStart renders a content_block_start event for a tool_use block.
func ToolUseBlockStart(index int, id, name string) []byte {
	return FormatSSEEvent(EventContentBlockStart, contentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: ToolUseBlock(id, name, nil),
	})
}

type contentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// TextDelta renders a content_block_delta carrying text.
func TextDelta(index int, text string) []byte {
	return FormatSSEEvent(EventContentBlockDelta, contentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: textDelta{Type: DeltaText, Text: text},
	})
}

// InputJSONDelta renders a content_block_delta carrying a tool argument fragment.
func InputJSONDelta(index int, partial string) []byte {
	return FormatSSEEvent(EventContentBlockDelta, contentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: inputJSONDelta{Type: DeltaInputJSON, PartialJSON: partial},
	})
}

type contentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// ContentBlockStop renders a content_block_stop event.
func ContentBlockStop(index int) []byte {
	return FormatSSEEvent(EventContentBlockStop, contentBlockStopEvent{
		Type:  EventContentBlockStop,
		Index: index,
	})
}

type messageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta messageDelta `json:"delta"`
	Usage *Usage       `json:"usage,omitempty"`
}

type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDelta renders a message_delta with the stop reason and, when known,
// the final usage.
func MessageDelta(stopReason string, usage *Usage) []byte {
	return FormatSSEEvent(EventMessageDelta, messageDeltaEvent{
		Type:  EventMessageDelta,
		Delta: messageDelta{StopReason: stopReason},
		Usage: usage,
	})
}

// MessageStop renders the terminal message_stop event.
func MessageStop() []byte {
	return FormatSSEEvent(EventMessageStop, struct {
		Type string `json:"type"`
	}{EventMessageStop})
}

type errorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorEvent renders an error event. It is always followed by a synthetic
// message_stop so readers terminate.
func ErrorEvent(t ErrorType, message string) []byte {
	return FormatSSEEvent(EventError, errorEvent{
		Type:  EventError,
		Error: ErrorDetail{Type: t, Message: message},
	})
}
