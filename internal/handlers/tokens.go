package handlers

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// DefaultEncoding is the tiktoken encoding used for estimates.
const DefaultEncoding = "cl100k_base"

// TokenCounter estimates the prompt size of a request. Estimates are used for
// logging, count_tokens and as a fallback when an upstream reports no usage.
type TokenCounter interface {
	CountRequest(req *anthropic.MessagesRequest) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads encoding. The first load may fetch the BPE ranks.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}

	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) CountRequest(req *anthropic.MessagesRequest) int {
	return len(c.enc.Encode(requestText(req), nil, nil))
}

// ApproxCounter assumes four characters per token. Used when no encoding is
// available.
type ApproxCounter struct{}

func (ApproxCounter) CountRequest(req *anthropic.MessagesRequest) int {
	n := utf8.RuneCountInString(requestText(req))
	return (n + 3) / 4
}

// requestText flattens everything in a request that reaches the model's
// context: system prompt, message text, tool traffic and tool definitions.
func requestText(req *anthropic.MessagesRequest) string {
	var sb strings.Builder

	sb.WriteString(req.SystemText())

	for _, msg := range req.Messages {
		blocks, err := msg.Blocks()
		if err != nil {
			continue
		}

		for _, b := range blocks {
			switch b.Type {
			case anthropic.BlockText:
				sb.WriteString("\n")
				sb.WriteString(b.Text)
			case anthropic.BlockToolUse:
				sb.WriteString("\n")
				sb.WriteString(b.Name)
				sb.Write(b.Input)
			case anthropic.BlockToolResult:
				sb.WriteString("\n")
				sb.WriteString(b.ToolResultText())
			}
		}
	}

	for _, tool := range req.Tools {
		sb.WriteString("\n")
		sb.WriteString(tool.Name)
		sb.WriteString(" ")
		sb.WriteString(tool.Description)

		sb.Write(tool.InputSchema)
	}

	return sb.String()
}
