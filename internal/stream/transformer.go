// Package stream converts provider-native streaming bodies into canonical
// Messages stream events.
//
// A Transformer is a per-connection state machine. It buffers raw upstream
// chunks, extracts complete "data:" records, and maps each record onto the
// canonical event vocabulary while keeping content-block indices consistent
// across the whole message. It never returns an error: malformed records are
// dropped.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// Format selects the upstream wire dialect a Transformer understands.
type Format string

const (
	// FormatChatDelta is the incremental chat-completion chunk shape:
	// choices[0].delta.{role,content,tool_calls}, terminated by [DONE].
	FormatChatDelta Format = "chat_delta"
	// FormatSnapshot carries the full message generated so far in every
	// record; the transformer emits only what changed.
	FormatSnapshot Format = "snapshot"
	// FormatGemini is the generateContent stream: candidates[0].content.parts.
	FormatGemini Format = "gemini"
	// FormatAnthropic records are already canonical and are re-framed.
	FormatAnthropic Format = "anthropic"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatChatDelta, FormatSnapshot, FormatGemini, FormatAnthropic:
		return f, nil
	default:
		return "", fmt.Errorf("unknown stream format %q", s)
	}
}

// DoneSentinel is the literal completion record payload.
const DoneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger used for dropped records.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// WithModel sets the model reported in message_start when the upstream does
// not name one.
func WithModel(model string) Option {
	return func(t *Transformer) {
		t.fallbackModel = model
	}
}

// Transformer holds the state of one logical stream. It is not safe for
// concurrent use and must not be shared between connections.
type Transformer struct {
	format        Format
	logger        *slog.Logger
	fallbackModel string
	state         state
}

type state struct {
	buffer []byte

	// currentBlockIndex is the index of the text block being written, -1
	// when no text block is open.
	currentBlockIndex int
	nextIndex         int
	openIndex         int

	roleAnnounced bool
	complete      bool

	messageID  string
	model      string
	tools      map[int]*toolBlock
	toolOrder  int
	// pendingText holds text that arrived while a tool block was open. It is
	// written to a new text block once the tool block stops.
	pendingText string
	snapshot   string
	stopReason string
	usage      anthropic.Usage
}

type toolBlock struct {
	index int
	id    string
	name  string
	args  string
}

// New returns a Transformer for the given upstream format.
func New(format Format, opts ...Option) *Transformer {
	t := &Transformer{
		format: format,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.Reset()

	return t
}

// Format returns the upstream format this transformer reads.
func (t *Transformer) Format() Format {
	return t.format
}

// Reset returns the transformer to its initial streaming state.
func (t *Transformer) Reset() {
	t.state = state{
		currentBlockIndex: -1,
		openIndex:         -1,
		tools:             make(map[int]*toolBlock),
	}
}

// IsComplete reports whether the completion marker has been seen.
func (t *Transformer) IsComplete() bool {
	return t.state.complete
}

// Model returns the model the upstream reported, or the fallback model.
func (t *Transformer) Model() string {
	if t.state.model != "" {
		return t.state.model
	}

	return t.fallbackModel
}

// Usage returns the token usage reported by the upstream so far.
func (t *Transformer) Usage() anthropic.Usage {
	return t.state.usage
}

// Transform appends chunk to the buffer and converts every complete record.
// It returns false when no complete record was available yet; the bytes stay
// buffered. When records were consumed but produced nothing visible the
// result is empty and true.
func (t *Transformer) Transform(chunk []byte) ([]byte, bool) {
	outputs := t.drain(chunk)
	if outputs == nil {
		return nil, false
	}

	return bytes.Join(outputs, nil), true
}

// TransformBatch converts a buffer known to hold complete records and
// returns one output per record.
func (t *Transformer) TransformBatch(buf []byte) [][]byte {
	outputs := t.drain(buf)
	if outputs == nil {
		return [][]byte{}
	}

	return outputs
}

// Finish converts a trailing record that was never newline terminated. It is
// called once the upstream body is exhausted.
func (t *Transformer) Finish() []byte {
	if len(t.state.buffer) == 0 {
		return nil
	}

	line := bytes.TrimRight(t.state.buffer, "\r")
	t.state.buffer = nil

	payload, ok := dataPayload(line)
	if !ok {
		return nil
	}

	return t.record(payload)
}

// Terminate ends a stream that will receive no further input, emitting the
// events a reader needs to finish cleanly. It returns nil when the stream is
// already complete.
func (t *Transformer) Terminate() []byte {
	if t.state.complete {
		return nil
	}

	var out []byte
	out = append(out, t.announce()...)
	out = append(out, t.closeOpenBlock()...)
	out = append(out, t.finishMessage()...)

	return out
}

// drain appends input and processes every complete line. It returns nil when
// no data record was found.
func (t *Transformer) drain(input []byte) [][]byte {
	t.state.buffer = append(t.state.buffer, input...)

	var outputs [][]byte

	for {
		i := bytes.IndexByte(t.state.buffer, '\n')
		if i < 0 {
			break
		}

		line := bytes.TrimRight(t.state.buffer[:i], "\r")
		t.state.buffer = t.state.buffer[i+1:]

		payload, ok := dataPayload(line)
		if !ok {
			continue
		}

		outputs = append(outputs, t.record(payload))
	}

	if len(t.state.buffer) == 0 {
		t.state.buffer = nil
	}

	return outputs
}

// dataPayload extracts the payload of a "data:" line. Blank lines, comments
// and other SSE fields are not records.
func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	return bytes.TrimSpace(line[len(dataPrefix):]), true
}

// record converts one payload. Records after completion are consumed
// silently.
func (t *Transformer) record(payload []byte) []byte {
	if t.state.complete {
		return []byte{}
	}

	if string(payload) == DoneSentinel {
		return t.done()
	}

	var out []byte

	switch t.format {
	case FormatSnapshot:
		out = t.snapshotRecord(payload)
	case FormatGemini:
		out = t.geminiRecord(payload)
	case FormatAnthropic:
		out = t.anthropicRecord(payload)
	default:
		out = t.chatDeltaRecord(payload)
	}

	if out == nil {
		return []byte{}
	}

	return out
}

func (t *Transformer) dropped(reason string, payload []byte) {
	t.logger.Debug("Dropped stream record",
		"error_type", anthropic.ErrorParse,
		"reason", reason,
		"format", t.format,
		"bytes", len(payload),
	)
}

// done handles the completion sentinel.
func (t *Transformer) done() []byte {
	var out []byte
	out = append(out, t.announce()...)
	out = append(out, t.closeOpenBlock()...)
	out = append(out, t.finishMessage()...)

	return out
}

// finishMessage emits message_delta and message_stop and enters DONE.
func (t *Transformer) finishMessage() []byte {
	reason := t.state.stopReason
	if reason == "" {
		reason = anthropic.StopReasonEndTurn
	}

	usage := t.state.usage

	var out []byte
	out = append(out, anthropic.MessageDelta(reason, &usage)...)
	out = append(out, anthropic.MessageStop()...)

	t.state.complete = true

	return out
}

// announce emits message_start once per stream.
func (t *Transformer) announce() []byte {
	if t.state.roleAnnounced {
		return nil
	}

	t.state.roleAnnounced = true

	id := t.state.messageID
	if id == "" {
		id = anthropic.NewMessageID()
		t.state.messageID = id
	}

	model := t.state.model
	if model == "" {
		model = t.fallbackModel
	}

	return anthropic.MessageStart(id, model, anthropic.Usage{InputTokens: t.state.usage.InputTokens})
}

// closeOpenBlock stops whichever block is currently open.
func (t *Transformer) closeOpenBlock() []byte {
	if t.state.openIndex < 0 {
		return nil
	}

	out := anthropic.ContentBlockStop(t.state.openIndex)
	t.state.openIndex = -1
	t.state.currentBlockIndex = -1

	if pending := t.state.pendingText; pending != "" {
		t.state.pendingText = ""
		out = append(out, t.text(pending)...)
		out = append(out, t.closeOpenBlock()...)
	}

	return out
}

// text emits a text delta, opening a text block first when needed.
func (t *Transformer) text(s string) []byte {
	if s == "" {
		return nil
	}

	var out []byte
	out = append(out, t.announce()...)

	// A tool block stays open until another tool starts or the message
	// finishes, since later argument fragments must land on it.
	if t.state.openIndex >= 0 && t.state.openIndex != t.state.currentBlockIndex {
		t.state.pendingText += s
		return out
	}

	if t.state.currentBlockIndex < 0 {
		idx := t.state.nextIndex
		t.state.currentBlockIndex = idx
		t.state.openIndex = idx
		t.state.nextIndex = idx + 1
		out = append(out, anthropic.TextBlockStart(idx)...)
	}

	out = append(out, anthropic.TextDelta(t.state.currentBlockIndex, s)...)

	return out
}

// toolStart opens a tool_use block for a native tool index seen for the first
// time. The block index is the native index or the next free index, whichever
// is larger, so a tool call never collides with an earlier block and keeps
// the index the provider assigned when that index is free.
func (t *Transformer) toolStart(native int, id, name string) (*toolBlock, []byte) {
	var out []byte
	out = append(out, t.announce()...)
	out = append(out, t.closeOpenBlock()...)

	idx := max(native, t.state.nextIndex)
	tb := &toolBlock{index: idx, id: anthropic.ToolUseID(id), name: name}
	t.state.tools[native] = tb
	t.state.openIndex = idx
	t.state.nextIndex = idx + 1

	out = append(out, anthropic.ToolUseBlockStart(idx, tb.id, tb.name)...)

	return tb, out
}

// toolArgs appends an argument fragment to a tool block.
func (t *Transformer) toolArgs(tb *toolBlock, fragment string) []byte {
	if fragment == "" {
		return nil
	}

	tb.args += fragment

	if tb.index != t.state.openIndex {
		t.logger.Debug("Dropped fragment for stopped tool block",
			"error_type", anthropic.ErrorParse,
			"index", tb.index,
			"bytes", len(fragment),
		)

		return nil
	}

	return anthropic.InputJSONDelta(tb.index, fragment)
}

// argsDelta returns the part of a cumulative value that is new relative to
// what was already emitted.
func argsDelta(current, previous string) string {
	if len(current) >= len(previous) && current[:len(previous)] == previous {
		return current[len(previous):]
	}

	return current
}
