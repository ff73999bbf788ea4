package stream

import (
	"github.com/tidwall/gjson"

	"github.com/mihaisavezi/claude-route-proxy/internal/anthropic"
)

// chatDeltaRecord handles choices[0].delta records.
func (t *Transformer) chatDeltaRecord(payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		t.dropped("invalid json", payload)
		return nil
	}

	rec := gjson.ParseBytes(payload)
	t.captureMeta(rec)

	if u := rec.Get("usage"); u.IsObject() {
		t.state.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		t.state.usage.OutputTokens = int(u.Get("completion_tokens").Int())
		t.state.usage.CacheReadInputTokens = int(u.Get("prompt_tokens_details.cached_tokens").Int())
	}

	choice := rec.Get("choices.0")
	if !choice.Exists() {
		return nil
	}

	var out []byte

	delta := choice.Get("delta")

	if role := delta.Get("role"); role.Type == gjson.String && role.Str != "" {
		out = append(out, t.announce()...)
	}

	if content := delta.Get("content"); content.Type == gjson.String {
		out = append(out, t.text(content.Str)...)
	}

	for i, tc := range delta.Get("tool_calls").Array() {
		native := i
		if idx := tc.Get("index"); idx.Exists() {
			native = int(idx.Int())
		}

		tb, ok := t.state.tools[native]
		if !ok {
			var start []byte
			tb, start = t.toolStart(native, tc.Get("id").String(), tc.Get("function.name").String())
			out = append(out, start...)
		}

		out = append(out, t.toolArgs(tb, tc.Get("function.arguments").String())...)
	}

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.Str != "" {
		t.state.stopReason = anthropic.MapStopReason(fr.Str)
		out = append(out, t.announce()...)
		out = append(out, t.closeOpenBlock()...)
	}

	return out
}

// snapshotRecord handles records that carry the whole message so far, either
// at the top level ("message") or in choices[0].message.
func (t *Transformer) snapshotRecord(payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		t.dropped("invalid json", payload)
		return nil
	}

	rec := gjson.ParseBytes(payload)
	t.captureMeta(rec)

	if n := rec.Get("prompt_eval_count"); n.Exists() {
		t.state.usage.InputTokens = int(n.Int())
	}

	if n := rec.Get("eval_count"); n.Exists() {
		t.state.usage.OutputTokens = int(n.Int())
	}

	msg := rec.Get("message")
	if !msg.Exists() {
		msg = rec.Get("choices.0.message")
	}

	var out []byte

	if role := msg.Get("role"); role.Type == gjson.String && role.Str != "" {
		out = append(out, t.announce()...)
	}

	if content := msg.Get("content"); content.Type == gjson.String {
		delta := argsDelta(content.Str, t.state.snapshot)
		t.state.snapshot = content.Str
		out = append(out, t.text(delta)...)
	}

	for i, tc := range msg.Get("tool_calls").Array() {
		tb, ok := t.state.tools[i]
		if !ok {
			var start []byte
			tb, start = t.toolStart(i, tc.Get("id").String(), tc.Get("function.name").String())
			out = append(out, start...)
		}

		args := tc.Get("function.arguments")
		current := args.Raw
		if args.Type == gjson.String {
			current = args.Str
		}

		out = append(out, t.toolArgs(tb, argsDelta(current, tb.args))...)
	}

	if rec.Get("done").Bool() {
		reason := rec.Get("done_reason").String()
		if reason == "" {
			reason = rec.Get("choices.0.finish_reason").String()
		}

		if len(t.state.tools) > 0 && (reason == "" || reason == "stop") {
			reason = "tool_calls"
		}

		t.state.stopReason = anthropic.MapStopReason(reason)
		out = append(out, t.done()...)
	}

	return out
}

// geminiRecord handles streamGenerateContent records. Function calls arrive
// whole, one per part.
func (t *Transformer) geminiRecord(payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		t.dropped("invalid json", payload)
		return nil
	}

	rec := gjson.ParseBytes(payload)

	if v := rec.Get("responseId"); v.Exists() && t.state.messageID == "" {
		t.state.messageID = v.String()
	}

	if v := rec.Get("modelVersion"); v.Exists() && t.state.model == "" {
		t.state.model = v.String()
	}

	if u := rec.Get("usageMetadata"); u.IsObject() {
		t.state.usage.InputTokens = int(u.Get("promptTokenCount").Int())
		t.state.usage.OutputTokens = int(u.Get("candidatesTokenCount").Int())
		t.state.usage.CacheReadInputTokens = int(u.Get("cachedContentTokenCount").Int())
	}

	cand := rec.Get("candidates.0")
	if !cand.Exists() {
		return nil
	}

	var out []byte

	if role := cand.Get("content.role"); role.Type == gjson.String && role.Str != "" {
		out = append(out, t.announce()...)
	}

	for _, part := range cand.Get("content.parts").Array() {
		if part.Get("thought").Bool() {
			continue
		}

		if txt := part.Get("text"); txt.Type == gjson.String {
			out = append(out, t.text(txt.Str)...)
			continue
		}

		if fc := part.Get("functionCall"); fc.IsObject() {
			native := t.state.toolOrder
			t.state.toolOrder++

			tb, start := t.toolStart(native, fc.Get("id").String(), fc.Get("name").String())
			out = append(out, start...)

			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}

			out = append(out, t.toolArgs(tb, args)...)
		}
	}

	if fr := cand.Get("finishReason"); fr.Type == gjson.String && fr.Str != "" {
		reason := fr.Str
		if len(t.state.tools) > 0 && reason == "STOP" {
			reason = "tool_use"
		}

		t.state.stopReason = anthropic.MapStopReason(reason)
		out = append(out, t.done()...)
	}

	return out
}

// anthropicRecord re-frames records that are already canonical. Block
// bookkeeping is tracked so Terminate can close the stream correctly.
func (t *Transformer) anthropicRecord(payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		t.dropped("invalid json", payload)
		return nil
	}

	rec := gjson.ParseBytes(payload)
	eventType := rec.Get("type").String()

	switch eventType {
	case "":
		t.dropped("missing type", payload)
		return nil
	case anthropic.EventPing:
		return nil
	case anthropic.EventMessageStart:
		if t.state.roleAnnounced {
			return nil
		}

		t.state.roleAnnounced = true
		t.state.messageID = rec.Get("message.id").String()
		t.state.model = rec.Get("message.model").String()
		t.state.usage.InputTokens = int(rec.Get("message.usage.input_tokens").Int())
		t.state.usage.CacheReadInputTokens = int(rec.Get("message.usage.cache_read_input_tokens").Int())
		t.state.usage.CacheCreationInputTokens = int(rec.Get("message.usage.cache_creation_input_tokens").Int())
	case anthropic.EventContentBlockStart:
		idx := int(rec.Get("index").Int())
		t.state.openIndex = idx
		t.state.nextIndex = max(t.state.nextIndex, idx+1)

		if rec.Get("content_block.type").String() == anthropic.BlockText {
			t.state.currentBlockIndex = idx
		}
	case anthropic.EventContentBlockStop:
		if int(rec.Get("index").Int()) == t.state.openIndex {
			t.state.openIndex = -1
			t.state.currentBlockIndex = -1
		}
	case anthropic.EventMessageDelta:
		if r := rec.Get("delta.stop_reason"); r.Type == gjson.String {
			t.state.stopReason = r.Str
		}

		if n := rec.Get("usage.output_tokens"); n.Exists() {
			t.state.usage.OutputTokens = int(n.Int())
		}

		if n := rec.Get("usage.input_tokens"); n.Exists() && n.Int() > 0 {
			t.state.usage.InputTokens = int(n.Int())
		}
	case anthropic.EventMessageStop:
		t.state.complete = true
	}

	return anthropic.FormatSSEEvent(eventType, rawJSON(payload))
}

// captureMeta records the upstream message id and model the first time they
// appear.
func (t *Transformer) captureMeta(rec gjson.Result) {
	if t.state.messageID == "" {
		if id := rec.Get("id"); id.Type == gjson.String && id.Str != "" {
			t.state.messageID = id.Str
		}
	}

	if t.state.model == "" {
		if m := rec.Get("model"); m.Type == gjson.String && m.Str != "" {
			t.state.model = m.Str
		}
	}
}

// rawJSON marshals as itself.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return r, nil
}
