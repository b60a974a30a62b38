package sse

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	llmux "github.com/eugener/llmux/internal"
)

// Transformer rewrites upstream SSE events from one dialect into another.
// It carries the cross-event state some dialect pairs need: Anthropic v1
// events hold the entire completion-so-far, so emitting OpenAI deltas
// requires remembering how many characters have already been sent.
type Transformer struct {
	from      llmux.Dialect
	to        llmux.Dialect
	requestID string
	model     string

	// lastPosition is the character offset already emitted for
	// whole-completion dialects (anthropic v1).
	lastPosition int

	// anthropic-chat state machine fields.
	msgID      string
	stopReason string
}

// NewTransformer returns a Transformer for the (from, to) dialect pair.
func NewTransformer(from, to llmux.Dialect, requestID, model string) *Transformer {
	return &Transformer{from: from, to: to, requestID: requestID, model: model}
}

// Position returns the number of completion characters emitted so far.
func (t *Transformer) Position() int { return t.lastPosition }

// Transform converts one complete upstream SSE message into zero or more
// outgoing event payloads (unframed; the writer adds "data: " and the
// boundary). The [DONE] sentinel and identity pairs pass through verbatim.
func (t *Transformer) Transform(msg string) ([][]byte, error) {
	ev := ParseMessage(msg)
	if ev.Data == "" && ev.Type == "" {
		return nil, nil
	}
	if ev.IsDone() {
		return [][]byte{[]byte("[DONE]")}, nil
	}
	if t.from == t.to || t.to == llmux.DialectPassthrough {
		return [][]byte{[]byte(ev.Data)}, nil
	}

	switch {
	case t.from == llmux.DialectAnthropic && t.to == llmux.DialectOpenAIChat:
		return t.anthropicV1ToChat(ev)
	case t.from == llmux.DialectAnthropicChat && t.to == llmux.DialectOpenAIChat:
		return t.anthropicChatToChat(ev)
	case t.from == llmux.DialectOpenAIText && t.to == llmux.DialectOpenAIChat:
		return t.textToChat(ev)
	case t.from == llmux.DialectGoogleAI && t.to == llmux.DialectOpenAIChat:
		return t.googleToChat(ev)
	case t.from == llmux.DialectPassthrough && t.to == llmux.DialectOpenAIChat:
		return t.rawToChat(ev)
	default:
		return nil, fmt.Errorf("sse: unsupported transform %s -> %s", t.from, t.to)
	}
}

// anthropicV1ToChat handles whole-completion events: only the suffix past
// lastPosition is emitted as a delta.
func (t *Transformer) anthropicV1ToChat(ev Event) ([][]byte, error) {
	if ev.Type == "ping" {
		return nil, nil
	}
	r := gjson.Parse(ev.Data)
	completion := r.Get("completion")
	if !completion.Exists() {
		return nil, nil
	}

	full := completion.String()
	if t.lastPosition > len(full) {
		// Upstream restarted the completion; resync rather than panic.
		t.lastPosition = 0
	}
	suffix := full[t.lastPosition:]
	t.lastPosition = len(full)

	finish := mapAnthropicStopReason(r.Get("stop_reason").String())
	if suffix == "" && finish == "" {
		return nil, nil
	}
	return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"content": suffix}, finish)}, nil
}

// anthropicChatToChat handles the v2 messages API, whose events are already
// deltas wrapped in a typed event envelope.
func (t *Transformer) anthropicChatToChat(ev Event) ([][]byte, error) {
	r := gjson.Parse(ev.Data)
	eventType := ev.Type
	if eventType == "" {
		eventType = r.Get("type").String()
	}

	switch eventType {
	case "message_start":
		t.msgID = r.Get("message.id").String()
		return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"role": "assistant"}, "")}, nil
	case "content_block_delta":
		if r.Get("delta.type").String() != "text_delta" {
			return nil, nil
		}
		text := r.Get("delta.text").String()
		t.lastPosition += len(text)
		return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"content": text}, "")}, nil
	case "message_delta":
		t.stopReason = r.Get("delta.stop_reason").String()
		return nil, nil
	case "message_stop":
		return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{}, mapAnthropicStopReason(t.stopReason))}, nil
	default:
		// ping, content_block_start, content_block_stop
		return nil, nil
	}
}

// textToChat turns choices[i].text into choices[i].delta.content.
func (t *Transformer) textToChat(ev Event) ([][]byte, error) {
	r := gjson.Parse(ev.Data)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, nil
	}
	text := choice.Get("text").String()
	t.lastPosition += len(text)
	return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"content": text}, choice.Get("finish_reason").String())}, nil
}

// googleToChat shims PaLM/Gemini candidate events into chat deltas.
func (t *Transformer) googleToChat(ev Event) ([][]byte, error) {
	r := gjson.Parse(ev.Data)
	text := r.Get("candidates.0.content.parts.0.text")
	if !text.Exists() {
		text = r.Get("candidates.0.output")
	}
	if !text.Exists() {
		text = r.Get("candidates.0.content")
	}
	if !text.Exists() {
		return nil, nil
	}
	s := text.String()
	t.lastPosition += len(s)
	return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"content": s}, "")}, nil
}

// rawToChat wraps opaque text data as a content delta.
func (t *Transformer) rawToChat(ev Event) ([][]byte, error) {
	t.lastPosition += len(ev.Data)
	return [][]byte{buildChatChunk(t.requestID, t.model, map[string]any{"content": ev.Data}, "")}, nil
}

// mapAnthropicStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// buildChatChunk builds an OpenAI-format streaming chunk payload.
func buildChatChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
