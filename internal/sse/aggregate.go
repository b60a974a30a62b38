package sse

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	llmux "github.com/eugener/llmux/internal"
)

// Aggregator accumulates the stream while it is being forwarded and
// synthesizes the final non-streaming response object on end. Events are
// accumulated in canonical OpenAI-chat form regardless of the egress
// dialect, so the stateful delta merge exists only once; the anthropic text
// egress additionally keeps raw events because its final event already
// carries the complete completion.
type Aggregator struct {
	requestID string
	model     string
	chunks    [][]byte // canonical openai-chat chunk payloads
	raw       []Event  // inbound events, kept for the anthropic egress path
}

// NewAggregator returns an Aggregator for the request.
func NewAggregator(requestID, model string) *Aggregator {
	return &Aggregator{requestID: requestID, model: model}
}

// Add accumulates a canonical OpenAI-chat chunk payload. The [DONE]
// sentinel is ignored.
func (a *Aggregator) Add(chunk []byte) {
	if string(chunk) == "[DONE]" {
		return
	}
	a.chunks = append(a.chunks, chunk)
}

// AddRaw accumulates the unparsed inbound event for egress dialects that
// replay upstream events verbatim.
func (a *Aggregator) AddRaw(ev Event) {
	a.raw = append(a.raw, ev)
}

// merged is the reduction of all accumulated chat deltas.
type merged struct {
	role         string
	content      strings.Builder
	finishReason string
}

// mergeChunks replays the accumulated events into a single message.
// Replaying the same event list twice produces the same result.
func (a *Aggregator) mergeChunks() merged {
	var m merged
	for _, c := range a.chunks {
		choice := gjson.GetBytes(c, "choices.0")
		if !choice.Exists() {
			continue
		}
		if role := choice.Get("delta.role").String(); role != "" && m.role == "" {
			m.role = role
		}
		m.content.WriteString(choice.Get("delta.content").String())
		if fr := choice.Get("finish_reason"); fr.Exists() && fr.Type == gjson.String {
			m.finishReason = fr.String()
		}
	}
	if m.role == "" {
		m.role = "assistant"
	}
	return m
}

// Final synthesizes the complete non-streaming response in the egress
// dialect. The result feeds the blocking pipeline stages (prompt logging,
// usage accounting) exactly as a non-streamed response would.
func (a *Aggregator) Final(egress llmux.Dialect) ([]byte, error) {
	switch egress {
	case llmux.DialectOpenAIText:
		return a.finalText()
	case llmux.DialectAnthropic:
		return a.finalAnthropic()
	default:
		return a.finalChat()
	}
}

// CompletionText returns the merged completion text, used for token counting.
func (a *Aggregator) CompletionText() string {
	m := a.mergeChunks()
	return m.content.String()
}

func (a *Aggregator) finalChat() ([]byte, error) {
	m := a.mergeChunks()
	finish := m.finishReason
	if finish == "" {
		finish = "stop"
	}
	out := map[string]any{
		"id":     a.requestID,
		"object": "chat.completion",
		"model":  a.model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": m.role, "content": m.content.String()},
			"finish_reason": finish,
		}},
	}
	return json.Marshal(out)
}

func (a *Aggregator) finalText() ([]byte, error) {
	m := a.mergeChunks()
	finish := m.finishReason
	if finish == "" {
		finish = "stop"
	}
	out := map[string]any{
		"id":     a.requestID,
		"object": "text_completion",
		"model":  a.model,
		"choices": []map[string]any{{
			"index":         0,
			"text":          m.content.String(),
			"finish_reason": finish,
		}},
	}
	return json.Marshal(out)
}

// finalAnthropic uses the last complete upstream event verbatim: Anthropic
// v1 events carry the whole completion, so the final non-DONE event is the
// final response. The log_id is overwritten with the proxy request id.
// Streams that end without a trailing event fall back to the delta merge.
func (a *Aggregator) finalAnthropic() ([]byte, error) {
	for i := len(a.raw) - 1; i >= 0; i-- {
		ev := a.raw[i]
		if ev.IsDone() || ev.Data == "" {
			continue
		}
		if !gjson.Get(ev.Data, "completion").Exists() {
			continue
		}
		out, err := sjson.Set(ev.Data, "log_id", a.requestID)
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}

	// No parseable trailing event; rebuild from the merged deltas.
	m := a.mergeChunks()
	out := map[string]any{
		"completion":  m.content.String(),
		"stop_reason": "stop_sequence",
		"log_id":      a.requestID,
		"model":       a.model,
	}
	return json.Marshal(out)
}
