package sse

import (
	"encoding/json"
	"fmt"

	llmux "github.com/eugener/llmux/internal"
)

// BuildErrorEvent wraps a mid-stream failure as a data frame in the inbound
// dialect so every stream terminates gracefully on the wire. The error
// detail rides inside a fenced code block in the content so clients render
// it instead of crashing on an unexpected shape. The caller must follow
// this frame with the [DONE] sentinel.
func BuildErrorEvent(inbound llmux.Dialect, requestID, model string, errType llmux.ErrorType, message string) []byte {
	detail, _ := json.Marshal(map[string]string{
		"type":   string(errType),
		"string": message,
	})
	content := fmt.Sprintf("\n\n**Proxy error**\n```json\n%s\n```\n", detail)

	switch inbound {
	case llmux.DialectAnthropic, llmux.DialectAnthropicChat:
		payload, _ := json.Marshal(map[string]any{
			"completion":  content,
			"stop_reason": "stop_sequence",
			"log_id":      requestID,
			"model":       model,
		})
		return payload
	case llmux.DialectOpenAIText:
		payload, _ := json.Marshal(map[string]any{
			"id":     requestID,
			"object": "text_completion",
			"model":  model,
			"choices": []map[string]any{{
				"index":         0,
				"text":          content,
				"finish_reason": "stop",
			}},
		})
		return payload
	default:
		return buildChatChunk(requestID, model, map[string]any{"content": content}, "stop")
	}
}
