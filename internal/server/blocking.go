package server

import (
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
)

const maxResponseBody = 32 << 20

const promptLogNote = "prompt logging is enabled on this proxy"

// blocking relays a non-streaming upstream response, reshaping dialects
// where the route requires it, then settles usage.
func (c *call) blocking(resp *http.Response, key keypool.Snapshot) {
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		c.fail(llmux.UpstreamError(http.StatusBadGateway, err.Error()))
		return
	}

	// Routes that translate the outbound dialect rebuild the response into
	// the shape the client asked for.
	if c.outbound != c.inbound {
		body = c.reshape(body)
	}

	if c.s.deps.Options.PromptLogging {
		if noted, err := sjson.SetBytes(body, "proxy_note", promptLogNote); err == nil {
			body = noted
		}
	}

	writeRawJSON(c.w, resp.StatusCode, body)
	c.settle(key, body)
}

// reshape rebuilds a response from the outbound dialect into the inbound
// one. Only chat-fronted routes translate, so the target shape is always a
// chat completion.
func (c *call) reshape(body []byte) []byte {
	content := completionText(c.outbound, body)
	finish := gjson.GetBytes(body, "choices.0.finish_reason").String()
	if finish == "" {
		finish = "stop"
	}
	out := map[string]any{
		"id":     c.requestID,
		"object": "chat.completion",
		"model":  c.model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return b
}

// decodeBody reads the response body, undoing whatever content encoding the
// upstream negotiated with the client's forwarded Accept-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip response: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return b, nil
}
