package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/sse"
)

// chatShaped reports whether a dialect's stream chunks already have the
// OpenAI chat shape, making a canonical transformer redundant.
func chatShaped(d llmux.Dialect) bool {
	return d == llmux.DialectOpenAIChat || d == llmux.DialectMistral
}

// stream forwards the upstream SSE body to the client, transforming dialects
// on the fly, and settles usage from the aggregated result when the stream
// ends. Every stream the client sees is terminated by [DONE], including
// streams that die upstream.
func (c *call) stream(resp *http.Response, key keypool.Snapshot) {
	defer resp.Body.Close()
	c.startSSE()

	egress := sse.NewTransformer(c.outbound, c.inbound, c.requestID, c.model)

	// A second transformer feeds the aggregator in canonical chat form when
	// the upstream chunks are not already chat-shaped.
	var canon *sse.Transformer
	if !chatShaped(c.outbound) {
		canon = sse.NewTransformer(c.outbound, llmux.DialectOpenAIChat, c.requestID, c.model)
	}
	agg := sse.NewAggregator(c.requestID, c.model)

	var done bool
	buf := &sse.MessageBuffer{}
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			for _, msg := range buf.Append(chunk[:n]) {
				if ferr := c.forwardMessage(msg, egress, canon, agg, &done); ferr != nil {
					c.fail(ferr)
					c.settleStream(key, agg)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				c.fail(llmux.UpstreamError(http.StatusBadGateway, "upstream stream interrupted"))
				c.settleStream(key, agg)
				return
			}
			break
		}
	}

	// An unterminated final event is still a complete message at EOF.
	if rem := buf.Remainder(); rem != "" {
		if err := c.forwardMessage(rem, egress, canon, agg, &done); err != nil {
			c.fail(err)
			c.settleStream(key, agg)
			return
		}
	}

	if !done {
		writeSSEDone(c.w)
		c.flush()
	}
	c.settleStream(key, agg)
}

// forwardMessage transforms one upstream SSE message, writes the resulting
// frames, and records them for aggregation.
func (c *call) forwardMessage(msg string, egress, canon *sse.Transformer, agg *sse.Aggregator, done *bool) error {
	agg.AddRaw(sse.ParseMessage(msg))

	frames, err := egress.Transform(msg)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if string(f) == "[DONE]" {
			if !*done {
				writeSSEDone(c.w)
				*done = true
			}
			continue
		}
		writeSSEData(c.w, f)
		if canon == nil {
			agg.Add(f)
		}
	}
	if canon != nil {
		chunks, err := canon.Transform(msg)
		if err != nil {
			return err
		}
		for _, ch := range chunks {
			agg.Add(ch)
		}
	}
	if len(frames) > 0 {
		c.flush()
	}
	return nil
}

// settleStream synthesizes the final response object from the aggregated
// stream and settles usage from it, the same way a blocking response would.
func (c *call) settleStream(key keypool.Snapshot, agg *sse.Aggregator) {
	final, err := agg.Final(c.inbound)
	if err != nil {
		slog.LogAttrs(c.r.Context(), slog.LevelWarn, "stream aggregation failed",
			slog.String("request_id", c.requestID),
			slog.Any("error", err),
		)
		c.account(key, agg.CompletionText())
		return
	}
	c.settle(key, final)
}

// settle extracts the completion text from a final response body and settles
// usage.
func (c *call) settle(key keypool.Snapshot, body []byte) {
	c.account(key, completionText(c.inbound, body))
}

// completionText pulls the assistant output out of a complete response body
// in the given dialect. Image responses carry no countable completion.
func completionText(d llmux.Dialect, body []byte) string {
	switch d {
	case llmux.DialectAnthropic:
		return gjson.GetBytes(body, "completion").String()
	case llmux.DialectAnthropicChat:
		return gjson.GetBytes(body, "content.0.text").String()
	case llmux.DialectOpenAIText:
		return gjson.GetBytes(body, "choices.0.text").String()
	case llmux.DialectOpenAIImage:
		return ""
	case llmux.DialectGoogleAI, llmux.DialectGooglePalm:
		return gjson.GetBytes(body, "candidates.0.output").String()
	default:
		return gjson.GetBytes(body, "choices.0.message.content").String()
	}
}
