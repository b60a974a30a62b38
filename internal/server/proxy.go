package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/circuitbreaker"
	"github.com/eugener/llmux/internal/family"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/mutator"
	"github.com/eugener/llmux/internal/queue"
	"github.com/eugener/llmux/internal/sse"
	"github.com/eugener/llmux/internal/telemetry"
	"github.com/eugener/llmux/internal/upstream"
)

const (
	maxRequestBody = 8 << 20
	maxErrorBody   = 64 << 10

	// maxKeyRetries bounds automatic re-enqueues after an upstream 429 or a
	// revoked key; past it the upstream response surfaces to the client.
	maxKeyRetries = 3

	// heartbeatAfter is how long a streaming request may sit queued before
	// the proxy flushes SSE headers and starts ping comments.
	heartbeatAfter = 10 * time.Second
	heartbeatEvery = 5 * time.Second
)

// routeOpts adjusts the proxy flow for routes whose outbound dialect differs
// from what the client speaks.
type routeOpts struct {
	outbound llmux.Dialect                  // "" = same as inbound
	rewrite  func(body map[string]any) error // body translation before the pipeline
}

// proxyHandler returns the handler for a route whose inbound and outbound
// dialects match.
func (s *server) proxyHandler(service llmux.Service, inbound llmux.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.proxy(w, r, service, inbound, nil)
	}
}

// handleTurboInstruct accepts chat-shaped or prompt-shaped bodies and
// forwards them to the text-completion endpoint.
func (s *server) handleTurboInstruct(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, llmux.ServiceOpenAI, llmux.DialectOpenAIChat, &routeOpts{
		outbound: llmux.DialectOpenAIText,
		rewrite:  chatBodyToPrompt,
	})
}

// handleAWSClaude fronts Bedrock; the model travels in the invoke URL path,
// never in the body. Streaming is refused: invoke-with-response-stream wraps
// events in the AWS binary eventstream envelope, which the SSE reader cannot
// frame.
func (s *server) handleAWSClaude(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, llmux.ServiceAWS, llmux.DialectAnthropic, &routeOpts{
		rewrite: func(body map[string]any) error {
			if v, ok := body["stream"].(bool); ok && v {
				return llmux.ValidationError("streaming is not supported for bedrock models")
			}
			delete(body, "model")
			return nil
		},
	})
}

// handleGooglePalmChat exposes PaLM behind the chat dialect.
func (s *server) handleGooglePalmChat(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, llmux.ServiceGoogle, llmux.DialectOpenAIChat, &routeOpts{
		outbound: llmux.DialectGoogleAI,
		rewrite:  chatBodyToGooglePrompt,
	})
}

// call carries the state of one proxied request across retries.
type call struct {
	s *server
	w http.ResponseWriter
	r *http.Request

	requestID string
	user      *llmux.User
	service   llmux.Service
	family    llmux.ModelFamily
	inbound   llmux.Dialect // what the client speaks; also the egress dialect
	outbound  llmux.Dialect
	model     string
	body      map[string]any
	streaming bool

	promptTokens int
	promptText   string

	breaker *circuitbreaker.Breaker // nil when disabled

	sseStarted bool
	flusher    http.Flusher
}

func (s *server) proxy(w http.ResponseWriter, r *http.Request, service llmux.Service, inbound llmux.Dialect, opts *routeOpts) {
	user := llmux.UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, llmux.ValidationError("invalid JSON body", err.Error()))
		return
	}
	model, _ := body["model"].(string)
	if model == "" {
		writeAPIError(w, llmux.ValidationError("model is required"))
		return
	}

	fam := family.Classify(service, model)
	if !s.familyAllowed(fam) {
		writeAPIError(w, llmux.ValidationError("model not available", "family "+string(fam)+" is not served"))
		return
	}

	// Models whose native wire format is the messages API cannot be mapped
	// back onto the v1 text-completion shape.
	if upstream.DialectFor(service, model) == llmux.DialectAnthropicChat && inbound == llmux.DialectAnthropic {
		writeAPIError(w, llmux.ValidationError("model requires the messages API", model))
		return
	}

	outbound := inbound
	if opts != nil && opts.outbound != "" {
		outbound = opts.outbound
	}
	if opts != nil && opts.rewrite != nil {
		if err := opts.rewrite(body); err != nil {
			writeAPIError(w, err)
			return
		}
	}

	streaming := false
	if v, ok := body["stream"].(bool); ok {
		streaming = v
	}
	if inbound == llmux.DialectOpenAIImage {
		// Image generations never stream.
		streaming = false
	}

	c := &call{
		s:         s,
		w:         w,
		r:         r,
		requestID: llmux.RequestIDFromContext(r.Context()),
		user:      user,
		service:   service,
		family:    fam,
		inbound:   inbound,
		outbound:  outbound,
		model:     model,
		body:      body,
		streaming: streaming,
	}
	c.flusher, _ = w.(http.Flusher)
	c.countPrompt()

	if err := s.deps.Quota.Check(user, fam, int64(c.promptTokens)); err != nil {
		writeAPIError(w, err)
		return
	}

	if s.deps.Breakers != nil {
		c.breaker = s.deps.Breakers.GetOrCreate(service)
		if !c.breaker.Allow() {
			writeAPIError(w, llmux.UpstreamError(http.StatusServiceUnavailable, "upstream temporarily unavailable"))
			return
		}
	}

	// A shard with no enabled keys fails fast rather than queueing forever.
	if s.deps.Pool.Available(service) == 0 {
		writeAPIError(w, fmt.Errorf("%w: service=%s", llmux.ErrNoAvailableKey, service))
		return
	}

	c.run()
}

// countPrompt estimates the prompt token cost for quota admission.
func (c *call) countPrompt() {
	if msgs, ok := c.body["messages"].([]any); ok {
		chat := make([]llmux.ChatMessage, 0, len(msgs))
		var text bytes.Buffer
		for _, raw := range msgs {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			cm := llmux.ChatMessage{}
			cm.Role, _ = m["role"].(string)
			cm.Content, _ = m["content"].(string)
			cm.Name, _ = m["name"].(string)
			chat = append(chat, cm)
			text.WriteString(cm.Content)
			text.WriteByte('\n')
		}
		c.promptTokens = c.s.deps.Tokens.CountMessages(c.service, c.model, chat)
		c.promptText = text.String()
		return
	}
	prompt, _ := c.body["prompt"].(string)
	c.promptTokens = c.s.deps.Tokens.CountText(c.service, c.model, prompt)
	c.promptText = prompt
}

// run drives the key-selection/upstream loop until the request is answered.
func (c *call) run() {
	targetURL, err := c.s.deps.Endpoints.URL(c.service, c.outbound, c.model, c.streaming)
	if err != nil {
		c.fail(llmux.ValidationError(err.Error()))
		return
	}

	mreq := &mutator.Request{
		Method: http.MethodPost,
		URL:    targetURL,
		Header: c.r.Header.Clone(),
		Body:   c.body,
	}
	mgr := mutator.NewManager(mreq)

	retries := 0
	for {
		key, err := c.waitForKey()
		if err != nil {
			c.fail(err)
			return
		}

		mc := &mutator.Context{
			User:           c.user,
			Key:            key,
			Service:        c.service,
			Family:         c.family,
			Inbound:        c.inbound,
			Outbound:       c.outbound,
			Streaming:      c.streaming,
			RemainingQuota: c.s.deps.Quota.Remaining(c.user, c.family),
			Config: mutator.Config{
				RejectedPhrases: c.s.deps.Options.RejectedPhrases,
				BlockedOrigins:  c.s.deps.Options.BlockedOrigins,
			},
		}
		if err := mutator.Run(mgr, mc, mutator.Pipeline()); err != nil {
			c.fail(err)
			return
		}

		resp, err := c.send(key, mgr.Request())
		if err != nil {
			if c.breaker != nil {
				c.breaker.RecordError(circuitbreaker.ClassifyError(err))
			}
			c.fail(err)
			return
		}

		c.recordRateLimitTelemetry(key, resp.Header)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.s.deps.Pool.MarkRateLimited(key.Hash)
			detail := drainError(resp)
			mgr.Revert()
			retries++
			if retries > maxKeyRetries {
				c.fail(llmux.UpstreamError(http.StatusTooManyRequests, detail))
				return
			}
			if m := c.s.deps.Metrics; m != nil {
				m.KeyRetries.WithLabelValues(string(c.service)).Inc()
			}
			slog.LogAttrs(c.r.Context(), slog.LevelWarn, "rate limited, retrying on a fresh key",
				slog.String("request_id", c.requestID),
				slog.String("key", key.Hash),
				slog.Int("attempt", retries),
			)
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			c.s.deps.Pool.Disable(key.Hash, "revoked by provider ("+strconv.Itoa(resp.StatusCode)+")")
			c.s.deps.Clients.Forget(key.Hash)
			drainError(resp)
			mgr.Revert()
			retries++
			if retries > maxKeyRetries {
				c.fail(llmux.UpstreamError(http.StatusServiceUnavailable, "no usable upstream key"))
				return
			}
			continue

		case resp.StatusCode >= 400:
			detail := drainError(resp)
			if c.breaker != nil {
				c.breaker.RecordError(circuitbreaker.ClassifyError(llmux.UpstreamError(resp.StatusCode, detail)))
			}
			c.fail(llmux.UpstreamError(resp.StatusCode, detail))
			return
		}

		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
		if c.streaming {
			c.stream(resp, key)
		} else {
			c.blocking(resp, key)
		}
		return
	}
}

// waitForKey enqueues the request and waits for dispatch. Streaming clients
// queued past heartbeatAfter get SSE headers and ping comments so
// intermediaries do not time the connection out.
func (c *call) waitForKey() (keypool.Snapshot, error) {
	ch, err := c.s.deps.Queue.Enqueue(c.r.Context(), queue.Request{
		Service:   c.service,
		Family:    c.family,
		UserType:  c.user.Type,
		Streaming: c.streaming,
	})
	if err != nil {
		return keypool.Snapshot{}, err
	}

	quiet := time.NewTimer(heartbeatAfter)
	defer quiet.Stop()
	var ping <-chan time.Time

	for {
		select {
		case res := <-ch:
			if res.Err != nil {
				return keypool.Snapshot{}, res.Err
			}
			if m := c.s.deps.Metrics; m != nil {
				m.QueueWait.WithLabelValues(string(c.service), string(c.family)).Observe(res.Waited.Seconds())
			}
			return res.Key, nil

		case <-quiet.C:
			if !c.streaming {
				continue
			}
			c.startSSE()
			t := time.NewTicker(heartbeatEvery)
			defer t.Stop()
			ping = t.C

		case <-ping:
			writeSSEPing(c.w)
			c.flush()

		case <-c.r.Context().Done():
			return keypool.Snapshot{}, c.r.Context().Err()
		}
	}
}

// send builds the outbound request from the mutated state and executes it.
func (c *call) send(key keypool.Snapshot, mreq *mutator.Request) (*http.Response, error) {
	ctx, span := telemetry.Tracer("llmux/server").Start(c.r.Context(), "upstream.request",
		trace.WithAttributes(
			attribute.String("llm.service", string(c.service)),
			attribute.String("llm.model", c.model),
			attribute.Bool("llm.streaming", c.streaming),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, mreq.Method, mreq.URL.String(), bytes.NewReader(mreq.RawBody))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = mreq.Header.Clone()
	req.Header.Set("Content-Type", "application/json")
	if c.streaming {
		// Let the transport negotiate gzip itself so the SSE body arrives
		// transparently decoded.
		req.Header.Del("Accept-Encoding")
	}

	client := c.s.deps.Clients.For(key)
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)

	if m := c.s.deps.Metrics; m != nil {
		m.UpstreamDuration.WithLabelValues(string(c.service), string(c.family)).Observe(elapsed.Seconds())
		if err != nil {
			m.UpstreamErrors.WithLabelValues(string(c.service), "transport").Inc()
		} else if resp.StatusCode >= 400 {
			m.UpstreamErrors.WithLabelValues(string(c.service), statusLabel(resp.StatusCode)).Inc()
		}
	}

	if err != nil {
		span.RecordError(err)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// The key is not penalized on timeout.
			return nil, fmt.Errorf("%w: %s", llmux.ErrTimeout, c.service)
		}
		return nil, fmt.Errorf("%w: %v", llmux.ErrUpstreamError, err)
	}
	return resp, nil
}

// recordRateLimitTelemetry stores the provider's advisory rate-limit headers
// on the key.
func (c *call) recordRateLimitTelemetry(key keypool.Snapshot, h http.Header) {
	rl := upstream.ParseRateLimit(c.service, h, time.Now())
	if rl == (upstream.RateLimit{}) {
		return
	}
	c.s.deps.Pool.Update(key.Hash, keypool.Partial{Meta: map[string]string{
		"requests_remaining": strconv.FormatInt(rl.RequestsRemaining, 10),
		"tokens_remaining":   strconv.FormatInt(rl.TokensRemaining, 10),
	}})
}

// startSSE flushes the SSE headers exactly once. The stream writer relies on
// this guard to avoid re-sending headers after a heartbeat already has.
func (c *call) startSSE() {
	if c.sseStarted {
		return
	}
	c.sseStarted = true
	writeSSEHeaders(c.w)
	c.flush()
}

func (c *call) flush() {
	if c.flusher != nil {
		c.flusher.Flush()
	}
}

// fail reports an error to the client. Before any SSE bytes are written it
// is a plain JSON error; afterwards the status line is gone, so it becomes a
// fake data frame in the client's dialect followed by [DONE].
func (c *call) fail(err error) {
	if c.r.Context().Err() != nil {
		return // client is gone
	}
	api := llmux.Classify(err)
	if !c.sseStarted {
		writeJSON(c.w, api.Status, errorBody{Error: api})
		return
	}
	frame := sse.BuildErrorEvent(c.inbound, c.requestID, c.model, api.ErrType, api.Message)
	writeSSEData(c.w, frame)
	writeSSEDone(c.w)
	c.flush()
}

// account settles usage after a completed exchange: user quota, key
// counters, token metrics, and the prompt log.
func (c *call) account(key keypool.Snapshot, completion string) {
	completionTokens := c.s.deps.Tokens.CountText(c.service, c.model, completion)
	total := int64(c.promptTokens + completionTokens)

	c.s.deps.Quota.Consume(c.user.Token, c.family, total)
	c.s.deps.Pool.IncrementUsage(key.Hash, c.model, total)

	if m := c.s.deps.Metrics; m != nil {
		m.TokensProcessed.WithLabelValues(string(c.family), "prompt").Add(float64(c.promptTokens))
		m.TokensProcessed.WithLabelValues(string(c.family), "completion").Add(float64(completionTokens))
	}

	if c.s.deps.Options.PromptLogging && c.s.deps.Prompts != nil {
		c.s.deps.Prompts.Log(llmux.PromptLog{
			RequestID:  c.requestID,
			UserToken:  c.user.Token,
			Service:    c.service,
			Model:      c.model,
			Family:     c.family,
			Prompt:     c.promptText,
			Completion: completion,
			CreatedAt:  time.Now(),
		})
	}
}

// drainError reads a bounded amount of an error response body for
// passthrough and closes it.
func drainError(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(b) == 0 {
		return resp.Status
	}
	if msg := gjson.GetBytes(b, "error.message"); msg.Exists() {
		return msg.String()
	}
	return string(b)
}

// chatBodyToPrompt flattens chat messages into a single prompt string for
// the text-completion upstream. Prompt-shaped bodies pass through.
func chatBodyToPrompt(body map[string]any) error {
	msgs, ok := body["messages"].([]any)
	if !ok {
		if _, ok := body["prompt"].(string); !ok {
			return llmux.ValidationError("prompt or messages is required")
		}
		return nil
	}
	var b bytes.Buffer
	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	body["prompt"] = b.String()
	delete(body, "messages")
	return nil
}

// chatBodyToGooglePrompt translates a chat body into the PaLM generateText
// shape.
func chatBodyToGooglePrompt(body map[string]any) error {
	if err := chatBodyToPrompt(body); err != nil {
		return err
	}
	prompt, _ := body["prompt"].(string)
	body["prompt"] = map[string]any{"text": prompt}
	if v, ok := body["max_tokens"]; ok {
		body["maxOutputTokens"] = v
		delete(body, "max_tokens")
	}
	delete(body, "model") // the model rides in the URL path
	return nil
}
