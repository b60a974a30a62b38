package server

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	llmux "github.com/eugener/llmux/internal"
)

func jsonResponse(status int, body []byte, encoding string) *http.Response {
	h := http.Header{"Content-Type": []string{"application/json"}}
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func brotliBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	if _, err := bw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := bw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const chatCompletionBody = `{"id":"u1","object":"chat.completion","model":"gpt-3.5-turbo",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hey"},"finish_reason":"stop"}]}`

func TestBlockingRelaysAndSettles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	c := newTestCall(t, env, rec, llmux.ServiceOpenAI,
		llmux.DialectOpenAIChat, llmux.DialectOpenAIChat, llmux.FamilyTurbo, "gpt-3.5-turbo")
	c.streaming = false
	key := poolKey(t, env, llmux.ServiceOpenAI, llmux.FamilyTurbo)

	c.blocking(jsonResponse(200, []byte(chatCompletionBody), ""), key)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "hey" {
		t.Fatalf("content = %q, want hey", got)
	}
	// Prompt logging is on, so the response is annotated.
	if note := gjson.GetBytes(body, "proxy_note").String(); note == "" {
		t.Fatal("proxy_note missing with prompt logging enabled")
	}

	// 5 prompt + 3 completion.
	u, _ := env.users.Get(env.user.Token)
	if got := u.TokenCounts[llmux.FamilyTurbo]; got != 8 {
		t.Fatalf("user tokens = %d, want 8", got)
	}
	if logs := env.sink.all(); len(logs) != 1 || logs[0].Completion != "hey" {
		t.Fatalf("prompt logs = %+v", logs)
	}
}

func TestBlockingOmitsNoteWhenLoggingOff(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.deps.Options.PromptLogging = false
	rec := httptest.NewRecorder()
	c := newTestCall(t, env, rec, llmux.ServiceOpenAI,
		llmux.DialectOpenAIChat, llmux.DialectOpenAIChat, llmux.FamilyTurbo, "gpt-3.5-turbo")
	key := poolKey(t, env, llmux.ServiceOpenAI, llmux.FamilyTurbo)

	c.blocking(jsonResponse(200, []byte(chatCompletionBody), ""), key)

	if gjson.GetBytes(rec.Body.Bytes(), "proxy_note").Exists() {
		t.Fatal("proxy_note present with prompt logging disabled")
	}
	if logs := env.sink.all(); len(logs) != 0 {
		t.Fatalf("prompt logged with logging disabled: %+v", logs)
	}
}

func TestBlockingDecodesGzip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	c := newTestCall(t, env, rec, llmux.ServiceOpenAI,
		llmux.DialectOpenAIChat, llmux.DialectOpenAIChat, llmux.FamilyTurbo, "gpt-3.5-turbo")
	key := poolKey(t, env, llmux.ServiceOpenAI, llmux.FamilyTurbo)

	c.blocking(jsonResponse(200, gzipBytes(t, []byte(chatCompletionBody)), "gzip"), key)

	if got := gjson.GetBytes(rec.Body.Bytes(), "choices.0.message.content").String(); got != "hey" {
		t.Fatalf("content = %q, want hey", got)
	}
}

func TestBlockingReshapesTextToChat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	// turbo-instruct shape: client speaks chat, upstream speaks text.
	c := newTestCall(t, env, rec, llmux.ServiceOpenAI,
		llmux.DialectOpenAIChat, llmux.DialectOpenAIText, llmux.FamilyTurbo, "gpt-3.5-turbo-instruct")
	key := poolKey(t, env, llmux.ServiceOpenAI, llmux.FamilyTurbo)

	textBody := `{"id":"u1","object":"text_completion","choices":[{"index":0,"text":"hi there","finish_reason":"length"}]}`
	c.blocking(jsonResponse(200, []byte(textBody), ""), key)

	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "object").String(); got != "chat.completion" {
		t.Fatalf("object = %q, want chat.completion", got)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "hi there" {
		t.Fatalf("content = %q, want 'hi there'", got)
	}
	if got := gjson.GetBytes(body, "choices.0.finish_reason").String(); got != "length" {
		t.Fatalf("finish_reason = %q, want length", got)
	}
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"ok":true}`)

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, flate.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(payload)
	fw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		wantErr  bool
	}{
		{"identity", "", payload, false},
		{"gzip", "gzip", gzipBytes(t, payload), false},
		{"brotli", "br", brotliBytes(t, payload), false},
		{"deflate", "deflate", deflated.Bytes(), false},
		{"unknown", "zstd", payload, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBody(jsonResponse(200, tt.body, tt.encoding))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("decoded = %s, want %s", got, payload)
			}
		})
	}
}

func TestChatBodyToPrompt(t *testing.T) {
	t.Parallel()

	t.Run("flattens messages", func(t *testing.T) {
		body := map[string]any{
			"model": "gpt-3.5-turbo-instruct",
			"messages": []any{
				map[string]any{"role": "system", "content": "be brief"},
				map[string]any{"role": "user", "content": "hi"},
			},
		}
		if err := chatBodyToPrompt(body); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		prompt, _ := body["prompt"].(string)
		if !strings.Contains(prompt, "system: be brief\n") || !strings.Contains(prompt, "user: hi\n") {
			t.Fatalf("prompt = %q", prompt)
		}
		if !strings.HasSuffix(prompt, "assistant: ") {
			t.Fatalf("prompt missing assistant cue: %q", prompt)
		}
		if _, ok := body["messages"]; ok {
			t.Fatal("messages not removed")
		}
	})

	t.Run("prompt passthrough", func(t *testing.T) {
		body := map[string]any{"prompt": "raw"}
		if err := chatBodyToPrompt(body); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		if body["prompt"] != "raw" {
			t.Fatalf("prompt = %v", body["prompt"])
		}
	})

	t.Run("neither rejected", func(t *testing.T) {
		if err := chatBodyToPrompt(map[string]any{}); err == nil {
			t.Fatal("expected validation error")
		}
	})
}

func TestChatBodyToGooglePrompt(t *testing.T) {
	t.Parallel()
	body := map[string]any{
		"model":      "text-bison-001",
		"max_tokens": float64(64),
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	if err := chatBodyToGooglePrompt(body); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	prompt, ok := body["prompt"].(map[string]any)
	if !ok || prompt["text"] == "" {
		t.Fatalf("prompt = %#v, want {text: ...}", body["prompt"])
	}
	if body["maxOutputTokens"] != float64(64) {
		t.Fatalf("maxOutputTokens = %v", body["maxOutputTokens"])
	}
	if _, ok := body["max_tokens"]; ok {
		t.Fatal("max_tokens not removed")
	}
	if _, ok := body["model"]; ok {
		t.Fatal("model not removed from body")
	}
}

func TestCompletionText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialect llmux.Dialect
		body    string
		want    string
	}{
		{"chat", llmux.DialectOpenAIChat, chatCompletionBody, "hey"},
		{"text", llmux.DialectOpenAIText, `{"choices":[{"text":"t"}]}`, "t"},
		{"anthropic", llmux.DialectAnthropic, `{"completion":"c"}`, "c"},
		{"anthropic chat", llmux.DialectAnthropicChat, `{"content":[{"type":"text","text":"m"}]}`, "m"},
		{"google", llmux.DialectGoogleAI, `{"candidates":[{"output":"g"}]}`, "g"},
		{"image", llmux.DialectOpenAIImage, `{"data":[{"url":"https://x"}]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := completionText(tt.dialect, []byte(tt.body)); got != tt.want {
				t.Fatalf("completionText = %q, want %q", got, tt.want)
			}
		})
	}
}

