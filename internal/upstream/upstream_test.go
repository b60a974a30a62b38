package upstream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
)

func TestPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		service   llmux.Service
		dialect   llmux.Dialect
		model     string
		streaming bool
		want      string
	}{
		{llmux.ServiceOpenAI, llmux.DialectOpenAIChat, "gpt-4", true, "/v1/chat/completions"},
		{llmux.ServiceOpenAI, llmux.DialectOpenAIText, "gpt-3.5-turbo-instruct", false, "/v1/completions"},
		{llmux.ServiceOpenAI, llmux.DialectOpenAIImage, "dall-e-3", false, "/v1/images/generations"},
		{llmux.ServiceAnthropic, llmux.DialectAnthropic, "claude-2", true, "/v1/complete"},
		{llmux.ServiceAnthropic, llmux.DialectAnthropicChat, "claude-3-opus", true, "/v1/messages"},
		{llmux.ServiceGoogle, llmux.DialectGooglePalm, "text-bison-001", false, "/v1beta3/models/text-bison-001:generateText"},
		{llmux.ServiceAWS, llmux.DialectAnthropic, "anthropic.claude-v2", true, "/model/anthropic.claude-v2/invoke-with-response-stream"},
		{llmux.ServiceAWS, llmux.DialectAnthropic, "anthropic.claude-v2", false, "/model/anthropic.claude-v2/invoke"},
		{llmux.ServiceMistral, llmux.DialectMistral, "mistral-large-latest", true, "/v1/chat/completions"},
	}
	for _, tc := range tests {
		got, err := Path(tc.service, tc.dialect, tc.model, tc.streaming)
		if err != nil {
			t.Errorf("Path(%s, %s): %v", tc.service, tc.dialect, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Path(%s, %s) = %q, want %q", tc.service, tc.dialect, got, tc.want)
		}
	}

	if _, err := Path(llmux.ServiceOpenAI, llmux.DialectAnthropic, "", false); err == nil {
		t.Error("cross-service dialect accepted")
	}
}

func TestDialectFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		service llmux.Service
		model   string
		want    llmux.Dialect
	}{
		{llmux.ServiceOpenAI, "gpt-4", llmux.DialectOpenAIChat},
		{llmux.ServiceAnthropic, "claude-2.1", llmux.DialectAnthropic},
		{llmux.ServiceAnthropic, "claude-3-sonnet", llmux.DialectAnthropicChat},
		{llmux.ServiceAWS, "anthropic.claude-v2", llmux.DialectAnthropic},
		{llmux.ServiceGoogle, "text-bison-001", llmux.DialectGoogleAI},
		{llmux.ServiceMistral, "mistral-small", llmux.DialectOpenAIChat},
	}
	for _, tc := range tests {
		if got := DialectFor(tc.service, tc.model); got != tc.want {
			t.Errorf("DialectFor(%s, %s) = %s, want %s", tc.service, tc.model, got, tc.want)
		}
	}
}

func TestEndpointsOverride(t *testing.T) {
	t.Parallel()

	// Nil and zero values target the production hosts.
	var nilEp *Endpoints
	u, err := nilEp.URL(llmux.ServiceOpenAI, llmux.DialectOpenAIChat, "gpt-4", false)
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("nil endpoints URL = %s", u)
	}

	ep := &Endpoints{}
	if err := ep.Override(llmux.ServiceOpenAI, "http://127.0.0.1:9999/gateway/"); err != nil {
		t.Fatal(err)
	}
	u, err = ep.URL(llmux.ServiceOpenAI, llmux.DialectOpenAIChat, "gpt-4", false)
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "http://127.0.0.1:9999/gateway/v1/chat/completions" {
		t.Errorf("override URL = %s", u)
	}

	// Other services are untouched by the override.
	u, err = ep.URL(llmux.ServiceAnthropic, llmux.DialectAnthropic, "claude-2", false)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "api.anthropic.com" {
		t.Errorf("anthropic host = %s", u.Host)
	}

	if err := ep.Override(llmux.ServiceOpenAI, "not a url"); err == nil {
		t.Error("relative override accepted")
	}
}

func TestParseRateLimit(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("X-Ratelimit-Remaining-Requests", "58")
	h.Set("X-Ratelimit-Remaining-Tokens", "149000")
	h.Set("X-Ratelimit-Reset-Requests", "6m30s")
	rl := ParseRateLimit(llmux.ServiceOpenAI, h, now)
	if rl.RequestsRemaining != 58 || rl.TokensRemaining != 149000 || rl.Reset != 6*time.Minute+30*time.Second {
		t.Errorf("openai rate limit = %+v", rl)
	}

	h = http.Header{}
	h.Set("Anthropic-Ratelimit-Requests-Remaining", "3")
	h.Set("Anthropic-Ratelimit-Requests-Reset", now.Add(45*time.Second).Format(time.RFC3339))
	rl = ParseRateLimit(llmux.ServiceAnthropic, h, now)
	if rl.RequestsRemaining != 3 || rl.Reset != 45*time.Second {
		t.Errorf("anthropic rate limit = %+v", rl)
	}

	// Garbage headers yield zero values, never an error.
	h = http.Header{}
	h.Set("X-Ratelimit-Remaining-Requests", "lots")
	h.Set("X-Ratelimit-Reset-Requests", "soon")
	if rl := ParseRateLimit(llmux.ServiceOpenAI, h, now); rl != (RateLimit{}) {
		t.Errorf("garbage headers = %+v", rl)
	}
}

func TestClientsForSharesAndCaches(t *testing.T) {
	t.Parallel()
	c := NewClients()

	oai := keypool.Snapshot{Hash: "oai-1", Service: llmux.ServiceOpenAI}
	ant := keypool.Snapshot{Hash: "ant-1", Service: llmux.ServiceAnthropic}
	if c.For(oai) != c.For(ant) {
		t.Error("header-auth services should share one client")
	}

	awsKey := keypool.Snapshot{
		Hash: "aws-1", Service: llmux.ServiceAWS,
		Secret: "AKIAEXAMPLE:secret", Meta: map[string]string{"region": "eu-west-1"},
	}
	first := c.For(awsKey)
	if first == c.For(oai) {
		t.Error("bedrock must not use the shared client")
	}
	if c.For(awsKey) != first {
		t.Error("bedrock client not cached per key")
	}

	c.Forget("aws-1")
	if c.For(awsKey) == first {
		t.Error("Forget did not drop the cached client")
	}
}

func TestForwardCopiesAndStripsAuth(t *testing.T) {
	t.Parallel()
	var gotAuth, gotCustom, gotInjected string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		gotInjected = r.Header.Get("X-Provider-Key")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil)
	req.Header.Set("Authorization", "Bearer proxy-user-token")
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()

	err := Forward(req.Context(), srv.Client(), srv.URL, func(h http.Header) {
		h.Set("X-Provider-Key", "sk-real")
	}, rec, req)
	if err != nil {
		t.Fatal(err)
	}

	if gotAuth != "" {
		t.Errorf("proxy token leaked upstream: %q", gotAuth)
	}
	if gotCustom != "kept" || gotInjected != "sk-real" {
		t.Errorf("headers: custom=%q injected=%q", gotCustom, gotInjected)
	}
	if rec.Code != http.StatusCreated || rec.Header().Get("X-Upstream") != "yes" {
		t.Errorf("response: code=%d headers=%v", rec.Code, rec.Header())
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}
