package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/upstream"
)

const stubChatCompletion = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-3.5-turbo",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"hey"},"finish_reason":"stop"}]}`

// upstreamStub plays a scripted sequence of response statuses (the last one
// repeats) and records every attempt it sees.
type upstreamStub struct {
	mu     sync.Mutex
	status []int
	bodies []string
	auths  []string
	srv    *httptest.Server
}

func newUpstreamStub(t *testing.T, env *testEnv, service llmux.Service, statuses ...int) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{status: statuses}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)

		stub.mu.Lock()
		stub.bodies = append(stub.bodies, string(b))
		stub.auths = append(stub.auths, r.Header.Get("Authorization"))
		attempt := len(stub.bodies)
		stub.mu.Unlock()

		code := stub.status[min(attempt, len(stub.status))-1]
		if code != http.StatusOK {
			w.WriteHeader(code)
			io.WriteString(w, `{"error":{"message":"upstream says no"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, stubChatCompletion)
	}))
	t.Cleanup(stub.srv.Close)

	ep := &upstream.Endpoints{}
	if err := ep.Override(service, stub.srv.URL); err != nil {
		t.Fatal(err)
	}
	env.deps.Endpoints = ep
	return stub
}

func (s *upstreamStub) attempts() (bodies, auths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...), append([]string(nil), s.auths...)
}

// lockedOutKeys counts keys carrying a full rate-limit lockout, as opposed
// to the short post-selection reuse throttle.
func lockedOutKeys(pool *keypool.Pool) int {
	n := 0
	for _, k := range pool.List() {
		if !k.RateLimitedAt.IsZero() && k.RateLimitedUntil.Sub(k.RateLimitedAt) >= keypool.RateLimitLockout {
			n++
		}
	}
	return n
}

func chatRequest(token string) *http.Request {
	body := `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi there"}]}`
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestProxyRetriesAfterUpstreamRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.pool.AddKey(llmux.ServiceOpenAI, "sk-test-a", []llmux.ModelFamily{llmux.FamilyTurbo}, false, nil)
	env.pool.AddKey(llmux.ServiceOpenAI, "sk-test-b", []llmux.ModelFamily{llmux.FamilyTurbo}, false, nil)
	stub := newUpstreamStub(t, env, llmux.ServiceOpenAI, http.StatusTooManyRequests, http.StatusOK)
	h := New(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(env.user.Token))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "hey") {
		t.Fatalf("completion missing from response: %s", rec.Body)
	}

	bodies, auths := stub.attempts()
	if len(bodies) != 2 {
		t.Fatalf("upstream attempts = %d, want 2", len(bodies))
	}
	// The re-enqueued request must be reverted first: the second attempt
	// carries a byte-identical body, not a doubly mutated one.
	if bodies[0] != bodies[1] {
		t.Errorf("retry body diverged:\n first = %s\nsecond = %s", bodies[0], bodies[1])
	}
	if auths[0] == auths[1] {
		t.Errorf("retry reused the rate-limited key: %s", auths[0])
	}
	if n := lockedOutKeys(env.pool); n != 1 {
		t.Errorf("locked-out keys = %d, want 1", n)
	}
}

func TestProxyRateLimitSurfacesAfterMaxRetries(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for _, secret := range []string{"sk-test-a", "sk-test-b", "sk-test-c", "sk-test-d"} {
		env.pool.AddKey(llmux.ServiceOpenAI, secret, []llmux.ModelFamily{llmux.FamilyTurbo}, false, nil)
	}
	stub := newUpstreamStub(t, env, llmux.ServiceOpenAI, http.StatusTooManyRequests)
	h := New(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(env.user.Token))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body)
	}
	e := decodeError(t, rec.Body.Bytes())
	if e.ErrType != llmux.ErrorTypeUpstream {
		t.Fatalf("error type = %s, want %s", e.ErrType, llmux.ErrorTypeUpstream)
	}
	if !strings.Contains(e.Message, "upstream says no") {
		t.Errorf("upstream detail not passed through: %q", e.Message)
	}

	bodies, _ := stub.attempts()
	if len(bodies) != 4 {
		t.Errorf("upstream attempts = %d, want 4 (initial + 3 retries)", len(bodies))
	}
	if n := lockedOutKeys(env.pool); n != 4 {
		t.Errorf("locked-out keys = %d, want 4", n)
	}
}

func TestProxyDisablesRevokedKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.pool.AddKey(llmux.ServiceOpenAI, "sk-test-a", []llmux.ModelFamily{llmux.FamilyTurbo}, false, nil)
	env.pool.AddKey(llmux.ServiceOpenAI, "sk-test-b", []llmux.ModelFamily{llmux.FamilyTurbo}, false, nil)
	stub := newUpstreamStub(t, env, llmux.ServiceOpenAI, http.StatusUnauthorized, http.StatusOK)
	h := New(env.deps)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(env.user.Token))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	bodies, _ := stub.attempts()
	if len(bodies) != 2 {
		t.Fatalf("upstream attempts = %d, want 2", len(bodies))
	}

	disabled := 0
	for _, k := range env.pool.List() {
		if k.IsDisabled {
			disabled++
			if k.DisabledReason != "revoked by provider (401)" {
				t.Errorf("disabled reason = %q", k.DisabledReason)
			}
		}
	}
	if disabled != 1 {
		t.Errorf("disabled keys = %d, want 1", disabled)
	}
	if n := env.pool.Available(llmux.ServiceOpenAI); n != 1 {
		t.Errorf("available keys = %d, want 1", n)
	}
}

func TestAWSClaudeRejectsStreaming(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	h := New(env.deps)

	body := `{"model":"anthropic.claude-v2","prompt":"\n\nHuman: hi\n\nAssistant:","stream":true}`
	req := httptest.NewRequest("POST", "/v1/aws/claude/complete", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.user.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
	e := decodeError(t, rec.Body.Bytes())
	if e.ErrType != llmux.ErrorTypeValidation {
		t.Fatalf("error type = %s, want validation", e.ErrType)
	}
	if !strings.Contains(e.Message, "streaming") {
		t.Errorf("message = %q, want a streaming refusal", e.Message)
	}
}
