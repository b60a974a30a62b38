package tokenizer

import (
	"strings"
	"testing"

	llmux "github.com/eugener/llmux/internal"
)

func newCounter(t *testing.T) *Counter {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := newCounter(t)

	if got := c.CountText(llmux.ServiceOpenAI, "gpt-4", ""); got != 0 {
		t.Errorf("empty text = %d", got)
	}
	if got := c.CountText(llmux.ServiceOpenAI, "gpt-4", "abcd"); got != 1 {
		t.Errorf("4 bytes = %d tokens", got)
	}
	if got := c.CountText(llmux.ServiceOpenAI, "gpt-4", "abcde"); got != 2 {
		t.Errorf("5 bytes = %d tokens, want ceil", got)
	}

	// Anthropic counts denser: same text yields at least as many tokens.
	text := strings.Repeat("the quick brown fox ", 50)
	oai := c.CountText(llmux.ServiceOpenAI, "gpt-4", text)
	ant := c.CountText(llmux.ServiceAnthropic, "claude-2", text)
	if ant <= oai {
		t.Errorf("anthropic count %d not above openai %d", ant, oai)
	}
	// Bedrock serves Claude and counts the same way.
	if aws := c.CountText(llmux.ServiceAWS, "anthropic.claude-v2", text); aws != ant {
		t.Errorf("aws count %d != anthropic %d", aws, ant)
	}
}

func TestCountTextMemoized(t *testing.T) {
	t.Parallel()
	c := newCounter(t)
	text := strings.Repeat("x", 5000)

	first := c.CountText(llmux.ServiceOpenAI, "gpt-4", text)
	second := c.CountText(llmux.ServiceOpenAI, "gpt-4", text)
	if first != second {
		t.Errorf("memoized count changed: %d then %d", first, second)
	}
	// Same text under another service must not collide in the cache.
	ant := c.CountText(llmux.ServiceAnthropic, "claude-2", text)
	if ant == first {
		t.Errorf("cache collision across services: %d", ant)
	}
}

func TestCountMessages(t *testing.T) {
	t.Parallel()
	c := newCounter(t)

	if got := c.CountMessages(llmux.ServiceOpenAI, "gpt-4", nil); got != 1 {
		t.Errorf("no messages = %d, want floor of 1", got)
	}

	msgs := []llmux.ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Explain quantum computing.", Name: "alice"},
	}
	got := c.CountMessages(llmux.ServiceOpenAI, "gpt-4", msgs)
	if got < 15 || got > 50 {
		t.Errorf("chat count = %d, outside sane range", got)
	}

	// More content can never count fewer tokens.
	longer := append(msgs, llmux.ChatMessage{Role: "user", Content: strings.Repeat("more ", 40)})
	if c.CountMessages(llmux.ServiceOpenAI, "gpt-4", longer) <= got {
		t.Error("token count not monotonic in content length")
	}
}
