// Package tokenizer estimates token counts for quota accounting and usage
// reporting. Counts are heuristic (bytes per token calibrated per provider);
// quota enforcement needs monotonic consistency, not exactness. Counts for
// large prompts are memoized in a W-TinyLFU cache since retries and
// streaming re-count the same text.
package tokenizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	llmux "github.com/eugener/llmux/internal"
)

const (
	// cacheThreshold is the minimum text length worth memoizing; short
	// strings are cheaper to count than to hash.
	cacheThreshold = 1024
	cacheSize      = 8192
	cacheTTL       = time.Hour
)

// Counter implements llmux.TokenCounter.
type Counter struct {
	cache *otter.Cache[string, int]
}

// New returns a Counter with a warm memoization cache.
func New() (*Counter, error) {
	c, err := otter.New[string, int](&otter.Options[string, int]{
		MaximumSize:      cacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, int](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("tokenizer: create cache: %w", err)
	}
	return &Counter{cache: c}, nil
}

// CountText counts tokens in a plain text prompt or completion.
func (c *Counter) CountText(service llmux.Service, model, text string) int {
	if len(text) == 0 {
		return 0
	}
	if len(text) < cacheThreshold {
		return estimate(service, text)
	}

	key := cacheKey(service, text)
	if n, ok := c.cache.GetIfPresent(key); ok {
		return n
	}
	n := estimate(service, text)
	c.cache.Set(key, n)
	return n
}

// CountMessages counts tokens across chat messages, including the
// per-message framing overhead and the assistant reply primer.
func (c *Counter) CountMessages(service llmux.Service, model string, messages []llmux.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += 4 // role/content framing
		total += estimate(service, m.Role)
		total += c.CountText(service, model, m.Content)
		if m.Name != "" {
			total += estimate(service, m.Name) + 1
		}
	}
	total += 3 // reply primer
	return max(total, 1)
}

// estimate applies the provider byte-per-token ratio with ceil division.
// Claude's vocabulary is denser than GPT's, so Anthropic (and Bedrock,
// which serves Claude) count more tokens per byte.
func estimate(service llmux.Service, s string) int {
	if len(s) == 0 {
		return 0
	}
	switch service {
	case llmux.ServiceAnthropic, llmux.ServiceAWS:
		// ~3.5 bytes per token
		return (len(s)*2 + 6) / 7
	default:
		// ~4 bytes per token
		return (len(s) + 3) / 4
	}
}

func cacheKey(service llmux.Service, text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(service) + ":" + hex.EncodeToString(sum[:16])
}
