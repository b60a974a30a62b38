package upstream

import (
	"net/http"
	"strconv"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// RateLimit is the telemetry a provider reports in its response headers.
// Zero values mean the provider did not report the field.
type RateLimit struct {
	RequestsRemaining int64
	TokensRemaining   int64
	Reset             time.Duration
}

// ParseRateLimit extracts the provider's rate-limit headers. The pool uses
// the numbers as advisory metadata; lockout decisions still come from
// actual 429 responses.
func ParseRateLimit(service llmux.Service, h http.Header, now time.Time) RateLimit {
	switch service {
	case llmux.ServiceAnthropic:
		return RateLimit{
			RequestsRemaining: intHeader(h, "Anthropic-Ratelimit-Requests-Remaining"),
			TokensRemaining:   intHeader(h, "Anthropic-Ratelimit-Tokens-Remaining"),
			Reset:             rfc3339Until(h.Get("Anthropic-Ratelimit-Requests-Reset"), now),
		}
	case llmux.ServiceOpenAI, llmux.ServiceMistral:
		return RateLimit{
			RequestsRemaining: intHeader(h, "X-Ratelimit-Remaining-Requests"),
			TokensRemaining:   intHeader(h, "X-Ratelimit-Remaining-Tokens"),
			Reset:             goDuration(h.Get("X-Ratelimit-Reset-Requests")),
		}
	default:
		return RateLimit{}
	}
}

func intHeader(h http.Header, name string) int64 {
	n, err := strconv.ParseInt(h.Get(name), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// goDuration parses OpenAI's reset format ("1s", "6m0s", "90ms").
func goDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func rfc3339Until(s string, now time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
