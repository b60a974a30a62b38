// Package keypool implements the multi-provider credential registry. It
// holds upstream API keys, selects one per outgoing request under
// rate-limit, usage, and priority constraints, and tracks per-key health.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

const (
	// RateLimitLockout is how long a key sits out after an upstream 429.
	RateLimitLockout = 2000 * time.Millisecond
	// KeyReuseDelay throttles a freshly selected key while the first
	// request's outcome is unknown. It is a throttle, not a rate limit.
	KeyReuseDelay = 500 * time.Millisecond
	// anthropicLockout is longer than the default because Anthropic's
	// rate-limit windows reset on the minute, not per-request.
	anthropicLockout = 10 * time.Second
)

// Key is a single upstream credential with its usage and health state.
// All mutation happens under the pool lock.
type Key struct {
	Secret         string
	Hash           string // provider tag + short hex SHA-256, immutable
	Service        llmux.Service
	Families       []llmux.ModelFamily
	IsTrial        bool
	IsDisabled     bool
	DisabledReason string

	PromptCount int64
	TokenCounts map[llmux.ModelFamily]int64

	LastUsed         time.Time
	LastChecked      time.Time
	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	// Meta holds provider-specific fields (OpenAI org id, AWS region).
	// The pool never interprets them.
	Meta map[string]string
}

// serviceTags prefix key hashes for log readability.
var serviceTags = map[llmux.Service]string{
	llmux.ServiceOpenAI:    "oai",
	llmux.ServiceAnthropic: "ant",
	llmux.ServiceGoogle:    "goo",
	llmux.ServiceAWS:       "aws",
	llmux.ServiceMistral:   "mis",
}

// HashSecret derives the stable key hash: provider tag plus the first 8 hex
// characters of the secret's SHA-256. For identification and logging only.
func HashSecret(service llmux.Service, secret string) string {
	tag, ok := serviceTags[service]
	if !ok {
		tag = string(service)
	}
	sum := sha256.Sum256([]byte(secret))
	return tag + "-" + hex.EncodeToString(sum[:])[:8]
}

// rateLimited reports whether the key is inside its lockout window at now.
func (k *Key) rateLimited(now time.Time) bool {
	return now.Before(k.RateLimitedUntil)
}

// serves reports whether the key may serve the given family.
func (k *Key) serves(f llmux.ModelFamily) bool {
	for _, kf := range k.Families {
		if kf == f {
			return true
		}
	}
	return false
}

// lockout returns the 429 lockout duration for this key. Providers with
// native rate-limit telemetry get provider-specific windows; trial keys sit
// out twice as long since their limits are far tighter.
func (k *Key) lockout() time.Duration {
	d := RateLimitLockout
	if k.Service == llmux.ServiceAnthropic {
		d = anthropicLockout
	}
	if k.IsTrial {
		d *= 2
	}
	return d
}

// Snapshot is an immutable copy of a key handed to callers. Secret is
// present on snapshots returned by Get and elided on List.
type Snapshot struct {
	Secret           string                      `json:"-"`
	Hash             string                      `json:"hash"`
	Service          llmux.Service               `json:"service"`
	Families         []llmux.ModelFamily         `json:"modelFamilies"`
	IsTrial          bool                        `json:"isTrial"`
	IsDisabled       bool                        `json:"isDisabled"`
	DisabledReason   string                      `json:"disabledReason,omitempty"`
	PromptCount      int64                       `json:"promptCount"`
	TokenCounts      map[llmux.ModelFamily]int64 `json:"tokenCounts"`
	LastUsed         time.Time                   `json:"lastUsed"`
	LastChecked      time.Time                   `json:"lastChecked"`
	RateLimitedAt    time.Time                   `json:"rateLimitedAt"`
	RateLimitedUntil time.Time                   `json:"rateLimitedUntil"`
	Meta             map[string]string           `json:"meta,omitempty"`
}

// snapshot copies the key into an immutable Snapshot.
func (k *Key) snapshot() Snapshot {
	counts := make(map[llmux.ModelFamily]int64, len(k.TokenCounts))
	for f, n := range k.TokenCounts {
		counts[f] = n
	}
	meta := make(map[string]string, len(k.Meta))
	for mk, mv := range k.Meta {
		meta[mk] = mv
	}
	return Snapshot{
		Secret:           k.Secret,
		Hash:             k.Hash,
		Service:          k.Service,
		Families:         append([]llmux.ModelFamily(nil), k.Families...),
		IsTrial:          k.IsTrial,
		IsDisabled:       k.IsDisabled,
		DisabledReason:   k.DisabledReason,
		PromptCount:      k.PromptCount,
		TokenCounts:      counts,
		LastUsed:         k.LastUsed,
		LastChecked:      k.LastChecked,
		RateLimitedAt:    k.RateLimitedAt,
		RateLimitedUntil: k.RateLimitedUntil,
		Meta:             meta,
	}
}
