package keypool

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/family"
)

// Pool is the multi-provider key registry. One coarse lock guards all keys;
// per-key latency is dominated by upstream I/O, not selection.
type Pool struct {
	mu     sync.Mutex
	keys   []*Key
	byHash map[string]*Key
	notify chan struct{}

	now func() time.Time // injectable for tests
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		byHash: make(map[string]*Key),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// AddKey registers a credential. Duplicate secrets for the same service are
// ignored (the hash is unique within the pool).
func (p *Pool) AddKey(service llmux.Service, secret string, families []llmux.ModelFamily, trial bool, meta map[string]string) string {
	hash := HashSecret(service, secret)

	p.mu.Lock()
	if _, dup := p.byHash[hash]; dup {
		p.mu.Unlock()
		return hash
	}
	k := &Key{
		Secret:      secret,
		Hash:        hash,
		Service:     service,
		Families:    append([]llmux.ModelFamily(nil), families...),
		IsTrial:     trial,
		TokenCounts: make(map[llmux.ModelFamily]int64),
		Meta:        meta,
	}
	if k.Meta == nil {
		k.Meta = make(map[string]string)
	}
	p.keys = append(p.keys, k)
	p.byHash[hash] = k
	p.signalLocked()
	p.mu.Unlock()

	slog.Info("key added to pool", "key", hash, "service", service, "families", families, "trial", trial)
	return hash
}

// Notify returns a channel closed on the next pool state change (key added,
// disabled, or rate-limit recorded). Callers re-arm by calling Notify again.
func (p *Pool) Notify() <-chan struct{} {
	p.mu.Lock()
	ch := p.notify
	p.mu.Unlock()
	return ch
}

// signalLocked wakes all Notify waiters. Caller holds p.mu.
func (p *Pool) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Get selects an enabled key serving the requested family and returns an
// immutable snapshot of it. Selection prefers keys outside their lockout
// window, then keys whose lockout clears soonest, then least-recently used.
// The selected key is throttled for KeyReuseDelay so a burst cannot flood a
// fresh key before its first outcome is known.
func (p *Pool) Get(service llmux.Service, f llmux.ModelFamily) (Snapshot, error) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var eligible []*Key
	for _, k := range p.keys {
		if k.Service == service && !k.IsDisabled && k.serves(f) {
			eligible = append(eligible, k)
		}
	}
	if len(eligible) == 0 {
		return Snapshot{}, fmt.Errorf("%w: service=%s family=%s", llmux.ErrNoAvailableKey, service, f)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		al, bl := a.rateLimited(now), b.rateLimited(now)
		if al != bl {
			return !al
		}
		if al && bl && !a.RateLimitedAt.Equal(b.RateLimitedAt) {
			// Both locked out: the one limited earlier clears first.
			return a.RateLimitedAt.Before(b.RateLimitedAt)
		}
		return a.LastUsed.Before(b.LastUsed)
	})

	k := eligible[0]
	k.LastUsed = now
	k.RateLimitedAt = now
	k.RateLimitedUntil = now.Add(KeyReuseDelay)
	return k.snapshot(), nil
}

// Disable marks a key unusable. Idempotent; never fails.
func (p *Pool) Disable(hash, reason string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if !ok || k.IsDisabled {
		p.mu.Unlock()
		return
	}
	k.IsDisabled = true
	k.DisabledReason = reason
	p.signalLocked()
	p.mu.Unlock()

	slog.Warn("key disabled", "key", hash, "reason", reason)
}

// Partial carries optional field updates for Update.
type Partial struct {
	IsTrial  *bool
	Families []llmux.ModelFamily
	Meta     map[string]string
}

// Update merges provider-specific fields into the key and stamps LastChecked.
func (p *Pool) Update(hash string, partial Partial) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byHash[hash]
	if !ok {
		return
	}
	if partial.IsTrial != nil {
		k.IsTrial = *partial.IsTrial
	}
	if partial.Families != nil {
		k.Families = append([]llmux.ModelFamily(nil), partial.Families...)
	}
	for mk, mv := range partial.Meta {
		k.Meta[mk] = mv
	}
	k.LastChecked = p.now()
}

// MarkRateLimited records an upstream 429 against the key, locking it out
// for its provider-specific window.
func (p *Pool) MarkRateLimited(hash string) {
	now := p.now()

	p.mu.Lock()
	k, ok := p.byHash[hash]
	if !ok {
		p.mu.Unlock()
		return
	}
	until := now.Add(k.lockout())
	k.RateLimitedAt = now
	k.RateLimitedUntil = until
	p.signalLocked()
	p.mu.Unlock()

	slog.Warn("key rate limited", "key", hash, "until", until)
}

// IncrementUsage bumps the key's prompt count and per-family token counter.
// Counters are monotonic within a running process.
func (p *Pool) IncrementUsage(hash, model string, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.byHash[hash]
	if !ok {
		return
	}
	k.PromptCount++
	k.TokenCounts[family.Classify(k.Service, model)] += tokens
}

// Available returns the number of enabled keys for the service.
func (p *Pool) Available(service llmux.Service) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k.Service == service && !k.IsDisabled {
			n++
		}
	}
	return n
}

// List returns redacted snapshots of every key (secret elided).
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.keys))
	for _, k := range p.keys {
		s := k.snapshot()
		s.Secret = ""
		out = append(out, s)
	}
	return out
}

// AnyUnchecked reports whether any enabled key has never been checked.
func (p *Pool) AnyUnchecked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if !k.IsDisabled && k.LastChecked.IsZero() {
			return true
		}
	}
	return false
}

// GetLockoutPeriod returns how long dispatch for the shard must wait.
// Zero when any enabled key serving the family is outside its lockout
// window, and also when no enabled keys exist at all -- the admission layer
// should surface NoAvailableKey rather than stall the queue.
func (p *Pool) GetLockoutPeriod(service llmux.Service, f llmux.ModelFamily) time.Duration {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var minRemaining time.Duration
	found := false
	for _, k := range p.keys {
		if k.Service != service || k.IsDisabled || !k.serves(f) {
			continue
		}
		if !k.rateLimited(now) {
			return 0
		}
		remaining := k.RateLimitedUntil.Sub(now)
		if !found || remaining < minRemaining {
			minRemaining = remaining
			found = true
		}
	}
	if !found {
		return 0
	}
	return minRemaining
}
