package keypool

import (
	"errors"
	"testing"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// fakeClock lets tests advance pool time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool() (*Pool, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New()
	p.now = clk.now
	return p, clk
}

func turboFamilies() []llmux.ModelFamily { return []llmux.ModelFamily{llmux.FamilyTurbo} }

func TestPool_GetNoAvailableKey(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool()

	_, err := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if !errors.Is(err, llmux.ErrNoAvailableKey) {
		t.Fatalf("empty pool: got %v, want ErrNoAvailableKey", err)
	}

	p.AddKey(llmux.ServiceOpenAI, "sk-a", []llmux.ModelFamily{llmux.FamilyGPT4}, false, nil)
	_, err = p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if !errors.Is(err, llmux.ErrNoAvailableKey) {
		t.Fatalf("no family match: got %v, want ErrNoAvailableKey", err)
	}
}

func TestPool_DisabledKeyNeverSelected(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool()
	hash := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)

	p.Disable(hash, "revoked")
	p.Disable(hash, "revoked") // idempotent

	if _, err := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo); !errors.Is(err, llmux.ErrNoAvailableKey) {
		t.Fatalf("disabled key selected: err=%v", err)
	}
	if got := p.Available(llmux.ServiceOpenAI); got != 0 {
		t.Errorf("Available = %d, want 0", got)
	}
}

func TestPool_SelectionFairness(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()
	hashes := map[string]int{
		p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil): 0,
		p.AddKey(llmux.ServiceOpenAI, "sk-b", turboFamilies(), false, nil): 0,
		p.AddKey(llmux.ServiceOpenAI, "sk-c", turboFamilies(), false, nil): 0,
	}

	// Space selections past the reuse throttle so rate-limit state never
	// interferes; lastUsed alone should drive round-robin.
	const n = 30
	for range n {
		clk.advance(time.Second)
		snap, err := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
		if err != nil {
			t.Fatal(err)
		}
		hashes[snap.Hash]++
	}
	for h, count := range hashes {
		if count < n/3-1 {
			t.Errorf("key %s selected %d times, want >= %d", h, count, n/3-1)
		}
	}
}

func TestPool_ReuseDelayThrottle(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()
	p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)
	p.AddKey(llmux.ServiceOpenAI, "sk-b", turboFamilies(), false, nil)

	clk.advance(time.Second)
	first, _ := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)

	// Immediately after selection the fresh key is throttled; the other
	// key must win.
	second, _ := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if second.Hash == first.Hash {
		t.Errorf("throttled key %s selected again immediately", first.Hash)
	}
}

func TestPool_RateLimitedOrdering(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()
	ha := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)
	hb := p.AddKey(llmux.ServiceOpenAI, "sk-b", turboFamilies(), false, nil)

	clk.advance(time.Second)
	p.MarkRateLimited(ha)
	clk.advance(100 * time.Millisecond)
	p.MarkRateLimited(hb)

	// Both locked out: the earlier-limited key (a) clears first and wins.
	snap, err := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Hash != ha {
		t.Errorf("selected %s, want earlier-limited %s", snap.Hash, ha)
	}
}

func TestPool_GetLockoutPeriod(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()

	// No keys at all: zero, so admission can fail cleanly.
	if d := p.GetLockoutPeriod(llmux.ServiceOpenAI, llmux.FamilyTurbo); d != 0 {
		t.Errorf("empty pool lockout = %v, want 0", d)
	}

	ha := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)
	hb := p.AddKey(llmux.ServiceOpenAI, "sk-b", turboFamilies(), false, nil)

	if d := p.GetLockoutPeriod(llmux.ServiceOpenAI, llmux.FamilyTurbo); d != 0 {
		t.Errorf("healthy keys lockout = %v, want 0", d)
	}

	clk.advance(time.Second)
	p.MarkRateLimited(ha)
	if d := p.GetLockoutPeriod(llmux.ServiceOpenAI, llmux.FamilyTurbo); d != 0 {
		t.Errorf("one healthy key remaining, lockout = %v, want 0", d)
	}

	p.MarkRateLimited(hb)
	d := p.GetLockoutPeriod(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if d <= 0 || d > RateLimitLockout {
		t.Errorf("all keys limited, lockout = %v, want (0, %v]", d, RateLimitLockout)
	}

	clk.advance(RateLimitLockout)
	if d := p.GetLockoutPeriod(llmux.ServiceOpenAI, llmux.FamilyTurbo); d != 0 {
		t.Errorf("after lockout expiry = %v, want 0", d)
	}
}

func TestPool_IncrementUsageMonotonic(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool()
	hash := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)

	p.IncrementUsage(hash, "gpt-3.5-turbo", 100)
	p.IncrementUsage(hash, "gpt-3.5-turbo", 50)

	keys := p.List()
	if len(keys) != 1 {
		t.Fatalf("List() returned %d keys", len(keys))
	}
	k := keys[0]
	if k.PromptCount != 2 {
		t.Errorf("PromptCount = %d, want 2", k.PromptCount)
	}
	if k.TokenCounts[llmux.FamilyTurbo] != 150 {
		t.Errorf("TokenCounts[turbo] = %d, want 150", k.TokenCounts[llmux.FamilyTurbo])
	}
	if k.Secret != "" {
		t.Error("List() must elide the secret")
	}
}

func TestPool_SnapshotIsolation(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()
	hash := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, map[string]string{"org": "org-1"})

	clk.advance(time.Second)
	snap, err := p.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if err != nil {
		t.Fatal(err)
	}
	snap.TokenCounts[llmux.FamilyTurbo] = 999
	snap.Meta["org"] = "tampered"

	p.IncrementUsage(hash, "gpt-3.5-turbo", 1)
	fresh := p.List()[0]
	if fresh.TokenCounts[llmux.FamilyTurbo] != 1 {
		t.Errorf("snapshot mutation leaked into pool: %d", fresh.TokenCounts[llmux.FamilyTurbo])
	}
	if fresh.Meta["org"] != "org-1" {
		t.Errorf("meta mutation leaked into pool: %s", fresh.Meta["org"])
	}
}

func TestPool_UpdateSetsLastChecked(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool()
	hash := p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)

	if !p.AnyUnchecked() {
		t.Fatal("fresh key should be unchecked")
	}

	clk.advance(time.Minute)
	trial := true
	p.Update(hash, Partial{IsTrial: &trial, Meta: map[string]string{"org": "org-2"}})

	if p.AnyUnchecked() {
		t.Error("key should be checked after Update")
	}
	k := p.List()[0]
	if !k.IsTrial || k.Meta["org"] != "org-2" {
		t.Errorf("partial update not merged: trial=%v meta=%v", k.IsTrial, k.Meta)
	}
	if !k.LastChecked.Equal(clk.t) {
		t.Errorf("LastChecked = %v, want %v", k.LastChecked, clk.t)
	}
}

func TestPool_NotifyFiresOnStateChange(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool()

	ch := p.Notify()
	p.AddKey(llmux.ServiceOpenAI, "sk-a", turboFamilies(), false, nil)
	select {
	case <-ch:
	default:
		t.Fatal("Notify channel not closed on AddKey")
	}

	ch = p.Notify()
	p.MarkRateLimited(p.List()[0].Hash)
	select {
	case <-ch:
	default:
		t.Fatal("Notify channel not closed on MarkRateLimited")
	}
}
