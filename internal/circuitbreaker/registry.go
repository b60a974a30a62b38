package circuitbreaker

import (
	"sync"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// Registry manages one Breaker per upstream service.
type Registry struct {
	mu       sync.RWMutex
	breakers map[llmux.Service]*Breaker
	config   Config
}

// NewRegistry creates a new circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[llmux.Service]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given service, or nil if none exists.
func (r *Registry) Get(service llmux.Service) *Breaker {
	r.mu.RLock()
	b := r.breakers[service]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for service, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(service llmux.Service) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[service] = b
	return b
}

// States returns the current state per service, for the admin surface.
func (r *Registry) States() map[llmux.Service]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[llmux.Service]State, len(r.breakers))
	for svc, b := range r.breakers {
		out[svc] = b.State()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []llmux.Service
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, k)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
