// Package queue admits proxy requests and hands each one an upstream key
// when its shard has capacity. Requests shard by (service, model family);
// each shard runs its own dispatch loop over the key pool so one exhausted
// family cannot stall the others.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
)

// Request describes an admission request for one proxied call.
type Request struct {
	Service   llmux.Service
	Family    llmux.ModelFamily
	UserType  llmux.UserType
	Streaming bool
}

// Result is delivered on the waiter's channel exactly once.
type Result struct {
	Key    keypool.Snapshot
	Waited time.Duration
	Err    error
}

type waiter struct {
	req        Request
	seq        uint64
	enqueuedAt time.Time
	ctx        context.Context
	out        chan Result
}

type shardKey struct {
	service llmux.Service
	family  llmux.ModelFamily
}

type shard struct {
	q       *Queue
	service llmux.Service
	family  llmux.ModelFamily

	// waiters is guarded by q.mu; the dispatch goroutine is woken through
	// wake (buffered, best-effort signal).
	waiters []*waiter
	wake    chan struct{}
}

// Queue is the sharded admission queue in front of the key pool.
type Queue struct {
	pool *keypool.Pool

	mu     sync.Mutex
	shards map[shardKey]*shard
	seq    uint64
	closed bool
	done   chan struct{}

	now func() time.Time
}

// New returns a queue dispatching from the given pool.
func New(pool *keypool.Pool) *Queue {
	return &Queue{
		pool:   pool,
		shards: make(map[shardKey]*shard),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Enqueue registers the request on its shard and returns the channel the
// key (or failure) will be delivered on. Callers select on the channel,
// their own heartbeat ticker, and ctx.Done; a canceled entry is dropped by
// the dispatch loop without consuming a key. Returns ErrShuttingDown once
// Shutdown has begun.
func (q *Queue) Enqueue(ctx context.Context, req Request) (<-chan Result, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, llmux.ErrShuttingDown
	}
	q.seq++
	w := &waiter{
		req:        req,
		seq:        q.seq,
		enqueuedAt: q.now(),
		ctx:        ctx,
		out:        make(chan Result, 1),
	}
	s := q.shardLocked(req.Service, req.Family)
	s.waiters = append(s.waiters, w)
	depth := len(s.waiters)
	q.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	if depth > 1 {
		slog.LogAttrs(ctx, slog.LevelDebug, "request queued",
			slog.String("service", string(req.Service)),
			slog.String("family", string(req.Family)),
			slog.Int("depth", depth))
	}
	return w.out, nil
}

// shardLocked returns the shard for (service, family), creating it and
// starting its dispatch loop on first use. Caller holds q.mu.
func (q *Queue) shardLocked(service llmux.Service, family llmux.ModelFamily) *shard {
	k := shardKey{service, family}
	s, ok := q.shards[k]
	if !ok {
		s = &shard{q: q, service: service, family: family, wake: make(chan struct{}, 1)}
		q.shards[k] = s
		go s.run()
	}
	return s
}

// Depth returns the number of entries waiting on the shard.
func (q *Queue) Depth(service llmux.Service, family llmux.ModelFamily) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.shards[shardKey{service, family}]; ok {
		return len(s.waiters)
	}
	return 0
}

// Depths returns the waiting count for every active shard, keyed
// "service/family". Used by the metrics collector.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.shards))
	for k, s := range q.shards {
		out[string(k.service)+"/"+string(k.family)] = len(s.waiters)
	}
	return out
}

// Shutdown denies further admission and fails every queued entry with
// ErrShuttingDown. Dispatch loops exit.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	for _, s := range q.shards {
		s.failAllLocked(llmux.ErrShuttingDown)
	}
	q.mu.Unlock()

	slog.Info("request queue shut down")
}

// less orders waiters: special before normal before temporary, streaming
// before blocking within a type, FIFO within a bucket.
func less(a, b *waiter) bool {
	ar, br := typeRank(a.req.UserType), typeRank(b.req.UserType)
	if ar != br {
		return ar < br
	}
	if a.req.Streaming != b.req.Streaming {
		return a.req.Streaming
	}
	return a.seq < b.seq
}

func typeRank(t llmux.UserType) int {
	switch t {
	case llmux.UserSpecial:
		return 0
	case llmux.UserNormal:
		return 1
	default: // temporary and unknown
		return 2
	}
}

// peek returns the highest-priority live waiter without removing it, pruning
// canceled entries as it scans. Nil when the shard is empty.
func (s *shard) peek() *waiter {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()

	live := s.waiters[:0]
	var best *waiter
	for _, w := range s.waiters {
		if w.ctx.Err() != nil {
			w.out <- Result{Err: w.ctx.Err()}
			continue
		}
		live = append(live, w)
		if best == nil || less(w, best) {
			best = w
		}
	}
	s.waiters = live
	return best
}

// deliver removes w from the shard and sends it the result. A waiter that
// was pruned concurrently is left alone.
func (s *shard) deliver(w *waiter, r Result) {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			r.Waited = s.q.now().Sub(w.enqueuedAt)
			w.out <- r
			return
		}
	}
}

// failAllLocked fails every waiter on the shard. Caller holds q.mu.
func (s *shard) failAllLocked(err error) {
	for _, w := range s.waiters {
		w.out <- Result{Err: err}
	}
	s.waiters = nil
}

// run is the shard dispatch loop: whenever a waiter is queued and the pool
// has an eligible key outside its lockout window, pop the best waiter and
// hand it a key snapshot. When every eligible key is locked out the loop
// sleeps until the shortest lockout expires or the pool signals a state
// change, whichever comes first.
func (s *shard) run() {
	for {
		w := s.peek()
		if w == nil {
			select {
			case <-s.wake:
			case <-s.q.done:
				return
			}
			continue
		}

		// Arm the pool notification before inspecting pool state so a
		// change landing between the check and the wait is not missed.
		notify := s.q.pool.Notify()

		if d := s.q.pool.GetLockoutPeriod(s.service, s.family); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-notify:
			case <-w.ctx.Done():
			case <-s.q.done:
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}

		snap, err := s.q.pool.Get(s.service, s.family)
		if err != nil {
			// No eligible key at all. Hold the head: a key may be added
			// or re-enabled; the admission layer rejects shards it knows
			// to be empty before queueing.
			select {
			case <-notify:
			case <-w.ctx.Done():
			case <-s.q.done:
				return
			}
			continue
		}
		s.deliver(w, Result{Key: snap})
	}
}
