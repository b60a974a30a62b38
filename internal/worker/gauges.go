package worker

import (
	"context"
	"time"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/queue"
	"github.com/eugener/llmux/internal/telemetry"
)

// gaugeSampleEvery is the scrape-friendly sampling cadence.
const gaugeSampleEvery = 10 * time.Second

// sampledServices are the services whose key availability is exported.
var sampledServices = []llmux.Service{
	llmux.ServiceOpenAI, llmux.ServiceAnthropic, llmux.ServiceGoogle,
	llmux.ServiceAWS, llmux.ServiceMistral,
}

// GaugeSampler periodically copies queue depth and key availability into
// the Prometheus gauges.
type GaugeSampler struct {
	queue   *queue.Queue
	pool    *keypool.Pool
	metrics *telemetry.Metrics
	prompts *PromptRecorder // nil when prompt logging is off
}

// NewGaugeSampler creates a GaugeSampler. prompts may be nil.
func NewGaugeSampler(q *queue.Queue, pool *keypool.Pool, m *telemetry.Metrics, prompts *PromptRecorder) *GaugeSampler {
	return &GaugeSampler{queue: q, pool: pool, metrics: m, prompts: prompts}
}

// Name returns the worker identifier.
func (g *GaugeSampler) Name() string { return "gauge_sampler" }

// Run samples until ctx is cancelled.
func (g *GaugeSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(gaugeSampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *GaugeSampler) sample() {
	for shard, depth := range g.queue.Depths() {
		g.metrics.QueueDepth.WithLabelValues(shard).Set(float64(depth))
	}
	for _, svc := range sampledServices {
		g.metrics.KeysAvailable.WithLabelValues(string(svc)).Set(float64(g.pool.Available(svc)))
	}
	if g.prompts != nil {
		g.metrics.PromptLogQueue.Set(float64(g.prompts.Pending()))
	}
}
