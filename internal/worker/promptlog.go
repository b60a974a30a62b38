package worker

import (
	"context"
	"log/slog"
	"time"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/storage"
)

const (
	promptChanSize   = 1000
	promptBatchSize  = 100
	promptFlushEvery = 5 * time.Second
	promptDrainTime  = 30 * time.Second
)

// PromptRecorder buffers prompt logs and batch-flushes them to the store.
// It implements llmux.PromptSink; logs are dropped if the channel is full
// so a slow store can never block the request path.
type PromptRecorder struct {
	ch    chan llmux.PromptLog
	store storage.PromptLogStore
}

// NewPromptRecorder creates a PromptRecorder backed by store.
func NewPromptRecorder(store storage.PromptLogStore) *PromptRecorder {
	return &PromptRecorder{
		ch:    make(chan llmux.PromptLog, promptChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (p *PromptRecorder) Name() string { return "prompt_recorder" }

// Pending returns the number of buffered logs awaiting flush.
func (p *PromptRecorder) Pending() int { return len(p.ch) }

// Log enqueues a prompt log. It never blocks; drops on full channel.
func (p *PromptRecorder) Log(l llmux.PromptLog) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	select {
	case p.ch <- l:
	default:
		slog.Warn("prompt log dropped, channel full")
	}
}

// Run processes logs until ctx is cancelled, then drains what remains.
func (p *PromptRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(promptFlushEvery)
	defer ticker.Stop()

	buf := make([]llmux.PromptLog, 0, promptBatchSize)

	for {
		select {
		case l := <-p.ch:
			buf = append(buf, l)
			if len(buf) >= promptBatchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				p.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			p.drain(buf)
			return nil
		}
	}
}

func (p *PromptRecorder) drain(buf []llmux.PromptLog) {
	ctx, cancel := context.WithTimeout(context.Background(), promptDrainTime)
	defer cancel()

	for {
		select {
		case l := <-p.ch:
			buf = append(buf, l)
			if len(buf) >= promptBatchSize {
				p.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				p.flush(ctx, buf)
			}
			return
		}
	}
}

func (p *PromptRecorder) flush(ctx context.Context, buf []llmux.PromptLog) {
	batch := make([]llmux.PromptLog, len(buf))
	copy(batch, buf)

	if err := p.store.InsertPromptLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "prompt log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
