package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// CronWorker runs named jobs on cron schedules: the quota refresh on the
// configured period and the temporary-token sweep every minute.
type CronWorker struct {
	cron *cron.Cron
}

// NewCronWorker creates an empty CronWorker.
func NewCronWorker() *CronWorker {
	return &CronWorker{cron: cron.New()}
}

// Name returns the worker identifier.
func (w *CronWorker) Name() string { return "cron" }

// Add schedules fn on the given cron spec. The shorthands "hourly" and
// "daily" are accepted alongside standard five-field expressions.
func (w *CronWorker) Add(spec, name string, fn func()) error {
	switch spec {
	case "hourly":
		spec = "@hourly"
	case "daily":
		spec = "@daily"
	}
	_, err := w.cron.AddFunc(spec, func() {
		slog.Debug("cron job fired", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("worker: schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for in-flight jobs to finish.
func (w *CronWorker) Run(ctx context.Context) error {
	w.cron.Start()
	<-ctx.Done()
	<-w.cron.Stop().Done()
	return nil
}
