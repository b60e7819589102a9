// Package timer runs the periodic check: on a cron schedule it pushes
// one job per configured hook, so repositories stay current even when
// webhook deliveries are lost. A tick that finds the queue busy is
// skipped entirely rather than queued behind the running work.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joshfire/hookmachine"
	"github.com/joshfire/hookmachine/id"
	"github.com/joshfire/hookmachine/job"
)

// Queue is the part of the task queue the checker needs.
type Queue interface {
	Push(ctx context.Context, params job.Params) (id.JobID, error)
	RunningCount() int
}

// Checker pushes jobs for all hooks on a recurring schedule.
type Checker struct {
	queue    Queue
	hooks    []hookmachine.Hook
	schedule cron.Schedule
	logger   *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the structured logger for the checker.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// New creates a Checker firing on spec, which accepts standard 5-field
// cron expressions and descriptors like "@every 10m".
func New(q Queue, hooks []hookmachine.Hook, spec string, opts ...Option) (*Checker, error) {
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("hookmachine: parse check schedule %q: %w", spec, err)
	}

	c := &Checker{
		queue:    q,
		hooks:    hooks,
		schedule: schedule,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run fires ticks until ctx is cancelled. It always returns ctx.Err().
func (c *Checker) Run(ctx context.Context) error {
	for {
		next := c.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.tick(ctx)
		}
	}
}

// tick pushes one job per hook, unless jobs are already running.
func (c *Checker) tick(ctx context.Context) {
	if n := c.queue.RunningCount(); n > 0 {
		c.logger.Info("periodic check skipped, queue busy",
			slog.Int("running", n),
		)
		return
	}

	for _, h := range c.hooks {
		jobID, err := c.queue.Push(ctx, job.Params(h.JobParams()))
		if err != nil {
			c.logger.Error("periodic check push failed",
				slog.String("hook", h.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.logger.Info("periodic check pushed job",
			slog.String("hook", h.Name),
			slog.String("job_id", jobID.String()),
		)
	}
}
