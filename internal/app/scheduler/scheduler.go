// Package scheduler runs the arbiter's periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coachpo/arbiter/internal/infra/telemetry"
	"github.com/coachpo/arbiter/internal/observability"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Options configures the runner.
type Options struct {
	// Timeout bounds a single job execution. Zero means one minute.
	Timeout time.Duration
	Logger  observability.Logger
	Metrics *telemetry.Metrics
}

// Runner wraps a seconds-aware cron instance. Overlapping runs of the same job are skipped.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
	timeout time.Duration
	logger  observability.Logger
	metrics *telemetry.Metrics
	jobs    map[string]cron.EntryID
}

// New constructs a Runner whose jobs derive their context from baseCtx.
func New(baseCtx context.Context, opts Options) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger := observability.OrNop(opts.Logger)
	adapter := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		baseCtx: baseCtx,
		timeout: timeout,
		logger:  logger,
		metrics: opts.Metrics,
		jobs:    make(map[string]cron.EntryID),
	}
}

// Add registers job. Names must be unique.
func (r *Runner) Add(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return fmt.Errorf("scheduler: job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %s has no run function", name)
	}
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %s already registered", name)
	}
	id, err := r.cron.AddFunc(job.Schedule, func() { r.execute(name, job.Run) })
	if err != nil {
		return fmt.Errorf("scheduler: job %s schedule %q: %w", name, job.Schedule, err)
	}
	r.jobs[name] = id
	return nil
}

// Jobs lists registered job names.
func (r *Runner) Jobs() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// RunNow executes a registered job synchronously, outside its schedule.
func (r *Runner) RunNow(name string) bool {
	id, ok := r.jobs[name]
	if !ok {
		return false
	}
	r.cron.Entry(id).Job.Run()
	return true
}

// Start begins scheduling in the background.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("scheduler started", observability.F("jobs", len(r.jobs)))
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) execute(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.timeout)
	defer cancel()
	started := time.Now()
	if err := run(ctx); err != nil {
		r.metrics.RecordJob(ctx, name, "error")
		r.logger.Error("scheduled job failed",
			observability.F("job", name),
			observability.F("elapsed", time.Since(started).String()),
			observability.F("error", err))
		return
	}
	r.metrics.RecordJob(ctx, name, "ok")
	r.logger.Debug("scheduled job completed",
		observability.F("job", name),
		observability.F("elapsed", time.Since(started).String()))
}

// cronLogger adapts observability.Logger to cron.Logger.
type cronLogger struct {
	logger observability.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append(fields(keysAndValues), observability.F("error", err))...)
}

func fields(keysAndValues []any) []observability.Field {
	out := make([]observability.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, observability.F(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
