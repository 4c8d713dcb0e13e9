package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// CronParser accepts six-field specs with a leading seconds field and descriptors such as @every.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// CronRunner triggers a job on a cron schedule. A trigger that fires while the
// previous run is still in progress is skipped.
type CronRunner struct {
	spec   string
	job    Job
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewCronRunner validates spec and returns a runner for job.
func NewCronRunner(spec string, job Job, logger *slog.Logger) (*CronRunner, error) {
	if job == nil {
		return nil, fmt.Errorf("cron job is required")
	}
	if _, err := CronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return &CronRunner{spec: spec, job: job, logger: logger}, nil
}

// Run starts the schedule and blocks until ctx is done. In-flight jobs finish
// before Run returns.
func (r *CronRunner) Run(ctx context.Context) error {
	adapter := cronLogger{logger: r.logger}
	c := cron.New(
		cron.WithParser(CronParser),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)

	if _, err := c.AddFunc(r.spec, func() { r.trigger(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule %q: %w", r.spec, err)
	}

	c.Start()
	r.logger.Info("Schedule started", "cron", r.spec)

	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	r.logger.Info("Schedule stopped", "cron", r.spec)
	return nil
}

// RunNow executes the job immediately, honoring the same overlap guard as
// scheduled triggers. It reports whether the job ran.
func (r *CronRunner) RunNow(ctx context.Context) (bool, error) {
	if !r.acquire() {
		return false, nil
	}
	defer r.release()
	return true, r.job(ctx)
}

func (r *CronRunner) trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !r.acquire() {
		r.logger.Warn("Skipping scheduled run, previous run still in progress", "cron", r.spec)
		return
	}
	defer r.release()

	if err := r.job(ctx); err != nil {
		r.logger.Error("Scheduled run failed", "cron", r.spec, "error", err)
	}
}

func (r *CronRunner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *CronRunner) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// cronLogger routes the cron library's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
