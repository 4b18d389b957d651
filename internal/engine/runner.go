// Package engine wraps any job body with locking, precondition checks,
// auditing and uniform failure capture.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/errs"
	"github.com/stanstork/ocms-cron/internal/lock"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/repository"
)

// Job is anything the runner can execute.
type Job interface {
	Name() string
	// Validate returns an errs.KindPreconditionNotMet error to skip the run.
	Validate(ctx context.Context) error
	Execute(ctx context.Context) (Report, error)
}

// Report is what a job body hands back on a normal return.
type Report struct {
	Success bool
	Message string
	Detail  string
}

// LockPolicy comes from the schedule table.
type LockPolicy struct {
	LockName string
	MinHold  time.Duration
	MaxHold  time.Duration
}

// Alerter is told about failed runs.
type Alerter interface {
	NotifyJobFailed(ctx context.Context, jobName string, runID int64, reason string) error
}

type Runner struct {
	locks   lock.Coordinator
	audit   repository.JobRunRepository
	alerter Alerter
	now     func() time.Time
	logger  zerolog.Logger
}

type Opt func(*Runner)

func WithAlerter(a Alerter) Opt {
	return func(r *Runner) { r.alerter = a }
}

func WithClock(now func() time.Time) Opt {
	return func(r *Runner) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Opt {
	return func(r *Runner) { r.logger = logger }
}

func NewRunner(locks lock.Coordinator, audit repository.JobRunRepository, opts ...Opt) *Runner {
	r := &Runner{locks: locks, audit: audit, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "engine").Logger()
	return r
}

// Run executes job under policy. It always returns a result: lock contention
// and unmet preconditions count as success, every job failure is captured.
func (r *Runner) Run(ctx context.Context, policy LockPolicy, job Job) models.JobResult {
	name := job.Name()
	if policy.LockName == "" {
		policy.LockName = name
	}
	log := r.logger.With().Str("job", name).Logger()

	acquired, err := r.locks.TryAcquire(ctx, policy.LockName, policy.MinHold, policy.MaxHold)
	if err != nil {
		log.Error().Err(err).Msg("lock acquisition failed")
		return models.JobResult{Success: false, Message: fmt.Sprintf("%s not started: lock unavailable: %v", name, err)}
	}
	if !acquired {
		log.Info().Str("lock", policy.LockName).Msg("lock held elsewhere, skipping")
		return models.JobResult{Success: true, Message: fmt.Sprintf("%s skipped: already running elsewhere", name)}
	}

	// Cleanup must outlive a cancelled trigger context.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := r.locks.Release(bg, policy.LockName); err != nil {
			log.Error().Err(err).Msg("lock release failed")
		}
	}()

	if n, err := r.audit.AbandonRunning(bg, name, "abandoned: holder stopped before finishing"); err != nil {
		log.Warn().Err(err).Msg("could not clear abandoned runs")
	} else if n > 0 {
		log.Warn().Int64("count", n).Msg("marked abandoned runs as failed")
	}

	run, err := r.audit.Start(bg, name)
	if err != nil {
		log.Error().Err(err).Msg("could not record job start")
		return models.JobResult{Success: false, Message: fmt.Sprintf("%s not started: audit unavailable: %v", name, err)}
	}
	log = log.With().Int64("run_id", run.ID).Logger()
	log.Info().Msg("job started")

	narrative := &narrative{now: r.now}
	narrative.add("started; lock %s held until released (min %s, max %s)", policy.LockName, policy.MinHold, policy.MaxHold)

	status, result := r.execute(ctx, job, narrative)

	narrative.add("%s", result.Message)
	if err := r.audit.Finish(bg, run.ID, status, narrative.String()); err != nil {
		log.Error().Err(err).Msg("could not record job end")
	}

	if status == models.RunStatusFailed {
		log.Error().Str("message", result.Message).Msg("job failed")
		if r.alerter != nil {
			if err := r.alerter.NotifyJobFailed(bg, name, run.ID, result.Message); err != nil {
				log.Warn().Err(err).Msg("failure alert not delivered")
			}
		}
	} else {
		log.Info().Str("message", result.Message).Msg("job finished")
	}
	return result
}

func (r *Runner) execute(ctx context.Context, job Job, n *narrative) (status models.RunStatus, result models.JobResult) {
	name := job.Name()
	defer func() {
		if rec := recover(); rec != nil {
			n.add("panic: %v\n%s", rec, debug.Stack())
			status = models.RunStatusFailed
			result = models.JobResult{Success: false, Message: fmt.Sprintf("%s failed: panic: %v", name, rec)}
		}
	}()

	if err := job.Validate(ctx); err != nil {
		if errs.Is(err, errs.KindPreconditionNotMet) {
			return models.RunStatusSuccess, models.JobResult{Success: true, Message: fmt.Sprintf("%s skipped: preconditions not met (%v)", name, err)}
		}
		return models.RunStatusFailed, models.JobResult{Success: false, Message: fmt.Sprintf("%s failed: precondition check: %v", name, err)}
	}
	n.add("preconditions passed")

	report, err := job.Execute(ctx)
	if report.Detail != "" {
		n.add("%s", report.Detail)
	}
	if err != nil {
		return models.RunStatusFailed, models.JobResult{Success: false, Message: fmt.Sprintf("%s failed: %v", name, err)}
	}
	msg := report.Message
	if msg == "" {
		msg = fmt.Sprintf("%s completed", name)
	}
	if !report.Success {
		return models.RunStatusFailed, models.JobResult{Success: false, Message: msg}
	}
	return models.RunStatusSuccess, models.JobResult{Success: true, Message: msg}
}

// narrative is the append-only log text of a run.
type narrative struct {
	b   strings.Builder
	now func() time.Time
}

func (n *narrative) add(format string, args ...interface{}) {
	if n.b.Len() > 0 {
		n.b.WriteByte('\n')
	}
	n.b.WriteString(n.now().Format("2006-01-02 15:04:05"))
	n.b.WriteString(" ")
	fmt.Fprintf(&n.b, format, args...)
}

func (n *narrative) String() string { return n.b.String() }
