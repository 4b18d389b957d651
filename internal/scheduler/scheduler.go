// Package scheduler fires configured jobs on their cron schedule and serves
// manual triggers through the same engine path.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/config"
	"github.com/stanstork/ocms-cron/internal/engine"
	"github.com/stanstork/ocms-cron/internal/models"
)

var ErrUnknownJob = errors.New("unknown job")

// Runner is the engine entry point.
type Runner interface {
	Run(ctx context.Context, policy engine.LockPolicy, job engine.Job) models.JobResult
}

// Catalog resolves job names to implementations.
type Catalog interface {
	Get(name string) (engine.Job, bool)
}

// JobInfo is the schedule entry as listed over HTTP.
type JobInfo struct {
	Name     string     `json:"name"`
	Cron     string     `json:"cron"`
	Enabled  bool       `json:"enabled"`
	LockName string     `json:"lockName"`
	MinHold  string     `json:"minHold"`
	MaxHold  string     `json:"maxHold"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

type scheduled struct {
	cfg      config.JobConfig
	job      engine.Job
	schedule cron.Schedule
}

type Scheduler struct {
	runner Runner
	jobs   map[string]*scheduled
	cron   *cron.Cron
	now    func() time.Time
	logger zerolog.Logger

	// runs parents every job context. It is cancelled once a shutdown has
	// waited grace for in-flight runs.
	runs       context.Context
	cancelRuns context.CancelFunc
	grace      time.Duration

	mu      sync.Mutex
	stopped bool
	running sync.WaitGroup
}

type Option func(*Scheduler)

// WithDrainGrace bounds how long Run waits for in-flight runs after its
// context is done before cancelling them.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// New checks every schedule entry against the catalog and parses its cron
// expression. Disabled entries stay triggerable by hand.
func New(runner Runner, catalog Catalog, entries []config.JobConfig, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner: runner,
		jobs:   make(map[string]*scheduled, len(entries)),
		cron:   cron.New(),
		now:    time.Now,
		grace:  30 * time.Second,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
	s.runs, s.cancelRuns = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	for _, e := range entries {
		job, ok := catalog.Get(e.Name)
		if !ok {
			return nil, fmt.Errorf("schedule entry %q has no job implementation", e.Name)
		}
		sj := &scheduled{cfg: e, job: job}
		if e.Enabled {
			sched, err := cron.Parse(e.Cron)
			if err != nil {
				return nil, errors.Wrapf(err, "job %s: invalid cron %q", e.Name, e.Cron)
			}
			sj.schedule = sched
			s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(sj) }))
		}
		s.jobs[e.Name] = sj
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done. It then waits up to
// the drain grace for in-flight runs and cancels whatever is left; the engine
// still records those runs as FAILED and releases their locks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")

	<-ctx.Done()
	s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		s.logger.Warn().Dur("grace", s.grace).Msg("cancelling runs still in flight")
		s.cancelRuns()
		<-drained
	}
	s.cancelRuns()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// track registers an in-flight run unless Run is already draining.
func (s *Scheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.running.Add(1)
	return true
}

// runContext keeps parent's values but not its cancellation; only the
// drain cancels it.
func (s *Scheduler) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(s.runs, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Scheduler) fire(sj *scheduled) {
	if !s.track() {
		return
	}
	defer s.running.Done()
	ctx, cancel := s.runContext(context.Background())
	defer cancel()

	res := s.runner.Run(ctx, policyOf(sj.cfg), sj.job)
	s.logger.Info().Str("job", sj.cfg.Name).Bool("success", res.Success).Str("message", res.Message).Msg("scheduled run finished")
}

// Trigger runs name now and waits for the result. The run is detached from
// ctx cancellation so a dropped HTTP client cannot abort it half way.
func (s *Scheduler) Trigger(ctx context.Context, name string) (models.JobResult, error) {
	sj, ok := s.jobs[name]
	if !ok {
		return models.JobResult{}, ErrUnknownJob
	}
	if s.track() {
		defer s.running.Done()
	}
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	return s.runner.Run(runCtx, policyOf(sj.cfg), sj.job), nil
}

// TriggerAsync starts name in the background and returns at once.
func (s *Scheduler) TriggerAsync(name string) error {
	sj, ok := s.jobs[name]
	if !ok {
		return ErrUnknownJob
	}
	if !s.track() {
		return errors.New("scheduler is shutting down")
	}
	go func() {
		defer s.running.Done()
		ctx, cancel := s.runContext(context.Background())
		defer cancel()
		res := s.runner.Run(ctx, policyOf(sj.cfg), sj.job)
		s.logger.Info().Str("job", name).Bool("success", res.Success).Str("message", res.Message).Msg("manual run finished")
	}()
	return nil
}

func (s *Scheduler) Jobs() []JobInfo {
	now := s.now()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, sj := range s.jobs {
		info := JobInfo{
			Name:     sj.cfg.Name,
			Cron:     sj.cfg.Cron,
			Enabled:  sj.cfg.Enabled,
			LockName: sj.cfg.LockName,
			MinHold:  sj.cfg.MinHold.String(),
			MaxHold:  sj.cfg.MaxHold.String(),
		}
		if sj.schedule != nil {
			next := sj.schedule.Next(now)
			info.NextRun = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Has(name string) bool {
	_, ok := s.jobs[name]
	return ok
}

func policyOf(cfg config.JobConfig) engine.LockPolicy {
	return engine.LockPolicy{LockName: cfg.LockName, MinHold: cfg.MinHold, MaxHold: cfg.MaxHold}
}
