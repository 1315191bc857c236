// Package scheduler runs the named-job registry and claim loop that
// reconciles service pools on a schedule, using a ticker+stopCh+zerolog
// executor-pool idiom.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/metrics"
)

// Job is one scheduled unit of work: a frequency, a human name, and a
// run method.
type Job interface {
	Name() string
	Frequency() time.Duration
	Run(ctx context.Context, eng *engine.Engine) error
}

// Registry is the explicit, startup-built set of jobs this host knows
// how to execute. There is no dynamic plug-in scan: every job is
// registered by name before the scheduler starts.
type Registry struct {
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

func (r *Registry) Register(j Job) {
	r.jobs[j.Name()] = j
}

func (r *Registry) Get(name string) (Job, bool) {
	j, ok := r.jobs[name]
	return j, ok
}

// StaleAfter bounds how long a RUNNING row may go unrenewed before
// crash-recovery reclaims it.
const StaleAfter = 15 * time.Minute

// Granularity is the default sleep between claim attempts per executor.
const Granularity = 2 * time.Second

// Scheduler owns a pool of executor goroutines, each repeatedly
// claiming and running the next due job.
type Scheduler struct {
	eng       *engine.Engine
	registry  *Registry
	executors int
	logger    zerolog.Logger
	stopCh    chan struct{}
}

func New(eng *engine.Engine, registry *Registry, executors int) *Scheduler {
	if executors < 1 {
		executors = 1
	}
	return &Scheduler{
		eng:       eng,
		registry:  registry,
		executors: executors,
		logger:    log.WithComponent("scheduler"),
		stopCh:    make(chan struct{}),
	}
}

// EnsureRegistered upserts every registered job's Scheduler row so its
// frequency and existence stay in sync with the current binary.
func (s *Scheduler) EnsureRegistered(ctx context.Context) error {
	now, err := s.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	for name, job := range s.registry.jobs {
		freq := int(job.Frequency() / time.Second)
		if err := s.eng.Store.SchedulerJobs().EnsureRegistered(ctx, name, freq, now); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the executor pool and a crash-recovery pass.
func (s *Scheduler) Start(ctx context.Context) error {
	now, err := s.eng.Store.Now(ctx)
	if err != nil {
		return err
	}
	if err := s.eng.Store.SchedulerJobs().ReleaseOwnSchedules(ctx, s.eng.HostName, StaleAfter, now); err != nil {
		return err
	}
	for i := 0; i < s.executors; i++ {
		go s.runExecutor(ctx)
	}
	return nil
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runExecutor(ctx context.Context) {
	ticker := time.NewTicker(Granularity)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.claimAndRun(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler claim cycle failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// claimAndRun atomically claims the next due job and runs it, restoring
// FOR_EXECUTE with a fresh next_execution regardless of success, error,
// or panic.
func (s *Scheduler) claimAndRun(ctx context.Context) error {
	var claimed *dbstore.SchedulerJob
	err := s.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := s.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		job, err := s.eng.Store.SchedulerJobs().ClaimNext(ctx, tx, s.eng.HostName, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil || claimed == nil {
		return err
	}

	jobLogger := log.WithJobName(claimed.Name)

	job, ok := s.registry.Get(claimed.Name)
	if !ok {
		jobLogger.Warn().Msg("claimed unknown job, releasing")
		return s.markDone(ctx, claimed)
	}

	timer := metrics.NewTimer()
	runErr := s.runJobSafely(ctx, job)
	timer.ObserveDurationVec(metrics.SchedulerJobDuration, claimed.Name)
	if runErr != nil {
		metrics.SchedulerJobsFailed.WithLabelValues(claimed.Name).Inc()
		jobLogger.Error().Err(runErr).Msg("scheduled job failed")
	}
	return s.markDone(ctx, claimed)
}

// runJobSafely converts a job panic into an error so a misbehaving job
// can never leave its row permanently RUNNING; database-level crash
// recovery is the backstop, this is the same-process fast path.
func (s *Scheduler) runJobSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorsFromRecover(r)
		}
	}()
	return job.Run(ctx, s.eng)
}

func errorsFromRecover(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return errors.New("scheduler: job panicked")
}

func (s *Scheduler) markDone(ctx context.Context, job *dbstore.SchedulerJob) error {
	return s.eng.Store.Atomic(ctx, func(ctx context.Context, tx dbstore.Tx) error {
		now, err := s.eng.Store.Now(ctx)
		if err != nil {
			return err
		}
		next := now.Add(time.Duration(job.Frequency) * time.Second)
		return s.eng.Store.SchedulerJobs().MarkDone(ctx, tx, job.Name, next)
	})
}
