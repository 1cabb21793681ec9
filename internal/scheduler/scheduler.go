package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bagbot/internal/types"
)

// ResumeFunc continues a user's onboarding from its persisted step. It is the
// callback rebuilt for every job restored by LoadJobs.
type ResumeFunc func(ctx context.Context, userID string) error

// MetricsRecorder receives job outcomes. Implementations must not block.
type MetricsRecorder interface {
	RecordJobOutcome(ctx context.Context, userID string, err error)
	RecordPendingJobs(ctx context.Context, count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordJobOutcome(context.Context, string, error) {}
func (noopMetrics) RecordPendingJobs(context.Context, int) {}

// Config holds the dependencies for creating a Scheduler.
type Config struct {
	Logger  *slog.Logger
	Clock   types.Clock
	Metrics MetricsRecorder
	// Resume is the binding used to rebuild callbacks on load. It may be set
	// later with SetResumer when the interpreter depends on the Scheduler.
	Resume ResumeFunc
}

// Scheduler owns an insertion-ordered collection of Jobs.
type Scheduler struct {
	logger  *slog.Logger
	clock   types.Clock
	metrics MetricsRecorder
	runCtx  context.Context

	mu       sync.Mutex
	jobs     []*Job
	resume   ResumeFunc
	draining bool
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Scheduler{
		logger:  logger,
		clock:   clock,
		metrics: metrics,
		runCtx:  types.WithTriggerSource(context.Background(), types.TriggerSourceScheduler),
		resume:  cfg.Resume,
	}
}

// SetResumer installs the callback binding used by LoadJobs.
func (s *Scheduler) SetResumer(fn ResumeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume = fn
}

// AddJob registers cb to run after delay and returns the armed job. The job is
// visible in ListJobs immediately. After StopAllJobs the job is recorded
// paused instead of armed, so that it is persisted by the final save.
func (s *Scheduler) AddJob(cb Callback, delay time.Duration, ownerID string) *Job {
	job := newJob(s.runCtx, ownerID, cb, s.finish)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = pruneStopped(s.jobs)
	s.jobs = append(s.jobs, job)

	if s.draining {
		job.hold(now.Add(delay))
		s.logger.Warn("job added while draining, holding for next start",
			"job_id", job.ID(),
			"user_id", ownerID,
		)
		return job
	}

	// A fresh job is idle, so Start cannot fail.
	_ = job.Start(now, delay)
	s.logger.Debug("job scheduled",
		"job_id", job.ID(),
		"user_id", ownerID,
		"delay", delay.String(),
	)
	return job
}

// Replace cancels the owner's jobs that have not fired yet and schedules cb in
// their place, keeping a single pending job per user. Running jobs are not
// touched, so Replace may be called from inside a job callback.
func (s *Scheduler) Replace(cb Callback, delay time.Duration, ownerID string) *Job {
	if ownerID != "" {
		s.mu.Lock()
		pending := make([]*Job, 0, 1)
		for _, j := range s.jobs {
			if j.Owner() == ownerID {
				pending = append(pending, j)
			}
		}
		s.mu.Unlock()

		for _, j := range pending {
			if j.cancelIfWaiting() {
				s.logger.Debug("superseded pending job", "job_id", j.ID(), "user_id", ownerID)
			}
		}
	}
	return s.AddJob(cb, delay, ownerID)
}

// ListJobs returns the current job collection. Callers must not mutate it.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// JobsFor returns the jobs owned by userID that have not stopped.
func (s *Scheduler) JobsFor(userID string) []*Job {
	var out []*Job
	for _, j := range s.ListJobs() {
		if j.Owner() == userID && j.State() != StateStopped {
			out = append(out, j)
		}
	}
	return out
}

// StopAllJobs pauses every waiting job concurrently and drops jobs that have
// already stopped. Running jobs are left to finish on their own. Calling it
// again is harmless.
func (s *Scheduler) StopAllJobs(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.jobs = pruneStopped(s.jobs)
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			err := j.Pause()
			switch {
			case err == nil, errors.Is(err, ErrNotArmed):
				return nil
			case errors.Is(err, ErrBusy):
				s.logger.InfoContext(ctx, "job running during drain, letting it finish",
					"job_id", j.ID(),
					"user_id", j.Owner(),
				)
				return nil
			default:
				return fmt.Errorf("pause job %s: %w", j.ID(), err)
			}
		})
	}
	return g.Wait()
}

// Wait blocks until every running job has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	for _, j := range s.ListJobs() {
		if j.State() != StateRunning {
			continue
		}
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Snapshot returns the persistable form of every job that has not stopped and
// has an owner.
func (s *Scheduler) Snapshot() []types.JobRecord {
	jobs := s.ListJobs()
	records := make([]types.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if j.Owner() == "" || j.State() == StateStopped {
			continue
		}
		fireAt := j.FireAt()
		if fireAt.IsZero() {
			continue
		}
		records = append(records, types.JobRecord{Date: fireAt.UTC(), UserID: j.Owner()})
	}
	return records
}

// SaveJobs writes the current snapshot to store. It is safe to call while jobs
// are being added; the snapshot is best effort.
func (s *Scheduler) SaveJobs(ctx context.Context, store Store) error {
	records := s.Snapshot()
	if err := store.Save(ctx, records); err != nil {
		return types.NewAppError(types.ErrCodeInternalPersistence, "failed to save jobs", err)
	}
	s.metrics.RecordPendingJobs(ctx, len(records))
	s.logger.InfoContext(ctx, "jobs saved", "count", len(records))
	return nil
}

// SaveJobsToFile writes the current snapshot to a JSON file at path.
func (s *Scheduler) SaveJobsToFile(ctx context.Context, path string) error {
	return s.SaveJobs(ctx, NewFileStore(path))
}

// LoadJobs replaces the in-memory collection with the jobs in store. Each job
// is re-armed for its remaining delay; jobs whose fire time has passed fire
// immediately. When a user has several records only the latest is kept.
func (s *Scheduler) LoadJobs(ctx context.Context, store Store) (int, error) {
	s.mu.Lock()
	resume := s.resume
	s.mu.Unlock()
	if resume == nil {
		return 0, errors.New("scheduler: no resumer configured")
	}

	records, err := store.Load(ctx)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalPersistence, "failed to load jobs", err)
	}

	records, dropped := dedupeByUser(records)
	for _, r := range dropped {
		s.logger.WarnContext(ctx, "dropping persisted job",
			"user_id", r.UserID,
			"date", r.Date,
		)
	}

	jobs := make([]*Job, 0, len(records))
	for _, r := range records {
		userID := r.UserID
		jobs = append(jobs, newJob(s.runCtx, userID, func(ctx context.Context) error {
			return resume(ctx, userID)
		}, s.finish))
	}

	s.mu.Lock()
	previous := s.jobs
	s.jobs = append([]*Job(nil), jobs...)
	s.draining = false
	s.mu.Unlock()

	for _, j := range previous {
		j.cancelIfWaiting()
	}

	// Arm only once the jobs are installed, so a past-due job that schedules
	// its successor appends to the new collection.
	now := s.clock.Now()
	for i, j := range jobs {
		_ = j.Start(now, records[i].Date.Sub(now))
	}

	s.logger.InfoContext(ctx, "jobs loaded", "count", len(jobs))
	return len(jobs), nil
}

// LoadJobsFromFile replaces the in-memory collection with the jobs in the JSON
// file at path.
func (s *Scheduler) LoadJobsFromFile(ctx context.Context, path string) (int, error) {
	return s.LoadJobs(ctx, NewFileStore(path))
}

func (s *Scheduler) finish(j *Job, err error) {
	ctx := s.runCtx
	s.metrics.RecordJobOutcome(ctx, j.Owner(), err)
	if err != nil {
		s.logger.ErrorContext(ctx, "job failed",
			"job_id", j.ID(),
			"user_id", j.Owner(),
			"error", err,
		)
		return
	}
	s.logger.DebugContext(ctx, "job completed", "job_id", j.ID(), "user_id", j.Owner())
}

func pruneStopped(jobs []*Job) []*Job {
	kept := jobs[:0]
	for _, j := range jobs {
		if j.State() != StateStopped {
			kept = append(kept, j)
		}
	}
	// Release references held past the new length.
	for i := len(kept); i < len(jobs); i++ {
		jobs[i] = nil
	}
	return kept
}

// dedupeByUser keeps the latest record per user, preserving the order of
// first appearance. Records without a user cannot be resumed and are dropped.
func dedupeByUser(records []types.JobRecord) (kept, dropped []types.JobRecord) {
	latest := make(map[string]int, len(records))
	for i, r := range records {
		if r.UserID == "" {
			continue
		}
		if prev, ok := latest[r.UserID]; !ok || r.Date.After(records[prev].Date) {
			latest[r.UserID] = i
		}
	}

	for i, r := range records {
		if idx, ok := latest[r.UserID]; ok && idx == i {
			kept = append(kept, r)
			continue
		}
		dropped = append(dropped, r)
	}
	sort.SliceStable(dropped, func(a, b int) bool { return dropped[a].UserID < dropped[b].UserID })
	return kept, dropped
}
