package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seclens/cvewatch/internal/cve"
	"github.com/seclens/cvewatch/internal/metrics"
	"github.com/seclens/cvewatch/internal/progress"
)

// Scheduler is the mutual-exclusion crawl orchestrator: at most one job
// body executes at any instant, process-wide. Admission is the single
// critical section; status reads are snapshots and never block on a
// running job. The scheduler owns the job goroutine and joins it
// internally, so even a panicking job transitions back to idle.
type Scheduler struct {
	registry *Registry
	emitter  progress.Emitter
	clock    cve.Clock
	logger   *zap.Logger

	mu         sync.RWMutex
	running    bool
	activeJob  string
	stage      string
	percent    int
	startedAt  time.Time
	lastUpdate map[string]time.Time
	lastResult map[string]Result

	wg sync.WaitGroup
}

// New constructs a Scheduler. The emitter may be nil when progress
// events are not wanted (tests); a nil logger falls back to zap.NewNop.
func New(registry *Registry, emitter progress.Emitter, clock cve.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry:   registry,
		emitter:    emitter,
		clock:      clock,
		logger:     logger,
		lastUpdate: make(map[string]time.Time),
		lastResult: make(map[string]Result),
	}
}

// RequestRun asks to run one named job. The check-and-transition is
// atomic: of N simultaneous requests exactly one wins admission, the
// rest receive cve.ErrAlreadyRunning along with the active job and its
// percent. On acceptance the job runs in the background and the call
// returns immediately.
func (s *Scheduler) RequestRun(ctx context.Context, jobName, requester string, quiet bool) (Admission, error) {
	job, ok := s.registry.Get(jobName)
	if !ok {
		return Admission{}, fmt.Errorf("unknown job %q: %w", jobName, cve.ErrNotFound)
	}
	return s.admit(ctx, []Job{job}, requester, quiet)
}

// RunAll schedules every registered job for sequential execution under
// the same single-flight guard. It is rejected wholesale when any job
// is already running.
func (s *Scheduler) RunAll(ctx context.Context, requester string, quiet bool) (Admission, error) {
	jobs := s.registry.Jobs()
	if len(jobs) == 0 {
		return Admission{}, fmt.Errorf("no jobs registered: %w", cve.ErrNotFound)
	}
	return s.admit(ctx, jobs, requester, quiet)
}

// admit performs the atomic idle check and starts the run goroutine.
// The admission lock is never held while a job body executes.
func (s *Scheduler) admit(ctx context.Context, jobs []Job, requester string, quiet bool) (Admission, error) {
	s.mu.Lock()
	if s.running {
		adm := Admission{ActiveJob: s.activeJob, Percent: s.percent}
		s.mu.Unlock()
		return adm, fmt.Errorf("%s at %d%%: %w", adm.ActiveJob, adm.Percent, cve.ErrAlreadyRunning)
	}
	s.running = true
	s.activeJob = jobs[0].Name()
	s.stage = progress.StageStarting
	s.percent = 0
	s.startedAt = s.clock.Now().UTC()
	s.mu.Unlock()

	metrics.SetCrawlRunning(true)
	s.logger.Info("crawl run accepted",
		zap.String("job", jobs[0].Name()),
		zap.Int("queued_jobs", len(jobs)),
		zap.String("requester", requester),
	)

	runID := uuid.New()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.WithoutCancel(ctx), runID, jobs, quiet)
	}()

	return Admission{Accepted: true, ActiveJob: jobs[0].Name()}, nil
}

// execute runs the queued jobs one after another and releases the
// single-flight guard when the last one finishes.
func (s *Scheduler) execute(ctx context.Context, runID uuid.UUID, jobs []Job, quiet bool) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.activeJob = ""
		s.stage = ""
		s.percent = 0
		s.mu.Unlock()
		metrics.SetCrawlRunning(false)
	}()

	for _, job := range jobs {
		s.mu.Lock()
		s.activeJob = job.Name()
		s.stage = progress.StageStarting
		s.percent = 0
		s.mu.Unlock()

		started := s.clock.Now().UTC()
		result := s.runOne(ctx, runID, job, quiet)
		result.FinishedAt = s.clock.Now().UTC()

		s.mu.Lock()
		s.lastResult[job.Name()] = result
		s.lastUpdate[job.Name()] = result.FinishedAt
		s.mu.Unlock()

		status := "succeeded"
		if len(result.Errors) > 0 {
			status = "failed"
		}
		metrics.ObserveCrawlJob(job.Name(), status, result.FinishedAt.Sub(started))
		metrics.ObserveCrawlRecords(job.Name(), result.Added, result.Updated, result.Failed, result.Skipped)
		s.logger.Info("crawl job finished",
			zap.String("job", job.Name()),
			zap.String("status", status),
			zap.Int("added", result.Added),
			zap.Int("updated", result.Updated),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Strings("errors", result.Errors),
		)
	}
}

// runOne executes a single job body with panic containment. A job
// error or panic yields a Result with Errors populated and Failed
// covering the whole run; it never crashes the scheduler.
func (s *Scheduler) runOne(ctx context.Context, runID uuid.UUID, job Job, quiet bool) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("crawl job panicked",
				zap.String("job", job.Name()),
				zap.Any("panic", r),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("panic: %v", r))
			if result.Total == 0 {
				result.Total = result.Added + result.Updated + result.Failed + result.Skipped
			}
			result.Failed = result.Total
		}
	}()

	progressFn := func(stage string, percent int, message string) {
		s.updateProgress(runID, job.Name(), stage, percent, message, quiet)
	}
	progressFn(progress.StageStarting, 0, "starting "+job.Name())

	result, err := job.Run(ctx, progressFn)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		if result.Total == 0 {
			result.Total = result.Added + result.Updated + result.Failed + result.Skipped
		}
		result.Failed = result.Total
		progressFn(progress.StageError, 100, err.Error())
		return result
	}
	progressFn(progress.StageDone, 100, "completed")
	return result
}

// updateProgress is the single write path for stage/percent. Jobs call
// it through their ProgressFunc; concurrent status readers always see a
// consistent snapshot.
func (s *Scheduler) updateProgress(runID uuid.UUID, jobName, stage string, percent int, message string, quiet bool) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	now := s.clock.Now().UTC()
	s.mu.Lock()
	s.stage = stage
	s.percent = percent
	s.lastUpdate[jobName] = now
	s.mu.Unlock()

	if quiet || s.emitter == nil {
		return
	}
	s.emitter.Emit(progress.Event{
		RunID:   runID,
		Job:     jobName,
		Stage:   stage,
		Percent: percent,
		Message: message,
		TS:      now,
	})
}

// IsRunning reports whether a job body is currently executing.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns a snapshot of the scheduler state. The maps are
// copies; callers may retain them.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	update := make(map[string]time.Time, len(s.lastUpdate))
	for k, v := range s.lastUpdate {
		update[k] = v
	}
	results := make(map[string]Result, len(s.lastResult))
	for k, v := range s.lastResult {
		results[k] = v
	}
	return Status{
		IsRunning:  s.running,
		ActiveJob:  s.activeJob,
		Stage:      s.stage,
		Percent:    s.percent,
		StartedAt:  s.startedAt,
		LastUpdate: update,
		LastResult: results,
	}
}

// LastResult returns the terminal result of the most recent run of the
// named job, if any.
func (s *Scheduler) LastResult(jobName string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.lastResult[jobName]
	return result, ok
}

// Close waits for any in-flight run to finish or ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close wait: %w", ctx.Err())
	}
}
