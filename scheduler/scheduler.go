package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/event"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
	"github.com/rustpress-net/conveyor/schedule"
)

// tickTimeout bounds the work a single tick may do against the store.
const tickTimeout = time.Minute

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Store is the persistence the scheduler needs: jobs and executions,
// the queues jobs target, and the messages it produces.
type Store interface {
	schedule.Store
	queue.Store
	message.Store
}

// Scheduler fires scheduled jobs on a tick loop and turns each run into
// an enqueued message. One Scheduler per process; several processes may
// share a store, bounded by the per-job run slots.
type Scheduler struct {
	store Store
	cfg   conveyor.Config
	bus   *event.Bus
	log   *slog.Logger
	now   conveyor.Clock

	// parsed caches compiled cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cron.Schedule

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler on the given store.
func New(st Store, opts ...conveyor.Option) *Scheduler {
	cfg := conveyor.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	return &Scheduler{
		store:  st,
		cfg:    cfg,
		bus:    bus,
		log:    cfg.Logger,
		now:    cfg.Now,
		parsed: make(map[string]cron.Schedule),
	}
}

// Events returns the bus the scheduler publishes on.
func (s *Scheduler) Events() *event.Bus { return s.bus }

// Start launches the tick loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)

	s.log.InfoContext(ctx, "scheduler started", "tick_interval", s.cfg.TickInterval)
	return nil
}

// Stop halts the tick loop and waits for it to finish. When the context
// carries no deadline the configured ShutdownTimeout applies.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) tickLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if _, err := s.RunDueJobs(ctx); err != nil {
		s.log.ErrorContext(ctx, "scheduler tick failed", "error", err)
	}
}

// RunDueJobs fires every due job whose dependencies are satisfied and
// reports how many runs it started. Jobs with unmet dependencies are
// silently deferred to a later call; one job's failure never stops the
// rest. The tick loop calls it; calling it directly is safe.
func (s *Scheduler) RunDueJobs(ctx context.Context) (int, error) {
	now := s.now().UTC()

	due, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, j := range due {
		ok, err := s.dependenciesMet(ctx, j)
		if err != nil {
			s.log.ErrorContext(ctx, "dependency check failed", "job_id", j.ID, "job", j.Name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if _, err := s.executeJob(ctx, j); err != nil {
			if errors.Is(err, conveyor.ErrConcurrencyLimit) {
				continue
			}
			s.log.ErrorContext(ctx, "scheduled job run failed", "job_id", j.ID, "job", j.Name, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

// dependenciesMet reports whether every dependency has succeeded since
// the job's own last run. A dependency that has never succeeded blocks;
// so does one whose latest success predates the job's last run. A job
// that has never run itself only needs each dependency to have succeeded
// at some point.
func (s *Scheduler) dependenciesMet(ctx context.Context, j *schedule.Job) (bool, error) {
	for _, depID := range j.Dependencies {
		last, err := s.store.LatestJobSuccess(ctx, depID)
		if err != nil {
			return false, err
		}
		if last == nil {
			return false, nil
		}
		if j.LastRunAt != nil && last.Before(*j.LastRunAt) {
			return false, nil
		}
	}
	return true, nil
}

// CreateJob validates the configuration, computes the first fire time,
// and persists the job with its dependency edges. Violations return
// ErrInvalidConfig with nothing persisted; the target queue must exist.
func (s *Scheduler) CreateJob(ctx context.Context, cfg schedule.JobConfig) (*schedule.Job, error) {
	now := s.now().UTC()

	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: job name is required", conveyor.ErrInvalidConfig)
	}
	if cfg.QueueID.IsNil() {
		return nil, fmt.Errorf("%w: job requires a target queue", conveyor.ErrInvalidConfig)
	}
	if _, err := s.store.GetQueue(ctx, cfg.QueueID); err != nil {
		return nil, err
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", conveyor.ErrInvalidConfig, err)
	}
	if cfg.Schedule.Kind == schedule.KindCron {
		if _, err := s.getOrParse(cfg.Schedule.Expression); err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %s", conveyor.ErrInvalidConfig, cfg.Schedule.Expression, err)
		}
	}
	if cfg.Schedule.Kind == schedule.KindOnce && !cfg.Schedule.At.After(now) {
		return nil, fmt.Errorf("%w: one-shot fire time %s is in the past", conveyor.ErrInvalidConfig, cfg.Schedule.At)
	}
	if _, err := location(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %s", conveyor.ErrInvalidConfig, cfg.Timezone, err)
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("%w: max concurrent must not be negative", conveyor.ErrInvalidConfig)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	next, err := s.nextRun(cfg.Schedule, cfg.Timezone, now)
	if err != nil {
		return nil, err
	}

	j := &schedule.Job{
		Entity:          conveyor.Entity{CreatedAt: now, UpdatedAt: now},
		ID:              id.NewJobID(),
		Name:            cfg.Name,
		Description:     cfg.Description,
		QueueID:         cfg.QueueID,
		Type:            cfg.Type,
		PayloadTemplate: cfg.PayloadTemplate,
		Schedule:        cfg.Schedule,
		Timezone:        cfg.Timezone,
		Status:          schedule.StatusActive,
		TimeoutSecs:     cfg.TimeoutSecs,
		MaxConcurrent:   maxConcurrent,
		RetryOnFailure:  cfg.RetryOnFailure,
		MaxRetries:      cfg.MaxRetries,
		NextRunAt:       next,
		Dependencies:    cfg.Dependencies,
		Metadata:        cfg.Metadata,
	}
	if err := s.store.CreateScheduledJob(ctx, j); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "scheduled job created",
		"job_id", j.ID, "job", j.Name, "kind", j.Schedule.Kind, "next_run_at", j.NextRunAt)
	return j, nil
}

// ExecuteJob runs the job once, regardless of its schedule. The run is
// still bounded by the job's concurrency slots; at capacity it returns
// ErrConcurrencyLimit. A run whose message cannot be enqueued records a
// failed execution and returns it without error.
func (s *Scheduler) ExecuteJob(ctx context.Context, jobID id.JobID) (*schedule.Execution, error) {
	j, err := s.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.executeJob(ctx, j)
}

func (s *Scheduler) executeJob(ctx context.Context, j *schedule.Job) (*schedule.Execution, error) {
	started := s.now().UTC()

	ok, err := s.store.AcquireJobSlot(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %q has no free run slot", conveyor.ErrConcurrencyLimit, j.Name)
	}

	exec := &schedule.Execution{
		ID:        id.NewRunID(),
		JobID:     j.ID,
		Status:    schedule.StatusRunning,
		StartedAt: started,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		// No execution record exists, so RecordJobRun must not run;
		// hand the slot back directly.
		if relErr := s.store.ReleaseJobSlot(ctx, j.ID); relErr != nil {
			s.log.ErrorContext(ctx, "job slot release failed", "job_id", j.ID, "error", relErr)
		}
		return nil, err
	}

	m, runErr := s.produceMessage(ctx, j, exec, started)

	finished := s.now().UTC()
	duration := finished.Sub(started).Milliseconds()
	exec.CompletedAt = &finished
	exec.DurationMS = &duration
	if runErr != nil {
		exec.Status = schedule.StatusFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = schedule.StatusCompleted
		exec.MessageID = m.ID
	}
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.log.ErrorContext(ctx, "execution update failed", "execution_id", exec.ID, "job_id", j.ID, "error", err)
	}

	next, status := s.afterRun(j, finished)
	if err := s.store.RecordJobRun(ctx, schedule.RunResult{
		JobID:      j.ID,
		Success:    runErr == nil,
		FinishedAt: finished,
		NextRunAt:  next,
		Status:     status,
	}); err != nil {
		s.log.ErrorContext(ctx, "job run bookkeeping failed", "job_id", j.ID, "error", err)
	}

	s.bus.Publish(event.ScheduledJobExecuted{JobID: j.ID, Success: runErr == nil})

	if runErr != nil {
		s.log.WarnContext(ctx, "scheduled job produced no message",
			"job_id", j.ID, "job", j.Name, "execution_id", exec.ID, "error", runErr)
	} else {
		s.log.DebugContext(ctx, "scheduled job fired",
			"job_id", j.ID, "job", j.Name, "execution_id", exec.ID, "message_id", m.ID)
	}
	return exec, nil
}

// produceMessage expands the job's payload template into a message and
// enqueues it. Job and execution metadata ride along in the payload so
// consumers can trace a message back to the run that produced it.
func (s *Scheduler) produceMessage(ctx context.Context, j *schedule.Job, exec *schedule.Execution, firedAt time.Time) (*message.Message, error) {
	q, err := s.store.GetQueue(ctx, j.QueueID)
	if err != nil {
		return nil, err
	}
	if !q.AcceptsEnqueue() {
		return nil, fmt.Errorf("%w: queue %q is %s", conveyor.ErrQueueRefusing, q.Name, q.Status)
	}

	payload := make(map[string]any, len(j.PayloadTemplate)+3)
	for k, v := range j.PayloadTemplate {
		payload[k] = v
	}
	payload["_job_id"] = j.ID.String()
	payload["_execution_id"] = exec.ID.String()
	payload["_scheduled_at"] = firedAt.Format(time.RFC3339Nano)

	m := &message.Message{
		Entity:  conveyor.Entity{CreatedAt: firedAt, UpdatedAt: firedAt},
		ID:      id.NewMessageID(),
		QueueID: j.QueueID,
		Type:    j.Type,
		Payload: payload,
		Status:  message.StatusPending,
		// The injected execution id makes every run's payload unique,
		// so content dedup never collapses two runs.
		MaxAttempts:     q.AttemptBudget(),
		DeduplicationID: message.ContentDedupID(payload),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.bus.Publish(event.MessageEnqueued{QueueID: m.QueueID, MessageID: m.ID, Priority: m.Priority})
	return m, nil
}

// afterRun computes the job's next fire time and post-run status. A
// fired one-shot is done; everything else stays active and reschedules
// from the run's completion.
func (s *Scheduler) afterRun(j *schedule.Job, from time.Time) (*time.Time, schedule.Status) {
	if j.Schedule.Kind == schedule.KindOnce {
		return nil, schedule.StatusCompleted
	}
	next, err := s.nextRun(j.Schedule, j.Timezone, from)
	if err != nil {
		// Only reachable if the stored schedule was corrupted after
		// creation; the job goes dormant rather than hot-looping.
		s.log.Error("next run computation failed", "job_id", j.ID, "job", j.Name, "error", err)
		return nil, schedule.StatusActive
	}
	return next, schedule.StatusActive
}

// nextRun computes the fire time after from. Cron expressions are
// evaluated in the job's timezone; interval and once schedules are
// absolute. Nil means the schedule is exhausted.
func (s *Scheduler) nextRun(spec schedule.Spec, tz string, from time.Time) (*time.Time, error) {
	switch spec.Kind {
	case schedule.KindCron:
		sched, err := s.getOrParse(spec.Expression)
		if err != nil {
			return nil, err
		}
		loc, err := location(tz)
		if err != nil {
			return nil, err
		}
		next := sched.Next(from.In(loc)).UTC()
		return &next, nil
	case schedule.KindInterval:
		next := from.Add(spec.Every)
		return &next, nil
	case schedule.KindOnce:
		if spec.At.After(from) {
			at := spec.At.UTC()
			return &at, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown schedule kind %q", conveyor.ErrInvalidConfig, spec.Kind)
	}
}

// getOrParse caches compiled cron expressions.
func (s *Scheduler) getOrParse(expr string) (cron.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// TriggerJob starts a manual run outside the schedule. Paused jobs
// refuse; the run is still bounded by the job's concurrency slots.
func (s *Scheduler) TriggerJob(ctx context.Context, jobID id.JobID) (*schedule.Execution, error) {
	j, err := s.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == schedule.StatusPaused {
		return nil, fmt.Errorf("%w: job %q is paused", conveyor.ErrInvalidState, j.Name)
	}

	s.log.InfoContext(ctx, "job triggered manually", "job_id", j.ID, "job", j.Name)
	return s.executeJob(ctx, j)
}

// PauseJob stops the job from firing until it is resumed. In-flight
// runs finish normally and leave the job paused.
func (s *Scheduler) PauseJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == schedule.StatusPaused {
		return nil
	}

	j.Status = schedule.StatusPaused
	j.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateScheduledJob(ctx, j); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "scheduled job paused", "job_id", j.ID, "job", j.Name)
	return nil
}

// ResumeJob reactivates a paused job. The next fire time is recomputed
// from now, so a long pause does not cause a burst of missed runs.
func (s *Scheduler) ResumeJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.store.GetScheduledJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != schedule.StatusPaused {
		return nil
	}

	now := s.now().UTC()
	next, err := s.nextRun(j.Schedule, j.Timezone, now)
	if err != nil {
		return err
	}

	j.Status = schedule.StatusActive
	j.NextRunAt = next
	j.UpdatedAt = now
	if err := s.store.UpdateScheduledJob(ctx, j); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "scheduled job resumed", "job_id", j.ID, "job", j.Name, "next_run_at", next)
	return nil
}

// DeleteJob removes the job, its dependency edges in both directions,
// and its execution history.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID id.JobID) error {
	if err := s.store.DeleteScheduledJob(ctx, jobID); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "scheduled job deleted", "job_id", jobID)
	return nil
}

// GetJob retrieves a job by ID, dependencies included.
func (s *Scheduler) GetJob(ctx context.Context, jobID id.JobID) (*schedule.Job, error) {
	return s.store.GetScheduledJob(ctx, jobID)
}

// ListJobs returns jobs matching the given options.
func (s *Scheduler) ListJobs(ctx context.Context, opts schedule.ListOpts) ([]*schedule.Job, error) {
	return s.store.ListScheduledJobs(ctx, opts)
}

// GetExecutions returns the job's run history, newest first, plus the
// total count for pagination.
func (s *Scheduler) GetExecutions(ctx context.Context, jobID id.JobID, limit, offset int) ([]*schedule.Execution, int64, error) {
	return s.store.ListExecutions(ctx, jobID, limit, offset)
}
