package schedule

import (
	"context"
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Status filters by job status. Empty means all statuses.
	Status Status
	// QueueID filters by target queue. Nil means all queues.
	QueueID id.QueueID
}

// RunResult summarizes a finished execution for the post-run bookkeeping
// update.
type RunResult struct {
	JobID   id.JobID
	Success bool

	// FinishedAt becomes the job's LastRunAt.
	FinishedAt time.Time

	// NextRunAt is the recomputed next fire time, nil when the schedule
	// is exhausted.
	NextRunAt *time.Time

	// Status is the post-run job status, normally active, or completed
	// for an exhausted one-shot. A paused job keeps its paused status
	// regardless of this value.
	Status Status
}

// Store defines the persistence contract for scheduled jobs and their
// execution history.
type Store interface {
	// CreateScheduledJob persists a new job together with its declared
	// dependency edges, as one unit.
	CreateScheduledJob(ctx context.Context, j *Job) error

	// GetScheduledJob retrieves a job by ID, dependencies included.
	GetScheduledJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateScheduledJob persists changes to an existing job. The run
	// counters, LastRunAt, and CurrentConcurrent are owned by the slot
	// operations and are left untouched, so a stale read cannot clobber
	// bookkeeping from a run finishing concurrently.
	UpdateScheduledJob(ctx context.Context, j *Job) error

	// DeleteScheduledJob removes a job along with its dependency edges
	// (in both directions) and its execution history.
	DeleteScheduledJob(ctx context.Context, jobID id.JobID) error

	// ListScheduledJobs returns jobs matching the given options.
	ListScheduledJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// ListDueJobs returns active jobs whose next fire time has passed
	// and whose concurrency slots are not exhausted.
	ListDueJobs(ctx context.Context, now time.Time) ([]*Job, error)

	// AcquireJobSlot atomically increments the job's concurrency count
	// if it is below MaxConcurrent and the job is not paused, marking
	// the job running. Returns false without error when no slot is
	// free or the job's state refuses new runs.
	AcquireJobSlot(ctx context.Context, jobID id.JobID) (bool, error)

	// ReleaseJobSlot decrements the job's concurrency count without the
	// rest of the post-run bookkeeping. Used when a run aborts before an
	// execution record exists. The count never goes below zero.
	ReleaseJobSlot(ctx context.Context, jobID id.JobID) error

	// RecordJobRun applies the post-run bookkeeping as one atomic
	// update: releases the slot, increments the run counters, stamps
	// LastRunAt, sets NextRunAt, and applies res.Status — except that a
	// job paused mid-run stays paused.
	RecordJobRun(ctx context.Context, res RunResult) error

	// LatestJobSuccess returns the completion time of the job's most
	// recent successful execution, or nil if it has never succeeded.
	LatestJobSuccess(ctx context.Context, jobID id.JobID) (*time.Time, error)

	// CreateExecution persists a new execution record in running state.
	CreateExecution(ctx context.Context, e *Execution) error

	// UpdateExecution persists the one completion update of an
	// execution record.
	UpdateExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns the job's executions, newest first, plus
	// the total count for pagination.
	ListExecutions(ctx context.Context, jobID id.JobID, limit, offset int) ([]*Execution, int64, error)
}
