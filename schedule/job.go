package schedule

import (
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
)

// Status represents the lifecycle state of a scheduled job, and doubles
// as the status of an individual execution.
type Status string

const (
	// StatusActive means the job fires whenever it is due.
	StatusActive Status = "active"
	// StatusPaused means the scheduling loop and manual triggers skip
	// the job until it is resumed.
	StatusPaused Status = "paused"
	// StatusRunning means at least one execution is currently in flight.
	StatusRunning Status = "running"
	// StatusCompleted means a one-shot job has fired and will never fire
	// again. On an execution it means the run succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed marks a failed execution.
	StatusFailed Status = "failed"
)

// Job is a recurring or one-shot producer of messages. Each time it
// fires, the scheduler expands its payload template into a message and
// enqueues it on the job's queue.
//
// Invariant: CurrentConcurrent never exceeds MaxConcurrent.
type Job struct {
	conveyor.Entity

	ID          id.JobID   `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	QueueID     id.QueueID `json:"queue_id"`

	// Type is the message type stamped on every message this job
	// produces.
	Type string `json:"message_type"`

	// PayloadTemplate is copied into each produced message's payload,
	// with job and execution metadata injected alongside.
	PayloadTemplate map[string]any `json:"payload_template,omitempty"`

	Schedule Spec `json:"schedule"`

	// Timezone names the location cron expressions are evaluated in.
	// Empty means UTC. Interval and once schedules ignore it.
	Timezone string `json:"timezone,omitempty"`

	Status Status `json:"status"`

	// TimeoutSecs is advisory metadata for consumers; the scheduler
	// itself does not enforce it.
	TimeoutSecs int `json:"timeout_secs,omitempty"`

	// MaxConcurrent caps overlapping executions. CurrentConcurrent is
	// maintained by the store's slot operations.
	MaxConcurrent     int `json:"max_concurrent"`
	CurrentConcurrent int `json:"current_concurrent"`

	RetryOnFailure bool `json:"retry_on_failure"`
	MaxRetries     int  `json:"max_retries"`

	TotalRuns      int64 `json:"total_runs"`
	SuccessfulRuns int64 `json:"successful_runs"`
	FailedRuns     int64 `json:"failed_runs"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// NextRunAt is nil once the schedule is exhausted (a fired one-shot).
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	// Dependencies lists jobs that must have succeeded since this job's
	// own last run before it may fire again.
	Dependencies []id.JobID `json:"dependencies,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobConfig carries everything needed to create a scheduled job.
type JobConfig struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	QueueID         id.QueueID     `json:"queue_id"`
	Type            string         `json:"message_type"`
	PayloadTemplate map[string]any `json:"payload_template,omitempty"`
	Schedule        Spec           `json:"schedule"`

	// Timezone for cron evaluation. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	TimeoutSecs int `json:"timeout_secs,omitempty"`

	// MaxConcurrent caps overlapping executions. Zero means 1.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	RetryOnFailure bool `json:"retry_on_failure,omitempty"`
	MaxRetries     int  `json:"max_retries,omitempty"`

	Dependencies []id.JobID     `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
