package schedule

import (
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// Execution is the audit record of a single job run. It is created in
// running state when the job fires, updated exactly once on completion,
// and immutable afterward.
type Execution struct {
	ID     id.RunID `json:"id"`
	JobID  id.JobID `json:"job_id"`
	Status Status   `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`

	// MessageID is the message this run enqueued. Nil when the run
	// failed before the message was created.
	MessageID id.MessageID `json:"message_id,omitempty"`

	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
