package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
)

// Status represents the lifecycle state of a message.
type Status string

const (
	// StatusPending means the message is ready to be claimed once its
	// scheduled time (if any) has passed.
	StatusPending Status = "pending"
	// StatusScheduled means the message was enqueued for deferred
	// delivery and is not yet visible to claims.
	StatusScheduled Status = "scheduled"
	// StatusProcessing means a worker holds a claim on the message.
	StatusProcessing Status = "processing"
	// StatusCompleted means the message was acknowledged successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the message exhausted its attempts.
	StatusFailed Status = "failed"
	// StatusDeadLetter means the message was moved to the dead letter
	// queue for inspection.
	StatusDeadLetter Status = "dead_letter"
)

// Message is a single unit of work flowing through a queue.
//
// Two invariants hold at all times: the claim fields (ClaimedBy,
// ProcessingStartedAt, VisibilityTimeoutAt) are cleared whenever the
// message returns to pending, so only processing messages carry a live
// claim — terminal messages keep their final claim fields for
// inspection — and AttemptCount never exceeds MaxAttempts while the
// message is still live.
type Message struct {
	conveyor.Entity

	ID      id.MessageID `json:"id"`
	QueueID id.QueueID   `json:"queue_id"`
	Type    string       `json:"message_type"`

	Payload  map[string]any    `json:"payload,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Priority int               `json:"priority"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`

	// ScheduledAt is used both for deferred publish and for retry delay:
	// claims skip pending messages until it has passed.
	ScheduledAt         *time.Time `json:"scheduled_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`

	// VisibilityTimeoutAt is the claim lease expiry. The timeout sweep
	// returns processing messages to pending once it has passed.
	VisibilityTimeoutAt *time.Time `json:"visibility_timeout_at,omitempty"`

	// DeduplicationID is either caller-supplied or derived from the
	// payload content at enqueue time. It is never empty after enqueue.
	DeduplicationID string `json:"deduplication_id,omitempty"`

	GroupID       string `json:"group_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`

	// ClaimedBy is the worker currently holding the claim. Nil when the
	// message is not processing.
	ClaimedBy id.WorkerID `json:"claimed_by,omitempty"`

	LastError string         `json:"last_error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the message has reached a final state.
func (m *Message) Terminal() bool {
	switch m.Status {
	case StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// HasAttemptsLeft reports whether another delivery attempt is allowed.
func (m *Message) HasAttemptsLeft() bool {
	return m.AttemptCount < m.MaxAttempts
}

// EnqueueRequest carries everything needed to enqueue one message.
type EnqueueRequest struct {
	QueueID  id.QueueID        `json:"queue_id"`
	Type     string            `json:"message_type"`
	Payload  map[string]any    `json:"payload,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Priority int               `json:"priority,omitempty"`

	// ScheduledAt defers delivery until the given time. Nil means
	// deliver as soon as a worker claims it.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// DeduplicationID suppresses duplicates within the dedup window.
	// Empty means derive one from the payload content.
	DeduplicationID string `json:"deduplication_id,omitempty"`

	GroupID       string         `json:"group_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ContentDedupID derives a deduplication ID from the payload alone, so
// byte-identical payloads map to the same key. Map keys are sorted during
// marshalling, which makes the hash stable across field ordering.
func ContentDedupID(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Unmarshalable payloads never dedup against each other.
		raw = []byte(time.Now().UTC().Format(time.RFC3339Nano))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
