package dlq

import (
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// Entry is a snapshot of a message that was moved to the dead letter
// queue. It preserves the message's content as it was at the time of the
// move, so the original row can age out independently.
type Entry struct {
	ID id.EntryID `json:"id"`

	OriginalMessageID id.MessageID `json:"original_message_id"`
	QueueID           id.QueueID   `json:"queue_id"`
	Type              string       `json:"message_type"`

	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	OriginalCreatedAt time.Time `json:"original_created_at"`
	MovedAt           time.Time `json:"moved_to_dlq_at"`

	// Reason is the human-readable cause for the move, e.g.
	// "max retries exceeded".
	Reason string `json:"reason"`

	// FailureCount is the message's attempt count at the time of the
	// move.
	FailureCount int    `json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`

	// RetryCount tracks how many times this entry was re-enqueued as a
	// fresh message. RetriedMessageID points at the most recent one.
	RetryCount       int          `json:"retry_count"`
	LastRetryAt      *time.Time   `json:"last_retry_at,omitempty"`
	RetriedMessageID id.MessageID `json:"retried_message_id,omitempty"`

	// CanRetry gates bulk retries. Operators mark entries non-retryable
	// when the failure is known to be permanent.
	CanRetry bool `json:"can_retry"`

	Metadata map[string]any `json:"metadata,omitempty"`
}
