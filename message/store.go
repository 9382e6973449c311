package message

import (
	"context"
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// ClaimRequest describes one atomic claim across a set of queues.
type ClaimRequest struct {
	// WorkerID is stamped onto every claimed message.
	WorkerID id.WorkerID
	// QueueIDs are the queues to draw from. Must be non-empty.
	QueueIDs []id.QueueID
	// Limit caps how many messages to claim.
	Limit int
	// Now is the claim timestamp; the due-time filter and the lease are
	// computed from it.
	Now time.Time
	// DefaultLease is the visibility timeout for queues that do not
	// override it.
	DefaultLease time.Duration
}

// ListOpts controls pagination and filtering for message list queries.
type ListOpts struct {
	// Limit is the maximum number of messages to return. Zero means no limit.
	Limit int
	// Offset is the number of messages to skip.
	Offset int
	// QueueID filters by queue. Nil means all queues.
	QueueID id.QueueID
	// Status filters by message status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for messages. The conditional
// transitions (acknowledge, requeue, fail, extend) take the claiming
// worker's ID and must refuse to touch a row claimed by anyone else,
// returning ErrMessageNotFound; this is what makes stale workers harmless
// after their lease was reassigned.
type Store interface {
	// CreateMessage persists a new message.
	CreateMessage(ctx context.Context, m *Message) error

	// CreateMessages persists a batch of messages as one atomic unit:
	// either all are created or none are.
	CreateMessages(ctx context.Context, ms []*Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, msgID id.MessageID) (*Message, error)

	// FindMessageByDedupKey returns the newest message in the queue with
	// the given deduplication ID created after since, if any.
	FindMessageByDedupKey(ctx context.Context, queueID id.QueueID, key string, since time.Time) (*Message, error)

	// ClaimMessages atomically claims up to req.Limit pending, due
	// messages across req.QueueIDs, ordered by priority (descending)
	// then creation time (ascending). Each claimed message moves to
	// processing with the claim fields stamped and its attempt count
	// incremented. Two concurrent claims never return overlapping sets,
	// and neither blocks on rows the other is taking.
	ClaimMessages(ctx context.Context, req ClaimRequest) ([]*Message, error)

	// AcknowledgeMessage moves a processing message to completed if it
	// is still claimed by workerID, and returns the updated message.
	AcknowledgeMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, now time.Time) (*Message, error)

	// RequeueMessage returns a processing message claimed by workerID to
	// pending with the claim fields cleared, scheduled_at set to the
	// given retry time, and the error recorded.
	RequeueMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, scheduledAt time.Time, lastError string, now time.Time) (*Message, error)

	// FailMessage moves a processing message claimed by workerID to
	// failed, recording the error. The final claim fields are kept so a
	// failed message still shows who processed it last.
	FailMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, lastError string, now time.Time) (*Message, error)

	// MarkMessageDeadLetter moves a message to dead_letter and stamps
	// its completion time. Used by the dead letter service after the
	// entry snapshot has been written.
	MarkMessageDeadLetter(ctx context.Context, msgID id.MessageID, now time.Time) error

	// ScheduleMessageRetry forces a message back to pending with
	// scheduled_at set to the given retry time and the claim fields
	// cleared. Unlike RequeueMessage it carries no ownership guard; it
	// backs the administrative schedule_retry operation.
	ScheduleMessageRetry(ctx context.Context, msgID id.MessageID, scheduledAt time.Time, now time.Time) error

	// ExtendMessageVisibility pushes the lease of a processing message
	// forward by extension from its current deadline, provided workerID
	// still holds the claim.
	ExtendMessageVisibility(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, extension time.Duration) error

	// ReleaseTimedOutMessages returns every processing message whose
	// lease has expired to pending with the claim fields cleared, and
	// reports how many were released.
	ReleaseTimedOutMessages(ctx context.Context, now time.Time) (int64, error)

	// ActivateScheduledMessages flips scheduled messages whose time has
	// come to pending, and reports how many were activated.
	ActivateScheduledMessages(ctx context.Context, now time.Time) (int64, error)

	// CancelMessage deletes a message that is still pending or
	// scheduled. Any other status returns ErrInvalidState.
	CancelMessage(ctx context.Context, msgID id.MessageID) error

	// BulkRetryMessages returns every failed message in the queue to
	// pending with a fresh attempt budget, and reports how many.
	BulkRetryMessages(ctx context.Context, queueID id.QueueID) (int64, error)

	// BulkDeleteMessages deletes the queue's messages with the given
	// status, and reports how many.
	BulkDeleteMessages(ctx context.Context, queueID id.QueueID, status Status) (int64, error)

	// UpdateMessagePriority changes the priority of a pending message.
	// Any other status returns ErrInvalidState.
	UpdateMessagePriority(ctx context.Context, msgID id.MessageID, priority int) error

	// CountMessages returns per-status message counts for the queue.
	// A nil queueID counts across all queues.
	CountMessages(ctx context.Context, queueID id.QueueID) (map[Status]int64, error)

	// DeleteMessagesOlderThan deletes messages in the given statuses
	// not touched since cutoff, and reports how many. Used by the
	// retention sweep.
	DeleteMessagesOlderThan(ctx context.Context, statuses []Status, cutoff time.Time) (int64, error)

	// ListMessages returns messages matching the given options, newest
	// first.
	ListMessages(ctx context.Context, opts ListOpts) ([]*Message, error)
}
