// Package event defines the domain events the engine and scheduler publish
// and an in-process broadcast bus that fans them out to subscribers.
//
// Delivery is best-effort and lossy: publishers never block on a slow or
// absent subscriber, and engine state never depends on an event being
// observed. The store is the source of truth; events exist for metrics,
// audit trails, and UI push.
package event

import "github.com/rustpress-net/conveyor/id"

// Kind discriminates event variants.
type Kind string

// Event kinds.
const (
	KindMessageEnqueued          Kind = "message.enqueued"
	KindMessageProcessingStarted Kind = "message.processing_started"
	KindMessageProcessed         Kind = "message.processed"
	KindMessageFailed            Kind = "message.failed"
	KindMessageMovedToDLQ        Kind = "message.moved_to_dlq"
	KindScheduledJobExecuted     Kind = "job.executed"
)

// Event is the tagged union of everything published on the bus.
type Event interface {
	Kind() Kind
}

// MessageEnqueued is published once per newly created message.
// Deduplicated enqueues that return an existing message do not publish it.
type MessageEnqueued struct {
	QueueID   id.QueueID   `json:"queue_id"`
	MessageID id.MessageID `json:"message_id"`
	Priority  int          `json:"priority"`
}

// Kind implements Event.
func (MessageEnqueued) Kind() Kind { return KindMessageEnqueued }

// MessageProcessingStarted is published for each message handed to a worker
// by a claim.
type MessageProcessingStarted struct {
	QueueID   id.QueueID   `json:"queue_id"`
	MessageID id.MessageID `json:"message_id"`
	WorkerID  id.WorkerID  `json:"worker_id"`
}

// Kind implements Event.
func (MessageProcessingStarted) Kind() Kind { return KindMessageProcessingStarted }

// MessageProcessed is published on successful acknowledgement.
type MessageProcessed struct {
	QueueID          id.QueueID   `json:"queue_id"`
	MessageID        id.MessageID `json:"message_id"`
	ProcessingTimeMS int64        `json:"processing_time_ms"`
}

// Kind implements Event.
func (MessageProcessed) Kind() Kind { return KindMessageProcessed }

// MessageFailed is published on negative acknowledgement. WillRetry is true
// when the message was rescheduled, false when it reached a terminal state.
type MessageFailed struct {
	QueueID   id.QueueID   `json:"queue_id"`
	MessageID id.MessageID `json:"message_id"`
	Error     string       `json:"error"`
	WillRetry bool         `json:"will_retry"`
}

// Kind implements Event.
func (MessageFailed) Kind() Kind { return KindMessageFailed }

// MessageMovedToDLQ is published when a message is snapshotted into the
// dead-letter queue.
type MessageMovedToDLQ struct {
	QueueID   id.QueueID   `json:"queue_id"`
	MessageID id.MessageID `json:"message_id"`
	Reason    string       `json:"reason"`
}

// Kind implements Event.
func (MessageMovedToDLQ) Kind() Kind { return KindMessageMovedToDLQ }

// ScheduledJobExecuted is published after every scheduler-triggered run,
// successful or not.
type ScheduledJobExecuted struct {
	JobID   id.JobID `json:"job_id"`
	Success bool     `json:"success"`
}

// Kind implements Event.
func (ScheduledJobExecuted) Kind() Kind { return KindScheduledJobExecuted }
