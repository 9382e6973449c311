// Package message defines the message entity, its state machine, and the
// store interface the engine drives it through.
//
// # Message Entity
//
// A [Message] is a unit of work in a queue. It embeds [conveyor.Entity]
// for timestamps, carries an opaque structured payload, and progresses
// through a state machine:
//
//	scheduled → pending → processing → completed
//	scheduled → pending → processing → pending (retry or lease expiry)
//	scheduled → pending → processing → failed
//	scheduled → pending → processing → dead_letter
//
// Fields of note:
//   - Priority: higher values are claimed first
//   - ScheduledAt: earliest time the message may be claimed; doubles as
//     the retry due time after a negative acknowledgment
//   - VisibilityTimeoutAt: claim lease expiry; the timeout sweep returns
//     the message to pending once it passes
//   - AttemptCount / MaxAttempts: delivery budget, copied from the
//     queue's MaxRetries at enqueue time
//   - DeduplicationID: explicit or content-derived; enqueues within the
//     dedup window that share it return the existing message
//
// # Ownership
//
// Every mutating transition on a processing message is conditional on the
// caller's worker ID matching ClaimedBy. A worker whose lease expired and
// was reassigned gets ErrMessageNotFound instead of corrupting the new
// claim. [Store] documents which methods enforce this.
package message
