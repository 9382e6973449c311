// Package dlq implements the dead letter queue: terminal storage for
// messages that exhausted their attempts or were moved by an operator.
//
// A move snapshots the message content into an [Entry] and flips the
// original message to dead_letter, so retention sweeps can delete the
// original without losing anything. Retrying an entry creates a
// brand-new pending message with a fresh attempt budget; the entry
// records how many times it was retried and which message replaced it.
//
// [Service] is the operational surface: Move, Retry, BulkRetry,
// MarkNonRetryable, List, Purge, Stats, and Export. The engine routes
// its own dead-lettering through the same service.
package dlq
