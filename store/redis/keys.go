package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Queue keys ──

// queueKey returns the key for a queue entity: conveyor:queue:{id}
func queueKey(id string) string { return keyPrefix + "queue:" + id }

// queueIDsKey is the Set tracking all queue IDs for enumeration.
const queueIDsKey = keyPrefix + "queue_ids"

// queueNamesKey maps queue names to IDs for duplicate detection.
const queueNamesKey = keyPrefix + "queue_names"

// ── Message keys ──

// messageKey returns the key for a message entity: conveyor:msg:{id}
func messageKey(id string) string { return keyPrefix + "msg:" + id }

// messageIDsKey is the Set tracking all message IDs for enumeration.
const messageIDsKey = keyPrefix + "msg_ids"

// readyKey returns the Sorted Set of claimable pending messages for a
// queue, scored by priority (negated) with a time fraction for FIFO:
// conveyor:ready:{queueID}
func readyKey(queueID string) string { return keyPrefix + "ready:" + queueID }

// deferredKey returns the Sorted Set of pending messages waiting on a
// scheduled time, scored by due time: conveyor:deferred:{queueID}
func deferredKey(queueID string) string { return keyPrefix + "deferred:" + queueID }

// scheduledIndexKey is the Sorted Set of scheduled-status messages
// scored by due time. The activation sweep drains it.
const scheduledIndexKey = keyPrefix + "scheduled"

// processingIndexKey is the Sorted Set of claimed messages scored by
// lease expiry. The timeout sweep drains it.
const processingIndexKey = keyPrefix + "processing"

// ── Schedule keys ──

// jobKey returns the key for a scheduled job entity: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// executionKey returns the key for an execution entity: conveyor:run:{id}
func executionKey(id string) string { return keyPrefix + "run:" + id }

// executionIndexKey returns the Set tracking a job's execution IDs.
func executionIndexKey(jobID string) string { return keyPrefix + "runs:" + jobID }

// ── DLQ keys ──

// entryKey returns the key for a dead letter entry: conveyor:dlq:{id}
func entryKey(id string) string { return keyPrefix + "dlq:" + id }

// entryIDsKey is the Set tracking all dead letter entry IDs.
const entryIDsKey = keyPrefix + "dlq_ids"
