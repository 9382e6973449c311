package dlq

import (
	"context"
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// ListOpts controls pagination and filtering for dead letter list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// QueueID filters by origin queue. Nil means all queues.
	QueueID id.QueueID
	// ReasonContains filters by substring match on the move reason,
	// case-insensitively. Empty means all reasons.
	ReasonContains string
}

// QueueCount is one row of the per-queue entry breakdown.
type QueueCount struct {
	QueueID   id.QueueID `json:"queue_id"`
	QueueName string     `json:"queue_name"`
	Count     int64      `json:"count"`
}

// ReasonCount is one row of the per-reason entry breakdown.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// TimeStats aggregates entry ages.
type TimeStats struct {
	Oldest      *time.Time `json:"oldest_message,omitempty"`
	Newest      *time.Time `json:"newest_message,omitempty"`
	AvgAgeHours float64    `json:"avg_age_hours"`
}

// Store defines the persistence contract for dead letter entries.
type Store interface {
	// CreateEntry persists a new dead letter entry.
	CreateEntry(ctx context.Context, e *Entry) error

	// GetEntry retrieves an entry by ID.
	GetEntry(ctx context.Context, entryID id.EntryID) (*Entry, error)

	// MarkEntryRetried atomically increments the entry's retry count and
	// records the replacement message and retry time.
	MarkEntryRetried(ctx context.Context, entryID id.EntryID, msgID id.MessageID, at time.Time) error

	// MarkEntryNonRetryable clears the entry's CanRetry flag.
	MarkEntryNonRetryable(ctx context.Context, entryID id.EntryID) error

	// DeleteEntry removes an entry by ID.
	DeleteEntry(ctx context.Context, entryID id.EntryID) error

	// ListEntries returns entries matching the given options, newest
	// moves first, plus the total match count for pagination.
	ListEntries(ctx context.Context, opts ListOpts) ([]*Entry, int64, error)

	// ListRetryableEntries returns up to limit retryable entries, oldest
	// moves first, optionally filtered by queue and reason substring.
	ListRetryableEntries(ctx context.Context, queueID id.QueueID, reasonContains string, limit int) ([]*Entry, error)

	// PurgeEntries deletes entries, optionally scoped to a queue (nil
	// means all) and to moves before olderThan (nil means all), and
	// reports how many were deleted.
	PurgeEntries(ctx context.Context, queueID id.QueueID, olderThan *time.Time) (int64, error)

	// CountEntries returns the total number of entries.
	CountEntries(ctx context.Context) (int64, error)

	// CountEntriesByQueue returns per-queue entry counts with queue
	// names resolved, largest first.
	CountEntriesByQueue(ctx context.Context) ([]QueueCount, error)

	// CountEntriesByReason returns per-reason entry counts, largest
	// first.
	CountEntriesByReason(ctx context.Context) ([]ReasonCount, error)

	// EntryTimeStats returns the oldest and newest move times and the
	// mean entry age relative to now.
	EntryTimeStats(ctx context.Context, now time.Time) (*TimeStats, error)

	// CountRetryableEntries returns how many entries still allow retry.
	CountRetryableEntries(ctx context.Context) (int64, error)
}
