package queue

import (
	"context"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
)

// Status represents the administrative state of a queue.
type Status string

const (
	// StatusActive means the queue accepts enqueues and hands out claims.
	StatusActive Status = "active"
	// StatusPaused means the queue accepts enqueues but claims skip it.
	StatusPaused Status = "paused"
	// StatusDraining means existing messages may be claimed but new
	// enqueues are refused.
	StatusDraining Status = "draining"
	// StatusDisabled means the queue refuses both enqueues and claims.
	StatusDisabled Status = "disabled"
)

// Queue groups related messages and carries the delivery policy the engine
// applies to them.
type Queue struct {
	conveyor.Entity

	ID          id.QueueID `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`

	// MaxRetries is copied onto each message as its MaxAttempts at
	// enqueue time. Zero falls back to 3.
	MaxRetries int `json:"max_retries"`

	// VisibilityTimeoutSecs overrides the engine's default claim lease
	// for this queue's messages. Zero means use the engine default.
	VisibilityTimeoutSecs int `json:"visibility_timeout_secs,omitempty"`

	// RateLimitPerSecond caps how many messages per second claims may
	// hand out from this queue. Zero means unlimited.
	RateLimitPerSecond float64 `json:"rate_limit_per_second,omitempty"`

	// DeduplicationEnabled turns on content-hash deduplication for
	// enqueues that carry no explicit deduplication ID.
	DeduplicationEnabled bool `json:"deduplication_enabled"`

	// DeduplicationWindowSecs overrides the engine's default dedup
	// window for this queue. Zero means use the engine default.
	DeduplicationWindowSecs int `json:"deduplication_window_secs,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// DefaultMaxRetries is the retry budget for queues that leave MaxRetries
// unset.
const DefaultMaxRetries = 3

// AttemptBudget returns the MaxAttempts value messages of this queue get.
func (q *Queue) AttemptBudget() int {
	if q.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return q.MaxRetries
}

// AcceptsEnqueue reports whether new messages may enter the queue.
func (q *Queue) AcceptsEnqueue() bool {
	return q.Status == StatusActive || q.Status == StatusPaused
}

// AcceptsClaim reports whether claims may hand out this queue's messages.
func (q *Queue) AcceptsClaim() bool {
	return q.Status == StatusActive || q.Status == StatusDraining
}

// ListOpts controls pagination and filtering for queue list queries.
type ListOpts struct {
	// Limit is the maximum number of queues to return. Zero means no limit.
	Limit int
	// Offset is the number of queues to skip.
	Offset int
	// Status filters by queue status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for queues. Queue records are
// written by external administrative surfaces and read by the engine.
type Store interface {
	// CreateQueue persists a new queue.
	CreateQueue(ctx context.Context, q *Queue) error

	// GetQueue retrieves a queue by ID.
	GetQueue(ctx context.Context, queueID id.QueueID) (*Queue, error)

	// GetQueueByName retrieves a queue by its unique name.
	GetQueueByName(ctx context.Context, name string) (*Queue, error)

	// UpdateQueue persists changes to an existing queue.
	UpdateQueue(ctx context.Context, q *Queue) error

	// DeleteQueue removes a queue by ID.
	DeleteQueue(ctx context.Context, queueID id.QueueID) error

	// ListQueues returns queues matching the given options.
	ListQueues(ctx context.Context, opts ListOpts) ([]*Queue, error)
}
