package dlq

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/event"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
)

// Service provides high-level dead letter operations over a Store. It
// owns the move and retry flows so the engine and administrative callers
// share one implementation.
type Service struct {
	entries Store
	msgs    message.Store
	queues  queue.Store
	bus     *event.Bus
	log     *slog.Logger
	now     conveyor.Clock
}

// NewService creates a dead letter service. A nil logger falls back to
// slog.Default, a nil clock to time.Now, and a nil bus disables event
// publishing.
func NewService(entries Store, msgs message.Store, queues queue.Store, bus *event.Bus, log *slog.Logger, now conveyor.Clock) *Service {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{entries: entries, msgs: msgs, queues: queues, bus: bus, log: log, now: now}
}

// Move snapshots a message into the dead letter queue and marks the
// original dead_letter. The snapshot is written first so a crash between
// the two steps never loses the message content.
func (s *Service) Move(ctx context.Context, msgID id.MessageID, reason string) (*Entry, error) {
	now := s.now().UTC()

	m, err := s.msgs.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		ID:                id.NewEntryID(),
		OriginalMessageID: m.ID,
		QueueID:           m.QueueID,
		Type:              m.Type,
		Payload:           m.Payload,
		Headers:           m.Headers,
		OriginalCreatedAt: m.CreatedAt,
		MovedAt:           now,
		Reason:            reason,
		FailureCount:      m.AttemptCount,
		LastError:         m.LastError,
		CanRetry:          true,
		Metadata:          m.Metadata,
	}
	if err := s.entries.CreateEntry(ctx, e); err != nil {
		return nil, err
	}

	if err := s.msgs.MarkMessageDeadLetter(ctx, msgID, now); err != nil {
		return nil, err
	}

	s.publish(event.MessageMovedToDLQ{QueueID: m.QueueID, MessageID: m.ID, Reason: reason})
	s.log.InfoContext(ctx, "message moved to dead letter queue",
		"message_id", msgID, "queue_id", m.QueueID, "reason", reason)

	return e, nil
}

// Retry re-enqueues a dead letter entry as a brand-new pending message
// with a fresh attempt budget, and stamps the entry with the replacement.
// If stamping fails the message is already enqueued, so the message is
// returned along with the error.
func (s *Service) Retry(ctx context.Context, entryID id.EntryID) (*message.Message, error) {
	now := s.now().UTC()

	e, err := s.entries.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	q, err := s.queues.GetQueue(ctx, e.QueueID)
	if err != nil {
		return nil, err
	}

	m := &message.Message{
		Entity:          conveyor.Entity{CreatedAt: now, UpdatedAt: now},
		ID:              id.NewMessageID(),
		QueueID:         e.QueueID,
		Type:            e.Type,
		Payload:         e.Payload,
		Headers:         e.Headers,
		Status:          message.StatusPending,
		MaxAttempts:     q.AttemptBudget(),
		DeduplicationID: message.ContentDedupID(e.Payload),
		Metadata:        e.Metadata,
	}
	if err := s.msgs.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.publish(event.MessageEnqueued{QueueID: m.QueueID, MessageID: m.ID, Priority: m.Priority})

	if err := s.entries.MarkEntryRetried(ctx, entryID, m.ID, now); err != nil {
		s.log.ErrorContext(ctx, "dead letter entry retried but stamp failed",
			"entry_id", entryID, "message_id", m.ID, "error", err)
		return m, err
	}

	s.log.InfoContext(ctx, "dead letter entry retried",
		"entry_id", entryID, "message_id", m.ID, "queue_id", m.QueueID)
	return m, nil
}

// BulkRetry retries up to limit retryable entries, oldest first,
// optionally scoped to a queue and a reason substring. A single entry's
// failure is logged and skipped, never aborting the batch. Returns the
// IDs of the replacement messages.
func (s *Service) BulkRetry(ctx context.Context, queueID id.QueueID, reasonContains string, limit int) ([]id.MessageID, error) {
	entries, err := s.entries.ListRetryableEntries(ctx, queueID, reasonContains, limit)
	if err != nil {
		return nil, err
	}

	retried := make([]id.MessageID, 0, len(entries))
	for _, e := range entries {
		m, err := s.Retry(ctx, e.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "bulk retry skipped entry",
				"entry_id", e.ID, "error", err)
			continue
		}
		retried = append(retried, m.ID)
	}
	return retried, nil
}

// MarkNonRetryable excludes an entry from bulk retries.
func (s *Service) MarkNonRetryable(ctx context.Context, entryID id.EntryID) error {
	return s.entries.MarkEntryNonRetryable(ctx, entryID)
}

// Get retrieves a dead letter entry by ID.
func (s *Service) Get(ctx context.Context, entryID id.EntryID) (*Entry, error) {
	return s.entries.GetEntry(ctx, entryID)
}

// Delete removes a dead letter entry by ID.
func (s *Service) Delete(ctx context.Context, entryID id.EntryID) error {
	return s.entries.DeleteEntry(ctx, entryID)
}

// List returns entries matching the given options plus the total match
// count.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, int64, error) {
	return s.entries.ListEntries(ctx, opts)
}

// Purge deletes entries, optionally scoped to a queue (nil means all)
// and to moves before olderThan (nil means all ages).
func (s *Service) Purge(ctx context.Context, queueID id.QueueID, olderThan *time.Time) (int64, error) {
	n, err := s.entries.PurgeEntries(ctx, queueID, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.InfoContext(ctx, "purged dead letter entries", "count", n)
	}
	return n, nil
}

// Stats describes the dead letter queue's current shape.
type Stats struct {
	TotalMessages int64         `json:"total_messages"`
	ByQueue       []QueueCount  `json:"messages_by_queue"`
	ByReason      []ReasonCount `json:"messages_by_reason"`
	Oldest        *time.Time    `json:"oldest_message,omitempty"`
	Newest        *time.Time    `json:"newest_message,omitempty"`
	RetryPending  int64         `json:"retry_pending"`
	AvgAgeHours   float64       `json:"avg_age_hours"`
}

// Stats gathers the aggregate views concurrently and assembles them.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	now := s.now().UTC()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.entries.CountEntries(ctx)
		st.TotalMessages = n
		return err
	})
	g.Go(func() error {
		rows, err := s.entries.CountEntriesByQueue(ctx)
		st.ByQueue = rows
		return err
	})
	g.Go(func() error {
		rows, err := s.entries.CountEntriesByReason(ctx)
		st.ByReason = rows
		return err
	})
	g.Go(func() error {
		ts, err := s.entries.EntryTimeStats(ctx, now)
		if ts != nil {
			st.Oldest = ts.Oldest
			st.Newest = ts.Newest
			st.AvgAgeHours = ts.AvgAgeHours
		}
		return err
	})
	g.Go(func() error {
		n, err := s.entries.CountRetryableEntries(ctx)
		st.RetryPending = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Service) publish(ev event.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
