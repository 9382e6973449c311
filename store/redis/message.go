package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
)

// CreateMessage persists a new message as a Hash and indexes it for its
// status.
func (s *Store) CreateMessage(ctx context.Context, m *message.Message) error {
	mID := m.ID.String()
	key := messageKey(mID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: create message exists: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("conveyor/redis: create message: duplicate id %s", mID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, messageToMap(m))
	pipe.SAdd(ctx, messageIDsKey, mID)
	enqueueIndex(ctx, pipe, m)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create message: %w", err)
	}
	return nil
}

// CreateMessages persists a batch of messages as one atomic unit. The
// whole batch is validated before the pipeline lands.
func (s *Store) CreateMessages(ctx context.Context, ms []*message.Message) error {
	if len(ms) == 0 {
		return nil
	}

	for _, m := range ms {
		exists, err := s.client.Exists(ctx, messageKey(m.ID.String())).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: create messages exists: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("conveyor/redis: create messages: duplicate id %s", m.ID)
		}
	}

	pipe := s.client.TxPipeline()
	for _, m := range ms {
		mID := m.ID.String()
		pipe.HSet(ctx, messageKey(mID), messageToMap(m))
		pipe.SAdd(ctx, messageIDsKey, mID)
		enqueueIndex(ctx, pipe, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create messages: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.MessageID) (*message.Message, error) {
	return s.getMessageByKey(ctx, messageKey(msgID.String()))
}

// FindMessageByDedupKey returns the newest message in the queue with the
// given deduplication ID created after since.
func (s *Store) FindMessageByDedupKey(ctx context.Context, queueID id.QueueID, key string, since time.Time) (*message.Message, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: find by dedup smembers: %w", err)
	}

	var found *message.Message
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if m.QueueID != queueID || m.DeduplicationID != key {
			continue
		}
		if !m.CreatedAt.After(since) {
			continue
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, conveyor.ErrMessageNotFound
	}
	return found, nil
}

// ClaimMessages atomically claims up to req.Limit pending, due messages
// across req.QueueIDs.
func (s *Store) ClaimMessages(ctx context.Context, req message.ClaimRequest) ([]*message.Message, error) {
	if len(req.QueueIDs) == 0 || req.Limit <= 0 {
		return nil, nil
	}

	var claimed []*message.Message
	for _, queueID := range req.QueueIDs {
		if len(claimed) >= req.Limit {
			break
		}
		remaining := req.Limit - len(claimed)
		qID := queueID.String()

		if err := s.promoteDeferred(ctx, qID, req.Now); err != nil {
			return nil, err
		}
		lease := s.leaseFor(ctx, queueID, req.DefaultLease)

		// Pop from the ready set (lowest score = highest priority,
		// earliest enqueue). Popped members are invisible to concurrent
		// claimers.
		members, err := s.client.ZPopMin(ctx, readyKey(qID), int64(remaining)).Result()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: claim zpopmin: %w", err)
		}

		for _, z := range members {
			mID, ok := z.Member.(string)
			if !ok {
				continue
			}

			m, getErr := s.getMessageByKey(ctx, messageKey(mID))
			if getErr != nil {
				continue // stale index entry
			}
			if m.Status != message.StatusPending {
				continue
			}
			if m.ScheduledAt != nil && m.ScheduledAt.After(req.Now) {
				// Not due after all; the score is only an index.
				s.client.ZAdd(ctx, deferredKey(qID), goredis.Z{Score: unixMilli(*m.ScheduledAt), Member: mID})
				continue
			}

			started := req.Now
			until := req.Now.Add(lease)
			m.Status = message.StatusProcessing
			m.ClaimedBy = req.WorkerID
			m.ProcessingStartedAt = &started
			m.VisibilityTimeoutAt = &until
			m.AttemptCount++
			m.UpdatedAt = req.Now

			pipe := s.client.TxPipeline()
			pipe.HSet(ctx, messageKey(mID),
				"status", string(message.StatusProcessing),
				"claimed_by", req.WorkerID.String(),
				"processing_started_at", fmtTime(started),
				"visibility_timeout_at", fmtTime(until),
				"attempt_count", strconv.Itoa(m.AttemptCount),
				"updated_at", fmtTime(req.Now),
			)
			pipe.ZAdd(ctx, processingIndexKey, goredis.Z{Score: unixMilli(until), Member: mID})
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return nil, fmt.Errorf("conveyor/redis: claim update: %w", pErr)
			}

			claimed = append(claimed, m)
		}
	}

	// Claims may span queues; order the combined result the way a
	// single queue would.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].Priority != claimed[j].Priority {
			return claimed[i].Priority > claimed[j].Priority
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	return claimed, nil
}

// AcknowledgeMessage moves a processing message to completed if still
// claimed by workerID. The final claim fields are kept for inspection.
func (s *Store) AcknowledgeMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, now time.Time) (*message.Message, error) {
	m, err := s.claimedMessage(ctx, msgID, workerID)
	if err != nil {
		return nil, err
	}

	mID := msgID.String()
	done := now
	m.Status = message.StatusCompleted
	m.CompletedAt = &done
	m.UpdatedAt = now

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"status", string(message.StatusCompleted),
		"completed_at", fmtTime(done),
		"updated_at", fmtTime(now),
	)
	pipe.ZRem(ctx, processingIndexKey, mID)
	if _, err = pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: acknowledge message: %w", err)
	}
	return m, nil
}

// RequeueMessage returns a processing message claimed by workerID to
// pending for a later retry.
func (s *Store) RequeueMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, scheduledAt time.Time, lastError string, now time.Time) (*message.Message, error) {
	m, err := s.claimedMessage(ctx, msgID, workerID)
	if err != nil {
		return nil, err
	}

	mID := msgID.String()
	due := scheduledAt
	m.Status = message.StatusPending
	m.ClaimedBy = id.Nil
	m.ProcessingStartedAt = nil
	m.VisibilityTimeoutAt = nil
	m.ScheduledAt = &due
	m.LastError = lastError
	m.UpdatedAt = now

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"status", string(message.StatusPending),
		"claimed_by", "",
		"processing_started_at", "",
		"visibility_timeout_at", "",
		"scheduled_at", fmtTime(due),
		"last_error", lastError,
		"updated_at", fmtTime(now),
	)
	pipe.ZRem(ctx, processingIndexKey, mID)
	pipe.ZAdd(ctx, deferredKey(m.QueueID.String()), goredis.Z{Score: unixMilli(due), Member: mID})
	if _, err = pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: requeue message: %w", err)
	}
	return m, nil
}

// FailMessage moves a processing message claimed by workerID to failed.
// The final claim fields are kept for inspection.
func (s *Store) FailMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, lastError string, now time.Time) (*message.Message, error) {
	m, err := s.claimedMessage(ctx, msgID, workerID)
	if err != nil {
		return nil, err
	}

	mID := msgID.String()
	done := now
	m.Status = message.StatusFailed
	m.CompletedAt = &done
	m.LastError = lastError
	m.UpdatedAt = now

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"status", string(message.StatusFailed),
		"completed_at", fmtTime(done),
		"last_error", lastError,
		"updated_at", fmtTime(now),
	)
	pipe.ZRem(ctx, processingIndexKey, mID)
	if _, err = pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: fail message: %w", err)
	}
	return m, nil
}

// MarkMessageDeadLetter moves a message to dead_letter.
func (s *Store) MarkMessageDeadLetter(ctx context.Context, msgID id.MessageID, now time.Time) error {
	mID := msgID.String()
	m, err := s.getMessageByKey(ctx, messageKey(mID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"status", string(message.StatusDeadLetter),
		"completed_at", fmtTime(now),
		"updated_at", fmtTime(now),
	)
	dropIndexes(ctx, pipe, m.QueueID.String(), mID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: mark dead letter: %w", err)
	}
	return nil
}

// ScheduleMessageRetry forces a message back to pending for a future
// retry, with no ownership guard.
func (s *Store) ScheduleMessageRetry(ctx context.Context, msgID id.MessageID, scheduledAt time.Time, now time.Time) error {
	mID := msgID.String()
	m, err := s.getMessageByKey(ctx, messageKey(mID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"status", string(message.StatusPending),
		"claimed_by", "",
		"processing_started_at", "",
		"visibility_timeout_at", "",
		"scheduled_at", fmtTime(scheduledAt),
		"updated_at", fmtTime(now),
	)
	dropIndexes(ctx, pipe, m.QueueID.String(), mID)
	pipe.ZAdd(ctx, deferredKey(m.QueueID.String()), goredis.Z{Score: unixMilli(scheduledAt), Member: mID})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: schedule retry: %w", err)
	}
	return nil
}

// ExtendMessageVisibility pushes a processing message's lease forward
// from its current deadline.
func (s *Store) ExtendMessageVisibility(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, extension time.Duration) error {
	m, err := s.claimedMessage(ctx, msgID, workerID)
	if err != nil {
		return err
	}
	if m.VisibilityTimeoutAt == nil {
		return conveyor.ErrInvalidState
	}

	mID := msgID.String()
	until := m.VisibilityTimeoutAt.Add(extension)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"visibility_timeout_at", fmtTime(until),
		"updated_at", fmtTime(time.Now().UTC()),
	)
	pipe.ZAdd(ctx, processingIndexKey, goredis.Z{Score: unixMilli(until), Member: mID})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: extend visibility: %w", err)
	}
	return nil
}

// ReleaseTimedOutMessages returns expired processing messages to pending.
func (s *Store) ReleaseTimedOutMessages(ctx context.Context, now time.Time) (int64, error) {
	due, err := s.client.ZRangeByScore(ctx, processingIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore(now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: release zrangebyscore: %w", err)
	}

	var count int64
	for _, mID := range due {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			s.client.ZRem(ctx, processingIndexKey, mID)
			continue
		}
		if m.Status != message.StatusProcessing {
			s.client.ZRem(ctx, processingIndexKey, mID)
			continue
		}
		// The score is only an index; the parsed deadline decides.
		if m.VisibilityTimeoutAt == nil || !m.VisibilityTimeoutAt.Before(now) {
			continue
		}

		m.Status = message.StatusPending
		m.ClaimedBy = id.Nil
		m.ProcessingStartedAt = nil
		m.VisibilityTimeoutAt = nil
		m.UpdatedAt = now

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, messageKey(mID),
			"status", string(message.StatusPending),
			"claimed_by", "",
			"processing_started_at", "",
			"visibility_timeout_at", "",
			"updated_at", fmtTime(now),
		)
		pipe.ZRem(ctx, processingIndexKey, mID)
		enqueueIndex(ctx, pipe, m)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: release message: %w", pErr)
		}
		count++
	}
	return count, nil
}

// ActivateScheduledMessages flips due scheduled messages to pending.
func (s *Store) ActivateScheduledMessages(ctx context.Context, now time.Time) (int64, error) {
	due, err := s.client.ZRangeByScore(ctx, scheduledIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore(now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: activate zrangebyscore: %w", err)
	}

	var count int64
	for _, mID := range due {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			s.client.ZRem(ctx, scheduledIndexKey, mID)
			continue
		}
		if m.Status != message.StatusScheduled {
			s.client.ZRem(ctx, scheduledIndexKey, mID)
			continue
		}
		if m.ScheduledAt == nil || m.ScheduledAt.After(now) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, messageKey(mID),
			"status", string(message.StatusPending),
			"scheduled_at", "",
			"updated_at", fmtTime(now),
		)
		pipe.ZRem(ctx, scheduledIndexKey, mID)
		pipe.ZAdd(ctx, readyKey(m.QueueID.String()), goredis.Z{Score: claimScore(m.Priority, m.CreatedAt), Member: mID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: activate message: %w", pErr)
		}
		count++
	}
	return count, nil
}

// CancelMessage deletes a message that is still pending or scheduled.
func (s *Store) CancelMessage(ctx context.Context, msgID id.MessageID) error {
	mID := msgID.String()
	m, err := s.getMessageByKey(ctx, messageKey(mID))
	if err != nil {
		return err
	}
	if m.Status != message.StatusPending && m.Status != message.StatusScheduled {
		return conveyor.ErrInvalidState
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(mID))
	pipe.SRem(ctx, messageIDsKey, mID)
	dropIndexes(ctx, pipe, m.QueueID.String(), mID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: cancel message: %w", err)
	}
	return nil
}

// BulkRetryMessages returns every failed message in the queue to pending
// with a fresh delivery state.
func (s *Store) BulkRetryMessages(ctx context.Context, queueID id.QueueID) (int64, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: bulk retry smembers: %w", err)
	}

	now := time.Now().UTC()
	var count int64
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if m.QueueID != queueID || m.Status != message.StatusFailed {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, messageKey(mID),
			"status", string(message.StatusPending),
			"attempt_count", "0",
			"scheduled_at", "",
			"last_error", "",
			"claimed_by", "",
			"processing_started_at", "",
			"visibility_timeout_at", "",
			"completed_at", "",
			"updated_at", fmtTime(now),
		)
		pipe.ZAdd(ctx, readyKey(queueID.String()), goredis.Z{Score: claimScore(m.Priority, m.CreatedAt), Member: mID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: bulk retry: %w", pErr)
		}
		count++
	}
	return count, nil
}

// BulkDeleteMessages deletes the queue's messages with the given status.
func (s *Store) BulkDeleteMessages(ctx context.Context, queueID id.QueueID, status message.Status) (int64, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: bulk delete smembers: %w", err)
	}

	var count int64
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if m.QueueID != queueID || m.Status != status {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, messageKey(mID))
		pipe.SRem(ctx, messageIDsKey, mID)
		dropIndexes(ctx, pipe, queueID.String(), mID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: bulk delete: %w", pErr)
		}
		count++
	}
	return count, nil
}

// UpdateMessagePriority changes the priority of a pending message.
func (s *Store) UpdateMessagePriority(ctx context.Context, msgID id.MessageID, priority int) error {
	mID := msgID.String()
	m, err := s.getMessageByKey(ctx, messageKey(mID))
	if err != nil {
		return err
	}
	if m.Status != message.StatusPending {
		return conveyor.ErrInvalidState
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messageKey(mID),
		"priority", strconv.Itoa(priority),
		"updated_at", fmtTime(time.Now().UTC()),
	)
	if m.ScheduledAt == nil {
		// Re-score so the ready set reflects the new priority.
		pipe.ZAdd(ctx, readyKey(m.QueueID.String()), goredis.Z{Score: claimScore(priority, m.CreatedAt), Member: mID})
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update priority: %w", err)
	}
	return nil
}

// CountMessages returns per-status message counts for the queue, or for
// all queues when queueID is nil.
func (s *Store) CountMessages(ctx context.Context, queueID id.QueueID) (map[message.Status]int64, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	counts := make(map[message.Status]int64)
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if !queueID.IsNil() && m.QueueID != queueID {
			continue
		}
		counts[m.Status]++
	}
	return counts, nil
}

// DeleteMessagesOlderThan deletes messages in the given statuses not
// touched since cutoff.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, statuses []message.Status, cutoff time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: retention smembers: %w", err)
	}

	statusSet := make(map[message.Status]struct{}, len(statuses))
	for _, st := range statuses {
		statusSet[st] = struct{}{}
	}

	var count int64
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if _, ok := statusSet[m.Status]; !ok {
			continue
		}
		if !m.UpdatedAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, messageKey(mID))
		pipe.SRem(ctx, messageIDsKey, mID)
		dropIndexes(ctx, pipe, m.QueueID.String(), mID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conveyor/redis: retention delete: %w", pErr)
		}
		count++
	}
	return count, nil
}

// ListMessages returns messages matching the given options, newest first.
func (s *Store) ListMessages(ctx context.Context, opts message.ListOpts) ([]*message.Message, error) {
	ids, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list messages smembers: %w", err)
	}

	msgs := make([]*message.Message, 0, len(ids))
	for _, mID := range ids {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			continue // skip missing
		}
		if !opts.QueueID.IsNil() && m.QueueID != opts.QueueID {
			continue
		}
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		msgs = append(msgs, m)
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(msgs) {
		msgs = msgs[opts.Offset:]
	} else if opts.Offset >= len(msgs) {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(msgs) {
		msgs = msgs[:opts.Limit]
	}
	return msgs, nil
}

// ── helpers ──

// claimedMessage returns the live message if workerID still holds its
// claim. Ownership misses are indistinguishable from missing messages.
func (s *Store) claimedMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID) (*message.Message, error) {
	m, err := s.getMessageByKey(ctx, messageKey(msgID.String()))
	if err != nil {
		return nil, err
	}
	if m.Status != message.StatusProcessing || m.ClaimedBy != workerID {
		return nil, conveyor.ErrMessageNotFound
	}
	return m, nil
}

// leaseFor resolves the visibility timeout for a queue, preferring the
// queue's own override.
func (s *Store) leaseFor(ctx context.Context, queueID id.QueueID, def time.Duration) time.Duration {
	raw, err := s.client.HGet(ctx, queueKey(queueID.String()), "visibility_timeout_secs").Result()
	if err != nil {
		return def
	}
	if secs, convErr := strconv.Atoi(raw); convErr == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

// promoteDeferred moves due deferred messages into the ready set so the
// claim pop sees them.
func (s *Store) promoteDeferred(ctx context.Context, queueID string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, deferredKey(queueID), &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore(now),
	}).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: promote zrangebyscore: %w", err)
	}

	for _, mID := range due {
		m, getErr := s.getMessageByKey(ctx, messageKey(mID))
		if getErr != nil {
			s.client.ZRem(ctx, deferredKey(queueID), mID)
			continue
		}
		// The score is only an index; the parsed scheduled_at decides.
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, deferredKey(queueID), mID)
		pipe.ZAdd(ctx, readyKey(queueID), goredis.Z{Score: claimScore(m.Priority, m.CreatedAt), Member: mID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return fmt.Errorf("conveyor/redis: promote deferred: %w", pErr)
		}
	}
	return nil
}

// enqueueIndex adds the message to the index its status calls for.
// Completed, failed and dead-lettered messages are reachable only
// through the ID set.
func enqueueIndex(ctx context.Context, pipe goredis.Pipeliner, m *message.Message) {
	mID := m.ID.String()
	qID := m.QueueID.String()
	switch m.Status {
	case message.StatusPending:
		if m.ScheduledAt != nil {
			pipe.ZAdd(ctx, deferredKey(qID), goredis.Z{Score: unixMilli(*m.ScheduledAt), Member: mID})
		} else {
			pipe.ZAdd(ctx, readyKey(qID), goredis.Z{Score: claimScore(m.Priority, m.CreatedAt), Member: mID})
		}
	case message.StatusScheduled:
		if m.ScheduledAt != nil {
			pipe.ZAdd(ctx, scheduledIndexKey, goredis.Z{Score: unixMilli(*m.ScheduledAt), Member: mID})
		}
	case message.StatusProcessing:
		if m.VisibilityTimeoutAt != nil {
			pipe.ZAdd(ctx, processingIndexKey, goredis.Z{Score: unixMilli(*m.VisibilityTimeoutAt), Member: mID})
		}
	}
}

// dropIndexes removes the message from every index it could be in.
// ZRem on a non-member is a no-op, so callers need not know the prior
// state.
func dropIndexes(ctx context.Context, pipe goredis.Pipeliner, qID, mID string) {
	pipe.ZRem(ctx, readyKey(qID), mID)
	pipe.ZRem(ctx, deferredKey(qID), mID)
	pipe.ZRem(ctx, scheduledIndexKey, mID)
	pipe.ZRem(ctx, processingIndexKey, mID)
}

// maxScore renders a time as an inclusive upper bound for score ranges.
func maxScore(t time.Time) string {
	return strconv.FormatFloat(unixMilli(t), 'f', -1, 64)
}

// messageToMap renders every field, writing empty strings for unset
// optionals so a full rewrite clears leftovers from earlier states.
func messageToMap(m *message.Message) map[string]interface{} {
	return map[string]interface{}{
		"id":                    m.ID.String(),
		"queue_id":              m.QueueID.String(),
		"message_type":          m.Type,
		"payload":               marshalJSON(m.Payload),
		"headers":               marshalJSON(m.Headers),
		"priority":              strconv.Itoa(m.Priority),
		"status":                string(m.Status),
		"attempt_count":         strconv.Itoa(m.AttemptCount),
		"max_attempts":          strconv.Itoa(m.MaxAttempts),
		"scheduled_at":          fmtTimePtr(m.ScheduledAt),
		"processing_started_at": fmtTimePtr(m.ProcessingStartedAt),
		"completed_at":          fmtTimePtr(m.CompletedAt),
		"visibility_timeout_at": fmtTimePtr(m.VisibilityTimeoutAt),
		"deduplication_id":      m.DeduplicationID,
		"group_id":              m.GroupID,
		"correlation_id":        m.CorrelationID,
		"trace_id":              m.TraceID,
		"claimed_by":            m.ClaimedBy.String(),
		"last_error":            m.LastError,
		"metadata":              marshalJSON(m.Metadata),
		"created_at":            fmtTime(m.CreatedAt),
		"updated_at":            fmtTime(m.UpdatedAt),
	}
}

func mapToMessage(m map[string]string) (*message.Message, error) {
	mID, err := id.ParseMessageID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse message id: %w", err)
	}
	qID, err := id.ParseQueueID(m["queue_id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse message queue id: %w", err)
	}

	var claimedBy id.WorkerID
	if m["claimed_by"] != "" {
		claimedBy, _ = id.ParseWorkerID(m["claimed_by"]) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	priority, _ := strconv.Atoi(m["priority"])        //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempt_count"])   //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &message.Message{
		Entity: conveyor.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:                  mID,
		QueueID:             qID,
		Type:                m["message_type"],
		Payload:             unmarshalAnyMap(m["payload"]),
		Headers:             unmarshalStringMap(m["headers"]),
		Priority:            priority,
		Status:              message.Status(m["status"]),
		AttemptCount:        attempts,
		MaxAttempts:         maxAttempts,
		ScheduledAt:         parseTimePtr(m["scheduled_at"]),
		ProcessingStartedAt: parseTimePtr(m["processing_started_at"]),
		CompletedAt:         parseTimePtr(m["completed_at"]),
		VisibilityTimeoutAt: parseTimePtr(m["visibility_timeout_at"]),
		DeduplicationID:     m["deduplication_id"],
		GroupID:             m["group_id"],
		CorrelationID:       m["correlation_id"],
		TraceID:             m["trace_id"],
		ClaimedBy:           claimedBy,
		LastError:           m["last_error"],
		Metadata:            unmarshalAnyMap(m["metadata"]),
	}, nil
}

func (s *Store) getMessageByKey(ctx context.Context, key string) (*message.Message, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get message: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrMessageNotFound
	}
	return mapToMessage(vals)
}
