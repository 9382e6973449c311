package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/id"
)

// CreateEntry persists a new dead letter entry.
func (s *Store) CreateEntry(ctx context.Context, e *dlq.Entry) error {
	eID := e.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entryKey(eID), entryToMap(e))
	pipe.SAdd(ctx, entryIDsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*dlq.Entry, error) {
	return s.getEntryByKey(ctx, entryKey(entryID.String()))
}

// MarkEntryRetried stamps an entry with its replacement message.
func (s *Store) MarkEntryRetried(ctx context.Context, entryID id.EntryID, msgID id.MessageID, at time.Time) error {
	e, err := s.getEntryByKey(ctx, entryKey(entryID.String()))
	if err != nil {
		return err
	}

	_, err = s.client.HSet(ctx, entryKey(entryID.String()),
		"retry_count", strconv.Itoa(e.RetryCount+1),
		"last_retry_at", fmtTime(at),
		"retried_message_id", msgID.String(),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: mark entry retried: %w", err)
	}
	return nil
}

// MarkEntryNonRetryable clears the entry's CanRetry flag.
func (s *Store) MarkEntryNonRetryable(ctx context.Context, entryID id.EntryID) error {
	key := entryKey(entryID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: mark entry exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrEntryNotFound
	}

	if _, err = s.client.HSet(ctx, key, "can_retry", "false").Result(); err != nil {
		return fmt.Errorf("conveyor/redis: mark entry non-retryable: %w", err)
	}
	return nil
}

// DeleteEntry removes a dead letter entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	eID := entryID.String()
	key := entryKey(eID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete entry exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrEntryNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, entryIDsKey, eID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete entry: %w", err)
	}
	return nil
}

// ListEntries returns entries matching the given options, newest moves
// first, plus the total match count.
func (s *Store) ListEntries(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, int64, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/redis: list entries smembers: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if !entryMatches(e, opts.QueueID, opts.ReasonContains) {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.After(entries[j].MovedAt)
	})

	total := int64(len(entries))

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(entries) {
		entries = entries[opts.Offset:]
	} else if opts.Offset >= len(entries) && opts.Offset > 0 {
		return nil, total, nil
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, total, nil
}

// ListRetryableEntries returns retryable entries, oldest moves first.
func (s *Store) ListRetryableEntries(ctx context.Context, queueID id.QueueID, reasonContains string, limit int) ([]*dlq.Entry, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: retryable smembers: %w", err)
	}

	var entries []*dlq.Entry
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if !e.CanRetry || !entryMatches(e, queueID, reasonContains) {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.Before(entries[j].MovedAt)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// PurgeEntries deletes entries scoped by queue and age.
func (s *Store) PurgeEntries(ctx context.Context, queueID id.QueueID, olderThan *time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if !queueID.IsNil() && e.QueueID != queueID {
			continue
		}
		if olderThan != nil && !e.MovedAt.Before(*olderThan) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, entryKey(eID))
		pipe.SRem(ctx, entryIDsKey, eID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("conveyor/redis: purge entry: %w", pErr)
		}
		purged++
	}
	return purged, nil
}

// CountEntries returns the total number of entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, entryIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count entries: %w", err)
	}
	return count, nil
}

// CountEntriesByQueue returns per-queue entry counts with queue names
// resolved, largest first. Entries whose queue no longer exists are
// skipped, matching the join semantics of the SQL backends.
func (s *Store) CountEntriesByQueue(ctx context.Context) ([]dlq.QueueCount, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: count by queue smembers: %w", err)
	}

	counts := make(map[string]*dlq.QueueCount)
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		key := e.QueueID.String()
		if c, ok := counts[key]; ok {
			c.Count++
			continue
		}
		name, nameErr := s.client.HGet(ctx, queueKey(key), "name").Result()
		if nameErr != nil {
			continue // queue gone
		}
		counts[key] = &dlq.QueueCount{QueueID: e.QueueID, QueueName: name, Count: 1}
	}

	result := make([]dlq.QueueCount, 0, len(counts))
	for _, c := range counts {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].QueueName < result[j].QueueName
	})
	return result, nil
}

// CountEntriesByReason returns per-reason entry counts, largest first.
func (s *Store) CountEntriesByReason(ctx context.Context) ([]dlq.ReasonCount, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: count by reason smembers: %w", err)
	}

	counts := make(map[string]int64)
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		counts[e.Reason]++
	}

	result := make([]dlq.ReasonCount, 0, len(counts))
	for reason, n := range counts {
		result = append(result, dlq.ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Reason < result[j].Reason
	})
	return result, nil
}

// EntryTimeStats returns the age bounds and mean age of all entries.
func (s *Store) EntryTimeStats(ctx context.Context, now time.Time) (*dlq.TimeStats, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: time stats smembers: %w", err)
	}

	var ts dlq.TimeStats
	var n int
	var totalAge time.Duration
	for _, eID := range ids {
		e, getErr := s.getEntryByKey(ctx, entryKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		moved := e.MovedAt
		if ts.Oldest == nil || moved.Before(*ts.Oldest) {
			t := moved
			ts.Oldest = &t
		}
		if ts.Newest == nil || moved.After(*ts.Newest) {
			t := moved
			ts.Newest = &t
		}
		totalAge += now.Sub(moved)
		n++
	}
	if n > 0 {
		ts.AvgAgeHours = totalAge.Hours() / float64(n)
	}
	return &ts, nil
}

// CountRetryableEntries returns how many entries still allow retry.
func (s *Store) CountRetryableEntries(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, entryIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count retryable smembers: %w", err)
	}

	var count int64
	for _, eID := range ids {
		raw, getErr := s.client.HGet(ctx, entryKey(eID), "can_retry").Result()
		if getErr != nil {
			continue // skip missing
		}
		if canRetry, convErr := strconv.ParseBool(raw); convErr == nil && canRetry {
			count++
		}
	}
	return count, nil
}

// ── helpers ──

// entryMatches applies the shared queue and reason filters.
func entryMatches(e *dlq.Entry, queueID id.QueueID, reasonContains string) bool {
	if !queueID.IsNil() && e.QueueID != queueID {
		return false
	}
	if reasonContains != "" && !strings.Contains(strings.ToLower(e.Reason), strings.ToLower(reasonContains)) {
		return false
	}
	return true
}

func entryToMap(e *dlq.Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":                  e.ID.String(),
		"original_message_id": e.OriginalMessageID.String(),
		"queue_id":            e.QueueID.String(),
		"message_type":        e.Type,
		"payload":             marshalJSON(e.Payload),
		"headers":             marshalJSON(e.Headers),
		"original_created_at": fmtTime(e.OriginalCreatedAt),
		"moved_at":            fmtTime(e.MovedAt),
		"reason":              e.Reason,
		"failure_count":       strconv.Itoa(e.FailureCount),
		"last_error":          e.LastError,
		"retry_count":         strconv.Itoa(e.RetryCount),
		"last_retry_at":       fmtTimePtr(e.LastRetryAt),
		"retried_message_id":  e.RetriedMessageID.String(),
		"can_retry":           strconv.FormatBool(e.CanRetry),
		"metadata":            marshalJSON(e.Metadata),
	}
}

func mapToEntry(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseEntryID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse entry id: %w", err)
	}
	msgID, _ := id.ParseMessageID(m["original_message_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	qID, _ := id.ParseQueueID(m["queue_id"])                //nolint:errcheck // best-effort parse from trusted Redis data

	var retriedID id.MessageID
	if m["retried_message_id"] != "" {
		retriedID, _ = id.ParseMessageID(m["retried_message_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	failureCount, _ := strconv.Atoi(m["failure_count"]) //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])     //nolint:errcheck // best-effort parse from trusted Redis data
	canRetry, _ := strconv.ParseBool(m["can_retry"])    //nolint:errcheck // best-effort parse from trusted Redis data

	return &dlq.Entry{
		ID:                eID,
		OriginalMessageID: msgID,
		QueueID:           qID,
		Type:              m["message_type"],
		Payload:           unmarshalAnyMap(m["payload"]),
		Headers:           unmarshalStringMap(m["headers"]),
		OriginalCreatedAt: parseTime(m["original_created_at"]),
		MovedAt:           parseTime(m["moved_at"]),
		Reason:            m["reason"],
		FailureCount:      failureCount,
		LastError:         m["last_error"],
		RetryCount:        retryCount,
		LastRetryAt:       parseTimePtr(m["last_retry_at"]),
		RetriedMessageID:  retriedID,
		CanRetry:          canRetry,
		Metadata:          unmarshalAnyMap(m["metadata"]),
	}, nil
}

func (s *Store) getEntryByKey(ctx context.Context, key string) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get entry: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrEntryNotFound
	}
	return mapToEntry(vals)
}
