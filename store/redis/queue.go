package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/queue"
)

// CreateQueue persists a new queue. A taken name returns ErrQueueExists.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	qID := q.ID.String()

	// HSetNX on the name index doubles as the uniqueness check.
	reserved, err := s.client.HSetNX(ctx, queueNamesKey, q.Name, qID).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: create queue reserve name: %w", err)
	}
	if !reserved {
		return conveyor.ErrQueueExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, queueKey(qID), queueToMap(q))
	pipe.SAdd(ctx, queueIDsKey, qID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by ID.
func (s *Store) GetQueue(ctx context.Context, queueID id.QueueID) (*queue.Queue, error) {
	return s.getQueueByKey(ctx, queueKey(queueID.String()))
}

// GetQueueByName retrieves a queue by its unique name.
func (s *Store) GetQueueByName(ctx context.Context, name string) (*queue.Queue, error) {
	qID, err := s.client.HGet(ctx, queueNamesKey, name).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conveyor.ErrQueueNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get queue by name: %w", err)
	}
	return s.getQueueByKey(ctx, queueKey(qID))
}

// UpdateQueue persists changes to an existing queue. Renames keep the
// name index consistent; a taken target name returns ErrQueueExists.
func (s *Store) UpdateQueue(ctx context.Context, q *queue.Queue) error {
	qID := q.ID.String()
	key := queueKey(qID)

	existing, err := s.getQueueByKey(ctx, key)
	if err != nil {
		return err
	}

	if existing.Name != q.Name {
		reserved, nxErr := s.client.HSetNX(ctx, queueNamesKey, q.Name, qID).Result()
		if nxErr != nil {
			return fmt.Errorf("conveyor/redis: update queue reserve name: %w", nxErr)
		}
		if !reserved {
			return conveyor.ErrQueueExists
		}
	}

	fields := queueToMap(q)
	fields["updated_at"] = fmtTime(time.Now().UTC())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if existing.Name != q.Name {
		pipe.HDel(ctx, queueNamesKey, existing.Name)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update queue: %w", err)
	}
	return nil
}

// DeleteQueue removes a queue by ID. Its messages go with it; scheduled
// jobs that reference the queue are left alone.
func (s *Store) DeleteQueue(ctx context.Context, queueID id.QueueID) error {
	qID := queueID.String()
	key := queueKey(qID)

	q, err := s.getQueueByKey(ctx, key)
	if err != nil {
		return err
	}

	msgIDs, err := s.client.SMembers(ctx, messageIDsKey).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete queue list messages: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, queueIDsKey, qID)
	pipe.HDel(ctx, queueNamesKey, q.Name)
	pipe.Del(ctx, readyKey(qID), deferredKey(qID))

	for _, mID := range msgIDs {
		owner, getErr := s.client.HGet(ctx, messageKey(mID), "queue_id").Result()
		if getErr != nil || owner != qID {
			continue
		}
		pipe.Del(ctx, messageKey(mID))
		pipe.SRem(ctx, messageIDsKey, mID)
		pipe.ZRem(ctx, scheduledIndexKey, mID)
		pipe.ZRem(ctx, processingIndexKey, mID)
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete queue: %w", err)
	}
	return nil
}

// ListQueues returns queues matching the given options, oldest first.
func (s *Store) ListQueues(ctx context.Context, opts queue.ListOpts) ([]*queue.Queue, error) {
	ids, err := s.client.SMembers(ctx, queueIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list queues smembers: %w", err)
	}

	queues := make([]*queue.Queue, 0, len(ids))
	for _, qID := range ids {
		q, getErr := s.getQueueByKey(ctx, queueKey(qID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Status != "" && q.Status != opts.Status {
			continue
		}
		queues = append(queues, q)
	}

	sort.Slice(queues, func(i, j int) bool {
		return queues[i].CreatedAt.Before(queues[j].CreatedAt)
	})

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(queues) {
		queues = queues[opts.Offset:]
	} else if opts.Offset >= len(queues) {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(queues) {
		queues = queues[:opts.Limit]
	}
	return queues, nil
}

func (s *Store) getQueueByKey(ctx context.Context, key string) (*queue.Queue, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get queue: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrQueueNotFound
	}
	return mapToQueue(vals)
}

func queueToMap(q *queue.Queue) map[string]interface{} {
	return map[string]interface{}{
		"id":                        q.ID.String(),
		"name":                      q.Name,
		"description":               q.Description,
		"status":                    string(q.Status),
		"max_retries":               strconv.Itoa(q.MaxRetries),
		"visibility_timeout_secs":   strconv.Itoa(q.VisibilityTimeoutSecs),
		"rate_limit_per_second":     strconv.FormatFloat(q.RateLimitPerSecond, 'f', -1, 64),
		"deduplication_enabled":     strconv.FormatBool(q.DeduplicationEnabled),
		"deduplication_window_secs": strconv.Itoa(q.DeduplicationWindowSecs),
		"metadata":                  marshalJSON(q.Metadata),
		"created_at":                fmtTime(q.CreatedAt),
		"updated_at":                fmtTime(q.UpdatedAt),
	}
}

func mapToQueue(m map[string]string) (*queue.Queue, error) {
	qID, err := id.ParseQueueID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse queue id: %w", err)
	}

	maxRetries, _ := strconv.Atoi(m["max_retries"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	visSecs, _ := strconv.Atoi(m["visibility_timeout_secs"])           //nolint:errcheck // best-effort parse from trusted Redis data
	rate, _ := strconv.ParseFloat(m["rate_limit_per_second"], 64)      //nolint:errcheck // best-effort parse from trusted Redis data
	dedupEnabled, _ := strconv.ParseBool(m["deduplication_enabled"])   //nolint:errcheck // best-effort parse from trusted Redis data
	dedupWindowSecs, _ := strconv.Atoi(m["deduplication_window_secs"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &queue.Queue{
		Entity: conveyor.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:                      qID,
		Name:                    m["name"],
		Description:             m["description"],
		Status:                  queue.Status(m["status"]),
		MaxRetries:              maxRetries,
		VisibilityTimeoutSecs:   visSecs,
		RateLimitPerSecond:      rate,
		DeduplicationEnabled:    dedupEnabled,
		DeduplicationWindowSecs: dedupWindowSecs,
		Metadata:                unmarshalAnyMap(m["metadata"]),
	}, nil
}
