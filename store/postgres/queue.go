package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/queue"
)

const queueColumns = `
	id, name, description, status,
	max_retries, visibility_timeout_secs, rate_limit_per_second,
	deduplication_enabled, deduplication_window_secs,
	metadata, created_at, updated_at`

// CreateQueue persists a new queue. A taken ID or name returns
// ErrQueueExists.
func (s *Store) CreateQueue(ctx context.Context, q *queue.Queue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_queues (
			id, name, description, status,
			max_retries, visibility_timeout_secs, rate_limit_per_second,
			deduplication_enabled, deduplication_window_secs,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		q.ID, q.Name, q.Description, string(q.Status),
		q.MaxRetries, q.VisibilityTimeoutSecs, q.RateLimitPerSecond,
		q.DeduplicationEnabled, q.DeduplicationWindowSecs,
		q.Metadata, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrQueueExists
		}
		return fmt.Errorf("conveyor/postgres: create queue: %w", err)
	}
	return nil
}

// GetQueue retrieves a queue by ID.
func (s *Store) GetQueue(ctx context.Context, queueID id.QueueID) (*queue.Queue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+queueColumns+` FROM conveyor_queues WHERE id = $1`,
		queueID,
	)

	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrQueueNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get queue: %w", err)
	}
	return q, nil
}

// GetQueueByName retrieves a queue by its unique name.
func (s *Store) GetQueueByName(ctx context.Context, name string) (*queue.Queue, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+queueColumns+` FROM conveyor_queues WHERE name = $1`,
		name,
	)

	q, err := scanQueue(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrQueueNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get queue by name: %w", err)
	}
	return q, nil
}

// UpdateQueue persists changes to an existing queue.
func (s *Store) UpdateQueue(ctx context.Context, q *queue.Queue) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_queues SET
			name = $2, description = $3, status = $4,
			max_retries = $5, visibility_timeout_secs = $6,
			rate_limit_per_second = $7,
			deduplication_enabled = $8, deduplication_window_secs = $9,
			metadata = $10, updated_at = NOW()
		WHERE id = $1`,
		q.ID, q.Name, q.Description, string(q.Status),
		q.MaxRetries, q.VisibilityTimeoutSecs,
		q.RateLimitPerSecond,
		q.DeduplicationEnabled, q.DeduplicationWindowSecs,
		q.Metadata,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrQueueNotFound
	}
	return nil
}

// DeleteQueue removes a queue by ID. Its messages go with it.
func (s *Store) DeleteQueue(ctx context.Context, queueID id.QueueID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_queues WHERE id = $1`, queueID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrQueueNotFound
	}
	return nil
}

// ListQueues returns queues matching the given options, oldest first.
func (s *Store) ListQueues(ctx context.Context, opts queue.ListOpts) ([]*queue.Queue, error) {
	query := `SELECT` + queueColumns + ` FROM conveyor_queues WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list queues: %w", err)
	}
	defer rows.Close()

	var queues []*queue.Queue
	for rows.Next() {
		q, scanErr := scanQueue(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan queue row: %w", scanErr)
		}
		queues = append(queues, q)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate queue rows: %w", err)
	}
	return queues, nil
}

// scanQueue scans a single queue row.
func scanQueue(row pgx.Row) (*queue.Queue, error) {
	var (
		q         queue.Queue
		statusStr string
	)
	err := row.Scan(
		&q.ID, &q.Name, &q.Description, &statusStr,
		&q.MaxRetries, &q.VisibilityTimeoutSecs, &q.RateLimitPerSecond,
		&q.DeduplicationEnabled, &q.DeduplicationWindowSecs,
		&q.Metadata, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.Status = queue.Status(statusStr)
	return &q, nil
}
