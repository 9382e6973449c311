package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/id"
)

const entryColumns = `
	id, original_message_id, queue_id, message_type, payload, headers,
	original_created_at, moved_at, reason, failure_count, last_error,
	retry_count, last_retry_at, retried_message_id, can_retry, metadata`

// CreateEntry persists a new dead letter entry.
func (s *Store) CreateEntry(ctx context.Context, e *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_dead_letters (
			id, original_message_id, queue_id, message_type, payload, headers,
			original_created_at, moved_at, reason, failure_count, last_error,
			retry_count, last_retry_at, retried_message_id, can_retry, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		e.ID, e.OriginalMessageID, e.QueueID, e.Type, e.Payload, e.Headers,
		e.OriginalCreatedAt, e.MovedAt, e.Reason, e.FailureCount, e.LastError,
		e.RetryCount, e.LastRetryAt, e.RetriedMessageID, e.CanRetry, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: create dead letter: %w", err)
	}
	return nil
}

// GetEntry retrieves a dead letter entry by ID.
func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+entryColumns+` FROM conveyor_dead_letters WHERE id = $1`,
		entryID,
	)

	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrEntryNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get dead letter: %w", err)
	}
	return e, nil
}

// MarkEntryRetried atomically increments the entry's retry count and
// records the replacement message and retry time.
func (s *Store) MarkEntryRetried(ctx context.Context, entryID id.EntryID, msgID id.MessageID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_dead_letters
		SET retry_count = retry_count + 1, last_retry_at = $3, retried_message_id = $2
		WHERE id = $1`,
		entryID, msgID, at,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: mark entry retried: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrEntryNotFound
	}
	return nil
}

// MarkEntryNonRetryable clears the entry's CanRetry flag.
func (s *Store) MarkEntryNonRetryable(ctx context.Context, entryID id.EntryID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conveyor_dead_letters SET can_retry = FALSE WHERE id = $1`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: mark entry non-retryable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes a dead letter entry by ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID id.EntryID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_dead_letters WHERE id = $1`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrEntryNotFound
	}
	return nil
}

// ListEntries returns entries matching the given options, newest moves
// first, plus the total match count for pagination.
func (s *Store) ListEntries(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !opts.QueueID.IsNil() {
		where += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, opts.QueueID)
		argIdx++
	}
	if opts.ReasonContains != "" {
		where += fmt.Sprintf(" AND reason ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, opts.ReasonContains)
		argIdx++
	}

	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conveyor_dead_letters`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: count dead letters: %w", err)
	}

	query := `SELECT` + entryColumns + ` FROM conveyor_dead_letters` + where +
		` ORDER BY moved_at DESC`

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
		return nil, 0, fmt.Errorf("conveyor/postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListRetryableEntries returns up to limit retryable entries, oldest
// moves first.
func (s *Store) ListRetryableEntries(ctx context.Context, queueID id.QueueID, reasonContains string, limit int) ([]*dlq.Entry, error) {
	query := `SELECT` + entryColumns + ` FROM conveyor_dead_letters WHERE can_retry = TRUE`
	args := []any{}
	argIdx := 1

	if !queueID.IsNil() {
		query += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, queueID)
		argIdx++
	}
	if reasonContains != "" {
		query += fmt.Sprintf(" AND reason ILIKE '%%' || $%d || '%%'", argIdx)
		args = append(args, reasonContains)
		argIdx++
	}

	query += " ORDER BY moved_at ASC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list retryable entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// PurgeEntries deletes entries scoped by queue and age, and reports how
// many were deleted.
func (s *Store) PurgeEntries(ctx context.Context, queueID id.QueueID, olderThan *time.Time) (int64, error) {
	query := `DELETE FROM conveyor_dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !queueID.IsNil() {
		query += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, queueID)
		argIdx++
	}
	if olderThan != nil {
		query += fmt.Sprintf(" AND moved_at < $%d", argIdx)
		args = append(args, *olderThan)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountEntries returns the total number of entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conveyor_dead_letters`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count dead letters: %w", err)
	}
	return count, nil
}

// CountEntriesByQueue returns per-queue entry counts with queue names
// resolved, largest first. Entries whose queue was deleted drop out of
// the join.
func (s *Store) CountEntriesByQueue(ctx context.Context) ([]dlq.QueueCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.queue_id, q.name, COUNT(*)
		FROM conveyor_dead_letters d
		JOIN conveyor_queues q ON q.id = d.queue_id
		GROUP BY d.queue_id, q.name
		ORDER BY COUNT(*) DESC, q.name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: count by queue: %w", err)
	}
	defer rows.Close()

	var result []dlq.QueueCount
	for rows.Next() {
		var c dlq.QueueCount
		if err = rows.Scan(&c.QueueID, &c.QueueName, &c.Count); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan queue count row: %w", err)
		}
		result = append(result, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate queue count rows: %w", err)
	}
	return result, nil
}

// CountEntriesByReason returns per-reason entry counts, largest first.
func (s *Store) CountEntriesByReason(ctx context.Context) ([]dlq.ReasonCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reason, COUNT(*)
		FROM conveyor_dead_letters
		GROUP BY reason
		ORDER BY COUNT(*) DESC, reason ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: count by reason: %w", err)
	}
	defer rows.Close()

	var result []dlq.ReasonCount
	for rows.Next() {
		var c dlq.ReasonCount
		if err = rows.Scan(&c.Reason, &c.Count); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan reason count row: %w", err)
		}
		result = append(result, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate reason count rows: %w", err)
	}
	return result, nil
}

// EntryTimeStats returns the oldest and newest move times and the mean
// entry age relative to now.
func (s *Store) EntryTimeStats(ctx context.Context, now time.Time) (*dlq.TimeStats, error) {
	var (
		ts         dlq.TimeStats
		count      int64
		avgSeconds float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       MIN(moved_at),
		       MAX(moved_at),
		       COALESCE(AVG(EXTRACT(EPOCH FROM ($1::timestamptz - moved_at))), 0)
		FROM conveyor_dead_letters`,
		now,
	).Scan(&count, &ts.Oldest, &ts.Newest, &avgSeconds)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: entry time stats: %w", err)
	}
	if count == 0 {
		return &dlq.TimeStats{}, nil
	}
	ts.AvgAgeHours = avgSeconds / 3600
	return &ts, nil
}

// CountRetryableEntries returns how many entries still allow retry.
func (s *Store) CountRetryableEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conveyor_dead_letters WHERE can_retry = TRUE`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count retryable: %w", err)
	}
	return count, nil
}

// scanEntry scans a single dead letter entry row.
func scanEntry(row pgx.Row) (*dlq.Entry, error) {
	var e dlq.Entry
	err := row.Scan(
		&e.ID, &e.OriginalMessageID, &e.QueueID, &e.Type, &e.Payload, &e.Headers,
		&e.OriginalCreatedAt, &e.MovedAt, &e.Reason, &e.FailureCount, &e.LastError,
		&e.RetryCount, &e.LastRetryAt, &e.RetriedMessageID, &e.CanRetry, &e.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// collectEntries collects all entries from query rows.
func collectEntries(rows pgx.Rows) ([]*dlq.Entry, error) {
	var entries []*dlq.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan dead letter row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate dead letter rows: %w", err)
	}
	return entries, nil
}
