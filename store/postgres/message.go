package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
)

const messageColumns = `
	id, queue_id, message_type, payload, headers, priority,
	status, attempt_count, max_attempts,
	scheduled_at, processing_started_at, completed_at, visibility_timeout_at,
	deduplication_id, group_id, correlation_id, trace_id,
	claimed_by, last_error, metadata, created_at, updated_at`

const insertMessageSQL = `
	INSERT INTO conveyor_messages (
		id, queue_id, message_type, payload, headers, priority,
		status, attempt_count, max_attempts,
		scheduled_at, processing_started_at, completed_at, visibility_timeout_at,
		deduplication_id, group_id, correlation_id, trace_id,
		claimed_by, last_error, metadata, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9,
		$10, $11, $12, $13,
		$14, $15, $16, $17,
		$18, $19, $20, $21, $22
	)`

func insertMessageArgs(m *message.Message) []any {
	return []any{
		m.ID, m.QueueID, m.Type, m.Payload, m.Headers, m.Priority,
		string(m.Status), m.AttemptCount, m.MaxAttempts,
		m.ScheduledAt, m.ProcessingStartedAt, m.CompletedAt, m.VisibilityTimeoutAt,
		m.DeduplicationID, m.GroupID, m.CorrelationID, m.TraceID,
		m.ClaimedBy, m.LastError, m.Metadata, m.CreatedAt, m.UpdatedAt,
	}
}

// CreateMessage persists a new message.
func (s *Store) CreateMessage(ctx context.Context, m *message.Message) error {
	_, err := s.pool.Exec(ctx, insertMessageSQL, insertMessageArgs(m)...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: create message: %w", err)
	}
	return nil
}

// CreateMessages persists a batch of messages in one transaction: either
// all are created or none are.
func (s *Store) CreateMessages(ctx context.Context, ms []*message.Message) error {
	if len(ms) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, m := range ms {
		b.Queue(insertMessageSQL, insertMessageArgs(m)...)
	}

	br := tx.SendBatch(ctx, b)
	for range ms {
		if _, execErr := br.Exec(); execErr != nil {
			br.Close()
			return fmt.Errorf("conveyor/postgres: batch create message: %w", execErr)
		}
	}
	if err = br.Close(); err != nil {
		return fmt.Errorf("conveyor/postgres: close batch: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("conveyor/postgres: commit batch: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.MessageID) (*message.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+messageColumns+` FROM conveyor_messages WHERE id = $1`,
		msgID,
	)

	m, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrMessageNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get message: %w", err)
	}
	return m, nil
}

// FindMessageByDedupKey returns the newest message in the queue with the
// given deduplication ID created after since.
func (s *Store) FindMessageByDedupKey(ctx context.Context, queueID id.QueueID, key string, since time.Time) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+messageColumns+`
		FROM conveyor_messages
		WHERE queue_id = $1 AND deduplication_id = $2 AND created_at > $3
		ORDER BY created_at DESC
		LIMIT 1`,
		queueID, key, since,
	)

	m, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrMessageNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: find by dedup key: %w", err)
	}
	return m, nil
}

// ClaimMessages atomically claims up to req.Limit pending, due messages
// across req.QueueIDs in priority-then-age order. SELECT FOR UPDATE SKIP
// LOCKED keeps concurrent claimants from blocking on or double-claiming
// the same rows; the join against conveyor_queues resolves each queue's
// lease override without locking the queue row.
func (s *Store) ClaimMessages(ctx context.Context, req message.ClaimRequest) ([]*message.Message, error) {
	if len(req.QueueIDs) == 0 || req.Limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT m.id,
			       $4::timestamptz + make_interval(secs =>
			           CASE WHEN q.visibility_timeout_secs > 0
			                THEN q.visibility_timeout_secs::double precision
			                ELSE $5::double precision
			           END) AS lease_until
			FROM conveyor_messages m
			JOIN conveyor_queues q ON q.id = m.queue_id
			WHERE m.status = 'pending'
			  AND m.queue_id = ANY($1)
			  AND (m.scheduled_at IS NULL OR m.scheduled_at <= $4)
			ORDER BY m.priority DESC, m.created_at ASC
			FOR UPDATE OF m SKIP LOCKED
			LIMIT $2
		), claimed AS (
			UPDATE conveyor_messages m
			SET status = 'processing',
			    claimed_by = $3,
			    processing_started_at = $4,
			    visibility_timeout_at = c.lease_until,
			    attempt_count = m.attempt_count + 1,
			    updated_at = $4
			FROM candidates c
			WHERE m.id = c.id
			RETURNING m.id, m.queue_id, m.message_type, m.payload, m.headers, m.priority,
			          m.status, m.attempt_count, m.max_attempts,
			          m.scheduled_at, m.processing_started_at, m.completed_at, m.visibility_timeout_at,
			          m.deduplication_id, m.group_id, m.correlation_id, m.trace_id,
			          m.claimed_by, m.last_error, m.metadata, m.created_at, m.updated_at
		)
		SELECT * FROM claimed ORDER BY priority DESC, created_at ASC`,
		idStrings(req.QueueIDs), req.Limit, req.WorkerID, req.Now,
		req.DefaultLease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// AcknowledgeMessage moves a processing message to completed if still
// claimed by workerID. The final claim fields are kept for inspection.
func (s *Store) AcknowledgeMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, now time.Time) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_messages
		SET status = 'completed', completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		RETURNING`+messageColumns,
		msgID, workerID, now,
	)

	m, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrMessageNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: acknowledge message: %w", err)
	}
	return m, nil
}

// RequeueMessage returns a processing message claimed by workerID to
// pending for a later retry.
func (s *Store) RequeueMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, scheduledAt time.Time, lastError string, now time.Time) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_messages
		SET status = 'pending',
		    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
		    scheduled_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		RETURNING`+messageColumns,
		msgID, workerID, scheduledAt, lastError, now,
	)

	m, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrMessageNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: requeue message: %w", err)
	}
	return m, nil
}

// FailMessage moves a processing message claimed by workerID to failed.
// The final claim fields are kept for inspection.
func (s *Store) FailMessage(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, lastError string, now time.Time) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_messages
		SET status = 'failed', completed_at = $4, last_error = $3, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		RETURNING`+messageColumns,
		msgID, workerID, lastError, now,
	)

	m, err := scanMessage(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrMessageNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: fail message: %w", err)
	}
	return m, nil
}

// MarkMessageDeadLetter moves a message to dead_letter.
func (s *Store) MarkMessageDeadLetter(ctx context.Context, msgID id.MessageID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET status = 'dead_letter', completed_at = $2, updated_at = $2
		WHERE id = $1`,
		msgID, now,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: mark dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrMessageNotFound
	}
	return nil
}

// ScheduleMessageRetry forces a message back to pending for a future
// retry, with no ownership guard.
func (s *Store) ScheduleMessageRetry(ctx context.Context, msgID id.MessageID, scheduledAt time.Time, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET status = 'pending',
		    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
		    scheduled_at = $2, updated_at = $3
		WHERE id = $1`,
		msgID, scheduledAt, now,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrMessageNotFound
	}
	return nil
}

// ExtendMessageVisibility pushes a processing message's lease forward
// from its current deadline.
func (s *Store) ExtendMessageVisibility(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET visibility_timeout_at = visibility_timeout_at + make_interval(secs => $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		  AND visibility_timeout_at IS NOT NULL`,
		msgID, workerID, extension.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: extend visibility: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish an ownership miss from a claimed message without a
	// lease. Nothing else can refuse the update above.
	var owned bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM conveyor_messages
			WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		)`,
		msgID, workerID,
	).Scan(&owned)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: check claim: %w", err)
	}
	if owned {
		return conveyor.ErrInvalidState
	}
	return conveyor.ErrMessageNotFound
}

// ReleaseTimedOutMessages returns expired processing messages to pending.
func (s *Store) ReleaseTimedOutMessages(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET status = 'pending',
		    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
		    updated_at = $1
		WHERE status = 'processing'
		  AND visibility_timeout_at IS NOT NULL
		  AND visibility_timeout_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: release timed out: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActivateScheduledMessages flips due scheduled messages to pending.
func (s *Store) ActivateScheduledMessages(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET status = 'pending', scheduled_at = NULL, updated_at = $1
		WHERE status = 'scheduled'
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: activate scheduled: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelMessage deletes a message that is still pending or scheduled.
func (s *Store) CancelMessage(ctx context.Context, msgID id.MessageID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_messages
		WHERE id = $1 AND status IN ('pending', 'scheduled')`,
		msgID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: cancel message: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_messages WHERE id = $1)`,
		msgID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: check message exists: %w", err)
	}
	if exists {
		return conveyor.ErrInvalidState
	}
	return conveyor.ErrMessageNotFound
}

// BulkRetryMessages returns every failed message in the queue to pending
// with a fresh delivery state.
func (s *Store) BulkRetryMessages(ctx context.Context, queueID id.QueueID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET status = 'pending', attempt_count = 0, last_error = '',
		    claimed_by = NULL, processing_started_at = NULL, visibility_timeout_at = NULL,
		    scheduled_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE queue_id = $1 AND status = 'failed'`,
		queueID,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: bulk retry: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BulkDeleteMessages deletes the queue's messages with the given status.
func (s *Store) BulkDeleteMessages(ctx context.Context, queueID id.QueueID, status message.Status) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_messages
		WHERE queue_id = $1 AND status = $2`,
		queueID, string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: bulk delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateMessagePriority changes the priority of a pending message.
func (s *Store) UpdateMessagePriority(ctx context.Context, msgID id.MessageID, priority int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_messages
		SET priority = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		msgID, priority,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update priority: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_messages WHERE id = $1)`,
		msgID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: check message exists: %w", err)
	}
	if exists {
		return conveyor.ErrInvalidState
	}
	return conveyor.ErrMessageNotFound
}

// CountMessages returns per-status message counts for the queue, or for
// all queues when queueID is nil.
func (s *Store) CountMessages(ctx context.Context, queueID id.QueueID) (map[message.Status]int64, error) {
	query := `SELECT status, COUNT(*) FROM conveyor_messages`
	args := []any{}
	if !queueID.IsNil() {
		query += ` WHERE queue_id = $1`
		args = append(args, queueID)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[message.Status]int64)
	for rows.Next() {
		var (
			statusStr string
			n         int64
		)
		if err = rows.Scan(&statusStr, &n); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan count row: %w", err)
		}
		counts[message.Status(statusStr)] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate count rows: %w", err)
	}
	return counts, nil
}

// DeleteMessagesOlderThan deletes messages in the given statuses not
// touched since cutoff.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, statuses []message.Status, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_messages
		WHERE status = ANY($1) AND updated_at < $2`,
		statusStrings(statuses), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: delete old messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListMessages returns messages matching the given options, newest first.
func (s *Store) ListMessages(ctx context.Context, opts message.ListOpts) ([]*message.Message, error) {
	query := `SELECT` + messageColumns + ` FROM conveyor_messages WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !opts.QueueID.IsNil() {
		query += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, opts.QueueID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("conveyor/postgres: list messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// scanMessage scans a single message row.
func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		m         message.Message
		statusStr string
	)
	err := row.Scan(
		&m.ID, &m.QueueID, &m.Type, &m.Payload, &m.Headers, &m.Priority,
		&statusStr, &m.AttemptCount, &m.MaxAttempts,
		&m.ScheduledAt, &m.ProcessingStartedAt, &m.CompletedAt, &m.VisibilityTimeoutAt,
		&m.DeduplicationID, &m.GroupID, &m.CorrelationID, &m.TraceID,
		&m.ClaimedBy, &m.LastError, &m.Metadata, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = message.Status(statusStr)
	return &m, nil
}

// collectMessages collects all messages from query rows.
func collectMessages(rows pgx.Rows) ([]*message.Message, error) {
	var msgs []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate message rows: %w", err)
	}
	return msgs, nil
}
