package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/schedule"
)

const jobColumns = `
	id, name, description, queue_id, message_type, payload_template,
	schedule_kind, cron_expression, interval_ns, fire_at, timezone,
	status, timeout_secs, max_concurrent, current_concurrent,
	retry_on_failure, max_retries,
	total_runs, successful_runs, failed_runs,
	last_run_at, next_run_at, metadata, created_at, updated_at`

// CreateScheduledJob persists a new job together with its dependency
// edges, as one unit.
func (s *Store) CreateScheduledJob(ctx context.Context, j *schedule.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conveyor_scheduled_jobs (
			id, name, description, queue_id, message_type, payload_template,
			schedule_kind, cron_expression, interval_ns, fire_at, timezone,
			status, timeout_secs, max_concurrent, current_concurrent,
			retry_on_failure, max_retries,
			total_runs, successful_runs, failed_runs,
			last_run_at, next_run_at, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20,
			$21, $22, $23, $24, $25
		)`,
		j.ID, j.Name, j.Description, j.QueueID, j.Type, j.PayloadTemplate,
		string(j.Schedule.Kind), j.Schedule.Expression, int64(j.Schedule.Every),
		j.Schedule.At, j.Timezone,
		string(j.Status), j.TimeoutSecs, j.MaxConcurrent, j.CurrentConcurrent,
		j.RetryOnFailure, j.MaxRetries,
		j.TotalRuns, j.SuccessfulRuns, j.FailedRuns,
		j.LastRunAt, j.NextRunAt, j.Metadata, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: create job: %w", err)
	}

	if err = insertDependencies(ctx, tx, j.ID, j.Dependencies); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("conveyor/postgres: commit create job: %w", err)
	}
	return nil
}

// GetScheduledJob retrieves a job by ID, dependencies included.
func (s *Store) GetScheduledJob(ctx context.Context, jobID id.JobID) (*schedule.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM conveyor_scheduled_jobs WHERE id = $1`,
		jobID,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}

	if err = s.attachDependencies(ctx, []*schedule.Job{j}); err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateScheduledJob persists changes to an existing job and replaces its
// dependency edges. The run counters, LastRunAt, and CurrentConcurrent
// are owned by the slot operations and are not written here.
func (s *Store) UpdateScheduledJob(ctx context.Context, j *schedule.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: begin update job: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conveyor_scheduled_jobs
		SET name = $2, description = $3, queue_id = $4, message_type = $5,
		    payload_template = $6,
		    schedule_kind = $7, cron_expression = $8, interval_ns = $9,
		    fire_at = $10, timezone = $11,
		    status = $12, timeout_secs = $13, max_concurrent = $14,
		    retry_on_failure = $15, max_retries = $16,
		    next_run_at = $17, metadata = $18, updated_at = NOW()
		WHERE id = $1`,
		j.ID, j.Name, j.Description, j.QueueID, j.Type,
		j.PayloadTemplate,
		string(j.Schedule.Kind), j.Schedule.Expression, int64(j.Schedule.Every),
		j.Schedule.At, j.Timezone,
		string(j.Status), j.TimeoutSecs, j.MaxConcurrent,
		j.RetryOnFailure, j.MaxRetries,
		j.NextRunAt, j.Metadata,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM conveyor_job_dependencies WHERE job_id = $1`,
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: clear job dependencies: %w", err)
	}
	if err = insertDependencies(ctx, tx, j.ID, j.Dependencies); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("conveyor/postgres: commit update job: %w", err)
	}
	return nil
}

// DeleteScheduledJob removes a job. The dependency edges (in both
// directions) and the execution history go with it via ON DELETE CASCADE.
func (s *Store) DeleteScheduledJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_scheduled_jobs WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ListScheduledJobs returns jobs matching the given options, oldest
// first.
func (s *Store) ListScheduledJobs(ctx context.Context, opts schedule.ListOpts) ([]*schedule.Job, error) {
	query := `SELECT` + jobColumns + ` FROM conveyor_scheduled_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if !opts.QueueID.IsNil() {
		query += fmt.Sprintf(" AND queue_id = $%d", argIdx)
		args = append(args, opts.QueueID)
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
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if err = s.attachDependencies(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListDueJobs returns active jobs whose next fire time has passed and
// whose concurrency slots are not exhausted, soonest first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*schedule.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_scheduled_jobs
		WHERE status = 'active'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		  AND current_concurrent < max_concurrent
		ORDER BY next_run_at ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list due jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if err = s.attachDependencies(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// AcquireJobSlot atomically takes a concurrency slot if one is free and
// the job accepts new runs.
func (s *Store) AcquireJobSlot(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_scheduled_jobs
		SET current_concurrent = current_concurrent + 1,
		    status = 'running',
		    updated_at = NOW()
		WHERE id = $1
		  AND status IN ('active', 'running')
		  AND current_concurrent < max_concurrent`,
		jobID,
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: acquire job slot: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_scheduled_jobs WHERE id = $1)`,
		jobID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: check job exists: %w", err)
	}
	if !exists {
		return false, conveyor.ErrJobNotFound
	}
	return false, nil
}

// ReleaseJobSlot gives a slot back without the post-run bookkeeping. The
// SET expressions see the pre-update row, so an old count of one means
// the job is idle after this release.
func (s *Store) ReleaseJobSlot(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_scheduled_jobs
		SET current_concurrent = GREATEST(current_concurrent - 1, 0),
		    status = CASE
		        WHEN status = 'running' AND current_concurrent <= 1 THEN 'active'
		        ELSE status
		    END
		WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: release job slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// RecordJobRun applies the post-run bookkeeping as one atomic update. A
// job paused mid-run keeps its paused status.
func (s *Store) RecordJobRun(ctx context.Context, res schedule.RunResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_scheduled_jobs
		SET current_concurrent = GREATEST(current_concurrent - 1, 0),
		    total_runs = total_runs + 1,
		    successful_runs = successful_runs + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_runs = failed_runs + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_run_at = $3,
		    next_run_at = $4,
		    status = CASE WHEN status = 'paused' THEN status ELSE $5 END,
		    updated_at = $3
		WHERE id = $1`,
		res.JobID, res.Success, res.FinishedAt, res.NextRunAt, string(res.Status),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: record job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// LatestJobSuccess returns the completion time of the job's most recent
// successful execution, or nil if it has never succeeded.
func (s *Store) LatestJobSuccess(ctx context.Context, jobID id.JobID) (*time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(completed_at)
		FROM conveyor_job_executions
		WHERE job_id = $1 AND status = 'completed' AND completed_at IS NOT NULL`,
		jobID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: latest job success: %w", err)
	}
	return latest, nil
}

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, e *schedule.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_job_executions (
			id, job_id, status, started_at, completed_at, duration_ms,
			message_id, error, retry_count, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, string(e.Status), e.StartedAt, e.CompletedAt, e.DurationMS,
		e.MessageID, e.Error, e.RetryCount, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists the completion update of an execution.
func (s *Store) UpdateExecution(ctx context.Context, e *schedule.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_job_executions
		SET status = $2, completed_at = $3, duration_ms = $4,
		    message_id = $5, error = $6, retry_count = $7, metadata = $8
		WHERE id = $1`,
		e.ID, string(e.Status), e.CompletedAt, e.DurationMS,
		e.MessageID, e.Error, e.RetryCount, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrExecutionNotFound
	}
	return nil
}

// ListExecutions returns the job's executions, newest first, plus the
// total count for pagination.
func (s *Store) ListExecutions(ctx context.Context, jobID id.JobID, limit, offset int) ([]*schedule.Execution, int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conveyor_job_executions WHERE job_id = $1`,
		jobID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: count executions: %w", err)
	}

	query := `
		SELECT id, job_id, status, started_at, completed_at, duration_ms,
		       message_id, error, retry_count, metadata
		FROM conveyor_job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC`
	args := []any{jobID}
	argIdx := 2

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: list executions: %w", err)
	}
	defer rows.Close()

	var execs []*schedule.Execution
	for rows.Next() {
		var (
			e         schedule.Execution
			statusStr string
		)
		err = rows.Scan(
			&e.ID, &e.JobID, &statusStr, &e.StartedAt, &e.CompletedAt,
			&e.DurationMS, &e.MessageID, &e.Error, &e.RetryCount, &e.Metadata,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("conveyor/postgres: scan execution row: %w", err)
		}
		e.Status = schedule.Status(statusStr)
		execs = append(execs, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("conveyor/postgres: iterate execution rows: %w", err)
	}
	return execs, total, nil
}

// insertDependencies writes the job's dependency edges inside tx. An
// edge naming an unknown job trips the foreign key and is reported as
// ErrJobNotFound.
func insertDependencies(ctx context.Context, tx pgx.Tx, jobID id.JobID, deps []id.JobID) error {
	for _, dep := range deps {
		_, err := tx.Exec(ctx, `
			INSERT INTO conveyor_job_dependencies (job_id, depends_on)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			jobID, dep,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return conveyor.ErrJobNotFound
			}
			return fmt.Errorf("conveyor/postgres: insert job dependency: %w", err)
		}
	}
	return nil
}

// attachDependencies hydrates the Dependencies slice of every job in one
// query.
func (s *Store) attachDependencies(ctx context.Context, jobs []*schedule.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	ids := make([]id.JobID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, depends_on
		FROM conveyor_job_dependencies
		WHERE job_id = ANY($1)
		ORDER BY job_id, depends_on`,
		idStrings(ids),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: load job dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]id.JobID)
	for rows.Next() {
		var jobID, dependsOn id.JobID
		if err = rows.Scan(&jobID, &dependsOn); err != nil {
			return fmt.Errorf("conveyor/postgres: scan dependency row: %w", err)
		}
		deps[jobID.String()] = append(deps[jobID.String()], dependsOn)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("conveyor/postgres: iterate dependency rows: %w", err)
	}

	for _, j := range jobs {
		j.Dependencies = deps[j.ID.String()]
	}
	return nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*schedule.Job, error) {
	var (
		j          schedule.Job
		kindStr    string
		statusStr  string
		intervalNS int64
		fireAt     *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.QueueID, &j.Type, &j.PayloadTemplate,
		&kindStr, &j.Schedule.Expression, &intervalNS, &fireAt, &j.Timezone,
		&statusStr, &j.TimeoutSecs, &j.MaxConcurrent, &j.CurrentConcurrent,
		&j.RetryOnFailure, &j.MaxRetries,
		&j.TotalRuns, &j.SuccessfulRuns, &j.FailedRuns,
		&j.LastRunAt, &j.NextRunAt, &j.Metadata, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Schedule.Kind = schedule.Kind(kindStr)
	j.Schedule.Every = time.Duration(intervalNS)
	j.Schedule.At = fireAt
	j.Status = schedule.Status(statusStr)
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*schedule.Job, error) {
	var jobs []*schedule.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
