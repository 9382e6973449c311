package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/schedule"
)

// CreateScheduledJob persists a new job together with its declared
// dependency edges. Every dependency must already exist.
func (s *Store) CreateScheduledJob(ctx context.Context, j *schedule.Job) error {
	for _, dep := range j.Dependencies {
		exists, err := s.client.Exists(ctx, jobKey(dep.String())).Result()
		if err != nil {
			return fmt.Errorf("conveyor/redis: create job dependency exists: %w", err)
		}
		if exists == 0 {
			return conveyor.ErrJobNotFound
		}
	}

	jID := j.ID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create job: %w", err)
	}
	return nil
}

// GetScheduledJob retrieves a job by ID, dependencies included.
func (s *Store) GetScheduledJob(ctx context.Context, jobID id.JobID) (*schedule.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateScheduledJob persists changes to an existing job. The run
// counters, LastRunAt, and CurrentConcurrent stay as stored so a stale
// read cannot clobber bookkeeping from a run finishing concurrently.
func (s *Store) UpdateScheduledJob(ctx context.Context, j *schedule.Job) error {
	existing, err := s.getJobByKey(ctx, jobKey(j.ID.String()))
	if err != nil {
		return err
	}

	for _, dep := range j.Dependencies {
		exists, depErr := s.client.Exists(ctx, jobKey(dep.String())).Result()
		if depErr != nil {
			return fmt.Errorf("conveyor/redis: update job dependency exists: %w", depErr)
		}
		if exists == 0 {
			return conveyor.ErrJobNotFound
		}
	}

	fields := jobToMap(j)
	fields["current_concurrent"] = strconv.Itoa(existing.CurrentConcurrent)
	fields["total_runs"] = strconv.FormatInt(existing.TotalRuns, 10)
	fields["successful_runs"] = strconv.FormatInt(existing.SuccessfulRuns, 10)
	fields["failed_runs"] = strconv.FormatInt(existing.FailedRuns, 10)
	fields["last_run_at"] = fmtTimePtr(existing.LastRunAt)
	fields["updated_at"] = fmtTime(time.Now().UTC())

	if _, err = s.client.HSet(ctx, jobKey(j.ID.String()), fields).Result(); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// DeleteScheduledJob removes a job along with its execution history and
// every dependency edge pointing at it.
func (s *Store) DeleteScheduledJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	execIDs, err := s.client.SMembers(ctx, executionIndexKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete job executions: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	for _, eID := range execIDs {
		pipe.Del(ctx, executionKey(eID))
	}
	pipe.Del(ctx, executionIndexKey(jID))
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}

	// Strip reverse edges from dependents.
	others, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: delete job smembers: %w", err)
	}
	for _, otherID := range others {
		raw, getErr := s.client.HGet(ctx, jobKey(otherID), "dependencies").Result()
		if getErr != nil || raw == "" {
			continue
		}
		deps := unmarshalIDs(raw)
		kept := deps[:0]
		for _, dep := range deps {
			if dep != jobID {
				kept = append(kept, dep)
			}
		}
		if len(kept) == len(deps) {
			continue
		}
		if _, setErr := s.client.HSet(ctx, jobKey(otherID), "dependencies", marshalIDs(kept)).Result(); setErr != nil {
			return fmt.Errorf("conveyor/redis: delete job strip edge: %w", setErr)
		}
	}
	return nil
}

// ListScheduledJobs returns jobs matching the given options, oldest
// first.
func (s *Store) ListScheduledJobs(ctx context.Context, opts schedule.ListOpts) ([]*schedule.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*schedule.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if !opts.QueueID.IsNil() && j.QueueID != opts.QueueID {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// ListDueJobs returns active jobs whose next fire time has passed and
// whose concurrency slots are not exhausted, soonest first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*schedule.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: due jobs smembers: %w", err)
	}

	var due []*schedule.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.Status != schedule.StatusActive {
			continue
		}
		if j.NextRunAt == nil || j.NextRunAt.After(now) {
			continue
		}
		if j.CurrentConcurrent >= j.MaxConcurrent {
			continue
		}
		due = append(due, j)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})

	return due, nil
}

// AcquireJobSlot atomically takes a concurrency slot if one is free.
func (s *Store) AcquireJobSlot(ctx context.Context, jobID id.JobID) (bool, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return false, err
	}
	switch j.Status {
	case schedule.StatusActive, schedule.StatusRunning:
	default:
		return false, nil
	}
	if j.CurrentConcurrent >= j.MaxConcurrent {
		return false, nil
	}

	_, err = s.client.HSet(ctx, jobKey(jobID.String()),
		"current_concurrent", strconv.Itoa(j.CurrentConcurrent+1),
		"status", string(schedule.StatusRunning),
		"updated_at", fmtTime(time.Now().UTC()),
	).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: acquire slot: %w", err)
	}
	return true, nil
}

// ReleaseJobSlot gives a slot back without run bookkeeping. The count
// never goes below zero.
func (s *Store) ReleaseJobSlot(ctx context.Context, jobID id.JobID) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}

	cc := j.CurrentConcurrent
	if cc > 0 {
		cc--
	}
	status := j.Status
	if status == schedule.StatusRunning && cc == 0 {
		status = schedule.StatusActive
	}

	_, err = s.client.HSet(ctx, jobKey(jobID.String()),
		"current_concurrent", strconv.Itoa(cc),
		"status", string(status),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: release slot: %w", err)
	}
	return nil
}

// RecordJobRun applies the post-run bookkeeping as one update. A job
// paused mid-run stays paused.
func (s *Store) RecordJobRun(ctx context.Context, res schedule.RunResult) error {
	j, err := s.getJobByKey(ctx, jobKey(res.JobID.String()))
	if err != nil {
		return err
	}

	cc := j.CurrentConcurrent
	if cc > 0 {
		cc--
	}
	total := j.TotalRuns + 1
	succeeded := j.SuccessfulRuns
	failed := j.FailedRuns
	if res.Success {
		succeeded++
	} else {
		failed++
	}
	status := res.Status
	if j.Status == schedule.StatusPaused {
		status = schedule.StatusPaused
	}

	_, err = s.client.HSet(ctx, jobKey(res.JobID.String()),
		"current_concurrent", strconv.Itoa(cc),
		"total_runs", strconv.FormatInt(total, 10),
		"successful_runs", strconv.FormatInt(succeeded, 10),
		"failed_runs", strconv.FormatInt(failed, 10),
		"last_run_at", fmtTime(res.FinishedAt),
		"next_run_at", fmtTimePtr(res.NextRunAt),
		"status", string(status),
		"updated_at", fmtTime(res.FinishedAt),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: record run: %w", err)
	}
	return nil
}

// LatestJobSuccess returns the completion time of the job's most recent
// successful execution, or nil if it has never succeeded.
func (s *Store) LatestJobSuccess(ctx context.Context, jobID id.JobID) (*time.Time, error) {
	execIDs, err := s.client.SMembers(ctx, executionIndexKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: latest success smembers: %w", err)
	}

	var latest *time.Time
	for _, eID := range execIDs {
		e, getErr := s.getExecutionByKey(ctx, executionKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if e.Status != schedule.StatusCompleted || e.CompletedAt == nil {
			continue
		}
		if latest == nil || e.CompletedAt.After(*latest) {
			t := *e.CompletedAt
			latest = &t
		}
	}
	return latest, nil
}

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, e *schedule.Execution) error {
	eID := e.ID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, executionKey(eID), executionToMap(e))
	pipe.SAdd(ctx, executionIndexKey(e.JobID.String()), eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists the completion update of an execution.
func (s *Store) UpdateExecution(ctx context.Context, e *schedule.Execution) error {
	key := executionKey(e.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update execution exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrExecutionNotFound
	}

	if _, err = s.client.HSet(ctx, key, executionToMap(e)).Result(); err != nil {
		return fmt.Errorf("conveyor/redis: update execution: %w", err)
	}
	return nil
}

// ListExecutions returns the job's executions, newest first, plus the
// total count.
func (s *Store) ListExecutions(ctx context.Context, jobID id.JobID, limit, offset int) ([]*schedule.Execution, int64, error) {
	execIDs, err := s.client.SMembers(ctx, executionIndexKey(jobID.String())).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("conveyor/redis: list executions smembers: %w", err)
	}

	execs := make([]*schedule.Execution, 0, len(execIDs))
	for _, eID := range execIDs {
		e, getErr := s.getExecutionByKey(ctx, executionKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		execs = append(execs, e)
	}

	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})

	total := int64(len(execs))

	// Apply offset/limit.
	if offset > 0 && offset < len(execs) {
		execs = execs[offset:]
	} else if offset >= len(execs) && offset > 0 {
		return nil, total, nil
	}
	if limit > 0 && limit < len(execs) {
		execs = execs[:limit]
	}
	return execs, total, nil
}

// ── helpers ──

func jobToMap(j *schedule.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":                 j.ID.String(),
		"name":               j.Name,
		"description":        j.Description,
		"queue_id":           j.QueueID.String(),
		"message_type":       j.Type,
		"payload_template":   marshalJSON(j.PayloadTemplate),
		"schedule":           marshalJSON(j.Schedule),
		"timezone":           j.Timezone,
		"status":             string(j.Status),
		"timeout_secs":       strconv.Itoa(j.TimeoutSecs),
		"max_concurrent":     strconv.Itoa(j.MaxConcurrent),
		"current_concurrent": strconv.Itoa(j.CurrentConcurrent),
		"retry_on_failure":   strconv.FormatBool(j.RetryOnFailure),
		"max_retries":        strconv.Itoa(j.MaxRetries),
		"total_runs":         strconv.FormatInt(j.TotalRuns, 10),
		"successful_runs":    strconv.FormatInt(j.SuccessfulRuns, 10),
		"failed_runs":        strconv.FormatInt(j.FailedRuns, 10),
		"last_run_at":        fmtTimePtr(j.LastRunAt),
		"next_run_at":        fmtTimePtr(j.NextRunAt),
		"dependencies":       marshalIDs(j.Dependencies),
		"metadata":           marshalJSON(j.Metadata),
		"created_at":         fmtTime(j.CreatedAt),
		"updated_at":         fmtTime(j.UpdatedAt),
	}
}

func mapToJob(m map[string]string) (*schedule.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}
	qID, err := id.ParseQueueID(m["queue_id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job queue id: %w", err)
	}

	var spec schedule.Spec
	if raw := m["schedule"]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &spec) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	timeoutSecs, _ := strconv.Atoi(m["timeout_secs"])                  //nolint:errcheck // best-effort parse from trusted Redis data
	maxConc, _ := strconv.Atoi(m["max_concurrent"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	curConc, _ := strconv.Atoi(m["current_concurrent"])                //nolint:errcheck // best-effort parse from trusted Redis data
	retryOnFailure, _ := strconv.ParseBool(m["retry_on_failure"])      //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	totalRuns, _ := strconv.ParseInt(m["total_runs"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	succeededRuns, _ := strconv.ParseInt(m["successful_runs"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	failedRuns, _ := strconv.ParseInt(m["failed_runs"], 10, 64)        //nolint:errcheck // best-effort parse from trusted Redis data

	return &schedule.Job{
		Entity: conveyor.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:                jID,
		Name:              m["name"],
		Description:       m["description"],
		QueueID:           qID,
		Type:              m["message_type"],
		PayloadTemplate:   unmarshalAnyMap(m["payload_template"]),
		Schedule:          spec,
		Timezone:          m["timezone"],
		Status:            schedule.Status(m["status"]),
		TimeoutSecs:       timeoutSecs,
		MaxConcurrent:     maxConc,
		CurrentConcurrent: curConc,
		RetryOnFailure:    retryOnFailure,
		MaxRetries:        maxRetries,
		TotalRuns:         totalRuns,
		SuccessfulRuns:    succeededRuns,
		FailedRuns:        failedRuns,
		LastRunAt:         parseTimePtr(m["last_run_at"]),
		NextRunAt:         parseTimePtr(m["next_run_at"]),
		Dependencies:      unmarshalIDs(m["dependencies"]),
		Metadata:          unmarshalAnyMap(m["metadata"]),
	}, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*schedule.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func executionToMap(e *schedule.Execution) map[string]interface{} {
	durationMS := ""
	if e.DurationMS != nil {
		durationMS = strconv.FormatInt(*e.DurationMS, 10)
	}
	return map[string]interface{}{
		"id":           e.ID.String(),
		"job_id":       e.JobID.String(),
		"status":       string(e.Status),
		"started_at":   fmtTime(e.StartedAt),
		"completed_at": fmtTimePtr(e.CompletedAt),
		"duration_ms":  durationMS,
		"message_id":   e.MessageID.String(),
		"error":        e.Error,
		"retry_count":  strconv.Itoa(e.RetryCount),
		"metadata":     marshalJSON(e.Metadata),
	}
}

func mapToExecution(m map[string]string) (*schedule.Execution, error) {
	eID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse execution id: %w", err)
	}
	jID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse execution job id: %w", err)
	}

	var msgID id.MessageID
	if m["message_id"] != "" {
		msgID, _ = id.ParseMessageID(m["message_id"]) //nolint:errcheck // best-effort parse from trusted Redis data
	}

	var durationMS *int64
	if m["duration_ms"] != "" {
		if v, convErr := strconv.ParseInt(m["duration_ms"], 10, 64); convErr == nil {
			durationMS = &v
		}
	}

	retryCount, _ := strconv.Atoi(m["retry_count"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &schedule.Execution{
		ID:          eID,
		JobID:       jID,
		Status:      schedule.Status(m["status"]),
		StartedAt:   parseTime(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
		DurationMS:  durationMS,
		MessageID:   msgID,
		Error:       m["error"],
		RetryCount:  retryCount,
		Metadata:    unmarshalAnyMap(m["metadata"]),
	}, nil
}

func (s *Store) getExecutionByKey(ctx context.Context, key string) (*schedule.Execution, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get execution: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrExecutionNotFound
	}
	return mapToExecution(vals)
}
