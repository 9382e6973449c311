// Package memory provides a fully in-memory store implementation, safe
// for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
	"github.com/rustpress-net/conveyor/schedule"
)

// Ensure Store implements every subsystem interface at compile time.
var (
	_ queue.Store    = (*Store)(nil)
	_ message.Store  = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	queues   map[string]*queue.Queue
	messages map[string]*message.Message
	jobs     map[string]*schedule.Job
	execs    map[string]*schedule.Execution
	entries  map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		queues:   make(map[string]*queue.Queue),
		messages: make(map[string]*message.Message),
		jobs:     make(map[string]*schedule.Job),
		execs:    make(map[string]*schedule.Execution),
		entries:  make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// CreateQueue persists a new queue.
func (m *Store) CreateQueue(_ context.Context, q *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := q.ID.String()
	if _, exists := m.queues[key]; exists {
		return conveyor.ErrQueueExists
	}
	for _, existing := range m.queues {
		if existing.Name == q.Name {
			return conveyor.ErrQueueExists
		}
	}
	cp := *q
	m.queues[key] = &cp
	return nil
}

// GetQueue retrieves a queue by ID.
func (m *Store) GetQueue(_ context.Context, queueID id.QueueID) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[queueID.String()]
	if !ok {
		return nil, conveyor.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

// GetQueueByName retrieves a queue by its unique name.
func (m *Store) GetQueueByName(_ context.Context, name string) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queues {
		if q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, conveyor.ErrQueueNotFound
}

// UpdateQueue persists changes to an existing queue.
func (m *Store) UpdateQueue(_ context.Context, q *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := q.ID.String()
	if _, ok := m.queues[key]; !ok {
		return conveyor.ErrQueueNotFound
	}
	cp := *q
	cp.UpdatedAt = time.Now().UTC()
	m.queues[key] = &cp
	return nil
}

// DeleteQueue removes a queue and its messages.
func (m *Store) DeleteQueue(_ context.Context, queueID id.QueueID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := queueID.String()
	if _, ok := m.queues[key]; !ok {
		return conveyor.ErrQueueNotFound
	}
	delete(m.queues, key)
	for mk, msg := range m.messages {
		if msg.QueueID == queueID {
			delete(m.messages, mk)
		}
	}
	return nil
}

// ListQueues returns queues matching the given options.
func (m *Store) ListQueues(_ context.Context, opts queue.ListOpts) ([]*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		if opts.Status != "" && q.Status != opts.Status {
			continue
		}
		cp := *q
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Message Store
// ──────────────────────────────────────────────────

// CreateMessage persists a new message.
func (m *Store) CreateMessage(_ context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ID.String()] = &cp
	return nil
}

// CreateMessages persists a batch of messages as one atomic unit.
func (m *Store) CreateMessages(_ context.Context, msgs []*message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		cp := *msg
		m.messages[msg.ID.String()] = &cp
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (m *Store) GetMessage(_ context.Context, msgID id.MessageID) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return nil, conveyor.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

// FindMessageByDedupKey returns the newest message in the queue with the
// given deduplication ID created after since.
func (m *Store) FindMessageByDedupKey(_ context.Context, queueID id.QueueID, key string, since time.Time) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *message.Message
	for _, msg := range m.messages {
		if msg.QueueID != queueID || msg.DeduplicationID != key {
			continue
		}
		if !msg.CreatedAt.After(since) {
			continue
		}
		if found == nil || msg.CreatedAt.After(found.CreatedAt) {
			found = msg
		}
	}
	if found == nil {
		return nil, conveyor.ErrMessageNotFound
	}
	cp := *found
	return &cp, nil
}

// ClaimMessages atomically claims up to req.Limit pending, due messages
// across req.QueueIDs.
func (m *Store) ClaimMessages(_ context.Context, req message.ClaimRequest) ([]*message.Message, error) {
	if len(req.QueueIDs) == 0 || req.Limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(req.QueueIDs))
	for _, qid := range req.QueueIDs {
		queueSet[qid.String()] = struct{}{}
	}

	// Collect candidates.
	candidates := make([]*message.Message, 0, req.Limit)
	for _, msg := range m.messages {
		if msg.Status != message.StatusPending {
			continue
		}
		if msg.ScheduledAt != nil && msg.ScheduledAt.After(req.Now) {
			continue
		}
		if _, ok := queueSet[msg.QueueID.String()]; !ok {
			continue
		}
		candidates = append(candidates, msg)
	}

	// Sort: priority DESC, CreatedAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	result := make([]*message.Message, len(candidates))
	for i, msg := range candidates {
		msg.Status = message.StatusProcessing
		msg.ClaimedBy = req.WorkerID
		started := req.Now
		msg.ProcessingStartedAt = &started
		until := req.Now.Add(m.leaseFor(msg.QueueID, req.DefaultLease))
		msg.VisibilityTimeoutAt = &until
		msg.AttemptCount++
		msg.UpdatedAt = req.Now
		// Return a copy so callers can mutate without racing the store.
		cp := *msg
		result[i] = &cp
	}

	return result, nil
}

// leaseFor resolves the visibility timeout for a queue, preferring the
// queue's own override. Callers must hold mu.
func (m *Store) leaseFor(queueID id.QueueID, def time.Duration) time.Duration {
	if q, ok := m.queues[queueID.String()]; ok && q.VisibilityTimeoutSecs > 0 {
		return time.Duration(q.VisibilityTimeoutSecs) * time.Second
	}
	return def
}

// AcknowledgeMessage moves a processing message to completed if still
// claimed by workerID.
func (m *Store) AcknowledgeMessage(_ context.Context, msgID id.MessageID, workerID id.WorkerID, now time.Time) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.claimedBy(msgID, workerID)
	if err != nil {
		return nil, err
	}

	msg.Status = message.StatusCompleted
	done := now
	msg.CompletedAt = &done
	msg.UpdatedAt = now
	cp := *msg
	return &cp, nil
}

// RequeueMessage returns a processing message claimed by workerID to
// pending for a later retry.
func (m *Store) RequeueMessage(_ context.Context, msgID id.MessageID, workerID id.WorkerID, scheduledAt time.Time, lastError string, now time.Time) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.claimedBy(msgID, workerID)
	if err != nil {
		return nil, err
	}

	msg.Status = message.StatusPending
	msg.ClaimedBy = id.Nil
	msg.ProcessingStartedAt = nil
	msg.VisibilityTimeoutAt = nil
	due := scheduledAt
	msg.ScheduledAt = &due
	msg.LastError = lastError
	msg.UpdatedAt = now
	cp := *msg
	return &cp, nil
}

// FailMessage moves a processing message claimed by workerID to failed.
// The final claim fields are kept for inspection.
func (m *Store) FailMessage(_ context.Context, msgID id.MessageID, workerID id.WorkerID, lastError string, now time.Time) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.claimedBy(msgID, workerID)
	if err != nil {
		return nil, err
	}

	msg.Status = message.StatusFailed
	done := now
	msg.CompletedAt = &done
	msg.LastError = lastError
	msg.UpdatedAt = now
	cp := *msg
	return &cp, nil
}

// claimedBy returns the live message if workerID still holds its claim.
// Ownership misses are indistinguishable from missing messages. Callers
// must hold mu.
func (m *Store) claimedBy(msgID id.MessageID, workerID id.WorkerID) (*message.Message, error) {
	msg, ok := m.messages[msgID.String()]
	if !ok {
		return nil, conveyor.ErrMessageNotFound
	}
	if msg.Status != message.StatusProcessing || msg.ClaimedBy != workerID {
		return nil, conveyor.ErrMessageNotFound
	}
	return msg, nil
}

// MarkMessageDeadLetter moves a message to dead_letter.
func (m *Store) MarkMessageDeadLetter(_ context.Context, msgID id.MessageID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return conveyor.ErrMessageNotFound
	}
	msg.Status = message.StatusDeadLetter
	done := now
	msg.CompletedAt = &done
	msg.UpdatedAt = now
	return nil
}

// ScheduleMessageRetry forces a message back to pending for a future
// retry, with no ownership guard.
func (m *Store) ScheduleMessageRetry(_ context.Context, msgID id.MessageID, scheduledAt time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return conveyor.ErrMessageNotFound
	}
	msg.Status = message.StatusPending
	msg.ClaimedBy = id.Nil
	msg.ProcessingStartedAt = nil
	msg.VisibilityTimeoutAt = nil
	due := scheduledAt
	msg.ScheduledAt = &due
	msg.UpdatedAt = now
	return nil
}

// ExtendMessageVisibility pushes a processing message's lease forward
// from its current deadline.
func (m *Store) ExtendMessageVisibility(_ context.Context, msgID id.MessageID, workerID id.WorkerID, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.claimedBy(msgID, workerID)
	if err != nil {
		return err
	}
	if msg.VisibilityTimeoutAt == nil {
		return conveyor.ErrInvalidState
	}
	until := msg.VisibilityTimeoutAt.Add(extension)
	msg.VisibilityTimeoutAt = &until
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// ReleaseTimedOutMessages returns expired processing messages to pending.
func (m *Store) ReleaseTimedOutMessages(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, msg := range m.messages {
		if msg.Status != message.StatusProcessing {
			continue
		}
		if msg.VisibilityTimeoutAt == nil || !msg.VisibilityTimeoutAt.Before(now) {
			continue
		}
		msg.Status = message.StatusPending
		msg.ClaimedBy = id.Nil
		msg.ProcessingStartedAt = nil
		msg.VisibilityTimeoutAt = nil
		msg.UpdatedAt = now
		count++
	}
	return count, nil
}

// ActivateScheduledMessages flips due scheduled messages to pending.
func (m *Store) ActivateScheduledMessages(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, msg := range m.messages {
		if msg.Status != message.StatusScheduled {
			continue
		}
		if msg.ScheduledAt == nil || msg.ScheduledAt.After(now) {
			continue
		}
		msg.Status = message.StatusPending
		msg.ScheduledAt = nil
		msg.UpdatedAt = now
		count++
	}
	return count, nil
}

// CancelMessage deletes a message that is still pending or scheduled.
func (m *Store) CancelMessage(_ context.Context, msgID id.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msgID.String()
	msg, ok := m.messages[key]
	if !ok {
		return conveyor.ErrMessageNotFound
	}
	if msg.Status != message.StatusPending && msg.Status != message.StatusScheduled {
		return conveyor.ErrInvalidState
	}
	delete(m.messages, key)
	return nil
}

// BulkRetryMessages returns every failed message in the queue to pending
// with a fresh delivery state.
func (m *Store) BulkRetryMessages(_ context.Context, queueID id.QueueID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var count int64
	for _, msg := range m.messages {
		if msg.QueueID != queueID || msg.Status != message.StatusFailed {
			continue
		}
		msg.Status = message.StatusPending
		msg.AttemptCount = 0
		msg.ScheduledAt = nil
		msg.LastError = ""
		msg.ClaimedBy = id.Nil
		msg.ProcessingStartedAt = nil
		msg.VisibilityTimeoutAt = nil
		msg.CompletedAt = nil
		msg.UpdatedAt = now
		count++
	}
	return count, nil
}

// BulkDeleteMessages deletes the queue's messages with the given status.
func (m *Store) BulkDeleteMessages(_ context.Context, queueID id.QueueID, status message.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, msg := range m.messages {
		if msg.QueueID == queueID && msg.Status == status {
			delete(m.messages, key)
			count++
		}
	}
	return count, nil
}

// UpdateMessagePriority changes the priority of a pending message.
func (m *Store) UpdateMessagePriority(_ context.Context, msgID id.MessageID, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[msgID.String()]
	if !ok {
		return conveyor.ErrMessageNotFound
	}
	if msg.Status != message.StatusPending {
		return conveyor.ErrInvalidState
	}
	msg.Priority = priority
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

// CountMessages returns per-status message counts for the queue, or for
// all queues when queueID is nil.
func (m *Store) CountMessages(_ context.Context, queueID id.QueueID) (map[message.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[message.Status]int64)
	for _, msg := range m.messages {
		if !queueID.IsNil() && msg.QueueID != queueID {
			continue
		}
		counts[msg.Status]++
	}
	return counts, nil
}

// DeleteMessagesOlderThan deletes messages in the given statuses not
// touched since cutoff.
func (m *Store) DeleteMessagesOlderThan(_ context.Context, statuses []message.Status, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statusSet := make(map[message.Status]struct{}, len(statuses))
	for _, s := range statuses {
		statusSet[s] = struct{}{}
	}

	var count int64
	for key, msg := range m.messages {
		if _, ok := statusSet[msg.Status]; !ok {
			continue
		}
		if !msg.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.messages, key)
		count++
	}
	return count, nil
}

// ListMessages returns messages matching the given options, newest first.
func (m *Store) ListMessages(_ context.Context, opts message.ListOpts) ([]*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*message.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if !opts.QueueID.IsNil() && msg.QueueID != opts.QueueID {
			continue
		}
		if opts.Status != "" && msg.Status != opts.Status {
			continue
		}
		cp := *msg
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Schedule Store
// ──────────────────────────────────────────────────

// copyJob clones a job including its dependency slice, which the store
// mutates in place when edges are removed.
func copyJob(j *schedule.Job) *schedule.Job {
	cp := *j
	if j.Dependencies != nil {
		cp.Dependencies = append([]id.JobID(nil), j.Dependencies...)
	}
	return &cp
}

// CreateScheduledJob persists a new job with its dependency edges.
func (m *Store) CreateScheduledJob(_ context.Context, j *schedule.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[j.ID.String()] = copyJob(j)
	return nil
}

// GetScheduledJob retrieves a job by ID.
func (m *Store) GetScheduledJob(_ context.Context, jobID id.JobID) (*schedule.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return copyJob(j), nil
}

// UpdateScheduledJob persists changes to an existing job, leaving the
// counter and slot fields to the slot operations.
func (m *Store) UpdateScheduledJob(_ context.Context, j *schedule.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	old, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	cp := copyJob(j)
	cp.CurrentConcurrent = old.CurrentConcurrent
	cp.TotalRuns = old.TotalRuns
	cp.SuccessfulRuns = old.SuccessfulRuns
	cp.FailedRuns = old.FailedRuns
	cp.LastRunAt = old.LastRunAt
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteScheduledJob removes a job, its execution history, and every
// dependency edge pointing at it.
func (m *Store) DeleteScheduledJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)

	for ek, e := range m.execs {
		if e.JobID == jobID {
			delete(m.execs, ek)
		}
	}

	// Remove reverse edges from dependents.
	for _, other := range m.jobs {
		if len(other.Dependencies) == 0 {
			continue
		}
		kept := other.Dependencies[:0]
		for _, dep := range other.Dependencies {
			if dep != jobID {
				kept = append(kept, dep)
			}
		}
		other.Dependencies = kept
	}
	return nil
}

// ListScheduledJobs returns jobs matching the given options.
func (m *Store) ListScheduledJobs(_ context.Context, opts schedule.ListOpts) ([]*schedule.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if !opts.QueueID.IsNil() && j.QueueID != opts.QueueID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ListDueJobs returns active jobs due to fire with free slots.
func (m *Store) ListDueJobs(_ context.Context, now time.Time) ([]*schedule.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*schedule.Job
	for _, j := range m.jobs {
		if j.Status != schedule.StatusActive {
			continue
		}
		if j.NextRunAt == nil || j.NextRunAt.After(now) {
			continue
		}
		if j.CurrentConcurrent >= j.MaxConcurrent {
			continue
		}
		cp := *j
		due = append(due, &cp)
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].NextRunAt.Before(*due[k].NextRunAt)
	})

	return due, nil
}

// AcquireJobSlot atomically takes a concurrency slot if one is free.
func (m *Store) AcquireJobSlot(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, conveyor.ErrJobNotFound
	}
	switch j.Status {
	case schedule.StatusActive, schedule.StatusRunning:
	default:
		return false, nil
	}
	if j.CurrentConcurrent >= j.MaxConcurrent {
		return false, nil
	}
	j.CurrentConcurrent++
	j.Status = schedule.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ReleaseJobSlot gives a slot back without run bookkeeping.
func (m *Store) ReleaseJobSlot(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.CurrentConcurrent > 0 {
		j.CurrentConcurrent--
	}
	if j.Status == schedule.StatusRunning && j.CurrentConcurrent == 0 {
		j.Status = schedule.StatusActive
	}
	return nil
}

// RecordJobRun applies the post-run bookkeeping atomically.
func (m *Store) RecordJobRun(_ context.Context, res schedule.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[res.JobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.CurrentConcurrent > 0 {
		j.CurrentConcurrent--
	}
	j.TotalRuns++
	if res.Success {
		j.SuccessfulRuns++
	} else {
		j.FailedRuns++
	}
	finished := res.FinishedAt
	j.LastRunAt = &finished
	j.NextRunAt = res.NextRunAt
	// A job paused mid-run stays paused.
	if j.Status != schedule.StatusPaused {
		j.Status = res.Status
	}
	j.UpdatedAt = res.FinishedAt
	return nil
}

// LatestJobSuccess returns the completion time of the job's most recent
// successful execution.
func (m *Store) LatestJobSuccess(_ context.Context, jobID id.JobID) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *time.Time
	for _, e := range m.execs {
		if e.JobID != jobID || e.Status != schedule.StatusCompleted || e.CompletedAt == nil {
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
func (m *Store) CreateExecution(_ context.Context, e *schedule.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.execs[e.ID.String()] = &cp
	return nil
}

// UpdateExecution persists the completion update of an execution.
func (m *Store) UpdateExecution(_ context.Context, e *schedule.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	if _, ok := m.execs[key]; !ok {
		return conveyor.ErrExecutionNotFound
	}
	cp := *e
	m.execs[key] = &cp
	return nil
}

// ListExecutions returns the job's executions, newest first, plus the
// total count.
func (m *Store) ListExecutions(_ context.Context, jobID id.JobID, limit, offset int) ([]*schedule.Execution, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*schedule.Execution, 0)
	for _, e := range m.execs {
		if e.JobID != jobID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.After(result[k].StartedAt)
	})

	total := int64(len(result))
	return paginate(result, offset, limit), total, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// CreateEntry persists a new dead letter entry.
func (m *Store) CreateEntry(_ context.Context, e *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.ID.String()] = &cp
	return nil
}

// GetEntry retrieves a dead letter entry by ID.
func (m *Store) GetEntry(_ context.Context, entryID id.EntryID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return nil, conveyor.ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkEntryRetried stamps an entry with its replacement message.
func (m *Store) MarkEntryRetried(_ context.Context, entryID id.EntryID, msgID id.MessageID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return conveyor.ErrEntryNotFound
	}
	e.RetryCount++
	retried := at
	e.LastRetryAt = &retried
	e.RetriedMessageID = msgID
	return nil
}

// MarkEntryNonRetryable clears the entry's CanRetry flag.
func (m *Store) MarkEntryNonRetryable(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryID.String()]
	if !ok {
		return conveyor.ErrEntryNotFound
	}
	e.CanRetry = false
	return nil
}

// DeleteEntry removes a dead letter entry by ID.
func (m *Store) DeleteEntry(_ context.Context, entryID id.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.entries[key]; !ok {
		return conveyor.ErrEntryNotFound
	}
	delete(m.entries, key)
	return nil
}

// ListEntries returns entries matching the given options, newest moves
// first, plus the total match count.
func (m *Store) ListEntries(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !entryMatches(e, opts.QueueID, opts.ReasonContains) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].MovedAt.After(result[k].MovedAt)
	})

	total := int64(len(result))
	return paginate(result, opts.Offset, opts.Limit), total, nil
}

// ListRetryableEntries returns retryable entries, oldest moves first.
func (m *Store) ListRetryableEntries(_ context.Context, queueID id.QueueID, reasonContains string, limit int) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*dlq.Entry
	for _, e := range m.entries {
		if !e.CanRetry || !entryMatches(e, queueID, reasonContains) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].MovedAt.Before(result[k].MovedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

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

// PurgeEntries deletes entries scoped by queue and age.
func (m *Store) PurgeEntries(_ context.Context, queueID id.QueueID, olderThan *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.entries {
		if !queueID.IsNil() && e.QueueID != queueID {
			continue
		}
		if olderThan != nil && !e.MovedAt.Before(*olderThan) {
			continue
		}
		delete(m.entries, key)
		count++
	}
	return count, nil
}

// CountEntries returns the total number of entries.
func (m *Store) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.entries)), nil
}

// CountEntriesByQueue returns per-queue entry counts with queue names
// resolved. Entries whose queue no longer exists are skipped, matching
// the join semantics of the SQL backends.
func (m *Store) CountEntriesByQueue(_ context.Context) ([]dlq.QueueCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]*dlq.QueueCount)
	for _, e := range m.entries {
		q, ok := m.queues[e.QueueID.String()]
		if !ok {
			continue
		}
		key := e.QueueID.String()
		if c, ok := counts[key]; ok {
			c.Count++
		} else {
			counts[key] = &dlq.QueueCount{QueueID: e.QueueID, QueueName: q.Name, Count: 1}
		}
	}

	result := make([]dlq.QueueCount, 0, len(counts))
	for _, c := range counts {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].Count != result[k].Count {
			return result[i].Count > result[k].Count
		}
		return result[i].QueueName < result[k].QueueName
	})
	return result, nil
}

// CountEntriesByReason returns per-reason entry counts.
func (m *Store) CountEntriesByReason(_ context.Context) ([]dlq.ReasonCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range m.entries {
		counts[e.Reason]++
	}

	result := make([]dlq.ReasonCount, 0, len(counts))
	for reason, n := range counts {
		result = append(result, dlq.ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].Count != result[k].Count {
			return result[i].Count > result[k].Count
		}
		return result[i].Reason < result[k].Reason
	})
	return result, nil
}

// EntryTimeStats returns the age bounds and mean age of all entries.
func (m *Store) EntryTimeStats(_ context.Context, now time.Time) (*dlq.TimeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ts dlq.TimeStats
	if len(m.entries) == 0 {
		return &ts, nil
	}

	var totalAge time.Duration
	for _, e := range m.entries {
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
	}
	ts.AvgAgeHours = totalAge.Hours() / float64(len(m.entries))
	return &ts, nil
}

// CountRetryableEntries returns how many entries still allow retry.
func (m *Store) CountRetryableEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, e := range m.entries {
		if e.CanRetry {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// paginate applies offset and limit to a sorted slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
