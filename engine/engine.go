package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/backoff"
	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/event"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
)

// sweepTimeout bounds a single background sweep invocation.
const sweepTimeout = time.Minute

// Store is the slice of the persistence contract the engine drives.
// The aggregate store.Store satisfies it; tests may pass something
// smaller.
type Store interface {
	queue.Store
	message.Store
	dlq.Store
}

// Engine is the message-processing core. All methods are safe for
// concurrent use; the store's atomic claim and conditional updates are
// the only cross-worker synchronization.
type Engine struct {
	store Store
	cfg   conveyor.Config
	bus   *event.Bus
	gate  *queue.Gate
	dead  *dlq.Service
	log   *slog.Logger
	now   conveyor.Clock

	// breaker wraps the background sweeps so a down store is probed
	// instead of hammered every tick.
	breaker *gobreaker.CircuitBreaker

	// rates remembers the limit last applied to the gate per queue, so
	// claims only reconfigure (and reset) a bucket when the queue's
	// configured rate actually changed.
	ratesMu sync.Mutex
	rates   map[string]float64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startedAt    time.Time
	processed    atomic.Int64
	failed       atomic.Int64
	processingMS atomic.Int64
}

// New creates an engine on top of the given store. Options adjust the
// conveyor.DefaultConfig baseline.
func New(st Store, opts ...conveyor.Option) *Engine {
	cfg := conveyor.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = backoff.Default()
	}

	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	e := &Engine{
		store:     st,
		cfg:       cfg,
		bus:       bus,
		gate:      queue.NewGate(),
		log:       cfg.Logger,
		now:       cfg.Now,
		rates:     make(map[string]float64),
		startedAt: cfg.Now().UTC(),
	}
	e.dead = dlq.NewService(st, st, st, bus, cfg.Logger, cfg.Now)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine-sweeps",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return e
}

// Events returns the bus engine events are published on.
func (e *Engine) Events() *event.Bus { return e.bus }

// DeadLetters returns the dead letter service for replay and inspection.
func (e *Engine) DeadLetters() *dlq.Service { return e.dead }

// Start launches the background sweeps: timed-out release, scheduled
// activation, and retention cleanup. Calling Start on a running engine
// is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(3)
	go e.sweepLoop(e.stopCh, "release_timed_out", e.cfg.SweepInterval, e.ReleaseTimedOut)
	go e.sweepLoop(e.stopCh, "activate_scheduled", e.cfg.SweepInterval, e.ActivateScheduled)
	go e.sweepLoop(e.stopCh, "cleanup", e.cfg.CleanupInterval, e.CleanupOldMessages)

	e.log.InfoContext(ctx, "engine started",
		"sweep_interval", e.cfg.SweepInterval,
		"cleanup_interval", e.cfg.CleanupInterval,
		"visibility_timeout", e.cfg.VisibilityTimeout)
	return nil
}

// Stop halts the background sweeps and waits for them to finish. When
// the context carries no deadline the configured ShutdownTimeout applies.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
		e.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// sweepLoop runs one sweep on a ticker until stop closes.
func (e *Engine) sweepLoop(stop <-chan struct{}, name string, every time.Duration, fn func(context.Context) (int64, error)) {
	defer e.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.runSweep(name, fn)
		}
	}
}

func (e *Engine) runSweep(name string, fn func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.log.DebugContext(ctx, "sweep skipped, circuit open", "sweep", name)
			return
		}
		e.log.ErrorContext(ctx, "sweep failed", "sweep", name, "error", err)
	}
}

// Enqueue creates a message on the queue. Requests that deduplicate
// against a recent message return that message unchanged, with no event.
func (e *Engine) Enqueue(ctx context.Context, req message.EnqueueRequest) (*message.Message, error) {
	now := e.now().UTC()

	q, err := e.store.GetQueue(ctx, req.QueueID)
	if err != nil {
		return nil, err
	}
	if !q.AcceptsEnqueue() {
		return nil, fmt.Errorf("%w: queue %q is %s", conveyor.ErrQueueRefusing, q.Name, q.Status)
	}

	if m, err := e.findDuplicate(ctx, q, req, now); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}

	m := newMessage(q, req, now)
	if err := e.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	e.bus.Publish(event.MessageEnqueued{QueueID: m.QueueID, MessageID: m.ID, Priority: m.Priority})
	e.log.DebugContext(ctx, "message enqueued",
		"message_id", m.ID, "queue_id", m.QueueID, "type", m.Type, "status", m.Status)
	return m, nil
}

// EnqueueBatch enqueues several messages as one atomic unit: the newly
// created messages are persisted all-or-nothing. Requests that
// deduplicate contribute the existing message to the result instead.
// Events fire only for created messages, after the batch commits.
func (e *Engine) EnqueueBatch(ctx context.Context, reqs []message.EnqueueRequest) ([]*message.Message, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	now := e.now().UTC()

	queues := make(map[string]*queue.Queue)
	out := make([]*message.Message, len(reqs))
	var created []*message.Message

	for i, req := range reqs {
		q, ok := queues[req.QueueID.String()]
		if !ok {
			var err error
			q, err = e.store.GetQueue(ctx, req.QueueID)
			if err != nil {
				return nil, err
			}
			if !q.AcceptsEnqueue() {
				return nil, fmt.Errorf("%w: queue %q is %s", conveyor.ErrQueueRefusing, q.Name, q.Status)
			}
			queues[req.QueueID.String()] = q
		}

		if m, err := e.findDuplicate(ctx, q, req, now); err != nil {
			return nil, err
		} else if m != nil {
			out[i] = m
			continue
		}

		m := newMessage(q, req, now)
		out[i] = m
		created = append(created, m)
	}

	if len(created) > 0 {
		if err := e.store.CreateMessages(ctx, created); err != nil {
			return nil, err
		}
	}

	for _, m := range created {
		e.bus.Publish(event.MessageEnqueued{QueueID: m.QueueID, MessageID: m.ID, Priority: m.Priority})
	}
	e.log.DebugContext(ctx, "batch enqueued", "requested", len(reqs), "created", len(created))
	return out, nil
}

// findDuplicate returns the message a new enqueue collapses into, or nil
// when the request is not a duplicate. An explicit DeduplicationID always
// participates; the content hash only when the queue enables dedup.
func (e *Engine) findDuplicate(ctx context.Context, q *queue.Queue, req message.EnqueueRequest, now time.Time) (*message.Message, error) {
	key := req.DeduplicationID
	if key == "" && q.DeduplicationEnabled {
		key = message.ContentDedupID(req.Payload)
	}
	if key == "" {
		return nil, nil
	}

	window := e.cfg.DedupWindow
	if q.DeduplicationWindowSecs > 0 {
		window = time.Duration(q.DeduplicationWindowSecs) * time.Second
	}

	m, err := e.store.FindMessageByDedupKey(ctx, q.ID, key, now.Add(-window))
	if errors.Is(err, conveyor.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// newMessage builds the stored message for an enqueue request against
// its queue's policy.
func newMessage(q *queue.Queue, req message.EnqueueRequest, now time.Time) *message.Message {
	m := &message.Message{
		Entity:          conveyor.Entity{CreatedAt: now, UpdatedAt: now},
		ID:              id.NewMessageID(),
		QueueID:         q.ID,
		Type:            req.Type,
		Payload:         req.Payload,
		Headers:         req.Headers,
		Priority:        req.Priority,
		Status:          message.StatusPending,
		MaxAttempts:     q.AttemptBudget(),
		ScheduledAt:     req.ScheduledAt,
		DeduplicationID: req.DeduplicationID,
		GroupID:         req.GroupID,
		CorrelationID:   req.CorrelationID,
		TraceID:         req.TraceID,
		Metadata:        req.Metadata,
	}
	if m.DeduplicationID == "" {
		m.DeduplicationID = message.ContentDedupID(req.Payload)
	}
	if req.ScheduledAt != nil {
		m.Status = message.StatusScheduled
	}
	return m
}

// Claim atomically hands out up to limit pending, due messages from the
// given queues, ordered by priority then age. Queues that refuse claims
// are skipped. Rate-limited queues are drawn individually so each one's
// allowance caps what it hands out; unlimited queues share one atomic
// claim. Two concurrent callers never receive the same message.
func (e *Engine) Claim(ctx context.Context, workerID id.WorkerID, queueIDs []id.QueueID, limit int) ([]*message.Message, error) {
	if len(queueIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	if limit > e.cfg.MaxClaimBatch {
		limit = e.cfg.MaxClaimBatch
	}
	now := e.now().UTC()

	type gated struct {
		id    id.QueueID
		avail int
	}
	var unlimited []id.QueueID
	var limited []gated

	for _, qid := range queueIDs {
		q, err := e.store.GetQueue(ctx, qid)
		if err != nil {
			if errors.Is(err, conveyor.ErrQueueNotFound) {
				continue
			}
			return nil, err
		}
		if !q.AcceptsClaim() {
			continue
		}
		e.syncGate(q)
		if !e.gate.Limited(qid) {
			unlimited = append(unlimited, qid)
			continue
		}
		if n := e.gate.Available(qid, limit); n > 0 {
			limited = append(limited, gated{id: qid, avail: n})
		}
	}

	claimed := make([]*message.Message, 0, limit)

	if len(unlimited) > 0 {
		ms, err := e.store.ClaimMessages(ctx, message.ClaimRequest{
			WorkerID:     workerID,
			QueueIDs:     unlimited,
			Limit:        limit,
			Now:          now,
			DefaultLease: e.cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ms...)
	}

	for _, g := range limited {
		remaining := limit - len(claimed)
		if remaining <= 0 {
			break
		}
		n := g.avail
		if n > remaining {
			n = remaining
		}
		ms, err := e.store.ClaimMessages(ctx, message.ClaimRequest{
			WorkerID:     workerID,
			QueueIDs:     []id.QueueID{g.id},
			Limit:        n,
			Now:          now,
			DefaultLease: e.cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		e.gate.Debit(g.id, len(ms))
		claimed = append(claimed, ms...)
	}

	for _, m := range claimed {
		e.bus.Publish(event.MessageProcessingStarted{QueueID: m.QueueID, MessageID: m.ID, WorkerID: workerID})
	}
	return claimed, nil
}

// syncGate keeps the rate gate in line with the queue's configured limit
// without resetting the bucket on every claim.
func (e *Engine) syncGate(q *queue.Queue) {
	key := q.ID.String()

	e.ratesMu.Lock()
	defer e.ratesMu.Unlock()

	if e.rates[key] == q.RateLimitPerSecond {
		return
	}
	e.rates[key] = q.RateLimitPerSecond
	e.gate.Configure(q.ID, q.RateLimitPerSecond)
}

// Acknowledge completes a processing message. It succeeds only while
// workerID still holds the claim; a reclaimed or missing message returns
// ErrMessageNotFound.
func (e *Engine) Acknowledge(ctx context.Context, msgID id.MessageID, workerID id.WorkerID) error {
	now := e.now().UTC()

	m, err := e.store.AcknowledgeMessage(ctx, msgID, workerID, now)
	if err != nil {
		return err
	}

	var elapsed int64
	if m.ProcessingStartedAt != nil {
		elapsed = now.Sub(*m.ProcessingStartedAt).Milliseconds()
	}
	e.processed.Add(1)
	e.processingMS.Add(elapsed)

	e.bus.Publish(event.MessageProcessed{QueueID: m.QueueID, MessageID: m.ID, ProcessingTimeMS: elapsed})
	return nil
}

// NegativeAcknowledge reports a failed processing attempt. While
// attempts remain the message returns to pending with a backoff delay;
// once exhausted it becomes failed, or moves to the dead letter queue
// when the engine is configured for that. Ownership is checked the same
// way as Acknowledge.
func (e *Engine) NegativeAcknowledge(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, cause string) error {
	now := e.now().UTC()

	m, err := e.store.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}

	if m.HasAttemptsLeft() {
		retryAt := now.Add(e.cfg.RetryPolicy.Delay(m.AttemptCount))
		if _, err := e.store.RequeueMessage(ctx, msgID, workerID, retryAt, cause, now); err != nil {
			return err
		}
		e.bus.Publish(event.MessageFailed{QueueID: m.QueueID, MessageID: m.ID, Error: cause, WillRetry: true})
		e.log.DebugContext(ctx, "message scheduled for retry",
			"message_id", msgID, "attempt", m.AttemptCount, "retry_at", retryAt, "error", cause)
		return nil
	}

	if _, err := e.store.FailMessage(ctx, msgID, workerID, cause, now); err != nil {
		return err
	}
	e.failed.Add(1)
	e.bus.Publish(event.MessageFailed{QueueID: m.QueueID, MessageID: m.ID, Error: cause, WillRetry: false})

	if e.cfg.DeadLetterOnExhaustion {
		_, err := e.dead.Move(ctx, msgID, "attempts exhausted: "+cause)
		return err
	}

	e.log.InfoContext(ctx, "message failed permanently",
		"message_id", msgID, "queue_id", m.QueueID, "attempts", m.AttemptCount, "error", cause)
	return nil
}

// ScheduleRetry forces a message back to pending with an explicit delay,
// bypassing the retry policy. Dispatchers use it when a handler asks for
// a specific retry time.
func (e *Engine) ScheduleRetry(ctx context.Context, msgID id.MessageID, delay time.Duration) error {
	now := e.now().UTC()
	return e.store.ScheduleMessageRetry(ctx, msgID, now.Add(delay), now)
}

// MoveToDeadLetter snapshots a message into the dead letter queue and
// marks the original dead_letter.
func (e *Engine) MoveToDeadLetter(ctx context.Context, msgID id.MessageID, reason string) (*dlq.Entry, error) {
	return e.dead.Move(ctx, msgID, reason)
}

// ReleaseTimedOut returns processing messages whose lease has expired to
// pending. The sweep ticker calls it; calling it directly is safe.
func (e *Engine) ReleaseTimedOut(ctx context.Context) (int64, error) {
	n, err := e.store.ReleaseTimedOutMessages(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.InfoContext(ctx, "released timed out messages", "count", n)
	}
	return n, nil
}

// ActivateScheduled flips scheduled messages whose time has come to
// pending. The sweep ticker calls it; calling it directly is safe.
func (e *Engine) ActivateScheduled(ctx context.Context) (int64, error) {
	return e.store.ActivateScheduledMessages(ctx, e.now().UTC())
}

// CleanupOldMessages deletes completed, failed, and dead-lettered
// messages not touched within the retention window.
func (e *Engine) CleanupOldMessages(ctx context.Context) (int64, error) {
	cutoff := e.now().UTC().Add(-e.cfg.Retention)
	n, err := e.store.DeleteMessagesOlderThan(ctx, []message.Status{
		message.StatusCompleted,
		message.StatusFailed,
		message.StatusDeadLetter,
	}, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.InfoContext(ctx, "cleaned up old messages", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// ExtendVisibility pushes a processing message's lease forward by
// extension. Only the claim holder may extend.
func (e *Engine) ExtendVisibility(ctx context.Context, msgID id.MessageID, workerID id.WorkerID, extension time.Duration) error {
	if extension <= 0 {
		return fmt.Errorf("%w: visibility extension must be positive", conveyor.ErrInvalidConfig)
	}
	return e.store.ExtendMessageVisibility(ctx, msgID, workerID, extension)
}

// Cancel deletes a message that has not started processing.
func (e *Engine) Cancel(ctx context.Context, msgID id.MessageID) error {
	return e.store.CancelMessage(ctx, msgID)
}

// BulkRetry returns every failed message in the queue to pending with a
// fresh attempt budget.
func (e *Engine) BulkRetry(ctx context.Context, queueID id.QueueID) (int64, error) {
	n, err := e.store.BulkRetryMessages(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.InfoContext(ctx, "bulk retried failed messages", "queue_id", queueID, "count", n)
	}
	return n, nil
}

// BulkDelete removes the queue's messages with the given status.
func (e *Engine) BulkDelete(ctx context.Context, queueID id.QueueID, status message.Status) (int64, error) {
	return e.store.BulkDeleteMessages(ctx, queueID, status)
}

// UpdatePriority changes the priority of a pending message.
func (e *Engine) UpdatePriority(ctx context.Context, msgID id.MessageID, priority int) error {
	return e.store.UpdateMessagePriority(ctx, msgID, priority)
}

// GetMessage retrieves a message by ID.
func (e *Engine) GetMessage(ctx context.Context, msgID id.MessageID) (*message.Message, error) {
	return e.store.GetMessage(ctx, msgID)
}

// Stats is a point-in-time snapshot of engine health: in-process
// throughput counters combined with store-level counts.
type Stats struct {
	TotalQueues        int     `json:"total_queues"`
	ActiveQueues       int     `json:"active_queues"`
	TotalMessages      int64   `json:"total_messages"`
	PendingMessages    int64   `json:"pending_messages"`
	ProcessingMessages int64   `json:"processing_messages"`
	TotalProcessed     int64   `json:"total_processed"`
	TotalFailed        int64   `json:"total_failed"`
	MessagesPerSecond  float64 `json:"messages_per_second"`
	AvgProcessingMS    float64 `json:"avg_processing_time_ms"`
	ErrorRate          float64 `json:"error_rate"`
	UptimeSecs         int64   `json:"uptime_secs"`
}

// GetStats assembles engine statistics. The independent store
// aggregations fan out on an errgroup.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := e.store.CountMessages(ctx, id.QueueID{})
		if err != nil {
			return err
		}
		for status, n := range counts {
			st.TotalMessages += n
			switch status {
			case message.StatusPending:
				st.PendingMessages = n
			case message.StatusProcessing:
				st.ProcessingMessages = n
			}
		}
		return nil
	})
	g.Go(func() error {
		qs, err := e.store.ListQueues(ctx, queue.ListOpts{})
		if err != nil {
			return err
		}
		st.TotalQueues = len(qs)
		for _, q := range qs {
			if q.Status == queue.StatusActive {
				st.ActiveQueues++
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	processed := e.processed.Load()
	failed := e.failed.Load()

	st.TotalProcessed = processed
	st.TotalFailed = failed
	st.UptimeSecs = int64(e.now().UTC().Sub(e.startedAt).Seconds())
	if st.UptimeSecs > 0 {
		st.MessagesPerSecond = float64(processed) / float64(st.UptimeSecs)
	}
	if processed > 0 {
		st.AvgProcessingMS = float64(e.processingMS.Load()) / float64(processed)
	}
	if total := processed + failed; total > 0 {
		st.ErrorRate = float64(failed) / float64(total)
	}
	return &st, nil
}
