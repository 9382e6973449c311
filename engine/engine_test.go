package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rustpress-net/conveyor"
	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/engine"
	"github.com/rustpress-net/conveyor/event"
	"github.com/rustpress-net/conveyor/id"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
	"github.com/rustpress-net/conveyor/store/memory"
)

// clock is a warpable time source shared between the test and the engine.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	eng *engine.Engine
	st  *memory.Store
	clk *clock
	q   *queue.Queue
}

func newFixture(t *testing.T, qmod func(*queue.Queue), opts ...conveyor.Option) *fixture {
	t.Helper()

	st := memory.New()
	clk := newClock()

	q := &queue.Queue{
		Entity: conveyor.Entity{CreatedAt: clk.Now(), UpdatedAt: clk.Now()},
		ID:     id.NewQueueID(),
		Name:   "emails",
		Status: queue.StatusActive,
	}
	if qmod != nil {
		qmod(q)
	}
	if err := st.CreateQueue(context.Background(), q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	base := []conveyor.Option{
		conveyor.WithClock(clk.Now),
		conveyor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return &fixture{
		eng: engine.New(st, append(base, opts...)...),
		st:  st,
		clk: clk,
		q:   q,
	}
}

func (f *fixture) enqueue(t *testing.T, req message.EnqueueRequest) *message.Message {
	t.Helper()
	if req.QueueID.IsNil() {
		req.QueueID = f.q.ID
	}
	if req.Payload == nil {
		req.Payload = map[string]any{"to": "user@example.com"}
	}
	m, err := f.eng.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return m
}

func (f *fixture) claimOne(t *testing.T, worker id.WorkerID) *message.Message {
	t.Helper()
	ms, err := f.eng.Claim(context.Background(), worker, []id.QueueID{f.q.ID}, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("claimed %d messages, want 1", len(ms))
	}
	return ms[0]
}

func (f *fixture) mustGet(t *testing.T, msgID id.MessageID) *message.Message {
	t.Helper()
	m, err := f.eng.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	return m
}

func nextEvent(t *testing.T, sub *event.Subscription) event.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEnqueue_CreatesPendingMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{Priority: 5})

	if m.Status != message.StatusPending {
		t.Fatalf("status = %s, want %s", m.Status, message.StatusPending)
	}
	if m.Priority != 5 {
		t.Fatalf("priority = %d, want 5", m.Priority)
	}
	if m.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0", m.AttemptCount)
	}
	if m.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want queue default 3", m.MaxAttempts)
	}
	if m.DeduplicationID == "" {
		t.Fatal("expected a content-derived deduplication id")
	}

	got, err := f.eng.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("got id %s, want %s", got.ID, m.ID)
	}
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.eng.Enqueue(context.Background(), message.EnqueueRequest{
		QueueID: id.NewQueueID(),
		Payload: map[string]any{"k": "v"},
	})
	if !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Fatalf("err = %v, want ErrQueueNotFound", err)
	}
}

func TestEnqueue_RefusedByDrainingQueue(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.Status = queue.StatusDraining })

	_, err := f.eng.Enqueue(context.Background(), message.EnqueueRequest{
		QueueID: f.q.ID,
		Payload: map[string]any{"k": "v"},
	})
	if !errors.Is(err, conveyor.ErrQueueRefusing) {
		t.Fatalf("err = %v, want ErrQueueRefusing", err)
	}
}

func TestEnqueue_PausedQueueAcceptsButDoesNotHandOut(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.Status = queue.StatusPaused })

	f.enqueue(t, message.EnqueueRequest{})

	ms, err := f.eng.Claim(context.Background(), id.NewWorkerID(), []id.QueueID{f.q.ID}, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 0 {
		t.Fatalf("claimed %d messages from a paused queue, want 0", len(ms))
	}
}

func TestEnqueue_ScheduledMessageActivatesWhenDue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	at := f.clk.Now().Add(10 * time.Minute)
	m := f.enqueue(t, message.EnqueueRequest{ScheduledAt: &at})
	if m.Status != message.StatusScheduled {
		t.Fatalf("status = %s, want %s", m.Status, message.StatusScheduled)
	}

	ms, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID}, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 0 {
		t.Fatalf("claimed %d messages before due time, want 0", len(ms))
	}

	f.clk.Advance(11 * time.Minute)
	n, err := f.eng.ActivateScheduled(ctx)
	if err != nil {
		t.Fatalf("ActivateScheduled: %v", err)
	}
	if n != 1 {
		t.Fatalf("activated %d, want 1", n)
	}

	claimed := f.claimOne(t, id.NewWorkerID())
	if claimed.ID != m.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, m.ID)
	}
}

func TestEnqueue_DeduplicatesWithinWindow(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.DeduplicationEnabled = true })

	payload := map[string]any{"to": "dup@example.com", "subject": "hi"}
	first := f.enqueue(t, message.EnqueueRequest{Payload: payload})
	second := f.enqueue(t, message.EnqueueRequest{Payload: payload})

	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue produced a new message %s, want %s", second.ID, first.ID)
	}

	// Outside the window the same content is a fresh message again.
	f.clk.Advance(6 * time.Minute)
	third := f.enqueue(t, message.EnqueueRequest{Payload: payload})
	if third.ID == first.ID {
		t.Fatal("enqueue after the dedup window still returned the original message")
	}
}

func TestEnqueue_ExplicitDedupIDAlwaysApplies(t *testing.T) {
	// Content hashing is off for this queue, but explicit ids still deduplicate.
	f := newFixture(t, nil)

	first := f.enqueue(t, message.EnqueueRequest{
		Payload:         map[string]any{"n": 1},
		DeduplicationID: "order-42",
	})
	second := f.enqueue(t, message.EnqueueRequest{
		Payload:         map[string]any{"n": 2},
		DeduplicationID: "order-42",
	})
	if second.ID != first.ID {
		t.Fatalf("explicit dedup id ignored: got %s, want %s", second.ID, first.ID)
	}
}

func TestEnqueue_QueueWindowOverride(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) {
		q.DeduplicationEnabled = true
		q.DeduplicationWindowSecs = 60
	})

	payload := map[string]any{"to": "win@example.com"}
	first := f.enqueue(t, message.EnqueueRequest{Payload: payload})

	f.clk.Advance(2 * time.Minute)
	second := f.enqueue(t, message.EnqueueRequest{Payload: payload})
	if second.ID == first.ID {
		t.Fatal("queue-level 60s window was not honored")
	}
}

func TestEnqueueBatch_MixedResults(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.DeduplicationEnabled = true })
	ctx := context.Background()

	seed := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "seed"}})

	ms, err := f.eng.EnqueueBatch(ctx, []message.EnqueueRequest{
		{QueueID: f.q.ID, Payload: map[string]any{"n": "a"}},
		{QueueID: f.q.ID, Payload: map[string]any{"n": "seed"}},
		{QueueID: f.q.ID, Payload: map[string]any{"n": "b"}, Priority: 9},
	})
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("batch returned %d messages, want 3", len(ms))
	}
	if ms[1].ID != seed.ID {
		t.Fatalf("batch duplicate resolved to %s, want existing %s", ms[1].ID, seed.ID)
	}
	if ms[2].Priority != 9 {
		t.Fatalf("batch message priority = %d, want 9", ms[2].Priority)
	}

	counts, err := f.st.CountMessages(ctx, id.QueueID{})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	if total != 3 {
		t.Fatalf("store holds %d messages, want 3 (seed + two new)", total)
	}
}

func TestEnqueueBatch_UnknownQueueFailsWhole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.eng.EnqueueBatch(ctx, []message.EnqueueRequest{
		{QueueID: f.q.ID, Payload: map[string]any{"n": "a"}},
		{QueueID: id.NewQueueID(), Payload: map[string]any{"n": "b"}},
	})
	if !errors.Is(err, conveyor.ErrQueueNotFound) {
		t.Fatalf("err = %v, want ErrQueueNotFound", err)
	}

	counts, err := f.st.CountMessages(ctx, id.QueueID{})
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("store holds messages after failed batch: %v", counts)
	}
}

func TestClaim_PriorityThenAge(t *testing.T) {
	f := newFixture(t, nil)

	low := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": 1}, Priority: 1})
	f.clk.Advance(time.Second)
	high := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": 2}, Priority: 10})
	f.clk.Advance(time.Second)
	mid := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": 3}, Priority: 5})

	ms, err := f.eng.Claim(context.Background(), id.NewWorkerID(), []id.QueueID{f.q.ID}, 3)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("claimed %d, want 3", len(ms))
	}
	want := []id.MessageID{high.ID, mid.ID, low.ID}
	for i, m := range ms {
		if m.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestClaim_ConcurrentWorkersGetDisjointSets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const total = 50
	for i := 0; i < total; i++ {
		f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": i}})
	}

	const workers = 5
	results := make([][]*message.Message, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ms, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID}, total/workers)
			if err != nil {
				t.Errorf("worker %d: Claim: %v", w, err)
				return
			}
			results[w] = ms
		}(w)
	}
	wg.Wait()

	seen := make(map[id.MessageID]int)
	for w, ms := range results {
		for _, m := range ms {
			if prev, dup := seen[m.ID]; dup {
				t.Fatalf("message %s claimed by workers %d and %d", m.ID, prev, w)
			}
			seen[m.ID] = w
		}
	}
	if len(seen) != total {
		t.Fatalf("workers claimed %d distinct messages, want %d", len(seen), total)
	}
}

func TestClaim_ClampsToMaxBatch(t *testing.T) {
	f := newFixture(t, nil, conveyor.WithMaxClaimBatch(2))

	for i := 0; i < 5; i++ {
		f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": i}})
	}

	ms, err := f.eng.Claim(context.Background(), id.NewWorkerID(), []id.QueueID{f.q.ID}, 100)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("claimed %d, want the configured cap of 2", len(ms))
	}
}

func TestClaim_RateGateCapsHandout(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.RateLimitPerSecond = 1 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": i}})
	}

	first, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID}, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("rate-limited claim handed out %d messages, want 1", len(first))
	}

	second, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID}, 5)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("exhausted gate still handed out %d messages", len(second))
	}
}

func TestAcknowledge_CompletesMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	worker := id.NewWorkerID()
	claimed := f.claimOne(t, worker)
	if claimed.Status != message.StatusProcessing {
		t.Fatalf("status after claim = %s, want %s", claimed.Status, message.StatusProcessing)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("attempt count after claim = %d, want 1", claimed.AttemptCount)
	}

	if err := f.eng.Acknowledge(ctx, m.ID, worker); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	got := f.mustGet(t, m.ID)
	if got.Status != message.StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed message has no CompletedAt")
	}
}

func TestAcknowledge_WrongWorkerLooksLikeMissing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	owner := id.NewWorkerID()
	f.claimOne(t, owner)

	err := f.eng.Acknowledge(ctx, m.ID, id.NewWorkerID())
	if !errors.Is(err, conveyor.ErrMessageNotFound) {
		t.Fatalf("foreign ack err = %v, want ErrMessageNotFound", err)
	}

	// The rightful owner still succeeds exactly once.
	if err := f.eng.Acknowledge(ctx, m.ID, owner); err != nil {
		t.Fatalf("owner ack: %v", err)
	}
	err = f.eng.Acknowledge(ctx, m.ID, owner)
	if !errors.Is(err, conveyor.ErrMessageNotFound) {
		t.Fatalf("second ack err = %v, want ErrMessageNotFound", err)
	}
}

func TestNegativeAcknowledge_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{Priority: 5})
	w1 := id.NewWorkerID()
	f.claimOne(t, w1)

	if err := f.eng.NegativeAcknowledge(ctx, m.ID, w1, "smtp timeout"); err != nil {
		t.Fatalf("NegativeAcknowledge: %v", err)
	}

	got := f.mustGet(t, m.ID)
	if got.Status != message.StatusPending {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusPending)
	}
	if got.LastError != "smtp timeout" {
		t.Fatalf("last error = %q, want %q", got.LastError, "smtp timeout")
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.After(f.clk.Now()) {
		t.Fatal("retry was not pushed into the future")
	}

	// Not claimable until the backoff delay elapses.
	ms, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID}, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 0 {
		t.Fatalf("claimed %d during backoff, want 0", len(ms))
	}

	f.clk.Advance(2 * time.Second)
	retried := f.claimOne(t, id.NewWorkerID())
	if retried.ID != m.ID {
		t.Fatalf("retried %s, want %s", retried.ID, m.ID)
	}
	if retried.AttemptCount != 2 {
		t.Fatalf("attempt count on retry = %d, want 2", retried.AttemptCount)
	}
}

func TestNegativeAcknowledge_ExhaustionFails(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.MaxRetries = 2 })
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	w := id.NewWorkerID()

	first := f.claimOne(t, w)
	if first.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", first.AttemptCount)
	}
	if err := f.eng.NegativeAcknowledge(ctx, m.ID, w, "boom"); err != nil {
		t.Fatalf("first nack: %v", err)
	}

	f.clk.Advance(2 * time.Second)
	second := f.claimOne(t, w)
	if second.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", second.AttemptCount)
	}
	if err := f.eng.NegativeAcknowledge(ctx, m.ID, w, "boom again"); err != nil {
		t.Fatalf("final nack: %v", err)
	}

	got := f.mustGet(t, m.ID)
	if got.Status != message.StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusFailed)
	}
	if got.LastError != "boom again" {
		t.Fatalf("last error = %q, want %q", got.LastError, "boom again")
	}
}

func TestNegativeAcknowledge_DeadLettersOnExhaustion(t *testing.T) {
	f := newFixture(t,
		func(q *queue.Queue) { q.MaxRetries = 1 },
		conveyor.WithDeadLetterOnExhaustion(true),
	)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	w := id.NewWorkerID()
	f.claimOne(t, w)
	if err := f.eng.NegativeAcknowledge(ctx, m.ID, w, "schema mismatch"); err != nil {
		t.Fatalf("NegativeAcknowledge: %v", err)
	}

	got := f.mustGet(t, m.ID)
	if got.Status != message.StatusDeadLetter {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusDeadLetter)
	}

	entries, total, err := f.eng.DeadLetters().List(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("DeadLetters().List: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("dead letter entries = %d (total %d), want 1", len(entries), total)
	}
	if entries[0].OriginalMessageID != m.ID {
		t.Fatalf("entry message = %s, want %s", entries[0].OriginalMessageID, m.ID)
	}
}

func TestScheduleRetry_OverridesBackoff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	f.claimOne(t, id.NewWorkerID())

	if err := f.eng.ScheduleRetry(ctx, m.ID, 5*time.Minute); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	got := f.mustGet(t, m.ID)
	if got.Status != message.StatusPending {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusPending)
	}
	wantAt := f.clk.Now().Add(5 * time.Minute)
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(wantAt) {
		t.Fatalf("scheduled at = %v, want %v", got.ScheduledAt, wantAt)
	}
}

func TestReleaseTimedOut_RecoversAbandonedMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	f.claimOne(t, id.NewWorkerID())

	// Nothing to release while the lease is live.
	n, err := f.eng.ReleaseTimedOut(ctx)
	if err != nil {
		t.Fatalf("ReleaseTimedOut: %v", err)
	}
	if n != 0 {
		t.Fatalf("released %d with live lease, want 0", n)
	}

	f.clk.Advance(6 * time.Minute)
	n, err = f.eng.ReleaseTimedOut(ctx)
	if err != nil {
		t.Fatalf("ReleaseTimedOut: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}

	reclaimed := f.claimOne(t, id.NewWorkerID())
	if reclaimed.ID != m.ID {
		t.Fatalf("reclaimed %s, want %s", reclaimed.ID, m.ID)
	}
	if reclaimed.AttemptCount != 2 {
		t.Fatalf("attempt count after recovery = %d, want 2", reclaimed.AttemptCount)
	}
}

func TestReleaseTimedOut_QueueLeaseOverride(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.VisibilityTimeoutSecs = 30 })
	ctx := context.Background()

	f.enqueue(t, message.EnqueueRequest{})
	f.claimOne(t, id.NewWorkerID())

	f.clk.Advance(time.Minute)
	n, err := f.eng.ReleaseTimedOut(ctx)
	if err != nil {
		t.Fatalf("ReleaseTimedOut: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d after 30s queue lease expired, want 1", n)
	}
}

func TestExtendVisibility_PushesLeaseOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	w := id.NewWorkerID()
	f.claimOne(t, w)

	if err := f.eng.ExtendVisibility(ctx, m.ID, w, 10*time.Minute); err != nil {
		t.Fatalf("ExtendVisibility: %v", err)
	}

	// Past the original 5m lease but inside the extension.
	f.clk.Advance(6 * time.Minute)
	n, err := f.eng.ReleaseTimedOut(ctx)
	if err != nil {
		t.Fatalf("ReleaseTimedOut: %v", err)
	}
	if n != 0 {
		t.Fatalf("released %d inside extended lease, want 0", n)
	}

	f.clk.Advance(10 * time.Minute)
	n, err = f.eng.ReleaseTimedOut(ctx)
	if err != nil {
		t.Fatalf("ReleaseTimedOut: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d after extended lease, want 1", n)
	}
}

func TestExtendVisibility_RejectsNonPositive(t *testing.T) {
	f := newFixture(t, nil)

	m := f.enqueue(t, message.EnqueueRequest{})
	w := id.NewWorkerID()
	f.claimOne(t, w)

	err := f.eng.ExtendVisibility(context.Background(), m.ID, w, 0)
	if !errors.Is(err, conveyor.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestEmailRetryScenario(t *testing.T) {
	// An email with priority 5 fails on its first delivery attempt and is
	// retried by a different worker after the backoff delay.
	f := newFixture(t, func(q *queue.Queue) {
		q.VisibilityTimeoutSecs = 30
		q.MaxRetries = 3
	})
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{
		Payload:  map[string]any{"to": "ops@example.com", "subject": "digest"},
		Priority: 5,
	})

	w1 := id.NewWorkerID()
	claimed := f.claimOne(t, w1)
	if claimed.AttemptCount != 1 {
		t.Fatalf("first attempt = %d, want 1", claimed.AttemptCount)
	}

	if err := f.eng.NegativeAcknowledge(ctx, m.ID, w1, "smtp timeout"); err != nil {
		t.Fatalf("NegativeAcknowledge: %v", err)
	}

	f.clk.Advance(2 * time.Second)
	w2 := id.NewWorkerID()
	retried := f.claimOne(t, w2)
	if retried.ID != m.ID {
		t.Fatalf("second worker claimed %s, want %s", retried.ID, m.ID)
	}
	if retried.AttemptCount != 2 {
		t.Fatalf("second attempt = %d, want 2", retried.AttemptCount)
	}
	if retried.LastError != "smtp timeout" {
		t.Fatalf("carried error = %q, want %q", retried.LastError, "smtp timeout")
	}

	if err := f.eng.Acknowledge(ctx, m.ID, w2); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if got := f.mustGet(t, m.ID); got.Status != message.StatusCompleted {
		t.Fatalf("final status = %s, want %s", got.Status, message.StatusCompleted)
	}
}

func TestMoveToDeadLetter_ThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	f.claimOne(t, id.NewWorkerID())

	entry, err := f.eng.MoveToDeadLetter(ctx, m.ID, "poison payload")
	if err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if entry.OriginalMessageID != m.ID {
		t.Fatalf("entry message = %s, want %s", entry.OriginalMessageID, m.ID)
	}
	if entry.Reason != "poison payload" {
		t.Fatalf("reason = %q, want %q", entry.Reason, "poison payload")
	}
	if got := f.mustGet(t, m.ID); got.Status != message.StatusDeadLetter {
		t.Fatalf("status = %s, want %s", got.Status, message.StatusDeadLetter)
	}

	entries, _, err := f.eng.DeadLetters().List(ctx, dlq.ListOpts{QueueID: f.q.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	// Retrying the entry re-enqueues a fresh copy; the original stays put.
	fresh, err := f.eng.DeadLetters().Retry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if fresh.ID == m.ID {
		t.Fatal("DLQ retry reused the original message id")
	}
	if fresh.Status != message.StatusPending {
		t.Fatalf("retried status = %s, want %s", fresh.Status, message.StatusPending)
	}
	if fresh.AttemptCount != 0 {
		t.Fatalf("retried attempt count = %d, want 0", fresh.AttemptCount)
	}
	if got := f.mustGet(t, m.ID); got.Status != message.StatusDeadLetter {
		t.Fatalf("original status = %s, want %s", got.Status, message.StatusDeadLetter)
	}
}

func TestCancel_RemovesUndeliveredMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	if err := f.eng.Cancel(ctx, m.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.eng.GetMessage(ctx, m.ID); !errors.Is(err, conveyor.ErrMessageNotFound) {
		t.Fatalf("cancelled message still readable: %v", err)
	}

	other := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": 2}})
	f.claimOne(t, id.NewWorkerID())
	err := f.eng.Cancel(ctx, other.ID)
	if !errors.Is(err, conveyor.ErrInvalidState) {
		t.Fatalf("cancel of processing message err = %v, want ErrInvalidState", err)
	}
}

func TestUpdatePriority_ReordersPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "a"}, Priority: 1})
	f.clk.Advance(time.Second)
	f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "b"}, Priority: 5})

	if err := f.eng.UpdatePriority(ctx, a.ID, 10); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}

	first := f.claimOne(t, id.NewWorkerID())
	if first.ID != a.ID {
		t.Fatalf("claimed %s first, want reprioritized %s", first.ID, a.ID)
	}
}

func TestBulkRetry_ResetsFailedMessages(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.MaxRetries = 1 })
	ctx := context.Background()

	var failed []id.MessageID
	for i := 0; i < 3; i++ {
		m := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": i}})
		w := id.NewWorkerID()
		f.claimOne(t, w)
		if err := f.eng.NegativeAcknowledge(ctx, m.ID, w, "kaput"); err != nil {
			t.Fatalf("nack: %v", err)
		}
		failed = append(failed, m.ID)
	}

	n, err := f.eng.BulkRetry(ctx, f.q.ID)
	if err != nil {
		t.Fatalf("BulkRetry: %v", err)
	}
	if n != 3 {
		t.Fatalf("retried %d, want 3", n)
	}
	for _, msgID := range failed {
		got := f.mustGet(t, msgID)
		if got.Status != message.StatusPending {
			t.Fatalf("message %s status = %s, want %s", msgID, got.Status, message.StatusPending)
		}
		if got.AttemptCount != 0 {
			t.Fatalf("message %s attempt count = %d, want 0", msgID, got.AttemptCount)
		}
	}
}

func TestBulkDelete_ByStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "a"}})
	f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "b"}})
	done := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "c"}, Priority: 10})
	w := id.NewWorkerID()
	f.claimOne(t, w)
	if err := f.eng.Acknowledge(ctx, done.ID, w); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	n, err := f.eng.BulkDelete(ctx, f.q.ID, message.StatusPending)
	if err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if _, err := f.eng.GetMessage(ctx, done.ID); err != nil {
		t.Fatalf("completed message deleted by pending purge: %v", err)
	}
}

func TestCleanupOldMessages_HonorsRetention(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "old"}})
	w := id.NewWorkerID()
	f.claimOne(t, w)
	if err := f.eng.Acknowledge(ctx, old.ID, w); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	f.clk.Advance(31 * 24 * time.Hour)

	fresh := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "fresh"}})
	w2 := id.NewWorkerID()
	f.claimOne(t, w2)
	if err := f.eng.Acknowledge(ctx, fresh.ID, w2); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	n, err := f.eng.CleanupOldMessages(ctx)
	if err != nil {
		t.Fatalf("CleanupOldMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if _, err := f.eng.GetMessage(ctx, old.ID); !errors.Is(err, conveyor.ErrMessageNotFound) {
		t.Fatalf("old message survived cleanup: %v", err)
	}
	if _, err := f.eng.GetMessage(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh message was cleaned up: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.MaxRetries = 1 })
	ctx := context.Background()

	ok := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "ok"}})
	bad := f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "bad"}})
	f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"n": "idle"}})

	w := id.NewWorkerID()
	ms, err := f.eng.Claim(ctx, w, []id.QueueID{f.q.ID}, 2)
	if err != nil || len(ms) != 2 {
		t.Fatalf("Claim: %v (n=%d)", err, len(ms))
	}

	f.clk.Advance(100 * time.Millisecond)
	if err := f.eng.Acknowledge(ctx, ok.ID, w); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := f.eng.NegativeAcknowledge(ctx, bad.ID, w, "nope"); err != nil {
		t.Fatalf("NegativeAcknowledge: %v", err)
	}

	f.clk.Advance(900 * time.Millisecond)
	stats, err := f.eng.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	if stats.TotalMessages != 3 {
		t.Fatalf("total = %d, want 3", stats.TotalMessages)
	}
	if stats.TotalProcessed != 1 {
		t.Fatalf("processed = %d, want 1", stats.TotalProcessed)
	}
	if stats.TotalFailed != 1 {
		t.Fatalf("failed = %d, want 1", stats.TotalFailed)
	}
	if stats.PendingMessages != 1 {
		t.Fatalf("pending = %d, want 1 (idle message)", stats.PendingMessages)
	}
	if stats.ActiveQueues != 1 || stats.TotalQueues != 1 {
		t.Fatalf("queues = %d/%d, want 1/1", stats.ActiveQueues, stats.TotalQueues)
	}
	if stats.AvgProcessingMS != 100 {
		t.Fatalf("avg processing ms = %v, want 100", stats.AvgProcessingMS)
	}
	if stats.ErrorRate != 0.5 {
		t.Fatalf("error rate = %v, want 0.5", stats.ErrorRate)
	}
	if stats.UptimeSecs != 1 {
		t.Fatalf("uptime = %d, want 1", stats.UptimeSecs)
	}
}

func TestEvents_FollowMessageLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub := f.eng.Events().Subscribe(16)
	defer f.eng.Events().Unsubscribe(sub)

	m := f.enqueue(t, message.EnqueueRequest{Priority: 3})
	ev := nextEvent(t, sub)
	enq, ok := ev.(event.MessageEnqueued)
	if !ok {
		t.Fatalf("event 1 = %T, want MessageEnqueued", ev)
	}
	if enq.MessageID != m.ID || enq.Priority != 3 {
		t.Fatalf("enqueued event = %+v", enq)
	}

	w := id.NewWorkerID()
	f.claimOne(t, w)
	ev = nextEvent(t, sub)
	started, ok := ev.(event.MessageProcessingStarted)
	if !ok {
		t.Fatalf("event 2 = %T, want MessageProcessingStarted", ev)
	}
	if started.WorkerID != w {
		t.Fatalf("started by %s, want %s", started.WorkerID, w)
	}

	f.clk.Advance(50 * time.Millisecond)
	if err := f.eng.Acknowledge(ctx, m.ID, w); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	ev = nextEvent(t, sub)
	done, ok := ev.(event.MessageProcessed)
	if !ok {
		t.Fatalf("event 3 = %T, want MessageProcessed", ev)
	}
	if done.ProcessingTimeMS != 50 {
		t.Fatalf("processing time = %d, want 50", done.ProcessingTimeMS)
	}
}

func TestEvents_DuplicateEnqueueIsSilent(t *testing.T) {
	f := newFixture(t, func(q *queue.Queue) { q.DeduplicationEnabled = true })

	payload := map[string]any{"n": "same"}
	f.enqueue(t, message.EnqueueRequest{Payload: payload})

	sub := f.eng.Events().Subscribe(4)
	defer f.eng.Events().Unsubscribe(sub)

	f.enqueue(t, message.EnqueueRequest{Payload: payload})
	select {
	case ev := <-sub.C():
		t.Fatalf("duplicate enqueue published %T", ev)
	default:
	}
}

func TestStartStop_BackgroundSweepRecovers(t *testing.T) {
	f := newFixture(t, nil,
		conveyor.WithSweepInterval(10*time.Millisecond),
		conveyor.WithCleanupInterval(time.Hour),
	)
	ctx := context.Background()

	m := f.enqueue(t, message.EnqueueRequest{})
	f.claimOne(t, id.NewWorkerID())
	f.clk.Advance(10 * time.Minute)

	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := f.mustGet(t, m.ID)
		if got.Status == message.StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep never released the message, status = %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.eng.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestClaim_MultipleQueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	second := &queue.Queue{
		Entity: conveyor.Entity{CreatedAt: f.clk.Now(), UpdatedAt: f.clk.Now()},
		ID:     id.NewQueueID(),
		Name:   "webhooks",
		Status: queue.StatusActive,
	}
	if err := f.st.CreateQueue(ctx, second); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	f.enqueue(t, message.EnqueueRequest{Payload: map[string]any{"q": 1}})
	if _, err := f.eng.Enqueue(ctx, message.EnqueueRequest{
		QueueID: second.ID,
		Payload: map[string]any{"q": 2},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ms, err := f.eng.Claim(ctx, id.NewWorkerID(), []id.QueueID{f.q.ID, second.ID, id.NewQueueID()}, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("claimed %d across queues, want 2", len(ms))
	}
}

func ExampleEngine_Enqueue() {
	st := memory.New()
	q := &queue.Queue{ID: id.NewQueueID(), Name: "emails", Status: queue.StatusActive}
	_ = st.CreateQueue(context.Background(), q)

	eng := engine.New(st, conveyor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	m, err := eng.Enqueue(context.Background(), message.EnqueueRequest{
		QueueID:  q.ID,
		Payload:  map[string]any{"to": "user@example.com"},
		Priority: 5,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(m.Status, m.Priority)
	// Output: pending 5
}
