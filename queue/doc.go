// Package queue defines the queue model, its persistence contract, and the
// per-queue delivery rate gate.
//
// Queues are created and edited by external administrative surfaces; the
// engine reads them to resolve a message's retry budget (MaxRetries), its
// claim lease (VisibilityTimeoutSecs), its deduplication policy, and whether
// the queue currently accepts enqueues or hands out claims (Status).
//
// # Status
//
// A queue is one of:
//
//   - active: enqueue and claim both allowed
//   - paused: enqueue allowed, claim skips the queue
//   - draining: claim allowed, enqueue refused
//   - disabled: both refused
//
// # Rate gate
//
// [Gate] enforces RateLimitPerSecond at claim time with a token-bucket
// limiter (golang.org/x/time/rate) per queue. Queues without a limit are
// not gated.
//
//	g := queue.NewGate()
//	g.Configure(q.ID, q.RateLimitPerSecond)
//	n := g.Available(q.ID, want) // how many may be handed out now
//	g.Debit(q.ID, handedOut)
package queue
