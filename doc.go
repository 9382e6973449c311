// Package conveyor provides the message-processing engine and job scheduler
// of a queue-management subsystem: at-least-once message delivery with
// claim/ack/nack semantics, visibility timeouts, deduplication, retry with
// backoff and dead-lettering, plus a dependency-aware scheduler that produces
// messages into queues on cron, interval, or one-shot schedules.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// store, and drive the engine and scheduler from your own transport layer.
//
// # Quick Start
//
//	st := memory.New()
//	eng := engine.New(st, conveyor.WithVisibilityTimeout(2*time.Minute))
//	sch := scheduler.New(st, conveyor.WithTickInterval(time.Second))
//
// # Architecture
//
// Conveyor follows a composable store pattern where each subsystem (queue,
// message, schedule, dlq) defines its own store interface. A single backend
// implements all of them; postgres, redis, and in-memory backends ship in
// store/.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
//
// Delivery is at-least-once: a worker that overruns its visibility lease may
// still be processing while the message is reclaimed by another worker.
// Handlers must be idempotent.
package conveyor
