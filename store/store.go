// Package store defines the aggregate persistence interface. Each
// subsystem (queue, message, schedule, dlq) defines its own store
// interface; the composite Store composes them all. Backends: Postgres,
// Redis, and Memory.
package store

import (
	"context"

	"github.com/rustpress-net/conveyor/dlq"
	"github.com/rustpress-net/conveyor/message"
	"github.com/rustpress-net/conveyor/queue"
	"github.com/rustpress-net/conveyor/schedule"
)

// Store is the aggregate persistence interface. Each subsystem store is
// a composable interface; a single backend implements all of them. The
// engine and scheduler only ever depend on the subsystem slices they
// drive, so partial implementations are usable in tests.
type Store interface {
	queue.Store
	message.Store
	schedule.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
