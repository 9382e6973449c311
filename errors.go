package conveyor

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrStoreClosed     = errors.New("conveyor: store closed")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// ErrQueueExists is returned when creating a queue whose name or ID
	// is already taken.
	ErrQueueExists = errors.New("conveyor: queue already exists")

	// Not found errors. ErrMessageNotFound is also returned when a message
	// exists but is no longer owned by the calling worker, so a stale
	// worker cannot tell "reassigned" apart from "gone".
	ErrQueueNotFound     = errors.New("conveyor: queue not found")
	ErrMessageNotFound   = errors.New("conveyor: message not found")
	ErrJobNotFound       = errors.New("conveyor: job not found")
	ErrExecutionNotFound = errors.New("conveyor: execution not found")
	ErrEntryNotFound     = errors.New("conveyor: dead-letter entry not found")

	// Validation and state errors.
	ErrInvalidConfig = errors.New("conveyor: invalid config")
	ErrInvalidState  = errors.New("conveyor: invalid state transition")

	// Capacity errors.
	ErrConcurrencyLimit = errors.New("conveyor: job concurrency limit reached")
	ErrQueueRefusing    = errors.New("conveyor: queue not accepting messages")
)
