package conveyor

import (
	"log/slog"
	"time"

	"github.com/rustpress-net/conveyor/backoff"
	"github.com/rustpress-net/conveyor/event"
)

// Clock returns the current time. The engine and scheduler read time only
// through their configured Clock so tests can warp it.
type Clock func() time.Time

// Config holds tuning for the message engine and the job scheduler. Both
// components copy it at construction; changes after that have no effect.
type Config struct {
	// VisibilityTimeout is the default claim lease. A queue with a
	// non-zero VisibilityTimeoutSecs overrides it for its own messages.
	VisibilityTimeout time.Duration

	// DedupWindow is how far back enqueue looks for a message with the
	// same deduplication key before creating a new one.
	DedupWindow time.Duration

	// SweepInterval is how often the timeout-release and
	// scheduled-activation sweeps run.
	SweepInterval time.Duration

	// TickInterval is the scheduler's evaluation resolution.
	TickInterval time.Duration

	// CleanupInterval is how often terminal messages past Retention are
	// purged.
	CleanupInterval time.Duration

	// Retention is how long completed, failed, and dead-lettered messages
	// are kept before the cleanup sweep deletes them.
	Retention time.Duration

	// MaxClaimBatch caps the limit a single Claim call may request.
	MaxClaimBatch int

	// ShutdownTimeout bounds Stop when the caller's context carries no
	// deadline of its own.
	ShutdownTimeout time.Duration

	// RetryPolicy maps an attempt number to the delay before the next
	// delivery of a negatively acknowledged message.
	RetryPolicy backoff.Strategy

	// DeadLetterOnExhaustion moves a message into the dead-letter queue
	// when its attempts run out instead of leaving it in failed state.
	DeadLetterOnExhaustion bool

	// Bus receives domain events. Nil means each component creates its
	// own private bus; pass a shared one to observe the engine and the
	// scheduler on a single subscription.
	Bus *event.Bus

	// Logger receives structured engine and scheduler logs.
	Logger *slog.Logger

	// Now is the time source.
	Now Clock
}

// DefaultConfig returns a Config with the defaults the engine ships with:
// 5 minute leases and dedup window, 30 second sweeps, 1 second scheduler
// ticks, 30 day retention.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		DedupWindow:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		TickInterval:      1 * time.Second,
		CleanupInterval:   24 * time.Hour,
		Retention:         30 * 24 * time.Hour,
		MaxClaimBatch:     100,
		ShutdownTimeout:   30 * time.Second,
		RetryPolicy:       backoff.Default(),
		Logger:            slog.Default(),
		Now:               time.Now,
	}
}

// Option configures a Config.
type Option func(*Config)

// WithVisibilityTimeout sets the default claim lease.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Config) { c.VisibilityTimeout = d }
}

// WithDedupWindow sets the deduplication lookback window.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Config) { c.DedupWindow = d }
}

// WithSweepInterval sets the cadence of the timeout and activation sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) { c.SweepInterval = d }
}

// WithTickInterval sets the scheduler's evaluation resolution.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) { c.TickInterval = d }
}

// WithCleanupInterval sets the cadence of the retention sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) { c.CleanupInterval = d }
}

// WithRetention sets how long terminal messages are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Config) { c.Retention = d }
}

// WithMaxClaimBatch caps the per-call claim limit.
func WithMaxClaimBatch(n int) Option {
	return func(c *Config) { c.MaxClaimBatch = n }
}

// WithShutdownTimeout bounds Stop when the caller's context has no deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithRetryPolicy sets the backoff strategy for negative acknowledgements.
func WithRetryPolicy(s backoff.Strategy) Option {
	return func(c *Config) { c.RetryPolicy = s }
}

// WithDeadLetterOnExhaustion routes messages whose attempts run out into
// the dead-letter queue instead of the failed state.
func WithDeadLetterOnExhaustion(enabled bool) Option {
	return func(c *Config) { c.DeadLetterOnExhaustion = enabled }
}

// WithBus sets the event bus domain events are published on.
func WithBus(b *event.Bus) Option {
	return func(c *Config) { c.Bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock sets the time source. Tests use it to warp time.
func WithClock(now Clock) Option {
	return func(c *Config) { c.Now = now }
}
