package schedule

import (
	"fmt"
	"time"
)

// Kind discriminates the schedule variants.
type Kind string

const (
	// KindCron fires on a 5-field cron expression.
	KindCron Kind = "cron"
	// KindInterval fires at a fixed gap after each run.
	KindInterval Kind = "interval"
	// KindOnce fires a single time and then completes.
	KindOnce Kind = "once"
)

// Spec describes when a job fires. Exactly one of the variant fields is
// meaningful, selected by Kind; use the [Cron], [Interval], and [Once]
// constructors rather than building the struct by hand.
type Spec struct {
	Kind Kind `json:"kind"`

	// Expression is the cron expression, for KindCron.
	Expression string `json:"expression,omitempty"`

	// Every is the gap between runs, for KindInterval. Minimum one
	// second.
	Every time.Duration `json:"every,omitempty"`

	// At is the single fire time, for KindOnce.
	At *time.Time `json:"at,omitempty"`
}

// Cron returns a Spec that fires on the given cron expression.
func Cron(expression string) Spec {
	return Spec{Kind: KindCron, Expression: expression}
}

// Interval returns a Spec that fires every given duration.
func Interval(every time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: every}
}

// Once returns a Spec that fires a single time at the given instant.
func Once(at time.Time) Spec {
	return Spec{Kind: KindOnce, At: &at}
}

// Validate checks the structural shape of the spec. It does not parse
// cron expressions; the scheduler does that with its own parser so the
// two can never disagree.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if s.Expression == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
	case KindInterval:
		if s.Every < time.Second {
			return fmt.Errorf("interval schedule requires at least one second, got %s", s.Every)
		}
	case KindOnce:
		if s.At == nil || s.At.IsZero() {
			return fmt.Errorf("once schedule requires a fire time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}
