package schedule_test

import (
	"testing"
	"time"

	"github.com/rustpress-net/conveyor/schedule"
)

func TestSpecValidate_Cron(t *testing.T) {
	if err := schedule.Cron("*/5 * * * *").Validate(); err != nil {
		t.Fatalf("valid cron spec rejected: %v", err)
	}
	if err := schedule.Cron("").Validate(); err == nil {
		t.Fatal("empty cron expression should be rejected")
	}
}

func TestSpecValidate_Interval(t *testing.T) {
	if err := schedule.Interval(time.Second).Validate(); err != nil {
		t.Fatalf("one second interval rejected: %v", err)
	}
	if err := schedule.Interval(500 * time.Millisecond).Validate(); err == nil {
		t.Fatal("sub-second interval should be rejected")
	}
	if err := schedule.Interval(0).Validate(); err == nil {
		t.Fatal("zero interval should be rejected")
	}
}

func TestSpecValidate_Once(t *testing.T) {
	if err := schedule.Once(time.Now().Add(time.Hour)).Validate(); err != nil {
		t.Fatalf("valid once spec rejected: %v", err)
	}
	if err := (schedule.Spec{Kind: schedule.KindOnce}).Validate(); err == nil {
		t.Fatal("once spec without a time should be rejected")
	}
}

func TestSpecValidate_UnknownKind(t *testing.T) {
	if err := (schedule.Spec{Kind: "hourly"}).Validate(); err == nil {
		t.Fatal("unknown kind should be rejected")
	}
}
