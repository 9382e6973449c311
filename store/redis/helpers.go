package redis

import (
	"encoding/json"
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// fmtTime renders a timestamp in the canonical hash field format.
func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// fmtTimePtr renders an optional timestamp; nil becomes the empty string
// so a full-map HSet clears the field.
func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // best-effort parse from trusted Redis data
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

// unixMilli is the Sorted Set score for time-ordered indexes.
func unixMilli(t time.Time) float64 { return float64(t.UnixMilli()) }

// claimScore computes a ready-set score from priority and creation time.
// Lower score pops first; priority is negated so higher priority sorts
// first, with a fractional time component for FIFO within one priority.
func claimScore(priority int, createdAt time.Time) float64 {
	return float64(-priority) + float64(createdAt.UnixMilli())/1e15
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalAnyMap parses a JSON object into a generic map.
func unmarshalAnyMap(s string) map[string]interface{} {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]interface{})
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalStringMap parses a JSON object of strings.
func unmarshalStringMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// marshalIDs renders an ID slice as a JSON array of strings.
func marshalIDs(ids []id.ID) string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = v.String()
	}
	return marshalJSON(out)
}

// unmarshalIDs parses a JSON array of ID strings, dropping any that no
// longer parse.
func unmarshalIDs(s string) []id.ID {
	if s == "" || s == "null" {
		return nil
	}
	var raw []string
	_ = json.Unmarshal([]byte(s), &raw) //nolint:errcheck // best-effort parse from trusted Redis data
	var out []id.ID
	for _, v := range raw {
		parsed, err := id.ParseAny(v)
		if err != nil {
			continue
		}
		out = append(out, parsed)
	}
	return out
}
