package dlq

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rustpress-net/conveyor/id"
)

// ExportFormat selects the serialization for Export.
type ExportFormat string

const (
	// ExportJSON renders entries as an indented JSON array.
	ExportJSON ExportFormat = "json"
	// ExportCSV renders one row per entry with the key columns.
	ExportCSV ExportFormat = "csv"
)

// exportLimit caps how many entries a single export includes.
const exportLimit = 10000

// Export serializes dead letter entries for offline inspection,
// optionally scoped to a queue (nil means all).
func (s *Service) Export(ctx context.Context, queueID id.QueueID, format ExportFormat) ([]byte, error) {
	entries, _, err := s.entries.ListEntries(ctx, ListOpts{QueueID: queueID, Limit: exportLimit})
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportJSON:
		return json.MarshalIndent(entries, "", "  ")
	case ExportCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		header := []string{"id", "original_message_id", "queue_id", "message_type", "reason", "moved_to_dlq_at", "failure_count"}
		if err := w.Write(header); err != nil {
			return nil, err
		}
		for _, e := range entries {
			row := []string{
				e.ID.String(),
				e.OriginalMessageID.String(),
				e.QueueID.String(),
				e.Type,
				e.Reason,
				e.MovedAt.Format(time.RFC3339),
				strconv.Itoa(e.FailureCount),
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}
