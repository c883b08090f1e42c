package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/org/authcore/pkg/models"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

var csvHeader = []string{
	"event_id", "timestamp", "level", "category", "actor_id", "user_id", "session_id",
	"resource_type", "resource_id", "address", "user_agent", "message", "success",
	"error_code", "risk_score", "details",
}

// ExportJSONL writes one JSON event per line.
func ExportJSONL(w io.Writer, events []models.AuditEvent) error {
	enc := json.NewEncoder(w)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("writing event %s: %w", events[i].ID, err)
		}
	}
	return nil
}

// ExportCSV writes a header row followed by one row per event. Details are
// embedded as a JSON object.
func ExportCSV(w io.Writer, events []models.AuditEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		risk := ""
		if ev.RiskScore != nil {
			risk = strconv.FormatFloat(*ev.RiskScore, 'f', -1, 64)
		}
		details := ""
		if len(ev.Details) > 0 {
			b, err := json.Marshal(ev.Details)
			if err != nil {
				return fmt.Errorf("encoding details of %s: %w", ev.ID, err)
			}
			details = string(b)
		}
		row := []string{
			ev.ID, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Level), string(ev.Category),
			ev.ActorID, ev.UserID, ev.SessionID, ev.ResourceType, ev.ResourceID, ev.Address,
			ev.UserAgent, ev.Message, strconv.FormatBool(ev.Success), ev.ErrorCode, risk, details,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Export writes the events matching f, oldest first, in the given format.
func (l *Logger) Export(w io.Writer, format string, f Filter) error {
	events := l.Query(f)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	switch format {
	case FormatJSONL, "":
		return ExportJSONL(w, events)
	case FormatCSV:
		return ExportCSV(w, events)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
