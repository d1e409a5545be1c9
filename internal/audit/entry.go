package audit

import (
	"encoding/json"

	"github.com/ppiankov/procwatch/internal/model"
)

// AuditEntry is one line in the hash-chained JSONL audit log. Seq starts
// at 1 and increases by one per line, so reordering is caught even where
// the hash chain alone would be rebuilt.
// Detail holds the event payload; encoding/json sorts map keys, so the
// line bytes are reproducible for hashing.
type AuditEntry struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	PID       int             `json:"pid,omitempty"`
	Name      string          `json:"name,omitempty"`
	ToolType  string          `json:"tool_type,omitempty"`
	Message   string          `json:"message,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	PrevHash  string          `json:"prev_hash"`
}

// EntryFromEvent flattens a MonitoringEvent into an AuditEntry.
func EntryFromEvent(ev model.MonitoringEvent) (AuditEntry, error) {
	e := AuditEntry{
		Timestamp: ev.Timestamp.UTC().Format(TimestampFormat),
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Source:    string(ev.Source),
		PID:       ev.ProcessID(),
		Name:      ev.Name,
		ToolType:  string(ev.ToolType),
		Message:   ev.Message,
	}
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return AuditEntry{}, err
		}
		e.Detail = b
	}
	return e, nil
}
