package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter holds filtering criteria for reading the log back.
type ReplayFilter struct {
	PID   int       // 0 = any process
	Types []string  // empty = every event type
	From  time.Time // zero value = no lower bound
	To    time.Time // zero value = no upper bound
}

// ReplaySummary holds per-type counts for the replayed entries.
type ReplaySummary struct {
	Total          int    `json:"total"`
	StartedCount   int    `json:"started_count"`
	ExitedCount    int    `json:"exited_count"`
	KilledCount    int    `json:"killed_count"`
	ErrorCount     int    `json:"error_count"`
	AlertCount     int    `json:"alert_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and their summary.
type ReplayResult struct {
	PID     int           `json:"pid,omitempty"`
	Entries []AuditEntry  `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
// Malformed lines are skipped; Verify is the place to catch them.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{PID: filter.PID}
	err := walk(path, func(_ int, line []byte) error {
		var entry AuditEntry
		if json.Unmarshal(line, &entry) != nil || !filter.matches(entry) {
			return nil
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func (f ReplayFilter) matches(entry AuditEntry) bool {
	if f.PID != 0 && entry.PID != f.PID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == entry.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, entry.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

func updateSummary(s *ReplaySummary, entry AuditEntry) {
	s.Total++

	switch entry.Type {
	case "started":
		s.StartedCount++
	case "exited":
		s.ExitedCount++
	case "killed":
		s.KilledCount++
	case "error":
		s.ErrorCount++
	case "performance_alert":
		s.AlertCount++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
