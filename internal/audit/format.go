package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	scope := "all processes"
	if result.PID != 0 {
		scope = fmt.Sprintf("pid %d", result.PID)
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Audit: %s | No entries found.\n", scope)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Audit: %s | %s–%s UTC\n", scope, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		pid := "-"
		if e.PID != 0 {
			pid = fmt.Sprint(e.PID)
		}
		b.WriteString(fmt.Sprintf("%-10s %-18s %-8s %-7s %-16s %s\n",
			formatTimeOnly(e.Timestamp),
			strings.ToUpper(e.Type),
			e.Source,
			pid,
			truncate(e.Name, 16),
			truncate(e.Message, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	if s.StartedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d started", s.StartedCount))
	}
	if s.ExitedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d exited", s.ExitedCount))
	}
	if s.KilledCount > 0 {
		parts = append(parts, fmt.Sprintf("%d killed", s.KilledCount))
	}
	if s.ErrorCount > 0 {
		parts = append(parts, fmt.Sprintf("%d error", s.ErrorCount))
	}
	if s.AlertCount > 0 {
		parts = append(parts, fmt.Sprintf("%d alert", s.AlertCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "no lifecycle events")
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
