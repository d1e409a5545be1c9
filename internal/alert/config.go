package alert

import (
	"time"

	"github.com/ppiankov/procwatch/internal/model"
)

// DefaultEvents are the event types alerted on when a webhook lists none.
var DefaultEvents = []string{
	string(model.EventKilled),
	string(model.EventError),
	string(model.EventPerformanceAlert),
}

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["killed", "error", "performance_alert"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string `json:"timestamp"`
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	PID       int    `json:"pid,omitempty"`
	Name      string `json:"name,omitempty"`
	ToolType  string `json:"tool_type,omitempty"`
	Message   string `json:"message,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Abnormal  bool   `json:"abnormal,omitempty"`
}

// FromEvent converts a MonitoringEvent to the webhook payload.
func FromEvent(ev model.MonitoringEvent) AlertEvent {
	a := AlertEvent{
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		EventID:   ev.ID,
		Type:      string(ev.Type),
		Source:    string(ev.Source),
		PID:       ev.ProcessID(),
		Name:      ev.Name,
		ToolType:  string(ev.ToolType),
		Message:   ev.Message,
	}
	if code, ok := ev.Payload["exit_code"].(int); ok {
		a.ExitCode = &code
	}
	if abnormal, ok := ev.Payload["abnormal"].(bool); ok {
		a.Abnormal = abnormal
	}
	return a
}
