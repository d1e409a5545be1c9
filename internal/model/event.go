package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a MonitoringEvent.
type EventType string

const (
	EventStarted          EventType = "started"
	EventExited           EventType = "exited"
	EventKilled           EventType = "killed"
	EventStateChanged     EventType = "state_changed"
	EventError            EventType = "error"
	EventPerformanceAlert EventType = "performance_alert"
	EventInformation      EventType = "information"
)

// IsExit reports whether the event type ends a process lifecycle.
func (t EventType) IsExit() bool {
	return t == EventExited || t == EventKilled
}

// Source identifies which producer observed a signal.
type Source string

const (
	SourcePolling Source = "polling"
	SourcePush    Source = "push"
	SourceEngine  Source = "engine"
)

// Signal is a candidate lifecycle observation produced by one source. The
// engine decides whether it becomes a MonitoringEvent.
type Signal struct {
	Type       EventType
	Source     Source
	PID        int
	ParentPID  int // 0 = unknown
	Name       string
	FullPath   string
	StartToken uint64
	StartTime  time.Time
	ExitCode   *int
	Abnormal   bool
	Reason     string
	Perf       *PerfSnapshot
	At         time.Time
}

// MonitoringEvent is an immutable fact emitted to sinks and subscribers.
type MonitoringEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    Source         `json:"source"`
	Timestamp time.Time      `json:"ts"`
	PID       *int           `json:"pid,omitempty"`
	ToolType  ToolType       `json:"tool_type,omitempty"`
	Name      string         `json:"name,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds a MonitoringEvent with a fresh ID. payload is copied.
func NewEvent(typ EventType, source Source, at time.Time, pid int, message string, payload map[string]any) MonitoringEvent {
	ev := MonitoringEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Timestamp: at.UTC(),
		Message:   message,
	}
	if pid > 0 {
		p := pid
		ev.PID = &p
	}
	if len(payload) > 0 {
		ev.Payload = make(map[string]any, len(payload))
		for k, v := range payload {
			ev.Payload[k] = v
		}
	}
	return ev
}

// ProcessID returns the event's PID or 0.
func (e MonitoringEvent) ProcessID() int {
	if e.PID == nil {
		return 0
	}
	return *e.PID
}
