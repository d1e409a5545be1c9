package model

import "time"

// LifecycleState is the overall monitoring lifecycle state.
type LifecycleState string

const (
	LifecycleStopped  LifecycleState = "stopped"
	LifecycleStarting LifecycleState = "starting"
	LifecycleRunning  LifecycleState = "running"
	LifecycleStopping LifecycleState = "stopping"
	LifecycleError    LifecycleState = "error"
)

// Statistics is an immutable snapshot of engine counters.
type Statistics struct {
	Lifecycle LifecycleState `json:"lifecycle"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	TakenAt   time.Time      `json:"taken_at"`

	// EventsBySource counts emitted events per source and type.
	EventsBySource map[Source]map[EventType]uint64 `json:"events_by_source"`
	// SignalsBySource counts every ingested signal, duplicates included.
	SignalsBySource map[Source]uint64 `json:"signals_by_source"`

	DuplicatesSuppressed uint64 `json:"duplicates_suppressed"`
	PipelineDuplicates   uint64 `json:"pipeline_duplicates"`
	PipelineFiltered     uint64 `json:"pipeline_filtered"`
	PipelineDropped      uint64 `json:"pipeline_dropped"`
	PipelineBacklog      int    `json:"pipeline_backlog"`
	ReconnectAttempts    uint64 `json:"reconnect_attempts"`
	ReconnectFailures    uint64 `json:"reconnect_failures"`
	SinkErrors           uint64 `json:"sink_errors"`
	SubscriberDrops      uint64 `json:"subscriber_drops"`
	PIDReuses            uint64 `json:"pid_reuses"`
	CyclesBroken         uint64 `json:"cycles_broken"`
	Errors               uint64 `json:"errors"`

	TreeSize     int `json:"tree_size"`
	RootCount    int `json:"root_count"`
	OrphanCount  int `json:"orphan_count"`
	PendingSweep int `json:"pending_sweep"`
	Tracked      int `json:"tracked"`

	PushActive   bool    `json:"push_active"`
	Degraded     bool    `json:"degraded"`
	EventsPerMin float64 `json:"events_per_min"`
}

// TotalEvents sums EventsBySource.
func (s Statistics) TotalEvents() uint64 {
	var n uint64
	for _, byType := range s.EventsBySource {
		for _, c := range byType {
			n += c
		}
	}
	return n
}

// Events returns the count of emitted events of typ from source.
func (s Statistics) Events(source Source, typ EventType) uint64 {
	return s.EventsBySource[source][typ]
}

// HealthStatus summarizes a HealthResult.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthResult aggregates boolean checks, metrics, and advice.
type HealthResult struct {
	Status          HealthStatus       `json:"status"`
	Healthy         bool               `json:"healthy"`
	Checks          map[string]bool    `json:"checks"`
	Metrics         map[string]float64 `json:"metrics"`
	Issues          []string           `json:"issues,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	CheckedAt       time.Time          `json:"checked_at"`
}

// TrackedEntry is a persisted watch-list entry.
type TrackedEntry struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	StartToken uint64 `json:"start_token"`
}

// State is the persisted monitoring state.
type State struct {
	Lifecycle LifecycleState `json:"lifecycle"`
	Patterns  []string       `json:"patterns"`
	Tracked   []TrackedEntry `json:"tracked"`
	SavedAt   time.Time      `json:"saved_at"`
}
