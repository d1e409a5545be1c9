package engine

import (
	"time"

	"github.com/ppiankov/procwatch/internal/model"
)

// counters are guarded by Manager.mu.
type counters struct {
	startedAt *time.Time

	events  map[model.Source]map[model.EventType]uint64
	signals map[model.Source]uint64

	duplicates uint64
	pidReuses  uint64
	errors     uint64

	reconnectAttempts uint64
	reconnectFailures uint64

	// rollup state for EventsPerMin.
	rollupTotal uint64
	rollupAt    time.Time
	perMin      float64
}

func (c *counters) init() {
	c.events = make(map[model.Source]map[model.EventType]uint64)
	c.signals = make(map[model.Source]uint64)
}

func (c *counters) countEvent(ev model.MonitoringEvent) {
	byType := c.events[ev.Source]
	if byType == nil {
		byType = make(map[model.EventType]uint64)
		c.events[ev.Source] = byType
	}
	byType[ev.Type]++
}

func (c *counters) total() uint64 {
	var n uint64
	for _, byType := range c.events {
		for _, v := range byType {
			n += v
		}
	}
	return n
}

// roll updates the events-per-minute rate from the last rollup.
func (c *counters) roll(now time.Time) {
	total := c.total()
	if !c.rollupAt.IsZero() {
		if elapsed := now.Sub(c.rollupAt); elapsed > 0 {
			c.perMin = float64(total-c.rollupTotal) / elapsed.Minutes()
		}
	}
	c.rollupTotal = total
	c.rollupAt = now
}

// GetStatistics returns a consistent snapshot of engine counters merged
// with pipeline and publisher counters.
func (m *Manager) GetStatistics() model.Statistics {
	var pipe struct {
		dup, filtered, dropped, attempts, failures uint64
		backlog                                    int
	}
	if m.listener != nil {
		st := m.listener.Stats()
		pipe.dup, pipe.filtered, pipe.dropped = st.Duplicates, st.Filtered, st.Dropped
		pipe.attempts, pipe.failures = st.ReconnectAttempts, st.ReconnectFailures
		pipe.backlog = st.Backlog
	}
	tracked := m.registry.Len()
	subDrops, sinkErrs := m.pub.counts()

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := model.Statistics{
		Lifecycle:            m.lifecycle.get(),
		TakenAt:              m.clock.Now(),
		EventsBySource:       make(map[model.Source]map[model.EventType]uint64, len(m.counters.events)),
		SignalsBySource:      make(map[model.Source]uint64, len(m.counters.signals)),
		DuplicatesSuppressed: m.counters.duplicates,
		PipelineDuplicates:   pipe.dup,
		PipelineFiltered:     pipe.filtered,
		PipelineDropped:      pipe.dropped,
		PipelineBacklog:      pipe.backlog,
		ReconnectAttempts:    m.counters.reconnectAttempts + pipe.attempts,
		ReconnectFailures:    m.counters.reconnectFailures + pipe.failures,
		SinkErrors:           sinkErrs,
		SubscriberDrops:      subDrops,
		PIDReuses:            m.counters.pidReuses,
		CyclesBroken:         m.tree.cyclesBroken,
		Errors:               m.counters.errors,
		TreeSize:             m.tree.len(),
		RootCount:            len(m.tree.roots),
		Tracked:              tracked,
		PushActive:           m.pushHealthyLocked(),
		Degraded:             m.push.degraded,
		EventsPerMin:         m.counters.perMin,
	}
	if m.counters.startedAt != nil {
		t := *m.counters.startedAt
		s.StartedAt = &t
	}
	for src, byType := range m.counters.events {
		cp := make(map[model.EventType]uint64, len(byType))
		for k, v := range byType {
			cp[k] = v
		}
		s.EventsBySource[src] = cp
	}
	for src, v := range m.counters.signals {
		s.SignalsBySource[src] = v
	}
	s.OrphanCount, s.PendingSweep = m.tree.counts()
	return s
}
