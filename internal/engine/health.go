package engine

import (
	"fmt"
	"runtime"

	"github.com/ppiankov/procwatch/internal/model"
)

// capacityWarnRatio is the watch-list fill level that triggers a warning.
const capacityWarnRatio = 0.9

// CheckHealth evaluates the engine. A failed required check makes the
// result unhealthy; warnings alone make it degraded.
func (m *Manager) CheckHealth() model.HealthResult {
	res := model.HealthResult{
		Checks:    make(map[string]bool),
		Metrics:   make(map[string]float64),
		CheckedAt: m.clock.Now(),
	}

	lifecycle := m.lifecycle.get()
	res.Checks["lifecycle_ok"] = lifecycle == model.LifecycleRunning
	if !res.Checks["lifecycle_ok"] {
		res.Issues = append(res.Issues, fmt.Sprintf("monitoring is %s", lifecycle))
		res.Recommendations = append(res.Recommendations, "start monitoring")
	}

	res.Checks["registry_running"] = m.registry.Running()
	if lifecycle == model.LifecycleRunning && !res.Checks["registry_running"] {
		res.Issues = append(res.Issues, "polling registry is not running")
	}

	m.mu.RLock()
	push := m.push
	healthy := m.pushHealthyLocked()
	m.mu.RUnlock()

	switch {
	case !m.pushConfigured():
		res.Checks["push_ok"] = true
	case healthy:
		res.Checks["push_ok"] = true
	case push.degraded:
		// Polling covers for the missing push source.
		res.Checks["push_ok"] = res.Checks["registry_running"]
		res.Warnings = append(res.Warnings, "push source down, running in polling-only mode")
		if push.fatal {
			res.Recommendations = append(res.Recommendations,
				"grant CAP_NET_ADMIN or run as root to enable process event notifications")
		} else {
			res.Recommendations = append(res.Recommendations, "check the process event source; reconnect is automatic")
		}
		if push.lastErr != "" {
			res.Warnings = append(res.Warnings, "last push error: "+push.lastErr)
		}
	default:
		res.Checks["push_ok"] = true
	}
	res.Metrics["push_connected"] = boolMetric(push.connected)
	res.Metrics["degraded"] = boolMetric(push.degraded)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	res.Metrics["heap_alloc_bytes"] = float64(mem.HeapAlloc)
	res.Checks["memory_ok"] = m.cfg.MemoryLimitBytes == 0 || mem.HeapAlloc <= m.cfg.MemoryLimitBytes
	if !res.Checks["memory_ok"] {
		res.Issues = append(res.Issues, fmt.Sprintf("heap %d bytes exceeds limit %d", mem.HeapAlloc, m.cfg.MemoryLimitBytes))
		res.Recommendations = append(res.Recommendations, "reduce event_history_retention_hours or the tracked set")
	}

	backlog := 0
	if m.listener != nil {
		backlog = m.listener.Stats().Backlog
	}
	res.Metrics["pipeline_backlog"] = float64(backlog)
	res.Checks["backlog_ok"] = backlog <= m.cfg.BacklogThreshold
	if !res.Checks["backlog_ok"] {
		res.Warnings = append(res.Warnings, fmt.Sprintf("push backlog %d above %d", backlog, m.cfg.BacklogThreshold))
		res.Recommendations = append(res.Recommendations, "narrow name_filters or enable forward_only_matching")
	}

	tracked, capacity := m.registry.Len(), m.registry.Capacity()
	res.Metrics["tracked"] = float64(tracked)
	res.Metrics["capacity"] = float64(capacity)
	res.Checks["capacity_ok"] = capacity == 0 || float64(tracked) < capacityWarnRatio*float64(capacity)
	if !res.Checks["capacity_ok"] {
		res.Warnings = append(res.Warnings, fmt.Sprintf("tracking %d of %d processes", tracked, capacity))
		res.Recommendations = append(res.Recommendations, "raise max_tracked or tighten name filters")
	}

	m.mu.RLock()
	res.Metrics["tree_size"] = float64(m.tree.len())
	res.Metrics["events_per_min"] = m.counters.perMin
	m.mu.RUnlock()

	required := []string{"lifecycle_ok", "registry_running", "push_ok", "memory_ok"}
	res.Healthy = true
	for _, k := range required {
		if !res.Checks[k] {
			res.Healthy = false
		}
	}
	switch {
	case !res.Healthy:
		res.Status = model.HealthUnhealthy
	case len(res.Warnings) > 0:
		res.Status = model.HealthDegraded
	default:
		res.Status = model.HealthHealthy
	}
	return res
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
