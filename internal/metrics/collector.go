// Package metrics exports engine statistics and health to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/procwatch/internal/model"
)

const namespace = "procwatch"

// Source is what the collector reads on every scrape.
type Source interface {
	GetStatistics() model.Statistics
	CheckHealth() model.HealthResult
}

// Collector turns one statistics snapshot into const metrics per scrape,
// so counters are never double-booked between the engine and Prometheus.
type Collector struct {
	src Source

	events       *prometheus.Desc
	signals      *prometheus.Desc
	duplicates   *prometheus.Desc
	pipeline     *prometheus.Desc
	reconnects   *prometheus.Desc
	sinkErrors   *prometheus.Desc
	subDrops     *prometheus.Desc
	pidReuses    *prometheus.Desc
	cycles       *prometheus.Desc
	errors       *prometheus.Desc
	backlog      *prometheus.Desc
	tree         *prometheus.Desc
	tracked      *prometheus.Desc
	pushActive   *prometheus.Desc
	degraded     *prometheus.Desc
	eventsPerMin *prometheus.Desc
	lifecycle    *prometheus.Desc
	healthy      *prometheus.Desc
	check        *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:          src,
		events:       desc("events_total", "Monitoring events emitted, by source and type.", "source", "type"),
		signals:      desc("signals_total", "Signals ingested including duplicates, by source.", "source"),
		duplicates:   desc("duplicates_suppressed_total", "Signals merged into an existing transition."),
		pipeline:     desc("pipeline_notifications_total", "Push pipeline notifications not forwarded, by outcome.", "outcome"),
		reconnects:   desc("push_reconnects_total", "Push source reconnect attempts, by result.", "result"),
		sinkErrors:   desc("sink_errors_total", "Event sink deliveries that failed or were dropped."),
		subDrops:     desc("subscriber_drops_total", "Events dropped because a subscriber was full."),
		pidReuses:    desc("pid_reuses_total", "PID reuse detections."),
		cycles:       desc("tree_cycles_broken_total", "Parent links refused because they would form a cycle."),
		errors:       desc("errors_total", "Error events emitted."),
		backlog:      desc("pipeline_backlog", "Push notifications waiting to be drained."),
		tree:         desc("tree_nodes", "Process tree nodes, by kind.", "kind"),
		tracked:      desc("tracked_processes", "Processes on the polling watch list."),
		pushActive:   desc("push_active", "1 when the push source is connected and trusted."),
		degraded:     desc("degraded", "1 when running in polling-only mode."),
		eventsPerMin: desc("events_per_minute", "Event rate over the last roll-up interval."),
		lifecycle:    desc("lifecycle_state", "1 for the current monitoring lifecycle state.", "state"),
		healthy:      desc("healthy", "1 when every required health check passes."),
		check:        desc("health_check", "Individual health check results.", "check"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.events, c.signals, c.duplicates, c.pipeline, c.reconnects, c.sinkErrors,
		c.subDrops, c.pidReuses, c.cycles, c.errors, c.backlog, c.tree, c.tracked,
		c.pushActive, c.degraded, c.eventsPerMin, c.lifecycle, c.healthy, c.check,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.GetStatistics()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for src, byType := range st.EventsBySource {
		for typ, n := range byType {
			counter(c.events, n, string(src), string(typ))
		}
	}
	for src, n := range st.SignalsBySource {
		counter(c.signals, n, string(src))
	}
	counter(c.duplicates, st.DuplicatesSuppressed)
	counter(c.pipeline, st.PipelineDuplicates, "duplicate")
	counter(c.pipeline, st.PipelineFiltered, "filtered")
	counter(c.pipeline, st.PipelineDropped, "dropped")
	counter(c.reconnects, st.ReconnectAttempts-min(st.ReconnectFailures, st.ReconnectAttempts), "success")
	counter(c.reconnects, st.ReconnectFailures, "failure")
	counter(c.sinkErrors, st.SinkErrors)
	counter(c.subDrops, st.SubscriberDrops)
	counter(c.pidReuses, st.PIDReuses)
	counter(c.cycles, st.CyclesBroken)
	counter(c.errors, st.Errors)

	gauge(c.backlog, float64(st.PipelineBacklog))
	gauge(c.tree, float64(st.TreeSize), "all")
	gauge(c.tree, float64(st.RootCount), "root")
	gauge(c.tree, float64(st.OrphanCount), "orphan")
	gauge(c.tree, float64(st.PendingSweep), "pending_sweep")
	gauge(c.tracked, float64(st.Tracked))
	gauge(c.pushActive, boolFloat(st.PushActive))
	gauge(c.degraded, boolFloat(st.Degraded))
	gauge(c.eventsPerMin, st.EventsPerMin)
	for _, s := range []model.LifecycleState{
		model.LifecycleStopped, model.LifecycleStarting, model.LifecycleRunning,
		model.LifecycleStopping, model.LifecycleError,
	} {
		gauge(c.lifecycle, boolFloat(st.Lifecycle == s), string(s))
	}

	h := c.src.CheckHealth()
	gauge(c.healthy, boolFloat(h.Healthy))
	for name, ok := range h.Checks {
		gauge(c.check, boolFloat(ok), name)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
