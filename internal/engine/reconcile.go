package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/model"
)

// followups are registry calls that must run after the ingest locks are
// released, since the registry reports back through Ingest.
type followups struct {
	untrack []int
	track   []model.Signal
}

// Ingest applies a batch of signals from either source in order. It is the
// only path that mutates the tree.
func (m *Manager) Ingest(batch []model.Signal) {
	if len(batch) == 0 {
		return
	}
	var f followups

	m.ingestMu.Lock()
	m.mu.Lock()
	var events []model.MonitoringEvent
	for _, sig := range batch {
		events = append(events, m.apply(sig, &f)...)
	}
	_, orphaned := m.tree.linkPending()
	for _, pid := range orphaned {
		n := m.tree.get(pid)
		events = append(events, m.newEvent(model.EventStateChanged, model.SourceEngine, m.clock.Now(), &n.rec,
			fmt.Sprintf("parent %d exited", n.rec.ParentPID),
			map[string]any{"to": string(model.StateOrphaned)}))
	}
	for _, ev := range events {
		m.counters.countEvent(ev)
	}
	m.mu.Unlock()
	m.pub.publish(events)
	m.ingestMu.Unlock()

	m.runFollowups(f)
}

// emit publishes engine-originated events in order with ingested ones.
func (m *Manager) emit(events ...model.MonitoringEvent) {
	if len(events) == 0 {
		return
	}
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()
	m.mu.Lock()
	for _, ev := range events {
		m.counters.countEvent(ev)
	}
	m.mu.Unlock()
	m.pub.publish(events)
}

func (m *Manager) apply(sig model.Signal, f *followups) []model.MonitoringEvent {
	m.counters.signals[sig.Source]++
	if sig.At.IsZero() {
		sig.At = m.clock.Now()
	}

	switch {
	case sig.Type == model.EventStarted:
		return m.applyStart(sig, f)
	case sig.Type.IsExit():
		return m.applyExit(sig, f)
	case sig.Type == model.EventStateChanged:
		return m.applyStateChanged(sig)
	case sig.Type == model.EventError:
		return m.applyError(sig)
	case sig.Type == model.EventPerformanceAlert:
		return m.applyPerf(sig)
	default:
		var rec *model.ProcessRecord
		if n := m.tree.get(sig.PID); n != nil {
			rec = &n.rec
		}
		return []model.MonitoringEvent{m.newEvent(sig.Type, sig.Source, sig.At, rec, sig.Reason, nil)}
	}
}

// applyStart upserts a node. A second sighting of the same incarnation
// merges fields and is counted as a duplicate.
func (m *Manager) applyStart(sig model.Signal, f *followups) []model.MonitoringEvent {
	var events []model.MonitoringEvent

	if n := m.tree.get(sig.PID); n != nil {
		same := sig.StartToken == 0 || n.rec.StartToken == 0 || sig.StartToken == n.rec.StartToken
		switch {
		case same && !n.rec.Terminal():
			m.merge(n, sig)
			m.counters.duplicates++
			return nil

		case n.rec.Terminal():
			if same && m.lateForExit(n, sig) {
				m.counters.duplicates++
				return nil
			}
			// The exited incarnation is superseded; drop it now rather than
			// after its grace period.
			m.tree.remove(sig.PID)
			m.counters.pidReuses++

		default:
			// A new incarnation arrived before the old one's exit.
			exit := model.Signal{
				Type:   model.EventExited,
				Source: model.SourceEngine,
				PID:    sig.PID,
				At:     sig.At,
				Reason: "pid reused before exit was observed",
			}
			events = append(events, m.markExited(n, exit, f)...)
			events = append(events, m.newEvent(model.EventError, model.SourceEngine, sig.At, &n.rec,
				fmt.Sprintf("%v: pid %d start token %d replaced by %d", model.ErrAmbiguous, sig.PID, n.rec.StartToken, sig.StartToken),
				map[string]any{"kind": string(model.KindAmbiguous)}))
			m.counters.errors++
			m.tree.remove(sig.PID)
			m.counters.pidReuses++
		}
	}

	rec := m.newRecord(sig)
	n := m.tree.insert(rec)
	if rec.ParentPID != 0 {
		m.tree.link(rec.PID, rec.ParentPID)
	}
	events = append(events, m.newEvent(model.EventStarted, sig.Source, sig.At, &n.rec, "process started", nil))

	if sig.Source == model.SourcePush && m.cfg.AutoTrack && classify.MatchAny(m.patterns, rec.Name) {
		f.track = append(f.track, sig)
	}
	return events
}

// lateForExit reports whether a start without a usable token is a stale
// sighting of an already-exited node.
func (m *Manager) lateForExit(n *node, sig model.Signal) bool {
	if sig.StartToken != 0 && sig.StartToken == n.rec.StartToken {
		return true
	}
	if n.rec.ExitTime == nil {
		return true
	}
	return sig.At.Sub(*n.rec.ExitTime) <= m.cfg.DedupWindow
}

func (m *Manager) newRecord(sig model.Signal) model.ProcessRecord {
	state := model.StateTracked
	if sig.Source == model.SourcePush {
		state = model.StateActive
	}
	start := sig.StartTime
	if start.IsZero() {
		start = sig.At
	}
	rec := model.ProcessRecord{
		PID:        sig.PID,
		Name:       sig.Name,
		FullPath:   sig.FullPath,
		ParentPID:  sig.ParentPID,
		State:      state,
		StartTime:  start,
		StartToken: sig.StartToken,
		ToolType:   model.ToolUnknown,
		Perf:       sig.Perf,
	}
	tool, tags := m.cfg.Classifier.Classify(sig.Name, sig.FullPath)
	rec.ToolType = tool
	rec.AddTags(tags...)
	rec.AddTags("source:" + string(sig.Source))
	return rec
}

// merge folds a repeated start into a live node without dropping known
// fields.
func (m *Manager) merge(n *node, sig model.Signal) {
	if sig.Name != "" && sig.Name != n.rec.Name {
		n.rec.Name = sig.Name
		if tool, tags := m.cfg.Classifier.Classify(sig.Name, sig.FullPath); tool != model.ToolUnknown {
			n.rec.ToolType = tool
			n.rec.AddTags(tags...)
		}
	}
	if n.rec.FullPath == "" {
		n.rec.FullPath = sig.FullPath
	}
	if n.rec.StartToken == 0 && sig.StartToken != 0 {
		n.rec.StartToken = sig.StartToken
		if !sig.StartTime.IsZero() {
			n.rec.StartTime = sig.StartTime
		}
	}
	if sig.Perf != nil {
		n.rec.Perf = sig.Perf
	}
	n.rec.AddTags("source:" + string(sig.Source))

	if sig.ParentPID != 0 && n.parent == 0 && sig.ParentPID != sig.PID {
		n.wantParent = sig.ParentPID
		n.rec.ParentPID = sig.ParentPID
		m.tree.link(sig.PID, sig.ParentPID)
	}
}

// applyExit marks a live node exited once. Later reports of the same exit
// only enrich the record.
func (m *Manager) applyExit(sig model.Signal, f *followups) []model.MonitoringEvent {
	n := m.tree.get(sig.PID)
	if n == nil {
		if m.cache.Contains(exitKey(sig.PID)) {
			m.counters.duplicates++
		}
		return nil
	}
	if sig.StartToken != 0 && n.rec.StartToken != 0 && sig.StartToken != n.rec.StartToken {
		// Exit of an incarnation that was already retired.
		m.counters.duplicates++
		return nil
	}
	if n.rec.Terminal() {
		m.counters.duplicates++
		if !mergeExit(&n.rec, sig) {
			return nil
		}
		return []model.MonitoringEvent{m.newEvent(model.EventStateChanged, sig.Source, sig.At, &n.rec,
			"exit reclassified as killed",
			map[string]any{"reclassified": string(model.EventKilled)})}
	}
	return m.markExited(n, sig, f)
}

// markExited records the exit, orphans children and schedules removal.
func (m *Manager) markExited(n *node, sig model.Signal, f *followups) []model.MonitoringEvent {
	at := sig.At
	n.rec.State = model.StateExited
	n.rec.ExitTime = &at
	if sig.ExitCode != nil {
		code := *sig.ExitCode
		n.rec.ExitCode = &code
	}
	n.rec.IsAbnormalExit = sig.Abnormal || sig.Type == model.EventKilled
	n.rec.ExitReason = sig.Reason
	if n.rec.ExitReason == "" && n.rec.ExitCode != nil {
		n.rec.ExitReason = "exit code " + strconv.Itoa(*n.rec.ExitCode)
	}
	n.removeAt = at.Add(m.cfg.ExitGracePeriod)
	m.cache.Seen(exitKey(n.rec.PID))
	f.untrack = append(f.untrack, n.rec.PID)

	typ := model.EventExited
	msg := "process exited"
	if sig.Type == model.EventKilled {
		typ = model.EventKilled
		msg = "process killed"
	}
	events := []model.MonitoringEvent{m.newEvent(typ, sig.Source, at, &n.rec, msg, nil)}

	for _, c := range m.tree.orphan(n.rec.PID) {
		child := m.tree.get(c)
		if child == nil || child.rec.Terminal() {
			continue
		}
		events = append(events, m.newEvent(model.EventStateChanged, model.SourceEngine, at, &child.rec,
			fmt.Sprintf("parent %d exited", n.rec.PID),
			map[string]any{"to": string(model.StateOrphaned)}))
	}
	return events
}

// mergeExit keeps the richer of two exit reports and reports whether a
// normal exit became abnormal.
func mergeExit(rec *model.ProcessRecord, sig model.Signal) bool {
	upgraded := false
	if sig.Type == model.EventKilled && !rec.IsAbnormalExit {
		rec.IsAbnormalExit = true
		upgraded = true
		if sig.Reason != "" {
			rec.ExitReason = sig.Reason
		}
	}
	if rec.ExitCode == nil && sig.ExitCode != nil {
		code := *sig.ExitCode
		rec.ExitCode = &code
	}
	if rec.ExitReason == "" {
		rec.ExitReason = sig.Reason
	}
	return upgraded
}

func (m *Manager) applyStateChanged(sig model.Signal) []model.MonitoringEvent {
	n := m.tree.get(sig.PID)
	if n == nil || n.rec.Terminal() {
		return nil
	}
	if sig.Perf != nil {
		n.rec.Perf = sig.Perf
	}
	if n.rec.State == model.StateActive || n.rec.State == model.StateOrphaned {
		return nil
	}
	from := n.rec.State
	n.rec.State = model.StateActive
	return []model.MonitoringEvent{m.newEvent(model.EventStateChanged, sig.Source, sig.At, &n.rec,
		fmt.Sprintf("%s -> %s", from, model.StateActive),
		map[string]any{"from": string(from), "to": string(model.StateActive)})}
}

// applyError moves a live node to Error. Orphaned and terminal states are
// kept; the error is carried by the event.
func (m *Manager) applyError(sig model.Signal) []model.MonitoringEvent {
	m.counters.errors++
	var rec *model.ProcessRecord
	if n := m.tree.get(sig.PID); n != nil {
		if !n.rec.Terminal() && n.rec.State != model.StateOrphaned {
			n.rec.State = model.StateError
		}
		rec = &n.rec
	}
	return []model.MonitoringEvent{m.newEvent(model.EventError, sig.Source, sig.At, rec, sig.Reason,
		map[string]any{"error": sig.Reason})}
}

func (m *Manager) applyPerf(sig model.Signal) []model.MonitoringEvent {
	var rec *model.ProcessRecord
	if n := m.tree.get(sig.PID); n != nil {
		if sig.Perf != nil {
			n.rec.Perf = sig.Perf
		}
		rec = &n.rec
	}
	payload := map[string]any{}
	if sig.Perf != nil {
		payload["memory_bytes"] = sig.Perf.MemoryBytes
		payload["cpu_percent"] = sig.Perf.CPUPercent
	}
	return []model.MonitoringEvent{m.newEvent(model.EventPerformanceAlert, sig.Source, sig.At, rec, sig.Reason, payload)}
}

// newEvent builds an event, describing rec when known.
func (m *Manager) newEvent(typ model.EventType, source model.Source, at time.Time, rec *model.ProcessRecord, message string, extra map[string]any) model.MonitoringEvent {
	payload := make(map[string]any, len(extra)+6)
	pid := 0
	if rec != nil {
		pid = rec.PID
		payload["name"] = rec.Name
		payload["state"] = string(rec.State)
		if rec.ParentPID != 0 {
			payload["parent_pid"] = rec.ParentPID
		}
		if rec.ExitCode != nil {
			payload["exit_code"] = *rec.ExitCode
		}
		if rec.Terminal() {
			payload["abnormal"] = rec.IsAbnormalExit
		}
		if rec.ExitReason != "" {
			payload["reason"] = rec.ExitReason
		}
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := model.NewEvent(typ, source, at, pid, message, payload)
	if rec != nil {
		ev.Name = rec.Name
		ev.ToolType = rec.ToolType
	}
	return ev
}

func (m *Manager) runFollowups(f followups) {
	for _, pid := range f.untrack {
		if !m.registry.IsTracked(pid) {
			continue
		}
		if err := m.registry.RemoveProcess(pid); err != nil && !errors.Is(err, model.ErrNotFound) {
			m.log.Debug("untrack exited process", zap.Int("pid", pid), zap.Error(err))
		}
	}
	if len(f.track) == 0 {
		return
	}
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sig := range f.track {
		if err := m.registry.AddProcess(ctx, sig.PID, sig.Name); err != nil {
			m.log.Debug("auto-track failed", zap.Int("pid", sig.PID), zap.String("name", sig.Name), zap.Error(err))
		}
	}
}

func exitKey(pid int) string { return "exit:" + strconv.Itoa(pid) }
