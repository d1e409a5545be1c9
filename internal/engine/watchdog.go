package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/model"
)

// pushState is the degraded-mode bookkeeping, guarded by Manager.mu.
type pushState struct {
	connected bool
	degraded  bool
	downSince time.Time
	// healthy counts consecutive connected checks while degraded.
	healthy int
	// fatal stops reconnect attempts after a non-recoverable fault.
	fatal   bool
	lastErr string
}

func (m *Manager) pushConfigured() bool {
	return m.cfg.PushEnabled && m.listener != nil
}

// pushHealthyLocked reports whether push may stand in for most polling.
func (m *Manager) pushHealthyLocked() bool {
	return m.pushConfigured() && m.push.connected && !m.push.degraded
}

// PushActive reports whether the push source is connected and trusted.
func (m *Manager) PushActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushHealthyLocked()
}

// Degraded reports whether the engine is relying on polling alone because
// the push source is down.
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.push.degraded
}

// shouldPoll gates registry ticks: every tick while push is not trusted,
// every PushHealthyPollFactor-th tick otherwise.
func (m *Manager) shouldPoll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollTick++
	if !m.pushHealthyLocked() {
		return true
	}
	return m.pollTick%uint64(m.cfg.PushHealthyPollFactor) == 0
}

// startPush starts the listener. Failure leaves the engine degraded from
// the outset; the watchdog keeps retrying.
func (m *Manager) startPush() {
	if !m.pushConfigured() {
		return
	}
	err := m.listener.StartListening(m.runCtx)
	now := m.clock.Now()

	m.mu.Lock()
	if err == nil {
		m.push = pushState{connected: true}
		m.mu.Unlock()
		return
	}
	m.push = pushState{
		degraded:  true,
		downSince: now,
		fatal:     errors.Is(err, model.ErrPermissionDenied),
		lastErr:   err.Error(),
	}
	m.mu.Unlock()

	m.log.Warn("push source unavailable, polling only", zap.Error(err))
	m.emit(m.newEvent(model.EventInformation, model.SourceEngine, now, nil,
		"push source unavailable, polling only", map[string]any{"error": err.Error()}))
}

// background runs the watchdog, sweep and roll-up timers until ctx ends.
func (m *Manager) background(ctx context.Context) {
	defer m.runDone.Done()

	watch := m.clock.NewTicker(m.cfg.PollInterval)
	defer watch.Stop()
	sweep := m.clock.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	rollup := m.clock.NewTicker(m.cfg.RollupInterval)
	defer rollup.Stop()

	var errs <-chan ingest.SourceError
	if m.pushConfigured() {
		errs = m.listener.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-watch.C():
			m.checkPush()
		case <-sweep.C():
			m.Sweep()
		case <-rollup.C():
			m.rollup(ctx)
		case se := <-errs:
			m.onSourceError(se)
		}
	}
}

// checkPush is one watchdog tick. Degraded mode is entered after the
// source has been down for a full poll interval and left only after
// RecoveryChecks consecutive healthy checks.
func (m *Manager) checkPush() {
	if !m.pushConfigured() {
		return
	}
	now := m.clock.Now()
	connected := m.listener.Running() && m.listener.Connected()

	var events []model.MonitoringEvent
	m.mu.Lock()
	ps := &m.push
	ps.connected = connected
	switch {
	case connected && ps.degraded:
		ps.healthy++
		if ps.healthy >= m.cfg.RecoveryChecks {
			down := now.Sub(ps.downSince)
			ps.degraded = false
			ps.downSince = time.Time{}
			ps.healthy = 0
			ps.lastErr = ""
			events = append(events, m.newEvent(model.EventInformation, model.SourceEngine, now, nil,
				"push source recovered", map[string]any{"down_seconds": down.Seconds()}))
		}
	case connected:
		ps.downSince = time.Time{}
	default:
		ps.healthy = 0
		if ps.downSince.IsZero() {
			ps.downSince = now
		}
		if !ps.degraded && now.Sub(ps.downSince) >= m.cfg.PollInterval {
			ps.degraded = true
			events = append(events, m.newEvent(model.EventInformation, model.SourceEngine, now, nil,
				"push source down, polling only", nil))
		}
	}
	retry := !connected && !ps.fatal
	m.mu.Unlock()

	for _, ev := range events {
		m.log.Info(ev.Message)
	}
	m.emit(events...)

	if retry && m.limiter.Allow() {
		m.reconnect()
	}
}

// reconnect retries StartListening when the listener never came up, or
// Reconnect when only the source subscription dropped.
func (m *Manager) reconnect() {
	var err error
	if m.listener.Running() {
		err = m.listener.Reconnect()
	} else {
		err = m.listener.StartListening(m.runCtx)
		m.mu.Lock()
		m.counters.reconnectAttempts++
		if err != nil {
			m.counters.reconnectFailures++
		}
		m.mu.Unlock()
	}
	if err == nil {
		m.log.Info("push source reconnect succeeded")
		return
	}
	m.mu.Lock()
	m.push.lastErr = err.Error()
	if errors.Is(err, model.ErrPermissionDenied) {
		m.push.fatal = true
	}
	m.mu.Unlock()
	m.log.Debug("push source reconnect failed", zap.Error(err))
}

// onSourceError turns a push fault into an Error event.
func (m *Manager) onSourceError(se ingest.SourceError) {
	m.mu.Lock()
	m.push.lastErr = se.Error()
	if !se.Recoverable {
		m.push.fatal = true
	}
	m.counters.errors++
	m.mu.Unlock()

	m.log.Warn("push source error", zap.Error(se.Err), zap.Bool("recoverable", se.Recoverable))
	at := se.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.emit(m.newEvent(model.EventError, model.SourcePush, at, nil,
		fmt.Sprintf("push source: %v", se.Err),
		map[string]any{"recoverable": se.Recoverable, "kind": string(model.KindOf(se.Err))}))
}

// Sweep removes exited nodes past their grace period and expires dedup
// entries. It returns the number of nodes removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	removed := m.tree.sweep(now)
	m.cache.Sweep()
	m.mu.Unlock()
	if m.listener != nil {
		m.listener.Sweep()
	}
	if len(removed) > 0 {
		m.log.Debug("swept exited processes", zap.Ints("pids", removed))
	}
	return len(removed)
}

// rollup refreshes the event rate, prunes history and saves state.
func (m *Manager) rollup(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	m.counters.roll(now)
	m.mu.Unlock()
	if m.cfg.EventHistoryRetention > 0 {
		if n := m.pub.prune(now); n > 0 {
			m.log.Debug("pruned event history", zap.Int("events", n))
		}
	}
	m.saveAll(ctx)
}
