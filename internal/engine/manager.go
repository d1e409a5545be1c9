// Package engine reconciles polling and push signals into one process
// tree. It is the only writer of the tree, owns the monitoring lifecycle
// and degraded-mode policy, and exposes health and statistics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/dedup"
	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/registry"
)

// Config holds engine configuration.
type Config struct {
	PollInterval          time.Duration
	NameFilters           []string
	PushEnabled           bool
	EventHistoryRetention time.Duration

	ExitGracePeriod time.Duration
	DedupWindow     time.Duration
	LinkPasses      int

	// RecoveryChecks is how many consecutive healthy watchdog checks the
	// push source needs before polling is throttled again.
	RecoveryChecks int
	// PushHealthyPollFactor runs polling on every Nth tick while push is
	// healthy. 1 polls every tick.
	PushHealthyPollFactor int
	ReconnectInterval     time.Duration

	SweepInterval  time.Duration
	RollupInterval time.Duration

	MemoryLimitBytes uint64
	BacklogThreshold int

	// AutoTrack adds push-started processes matching NameFilters to the
	// polling watch list.
	AutoTrack bool

	Clock      clock.Clock
	Logger     *zap.Logger
	Classifier *classify.Classifier
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ExitGracePeriod <= 0 {
		c.ExitGracePeriod = 5 * time.Minute
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = max(5*time.Second, 3*c.PollInterval)
	}
	if c.LinkPasses <= 0 {
		c.LinkPasses = 3
	}
	if c.RecoveryChecks <= 0 {
		c.RecoveryChecks = 3
	}
	if c.PushHealthyPollFactor <= 0 {
		c.PushHealthyPollFactor = 3
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.RollupInterval <= 0 {
		c.RollupInterval = time.Minute
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Classifier == nil {
		c.Classifier = classify.New(nil)
	}
}

// Manager is the reconciliation engine.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	clock    clock.Clock
	registry *registry.Registry
	listener *ingest.Listener // nil when push is not configured
	persist  Persistence

	// transMu admits one lifecycle transition at a time.
	transMu   sync.Mutex
	lifecycle lifecycleBox

	// ingestMu serializes apply+publish so events leave in apply order.
	ingestMu sync.Mutex

	// mu guards the tree, dedup bookkeeping, counters and push state.
	mu       sync.RWMutex
	tree     *tree
	cache    *dedup.Cache
	counters counters
	patterns []string
	push     pushState
	pollTick uint64

	limiter *rate.Limiter

	pub *publisher

	runCancel context.CancelFunc
	runDone   sync.WaitGroup
	runCtx    context.Context
}

// New builds a Manager over a registry and an optional push listener, and
// wires both to feed signals into it.
func New(cfg Config, reg *registry.Registry, lis *ingest.Listener) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.Named("engine"),
		clock:    cfg.Clock,
		registry: reg,
		listener: lis,
		tree:     newTree(cfg.LinkPasses),
		cache:    dedup.New(cfg.DedupWindow, 0, cfg.Clock),
		patterns: append([]string(nil), cfg.NameFilters...),
		limiter:  rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
	}
	m.lifecycle.set(model.LifecycleStopped)
	m.counters.init()
	m.pub = newPublisher(m.log, cfg.EventHistoryRetention, cfg.Clock)

	reg.SetSink(m.Ingest)
	reg.SetPollGate(m.shouldPoll)
	if lis != nil {
		lis.SetHandler(m.Ingest)
		lis.SetInterested(m.interested)
	}
	return m
}

// SetPersistence installs the persistence hooks. Call before Start.
func (m *Manager) SetPersistence(p Persistence) { m.persist = p }

// Lifecycle returns the current lifecycle state.
func (m *Manager) Lifecycle() model.LifecycleState { return m.lifecycle.get() }

// Start brings up polling and, when enabled, the push listener. A push
// source that cannot be reached is not a startup failure: the engine runs
// in polling-only mode and keeps trying to reconnect.
func (m *Manager) Start(ctx context.Context) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	switch m.lifecycle.get() {
	case model.LifecycleRunning:
		return nil
	case model.LifecycleStopped, model.LifecycleError:
	default:
		return fmt.Errorf("start: unexpected lifecycle %s", m.lifecycle.get())
	}
	m.lifecycle.set(model.LifecycleStarting)

	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	m.restoreState(ctx)

	if err := m.registry.Start(m.runCtx); err != nil {
		m.runCancel()
		m.runCancel = nil
		m.lifecycle.set(model.LifecycleError)
		m.log.Error("start failed", zap.Error(err))
		return fmt.Errorf("start polling: %w", err)
	}

	m.startPush()
	m.trackPatterns(ctx, m.Patterns())

	m.runDone.Add(1)
	go m.background(m.runCtx)

	now := m.clock.Now()
	m.mu.Lock()
	m.counters.startedAt = &now
	m.mu.Unlock()

	m.lifecycle.set(model.LifecycleRunning)
	m.log.Info("monitoring started",
		zap.Bool("push", m.PushActive()),
		zap.Duration("poll_interval", m.cfg.PollInterval))
	return nil
}

// Stop halts both sources, flushes the push queue through the normal
// ingest path, releases OS handles and saves state.
func (m *Manager) Stop(ctx context.Context) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	switch m.lifecycle.get() {
	case model.LifecycleStopped:
		return nil
	case model.LifecycleError:
		if m.runCancel == nil {
			m.lifecycle.set(model.LifecycleStopped)
			return nil
		}
	}
	m.lifecycle.set(model.LifecycleStopping)

	if m.runCancel != nil {
		m.runCancel()
	}
	m.runDone.Wait()
	m.registry.Stop()

	var errs []error
	if m.listener != nil {
		if err := m.listener.StopListening(); err != nil {
			errs = append(errs, fmt.Errorf("stop push listener: %w", err))
		}
	}
	released := m.registry.ReleaseHandles()
	m.saveAll(ctx)

	m.mu.Lock()
	m.push = pushState{}
	m.counters.startedAt = nil
	m.mu.Unlock()
	m.runCancel = nil

	if err := errors.Join(errs...); err != nil {
		m.lifecycle.set(model.LifecycleError)
		m.log.Error("stop failed", zap.Error(err))
		return err
	}
	m.lifecycle.set(model.LifecycleStopped)
	m.log.Info("monitoring stopped", zap.Int("handles_released", released))
	return nil
}

// Close stops the engine and shuts down sinks and subscribers.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	m.pub.close()
	return err
}

// AddProcess tracks pid through the registry.
func (m *Manager) AddProcess(ctx context.Context, pid int, nameHint string) error {
	return m.registry.AddProcess(ctx, pid, nameHint)
}

// AddProcessByNamePattern tracks every running process matching pattern.
func (m *Manager) AddProcessByNamePattern(ctx context.Context, pattern string) (model.BatchResult, error) {
	return m.registry.AddProcessByNamePattern(ctx, pattern)
}

// RemoveProcess stops tracking pid and drops it from the tree. Children
// become roots. An Information event records the removal.
func (m *Manager) RemoveProcess(pid int) error {
	regErr := m.registry.RemoveProcess(pid)

	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()

	m.mu.Lock()
	n := m.tree.get(pid)
	var ev *model.MonitoringEvent
	if n != nil {
		rec := n.rec
		m.tree.remove(pid)
		e := m.newEvent(model.EventInformation, model.SourceEngine, m.clock.Now(), &rec, "process untracked", nil)
		ev = &e
	}
	m.mu.Unlock()

	if ev == nil {
		return regErr
	}
	m.pub.publish([]model.MonitoringEvent{*ev})
	return nil
}

// ClearAll drops the watch list and the tree and returns the number of
// tree nodes removed.
func (m *Manager) ClearAll() int {
	m.registry.ClearAll()
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	return m.tree.clear()
}

// IsTracked reports whether pid is on the watch list or is a live tree node.
func (m *Manager) IsTracked(pid int) bool {
	if m.registry.IsTracked(pid) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.tree.get(pid)
	return n != nil && !n.rec.Terminal()
}

// GetProcessInfo returns the record for pid. Exited records stay visible
// until the grace-period sweep removes them.
func (m *Manager) GetProcessInfo(pid int) (model.ProcessRecord, error) {
	m.mu.RLock()
	n := m.tree.get(pid)
	var rec model.ProcessRecord
	if n != nil {
		rec = n.rec.Clone()
	}
	m.mu.RUnlock()

	if n == nil {
		return model.ProcessRecord{}, model.NewProcessError("info", pid, model.ErrNotFound)
	}
	if !rec.Terminal() {
		if perf, ok := m.registry.Perf(pid); ok {
			rec.Perf = &perf
		}
	}
	return rec, nil
}

// GetProcessesByName returns records whose name matches name, which may
// contain one wildcard. Results are ordered by PID.
func (m *Manager) GetProcessesByName(name string) []model.ProcessRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ProcessRecord
	for _, pid := range m.tree.sortedPIDs() {
		n := m.tree.get(pid)
		if classify.MatchPattern(name, n.rec.Name) {
			out = append(out, n.rec.Clone())
		}
	}
	return out
}

// GetProcessTreeRoots returns the root nodes ordered by PID.
func (m *Manager) GetProcessTreeRoots() []model.ProcessNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roots := m.tree.sortedRoots()
	out := make([]model.ProcessNode, 0, len(roots))
	for _, pid := range roots {
		out = append(out, m.tree.view(m.tree.get(pid)))
	}
	return out
}

// GetAllNodes returns every node ordered by PID.
func (m *Manager) GetAllNodes() []model.ProcessNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pids := m.tree.sortedPIDs()
	out := make([]model.ProcessNode, 0, len(pids))
	for _, pid := range pids {
		out = append(out, m.tree.view(m.tree.get(pid)))
	}
	return out
}

// Patterns returns the configured name filters.
func (m *Manager) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.patterns...)
}

// SetNameFilters replaces the name filters. When running, the push filter
// is updated and the new patterns are tracked immediately.
func (m *Manager) SetNameFilters(ctx context.Context, filters []string) {
	m.mu.Lock()
	m.patterns = append([]string(nil), filters...)
	m.mu.Unlock()
	if m.listener != nil {
		m.listener.SetFilters(filters)
	}
	if m.Lifecycle() == model.LifecycleRunning {
		m.trackPatterns(ctx, filters)
	}
	m.log.Info("name filters updated", zap.Strings("filters", filters))
}

// trackPatterns adds every process matching each pattern. NotFound just
// means nothing is running yet.
func (m *Manager) trackPatterns(ctx context.Context, patterns []string) {
	for _, p := range patterns {
		res, err := m.registry.AddProcessByNamePattern(ctx, p)
		switch {
		case errors.Is(err, model.ErrNotFound):
			continue
		case err != nil:
			m.log.Warn("track pattern failed", zap.String("pattern", p), zap.Error(err))
			continue
		}
		if res.Failed > 0 {
			m.log.Warn("track pattern partially failed",
				zap.String("pattern", p),
				zap.Int("matched", res.Matched),
				zap.Int("failed", res.Failed),
				zap.Error(res.Errors()))
		}
	}
}

// interested tells the push filter which exits matter.
func (m *Manager) interested(pid int) bool {
	return m.IsTracked(pid)
}

// lifecycleBox is a mutex-guarded lifecycle value readable without transMu.
type lifecycleBox struct {
	mu sync.RWMutex
	v  model.LifecycleState
}

func (b *lifecycleBox) get() model.LifecycleState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

func (b *lifecycleBox) set(v model.LifecycleState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = v
}
