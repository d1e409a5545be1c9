package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/ingest"
	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/procfs"
	"github.com/ppiankov/procwatch/internal/registry"
)

// fakeProber is an in-memory process table.
type fakeProber struct {
	mu    sync.Mutex
	procs map[int]procfs.Process
}

func (f *fakeProber) Lookup(pid int) (procfs.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return procfs.Process{}, model.NewProcessError("lookup", pid, model.ErrNotFound)
	}
	return p, nil
}

func (f *fakeProber) List() ([]procfs.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]procfs.Process, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProber) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
}

// fakeSource is a push source the test drives by hand.
type fakeSource struct {
	mu       sync.Mutex
	probeErr error
	out      ingest.Emitter
	fail     chan error
	ready    chan struct{}
}

func (f *fakeSource) Probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeSource) Run(ctx context.Context, out ingest.Emitter) error {
	fail := make(chan error, 1)
	f.mu.Lock()
	f.out = out
	f.fail = fail
	f.mu.Unlock()
	f.ready <- struct{}{}
	select {
	case <-ctx.Done():
		return nil
	case err := <-fail:
		return err
	}
}

func (f *fakeSource) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeErr = err
}

func (f *fakeSource) breakRun(err error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	fail <- err
}

type engineHarness struct {
	m      *Manager
	reg    *registry.Registry
	lis    *ingest.Listener
	src    *fakeSource
	prober *fakeProber
	clock  *clock.Fake
	events <-chan model.MonitoringEvent
}

func newEngine(t *testing.T, cfg Config, push bool, procs ...procfs.Process) *engineHarness {
	t.Helper()
	h := &engineHarness{
		clock:  clock.NewFake(t0),
		prober: &fakeProber{procs: make(map[int]procfs.Process)},
		src:    &fakeSource{ready: make(chan struct{}, 8)},
	}
	for _, p := range procs {
		h.prober.procs[p.PID] = p
	}
	logger := zaptest.NewLogger(t)
	h.reg = registry.New(registry.Config{
		PollInterval: time.Second,
		Clock:        h.clock,
		Logger:       logger,
		OpenHandle: func(int) (procfs.Handle, error) {
			return nil, errors.New("handles disabled in tests")
		},
	}, h.prober, nil)
	if push {
		h.lis = ingest.NewListener(ingest.Config{
			DrainInterval: time.Hour,
			Clock:         h.clock,
			Logger:        logger,
		}, h.src, nil)
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	cfg.PushEnabled = push
	cfg.Clock = h.clock
	cfg.Logger = logger
	h.m = New(cfg, h.reg, h.lis)

	var cancel func()
	h.events, cancel = h.m.Subscribe(1024)
	t.Cleanup(func() {
		cancel()
		_ = h.m.Close(context.Background())
	})
	return h
}

// drain returns every event delivered so far.
func (h *engineHarness) drain() []model.MonitoringEvent {
	var out []model.MonitoringEvent
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []model.MonitoringEvent) []model.EventType {
	out := make([]model.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func startSig(src model.Source, pid, ppid int, name string, token uint64, start time.Time) model.Signal {
	return model.Signal{
		Type:       model.EventStarted,
		Source:     src,
		PID:        pid,
		ParentPID:  ppid,
		Name:       name,
		StartToken: token,
		StartTime:  start,
		At:         t0,
	}
}

func exitSig(src model.Source, typ model.EventType, pid int, code *int) model.Signal {
	return model.Signal{
		Type:     typ,
		Source:   src,
		PID:      pid,
		ExitCode: code,
		Abnormal: typ == model.EventKilled,
		At:       t0.Add(time.Second),
	}
}

func intp(v int) *int { return &v }

func proc(pid int, name string, token uint64) procfs.Process {
	return procfs.Process{
		PID:        pid,
		PPID:       1,
		Name:       name,
		State:      'S',
		StartTicks: token,
		StartTime:  t0.Add(-time.Minute),
		RSSBytes:   1 << 20,
		Threads:    2,
		FDs:        4,
	}
}

func (h *engineHarness) verifyTree(t *testing.T) {
	t.Helper()
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	require.NoError(t, h.m.tree.verify())
}

func TestStartIsIdempotentAcrossSources(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 100, 1, "claude", 500, t0)})
	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 100, 1, "claude", 500, t0)})
	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 100, 1, "claude", 500, t0)})

	assert.Equal(t, []model.EventType{model.EventStarted}, types(h.drain()))
	st := h.m.GetStatistics()
	assert.Equal(t, uint64(2), st.DuplicatesSuppressed)
	assert.Equal(t, 1, st.TreeSize)

	info, err := h.m.GetProcessInfo(100)
	require.NoError(t, err)
	assert.Equal(t, model.ToolClaude, info.ToolType)
	assert.Equal(t, model.StateActive, info.State)
	assert.True(t, info.HasTag("source:push"))
	assert.True(t, info.HasTag("source:polling"))
}

func TestKilledProcessReportedOnce(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 100, 1, "claude", 500, t0)})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventKilled, 100, intp(137))})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePolling, model.EventExited, 100, nil)})

	events := h.drain()
	assert.Equal(t, []model.EventType{model.EventStarted, model.EventKilled}, types(events))
	assert.Equal(t, 100, events[1].ProcessID())

	info, err := h.m.GetProcessInfo(100)
	require.NoError(t, err)
	assert.Equal(t, model.StateExited, info.State)
	assert.True(t, info.IsAbnormalExit)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 137, *info.ExitCode)
	assert.False(t, h.m.IsTracked(100))

	st := h.m.GetStatistics()
	assert.Equal(t, uint64(1), st.Events(model.SourcePush, model.EventKilled))
	assert.Equal(t, uint64(1), st.DuplicatesSuppressed)
}

func TestLaterExitReportEnrichesRecord(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 100, 1, "codex", 500, t0)})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePolling, model.EventExited, 100, nil)})
	killed := exitSig(model.SourcePush, model.EventKilled, 100, intp(137))
	killed.Reason = "terminated by signal 9"
	h.m.Ingest([]model.Signal{killed})

	events := h.drain()
	require.Equal(t, []model.EventType{model.EventStarted, model.EventExited, model.EventStateChanged}, types(events))
	assert.Equal(t, true, events[2].Payload["abnormal"])
	assert.Equal(t, "killed", events[2].Payload["reclassified"])

	// A further kill report adds nothing new.
	h.m.Ingest([]model.Signal{killed})
	assert.Empty(t, h.drain())

	info, err := h.m.GetProcessInfo(100)
	require.NoError(t, err)
	assert.True(t, info.IsAbnormalExit)
	assert.Equal(t, 137, *info.ExitCode)
	assert.Equal(t, "terminated by signal 9", info.ExitReason)
}

func TestParentSeenAfterChildIsLinked(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 201, 200, "node", 0, t0.Add(time.Second))})
	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 200, 1, "claude", 0, t0)})
	h.verifyTree(t)

	roots := h.m.GetProcessTreeRoots()
	require.Len(t, roots, 1)
	assert.Equal(t, 200, roots[0].Record.PID)
	assert.Equal(t, []int{201}, roots[0].Children)

	child, err := h.m.GetProcessInfo(201)
	require.NoError(t, err)
	assert.Equal(t, 200, child.ParentPID)
}

func TestParentExitOrphansChildren(t *testing.T) {
	h := newEngine(t, Config{ExitGracePeriod: time.Minute, DedupWindow: 10 * time.Minute}, false)

	h.m.Ingest([]model.Signal{
		startSig(model.SourcePush, 200, 1, "claude", 0, t0),
		startSig(model.SourcePush, 201, 200, "node", 0, t0),
	})
	h.drain()
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventExited, 200, intp(0))})
	h.verifyTree(t)

	events := h.drain()
	require.Equal(t, []model.EventType{model.EventExited, model.EventStateChanged}, types(events))
	assert.Equal(t, 201, events[1].ProcessID())

	child, err := h.m.GetProcessInfo(201)
	require.NoError(t, err)
	assert.Equal(t, model.StateOrphaned, child.State)

	var rootPIDs []int
	for _, r := range h.m.GetProcessTreeRoots() {
		rootPIDs = append(rootPIDs, r.Record.PID)
	}
	assert.Equal(t, []int{200, 201}, rootPIDs)
	assert.Equal(t, 1, h.m.GetStatistics().OrphanCount)

	// The exited parent stays queryable until the grace period ends.
	_, err = h.m.GetProcessInfo(200)
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.m.Sweep())
	_, err = h.m.GetProcessInfo(200)
	assert.ErrorIs(t, err, model.ErrNotFound)
	h.verifyTree(t)

	// A straggling exit report after the sweep is a duplicate, not news.
	h.m.Ingest([]model.Signal{exitSig(model.SourcePolling, model.EventExited, 200, nil)})
	assert.Empty(t, h.drain())
	assert.Equal(t, uint64(1), h.m.GetStatistics().DuplicatesSuppressed)
}

func TestPIDReuseBeforeExitObserved(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 300, 1, "claude", 1, t0)})
	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 300, 1, "gemini", 2, t0.Add(time.Second))})

	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventExited, model.EventError, model.EventStarted,
	}, types(h.drain()))

	info, err := h.m.GetProcessInfo(300)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.StartToken)
	assert.Equal(t, model.ToolGemini, info.ToolType)
	assert.Equal(t, uint64(1), h.m.GetStatistics().PIDReuses)
}

func TestStartAfterExitIsNewIncarnation(t *testing.T) {
	h := newEngine(t, Config{}, false)

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 300, 1, "claude", 1, t0)})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventExited, 300, intp(0))})
	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 300, 1, "claude", 1, t0)}) // stale
	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 300, 1, "claude", 2, t0.Add(time.Minute))})

	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventExited, model.EventStarted,
	}, types(h.drain()))
	info, err := h.m.GetProcessInfo(300)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, info.State)
	st := h.m.GetStatistics()
	assert.Equal(t, uint64(1), st.PIDReuses)
	assert.Equal(t, uint64(1), st.DuplicatesSuppressed)
}

func TestExitForUnknownPIDIsIgnored(t *testing.T) {
	h := newEngine(t, Config{}, false)
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventExited, 999, intp(0))})
	assert.Empty(t, h.drain())
	assert.Zero(t, h.m.GetStatistics().DuplicatesSuppressed)
}

func TestErrorAndRecovery(t *testing.T) {
	h := newEngine(t, Config{}, false)
	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 100, 1, "claude", 1, t0)})
	h.m.Ingest([]model.Signal{{Type: model.EventError, Source: model.SourcePolling, PID: 100, Reason: "probe timed out", At: t0}})

	info, _ := h.m.GetProcessInfo(100)
	assert.Equal(t, model.StateError, info.State)

	h.m.Ingest([]model.Signal{{Type: model.EventStateChanged, Source: model.SourcePolling, PID: 100, At: t0}})
	info, _ = h.m.GetProcessInfo(100)
	assert.Equal(t, model.StateActive, info.State)

	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventError, model.EventStateChanged,
	}, types(h.drain()))
	assert.Equal(t, uint64(1), h.m.GetStatistics().Errors)
}

func TestErrorKeepsOrphanedState(t *testing.T) {
	h := newEngine(t, Config{}, false)
	h.m.Ingest([]model.Signal{
		startSig(model.SourcePush, 200, 1, "claude", 0, t0),
		startSig(model.SourcePush, 201, 200, "node", 0, t0),
	})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventExited, 200, intp(0))})
	h.drain()

	h.m.Ingest([]model.Signal{{Type: model.EventError, Source: model.SourcePolling, PID: 201, Reason: "probe timed out", At: t0}})
	info, err := h.m.GetProcessInfo(201)
	require.NoError(t, err)
	assert.Equal(t, model.StateOrphaned, info.State)

	events := h.drain()
	require.Equal(t, []model.EventType{model.EventError}, types(events))
	assert.Equal(t, "probe timed out", events[0].Payload["error"])
	assert.Equal(t, string(model.StateOrphaned), events[0].Payload["state"])
}

func TestChildOfExitedParentIsReportedOrphaned(t *testing.T) {
	h := newEngine(t, Config{ExitGracePeriod: time.Minute}, false)
	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 200, 1, "claude", 0, t0)})
	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventExited, 200, intp(0))})
	h.drain()

	// Polling finds the child only after its parent is gone.
	h.m.Ingest([]model.Signal{startSig(model.SourcePolling, 201, 200, "node", 0, t0)})
	h.verifyTree(t)

	events := h.drain()
	require.Equal(t, []model.EventType{model.EventStarted, model.EventStateChanged}, types(events))
	assert.Equal(t, 201, events[1].ProcessID())
	assert.Equal(t, string(model.StateOrphaned), events[1].Payload["to"])

	info, err := h.m.GetProcessInfo(201)
	require.NoError(t, err)
	assert.Equal(t, model.StateOrphaned, info.State)
}

func TestTreeStaysConsistentUnderRandomSignals(t *testing.T) {
	h := newEngine(t, Config{ExitGracePeriod: time.Second}, false)
	rng := rand.New(rand.NewSource(42))
	kinds := []model.EventType{model.EventStarted, model.EventStarted, model.EventExited, model.EventKilled, model.EventStateChanged, model.EventError}
	sources := []model.Source{model.SourcePolling, model.SourcePush}

	for i := 0; i < 2000; i++ {
		sig := model.Signal{
			Type:       kinds[rng.Intn(len(kinds))],
			Source:     sources[rng.Intn(len(sources))],
			PID:        1 + rng.Intn(30),
			ParentPID:  rng.Intn(31),
			Name:       "claude",
			StartToken: uint64(rng.Intn(3)),
			StartTime:  t0.Add(time.Duration(rng.Intn(60)) * time.Second),
			At:         h.clock.Now(),
		}
		h.m.Ingest([]model.Signal{sig})
		if i%100 == 0 {
			h.clock.Advance(2 * time.Second)
			h.m.Sweep()
		}
		h.verifyTree(t)
	}
	h.drain()
}

func TestRemoveProcessEmitsInformation(t *testing.T) {
	h := newEngine(t, Config{}, false, proc(100, "claude", 7))
	ctx := context.Background()

	require.NoError(t, h.m.AddProcess(ctx, 100, ""))
	assert.True(t, h.m.IsTracked(100))
	require.NoError(t, h.m.RemoveProcess(100))
	assert.False(t, h.m.IsTracked(100))
	assert.ErrorIs(t, h.m.RemoveProcess(100), model.ErrNotFound)

	assert.Equal(t, []model.EventType{model.EventStarted, model.EventInformation}, types(h.drain()))
}

func TestCapacityExceededSurfaces(t *testing.T) {
	h := newEngine(t, Config{}, false, proc(1, "claude", 1))
	// Fill the watch list.
	for i := 0; i < h.reg.Capacity(); i++ {
		h.prober.mu.Lock()
		h.prober.procs[1000+i] = proc(1000+i, "worker", uint64(i+1))
		h.prober.mu.Unlock()
		require.NoError(t, h.m.AddProcess(context.Background(), 1000+i, ""))
	}
	err := h.m.AddProcess(context.Background(), 1, "")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	assert.False(t, h.m.IsTracked(1))
}

func TestPollingExitReachesSubscribers(t *testing.T) {
	h := newEngine(t, Config{}, false, proc(100, "claude", 7))
	ctx := context.Background()
	require.NoError(t, h.m.AddProcess(ctx, 100, ""))

	h.reg.RefreshAll(ctx)
	h.prober.kill(100)
	h.reg.RefreshAll(ctx)

	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventStateChanged, model.EventExited,
	}, types(h.drain()))
	assert.False(t, h.reg.IsTracked(100))
}

func TestPushExitUntracksRegistryEntry(t *testing.T) {
	h := newEngine(t, Config{}, false, proc(100, "claude", 7))
	require.NoError(t, h.m.AddProcess(context.Background(), 100, ""))
	require.True(t, h.reg.IsTracked(100))

	h.m.Ingest([]model.Signal{exitSig(model.SourcePush, model.EventKilled, 100, intp(143))})
	assert.False(t, h.reg.IsTracked(100))
}

func TestAutoTrackPushStarts(t *testing.T) {
	h := newEngine(t, Config{AutoTrack: true, NameFilters: []string{"claude*"}}, false, proc(100, "claude", 7))

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 100, 1, "claude", 7, t0)})
	assert.True(t, h.reg.IsTracked(100))
	// The registry's own Started merges into the existing node.
	assert.Equal(t, []model.EventType{model.EventStarted}, types(h.drain()))
	assert.Equal(t, uint64(1), h.m.GetStatistics().DuplicatesSuppressed)
}

func TestGetProcessesByName(t *testing.T) {
	h := newEngine(t, Config{}, false)
	h.m.Ingest([]model.Signal{
		startSig(model.SourcePush, 3, 0, "claude", 0, t0),
		startSig(model.SourcePush, 1, 0, "claude-code", 0, t0),
		startSig(model.SourcePush, 2, 0, "bash", 0, t0),
	})
	var pids []int
	for _, r := range h.m.GetProcessesByName("claude*") {
		pids = append(pids, r.PID)
	}
	assert.Equal(t, []int{1, 3}, pids)
}

func TestLifecycleStartStop(t *testing.T) {
	h := newEngine(t, Config{}, false)
	ctx := context.Background()

	assert.Equal(t, model.LifecycleStopped, h.m.Lifecycle())
	require.NoError(t, h.m.Start(ctx))
	require.NoError(t, h.m.Start(ctx), "start is idempotent")
	assert.Equal(t, model.LifecycleRunning, h.m.Lifecycle())
	assert.True(t, h.reg.Running())
	assert.NotNil(t, h.m.GetStatistics().StartedAt)

	require.NoError(t, h.m.Stop(ctx))
	require.NoError(t, h.m.Stop(ctx))
	assert.Equal(t, model.LifecycleStopped, h.m.Lifecycle())
	assert.False(t, h.reg.Running())
	assert.Nil(t, h.m.GetStatistics().StartedAt)
}

func TestDegradedModeKeepsPolling(t *testing.T) {
	h := newEngine(t, Config{}, true, proc(100, "claude", 7))
	h.src.setProbeErr(errors.New("netlink unavailable"))
	ctx := context.Background()

	require.NoError(t, h.m.Start(ctx))
	assert.True(t, h.m.Degraded())
	assert.False(t, h.m.PushActive())

	health := h.m.CheckHealth()
	assert.Equal(t, model.HealthDegraded, health.Status)
	assert.True(t, health.Healthy)
	assert.True(t, health.Checks["push_ok"])
	assert.NotEmpty(t, health.Warnings)

	require.NoError(t, h.m.AddProcess(ctx, 100, ""))
	h.prober.kill(100)
	h.reg.RefreshAll(ctx)

	events := h.drain()
	assert.Equal(t, []model.EventType{
		model.EventInformation, model.EventStarted, model.EventExited,
	}, types(events))
	assert.Equal(t, model.SourcePolling, events[2].Source)
}

func TestDegradedAfterOnePollInterval(t *testing.T) {
	h := newEngine(t, Config{PollInterval: time.Second}, true)
	h.src.setProbeErr(errors.New("still down"))

	h.m.checkPush()
	assert.False(t, h.m.Degraded())
	h.clock.Advance(500 * time.Millisecond)
	h.m.checkPush()
	assert.False(t, h.m.Degraded())
	h.clock.Advance(500 * time.Millisecond)
	h.m.checkPush()
	assert.True(t, h.m.Degraded())

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, "push source down, polling only", events[0].Message)
}

func TestRecoveryNeedsConsecutiveHealthyChecks(t *testing.T) {
	h := newEngine(t, Config{RecoveryChecks: 3}, true)
	h.src.setProbeErr(errors.New("netlink unavailable"))
	ctx := context.Background()
	require.NoError(t, h.m.Start(ctx))
	require.True(t, h.m.Degraded())

	h.src.setProbeErr(nil)
	h.m.checkPush() // reconnects
	<-h.src.ready
	require.True(t, h.lis.Connected())

	h.m.checkPush()
	h.m.checkPush()
	assert.True(t, h.m.Degraded(), "two healthy checks are not enough")
	h.m.checkPush()
	assert.False(t, h.m.Degraded())
	assert.True(t, h.m.PushActive())
	assert.Equal(t, model.HealthHealthy, h.m.CheckHealth().Status)

	st := h.m.GetStatistics()
	assert.Equal(t, uint64(1), st.ReconnectAttempts)
	assert.Zero(t, st.ReconnectFailures)
}

func TestPermissionDeniedStopsReconnecting(t *testing.T) {
	h := newEngine(t, Config{}, true)
	h.src.setProbeErr(model.NewProcessError("subscribe", 0, model.ErrPermissionDenied))
	require.NoError(t, h.m.Start(context.Background()))

	h.src.setProbeErr(nil)
	h.m.checkPush()
	assert.False(t, h.lis.Running(), "no reconnect after a permission failure")
	health := h.m.CheckHealth()
	assert.Contains(t, health.Recommendations[0], "CAP_NET_ADMIN")
}

func TestPollGateThrottlesWhilePushHealthy(t *testing.T) {
	h := newEngine(t, Config{PushHealthyPollFactor: 3}, true)

	// No push yet: every tick polls.
	assert.True(t, h.m.shouldPoll())
	assert.True(t, h.m.shouldPoll())

	h.m.mu.Lock()
	h.m.push = pushState{connected: true}
	h.m.pollTick = 0
	h.m.mu.Unlock()

	var polled int
	for i := 0; i < 9; i++ {
		if h.m.shouldPoll() {
			polled++
		}
	}
	assert.Equal(t, 3, polled)
}

func TestPushSignalsFlowThroughListener(t *testing.T) {
	h := newEngine(t, Config{}, true)
	ctx := context.Background()
	require.NoError(t, h.m.Start(ctx))
	<-h.src.ready

	h.src.mu.Lock()
	out := h.src.out
	h.src.mu.Unlock()
	out.Emit(startSig("", 100, 1, "claude", 9, t0))
	out.Emit(exitSig("", model.EventKilled, 100, intp(137)))

	// Stop flushes the queue through Ingest.
	require.NoError(t, h.m.Stop(ctx))
	events := h.drain()
	assert.Equal(t, []model.EventType{model.EventStarted, model.EventKilled}, types(events))
	assert.Equal(t, model.SourcePush, events[0].Source)
}

func TestSourceErrorBecomesErrorEvent(t *testing.T) {
	h := newEngine(t, Config{}, true)
	h.m.onSourceError(ingest.SourceError{Err: errors.New("ENOBUFS"), Recoverable: true, At: t0})

	events := h.drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
	assert.Equal(t, model.SourcePush, events[0].Source)
	assert.Zero(t, events[0].ProcessID())
}

func TestSinksAndHistory(t *testing.T) {
	h := newEngine(t, Config{EventHistoryRetention: time.Hour}, false)

	var mu sync.Mutex
	var got []model.EventType
	h.m.AddSink("test", SinkFunc(func(_ context.Context, ev model.MonitoringEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
		return nil
	}))
	h.m.AddSink("broken", SinkFunc(func(context.Context, model.MonitoringEvent) error {
		return errors.New("down")
	}))

	h.m.Ingest([]model.Signal{startSig(model.SourcePush, 1, 0, "claude", 0, t0)})
	h.clock.Advance(2 * time.Hour)
	later := startSig(model.SourcePush, 2, 0, "claude", 0, h.clock.Now())
	later.At = h.clock.Now()
	h.m.Ingest([]model.Signal{later})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.m.GetStatistics().SinkErrors == 2
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, h.m.RecentEvents(time.Time{}), 2)
	h.m.rollup(context.Background())
	recent := h.m.RecentEvents(time.Time{})
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].ProcessID())
}

func TestSubscriberDropIsCounted(t *testing.T) {
	h := newEngine(t, Config{}, false)
	_, cancel := h.m.Subscribe(1)
	defer cancel()

	h.m.Ingest([]model.Signal{
		startSig(model.SourcePush, 1, 0, "a", 0, t0),
		startSig(model.SourcePush, 2, 0, "b", 0, t0),
	})
	assert.Equal(t, uint64(1), h.m.GetStatistics().SubscriberDrops)
}

func TestClearAll(t *testing.T) {
	h := newEngine(t, Config{}, false, proc(100, "claude", 7))
	require.NoError(t, h.m.AddProcess(context.Background(), 100, ""))
	assert.Equal(t, 1, h.m.ClearAll())
	assert.False(t, h.m.IsTracked(100))
	assert.Empty(t, h.m.GetAllNodes())
}

func TestReusedPIDExitsThroughListener(t *testing.T) {
	h := newEngine(t, Config{}, true)
	ctx := context.Background()
	require.NoError(t, h.m.Start(ctx))
	<-h.src.ready

	h.src.mu.Lock()
	out := h.src.out
	h.src.mu.Unlock()

	exit := func(at time.Duration) model.Signal {
		sig := exitSig("", model.EventExited, 500, intp(0))
		sig.At = t0.Add(at)
		return sig
	}
	out.Emit(startSig("", 500, 1, "claude", 1, t0))
	out.Emit(exit(300 * time.Millisecond))
	second := startSig("", 500, 1, "claude", 2, t0)
	second.At = t0.Add(500 * time.Millisecond)
	out.Emit(second)
	out.Emit(exit(900 * time.Millisecond))

	require.NoError(t, h.m.Stop(ctx))
	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventExited, model.EventStarted, model.EventExited,
	}, types(h.drain()))

	info, err := h.m.GetProcessInfo(500)
	require.NoError(t, err)
	assert.Equal(t, model.StateExited, info.State)
	assert.Equal(t, uint64(2), info.StartToken)
	assert.Equal(t, uint64(1), h.m.GetStatistics().PIDReuses)
}
