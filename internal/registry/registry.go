// Package registry is the polling process tracker. It owns the explicit
// watch list and periodically probes each entry for liveness, reporting
// transitions as signals. It never touches the process tree.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/procfs"
)

// Prober reads process state from the OS.
type Prober interface {
	Lookup(pid int) (procfs.Process, error)
	List() ([]procfs.Process, error)
}

// HandleOpener opens an OS handle bound to one process incarnation.
type HandleOpener func(pid int) (procfs.Handle, error)

// Sink receives the signals produced by one registry operation, in order.
type Sink func(signals []model.Signal)

// Config holds registry configuration.
type Config struct {
	MaxTracked       int
	PollInterval     time.Duration
	ProbeTimeout     time.Duration
	ProbeWorkers     int
	MemoryAlertBytes uint64  // 0 disables memory alerts
	CPUAlertPercent  float64 // 0 disables CPU alerts

	// ShouldPoll is consulted on every timer tick; false skips the tick.
	ShouldPoll func() bool

	Clock      clock.Clock
	Logger     *zap.Logger
	Classifier *classify.Classifier
	OpenHandle HandleOpener
}

// Registry tracks an explicit set of PIDs.
type Registry struct {
	cfg    Config
	prober Prober
	sink   Sink
	log    *zap.Logger

	mu      sync.Mutex
	entries map[int]*entry

	refreshMu sync.Mutex // serializes RefreshAll

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// entry is the registry's private view of one tracked process.
type entry struct {
	pid        int
	name       string
	path       string
	parentPID  int
	startToken uint64
	startTime  time.Time
	handle     procfs.Handle
	state      model.ProcessState
	tool       model.ToolType
	tags       []string

	exitStatus  *int // raw wait status seen while the process was a zombie
	lastCPU     uint64
	lastSample  time.Time
	perf        *model.PerfSnapshot
	perfAlerted bool
}

// New creates a Registry. sink may be nil and set later with SetSink.
func New(cfg Config, prober Prober, sink Sink) *Registry {
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.ProbeWorkers <= 0 {
		cfg.ProbeWorkers = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New(nil)
	}
	if cfg.OpenHandle == nil {
		cfg.OpenHandle = procfs.OpenHandle
	}
	return &Registry{
		cfg:     cfg,
		prober:  prober,
		sink:    sink,
		log:     cfg.Logger.Named("registry"),
		entries: make(map[int]*entry),
	}
}

// SetSink replaces the signal sink. Not safe while the timer is running.
func (r *Registry) SetSink(sink Sink) { r.sink = sink }

// SetPollGate replaces Config.ShouldPoll. Not safe while the timer is
// running.
func (r *Registry) SetPollGate(fn func() bool) { r.cfg.ShouldPoll = fn }

// AddProcess starts tracking pid. Re-adding a tracked PID is a no-op.
func (r *Registry) AddProcess(ctx context.Context, pid int, nameHint string) error {
	sig, err := r.add(ctx, pid, nameHint)
	if err != nil {
		return err
	}
	if sig != nil {
		r.emit([]model.Signal{*sig})
	}
	return nil
}

// add inserts pid and returns the Started signal, or nil for a no-op.
func (r *Registry) add(ctx context.Context, pid int, nameHint string) (*model.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.entries[pid]; ok {
		r.mu.Unlock()
		return nil, nil
	}
	if len(r.entries) >= r.cfg.MaxTracked {
		r.mu.Unlock()
		return nil, model.NewProcessError("add", pid, fmt.Errorf("%w: limit %d", model.ErrCapacityExceeded, r.cfg.MaxTracked))
	}
	r.mu.Unlock()

	p, err := r.prober.Lookup(pid)
	if err != nil {
		return nil, err
	}
	if p.Zombie() {
		return nil, model.NewProcessError("add", pid, fmt.Errorf("%w: process already exited", model.ErrNotFound))
	}

	handle, err := r.cfg.OpenHandle(pid)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		return nil, err
	default:
		// Tracking continues on the start token alone.
		r.log.Debug("process handle unavailable", zap.Int("pid", pid), zap.Error(err))
		handle = nil
	}

	name := p.Name
	if name == "" {
		name = nameHint
	}
	tool, tags := r.classify(name, p)

	now := r.cfg.Clock.Now()
	e := &entry{
		pid:        pid,
		name:       name,
		path:       p.FullPath,
		parentPID:  p.PPID,
		startToken: p.StartTicks,
		startTime:  p.StartTime,
		handle:     handle,
		state:      model.StateTracked,
		tool:       tool,
		tags:       tags,
		lastCPU:    p.CPUTicks,
		lastSample: now,
		perf:       perfFrom(p, 0, now),
	}

	r.mu.Lock()
	if _, ok := r.entries[pid]; ok {
		r.mu.Unlock()
		closeHandle(handle)
		return nil, nil
	}
	if len(r.entries) >= r.cfg.MaxTracked {
		r.mu.Unlock()
		closeHandle(handle)
		return nil, model.NewProcessError("add", pid, fmt.Errorf("%w: limit %d", model.ErrCapacityExceeded, r.cfg.MaxTracked))
	}
	r.entries[pid] = e
	r.mu.Unlock()

	r.log.Info("tracking process",
		zap.Int("pid", pid),
		zap.String("name", name),
		zap.String("tool", string(tool)),
		zap.Bool("handle", handle != nil))

	return &model.Signal{
		Type:       model.EventStarted,
		Source:     model.SourcePolling,
		PID:        pid,
		ParentPID:  p.PPID,
		Name:       name,
		FullPath:   p.FullPath,
		StartToken: p.StartTicks,
		StartTime:  p.StartTime,
		Perf:       e.perf,
		At:         now,
	}, nil
}

// AddProcessByNamePattern tracks every running process whose name or
// executable base name matches pattern. Per-process failures are reported
// in the result and never abort the batch.
func (r *Registry) AddProcessByNamePattern(ctx context.Context, pattern string) (model.BatchResult, error) {
	var result model.BatchResult
	if err := classify.ValidatePattern(pattern); err != nil {
		return result, err
	}

	procs, err := r.prober.List()
	if err != nil {
		return result, fmt.Errorf("enumerate processes: %w", err)
	}

	var signals []model.Signal
	for _, p := range procs {
		if !classify.MatchPattern(pattern, p.Name) && !(p.FullPath != "" && classify.MatchPattern(pattern, filepath.Base(p.FullPath))) {
			continue
		}
		result.Matched++
		sig, err := r.add(ctx, p.PID, p.Name)
		result.Add(model.ItemResult{PID: p.PID, Name: p.Name, Err: err})
		if sig != nil {
			signals = append(signals, *sig)
		}
		if ctx.Err() != nil {
			break
		}
	}
	r.emit(signals)

	if result.Matched == 0 {
		return result, fmt.Errorf("pattern %q: %w", pattern, model.ErrNotFound)
	}
	return result, nil
}

// RemoveProcess stops tracking pid and releases its handle. It emits no
// signal.
func (r *Registry) RemoveProcess(pid int) error {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	r.mu.Unlock()

	if !ok {
		return model.NewProcessError("remove", pid, model.ErrNotFound)
	}
	closeHandle(e.handle)
	return nil
}

// ClearAll stops tracking everything and returns how many entries were
// removed.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		closeHandle(e.handle)
	}
	return len(entries)
}

// ReleaseHandles closes every OS handle while keeping the watch list.
// Entries fall back to start-token comparison until handles are reopened.
func (r *Registry) ReleaseHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.handle != nil {
			closeHandle(e.handle)
			e.handle = nil
			n++
		}
	}
	return n
}

// IsTracked reports whether pid is on the watch list.
func (r *Registry) IsTracked(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[pid]
	return ok
}

// Len returns the watch-list size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Capacity returns the configured watch-list maximum.
func (r *Registry) Capacity() int { return r.cfg.MaxTracked }

// Tracked returns the watch list for persistence.
func (r *Registry) Tracked() []model.TrackedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TrackedEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, model.TrackedEntry{PID: e.pid, Name: e.name, StartToken: e.startToken})
	}
	return out
}

// Perf returns the latest performance sample for pid.
func (r *Registry) Perf(pid int) (model.PerfSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok || e.perf == nil {
		return model.PerfSnapshot{}, false
	}
	return *e.perf, true
}

// Restore re-tracks a persisted entry if the same process incarnation is
// still running. A changed start token means the PID was reused.
func (r *Registry) Restore(ctx context.Context, te model.TrackedEntry) error {
	p, err := r.prober.Lookup(te.PID)
	if err != nil {
		return err
	}
	if te.StartToken != 0 && p.StartTicks != te.StartToken {
		return model.NewProcessError("restore", te.PID, model.ErrAmbiguous)
	}
	return r.AddProcess(ctx, te.PID, te.Name)
}

func (r *Registry) classify(name string, p procfs.Process) (model.ToolType, []string) {
	tool, tags := r.cfg.Classifier.Classify(name, p.FullPath)
	if tool == model.ToolUnknown && p.Cmdline != "" {
		tool, tags = r.cfg.Classifier.Classify("", p.Cmdline)
	}
	return tool, tags
}

func (r *Registry) emit(signals []model.Signal) {
	if len(signals) == 0 || r.sink == nil {
		return
	}
	r.sink(signals)
}

func closeHandle(h procfs.Handle) {
	if h != nil {
		_ = h.Close()
	}
}
