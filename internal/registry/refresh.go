package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/procfs"
)

// ticksPerSecond matches procfs CPU accounting.
const ticksPerSecond = 100

// RefreshResult summarizes one RefreshAll pass.
type RefreshResult struct {
	Probed   int
	Active   int
	Exited   int
	Errors   int
	TimedOut int
	Signals  []model.Signal
	Failures []model.ItemResult
}

type verdict int

const (
	verdictAlive verdict = iota
	verdictExited
	verdictReused
	verdictError
)

// outcome is the result of probing one entry.
type outcome struct {
	pid     int
	verdict verdict
	proc    procfs.Process
	err     error
	timeout bool
}

// probeTarget is the immutable slice of an entry a worker needs.
type probeTarget struct {
	pid        int
	startToken uint64
	handle     procfs.Handle
}

// RefreshAll probes every tracked entry concurrently and emits transition
// signals. A slow probe is abandoned after ProbeTimeout and never blocks the
// others. Concurrent calls are serialized.
func (r *Registry) RefreshAll(ctx context.Context) RefreshResult {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.Lock()
	targets := make([]probeTarget, 0, len(r.entries))
	for _, e := range r.entries {
		targets = append(targets, probeTarget{pid: e.pid, startToken: e.startToken, handle: e.handle})
	}
	r.mu.Unlock()

	outcomes := make([]outcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ProbeWorkers)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = r.probe(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	result := r.apply(outcomes)
	result.Probed = len(targets)
	r.emit(result.Signals)

	if result.Exited > 0 || result.Errors > 0 {
		r.log.Debug("refresh complete",
			zap.Int("probed", result.Probed),
			zap.Int("exited", result.Exited),
			zap.Int("errors", result.Errors),
			zap.Int("timed_out", result.TimedOut))
	}
	return result
}

// probe checks one target, bounded by ProbeTimeout.
func (r *Registry) probe(ctx context.Context, t probeTarget) outcome {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() { ch <- r.check(t) }()

	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		return outcome{
			pid:     t.pid,
			verdict: verdictError,
			err:     model.NewProcessError("probe", t.pid, fmt.Errorf("%w: probe timed out after %s", model.ErrInternal, r.cfg.ProbeTimeout)),
			timeout: true,
		}
	}
}

// check decides liveness. The handle is authoritative when present since it
// is bound to the incarnation; otherwise the start token detects PID reuse.
func (r *Registry) check(t probeTarget) outcome {
	out := outcome{pid: t.pid}

	handleSaysExited := false
	if t.handle != nil {
		exited, err := t.handle.Exited()
		if err == nil {
			handleSaysExited = exited
		}
	}

	p, err := r.prober.Lookup(t.pid)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		out.verdict = verdictExited
		return out
	default:
		if handleSaysExited {
			out.verdict = verdictExited
			return out
		}
		out.verdict = verdictError
		out.err = err
		return out
	}

	out.proc = p
	switch {
	case t.startToken != 0 && p.StartTicks != t.startToken:
		out.verdict = verdictReused
	case p.Zombie(), handleSaysExited:
		out.verdict = verdictExited
	default:
		out.verdict = verdictAlive
	}
	return out
}

// apply folds probe outcomes into registry state and builds signals.
func (r *Registry) apply(outcomes []outcome) RefreshResult {
	var res RefreshResult
	now := r.cfg.Clock.Now()

	var released []procfs.Handle
	r.mu.Lock()
	for _, out := range outcomes {
		e, ok := r.entries[out.pid]
		if !ok {
			// Removed while the probe was in flight.
			continue
		}

		switch out.verdict {
		case verdictAlive:
			res.Active++
			r.observeAlive(e, out.proc, now, &res)

		case verdictExited:
			res.Exited++
			if out.proc.Zombie() {
				status := out.proc.ExitStatus
				e.exitStatus = &status
			}
			res.Signals = append(res.Signals, exitSignal(e, now, ""))
			released = append(released, e.handle)
			delete(r.entries, e.pid)

		case verdictReused:
			res.Exited++
			reason := fmt.Sprintf("pid %d reused: start token %d, now %d", e.pid, e.startToken, out.proc.StartTicks)
			res.Signals = append(res.Signals, exitSignal(e, now, "pid reused"))
			res.Signals = append(res.Signals, model.Signal{
				Type:       model.EventError,
				Source:     model.SourcePolling,
				PID:        e.pid,
				Name:       e.name,
				StartToken: e.startToken,
				Reason:     fmt.Sprintf("%s: %s", model.ErrAmbiguous, reason),
				At:         now,
			})
			res.Failures = append(res.Failures, model.ItemResult{PID: e.pid, Name: e.name, Err: model.NewProcessError("refresh", e.pid, model.ErrAmbiguous)})
			released = append(released, e.handle)
			delete(r.entries, e.pid)

		case verdictError:
			res.Errors++
			if out.timeout {
				res.TimedOut++
			}
			res.Failures = append(res.Failures, model.ItemResult{PID: e.pid, Name: e.name, Err: out.err})
			if e.state != model.StateError {
				prev := e.state
				e.state = model.StateError
				res.Signals = append(res.Signals, model.Signal{
					Type:       model.EventError,
					Source:     model.SourcePolling,
					PID:        e.pid,
					Name:       e.name,
					StartToken: e.startToken,
					Reason:     fmt.Sprintf("%s -> %s: %v", prev, model.StateError, out.err),
					At:         now,
				})
			}
		}
	}
	r.mu.Unlock()

	for _, h := range released {
		closeHandle(h)
	}
	return res
}

// observeAlive updates perf counters and emits state and alert transitions.
// Caller holds r.mu.
func (r *Registry) observeAlive(e *entry, p procfs.Process, now time.Time, res *RefreshResult) {
	var cpu float64
	if elapsed := now.Sub(e.lastSample).Seconds(); elapsed > 0 && p.CPUTicks >= e.lastCPU {
		cpu = float64(p.CPUTicks-e.lastCPU) / ticksPerSecond / elapsed * 100
	}
	e.lastCPU = p.CPUTicks
	e.lastSample = now
	e.perf = perfFrom(p, cpu, now)

	if e.state != model.StateActive {
		prev := e.state
		e.state = model.StateActive
		res.Signals = append(res.Signals, model.Signal{
			Type:       model.EventStateChanged,
			Source:     model.SourcePolling,
			PID:        e.pid,
			Name:       e.name,
			StartToken: e.startToken,
			Reason:     fmt.Sprintf("%s -> %s", prev, model.StateActive),
			Perf:       e.perf,
			At:         now,
		})
	}

	over, why := r.overThreshold(e.perf)
	switch {
	case over && !e.perfAlerted:
		e.perfAlerted = true
		res.Signals = append(res.Signals, model.Signal{
			Type:       model.EventPerformanceAlert,
			Source:     model.SourcePolling,
			PID:        e.pid,
			Name:       e.name,
			StartToken: e.startToken,
			Reason:     why,
			Perf:       e.perf,
			At:         now,
		})
	case !over:
		e.perfAlerted = false
	}
}

func (r *Registry) overThreshold(p *model.PerfSnapshot) (bool, string) {
	if r.cfg.MemoryAlertBytes > 0 && p.MemoryBytes > r.cfg.MemoryAlertBytes {
		return true, fmt.Sprintf("memory %d bytes exceeds %d", p.MemoryBytes, r.cfg.MemoryAlertBytes)
	}
	if r.cfg.CPUAlertPercent > 0 && p.CPUPercent > r.cfg.CPUAlertPercent {
		return true, fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", p.CPUPercent, r.cfg.CPUAlertPercent)
	}
	return false, ""
}

// exitSignal builds the terminal signal for e. A signaled exit is Killed.
func exitSignal(e *entry, now time.Time, reason string) model.Signal {
	sig := model.Signal{
		Type:       model.EventExited,
		Source:     model.SourcePolling,
		PID:        e.pid,
		ParentPID:  e.parentPID,
		Name:       e.name,
		FullPath:   e.path,
		StartToken: e.startToken,
		StartTime:  e.startTime,
		Reason:     reason,
		At:         now,
	}
	if e.exitStatus == nil {
		if sig.Reason == "" {
			sig.Reason = "exit status unavailable"
		}
		return sig
	}
	code, signal := procfs.DecodeExitStatus(*e.exitStatus)
	sig.ExitCode = &code
	if signal != 0 {
		sig.Type = model.EventKilled
		sig.Abnormal = true
		if sig.Reason == "" {
			sig.Reason = fmt.Sprintf("terminated by signal %d", signal)
		}
	}
	return sig
}

func perfFrom(p procfs.Process, cpu float64, at time.Time) *model.PerfSnapshot {
	return &model.PerfSnapshot{
		MemoryBytes: p.RSSBytes,
		CPUPercent:  cpu,
		Threads:     p.Threads,
		Handles:     p.FDs,
		SampledAt:   at,
	}
}

// Start runs RefreshAll on the poll interval until Stop or ctx is done.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return nil
	}
	if a, ok := r.prober.(interface{ Available() error }); ok {
		if err := a.Available(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	r.reopenHandles()

	go r.loop(ctx, r.done)
	r.log.Info("polling started", zap.Duration("interval", r.cfg.PollInterval))
	return nil
}

// Stop halts the timer and waits for an in-flight refresh to finish.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.done
	r.running = false
	r.log.Info("polling stopped")
}

// Running reports whether the poll timer is active.
func (r *Registry) Running() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.running
}

func (r *Registry) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if r.cfg.ShouldPoll != nil && !r.cfg.ShouldPoll() {
				continue
			}
			r.RefreshAll(ctx)
		}
	}
}

// reopenHandles reacquires handles released by ReleaseHandles. An entry whose
// process is gone is left for the next refresh to report.
func (r *Registry) reopenHandles() {
	r.mu.Lock()
	tokens := make(map[int]uint64)
	for pid, e := range r.entries {
		if e.handle == nil {
			tokens[pid] = e.startToken
		}
	}
	r.mu.Unlock()

	for pid, token := range tokens {
		h, err := r.cfg.OpenHandle(pid)
		if err != nil {
			continue
		}
		// The handle must bind the incarnation we were tracking.
		if p, err := r.prober.Lookup(pid); err != nil || p.StartTicks != token {
			closeHandle(h)
			continue
		}
		r.mu.Lock()
		e, ok := r.entries[pid]
		if ok && e.handle == nil {
			e.handle = h
			h = nil
		}
		r.mu.Unlock()
		closeHandle(h)
	}
}
