package ingest

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/model"
	"github.com/ppiankov/procwatch/internal/procfs"
)

// forkMapSize bounds the child->parent map kept between fork and exec.
const forkMapSize = 8192

// Source is an OS process notification subsystem.
type Source interface {
	// Probe checks availability without subscribing.
	Probe() error
	// Run subscribes and delivers notifications to out until ctx is done or
	// the subscription fails. A nil return means a clean shutdown.
	Run(ctx context.Context, out Emitter) error
}

// Emitter receives notifications from a Source. Emit is called on the
// source's own goroutine and must not block.
type Emitter interface {
	Emit(sig model.Signal)
	// Warn reports a recoverable fault; the subscription continues.
	Warn(err error)
}

// ProcConnector is the Linux netlink proc connector source. It reports a
// Started signal at exec time, when the new program name is known, and an
// Exited or Killed signal at exit. Thread events are ignored.
type ProcConnector struct {
	procs *procfs.FS
	clock clock.Clock
	log   *zap.Logger
	forks *lru.Cache[int, int]
}

// NewProcConnector creates a proc connector source that enriches events
// from procs.
func NewProcConnector(procs *procfs.FS, clk clock.Clock, logger *zap.Logger) *ProcConnector {
	if procs == nil {
		procs = procfs.New("")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	forks, _ := lru.New[int, int](forkMapSize)
	return &ProcConnector{
		procs: procs,
		clock: clk,
		log:   logger.Named("netlink"),
		forks: forks,
	}
}

// translate turns one kernel event into a signal. ok is false for events
// that carry no lifecycle transition.
func (c *ProcConnector) translate(ev procEvent) (model.Signal, bool) {
	switch ev.What {
	case procEventFork:
		if !ev.thread() {
			c.forks.Add(ev.TGID, ev.ParentTGID)
		}
		return model.Signal{}, false

	case procEventExec:
		if ev.thread() {
			return model.Signal{}, false
		}
		sig := model.Signal{
			Type:   model.EventStarted,
			Source: model.SourcePush,
			PID:    ev.TGID,
			At:     c.clock.Now(),
		}
		if p, err := c.procs.Lookup(ev.TGID); err == nil {
			sig.Name = p.Name
			sig.FullPath = p.FullPath
			sig.ParentPID = p.PPID
			sig.StartToken = p.StartTicks
			sig.StartTime = p.StartTime
		} else if ppid, ok := c.forks.Peek(ev.TGID); ok {
			// Already gone; the fork record still knows the parent.
			sig.ParentPID = ppid
		}
		return sig, true

	case procEventExit:
		if ev.thread() {
			return model.Signal{}, false
		}
		c.forks.Remove(ev.TGID)
		code, signal := procfs.DecodeExitStatus(int(ev.ExitStatus))
		sig := model.Signal{
			Type:     model.EventExited,
			Source:   model.SourcePush,
			PID:      ev.TGID,
			ExitCode: &code,
			At:       c.clock.Now(),
		}
		if signal != 0 {
			sig.Type = model.EventKilled
			sig.Abnormal = true
			sig.Reason = fmt.Sprintf("terminated by signal %d", signal)
		}
		return sig, true
	}
	return model.Signal{}, false
}
