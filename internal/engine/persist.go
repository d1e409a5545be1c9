package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/model"
)

const persistTimeout = 5 * time.Second

// Persistence stores engine state between runs. Failures are logged and
// never stop monitoring. LoadState returns an error wrapping
// model.ErrNotFound when nothing was saved.
type Persistence interface {
	SaveState(ctx context.Context, st model.State) error
	LoadState(ctx context.Context) (model.State, error)
	SaveStatistics(ctx context.Context, st model.Statistics) error
	SaveProcessSnapshot(ctx context.Context, recs []model.ProcessRecord) error
}

// restoreState re-tracks saved PIDs whose start token still matches the
// running process. Configured name filters are authoritative; saved
// patterns are only compared against them.
func (m *Manager) restoreState(ctx context.Context) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	st, err := m.persist.LoadState(ctx)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return
	case err != nil:
		m.log.Warn("load state failed", zap.Error(err))
		return
	}

	patterns := m.Patterns()
	var ignored []string
	for _, p := range st.Patterns {
		if !contains(patterns, p) {
			ignored = append(ignored, p)
		}
	}
	if len(ignored) > 0 {
		m.log.Info("saved name filters not in configuration, ignoring", zap.Strings("patterns", ignored))
	}

	restored, stale := 0, 0
	for _, te := range st.Tracked {
		switch err := m.registry.Restore(ctx, te); {
		case err == nil:
			restored++
		case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrAmbiguous):
			stale++
		default:
			m.log.Debug("restore tracked process failed", zap.Int("pid", te.PID), zap.Error(err))
			stale++
		}
	}
	m.log.Info("state restored",
		zap.Int("restored", restored),
		zap.Int("stale", stale),
		zap.Strings("patterns", patterns),
		zap.Time("saved_at", st.SavedAt))
}

// State returns the persistable monitoring state.
func (m *Manager) State() model.State {
	tracked := m.registry.Tracked()
	return model.State{
		Lifecycle: m.lifecycle.get(),
		Patterns:  m.Patterns(),
		Tracked:   tracked,
		SavedAt:   m.clock.Now(),
	}
}

// saveAll writes state, statistics and a process snapshot.
func (m *Manager) saveAll(ctx context.Context) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := m.persist.SaveState(ctx, m.State()); err != nil {
		m.log.Warn("save state failed", zap.Error(err))
	}
	if err := m.persist.SaveStatistics(ctx, m.GetStatistics()); err != nil {
		m.log.Warn("save statistics failed", zap.Error(err))
	}
	nodes := m.GetAllNodes()
	recs := make([]model.ProcessRecord, 0, len(nodes))
	for _, n := range nodes {
		recs = append(recs, n.Record)
	}
	if err := m.persist.SaveProcessSnapshot(ctx, recs); err != nil {
		m.log.Warn("save process snapshot failed", zap.Error(err))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
