package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/procwatch/internal/engine"
	"github.com/ppiankov/procwatch/internal/model"
)

// Store must satisfy the engine's persistence hook.
var _ engine.Persistence = (*Store)(nil)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	s.now = func() time.Time { return t0 }
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadStateEmpty(t *testing.T) {
	s := openTest(t)
	_, err := s.LoadState(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStateRoundTripOverwrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	first := model.State{Lifecycle: model.LifecycleRunning, Patterns: []string{"claude*"}, SavedAt: t0}
	require.NoError(t, s.SaveState(ctx, first))

	second := model.State{
		Lifecycle: model.LifecycleStopped,
		Patterns:  []string{"codex*"},
		Tracked:   []model.TrackedEntry{{PID: 42, Name: "codex", StartToken: 9001}},
		SavedAt:   t0.Add(time.Minute),
	}
	require.NoError(t, s.SaveState(ctx, second))

	got, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Patterns, got.Patterns)
	assert.Equal(t, second.Tracked, got.Tracked)
	assert.True(t, second.SavedAt.Equal(got.SavedAt))
}

func TestStatisticsKeepsLatest(t *testing.T) {
	s := openTest(t)
	s.keep = 2
	ctx := context.Background()

	_, err := s.LatestStatistics(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveStatistics(ctx, model.Statistics{
			TakenAt:              t0.Add(time.Duration(i) * time.Minute),
			DuplicatesSuppressed: uint64(i),
		}))
	}
	st, err := s.LatestStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.DuplicatesSuppressed)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM statistics`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	code := 137
	exit := t0.Add(time.Second)
	recs := []model.ProcessRecord{
		{PID: 20, Name: "node", State: model.StateActive, ParentPID: 10, StartTime: t0, ToolType: model.ToolClaude},
		{PID: 10, Name: "claude", State: model.StateExited, StartTime: t0, ExitTime: &exit, ExitCode: &code,
			IsAbnormalExit: true, ToolType: model.ToolClaude, Tags: []string{"anthropic"}},
	}
	require.NoError(t, s.SaveProcessSnapshot(ctx, recs))

	snap, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.TakenAt.Equal(t0))
	require.Len(t, snap.Records, 2)
	assert.Equal(t, 10, snap.Records[0].PID, "records ordered by pid")
	require.NotNil(t, snap.Records[0].ExitCode)
	assert.Equal(t, 137, *snap.Records[0].ExitCode)
	assert.True(t, snap.Records[0].IsAbnormalExit)
	assert.Equal(t, 10, snap.Records[1].ParentPID)
}

func TestSnapshotTrimCascades(t *testing.T) {
	s := openTest(t)
	s.keep = 1
	ctx := context.Background()

	require.NoError(t, s.SaveProcessSnapshot(ctx, []model.ProcessRecord{{PID: 1, Name: "a", State: model.StateActive}}))
	require.NoError(t, s.SaveProcessSnapshot(ctx, []model.ProcessRecord{{PID: 2, Name: "b", State: model.StateActive}}))

	snap, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 2, snap.Records[0].PID)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM snapshot_processes`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestEmptySnapshot(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.SaveProcessSnapshot(context.Background(), nil))
	snap, err := s.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Records)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveState(context.Background(), model.State{Patterns: []string{"gemini*"}, SavedAt: t0}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini*"}, st.Patterns)
}
