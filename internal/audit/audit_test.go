package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/procwatch/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	return l, path
}

func event(typ model.EventType, pid int, name string, at time.Time) model.MonitoringEvent {
	ev := model.NewEvent(typ, model.SourcePush, at, pid, string(typ), map[string]any{"state": "active", "parent_pid": 1})
	ev.Name = name
	ev.ToolType = model.ToolClaude
	return ev
}

func record(t *testing.T, l *Log, events ...model.MonitoringEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, l.Publish(context.Background(), ev))
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)
	record(t, l,
		event(model.EventStarted, 100, "claude", t0),
		event(model.EventStarted, 101, "claude", t0),
		event(model.EventKilled, 100, "claude", t0.Add(time.Second)),
	)
	assert.Equal(t, 3, l.Len())
	require.NoError(t, l.Close())

	res := Verify(path)
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, 3, res.Lines)
	assert.Equal(t, map[string]int{"started": 2, "killed": 1}, res.ByType)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, event(model.EventStarted, 100+i, "claude", t0))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"claude"`, `"codex"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	res := Verify(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.ErrorLine)
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, event(model.EventStarted, 100+i, "claude", t0))
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	kept := []string{lines[0], lines[2]}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o600))

	res := Verify(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.ErrorLine)
}

func TestVerifyRejectsEntryWithoutEventID(t *testing.T) {
	l, path := newTestLog(t)
	require.NoError(t, l.Record(AuditEntry{Type: "started"}))
	require.NoError(t, l.Close())

	res := Verify(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.ErrorLine)
}

func TestReopenContinuesChain(t *testing.T) {
	l, path := newTestLog(t)
	record(t, l, event(model.EventStarted, 100, "claude", t0))
	require.NoError(t, l.Close())

	l, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	record(t, l, event(model.EventExited, 100, "claude", t0.Add(time.Minute)))
	require.NoError(t, l.Close())

	res := Verify(path)
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, 2, res.Lines)
}

func TestConcurrentPublishKeepsChain(t *testing.T) {
	l, path := newTestLog(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = l.Publish(context.Background(), event(model.EventStarted, pid, "claude", t0))
			}
		}(100 + i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	res := Verify(path)
	require.True(t, res.Valid, res.Error)
	assert.Equal(t, 80, res.Lines)
}

func TestEntryFromEvent(t *testing.T) {
	ev := event(model.EventKilled, 100, "claude", t0)
	e, err := EntryFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, e.EventID)
	assert.Equal(t, "killed", e.Type)
	assert.Equal(t, "push", e.Source)
	assert.Equal(t, 100, e.PID)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", e.Timestamp)
	assert.JSONEq(t, `{"parent_pid":1,"state":"active"}`, string(e.Detail))
}

func TestReplayFilters(t *testing.T) {
	l, path := newTestLog(t)
	record(t, l,
		event(model.EventStarted, 100, "claude", t0),
		event(model.EventStarted, 200, "codex", t0.Add(time.Second)),
		event(model.EventKilled, 100, "claude", t0.Add(2*time.Second)),
		event(model.EventError, 0, "", t0.Add(3*time.Second)),
	)
	require.NoError(t, l.Close())

	res, err := Replay(path, ReplayFilter{PID: 100})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, 1, res.Summary.StartedCount)
	assert.Equal(t, 1, res.Summary.KilledCount)

	res, err = Replay(path, ReplayFilter{Types: []string{"started"}, From: t0.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, 200, res.Entries[0].PID)

	_, err = Replay(filepath.Join(t.TempDir(), "missing.jsonl"), ReplayFilter{})
	assert.Error(t, err)
}

func TestFormatTimeline(t *testing.T) {
	res := &ReplayResult{PID: 100}
	assert.Contains(t, FormatTimeline(res), "No entries found")

	e, err := EntryFromEvent(event(model.EventKilled, 100, "claude", t0))
	require.NoError(t, err)
	res.Entries = []AuditEntry{e}
	updateSummary(&res.Summary, e)

	out := FormatTimeline(res)
	assert.Contains(t, out, "Audit: pid 100 | 2026-03-01 12:00:00")
	assert.Contains(t, out, "KILLED")
	assert.Contains(t, out, "Summary: 1 entries | 1 killed")

	js, err := FormatJSON(res)
	require.NoError(t, err)
	assert.Contains(t, js, `"killed_count": 1`)
}

func FuzzVerify(f *testing.F) {
	path := filepath.Join(f.TempDir(), "valid.jsonl")
	l, err := Open(path)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_ = l.Publish(context.Background(), event(model.EventStarted, 100+i, "claude", t0))
	}
	l.Close()
	valid, _ := os.ReadFile(path)
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := filepath.Join(t.TempDir(), "fuzz.jsonl")
		_ = os.WriteFile(p, data, 0o600)
		Verify(p)
	})
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.jsonl")
	first, err := json.Marshal(AuditEntry{Seq: 1, EventID: "a", Type: "started", PrevHash: GenesisHash})
	require.NoError(t, err)
	second, err := json.Marshal(AuditEntry{Seq: 3, EventID: "b", Type: "exited", PrevHash: HashLine(first)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append(first, '\n'), append(second, '\n')...), 0o600))

	res := Verify(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.ErrorLine)
	assert.Contains(t, res.Error, "sequence gap")
}

func TestVerifyMissingFile(t *testing.T) {
	res := Verify(filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
}
