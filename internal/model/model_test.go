package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrNotFound, KindNotFound},
		{NewProcessError("lookup", 7, ErrPermissionDenied), KindPermissionDenied},
		{fmt.Errorf("track: %w", NewProcessError("track", 7, ErrCapacityExceeded)), KindCapacityExceeded},
		{ErrAmbiguous, KindAmbiguous},
		{ErrUnavailable, KindUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestProcessErrorMessage(t *testing.T) {
	err := NewProcessError("lookup", 42, ErrNotFound)
	assert.EqualError(t, err, "lookup pid 42: not found")

	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 42, pe.PID)
}

func TestBatchResult(t *testing.T) {
	var b BatchResult
	b.Add(ItemResult{PID: 1})
	b.Add(ItemResult{PID: 2, Err: NewProcessError("kill", 2, ErrPermissionDenied)})
	b.Add(ItemResult{PID: 3})

	assert.Equal(t, 2, b.Succeeded)
	assert.Equal(t, 1, b.Failed)
	assert.ErrorIs(t, b.Errors(), ErrPermissionDenied)

	var ok BatchResult
	ok.Add(ItemResult{PID: 1})
	assert.NoError(t, ok.Errors())
}

func TestNewEventCopiesPayload(t *testing.T) {
	payload := map[string]any{"exit_code": 0}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	ev := NewEvent(EventExited, SourcePolling, at, 10, "exited", payload)
	payload["exit_code"] = 1

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 10, ev.ProcessID())
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, 0, ev.Payload["exit_code"])
	assert.True(t, ev.Type.IsExit())

	other := NewEvent(EventInformation, SourceEngine, at, 0, "", nil)
	assert.NotEqual(t, ev.ID, other.ID)
	assert.Zero(t, other.ProcessID())
	assert.Nil(t, other.Payload)
	assert.False(t, other.Type.IsExit())
}

func TestRecordCloneIsDeep(t *testing.T) {
	code := 3
	exit := time.Now()
	r := ProcessRecord{PID: 1, State: StateExited, ExitCode: &code, ExitTime: &exit, Tags: []string{"a"}, Perf: &PerfSnapshot{}}
	c := r.Clone()

	*c.ExitCode = 9
	c.Tags[0] = "z"
	assert.Equal(t, 3, *r.ExitCode)
	assert.Equal(t, "a", r.Tags[0])
	assert.NotSame(t, r.Perf, c.Perf)
	assert.True(t, c.Terminal())
}

func TestAddTagsSortedUnique(t *testing.T) {
	r := ProcessRecord{Tags: []string{"cli"}}
	r.AddTags("ai", "", "cli", "agent")
	assert.Equal(t, []string{"agent", "ai", "cli"}, r.Tags)
	assert.True(t, r.HasTag("ai"))
	assert.False(t, r.HasTag("gemini"))
}

func TestStatisticsTotals(t *testing.T) {
	s := Statistics{EventsBySource: map[Source]map[EventType]uint64{
		SourcePush:    {EventStarted: 2, EventKilled: 1},
		SourcePolling: {EventExited: 4},
	}}
	assert.Equal(t, uint64(7), s.TotalEvents())
	assert.Equal(t, uint64(4), s.Events(SourcePolling, EventExited))
	assert.Zero(t, s.Events(SourceEngine, EventError))
}
