package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource lets tests push notifications and fail the subscription.
type fakeSource struct {
	mu       sync.Mutex
	probeErr error
	runs     int
	out      Emitter
	fail     chan error
	ready    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: make(chan struct{}, 8)}
}

func (f *fakeSource) Probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeSource) Run(ctx context.Context, out Emitter) error {
	fail := make(chan error, 1)
	f.mu.Lock()
	f.runs++
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

func (f *fakeSource) emit(sig model.Signal) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out.Emit(sig)
}

func (f *fakeSource) breakRun(err error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	fail <- err
}

type batchLog struct {
	mu      sync.Mutex
	batches [][]model.Signal
}

func (b *batchLog) handle(batch []model.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
}

func (b *batchLog) all() []model.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Signal
	for _, batch := range b.batches {
		out = append(out, batch...)
	}
	return out
}

func (b *batchLog) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

type listenerHarness struct {
	l     *Listener
	src   *fakeSource
	clock *clock.Fake
	log   *batchLog
}

func newListenerHarness(t *testing.T, cfg Config) *listenerHarness {
	t.Helper()
	h := &listenerHarness{src: newFakeSource(), clock: clock.NewFake(t0), log: &batchLog{}}
	cfg.Clock = h.clock
	cfg.Logger = zaptest.NewLogger(t)
	h.l = NewListener(cfg, h.src, h.log.handle)
	return h
}

func (h *listenerHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.l.StartListening(context.Background()))
	<-h.src.ready
}

func started(pid int, name string) model.Signal {
	return model.Signal{Type: model.EventStarted, PID: pid, Name: name, At: t0}
}

func exited(pid int) model.Signal {
	code := 0
	return model.Signal{Type: model.EventExited, PID: pid, ExitCode: &code, At: t0}
}

func TestStartListeningUnavailable(t *testing.T) {
	h := newListenerHarness(t, Config{})
	h.src.probeErr = errors.New("no netlink")

	err := h.l.StartListening(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.False(t, h.l.Running())
	assert.ErrorIs(t, h.l.CheckAvailability(), model.ErrUnavailable)
}

func TestStopFlushesQueueInOrder(t *testing.T) {
	h := newListenerHarness(t, Config{BatchSize: 2, DrainInterval: time.Hour})
	h.start(t)

	for pid := 1; pid <= 5; pid++ {
		h.src.emit(started(pid, "claude"))
	}
	assert.Equal(t, 5, h.l.Stats().Backlog)

	require.NoError(t, h.l.StopListening())
	require.NoError(t, h.l.StopListening(), "stop is idempotent")

	got := h.log.all()
	require.Len(t, got, 5)
	for i, sig := range got {
		assert.Equal(t, i+1, sig.PID)
		assert.Equal(t, model.SourcePush, sig.Source)
	}
	assert.Equal(t, 3, h.log.count(), "batches are capped at BatchSize")
}

func TestDrainTickTakesOneBatch(t *testing.T) {
	h := newListenerHarness(t, Config{BatchSize: 50, DrainInterval: time.Second})
	h.start(t)
	defer h.l.StopListening()

	for pid := 1; pid <= 60; pid++ {
		h.src.emit(started(pid, "claude"))
	}
	assert.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return len(h.log.all()) == 60
	}, time.Second, 10*time.Millisecond)

	h.log.mu.Lock()
	assert.Len(t, h.log.batches[0], 50)
	h.log.mu.Unlock()
}

func TestDuplicateNotificationsDropped(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour})
	h.start(t)

	h.src.emit(exited(100))
	h.src.emit(exited(100))
	later := exited(100)
	later.At = t0.Add(1100 * time.Millisecond) // next bucket
	h.src.emit(later)

	st := h.l.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(2), st.Duplicates)
	assert.Equal(t, 1, st.Backlog)
	require.NoError(t, h.l.StopListening())
}

func TestReexecIsNotDuplicate(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour})
	h.start(t)

	h.src.emit(started(100, "bash"))
	h.src.emit(started(100, "claude"))
	assert.Equal(t, 2, h.l.Stats().Backlog)
	require.NoError(t, h.l.StopListening())
}

func TestFilterBeforeEnqueue(t *testing.T) {
	h := newListenerHarness(t, Config{
		DrainInterval:       time.Hour,
		ForwardOnlyMatching: true,
		NameFilters:         []string{"my-agent*"},
		Interested:          func(pid int) bool { return pid == 500 },
	})
	h.start(t)

	h.src.emit(started(1, "bash"))       // filtered
	h.src.emit(started(2, "claude"))     // classifier match
	h.src.emit(started(3, "my-agent-x")) // filter match
	h.src.emit(exited(1))                // start was filtered
	h.src.emit(exited(2))                // start was admitted
	h.src.emit(exited(500))              // tracked elsewhere
	h.src.emit(exited(501))              // unknown

	st := h.l.Stats()
	assert.Equal(t, uint64(3), st.Filtered)
	assert.Equal(t, 4, st.Backlog)
	require.NoError(t, h.l.StopListening())

	var pids []int
	for _, s := range h.log.all() {
		pids = append(pids, s.PID)
	}
	assert.Equal(t, []int{2, 3, 2, 500}, pids)
}

func TestSetFiltersApplies(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour, ForwardOnlyMatching: true})
	h.start(t)

	h.src.emit(started(1, "worker"))
	h.l.SetFilters([]string{"work*"})
	h.src.emit(started(2, "worker"))

	assert.Equal(t, 1, h.l.Stats().Backlog)
	require.NoError(t, h.l.StopListening())
}

func TestQueueOverflowDropsAndCounts(t *testing.T) {
	h := newListenerHarness(t, Config{QueueSize: 3, DrainInterval: time.Hour})
	h.start(t)

	for pid := 1; pid <= 5; pid++ {
		h.src.emit(started(pid, "claude"))
	}
	st := h.l.Stats()
	assert.Equal(t, 3, st.Backlog)
	assert.Equal(t, uint64(2), st.Dropped)
	require.NoError(t, h.l.StopListening())
}

func TestSourceFailureReportsAndReconnects(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour})
	h.start(t)
	defer h.l.StopListening()

	h.src.breakRun(errors.New("socket closed"))
	select {
	case se := <-h.l.Errors():
		assert.True(t, se.Recoverable)
		assert.EqualError(t, se, "socket closed")
	case <-time.After(time.Second):
		t.Fatal("no source error reported")
	}
	assert.Eventually(t, func() bool { return !h.l.Connected() }, time.Second, time.Millisecond)
	assert.True(t, h.l.Running(), "pipeline stays up while the source is down")

	h.src.mu.Lock()
	h.src.probeErr = errors.New("still down")
	h.src.mu.Unlock()
	assert.Error(t, h.l.Reconnect())

	h.src.mu.Lock()
	h.src.probeErr = nil
	h.src.mu.Unlock()
	require.NoError(t, h.l.Reconnect())
	<-h.src.ready
	assert.True(t, h.l.Connected())

	st := h.l.Stats()
	assert.Equal(t, uint64(2), st.ReconnectAttempts)
	assert.Equal(t, uint64(1), st.ReconnectFailures)
}

func TestPermissionFailureIsNotRecoverable(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour})
	h.start(t)
	defer h.l.StopListening()

	h.src.breakRun(model.NewProcessError("subscribe", 0, model.ErrPermissionDenied))
	se := <-h.l.Errors()
	assert.False(t, se.Recoverable)
}

func TestWarnIsRecoverable(t *testing.T) {
	h := newListenerHarness(t, Config{})
	h.l.Warn(errors.New("overrun"))
	se := <-h.l.Errors()
	assert.True(t, se.Recoverable)
	assert.Equal(t, uint64(1), h.l.Stats().Warnings)
}

func TestSweepExpiresDedup(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour, DedupWindow: time.Second})
	h.start(t)

	h.src.emit(exited(7))
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 1, h.l.Sweep())
	require.NoError(t, h.l.StopListening())
}

func TestReusedPIDExitIsNotDuplicate(t *testing.T) {
	h := newListenerHarness(t, Config{DrainInterval: time.Hour})
	h.start(t)

	first := started(500, "claude")
	first.StartToken = 1
	h.src.emit(first)
	exit1 := exited(500)
	exit1.At = t0.Add(300 * time.Millisecond)
	h.src.emit(exit1)

	second := started(500, "claude")
	second.StartToken = 2
	second.At = t0.Add(500 * time.Millisecond)
	h.src.emit(second)
	exit2 := exited(500)
	exit2.At = t0.Add(900 * time.Millisecond)
	h.src.emit(exit2)
	h.src.emit(exit2)

	st := h.l.Stats()
	assert.Equal(t, uint64(1), st.Duplicates, "only the repeated second exit is a duplicate")
	require.NoError(t, h.l.StopListening())

	var got []model.EventType
	for _, sig := range h.log.all() {
		got = append(got, sig.Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventStarted, model.EventExited, model.EventStarted, model.EventExited,
	}, got)
}
