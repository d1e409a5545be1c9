// Package ingest is the push-based event pipeline. It subscribes to OS
// process notifications, filters and deduplicates them, and hands them to
// a batch handler from a bounded queue on a drain timer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/classify"
	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/dedup"
	"github.com/ppiankov/procwatch/internal/model"
)

const (
	defaultBatchSize     = 50
	defaultDrainInterval = 100 * time.Millisecond
	defaultQueueSize     = 4096
	defaultDedupWindow   = 5 * time.Second
	defaultDedupBucket   = time.Second
	errorChanSize        = 16
	admittedSize         = 4096
)

// BatchHandler receives drained signals in arrival order.
type BatchHandler func(batch []model.Signal)

// SourceError is a fault reported by the push source.
type SourceError struct {
	Err         error
	Recoverable bool
	At          time.Time
}

func (e SourceError) Error() string { return e.Err.Error() }

// Config holds pipeline configuration.
type Config struct {
	BatchSize     int
	DrainInterval time.Duration
	QueueSize     int
	DedupWindow   time.Duration
	DedupBucket   time.Duration

	// NameFilters are single-wildcard patterns. With ForwardOnlyMatching,
	// Started notifications are forwarded only when the name matches a
	// filter or classifies as an AI tool.
	NameFilters         []string
	ForwardOnlyMatching bool

	// Interested lets exits of PIDs known elsewhere pass the filter.
	Interested func(pid int) bool

	Clock      clock.Clock
	Logger     *zap.Logger
	Classifier *classify.Classifier
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Running           bool      `json:"running"`
	Connected         bool      `json:"connected"`
	Received          uint64    `json:"received"`
	Forwarded         uint64    `json:"forwarded"`
	Filtered          uint64    `json:"filtered"`
	Duplicates        uint64    `json:"duplicates"`
	Dropped           uint64    `json:"dropped"`
	Batches           uint64    `json:"batches"`
	Warnings          uint64    `json:"warnings"`
	Backlog           int       `json:"backlog"`
	ReconnectAttempts uint64    `json:"reconnect_attempts"`
	ReconnectFailures uint64    `json:"reconnect_failures"`
	LastEventAt       time.Time `json:"last_event_at"`
	LastError         string    `json:"last_error,omitempty"`
}

// Listener is the push pipeline.
type Listener struct {
	cfg     Config
	src     Source
	handler BatchHandler
	log     *zap.Logger
	cache   *dedup.Cache

	filterMu sync.RWMutex
	filters  []string
	admitted *lru.Cache[int, struct{}]

	qmu   sync.Mutex
	queue []model.Signal

	errs chan SourceError

	runMu     sync.Mutex
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	drainDone chan struct{}
	srcDone   chan struct{}
	connected atomic.Bool

	received, forwarded, filtered, duplicates, dropped atomic.Uint64
	batches, warnings                                  atomic.Uint64
	attempts, failures                                 atomic.Uint64

	lastMu    sync.Mutex
	lastEvent time.Time
	lastErr   string
}

// NewListener creates a pipeline over src. handler is called from the
// drain goroutine, and from StopListening for the final flush.
func NewListener(cfg Config, src Source, handler BatchHandler) *Listener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = defaultDedupBucket
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
	admitted, _ := lru.New[int, struct{}](admittedSize)
	return &Listener{
		cfg:      cfg,
		src:      src,
		handler:  handler,
		log:      cfg.Logger.Named("ingest"),
		cache:    dedup.New(cfg.DedupWindow, cfg.QueueSize*4, cfg.Clock),
		filters:  append([]string(nil), cfg.NameFilters...),
		admitted: admitted,
		errs:     make(chan SourceError, errorChanSize),
	}
}

// SetHandler replaces the batch handler. Call before StartListening.
func (l *Listener) SetHandler(h BatchHandler) { l.handler = h }

// SetInterested replaces the exit pass-through predicate. Call before
// StartListening.
func (l *Listener) SetInterested(fn func(pid int) bool) { l.cfg.Interested = fn }

// CheckAvailability probes the push source. Safe while stopped or running.
func (l *Listener) CheckAvailability() error {
	if err := l.src.Probe(); err != nil {
		if errors.Is(err, model.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return nil
}

// StartListening probes the source and subscribes. It fails with
// ErrUnavailable when the source cannot be reached.
func (l *Listener) StartListening(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running.Load() {
		return nil
	}
	if err := l.CheckAvailability(); err != nil {
		l.setLastError(err)
		return err
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running.Store(true)
	l.drainDone = make(chan struct{})
	go l.drainLoop(l.ctx, l.drainDone)
	l.startSource()

	l.log.Info("push listener started",
		zap.Int("batch_size", l.cfg.BatchSize),
		zap.Duration("drain_interval", l.cfg.DrainInterval))
	return nil
}

// StopListening unsubscribes, waits for the goroutines and flushes the
// queue through the handler. Idempotent.
func (l *Listener) StopListening() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running.Load() {
		return nil
	}
	l.cancel()
	<-l.srcDone
	<-l.drainDone
	l.running.Store(false)

	flushed := 0
	for {
		n := l.drainOnce()
		if n == 0 {
			break
		}
		flushed += n
	}
	l.cache.Purge()
	l.log.Info("push listener stopped", zap.Int("flushed", flushed))
	return nil
}

// Reconnect restarts a failed subscription. It is a no-op while connected.
// Each call that actually tries counts as one attempt.
func (l *Listener) Reconnect() error {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running.Load() {
		return fmt.Errorf("reconnect: listener not running")
	}
	if l.connected.Load() {
		return nil
	}
	<-l.srcDone

	l.attempts.Add(1)
	if err := l.CheckAvailability(); err != nil {
		l.failures.Add(1)
		l.setLastError(err)
		return err
	}
	l.startSource()
	l.log.Info("push source reconnected", zap.Uint64("attempt", l.attempts.Load()))
	return nil
}

// Running reports whether StartListening succeeded and StopListening has
// not been called.
func (l *Listener) Running() bool { return l.running.Load() }

// Connected reports whether the source subscription is live.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Errors delivers source faults. Faults are dropped when nobody reads.
func (l *Listener) Errors() <-chan SourceError { return l.errs }

// SetFilters replaces the name filters.
func (l *Listener) SetFilters(filters []string) {
	l.filterMu.Lock()
	defer l.filterMu.Unlock()
	l.filters = append([]string(nil), filters...)
}

// Sweep removes expired dedup entries.
func (l *Listener) Sweep() int { return l.cache.Sweep() }

// Stats returns a counter snapshot.
func (l *Listener) Stats() Stats {
	l.qmu.Lock()
	backlog := len(l.queue)
	l.qmu.Unlock()
	l.lastMu.Lock()
	last, lastErr := l.lastEvent, l.lastErr
	l.lastMu.Unlock()

	return Stats{
		Running:           l.Running(),
		Connected:         l.connected.Load(),
		Received:          l.received.Load(),
		Forwarded:         l.forwarded.Load(),
		Filtered:          l.filtered.Load(),
		Duplicates:        l.duplicates.Load(),
		Dropped:           l.dropped.Load(),
		Batches:           l.batches.Load(),
		Warnings:          l.warnings.Load(),
		Backlog:           backlog,
		ReconnectAttempts: l.attempts.Load(),
		ReconnectFailures: l.failures.Load(),
		LastEventAt:       last,
		LastError:         lastErr,
	}
}

// Emit is the source callback. It never blocks.
func (l *Listener) Emit(sig model.Signal) {
	l.received.Add(1)
	if sig.At.IsZero() {
		sig.At = l.cfg.Clock.Now()
	}
	sig.Source = model.SourcePush
	l.lastMu.Lock()
	l.lastEvent = sig.At
	l.lastMu.Unlock()

	if !l.admit(sig) {
		l.filtered.Add(1)
		return
	}
	if l.cache.SeenAny(dedup.Keys(dedupType(sig), sig.PID, sig.At, l.cfg.DedupBucket)...) {
		l.duplicates.Add(1)
		return
	}
	if sig.Type == model.EventStarted {
		l.forgetExits(sig)
	}

	l.qmu.Lock()
	if len(l.queue) >= l.cfg.QueueSize {
		l.qmu.Unlock()
		l.dropped.Add(1)
		return
	}
	l.queue = append(l.queue, sig)
	l.qmu.Unlock()
}

// Warn is the source's recoverable fault callback.
func (l *Listener) Warn(err error) {
	l.warnings.Add(1)
	l.report(SourceError{Err: err, Recoverable: true, At: l.cfg.Clock.Now()})
}

// admit applies the name filter. Exits pass when their start was admitted
// or the PID is of interest to the engine.
func (l *Listener) admit(sig model.Signal) bool {
	if !l.cfg.ForwardOnlyMatching {
		return true
	}
	switch {
	case sig.Type == model.EventStarted:
		if l.matches(sig.Name, sig.FullPath) {
			l.admitted.Add(sig.PID, struct{}{})
			return true
		}
		return false
	case sig.Type.IsExit():
		if l.admitted.Contains(sig.PID) {
			l.admitted.Remove(sig.PID)
			return true
		}
		return l.cfg.Interested != nil && l.cfg.Interested(sig.PID)
	default:
		return l.cfg.Interested != nil && l.cfg.Interested(sig.PID)
	}
}

func (l *Listener) matches(name, fullPath string) bool {
	l.filterMu.RLock()
	filters := l.filters
	l.filterMu.RUnlock()
	if classify.MatchAny(filters, name) {
		return true
	}
	return l.cfg.Classifier.IsAITool(name, fullPath)
}

// dedupType folds the name and start token into Started keys so a second
// exec, or a new incarnation of a reused PID, is not mistaken for a
// duplicate.
func dedupType(sig model.Signal) string {
	if sig.Type == model.EventStarted {
		return string(sig.Type) + "/" + sig.Name + "/" + strconv.FormatUint(sig.StartToken, 10)
	}
	return string(sig.Type)
}

// forgetExits clears the exit keys of a PID that just started again. Exit
// keys carry no incarnation, and the previous incarnation's exit can only
// share a bucket with the start or the one before it.
func (l *Listener) forgetExits(sig model.Signal) {
	for _, typ := range []model.EventType{model.EventExited, model.EventKilled} {
		for _, k := range dedup.Keys(string(typ), sig.PID, sig.At, l.cfg.DedupBucket) {
			l.cache.Forget(k)
		}
	}
}

func (l *Listener) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := l.cfg.Clock.NewTicker(l.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.drainOnce()
		}
	}
}

// drainOnce hands at most BatchSize queued signals to the handler and
// returns how many it took.
func (l *Listener) drainOnce() int {
	l.qmu.Lock()
	n := len(l.queue)
	if n == 0 {
		l.qmu.Unlock()
		return 0
	}
	if n > l.cfg.BatchSize {
		n = l.cfg.BatchSize
	}
	batch := make([]model.Signal, n)
	copy(batch, l.queue[:n])
	l.queue = l.queue[n:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	l.qmu.Unlock()

	l.batches.Add(1)
	l.forwarded.Add(uint64(n))
	if l.handler != nil {
		l.handler(batch)
	}
	return n
}

// startSource runs the subscription goroutine. Caller holds runMu.
func (l *Listener) startSource() {
	done := make(chan struct{})
	l.srcDone = done
	l.connected.Store(true)
	go func() {
		defer close(done)
		err := l.src.Run(l.ctx, l)
		l.connected.Store(false)
		if err != nil && l.ctx.Err() == nil {
			l.setLastError(err)
			l.log.Warn("push source failed", zap.Error(err))
			l.report(SourceError{
				Err:         err,
				Recoverable: !errors.Is(err, model.ErrPermissionDenied),
				At:          l.cfg.Clock.Now(),
			})
		}
	}()
}

func (l *Listener) report(e SourceError) {
	select {
	case l.errs <- e:
	default:
	}
}

func (l *Listener) setLastError(err error) {
	l.lastMu.Lock()
	defer l.lastMu.Unlock()
	l.lastErr = err.Error()
}
