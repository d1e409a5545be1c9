package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/procwatch/internal/clock"
	"github.com/ppiankov/procwatch/internal/model"
)

const (
	sinkBuffer      = 256
	sinkTimeout     = 5 * time.Second
	defaultSubQueue = 64
)

// Sink consumes emitted events. Publish is called from a dedicated
// goroutine per sink, in emission order.
type Sink interface {
	Publish(ctx context.Context, ev model.MonitoringEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.MonitoringEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev model.MonitoringEvent) error { return f(ctx, ev) }

// asyncSink decouples a slow sink from the ingest path.
type asyncSink struct {
	name string
	sink Sink
	ch   chan model.MonitoringEvent
	done chan struct{}
}

// publisher fans events out to subscribers and sinks and keeps a bounded
// history for RecentEvents.
type publisher struct {
	log       *zap.Logger
	clock     clock.Clock
	retention time.Duration

	mu      sync.Mutex
	subs    map[uint64]chan model.MonitoringEvent
	nextSub uint64
	sinks   []*asyncSink
	history []model.MonitoringEvent
	closed  bool

	subDrops   atomic.Uint64
	sinkErrors atomic.Uint64
}

func newPublisher(log *zap.Logger, retention time.Duration, clk clock.Clock) *publisher {
	return &publisher{
		log:       log,
		clock:     clk,
		retention: retention,
		subs:      make(map[uint64]chan model.MonitoringEvent),
	}
}

// publish delivers events without blocking. A full subscriber or sink
// buffer drops the event for that consumer only.
func (p *publisher) publish(events []model.MonitoringEvent) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.retention > 0 {
		p.history = append(p.history, events...)
	}
	for _, ev := range events {
		for _, ch := range p.subs {
			select {
			case ch <- ev:
			default:
				p.subDrops.Add(1)
			}
		}
		for _, s := range p.sinks {
			select {
			case s.ch <- ev:
			default:
				p.sinkErrors.Add(1)
				p.log.Warn("sink buffer full, event dropped", zap.String("sink", s.name), zap.String("event_id", ev.ID))
			}
		}
	}
}

func (p *publisher) subscribe(buffer int) (<-chan model.MonitoringEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubQueue
	}
	ch := make(chan model.MonitoringEvent, buffer)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *publisher) addSink(name string, s Sink) {
	as := &asyncSink{
		name: name,
		sink: s,
		ch:   make(chan model.MonitoringEvent, sinkBuffer),
		done: make(chan struct{}),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.sinks = append(p.sinks, as)
	p.mu.Unlock()
	go p.runSink(as)
}

func (p *publisher) runSink(s *asyncSink) {
	defer close(s.done)
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := s.sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			p.sinkErrors.Add(1)
			p.log.Warn("sink publish failed",
				zap.String("sink", s.name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
}

// recent returns retained events at or after since.
func (p *publisher) recent(since time.Time) []model.MonitoringEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.MonitoringEvent
	for _, ev := range p.history {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

// prune drops history older than the retention window.
func (p *publisher) prune(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-p.retention)
	i := 0
	for i < len(p.history) && p.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.history = append([]model.MonitoringEvent(nil), p.history[i:]...)
	}
	return i
}

func (p *publisher) counts() (subDrops, sinkErrors uint64) {
	return p.subDrops.Load(), p.sinkErrors.Load()
}

// close ends every subscription and waits for sinks to drain.
func (p *publisher) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	sinks := p.sinks
	p.sinks = nil
	p.mu.Unlock()

	for _, s := range sinks {
		close(s.ch)
		<-s.done
	}
}

// Subscribe returns a channel of emitted events and a function that ends
// the subscription. A subscriber that falls behind loses events; the loss
// is counted in Statistics.SubscriberDrops.
func (m *Manager) Subscribe(buffer int) (<-chan model.MonitoringEvent, func()) {
	return m.pub.subscribe(buffer)
}

// AddSink registers a named sink. Sinks run until Close.
func (m *Manager) AddSink(name string, s Sink) {
	m.pub.addSink(name, s)
	m.log.Debug("sink registered", zap.String("sink", name))
}

// RecentEvents returns retained events emitted at or after since.
func (m *Manager) RecentEvents(since time.Time) []model.MonitoringEvent {
	return m.pub.recent(since)
}
