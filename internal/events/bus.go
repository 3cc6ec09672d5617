package events

import (
	"context"
	"sync"
	"time"

	"maestro/internal/logging"
	"maestro/internal/observability"
)

const (
	// DefaultReplayDepth is how many recent events each thread retains for
	// catch-up replay. Overflow evicts the oldest.
	DefaultReplayDepth = 50
	// DefaultSubscriberBuffer is the channel depth handed to subscribers.
	DefaultSubscriberBuffer = 64
	// dropAfterStrikes removes a subscriber after this many consecutive
	// overflowed sends. A healthy consumer resets the count.
	dropAfterStrikes = 3
)

// subscriber is one registered consumer of a thread's events.
type subscriber struct {
	ch      chan Envelope
	strikes int
	closed  bool
}

// Bus is the in-process observer bus. Every published event gets a
// server-side timestamp and a per-thread monotonically increasing sequence
// number starting at 1. Late subscribers receive a bounded replay of recent
// events before live delivery.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	history     map[string][]Envelope
	seq         map[string]uint64

	replayDepth int
	bufferSize  int
	now         func() time.Time

	logger  logging.Logger
	metrics *observability.MetricsCollector

	busMetrics busMetrics
}

// busMetrics tracks delivery counters for the stats endpoint.
type busMetrics struct {
	mu                sync.Mutex
	published         int64
	dropped           int64
	droppedSubscriber int64
	connections       int64
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithReplayDepth overrides the per-thread replay queue size.
func WithReplayDepth(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.replayDepth = n
		}
	}
}

// WithSubscriberBuffer overrides the subscriber channel depth.
func WithSubscriberBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithBusLogger attaches a logger.
func WithBusLogger(logger logging.Logger) BusOption {
	return func(b *Bus) { b.logger = logging.OrNop(logger) }
}

// WithBusMetrics attaches the process metrics collector.
func WithBusMetrics(metrics *observability.MetricsCollector) BusOption {
	return func(b *Bus) { b.metrics = metrics }
}

// withClock fixes the timestamp source in tests.
func withClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an observer bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subscribers: make(map[string][]*subscriber),
		history:     make(map[string][]Envelope),
		seq:         make(map[string]uint64),
		replayDepth: DefaultReplayDepth,
		bufferSize:  DefaultSubscriberBuffer,
		now:         time.Now,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps and fans out one event for a thread. Events for the same
// thread are sequenced in call order; the caller (one engine per thread)
// already serializes them.
func (b *Bus) Publish(threadID, taskID string, payload Payload) Envelope {
	b.mu.Lock()

	b.seq[threadID]++
	env := Envelope{
		Kind:     payload.Kind(),
		TS:       stamp(b.now()),
		Seq:      b.seq[threadID],
		ThreadID: threadID,
		TaskID:   taskID,
		Payload:  payload,
	}

	history := append(b.history[threadID], env)
	if len(history) > b.replayDepth {
		history = history[len(history)-b.replayDepth:]
	}
	b.history[threadID] = history

	subs := b.subscribers[threadID]
	var dropped []*subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- env:
			sub.strikes = 0
		default:
			sub.strikes++
			b.busMetrics.incrementDropped()
			if b.metrics != nil {
				b.metrics.RecordEventDropped(context.Background(), env.Kind)
			}
			if sub.strikes >= dropAfterStrikes {
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range dropped {
		b.removeLocked(threadID, sub)
		b.busMetrics.incrementDroppedSubscriber()
		b.logger.Warn("Subscriber buffer overflowed %d times for thread %s, dropping subscriber", dropAfterStrikes, threadID)
	}
	b.mu.Unlock()

	b.busMetrics.incrementPublished()
	if b.metrics != nil {
		b.metrics.RecordEventPublished(context.Background(), env.Kind)
	}
	return env
}

// Subscribe registers a consumer for one thread. The returned channel first
// yields the replay of recent events, then live events in order. The cancel
// function unregisters and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(threadID string) (<-chan Envelope, func()) {
	b.mu.Lock()

	replay := b.history[threadID]
	buffer := b.bufferSize
	if buffer < len(replay)+1 {
		buffer = len(replay) + b.bufferSize
	}
	sub := &subscriber{ch: make(chan Envelope, buffer)}
	for _, env := range replay {
		sub.ch <- env
	}
	b.subscribers[threadID] = append(b.subscribers[threadID], sub)
	count := len(b.subscribers[threadID])
	b.mu.Unlock()

	b.busMetrics.incrementConnections()
	b.logger.Info("Subscriber registered for thread %s (total: %d, replayed: %d)", threadID, count, len(replay))

	cancel := func() {
		b.mu.Lock()
		b.removeLocked(threadID, sub)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// History returns a copy of the replay queue for a thread.
func (b *Bus) History(threadID string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := b.history[threadID]
	if len(history) == 0 {
		return nil
	}
	out := make([]Envelope, len(history))
	copy(out, history)
	return out
}

// LastSeq returns the latest sequence number assigned for a thread, zero if
// none.
func (b *Bus) LastSeq(threadID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[threadID]
}

// SubscriberCount returns how many consumers a thread currently has.
func (b *Bus) SubscriberCount(threadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[threadID])
}

// ReleaseThread drops a thread's history, sequence counter, and subscribers.
// Called when the thread is sealed by idle GC or explicit close.
func (b *Bus) ReleaseThread(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers[threadID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.subscribers, threadID)
	delete(b.history, threadID)
	delete(b.seq, threadID)
}

// Drain closes every subscriber on every thread. Used during shutdown after
// the final events have been published.
func (b *Bus) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subscribers, threadID)
	}
}

// removeLocked unregisters one subscriber. Caller holds b.mu.
func (b *Bus) removeLocked(threadID string, target *subscriber) {
	subs := b.subscribers[threadID]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[threadID] = append(subs[:i], subs[i+1:]...)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			if len(b.subscribers[threadID]) == 0 {
				delete(b.subscribers, threadID)
			}
			break
		}
	}
}

// Stats is a point-in-time view of bus delivery counters.
type Stats struct {
	Published          int64 `json:"published"`
	Dropped            int64 `json:"dropped"`
	DroppedSubscribers int64 `json:"dropped_subscribers"`
	Connections        int64 `json:"connections"`
	ActiveThreads      int   `json:"active_threads"`
}

// GetStats returns delivery counters.
func (b *Bus) GetStats() Stats {
	b.busMetrics.mu.Lock()
	stats := Stats{
		Published:          b.busMetrics.published,
		Dropped:            b.busMetrics.dropped,
		DroppedSubscribers: b.busMetrics.droppedSubscriber,
		Connections:        b.busMetrics.connections,
	}
	b.busMetrics.mu.Unlock()

	b.mu.Lock()
	stats.ActiveThreads = len(b.subscribers)
	b.mu.Unlock()
	return stats
}

func (m *busMetrics) incrementPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *busMetrics) incrementDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *busMetrics) incrementDroppedSubscriber() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedSubscriber++
}

func (m *busMetrics) incrementConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections++
}
