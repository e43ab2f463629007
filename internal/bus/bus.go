// Package bus implements the single-producer-multi-consumer fan-in and
// fan-out the alarm engine runs on: an unbounded inbound queue feeding the
// state machine, and a fixed-depth broadcast ring fanning stamped
// envelopes out to local WebSocket clients and the cloud uplink.
//
// Grounded on the non-blocking single-slot channel idiom in
// client/doublezerod/internal/manager/manager.go's NetlinkManager.SetEnabled,
// generalized from one slot to an unbounded FIFO.
package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sentrynode/sentryd/internal/event"
)

// Metrics are the counters the bus increments. A nil Metrics is a no-op,
// matching the pattern in internal/cloud's metrics helpers.
type Metrics struct {
	Dropped prometheus.Counter
}

// Bus fans inbound events into a single consumer (the state machine) and
// fans stamped envelopes out to any number of broadcast subscribers.
type Bus struct {
	metrics *Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	inbound []event.Event
	closed  bool

	subMu       sync.Mutex
	subs        map[int]chan event.Envelope
	nextSub     int
	ringDepth   int
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics wires Prometheus counters into the bus.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithRingDepth sets the per-subscriber broadcast buffer depth. Values
// below 100 are raised to 100.
func WithRingDepth(n int) Option {
	return func(b *Bus) {
		if n < 100 {
			n = 100
		}
		b.ringDepth = n
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[int]chan event.Envelope),
		ringDepth: 100,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit enqueues an event for the state machine. It never blocks and never
// fails except when the bus has been closed (process shutdown).
func (b *Bus) Emit(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.inbound = append(b.inbound, e)
	b.cond.Signal()
}

// Next blocks until an event is available or the bus is closed. It is
// called by exactly one consumer: the state machine's run loop.
func (b *Bus) Next() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.inbound) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.inbound) == 0 {
		return nil, false
	}
	e := b.inbound[0]
	b.inbound = b.inbound[1:]
	return e, true
}

// Close releases the consumer blocked in Next and closes every broadcast
// subscriber channel. Further Emit calls are silently dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribe registers a broadcast listener and returns its channel along
// with a cancel function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan event.Envelope, func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan event.Envelope, b.ringDepth)
	b.subs[id] = ch
	return ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Broadcast fans a stamped envelope out to every live subscriber. A
// subscriber whose buffer is full loses its oldest undelivered envelope,
// which is fine since cloud-destined envelopes are also recorded durably in
// the offline queue (internal/queue) through the alarm engine's sinks.
func (b *Bus) Broadcast(env event.Envelope) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// Buffer full: drop the oldest queued envelope to make room,
			// then retry once. If still full (concurrent writer), drop env.
			select {
			case <-ch:
				if b.metrics != nil {
					b.metrics.Dropped.Inc()
				}
			default:
			}
			select {
			case ch <- env:
			default:
				if b.metrics != nil {
					b.metrics.Dropped.Inc()
				}
			}
		}
	}
}
