package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const defaultSubscriberBuffer = 4096

// Hub is the embedded in-process bus. Every subscription receives every
// tick; topic filtering is left to the subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	seq    atomic.Uint64
	buffer int
	closed bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	log *logger.Log
}

// NewHub creates a hub whose subscriptions buffer up to buffer ticks.
func NewHub(buffer int, log *logger.Log) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent("bus").WithFields(logger.Fields{
		"subscriber_buffer": buffer,
	}).Info("bus hub initialized")

	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new subscription. It only sees ticks published
// after this call returns.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:  h.seq.Add(1),
		hub: h,
		ch:  make(chan model.Tick, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish hands tick to every current subscription without blocking. A full
// subscription buffer drops the tick for that subscriber only.
func (h *Hub) Publish(tick model.Tick) {
	h.published.Add(1)
	metrics.ObserveTickPublished(tick.Topic.Broker)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- tick:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			metrics.ObserveDrop(metrics.DropStageBus)
		}
	}
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: n,
	}
}

// Close ends every subscription. Later Subscribe calls return closed
// subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.closed = true
		close(sub.ch)
	}
	h.log.WithComponent("bus").Info("bus hub closed")
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Subscription receives every tick published on its hub.
type Subscription struct {
	id     uint64
	hub    *Hub
	ch     chan model.Tick
	closed bool // guarded by hub.mu
}

// C exposes the delivery channel for select loops. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan model.Tick {
	return s.ch
}

// Poll waits up to timeout for the next tick. It returns ErrTimeout when the
// window elapses, ErrClosed once the subscription ended, or the context error.
func (s *Subscription) Poll(ctx context.Context, timeout time.Duration) (model.Tick, error) {
	select {
	case tick, ok := <-s.ch:
		if !ok {
			return model.Tick{}, ErrClosed
		}
		return tick, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case tick, ok := <-s.ch:
		if !ok {
			return model.Tick{}, ErrClosed
		}
		return tick, nil
	case <-timer.C:
		return model.Tick{}, ErrTimeout
	case <-ctx.Done():
		return model.Tick{}, ctx.Err()
	}
}

// Close detaches the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}
