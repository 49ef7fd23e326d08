// Package proxy serves downstream clients. The Core goroutine owns every
// piece of routing state (subscription index, throttle, connection pools and
// the session table); sessions and the bus only talk to it through channels.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tickproxy/internal/index"
	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/internal/pool"
	"tickproxy/internal/protocol"
	"tickproxy/logger"
)

const (
	defaultHousekeeping = 100 * time.Millisecond
	eventQueueSize      = 1024
)

var (
	// ErrCoreStopped is returned to sessions once the core has exited.
	ErrCoreStopped = errors.New("proxy core stopped")
	// ErrSessionClosed is returned for commands of a session already dropped.
	ErrSessionClosed = errors.New("session closed")
	// ErrTooManyTopics rejects subscriptions above the per-session cap.
	ErrTooManyTopics = errors.New("too many topics for this session")
	// ErrUnknownBroker rejects topics for brokers without an adapter.
	ErrUnknownBroker = errors.New("no adapter for broker")
)

// Upstream receives subscription intent for one broker. *adapter.Adapter
// implements it; every call only enqueues.
type Upstream interface {
	Subscribe(conn pool.ConnID, topic model.Topic) error
	Unsubscribe(conn pool.ConnID, topic model.Topic) error
	CloseConn(conn pool.ConnID) error
}

// Source delivers every tick published on the bus.
type Source interface {
	C() <-chan model.Tick
}

// Broker binds an upstream to its pool ceilings.
type Broker struct {
	Name                    string
	Upstream                Upstream
	MaxSymbolsPerConnection int
	MaxConnections          int
}

// CoreOptions configures a Core.
type CoreOptions struct {
	Brokers             []Broker
	Source              Source
	ThrottleInterval    time.Duration
	Housekeeping        time.Duration
	MaxTopicsPerSession int
	Logger              *logger.Log
}

// Stats is a point in time view of the core.
type Stats struct {
	Sessions        int          `json:"sessions"`
	Topics          int          `json:"topics"`
	ThrottleEntries int          `json:"throttle_entries"`
	Pools           []pool.Stats `json:"pools"`
	TicksRouted     int64        `json:"ticks_routed"`
	TicksUnrouted   int64        `json:"ticks_unrouted"`
	FramesSent      int64        `json:"frames_sent"`
	FramesThrottled int64        `json:"frames_throttled"`
	FramesDropped   int64        `json:"frames_dropped"`
}

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evSubscribe
	evUnsubscribe
	evActivate
	evStats
)

type event struct {
	kind    eventKind
	session *Session
	topics  []model.Topic
	reply   chan []error
	stats   chan Stats
}

type brokerState struct {
	upstream Upstream
	pool     *pool.Pool
}

// Core routes bus ticks to sessions and turns subscription changes into
// upstream intent.
type Core struct {
	log       *logger.Log
	entry     *logger.Entry
	source    Source
	interval  time.Duration
	maxTopics int

	index    *index.Index
	throttle *index.Throttle
	brokers  map[string]*brokerState
	sessions map[index.SessionID]*Session

	events chan event
	done   chan struct{}
	once   sync.Once

	routed    int64
	unrouted  int64
	sent      int64
	throttled int64
	dropped   int64

	snapMu   sync.Mutex
	snapshot Stats
}

func NewCore(opts CoreOptions) *Core {
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	interval := opts.Housekeeping
	if interval <= 0 {
		interval = defaultHousekeeping
	}

	c := &Core{
		log:       log,
		entry:     log.WithComponent("proxy_core"),
		source:    opts.Source,
		interval:  interval,
		maxTopics: opts.MaxTopicsPerSession,
		index:     index.New(),
		throttle:  index.NewThrottle(opts.ThrottleInterval),
		brokers:   make(map[string]*brokerState, len(opts.Brokers)),
		sessions:  make(map[index.SessionID]*Session),
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
	}
	for _, b := range opts.Brokers {
		name := strings.ToUpper(b.Name)
		c.brokers[name] = &brokerState{
			upstream: b.Upstream,
			pool:     pool.New(name, b.MaxSymbolsPerConnection, b.MaxConnections),
		}
	}
	c.snapshot = c.collect()
	return c
}

// HasBroker reports whether topics for broker can be served.
func (c *Core) HasBroker(broker string) bool {
	_, ok := c.brokers[strings.ToUpper(broker)]
	return ok
}

// Run owns the routing state until ctx is cancelled. Sessions still open at
// that point are closed.
func (c *Core) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var ticks <-chan model.Tick
	if c.source != nil {
		ticks = c.source.C()
	}

	c.entry.WithFields(logger.Fields{
		"brokers":           len(c.brokers),
		"throttle_interval": c.throttle.Interval().String(),
	}).Info("proxy core started")

	defer c.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case tick, ok := <-ticks:
			if !ok {
				c.entry.Warn("bus subscription closed, routing stopped")
				ticks = nil
				continue
			}
			c.route(tick)
		case <-ticker.C:
			c.housekeeping()
		}
	}
}

// Stats returns the core's current view, or the last one once it stopped.
func (c *Core) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case c.events <- event{kind: evStats, stats: reply}:
	case <-c.done:
		return c.lastSnapshot()
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return c.lastSnapshot()
	}
}

func (c *Core) lastSnapshot() Stats {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snapshot
}

func (c *Core) register(s *Session) error {
	errs, err := c.call(event{kind: evRegister, session: s})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Core) unregister(s *Session) {
	select {
	case c.events <- event{kind: evUnregister, session: s}:
	case <-c.done:
	}
}

func (c *Core) subscribe(s *Session, topics []model.Topic) ([]error, error) {
	return c.call(event{kind: evSubscribe, session: s, topics: topics})
}

func (c *Core) unsubscribe(s *Session, topics []model.Topic) ([]error, error) {
	return c.call(event{kind: evUnsubscribe, session: s, topics: topics})
}

// activate starts routing topics to s. Sessions call it once their
// subscribe_result frames are queued, so market data never overtakes them.
func (c *Core) activate(s *Session, topics []model.Topic) error {
	_, err := c.call(event{kind: evActivate, session: s, topics: topics})
	return err
}

func (c *Core) call(ev event) ([]error, error) {
	ev.reply = make(chan []error, 1)
	select {
	case c.events <- ev:
	case <-c.done:
		return nil, ErrCoreStopped
	}
	select {
	case errs := <-ev.reply:
		return errs, nil
	case <-c.done:
		return nil, ErrCoreStopped
	}
}

func (c *Core) handle(ev event) {
	switch ev.kind {
	case evRegister:
		if ev.session.closed() {
			ev.reply <- []error{ErrSessionClosed}
			return
		}
		c.sessions[ev.session.id] = ev.session
		metrics.SetSessions(len(c.sessions))
		ev.reply <- nil

	case evUnregister:
		c.drop(ev.session)

	case evSubscribe:
		errs := make([]error, len(ev.topics))
		for i, topic := range ev.topics {
			errs[i] = c.add(ev.session, topic)
		}
		ev.reply <- errs

	case evUnsubscribe:
		errs := make([]error, len(ev.topics))
		for _, topic := range ev.topics {
			delete(ev.session.pending, topic)
			if c.index.Remove(ev.session.id, topic) {
				c.release(topic)
			}
		}
		ev.reply <- errs

	case evActivate:
		for _, topic := range ev.topics {
			delete(ev.session.pending, topic)
		}
		ev.reply <- nil

	case evStats:
		ev.stats <- c.collect()
	}
}

// add subscribes session to topic. Only the first subscriber of a topic
// reaches the pool and the adapter.
func (c *Core) add(s *Session, topic model.Topic) error {
	if _, ok := c.sessions[s.id]; !ok {
		return ErrSessionClosed
	}
	if c.index.Has(s.id, topic) {
		return nil
	}
	if c.maxTopics > 0 && c.index.TopicCount(s.id) >= c.maxTopics {
		return fmt.Errorf("%w (limit %d)", ErrTooManyTopics, c.maxTopics)
	}
	b, ok := c.brokers[topic.Broker]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownBroker, topic.Broker)
	}

	if c.index.Count(topic) == 0 {
		asg, err := b.pool.Acquire(topic)
		if err != nil {
			return err
		}
		if err := b.upstream.Subscribe(asg.Conn, topic); err != nil {
			b.pool.Release(topic)
			return fmt.Errorf("upstream %s: %w", topic.Broker, err)
		}
		c.entry.WithFields(logger.Fields{
			"topic":  topic.String(),
			"conn":   asg.Conn,
			"opened": asg.Opened,
		}).Debug("upstream subscription opened")
	}
	c.index.Add(s.id, topic)
	if s.pending == nil {
		s.pending = make(map[model.Topic]struct{})
	}
	s.pending[topic] = struct{}{}
	return nil
}

// release closes the upstream side of a topic that lost its last
// subscriber and forgets its throttle state.
func (c *Core) release(topic model.Topic) {
	c.throttle.Evict(topic)
	b, ok := c.brokers[topic.Broker]
	if !ok {
		return
	}
	asg, held := b.pool.Release(topic)
	if !held {
		return
	}

	var err error
	if asg.Closed {
		err = b.upstream.CloseConn(asg.Conn)
	} else {
		err = b.upstream.Unsubscribe(asg.Conn, topic)
	}
	entry := c.entry.WithFields(logger.Fields{
		"topic":  topic.String(),
		"conn":   asg.Conn,
		"closed": asg.Closed,
	})
	if err != nil {
		// Release intent is only refused once the adapter is closed, which
		// tears the connection down anyway.
		entry.WithError(err).Warn("failed to enqueue upstream release")
		return
	}
	entry.Debug("upstream subscription closed")
}

func (c *Core) drop(s *Session) {
	if _, ok := c.sessions[s.id]; !ok {
		return
	}
	delete(c.sessions, s.id)
	for _, topic := range c.index.RemoveSession(s.id) {
		c.release(topic)
	}
	c.flushDrops(s)
	metrics.SetSessions(len(c.sessions))
}

// route fans one tick out to every subscriber of its topic. The throttle
// decision is made once per tick; sends are non-blocking enqueues so the
// session writers deliver concurrently.
func (c *Core) route(tick model.Tick) {
	subs := c.index.Subscribers(tick.Topic)
	if len(subs) == 0 {
		c.unrouted++
		return
	}
	c.routed++
	if !c.throttle.Allow(tick.Topic, time.Now()) {
		c.throttled++
		metrics.ObserveThrottled()
		return
	}

	frame, err := protocol.Encode(protocol.NewMarketData(tick))
	if err != nil {
		c.entry.WithError(err).WithField("topic", tick.Topic.String()).Error("failed to encode market data")
		return
	}
	for _, id := range subs {
		s, ok := c.sessions[id]
		if !ok {
			continue
		}
		if _, muted := s.pending[tick.Topic]; muted {
			continue
		}
		if s.offer(frame) {
			c.sent++
			metrics.ObserveFrameSent()
		} else {
			c.dropped++
		}
	}
}

func (c *Core) housekeeping() {
	for _, s := range c.sessions {
		c.flushDrops(s)
	}
	snap := c.collect()
	c.snapMu.Lock()
	c.snapshot = snap
	c.snapMu.Unlock()
}

func (c *Core) flushDrops(s *Session) {
	if n := s.dropped.Swap(0); n > 0 {
		metrics.EmitDropMetric(c.log, metrics.DropMetricSessionFrames, n, s.identity.Broker, "", string(s.id))
	}
}

func (c *Core) collect() Stats {
	s := Stats{
		Sessions:        len(c.sessions),
		Topics:          c.index.Len(),
		ThrottleEntries: c.throttle.Len(),
		Pools:           make([]pool.Stats, 0, len(c.brokers)),
		TicksRouted:     c.routed,
		TicksUnrouted:   c.unrouted,
		FramesSent:      c.sent,
		FramesThrottled: c.throttled,
		FramesDropped:   c.dropped,
	}
	for _, b := range c.brokers {
		s.Pools = append(s.Pools, b.pool.Stats())
	}
	sort.Slice(s.Pools, func(i, j int) bool { return s.Pools[i].Broker < s.Pools[j].Broker })
	return s
}

func (c *Core) stop() {
	c.once.Do(func() {
		snap := c.collect()
		c.snapMu.Lock()
		c.snapshot = snap
		c.snapMu.Unlock()

		close(c.done)
		for id, s := range c.sessions {
			delete(c.sessions, id)
			for _, topic := range c.index.RemoveSession(id) {
				c.release(topic)
			}
			s.Close()
		}
		metrics.SetSessions(0)
		c.entry.Info("proxy core stopped")
	})
}
