// Package adapter drives upstream broker connections. A Feed speaks one
// broker's protocol; an Adapter owns every upstream connection for that
// broker and keeps the requested topics subscribed across reconnects.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickproxy/config"
	"tickproxy/internal/bus"
	"tickproxy/internal/metrics"
	"tickproxy/internal/model"
	"tickproxy/internal/pool"
	"tickproxy/logger"
)

const defaultQueueSize = 1024

var (
	// ErrQueueFull is returned when the command queue cannot take more work.
	ErrQueueFull = errors.New("adapter: command queue full")
	// ErrClosed is returned for commands submitted after Close.
	ErrClosed = errors.New("adapter: closed")
	// ErrUpstreamUnavailable matches every UpstreamUnavailableError.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// UpstreamUnavailableError reports that the broker could not be reached or
// rejected the session.
type UpstreamUnavailableError struct {
	Broker string
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s unavailable", e.Broker)
	}
	return fmt.Sprintf("upstream %s unavailable: %v", e.Broker, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

func (e *UpstreamUnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// Credentials are the broker login details taken from the config file.
type Credentials struct {
	APIKey    string
	APISecret string
	URL       string
	Options   map[string]string
}

// CredentialsFromConfig copies the credential fields of a broker entry.
func CredentialsFromConfig(b config.BrokerConfig) Credentials {
	return Credentials{
		APIKey:    b.APIKey,
		APISecret: b.APISecret,
		URL:       b.URL,
		Options:   b.Options,
	}
}

// Session is the authenticated upstream context returned by Feed.Connect.
type Session struct {
	Token   string
	Expires time.Time
	Values  map[string]string
}

// TickFunc receives every normalized tick a stream produces. It is called
// from the stream's own goroutine and must not block.
type TickFunc func(model.Tick)

// Feed is one broker protocol.
type Feed interface {
	Name() string
	Connect(ctx context.Context, creds Credentials) (Session, error)
	Dial(ctx context.Context, session Session, onTick TickFunc) (Stream, error)
}

// Stream is one live upstream connection. Done is closed when the stream
// ends for any reason, including Close.
type Stream interface {
	Subscribe(ctx context.Context, topics ...model.Topic) error
	Unsubscribe(ctx context.Context, topics ...model.Topic) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Stats is a point in time view of an adapter.
type Stats struct {
	Broker      string `json:"broker"`
	Feed        string `json:"feed"`
	Connected   bool   `json:"connected"`
	Connections int    `json:"connections"`
	Topics      int    `json:"topics"`
	Ticks       int64  `json:"ticks"`
	Reconnects  int64  `json:"reconnects"`
	Dropped     int64  `json:"dropped_commands"`
	LastError   string `json:"last_error,omitempty"`
}

// Options configures an Adapter.
type Options struct {
	Broker      string
	Credentials Credentials
	Backoff     Backoff
	QueueSize   int
	Publisher   bus.Publisher
	Logger      *logger.Log
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opCloseConn
)

type command struct {
	op    opKind
	conn  pool.ConnID
	topic model.Topic
}

type eventKind int

const (
	evConnect eventKind = iota
	evDropped
	evRedial
)

type event struct {
	kind   eventKind
	conn   pool.ConnID
	stream Stream
}

// upstream is the desired and active state of one pooled connection.
type upstream struct {
	id      pool.ConnID
	stream  Stream
	desired map[model.Topic]struct{}
	active  map[model.Topic]struct{}
	attempt int
	waiting bool
}

func newUpstream(id pool.ConnID) *upstream {
	return &upstream{
		id:      id,
		desired: make(map[model.Topic]struct{}),
		active:  make(map[model.Topic]struct{}),
	}
}

// Adapter serialises every upstream change through a single goroutine
// started by Run. Subscribe, Unsubscribe and CloseConn only enqueue, in
// order. Subscribes are bounded by the queue size; releases are always
// accepted so an upstream subscription never outlives its last subscriber.
type Adapter struct {
	name    string
	feed    Feed
	creds   Credentials
	backoff Backoff
	pub     bus.Publisher
	log     *logger.Entry

	queueSize  int
	queueMu    sync.Mutex
	queue      []command
	queuedSubs int
	wake       chan struct{}
	events     chan event

	// owned by the Run goroutine
	session        Session
	connected      bool
	connectAttempt int
	conns          map[pool.ConnID]*upstream

	ticks      atomic.Int64
	reconnects atomic.Int64
	dropped    atomic.Int64

	statsMu  sync.Mutex
	snapshot Stats

	running   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New builds an adapter for one broker. Ticks from every stream are handed
// to opts.Publisher.
func New(feed Feed, opts Options) *Adapter {
	name := opts.Broker
	if name == "" {
		name = feed.Name()
	}
	name = strings.ToUpper(name)

	queue := opts.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	backoff := opts.Backoff
	if backoff.Min <= 0 && backoff.Max <= 0 && len(backoff.Schedule) == 0 {
		backoff = DefaultBackoff()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = bus.PublisherFunc(func(model.Tick) {})
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	return &Adapter{
		name:    name,
		feed:    feed,
		creds:   opts.Credentials,
		backoff: backoff,
		pub:     pub,
		log: log.WithComponent("adapter").WithFields(logger.Fields{
			"broker": name,
			"feed":   feed.Name(),
		}),
		queueSize: queue,
		wake:      make(chan struct{}, 1),
		events:    make(chan event, 64),
		conns:     make(map[pool.ConnID]*upstream),
		snapshot:  Stats{Broker: name, Feed: feed.Name()},
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Name is the upper-cased broker name used in topics.
func (a *Adapter) Name() string { return a.name }

// Connect authenticates against the broker. Failures are always reported as
// *UpstreamUnavailableError.
func (a *Adapter) Connect(ctx context.Context) (Session, error) {
	session, err := a.feed.Connect(ctx, a.creds)
	if err != nil {
		var unavailable *UpstreamUnavailableError
		if errors.As(err, &unavailable) {
			return Session{}, err
		}
		return Session{}, &UpstreamUnavailableError{Broker: a.name, Err: err}
	}
	return session, nil
}

// Subscribe asks for topic on the pooled connection conn. Subscribing a
// topic that is already desired on conn is a no-op.
func (a *Adapter) Subscribe(conn pool.ConnID, topic model.Topic) error {
	return a.submit(command{op: opSubscribe, conn: conn, topic: topic})
}

// Unsubscribe drops topic from conn. Unknown topics are ignored.
func (a *Adapter) Unsubscribe(conn pool.ConnID, topic model.Topic) error {
	return a.submit(command{op: opUnsubscribe, conn: conn, topic: topic})
}

// CloseConn tears down the upstream connection behind conn.
func (a *Adapter) CloseConn(conn pool.ConnID) error {
	return a.submit(command{op: opCloseConn, conn: conn})
}

func (a *Adapter) submit(cmd command) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}

	a.queueMu.Lock()
	if cmd.op == opSubscribe {
		if a.queuedSubs >= a.queueSize {
			a.queueMu.Unlock()
			a.dropped.Add(1)
			metrics.ObserveDrop(metrics.DropStageAdapterQueue)
			metrics.EmitDropMetric(nil, metrics.DropMetricAdapterCommands, 1, a.name, cmd.topic.String(), "")
			return ErrQueueFull
		}
		a.queuedSubs++
	}
	a.queue = append(a.queue, cmd)
	a.queueMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain takes every queued command in submission order.
func (a *Adapter) drain() []command {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	cmds := a.queue
	a.queue = nil
	a.queuedSubs = 0
	return cmds
}

// Run connects to the broker, retrying with backoff, then applies queued
// commands until ctx is cancelled or Close is called.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("adapter: already running")
	}
	defer close(a.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.shutdown()

	a.log.Info("adapter started")
	a.schedule(ctx, 0, event{kind: evConnect})

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.closed:
			return nil
		case <-a.wake:
			for _, cmd := range a.drain() {
				a.apply(ctx, cmd)
			}
		case ev := <-a.events:
			a.handle(ctx, ev)
		}
		a.refreshStats()
	}
}

// Close stops Run and closes every stream. Safe to call more than once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	if a.running.Load() {
		<-a.done
	}
	return nil
}

// Stats returns the latest snapshot.
func (a *Adapter) Stats() Stats {
	a.statsMu.Lock()
	s := a.snapshot
	a.statsMu.Unlock()
	s.Ticks = a.ticks.Load()
	s.Reconnects = a.reconnects.Load()
	s.Dropped = a.dropped.Load()
	return s
}

func (a *Adapter) apply(ctx context.Context, cmd command) {
	switch cmd.op {
	case opSubscribe:
		up := a.conns[cmd.conn]
		if up == nil {
			up = newUpstream(cmd.conn)
			a.conns[cmd.conn] = up
		}
		if _, ok := up.desired[cmd.topic]; ok {
			return
		}
		up.desired[cmd.topic] = struct{}{}
		if !a.connected {
			return
		}
		if up.stream == nil {
			if !up.waiting {
				a.dial(ctx, up)
			}
			return
		}
		if err := up.stream.Subscribe(ctx, cmd.topic); err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"conn":  cmd.conn,
				"topic": cmd.topic.String(),
			}).Warn("upstream subscribe failed, recycling connection")
			up.stream.Close()
			return
		}
		up.active[cmd.topic] = struct{}{}

	case opUnsubscribe:
		up := a.conns[cmd.conn]
		if up == nil {
			return
		}
		if _, ok := up.desired[cmd.topic]; !ok {
			return
		}
		delete(up.desired, cmd.topic)
		if _, ok := up.active[cmd.topic]; !ok || up.stream == nil {
			return
		}
		delete(up.active, cmd.topic)
		if err := up.stream.Unsubscribe(ctx, cmd.topic); err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"conn":  cmd.conn,
				"topic": cmd.topic.String(),
			}).Warn("upstream unsubscribe failed")
		}

	case opCloseConn:
		up := a.conns[cmd.conn]
		if up == nil {
			return
		}
		delete(a.conns, cmd.conn)
		if up.stream != nil {
			up.stream.Close()
		}
		a.log.WithField("conn", cmd.conn).Info("upstream connection released")
	}
}

func (a *Adapter) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnect:
		session, err := a.Connect(ctx)
		if err != nil {
			a.connectAttempt++
			wait := a.backoff.Next(a.connectAttempt)
			a.setLastError(err)
			a.log.WithError(err).WithFields(logger.Fields{
				"attempt":  a.connectAttempt,
				"retry_in": wait.String(),
			}).Warn("upstream connect failed")
			a.schedule(ctx, wait, event{kind: evConnect})
			return
		}
		a.session = session
		a.connected = true
		a.connectAttempt = 0
		a.log.Info("upstream session established")

		for _, id := range sortedConnIDs(a.conns) {
			up := a.conns[id]
			if up.stream == nil && !up.waiting && len(up.desired) > 0 {
				a.dial(ctx, up)
			}
		}

	case evDropped:
		up, ok := a.conns[ev.conn]
		if !ok || up.stream != ev.stream {
			return
		}
		err := ev.stream.Err()
		up.stream = nil
		clear(up.active)
		a.retry(ctx, up, err)

	case evRedial:
		up, ok := a.conns[ev.conn]
		if !ok {
			return
		}
		up.waiting = false
		if up.stream != nil || !a.connected || len(up.desired) == 0 {
			return
		}
		a.dial(ctx, up)
	}
}

func (a *Adapter) dial(ctx context.Context, up *upstream) {
	stream, err := a.feed.Dial(ctx, a.session, a.emit)
	if err != nil {
		a.retry(ctx, up, err)
		return
	}
	up.stream = stream
	go a.watch(ctx, up.id, stream)

	topics := sortedTopics(up.desired)
	if len(topics) > 0 {
		if err := stream.Subscribe(ctx, topics...); err != nil {
			a.log.WithError(err).WithField("conn", up.id).Warn("subscribe after dial failed, recycling connection")
			stream.Close()
			return
		}
		for _, topic := range topics {
			up.active[topic] = struct{}{}
		}
	}

	entry := a.log.WithFields(logger.Fields{
		"conn":   up.id,
		"topics": len(topics),
	})
	if up.attempt > 0 {
		entry.WithField("attempts", up.attempt).Info("upstream connection restored, topics resubscribed")
	} else {
		entry.Info("upstream connection opened")
	}
	up.attempt = 0
}

func (a *Adapter) retry(ctx context.Context, up *upstream, err error) {
	up.attempt++
	up.waiting = true
	wait := a.backoff.Next(up.attempt)
	a.reconnects.Add(1)
	metrics.ObserveReconnect(a.name)
	if err != nil {
		a.setLastError(err)
	}
	a.log.WithError(err).WithFields(logger.Fields{
		"conn":     up.id,
		"attempt":  up.attempt,
		"retry_in": wait.String(),
	}).Warn("upstream connection lost")
	a.schedule(ctx, wait, event{kind: evRedial, conn: up.id})
}

func (a *Adapter) watch(ctx context.Context, id pool.ConnID, stream Stream) {
	select {
	case <-stream.Done():
		a.deliver(ctx, event{kind: evDropped, conn: id, stream: stream})
	case <-ctx.Done():
	}
}

func (a *Adapter) schedule(ctx context.Context, d time.Duration, ev event) {
	if d <= 0 {
		go a.deliver(ctx, ev)
		return
	}
	time.AfterFunc(d, func() { a.deliver(ctx, ev) })
}

func (a *Adapter) deliver(ctx context.Context, ev event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func (a *Adapter) emit(tick model.Tick) {
	if tick.ReceivedAt.IsZero() {
		tick.ReceivedAt = time.Now()
	}
	a.ticks.Add(1)
	a.pub.Publish(tick)
}

func (a *Adapter) shutdown() {
	for id, up := range a.conns {
		if up.stream != nil {
			up.stream.Close()
		}
		delete(a.conns, id)
	}
	a.connected = false
	a.refreshStats()
	a.log.Info("adapter stopped")
}

func (a *Adapter) refreshStats() {
	conns, topics := 0, 0
	for _, up := range a.conns {
		if up.stream != nil {
			conns++
		}
		topics += len(up.desired)
	}
	a.statsMu.Lock()
	a.snapshot.Connected = a.connected
	a.snapshot.Connections = conns
	a.snapshot.Topics = topics
	a.statsMu.Unlock()
	metrics.SetUpstream(a.name, conns, topics)
}

func (a *Adapter) setLastError(err error) {
	a.statsMu.Lock()
	a.snapshot.LastError = err.Error()
	a.statsMu.Unlock()
}

func sortedConnIDs(conns map[pool.ConnID]*upstream) []pool.ConnID {
	ids := make([]pool.ConnID, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedTopics(set map[model.Topic]struct{}) []model.Topic {
	topics := make([]model.Topic, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].String() < topics[j].String() })
	return topics
}
