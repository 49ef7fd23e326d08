// Package pool maps topic demand onto a bounded number of upstream
// connections per broker. Brokers cap both symbols per socket and sockets
// per account; both ceilings are enforced exactly. A slot is one
// instrument: every mode of a symbol rides the connection that holds it.
//
// A Pool is owned by the proxy core goroutine and is not safe for
// concurrent use.
package pool

import (
	"errors"
	"fmt"
	"sort"

	"tickproxy/internal/model"
)

// ConnID identifies one upstream connection within a broker's pool. IDs are
// never reused so late events for a closed connection cannot be confused
// with a newer one.
type ConnID uint64

// ErrLimit matches every SubscriptionLimitError via errors.Is.
var ErrLimit = errors.New("subscription limit reached")

// SubscriptionLimitError reports that a broker has no free symbol slot.
type SubscriptionLimitError struct {
	Broker         string
	Topic          model.Topic
	MaxSymbols     int
	MaxConnections int
}

func (e *SubscriptionLimitError) Error() string {
	return fmt.Sprintf("subscription limit reached for broker %s: %d connections x %d symbols in use, cannot add %s",
		e.Broker, e.MaxConnections, e.MaxSymbols, e.Topic)
}

func (e *SubscriptionLimitError) Is(target error) bool {
	return target == ErrLimit
}

// Assignment tells the caller which connection serves a topic and whether
// that connection was opened or closed by the call.
type Assignment struct {
	Conn   ConnID
	Opened bool
	Closed bool
}

type instrument struct {
	exchange string
	symbol   string
}

func instrumentOf(topic model.Topic) instrument {
	return instrument{exchange: topic.Exchange, symbol: topic.Symbol}
}

type connection struct {
	id     ConnID
	topics map[model.Topic]struct{}
	// topics per instrument; the map's size is the slots in use
	slots map[instrument]int
}

func (c *connection) add(topic model.Topic) {
	c.topics[topic] = struct{}{}
	c.slots[instrumentOf(topic)]++
}

// remove reports whether the instrument's slot was freed.
func (c *connection) remove(topic model.Topic) bool {
	delete(c.topics, topic)
	inst := instrumentOf(topic)
	c.slots[inst]--
	if c.slots[inst] > 0 {
		return false
	}
	delete(c.slots, inst)
	return true
}

// Stats summarises pool usage.
type Stats struct {
	Broker         string `json:"broker"`
	Connections    int    `json:"connections"`
	Topics         int    `json:"topics"`
	Symbols        int    `json:"symbols"`
	MaxSymbols     int    `json:"max_symbols_per_connection"`
	MaxConnections int    `json:"max_connections"`
}

// Pool tracks symbol slots for one broker.
type Pool struct {
	broker     string
	maxSymbols int
	maxConns   int

	next    ConnID
	conns   map[ConnID]*connection
	byTopic map[model.Topic]ConnID
	bySlot  map[instrument]ConnID
}

// New creates a pool. Non-positive limits are treated as 1.
func New(broker string, maxSymbolsPerConnection, maxConnectionsPerBroker int) *Pool {
	if maxSymbolsPerConnection <= 0 {
		maxSymbolsPerConnection = 1
	}
	if maxConnectionsPerBroker <= 0 {
		maxConnectionsPerBroker = 1
	}
	return &Pool{
		broker:     broker,
		maxSymbols: maxSymbolsPerConnection,
		maxConns:   maxConnectionsPerBroker,
		conns:      make(map[ConnID]*connection),
		byTopic:    make(map[model.Topic]ConnID),
		bySlot:     make(map[instrument]ConnID),
	}
}

// Broker returns the broker this pool serves.
func (p *Pool) Broker() string { return p.broker }

// Acquire reserves a slot for topic. Acquiring a topic that is already held
// returns its current assignment, and a new mode of a held instrument joins
// that instrument's connection without taking a slot. When every connection
// is full and no new connection may be opened, a *SubscriptionLimitError is
// returned and no existing subscription is affected.
func (p *Pool) Acquire(topic model.Topic) (Assignment, error) {
	if id, ok := p.byTopic[topic]; ok {
		return Assignment{Conn: id}, nil
	}
	if id, ok := p.bySlot[instrumentOf(topic)]; ok {
		p.conns[id].add(topic)
		p.byTopic[topic] = id
		return Assignment{Conn: id}, nil
	}

	for _, id := range p.sortedIDs() {
		conn := p.conns[id]
		if len(conn.slots) < p.maxSymbols {
			p.assign(conn, topic)
			return Assignment{Conn: id}, nil
		}
	}

	if len(p.conns) >= p.maxConns {
		return Assignment{}, &SubscriptionLimitError{
			Broker:         p.broker,
			Topic:          topic,
			MaxSymbols:     p.maxSymbols,
			MaxConnections: p.maxConns,
		}
	}

	p.next++
	conn := &connection{
		id:     p.next,
		topics: make(map[model.Topic]struct{}),
		slots:  make(map[instrument]int),
	}
	p.conns[conn.id] = conn
	p.assign(conn, topic)
	return Assignment{Conn: conn.id, Opened: true}, nil
}

func (p *Pool) assign(conn *connection, topic model.Topic) {
	conn.add(topic)
	p.byTopic[topic] = conn.id
	p.bySlot[instrumentOf(topic)] = conn.id
}

// Release frees topic. The instrument's slot is freed with its last mode
// and the connection is closed when its last topic leaves. The boolean is
// false if topic was not held.
func (p *Pool) Release(topic model.Topic) (Assignment, bool) {
	id, ok := p.byTopic[topic]
	if !ok {
		return Assignment{}, false
	}
	delete(p.byTopic, topic)

	conn := p.conns[id]
	if conn.remove(topic) {
		delete(p.bySlot, instrumentOf(topic))
	}
	if len(conn.topics) == 0 {
		delete(p.conns, id)
		return Assignment{Conn: id, Closed: true}, true
	}
	return Assignment{Conn: id}, true
}

// Lookup returns the connection holding topic.
func (p *Pool) Lookup(topic model.Topic) (ConnID, bool) {
	id, ok := p.byTopic[topic]
	return id, ok
}

// Topics lists the topics held by conn.
func (p *Pool) Topics(id ConnID) []model.Topic {
	conn, ok := p.conns[id]
	if !ok {
		return nil
	}
	out := make([]model.Topic, 0, len(conn.topics))
	for t := range conn.topics {
		out = append(out, t)
	}
	return out
}

// Conns lists open connection ids in ascending order.
func (p *Pool) Conns() []ConnID {
	return p.sortedIDs()
}

// Len is the number of topics held across all connections.
func (p *Pool) Len() int {
	return len(p.byTopic)
}

func (p *Pool) Stats() Stats {
	return Stats{
		Broker:         p.broker,
		Connections:    len(p.conns),
		Topics:         len(p.byTopic),
		Symbols:        len(p.bySlot),
		MaxSymbols:     p.maxSymbols,
		MaxConnections: p.maxConns,
	}
}

func (p *Pool) sortedIDs() []ConnID {
	ids := make([]ConnID, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
