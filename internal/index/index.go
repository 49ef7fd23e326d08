// Package index holds the proxy's routing state: which sessions want which
// topics, and when each topic last went out. Both structures are owned by
// the proxy core goroutine and are not safe for concurrent use.
package index

import "tickproxy/internal/model"

// SessionID identifies a client session.
type SessionID string

type sessionSet map[SessionID]struct{}
type topicSet map[model.Topic]struct{}

// Index is the many-to-many map between topics and sessions. Empty sets are
// deleted eagerly so the index never outgrows the active subscriptions.
type Index struct {
	byTopic   map[model.Topic]sessionSet
	bySession map[SessionID]topicSet
}

func New() *Index {
	return &Index{
		byTopic:   make(map[model.Topic]sessionSet),
		bySession: make(map[SessionID]topicSet),
	}
}

// Add subscribes session to topic. first is true when topic had no
// subscribers before this call.
func (x *Index) Add(session SessionID, topic model.Topic) (first bool) {
	subs, ok := x.byTopic[topic]
	if !ok {
		subs = make(sessionSet)
		x.byTopic[topic] = subs
		first = true
	}
	subs[session] = struct{}{}

	topics, ok := x.bySession[session]
	if !ok {
		topics = make(topicSet)
		x.bySession[session] = topics
	}
	topics[topic] = struct{}{}
	return first
}

// Has reports whether session is subscribed to topic.
func (x *Index) Has(session SessionID, topic model.Topic) bool {
	_, ok := x.byTopic[topic][session]
	return ok
}

// Remove unsubscribes session from topic. last is true when topic has no
// subscribers left. Removing an absent pair is a no-op returning false.
func (x *Index) Remove(session SessionID, topic model.Topic) (last bool) {
	subs, ok := x.byTopic[topic]
	if !ok {
		return false
	}
	if _, ok := subs[session]; !ok {
		return false
	}
	delete(subs, session)

	if topics, ok := x.bySession[session]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(x.bySession, session)
		}
	}

	if len(subs) == 0 {
		delete(x.byTopic, topic)
		return true
	}
	return false
}

// RemoveSession drops every subscription held by session and returns the
// topics left without subscribers.
func (x *Index) RemoveSession(session SessionID) (emptied []model.Topic) {
	topics, ok := x.bySession[session]
	if !ok {
		return nil
	}
	for topic := range topics {
		subs := x.byTopic[topic]
		delete(subs, session)
		if len(subs) == 0 {
			delete(x.byTopic, topic)
			emptied = append(emptied, topic)
		}
	}
	delete(x.bySession, session)
	return emptied
}

// Subscribers returns the sessions subscribed to topic. The slice is freshly
// allocated; callers may keep it.
func (x *Index) Subscribers(topic model.Topic) []SessionID {
	subs := x.byTopic[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]SessionID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Count returns the number of subscribers of topic.
func (x *Index) Count(topic model.Topic) int {
	return len(x.byTopic[topic])
}

// Topics returns the topics session holds.
func (x *Index) Topics(session SessionID) []model.Topic {
	topics := x.bySession[session]
	out := make([]model.Topic, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// TopicCount is the number of topics session holds.
func (x *Index) TopicCount(session SessionID) int {
	return len(x.bySession[session])
}

// Len is the number of topics with at least one subscriber.
func (x *Index) Len() int {
	return len(x.byTopic)
}

// Sessions is the number of sessions holding at least one subscription.
func (x *Index) Sessions() int {
	return len(x.bySession)
}
