package index

import (
	"time"

	"tickproxy/internal/model"
)

// Throttle caps outbound updates per topic. The state is shared by all
// subscribers of a topic: it limits the rate of the topic, not of a client.
type Throttle struct {
	interval time.Duration
	lastSent map[model.Topic]time.Time
}

// NewThrottle creates a throttle. interval <= 0 lets every update through.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		lastSent: make(map[model.Topic]time.Time),
	}
}

// Interval returns the configured minimum spacing.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Allow reports whether an update for topic may go out at now and, if so,
// records now as the topic's last send time.
func (t *Throttle) Allow(topic model.Topic, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}
	if last, ok := t.lastSent[topic]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastSent[topic] = now
	return true
}

// Evict forgets topic. Called when a topic loses its last subscriber.
func (t *Throttle) Evict(topic model.Topic) {
	delete(t.lastSent, topic)
}

// Len is the number of tracked topics.
func (t *Throttle) Len() int {
	return len(t.lastSent)
}
