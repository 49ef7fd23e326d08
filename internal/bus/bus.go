// Package bus is the local, best-effort publish/subscribe channel between
// broker adapters and the proxy. Nothing is retained: a tick published while
// nobody listens is lost.
package bus

import (
	"errors"

	"tickproxy/internal/model"
)

var (
	// ErrTimeout is returned by Poll when no tick arrived within the window.
	// It marks a normal, idle loop iteration rather than a failure.
	ErrTimeout = errors.New("bus: poll timeout")
	// ErrClosed is returned once a subscription or hub has been closed.
	ErrClosed = errors.New("bus: closed")
)

// Publisher is the adapter-facing side of the bus. Publish never blocks.
type Publisher interface {
	Publish(tick model.Tick)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(model.Tick)

func (f PublisherFunc) Publish(tick model.Tick) { f(tick) }

// Stats tracks publish/delivery counters.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}
