package adapter

import (
	"math/rand"
	"time"

	"tickproxy/config"
)

// Backoff computes reconnect delays. A non-empty Schedule wins over the
// exponential parameters; its last entry repeats once exhausted.
type Backoff struct {
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   float64
	Schedule []time.Duration
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// BackoffFromConfig converts the reconnect section of the config file.
func BackoffFromConfig(cfg config.ReconnectConfig) Backoff {
	return Backoff{
		Min:      cfg.Min,
		Max:      cfg.Max,
		Factor:   cfg.Factor,
		Jitter:   cfg.Jitter,
		Schedule: cfg.Schedule,
	}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if len(b.Schedule) > 0 {
		if attempt > len(b.Schedule) {
			return b.Schedule[len(b.Schedule)-1]
		}
		return b.Schedule[attempt-1]
	}

	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
