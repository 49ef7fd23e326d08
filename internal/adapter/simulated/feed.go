// Package simulated is an offline feed that random-walks a price for every
// subscribed topic. It backs the paper broker and local development.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const (
	defaultInterval = 250 * time.Millisecond
	depthLevels     = 5
)

// Feed implements adapter.Feed without any network access.
type Feed struct {
	interval time.Duration
	fail     bool
	log      *logger.Log
}

// New reads the tick interval from options["interval"]. options["fail"]
// makes Connect fail, which exercises the reconnect path.
func New(cfg config.BrokerConfig, log *logger.Log) (*Feed, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	f := &Feed{interval: defaultInterval, log: log}
	if v := cfg.Options["interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("broker %s: invalid interval %q", cfg.Name, v)
		}
		f.interval = d
	}
	f.fail = cfg.Options["fail"] == "true"
	return f, nil
}

func (f *Feed) Name() string { return "simulated" }

func (f *Feed) Connect(context.Context, adapter.Credentials) (adapter.Session, error) {
	if f.fail {
		return adapter.Session{}, errors.New("simulated upstream refused the session")
	}
	return adapter.Session{Token: "simulated"}, nil
}

func (f *Feed) Dial(_ context.Context, _ adapter.Session, onTick adapter.TickFunc) (adapter.Stream, error) {
	s := &stream{
		onTick: onTick,
		prices: make(map[model.Topic]float64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}
	go s.run(f.interval)
	return s, nil
}

type stream struct {
	onTick adapter.TickFunc

	mu     sync.Mutex
	prices map[model.Topic]float64
	rng    *rand.Rand

	done chan struct{}
	once sync.Once
}

func (s *stream) Subscribe(_ context.Context, topics ...model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if _, ok := s.prices[topic]; !ok {
			s.prices[topic] = seedPrice(topic.Symbol)
		}
	}
	return nil
}

func (s *stream) Unsubscribe(_ context.Context, topics ...model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		delete(s.prices, topic)
	}
	return nil
}

func (s *stream) Done() <-chan struct{} { return s.done }
func (s *stream) Err() error            { return nil }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *stream) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, tick := range s.step(now) {
				s.onTick(tick)
			}
		}
	}
}

func (s *stream) step(now time.Time) []model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticks := make([]model.Tick, 0, len(s.prices))
	for topic, price := range s.prices {
		price = math.Max(0.05, price*(1+s.rng.NormFloat64()*0.0005))
		price = math.Round(price*20) / 20
		s.prices[topic] = price
		ticks = append(ticks, model.Tick{
			Topic:      topic,
			Data:       s.payload(topic.Mode, price, now),
			ReceivedAt: now,
		})
	}
	return ticks
}

func (s *stream) payload(mode model.Mode, price float64, now time.Time) model.Payload {
	p := model.Payload{
		LTP:       price,
		Volume:    float64(1 + s.rng.Intn(500)),
		Timestamp: now.UnixMilli(),
	}
	if mode == model.ModeLTP {
		return p
	}
	p.Bid, p.Ask = price-0.05, price+0.05
	p.BidQty, p.AskQty = float64(1+s.rng.Intn(1000)), float64(1+s.rng.Intn(1000))
	if mode == model.ModeQuote {
		return p
	}
	for i := 0; i < depthLevels; i++ {
		step := 0.05 * float64(i)
		p.Bids = append(p.Bids, model.Level{Price: p.Bid - step, Qty: float64(1 + s.rng.Intn(1000)), Orders: 1 + s.rng.Intn(20)})
		p.Asks = append(p.Asks, model.Level{Price: p.Ask + step, Qty: float64(1 + s.rng.Intn(1000)), Orders: 1 + s.rng.Intn(20)})
	}
	return p
}

// seedPrice gives every symbol a stable starting price.
func seedPrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return float64(100+h.Sum32()%4900) + 0.5
}
