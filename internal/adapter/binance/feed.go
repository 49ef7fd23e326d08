// Package binance streams USD-M futures market data through go-binance.
// Every topic gets its own go-binance websocket: LTP uses aggTrade, QUOTE
// bookTicker and DEPTH the five level partial book.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const depthLevels = 5

// Feed implements adapter.Feed for Binance futures.
type Feed struct {
	skipPing bool
	log      *logger.Log
}

// New applies the broker entry. A url overrides the websocket base and the
// testnet option switches go-binance to the futures testnet.
func New(cfg config.BrokerConfig, log *logger.Log) (*Feed, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if strings.EqualFold(cfg.Options["testnet"], "true") {
		futures.UseTestnet = true
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/"); base != "" {
		futures.BaseWsMainUrl = base
	}

	log.WithComponent("binance_feed").WithFields(logger.Fields{
		"broker":  cfg.Name,
		"testnet": futures.UseTestnet,
	}).Info("binance feed configured")

	return &Feed{
		skipPing: strings.EqualFold(cfg.Options["skip_ping"], "true"),
		log:      log,
	}, nil
}

func (f *Feed) Name() string { return "binance" }

// Connect checks that the REST API answers before any stream is dialed.
func (f *Feed) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	if f.skipPing {
		return adapter.Session{Token: creds.APIKey}, nil
	}
	client := futures.NewClient(creds.APIKey, creds.APISecret)
	if err := client.NewPingService().Do(ctx); err != nil {
		return adapter.Session{}, fmt.Errorf("binance ping: %w", err)
	}
	return adapter.Session{Token: creds.APIKey}, nil
}

func (f *Feed) Dial(_ context.Context, _ adapter.Session, onTick adapter.TickFunc) (adapter.Stream, error) {
	return &stream{
		onTick: onTick,
		log:    f.log.WithComponent("binance_feed"),
		subs:   make(map[model.Topic]chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// stream groups the per-topic go-binance connections of one pooled
// connection. Losing any of them ends the whole stream so the adapter
// redials and resubscribes everything.
type stream struct {
	onTick adapter.TickFunc
	log    *logger.Entry

	mu     sync.Mutex
	subs   map[model.Topic]chan struct{}
	closed bool
	err    error

	done chan struct{}
	once sync.Once
}

func (s *stream) Subscribe(_ context.Context, topics ...model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("binance stream closed")
	}
	for _, topic := range topics {
		if _, ok := s.subs[topic]; ok {
			continue
		}
		doneC, stopC, err := s.serve(topic)
		if err != nil {
			return fmt.Errorf("binance subscribe %s: %w", topic, err)
		}
		s.subs[topic] = stopC
		go s.watch(topic, doneC, stopC)
	}
	return nil
}

func (s *stream) Unsubscribe(_ context.Context, topics ...model.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		if stopC, ok := s.subs[topic]; ok {
			delete(s.subs, topic)
			close(stopC)
		}
	}
	return nil
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	return nil
}

func (s *stream) closeLocked() {
	s.closed = true
	for topic, stopC := range s.subs {
		delete(s.subs, topic)
		close(stopC)
	}
	s.once.Do(func() { close(s.done) })
}

// watch fails the stream when a topic's socket ends without being asked to.
func (s *stream) watch(topic model.Topic, doneC, stopC chan struct{}) {
	<-doneC
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.subs[topic]; !ok || current != stopC {
		return
	}
	if s.err == nil {
		s.err = fmt.Errorf("binance stream for %s ended", topic)
	}
	s.log.WithField("topic", topic.String()).Warn("binance websocket ended unexpectedly")
	s.closeLocked()
}

func (s *stream) serve(topic model.Topic) (chan struct{}, chan struct{}, error) {
	symbol := strings.ToUpper(topic.Symbol)
	errHandler := func(err error) {
		if err != nil {
			s.log.WithError(err).WithField("topic", topic.String()).Warn("websocket error")
		}
	}

	switch topic.Mode {
	case model.ModeQuote:
		return futures.WsBookTickerServe(symbol, func(event *futures.WsBookTickerEvent) {
			bid := parseNumber(event.BestBidPrice)
			ask := parseNumber(event.BestAskPrice)
			s.onTick(model.Tick{
				Topic: topic,
				Data: model.Payload{
					LTP:       mid(bid, ask),
					Bid:       bid,
					BidQty:    parseNumber(event.BestBidQty),
					Ask:       ask,
					AskQty:    parseNumber(event.BestAskQty),
					Timestamp: event.Time,
				},
				ReceivedAt: time.Now(),
			})
		}, errHandler)

	case model.ModeDepth:
		return futures.WsPartialDepthServe(symbol, depthLevels, func(event *futures.WsDepthEvent) {
			data := model.Payload{Timestamp: event.Time}
			for _, bid := range event.Bids {
				data.Bids = append(data.Bids, model.Level{Price: parseNumber(bid.Price), Qty: parseNumber(bid.Quantity)})
			}
			for _, ask := range event.Asks {
				data.Asks = append(data.Asks, model.Level{Price: parseNumber(ask.Price), Qty: parseNumber(ask.Quantity)})
			}
			if len(data.Bids) > 0 {
				data.Bid, data.BidQty = data.Bids[0].Price, data.Bids[0].Qty
			}
			if len(data.Asks) > 0 {
				data.Ask, data.AskQty = data.Asks[0].Price, data.Asks[0].Qty
			}
			data.LTP = mid(data.Bid, data.Ask)
			s.onTick(model.Tick{Topic: topic, Data: data, ReceivedAt: time.Now()})
		}, errHandler)

	default:
		return futures.WsAggTradeServe(symbol, func(event *futures.WsAggTradeEvent) {
			s.onTick(model.Tick{
				Topic: topic,
				Data: model.Payload{
					LTP:       parseNumber(event.Price),
					Volume:    parseNumber(event.Quantity),
					Timestamp: event.TradeTime,
				},
				ReceivedAt: time.Now(),
			})
		}, errHandler)
	}
}

func mid(bid, ask float64) float64 {
	if bid == 0 || ask == 0 {
		return bid + ask
	}
	return (bid + ask) / 2
}

func parseNumber(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}
