// Package kucoin streams KuCoin futures market data through the KuCoin
// universal SDK. LTP rides the execution channel; QUOTE and DEPTH share the
// level2 increment channel, folded into a local book per contract.
package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

const (
	defaultEndpoint = "https://api-futures.kucoin.com"
	defaultTimeout  = 10 * time.Second
)

// Feed implements adapter.Feed for KuCoin futures public streams.
type Feed struct {
	endpoint    string
	timeout     time.Duration
	readBuffer  int
	writeBuffer int
	log         *logger.Log
}

// New reads the futures endpoint from the broker url (only scheme and host
// are kept) and the SDK buffer sizes from read_message_buffer and
// write_message_buffer.
func New(cfg config.BrokerConfig, log *logger.Log) (*Feed, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	f := &Feed{
		endpoint: defaultEndpoint,
		timeout:  defaultTimeout,
		log:      log,
	}
	if raw := strings.TrimSpace(cfg.URL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("broker %s: invalid url %q", cfg.Name, raw)
		}
		f.endpoint = "https://" + parsed.Host
	}
	if v := cfg.Options["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("broker %s: invalid timeout %q", cfg.Name, v)
		}
		f.timeout = d
	}
	for name, dst := range map[string]*int{
		"read_message_buffer":  &f.readBuffer,
		"write_message_buffer": &f.writeBuffer,
	} {
		v := cfg.Options[name]
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("broker %s: invalid %s %q", cfg.Name, name, v)
		}
		*dst = n
	}

	log.WithComponent("kucoin_feed").WithFields(logger.Fields{
		"broker":   cfg.Name,
		"endpoint": f.endpoint,
	}).Info("kucoin feed configured")
	return f, nil
}

func (f *Feed) Name() string { return "kucoin" }

// Connect needs no login; the SDK fetches its public websocket token when a
// stream starts.
func (f *Feed) Connect(_ context.Context, _ adapter.Credentials) (adapter.Session, error) {
	return adapter.Session{Values: map[string]string{"endpoint": f.endpoint}}, nil
}

func (f *Feed) Dial(_ context.Context, session adapter.Session, onTick adapter.TickFunc) (adapter.Stream, error) {
	endpoint := session.Values["endpoint"]
	if endpoint == "" {
		endpoint = f.endpoint
	}
	s := &stream{
		router: newRouter(onTick),
		log:    f.log.WithComponent("kucoin_feed"),
		done:   make(chan struct{}),
	}

	wsOptions := types.NewWebSocketClientOptionBuilder()
	if f.readBuffer > 0 {
		wsOptions.WithReadMessageBuffer(f.readBuffer)
	}
	if f.writeBuffer > 0 {
		wsOptions.WithWriteMessageBuffer(f.writeBuffer)
	}
	wsOptions.WithEventCallback(func(event types.WebSocketEvent, msg string) {
		switch event {
		case types.EventClientFail:
			s.fail(fmt.Errorf("kucoin websocket %s: %s", event.String(), msg))
		case types.EventErrorReceived:
			s.log.WithFields(logger.Fields{"event": event.String(), "message": msg}).Warn("kucoin websocket event")
		}
	})
	option := types.NewClientOptionBuilder().
		WithFuturesEndpoint(endpoint).
		WithTransportOption(types.NewTransportOptionBuilder().SetTimeout(f.timeout).Build()).
		WithWebSocketClientOption(wsOptions.Build()).
		Build()

	s.ws = api.NewClient(option).WsService().NewFuturesPublicWS()
	if err := s.ws.Start(); err != nil {
		return nil, fmt.Errorf("kucoin websocket start: %w", err)
	}
	return s, nil
}

// stream is one SDK futures public websocket.
type stream struct {
	*router
	ws  futurespublic.FuturesPublicWS
	log *logger.Entry

	mu     sync.Mutex
	closed bool
	err    error

	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

func (s *stream) Subscribe(_ context.Context, topics ...model.Topic) error {
	if s.isClosed() {
		return fmt.Errorf("kucoin stream closed")
	}
	for _, topic := range topics {
		key := keyFor(topic)
		if !s.attach(key, topic) {
			continue
		}
		id, err := s.open(key)
		if err != nil {
			s.detach(key, topic)
			return fmt.Errorf("kucoin subscribe %s: %w", topic, err)
		}
		s.setID(key, id)
	}
	return nil
}

func (s *stream) Unsubscribe(_ context.Context, topics ...model.Topic) error {
	for _, topic := range topics {
		if id, last := s.detach(keyFor(topic), topic); last && id != "" {
			s.ws.UnSubscribe(id)
		}
	}
	return nil
}

func (s *stream) open(key feedKey) (string, error) {
	if key.channel == channelLevel2 {
		return s.ws.OrderbookIncrement(key.contract, func(_, _ string, data *futurespublic.OrderbookIncrementEvent) error {
			if data != nil {
				s.onIncrement(key, data.Change, data.Timestamp)
			}
			return nil
		})
	}
	return s.ws.Execution(key.contract, func(_, _ string, data *futurespublic.ExecutionEvent) error {
		if data == nil {
			return nil
		}
		clone := *data
		clone.CommonResponse = nil
		raw, err := json.Marshal(clone)
		if err != nil {
			s.log.WithError(err).Warn("failed to marshal kucoin execution")
			return nil
		}
		if err := s.onExecution(key, raw, data.Ts); err != nil {
			s.log.WithError(err).WithField("contract", key.contract).Warn("failed to decode kucoin execution")
		}
		return nil
	})
}

func (s *stream) Done() <-chan struct{} { return s.done }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { s.ws.Stop() })
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fail runs on an SDK goroutine, so stopping the client is left to its own
// goroutine.
func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.log.WithError(err).Warn("kucoin websocket failed")
	go s.Close()
}
