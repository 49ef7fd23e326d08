package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

// Feed speaks the plain JSON tick protocol used by broker gateways:
//
//	-> {"op":"subscribe","args":[{"exchange":"NSE","symbol":"INFY","mode":"LTP"}]}
//	<- {"exchange":"NSE","symbol":"INFY","mode":"LTP","data":{"ltp":1502.5}}
type Feed struct {
	broker       string
	url          string
	pingInterval time.Duration
	readTimeout  time.Duration
	log          *logger.Log
}

// NewFeed builds a JSON feed for broker. Options understood:
// ping_interval and read_timeout as Go durations.
func NewFeed(broker, rawURL string, options map[string]string, log *logger.Log) (*Feed, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("broker %s: url is required for the websocket feed", broker)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("broker %s: invalid url: %w", broker, err)
	}
	if log == nil {
		log = logger.GetLogger()
	}

	f := &Feed{
		broker: strings.ToUpper(broker),
		url:    rawURL,
		log:    log,
	}
	if v := options["ping_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("broker %s: invalid ping_interval: %w", broker, err)
		}
		f.pingInterval = d
	}
	if v := options["read_timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("broker %s: invalid read_timeout: %w", broker, err)
		}
		f.readTimeout = d
	}
	return f, nil
}

func (f *Feed) Name() string { return "websocket" }

// Connect has no login round trip; the credentials travel as headers on
// every dial.
func (f *Feed) Connect(_ context.Context, creds adapter.Credentials) (adapter.Session, error) {
	target := f.url
	if creds.URL != "" {
		target = creds.URL
	}
	return adapter.Session{
		Token: creds.APIKey,
		Values: map[string]string{
			"url":    target,
			"secret": creds.APISecret,
		},
	}, nil
}

func (f *Feed) Dial(ctx context.Context, session adapter.Session, onTick adapter.TickFunc) (adapter.Stream, error) {
	target := session.Values["url"]
	if target == "" {
		target = f.url
	}
	header := http.Header{}
	if session.Token != "" {
		header.Set("X-API-Key", session.Token)
	}
	if secret := session.Values["secret"]; secret != "" {
		header.Set("X-API-Secret", secret)
	}

	return Dial(ctx, Options{
		URL:          target,
		Header:       header,
		PingInterval: f.pingInterval,
		ReadTimeout:  f.readTimeout,
		Logger:       f.log,
	}, NewJSONCodec(f.broker), onTick)
}

// JSONCodec encodes the gateway protocol shown on Feed.
type JSONCodec struct {
	broker string
}

func NewJSONCodec(broker string) *JSONCodec {
	return &JSONCodec{broker: strings.ToUpper(broker)}
}

type jsonArg struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Mode     string `json:"mode"`
}

type jsonRequest struct {
	Op   Op        `json:"op"`
	Args []jsonArg `json:"args"`
}

type jsonFrame struct {
	jsonArg
	Data *model.Payload `json:"data"`
}

func (c *JSONCodec) Encode(op Op, topics []model.Topic) ([][]byte, error) {
	req := jsonRequest{Op: op, Args: make([]jsonArg, 0, len(topics))}
	for _, topic := range topics {
		req.Args = append(req.Args, jsonArg{
			Exchange: topic.Exchange,
			Symbol:   topic.Symbol,
			Mode:     string(topic.Mode),
		})
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (c *JSONCodec) Decode(msg []byte) ([]model.Tick, error) {
	var frame jsonFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, err
	}
	if frame.Symbol == "" || frame.Data == nil {
		return nil, nil
	}
	mode, err := model.ParseMode(frame.Mode)
	if err != nil {
		return nil, err
	}
	topic := model.NewTopic(c.broker, frame.Exchange, frame.Symbol, mode)
	return []model.Tick{{
		Topic:      topic,
		Data:       frame.Data.Shape(mode),
		ReceivedAt: time.Now(),
	}}, nil
}
