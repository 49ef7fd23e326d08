package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/adapter/wsfeed"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

func TestNewFeed(t *testing.T) {
	feed, err := New(config.BrokerConfig{Name: "bybit", Kind: "bybit"}, logger.Discard())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if feed.url != "wss://stream.bybit.com/v5/public/linear" {
		t.Fatalf("unexpected default url %q", feed.url)
	}

	if _, err := New(config.BrokerConfig{Name: "bybit", Options: map[string]string{"category": "futures"}}, logger.Discard()); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func bookServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectChecksOrderbook(t *testing.T) {
	var hits int32
	srv := bookServer(t, `{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]]},"retExtInfo":{},"time":1}`, &hits)

	feed, err := New(config.BrokerConfig{Name: "bybit", Options: map[string]string{"rest_url": srv.URL}}, logger.Discard())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	session, err := feed.Connect(context.Background(), adapter.Credentials{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatal("expected the orderbook endpoint to be called")
	}
	if session.Values["category"] != "linear" || session.Values["url"] != feed.url {
		t.Fatalf("unexpected session %+v", session.Values)
	}
}

func TestConnectRejectsErrorRetCode(t *testing.T) {
	var hits int32
	srv := bookServer(t, `{"retCode":10001,"retMsg":"params error","result":{},"retExtInfo":{},"time":1}`, &hits)

	feed, err := New(config.BrokerConfig{Name: "bybit", Options: map[string]string{"rest_url": srv.URL}}, logger.Discard())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := feed.Connect(context.Background(), adapter.Credentials{}); err == nil {
		t.Fatal("expected an error for a non-zero retCode")
	}
}

func TestConnectSkipCheck(t *testing.T) {
	feed, err := New(config.BrokerConfig{Name: "bybit", Options: map[string]string{
		"skip_check": "true",
		"rest_url":   "http://127.0.0.1:1",
	}}, logger.Discard())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, err := feed.Connect(context.Background(), adapter.Credentials{}); err != nil {
		t.Fatalf("connect with skip_check: %v", err)
	}
}

func TestEncodeChunksArgs(t *testing.T) {
	c := newCodec()
	topics := make([]model.Topic, 0, 12)
	for i := 0; i < 12; i++ {
		topics = append(topics, model.NewTopic("BYBIT", "LINEAR", "SYM"+strings.Repeat("X", i), model.ModeLTP))
	}

	frames, err := c.Encode(wsfeed.OpSubscribe, topics)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	var req request
	if err := json.Unmarshal(frames[0], &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Op != "subscribe" || len(req.Args) != maxArgsPerRequest || req.Args[0] != "publicTrade.SYM" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestDecodeTrades(t *testing.T) {
	c := newCodec()
	topic := model.NewTopic("BYBIT", "LINEAR", "BTCUSDT", model.ModeLTP)
	c.Encode(wsfeed.OpSubscribe, []model.Topic{topic})

	msg := `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000000,
		"data":[{"s":"BTCUSDT","p":"43000.5","v":"0.01","T":1700000000001},
		        {"s":"BTCUSDT","p":"43001","v":"0.2","T":1700000000002}]}`
	ticks, err := c.Decode([]byte(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[1].Topic != topic || ticks[1].Data.LTP != 43001 || ticks[1].Data.Volume != 0.2 {
		t.Fatalf("unexpected tick %+v", ticks[1])
	}
}

func TestDecodeTickerMergesDeltas(t *testing.T) {
	c := newCodec()
	topic := model.NewTopic("BYBIT", "LINEAR", "ETHUSDT", model.ModeQuote)
	c.Encode(wsfeed.OpSubscribe, []model.Topic{topic})

	snapshot := `{"topic":"tickers.ETHUSDT","type":"snapshot","ts":1,
		"data":{"symbol":"ETHUSDT","lastPrice":"2300","bid1Price":"2299.9","ask1Price":"2300.1","highPrice24h":"2400"}}`
	if _, err := c.Decode([]byte(snapshot)); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	delta := `{"topic":"tickers.ETHUSDT","type":"delta","ts":2,"data":{"symbol":"ETHUSDT","lastPrice":"2301"}}`
	ticks, err := c.Decode([]byte(delta))
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	got := ticks[0].Data
	if got.LTP != 2301 || got.Bid != 2299.9 || got.High != 2400 || got.Timestamp != 2 {
		t.Fatalf("delta did not merge into snapshot: %+v", got)
	}
}

func TestDecodeOrderbook(t *testing.T) {
	c := newCodec()
	topic := model.NewTopic("BYBIT", "LINEAR", "BTCUSDT", model.ModeDepth)
	c.Encode(wsfeed.OpSubscribe, []model.Topic{topic})

	snapshot := `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT",
		"b":[["100","1"],["99","2"],["98","3"],["97","4"],["96","5"],["95","6"]],
		"a":[["101","1"],["102","2"]]}}`
	ticks, err := c.Decode([]byte(snapshot))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	data := ticks[0].Data
	if len(data.Bids) != depthLevels || data.Bids[0].Price != 100 || data.Bids[4].Price != 96 {
		t.Fatalf("unexpected bids %+v", data.Bids)
	}

	delta := `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["100","0"]],"a":[["100.5","7"]]}}`
	ticks, err = c.Decode([]byte(delta))
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	data = ticks[0].Data
	if data.Bid != 99 || data.Ask != 100.5 || data.AskQty != 7 {
		t.Fatalf("delta not applied: bid %v ask %v qty %v", data.Bid, data.Ask, data.AskQty)
	}
}

func TestDecodeControlFrames(t *testing.T) {
	c := newCodec()
	if ticks, err := c.Decode([]byte(`{"op":"ping","success":true,"ret_msg":"pong"}`)); err != nil || ticks != nil {
		t.Fatalf("expected pong to be ignored, got %v %v", ticks, err)
	}
	if _, err := c.Decode([]byte(`{"op":"subscribe","success":false,"ret_msg":"bad arg"}`)); err == nil {
		t.Fatal("expected rejected subscribe to surface an error")
	}
	if ticks, _ := c.Decode([]byte(`{"topic":"publicTrade.UNKNOWN","data":[]}`)); ticks != nil {
		t.Fatal("frames for unsubscribed topics must be ignored")
	}
}

func TestSharedArgSurvivesPartialUnsubscribe(t *testing.T) {
	c := newCodec()
	lower := model.NewTopic("BYBIT", "LINEAR", "btcusdt", model.ModeLTP)
	upper := model.NewTopic("BYBIT", "LINEAR", "BTCUSDT", model.ModeLTP)

	frames, err := c.Encode(wsfeed.OpSubscribe, []model.Topic{lower})
	if err != nil || len(frames) != 1 {
		t.Fatalf("first subscribe: %d frames, err %v", len(frames), err)
	}
	if frames, _ := c.Encode(wsfeed.OpSubscribe, []model.Topic{upper}); len(frames) != 0 {
		t.Fatalf("second topic on the same arg must not resubscribe upstream, got %s", frames[0])
	}

	if frames, _ := c.Encode(wsfeed.OpUnsubscribe, []model.Topic{lower}); len(frames) != 0 {
		t.Fatalf("arg still in use, unexpected %s", frames[0])
	}

	msg := `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1,"data":[{"s":"BTCUSDT","p":"43000","v":"1","T":1}]}`
	ticks, err := c.Decode([]byte(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Topic != upper {
		t.Fatalf("expected one tick for the remaining topic, got %+v", ticks)
	}

	frames, err = c.Encode(wsfeed.OpUnsubscribe, []model.Topic{upper})
	if err != nil || len(frames) != 1 {
		t.Fatalf("last unsubscribe: %d frames, err %v", len(frames), err)
	}
	var req request
	if err := json.Unmarshal(frames[0], &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Op != "unsubscribe" || len(req.Args) != 1 || req.Args[0] != "publicTrade.BTCUSDT" {
		t.Fatalf("unexpected request %+v", req)
	}
	if ticks, _ := c.Decode([]byte(msg)); len(ticks) != 0 {
		t.Fatalf("expected no ticks after last unsubscribe, got %d", len(ticks))
	}
}
