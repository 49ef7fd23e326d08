package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

// gateway echoes one tick for every subscribed arg, then optionally hangs up.
func gateway(t *testing.T, hangup bool, sawKey chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sawKey != nil {
			sawKey <- r.Header.Get("X-API-Key")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req jsonRequest
		if err := json.Unmarshal(msg, &req); err != nil || req.Op != OpSubscribe {
			return
		}
		for _, arg := range req.Args {
			conn.WriteJSON(map[string]any{
				"exchange": arg.Exchange,
				"symbol":   arg.Symbol,
				"mode":     arg.Mode,
				"data":     map[string]any{"ltp": 1502.5, "bid": 1502.4},
			})
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ack"}`))
		if hangup {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedStreamsTicks(t *testing.T) {
	keys := make(chan string, 1)
	srv := gateway(t, false, keys)
	defer srv.Close()

	feed, err := NewFeed("kite", wsURL(srv), nil, logger.Discard())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	session, err := feed.Connect(context.Background(), adapter.Credentials{APIKey: "key-1"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ticks := make(chan model.Tick, 4)
	stream, err := feed.Dial(context.Background(), session, func(tick model.Tick) { ticks <- tick })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()

	if got := <-keys; got != "key-1" {
		t.Fatalf("expected api key header, got %q", got)
	}

	topic := model.NewTopic("KITE", "NSE", "INFY", model.ModeLTP)
	if err := stream.Subscribe(context.Background(), topic); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case tick := <-ticks:
		if tick.Topic != topic {
			t.Fatalf("expected topic %v, got %v", topic, tick.Topic)
		}
		if tick.Data.LTP != 1502.5 {
			t.Fatalf("unexpected ltp %v", tick.Data.LTP)
		}
		if tick.Data.Bid != 0 {
			t.Fatalf("LTP payload must not carry quote fields: %+v", tick.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	stream.Close()
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after Close")
	}
	if stream.Err() != nil {
		t.Fatalf("deliberate close should not report an error, got %v", stream.Err())
	}
}

func TestStreamReportsRemoteHangup(t *testing.T) {
	srv := gateway(t, true, nil)
	defer srv.Close()

	stream, err := Dial(context.Background(), Options{URL: wsURL(srv), Logger: logger.Discard()},
		NewJSONCodec("KITE"), func(model.Tick) {})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()

	stream.Subscribe(context.Background(), model.NewTopic("KITE", "NSE", "TCS", model.ModeQuote))

	select {
	case <-stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream to end after remote hangup")
	}
	if stream.Err() == nil {
		t.Fatal("expected an error after remote hangup")
	}
	frames, _ := stream.Stats()
	if frames < 1 {
		t.Fatalf("expected frames to be counted, got %d", frames)
	}
}

func TestJSONCodecIgnoresControlFrames(t *testing.T) {
	codec := NewJSONCodec("kite")
	ticks, err := codec.Decode([]byte(`{"type":"ack"}`))
	if err != nil || len(ticks) != 0 {
		t.Fatalf("expected ack to be ignored, got %v %v", ticks, err)
	}
	if _, err := codec.Decode([]byte(`{"exchange":"NSE","symbol":"X","mode":"BOGUS","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), Options{}, NewJSONCodec("x"), nil); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := NewFeed("x", "", nil, nil); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := NewFeed("x", "ws://host", map[string]string{"ping_interval": "soon"}, nil); err == nil {
		t.Fatal("expected error for bad ping_interval")
	}
}
