package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"tickproxy/internal/model"
	"tickproxy/logger"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tick := testTick("RELIANCE", 2450.5)
	tick.Topic.Mode = model.ModeQuote
	tick.Data.Bid = 2450.4
	tick.Data.Ask = 2450.6

	frame, err := Encode(tick)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != tick.Topic {
		t.Fatalf("expected topic %v, got %v", tick.Topic, got.Topic)
	}
	if got.Data.Bid != 2450.4 || got.Data.Ask != 2450.6 {
		t.Fatalf("unexpected payload %+v", got.Data)
	}
	if !got.ReceivedAt.Equal(time.Unix(0, tick.ReceivedAt.UnixNano())) {
		t.Fatalf("timestamp not preserved")
	}
}

func TestDecodeRejectsBadTopic(t *testing.T) {
	if _, err := Decode([]byte(`{"topic":"nonsense","data":{"ltp":1}}`)); err == nil {
		t.Fatal("expected error for malformed topic")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestClientToEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	hub := NewHub(16, logger.Discard())
	defer hub.Close()
	sub := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	endpoint := NewEndpoint(ln, hub, logger.Discard())
	served := make(chan error, 1)
	go func() { served <- endpoint.Serve(ctx) }()

	client := NewClient(ctx, "tcp", ln.Addr().String(), 16, logger.Discard())
	client.Publish(testTick("SBIN", 612.3))

	tick, err := sub.Poll(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("expected tick through endpoint: %v", err)
	}
	if tick.Topic.Symbol != "SBIN" || tick.Data.LTP != 612.3 {
		t.Fatalf("unexpected tick %+v", tick)
	}

	client.Close()
	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint did not stop after cancel")
	}
}

func TestEndpointSkipsMalformedFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	hub := NewHub(16, logger.Discard())
	defer hub.Close()
	sub := hub.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	endpoint := NewEndpoint(ln, hub, logger.Discard())
	go endpoint.Serve(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	good, _ := Encode(testTick("TCS", 3900))
	payload := append([]byte("garbage\n"), good...)
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	tick, err := sub.Poll(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("expected valid frame after garbage: %v", err)
	}
	if tick.Topic.Symbol != "TCS" {
		t.Fatalf("unexpected tick %+v", tick)
	}
	frames, malformed := endpoint.Stats()
	if frames != 1 || malformed != 1 {
		t.Fatalf("expected 1 frame and 1 malformed, got %d and %d", frames, malformed)
	}
}

func TestSubjectEscapesWildcards(t *testing.T) {
	topic := model.NewTopic("ZERODHA", "NSE", "M&M.X*", model.ModeLTP)
	got := Subject("ticks", topic)
	want := "ticks.ZERODHA_NSE_M&M-X-_LTP"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
