package simulated

import (
	"context"
	"testing"
	"time"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
	"tickproxy/logger"
)

func TestSimulatedTicksFollowSubscriptions(t *testing.T) {
	feed, err := New(config.BrokerConfig{Name: "paper", Options: map[string]string{"interval": "5ms"}}, logger.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	session, err := feed.Connect(context.Background(), adapter.Credentials{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ticks := make(chan model.Tick, 64)
	stream, err := feed.Dial(context.Background(), session, func(tick model.Tick) {
		select {
		case ticks <- tick:
		default:
		}
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stream.Close()

	depth := model.NewTopic("PAPER", "NSE", "INFY", model.ModeDepth)
	stream.Subscribe(context.Background(), depth)

	select {
	case tick := <-ticks:
		if tick.Topic != depth {
			t.Fatalf("unexpected topic %v", tick.Topic)
		}
		if len(tick.Data.Bids) != depthLevels || tick.Data.Bid >= tick.Data.Ask {
			t.Fatalf("malformed depth payload %+v", tick.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no simulated tick")
	}

	stream.Unsubscribe(context.Background(), depth)
	time.Sleep(20 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(20 * time.Millisecond)
	if len(ticks) != 0 {
		t.Fatal("ticks kept flowing after unsubscribe")
	}
}

func TestSimulatedConnectFailure(t *testing.T) {
	feed, err := New(config.BrokerConfig{Name: "paper", Options: map[string]string{"fail": "true"}}, logger.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := feed.Connect(context.Background(), adapter.Credentials{}); err == nil {
		t.Fatal("expected connect failure")
	}
	if _, err := New(config.BrokerConfig{Name: "paper", Options: map[string]string{"interval": "-1s"}}, nil); err == nil {
		t.Fatal("expected invalid interval error")
	}
}

func TestSeedPriceStable(t *testing.T) {
	if seedPrice("RELIANCE") != seedPrice("RELIANCE") {
		t.Fatal("seed price must be deterministic")
	}
}
