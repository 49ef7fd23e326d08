package protocol

import (
	"errors"
	"testing"
	"time"

	"tickproxy/internal/model"
)

func TestParseAuth(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"auth","credential":" key-1 "}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	auth, ok := msg.(Auth)
	if !ok || auth.Credential != "key-1" {
		t.Fatalf("unexpected message %#v", msg)
	}

	msg, err = Parse([]byte(`{"type":"AUTH","api_key":"key-2"}`))
	if err != nil {
		t.Fatalf("parse alias: %v", err)
	}
	if msg.(Auth).Credential != "key-2" {
		t.Fatalf("api_key alias not honoured: %#v", msg)
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"subscribe","topics":[
		{"symbol":"RELIANCE","exchange":"nse","mode":"ltp"},
		{"symbol":"RELIANCE","exchange":"NSE","mode":"LTP"},
		{"symbol":"TCS","exchange":"NSE","mode":"DEPTH"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sub, ok := msg.(Subscribe)
	if !ok {
		t.Fatalf("expected Subscribe, got %T", msg)
	}
	if len(sub.Topics) != 2 {
		t.Fatalf("expected duplicates collapsed to 2 topics, got %d", len(sub.Topics))
	}
	want := TopicRef{Symbol: "RELIANCE", Exchange: "NSE", Mode: model.ModeLTP}
	if sub.Topics[0] != want {
		t.Fatalf("expected %v, got %v", want, sub.Topics[0])
	}

	topic := sub.Topics[1].Topic("zerodha")
	if topic.String() != "ZERODHA_NSE_TCS_DEPTH" {
		t.Fatalf("unexpected bus topic %q", topic.String())
	}
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `hello`,
		"array":             `[1,2]`,
		"missing type":      `{"credential":"x"}`,
		"unknown type":      `{"type":"order"}`,
		"empty credential":  `{"type":"auth","credential":"  "}`,
		"missing topics":    `{"type":"subscribe"}`,
		"empty topics":      `{"type":"unsubscribe","topics":[]}`,
		"missing symbol":    `{"type":"subscribe","topics":[{"exchange":"NSE","mode":"LTP"}]}`,
		"bad mode":          `{"type":"subscribe","topics":[{"symbol":"X","exchange":"NSE","mode":"FULL"}]}`,
		"separator":         `{"type":"subscribe","topics":[{"symbol":"X","exchange":"N_SE","mode":"LTP"}]}`,
		"topics wrong type": `{"type":"subscribe","topics":"INFY"}`,
	}
	for name, input := range cases {
		_, err := Parse([]byte(input))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
		var typed *MalformedMessageError
		if !errors.As(err, &typed) {
			t.Errorf("%s: expected *MalformedMessageError", name)
		}
	}
}

func TestParsePing(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type() != TypePing {
		t.Fatalf("expected ping, got %v", msg.Type())
	}
}

func TestMarketDataFrame(t *testing.T) {
	tick := model.Tick{
		Topic:      model.NewTopic("ZERODHA", "NSE", "RELIANCE", model.ModeLTP),
		Data:       model.Payload{LTP: 2456.75, Bid: 2456.7},
		ReceivedAt: time.Now(),
	}
	frame, err := Encode(NewMarketData(tick))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"market_data","topic":{"symbol":"RELIANCE","exchange":"NSE","mode":"LTP"},"data":{"ltp":2456.75}}`
	if string(frame) != want {
		t.Fatalf("expected %s, got %s", want, frame)
	}
}

func TestResultFrames(t *testing.T) {
	ref := TopicRef{Symbol: "TCS", Exchange: "NSE", Mode: model.ModeQuote}

	frame, _ := Encode(NewTopicResult(TypeSubscribeResult, ref, nil))
	want := `{"type":"subscribe_result","topic":{"symbol":"TCS","exchange":"NSE","mode":"QUOTE"},"status":"success"}`
	if string(frame) != want {
		t.Fatalf("expected %s, got %s", want, frame)
	}

	failed := NewTopicResult(TypeSubscribeResult, ref, errors.New("limit reached"))
	if failed.Status != StatusError || failed.Message != "limit reached" {
		t.Fatalf("unexpected failure frame %+v", failed)
	}

	frame, _ = Encode(AuthFailure(errors.New("invalid credential")))
	if string(frame) != `{"type":"auth_result","status":"error","message":"invalid credential"}` {
		t.Fatalf("unexpected auth failure frame %s", frame)
	}
}
