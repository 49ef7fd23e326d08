package model

import (
	"errors"
	"testing"
)

func TestTopicStringAndParse(t *testing.T) {
	cases := []Topic{
		NewTopic("zerodha", "nse", "RELIANCE", ModeLTP),
		NewTopic("binance", "binance_futures_x", "BTCUSDT", ModeDepth),
		NewTopic("angel", "NFO", "NIFTY_24JAN_FUT", ModeQuote),
	}

	for _, topic := range cases {
		if topic.Exchange == "BINANCE_FUTURES_X" {
			if err := topic.Validate(); err == nil {
				t.Fatalf("expected separator in exchange to be rejected")
			}
			continue
		}
		encoded := topic.String()
		got, err := ParseTopic(encoded)
		if err != nil {
			t.Fatalf("ParseTopic(%q): %v", encoded, err)
		}
		if got != topic {
			t.Errorf("round trip mismatch: got %+v want %+v", got, topic)
		}
	}
}

func TestTopicEncoding(t *testing.T) {
	topic := NewTopic("zerodha", "nse", "RELIANCE", "ltp")
	if got := topic.String(); got != "ZERODHA_NSE_RELIANCE_LTP" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseTopicErrors(t *testing.T) {
	for _, in := range []string{"", "A_B_C", "A_B_C_TRADES", "_NSE_X_LTP", "A__X_LTP"} {
		if _, err := ParseTopic(in); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ParseTopic(%q) err = %v, want ErrInvalidTopic", in, err)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" quote "); err != nil || m != ModeQuote {
		t.Fatalf("ParseMode = %v, %v", m, err)
	}
	if _, err := ParseMode("trades"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestPayloadShape(t *testing.T) {
	p := Payload{LTP: 10, Volume: 5, Bid: 9, Ask: 11, Bids: []Level{{Price: 9, Qty: 1}}}

	ltp := p.Shape(ModeLTP)
	if ltp.Bid != 0 || ltp.Bids != nil || ltp.LTP != 10 || ltp.Volume != 5 {
		t.Errorf("unexpected LTP shape: %+v", ltp)
	}
	quote := p.Shape(ModeQuote)
	if quote.Bid != 9 || quote.Bids != nil {
		t.Errorf("unexpected QUOTE shape: %+v", quote)
	}
	depth := p.Shape(ModeDepth)
	if len(depth.Bids) != 1 {
		t.Errorf("unexpected DEPTH shape: %+v", depth)
	}
}
