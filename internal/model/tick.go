package model

import "time"

// Level is one price level of an order book.
type Level struct {
	Price  float64 `json:"price"`
	Qty    float64 `json:"qty"`
	Orders int     `json:"orders,omitempty"`
}

// Payload carries market data for every mode. LTP fills the first block,
// QUOTE adds the best bid/ask and OHLC, DEPTH adds the book levels.
type Payload struct {
	LTP       float64 `json:"ltp"`
	Volume    float64 `json:"volume,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`

	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	BidQty float64 `json:"bid_qty,omitempty"`
	AskQty float64 `json:"ask_qty,omitempty"`
	Open   float64 `json:"open,omitempty"`
	High   float64 `json:"high,omitempty"`
	Low    float64 `json:"low,omitempty"`
	Close  float64 `json:"close,omitempty"`

	Bids []Level `json:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty"`
}

// Tick is one normalized update in flight between an adapter and the proxy.
type Tick struct {
	Topic      Topic
	Data       Payload
	ReceivedAt time.Time
}

// Shape trims fields that do not belong to mode so clients only see the
// documented payload for their subscription.
func (p Payload) Shape(mode Mode) Payload {
	switch mode {
	case ModeLTP:
		return Payload{LTP: p.LTP, Volume: p.Volume, Timestamp: p.Timestamp}
	case ModeQuote:
		p.Bids, p.Asks = nil, nil
		return p
	default:
		return p
	}
}
