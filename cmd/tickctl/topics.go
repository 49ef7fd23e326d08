package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tickproxy/internal/model"
	"tickproxy/internal/protocol"
	"tickproxy/internal/symbols"
)

// parseTopics reads "NSE:INFY:LTP,NSE:TCS" into topic refs. Symbols are
// normalized the way the proxy keys topics; the mode defaults to LTP.
func parseTopics(s string) ([]protocol.TopicRef, error) {
	var refs []protocol.TopicRef
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("topic %q: want EXCHANGE:SYMBOL[:MODE]", item)
		}
		mode := model.ModeLTP
		if len(parts) == 3 {
			m, err := model.ParseMode(parts[2])
			if err != nil {
				return nil, fmt.Errorf("topic %q: %w", item, err)
			}
			mode = m
		}
		exchange := strings.ToUpper(parts[0])
		refs = append(refs, protocol.TopicRef{
			Exchange: exchange,
			Symbol:   symbols.Normalize(exchange, parts[1]),
			Mode:     mode,
		})
	}
	return refs, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// syntheticTick shapes a price into the payload the topic's mode carries.
func syntheticTick(topic model.Topic, price float64, now time.Time) model.Tick {
	ltp := round2(price)
	data := model.Payload{LTP: ltp, Timestamp: now.UnixMilli()}
	if topic.Mode != model.ModeLTP {
		data.Bid = round2(price - 0.05)
		data.Ask = round2(price + 0.05)
		data.BidQty, data.AskQty = 100, 100
	}
	if topic.Mode == model.ModeDepth {
		for i := 0; i < 5; i++ {
			step := 0.05 * float64(i+1)
			data.Bids = append(data.Bids, model.Level{Price: round2(price - step), Qty: float64(100 * (i + 1))})
			data.Asks = append(data.Asks, model.Level{Price: round2(price + step), Qty: float64(100 * (i + 1))})
		}
	}
	return model.Tick{Topic: topic, Data: data, ReceivedAt: now}
}
