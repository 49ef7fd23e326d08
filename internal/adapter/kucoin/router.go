package kucoin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickproxy/internal/adapter"
	"tickproxy/internal/model"
)

const (
	channelTrade  = "execution"
	channelLevel2 = "level2"
	depthLevels   = 5
)

// feedKey is one SDK subscription: a channel on a contract.
type feedKey struct {
	channel  string
	contract string
}

func keyFor(topic model.Topic) feedKey {
	key := feedKey{channel: channelTrade, contract: Contract(topic.Symbol)}
	if topic.Mode == model.ModeQuote || topic.Mode == model.ModeDepth {
		key.channel = channelLevel2
	}
	return key
}

// Contract maps a proxy symbol to its KuCoin futures contract:
// BTCUSDT becomes XBTUSDTM. Contract codes pass through unchanged.
func Contract(symbol string) string {
	sym := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "-", ""))
	if strings.HasSuffix(sym, "M") {
		return sym
	}
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + sym[3:]
	}
	return sym + "M"
}

type subscription struct {
	id     string
	topics []model.Topic
	book   *adapter.Book
}

// router fans SDK callbacks out to the proxy topics riding on each
// subscription. The level2 book starts empty and is built from increments
// only, so a level appears once it changes after the subscription.
type router struct {
	onTick adapter.TickFunc

	mu   sync.Mutex
	subs map[feedKey]*subscription
}

func newRouter(onTick adapter.TickFunc) *router {
	return &router{
		onTick: onTick,
		subs:   make(map[feedKey]*subscription),
	}
}

// attach reports whether key needs an SDK subscription.
func (r *router) attach(key feedKey, topic model.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subs[key]
	if sub == nil {
		sub = &subscription{}
		if key.channel == channelLevel2 {
			sub.book = adapter.NewBook()
		}
		r.subs[key] = sub
	}
	for _, t := range sub.topics {
		if t == topic {
			return false
		}
	}
	sub.topics = append(sub.topics, topic)
	return len(sub.topics) == 1
}

func (r *router) setID(key feedKey, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub := r.subs[key]; sub != nil {
		sub.id = id
	}
}

// detach returns the SDK subscription id once topic was its last rider.
func (r *router) detach(key feedKey, topic model.Topic) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.subs[key]
	if sub == nil {
		return "", false
	}
	for i, t := range sub.topics {
		if t != topic {
			continue
		}
		sub.topics = append(sub.topics[:i:i], sub.topics[i+1:]...)
		if len(sub.topics) == 0 {
			delete(r.subs, key)
			return sub.id, true
		}
		return "", false
	}
	return "", false
}

type execution struct {
	Price json.Number `json:"price"`
	Size  json.Number `json:"size"`
}

func (r *router) onExecution(key feedKey, raw []byte, ts int64) error {
	var exec execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return fmt.Errorf("decode kucoin execution: %w", err)
	}
	data := model.Payload{
		LTP:       parseNumber(exec.Price.String()),
		Volume:    parseNumber(exec.Size.String()),
		Timestamp: millis(ts),
	}
	r.fanOut(key, func(model.Topic) model.Payload { return data })
	return nil
}

func (r *router) onIncrement(key feedKey, change string, ts int64) {
	side, price, qty := parseChange(change)
	if side == "" || price == "" {
		return
	}

	r.mu.Lock()
	sub := r.subs[key]
	if sub == nil || sub.book == nil {
		r.mu.Unlock()
		return
	}
	sub.book.Set(side == "buy", parseNumber(price), parseNumber(qty))
	data := sub.book.Payload(depthLevels)
	r.mu.Unlock()

	data.LTP = mid(data.Bid, data.Ask)
	data.Timestamp = millis(ts)
	r.fanOut(key, func(topic model.Topic) model.Payload {
		if topic.Mode == model.ModeQuote {
			quote := data
			quote.Bids, quote.Asks = nil, nil
			return quote
		}
		return data
	})
}

func (r *router) fanOut(key feedKey, payload func(model.Topic) model.Payload) {
	r.mu.Lock()
	sub := r.subs[key]
	var topics []model.Topic
	if sub != nil {
		topics = append(topics, sub.topics...)
	}
	r.mu.Unlock()

	received := time.Now()
	for _, topic := range topics {
		r.onTick(model.Tick{Topic: topic, Data: payload(topic), ReceivedAt: received})
	}
}

// parseChange splits a level2 change, "price,side,size", tolerating any
// field order.
func parseChange(change string) (side, price, quantity string) {
	parts := strings.Split(change, ",")
	if len(parts) < 3 {
		return
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "buy", "sell":
			side = p
		default:
			if price == "" {
				price = p
			} else if quantity == "" {
				quantity = p
			}
		}
	}
	return
}

// millis converts KuCoin timestamps, which arrive in seconds, milliseconds,
// microseconds or nanoseconds depending on the channel.
func millis(ts int64) int64 {
	switch {
	case ts <= 0:
		return time.Now().UnixMilli()
	case ts < 1_000_000_000_000:
		return ts * 1000
	case ts < 1_000_000_000_000_000:
		return ts
	case ts < 1_000_000_000_000_000_000:
		return ts / 1000
	default:
		return ts / int64(time.Millisecond)
	}
}

func mid(bid, ask float64) float64 {
	if bid == 0 || ask == 0 {
		return bid + ask
	}
	return (bid + ask) / 2
}

func parseNumber(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}
