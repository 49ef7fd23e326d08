package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickproxy/internal/adapter"
	"tickproxy/internal/adapter/wsfeed"
	"tickproxy/internal/model"
)

const (
	// Bybit rejects subscribe requests with more args than this.
	maxArgsPerRequest = 10
	bookDepth         = 50
	depthLevels       = 5
)

type request struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

type envelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type tradeEntry struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	Time   int64  `json:"T"`
}

type tickerEntry struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
}

type bookEntry struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// codec keeps per-stream state: which proxy topics ride on each bybit
// topic, the merged ticker per symbol and the local order books. A bybit
// topic is only sent upstream for its first proxy topic and only dropped
// with its last.
type codec struct {
	mu     sync.Mutex
	byArg  map[string][]model.Topic
	quotes map[string]*model.Payload
	books  map[string]*adapter.Book
}

func newCodec() *codec {
	return &codec{
		byArg:  make(map[string][]model.Topic),
		quotes: make(map[string]*model.Payload),
		books:  make(map[string]*adapter.Book),
	}
}

func argFor(topic model.Topic) string {
	symbol := strings.ToUpper(topic.Symbol)
	switch topic.Mode {
	case model.ModeQuote:
		return "tickers." + symbol
	case model.ModeDepth:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth, symbol)
	default:
		return "publicTrade." + symbol
	}
}

func (c *codec) Encode(op wsfeed.Op, topics []model.Topic) ([][]byte, error) {
	c.mu.Lock()
	args := make([]string, 0, len(topics))
	for _, topic := range topics {
		arg := argFor(topic)
		if op == wsfeed.OpSubscribe {
			if c.attach(arg, topic) {
				args = append(args, arg)
			}
		} else if c.detach(arg, topic) {
			delete(c.books, arg)
			delete(c.quotes, arg)
			args = append(args, arg)
		}
	}
	c.mu.Unlock()
	if len(args) == 0 {
		return nil, nil
	}

	frames := make([][]byte, 0, len(args)/maxArgsPerRequest+1)
	for start := 0; start < len(args); start += maxArgsPerRequest {
		end := start + maxArgsPerRequest
		if end > len(args) {
			end = len(args)
		}
		frame, err := json.Marshal(request{
			Op:    string(op),
			Args:  args[start:end],
			ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// attach reports whether arg had no proxy topic before.
func (c *codec) attach(arg string, topic model.Topic) bool {
	riders := c.byArg[arg]
	for _, t := range riders {
		if t == topic {
			return false
		}
	}
	c.byArg[arg] = append(riders, topic)
	return len(riders) == 0
}

// detach reports whether topic was the last one riding on arg.
func (c *codec) detach(arg string, topic model.Topic) bool {
	riders := c.byArg[arg]
	for i, t := range riders {
		if t != topic {
			continue
		}
		riders = append(riders[:i:i], riders[i+1:]...)
		if len(riders) == 0 {
			delete(c.byArg, arg)
			return true
		}
		c.byArg[arg] = riders
		return false
	}
	return false
}

func (c *codec) Heartbeat() []byte {
	return []byte(`{"op":"ping"}`)
}

func (c *codec) Decode(msg []byte) ([]model.Tick, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("bybit %s rejected: %s", env.Op, env.RetMsg)
		}
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	riders := c.byArg[env.Topic]
	if len(riders) == 0 {
		return nil, nil
	}
	base, err := c.decode(env, riders[0])
	if err != nil || len(riders) == 1 {
		return base, err
	}
	ticks := make([]model.Tick, 0, len(base)*len(riders))
	for _, topic := range riders {
		for _, tick := range base {
			tick.Topic = topic
			ticks = append(ticks, tick)
		}
	}
	return ticks, nil
}

func (c *codec) decode(env envelope, topic model.Topic) ([]model.Tick, error) {
	received := time.Now()

	switch topic.Mode {
	case model.ModeLTP:
		var trades []tradeEntry
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			return nil, fmt.Errorf("decode bybit trades: %w", err)
		}
		ticks := make([]model.Tick, 0, len(trades))
		for _, trade := range trades {
			ticks = append(ticks, model.Tick{
				Topic: topic,
				Data: model.Payload{
					LTP:       parseNumber(trade.Price),
					Volume:    parseNumber(trade.Size),
					Timestamp: trade.Time,
				},
				ReceivedAt: received,
			})
		}
		return ticks, nil

	case model.ModeQuote:
		var entry tickerEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return nil, fmt.Errorf("decode bybit ticker: %w", err)
		}
		quote := c.quotes[env.Topic]
		if quote == nil || env.Type == "snapshot" {
			quote = &model.Payload{}
			c.quotes[env.Topic] = quote
		}
		mergeTicker(quote, entry)
		quote.Timestamp = env.Ts
		return []model.Tick{{Topic: topic, Data: *quote, ReceivedAt: received}}, nil

	case model.ModeDepth:
		var entry bookEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return nil, fmt.Errorf("decode bybit orderbook: %w", err)
		}
		b := c.books[env.Topic]
		if b == nil || env.Type == "snapshot" {
			b = adapter.NewBook()
			c.books[env.Topic] = b
		}
		applySide(b, true, entry.Bids)
		applySide(b, false, entry.Asks)
		data := b.Payload(depthLevels)
		data.Timestamp = env.Ts
		if q := c.quotes["tickers."+strings.ToUpper(topic.Symbol)]; q != nil {
			data.LTP = q.LTP
		}
		return []model.Tick{{Topic: topic, Data: data, ReceivedAt: received}}, nil
	}
	return nil, nil
}

// mergeTicker applies a snapshot or delta; absent fields keep their value.
func mergeTicker(p *model.Payload, e tickerEntry) {
	set := func(dst *float64, v string) {
		if v != "" {
			*dst = parseNumber(v)
		}
	}
	set(&p.LTP, e.LastPrice)
	set(&p.Bid, e.Bid1Price)
	set(&p.BidQty, e.Bid1Size)
	set(&p.Ask, e.Ask1Price)
	set(&p.AskQty, e.Ask1Size)
	set(&p.High, e.HighPrice24h)
	set(&p.Low, e.LowPrice24h)
	set(&p.Close, e.PrevPrice24h)
	set(&p.Volume, e.Volume24h)
}

func applySide(b *adapter.Book, bid bool, levels [][]string) {
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		b.Set(bid, parseNumber(level[0]), parseNumber(level[1]))
	}
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
