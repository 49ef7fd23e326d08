package adapter

import (
	"sort"

	"tickproxy/internal/model"
)

// Book is a local price-level book rebuilt from upstream snapshots and
// deltas. It is not safe for concurrent use.
type Book struct {
	bids map[float64]float64
	asks map[float64]float64
}

func NewBook() *Book {
	return &Book{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// Set stores qty at price; a zero qty removes the level.
func (b *Book) Set(bid bool, price, qty float64) {
	side := b.asks
	if bid {
		side = b.bids
	}
	if qty == 0 {
		delete(side, price)
		return
	}
	side[price] = qty
}

// Top returns up to n levels per side, best first.
func (b *Book) Top(n int) (bids, asks []model.Level) {
	return topLevels(b.bids, n, true), topLevels(b.asks, n, false)
}

// Payload fills the depth, best bid and best ask fields from the top n
// levels.
func (b *Book) Payload(n int) model.Payload {
	var data model.Payload
	data.Bids, data.Asks = b.Top(n)
	if len(data.Bids) > 0 {
		data.Bid, data.BidQty = data.Bids[0].Price, data.Bids[0].Qty
	}
	if len(data.Asks) > 0 {
		data.Ask, data.AskQty = data.Asks[0].Price, data.Asks[0].Qty
	}
	return data
}

func topLevels(side map[float64]float64, n int, desc bool) []model.Level {
	prices := make([]float64, 0, len(side))
	for price := range side {
		prices = append(prices, price)
	}
	if desc {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if len(prices) > n {
		prices = prices[:n]
	}
	levels := make([]model.Level, 0, len(prices))
	for _, price := range prices {
		levels = append(levels, model.Level{Price: price, Qty: side[price]})
	}
	return levels
}
