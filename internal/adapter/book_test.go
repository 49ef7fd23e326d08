package adapter

import "testing"

func TestBookTopOrdersSides(t *testing.T) {
	b := NewBook()
	b.Set(true, 100, 1)
	b.Set(true, 101, 2)
	b.Set(true, 99, 3)
	b.Set(false, 102, 4)
	b.Set(false, 103, 5)

	bids, asks := b.Top(2)
	if len(bids) != 2 || bids[0].Price != 101 || bids[1].Price != 100 {
		t.Fatalf("unexpected bids %+v", bids)
	}
	if len(asks) != 2 || asks[0].Price != 102 || asks[1].Price != 103 {
		t.Fatalf("unexpected asks %+v", asks)
	}

	b.Set(true, 101, 0)
	data := b.Payload(5)
	if data.Bid != 100 || data.BidQty != 1 || data.Ask != 102 || data.AskQty != 4 {
		t.Fatalf("unexpected top of book %+v", data)
	}
	if len(data.Bids) != 2 || len(data.Asks) != 2 {
		t.Fatalf("expected 2 levels per side, got %d/%d", len(data.Bids), len(data.Asks))
	}
}
