package market

import (
	"container/heap"
	"time"
)

// bookSide is a price-time priority queue of resting orders: price first
// (max for bids, min for asks), then created_at, then order id so
// identical timestamps stay deterministic.
type bookSide struct {
	orders []*Order
	max    bool
}

func (s *bookSide) Len() int { return len(s.orders) }

func (s *bookSide) Less(i, j int) bool {
	a, b := s.orders[i], s.orders[j]
	if a.PriceMicro != b.PriceMicro {
		if s.max {
			return a.PriceMicro > b.PriceMicro
		}
		return a.PriceMicro < b.PriceMicro
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *bookSide) Swap(i, j int) { s.orders[i], s.orders[j] = s.orders[j], s.orders[i] }

func (s *bookSide) Push(x any) { s.orders = append(s.orders, x.(*Order)) }

func (s *bookSide) Pop() any {
	old := s.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	s.orders = old[:n-1]
	return o
}

// top drops dead orders off the heap until a live one surfaces, and
// returns it without removing it. Lazily-discovered expiries are reported
// through onExpire so the engine can release escrow.
func (s *bookSide) top(now time.Time, onExpire func(*Order)) *Order {
	for s.Len() > 0 {
		o := s.orders[0]
		if o.live(now) {
			return o
		}
		if o.Status == StatusOpen || o.Status == StatusPartial {
			o.Status = StatusExpired
			o.UpdatedAt = now
			if onExpire != nil {
				onExpire(o)
			}
		}
		heap.Pop(s)
	}
	return nil
}

// Book holds both sides of one trading pair. Not safe for concurrent use;
// the engine serializes access.
type Book struct {
	bids *bookSide
	asks *bookSide
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{
		bids: &bookSide{max: true},
		asks: &bookSide{},
	}
}

func (b *Book) side(s Side) *bookSide {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Add posts a resting order.
func (b *Book) Add(o *Order) {
	heap.Push(b.side(o.Side), o)
}

// Depth reports how many orders each side currently holds, dead entries
// included until they surface.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}
