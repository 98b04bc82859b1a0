// Package book implements the client's resting-order FIFO (spec §4.4):
// insert, remove-by-cid, and retention-aware iteration for the matching
// engine. Ordering among survivors is always preserved, matching the
// spec's "removal preserves ordering among survivors" contract.
package book

import (
	"sync"

	"github.com/backtest/replay-engine/pkg/types"
)

// OrderBook is a FIFO of resting client orders, safe for concurrent
// snapshot reads against the single-threaded session loop that mutates it
// (mirrors the RWMutex discipline of the teacher's market.Book mirror).
type OrderBook struct {
	mu     sync.RWMutex
	orders []*types.Order
}

// New creates an empty order book.
func New() *OrderBook {
	return &OrderBook{}
}

// Insert appends an order to the back of the FIFO. Callers must apply
// latency (internal/latency) to the order's timestamp before calling
// Insert — the book itself never adjusts timestamps.
func (b *OrderBook) Insert(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o)
}

// Remove performs a linear scan for the first order with the given cid,
// removes it, and returns it. Ordering of the remaining orders is
// preserved.
func (b *OrderBook) Remove(cid string) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, o := range b.orders {
		if o.CID == cid {
			b.orders = append(b.orders[:i:i], b.orders[i+1:]...)
			return o, true
		}
	}
	return nil, false
}

// Get returns the order with the given cid without removing it.
func (b *OrderBook) Get(cid string) (*types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, o := range b.orders {
		if o.CID == cid {
			return o, true
		}
	}
	return nil, false
}

// Snapshot returns a shallow copy of the FIFO in insertion order, safe for
// a caller to range over while the book is concurrently mutated.
func (b *OrderBook) Snapshot() []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*types.Order, len(b.orders))
	copy(out, b.orders)
	return out
}

// RetainFilter walks the FIFO once, calling visit on every order in
// insertion order; any order for which keep returns false is dropped from
// the book. This is the "single pass that both mutates elements and
// decides whether to keep each" pattern called out in spec §9.
func (b *OrderBook) RetainFilter(visit func(o *types.Order) (keep bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.orders[:0]
	for _, o := range b.orders {
		if visit(o) {
			kept = append(kept, o)
		}
	}
	b.orders = kept
}

// Len returns the number of resting orders, including those in their
// terminal grace window.
func (b *OrderBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// HighestPricedSells returns open/partially-filled sell orders on the
// given symbol, sorted by descending price. Used by the session
// controller's insufficient-sell-amount compensation path (spec §7).
func (b *OrderBook) HighestPricedSells(symbol string) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var sells []*types.Order
	for _, o := range b.orders {
		if o.Symbol != symbol || o.Side != types.Sell || o.State.IsTerminal() {
			continue
		}
		sells = append(sells, o)
	}
	for i := 1; i < len(sells); i++ {
		for j := i; j > 0 && sells[j].Price.GreaterThan(sells[j-1].Price); j-- {
			sells[j], sells[j-1] = sells[j-1], sells[j]
		}
	}
	return sells
}
