package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// OrderBookEntry represents a single order resting on the book.
type OrderBookEntry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	Seq       uint64
	Order     *domain.Order
}

// PriceLevel represents an aggregated price level in the order book.
type PriceLevel struct {
	Price       decimal.Decimal
	TotalAmount decimal.Decimal
	OrderCount  int
}

// bidLess defines ordering for the bid side: price descending, then
// created_at ascending, then insertion sequence. Min() returns the best
// bid (highest price, earliest time).
func bidLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// askLess defines ordering for the ask side: price ascending, then
// created_at ascending, then insertion sequence.
func askLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// OrderBook maintains the buy and sell sides of one market key using
// B-trees with a secondary index for O(log n) removal by order ID.
//
// Methods do not lock; callers hold the book's lock through the
// BookManager's pair-locking helpers or Lock/RLock.
type OrderBook struct {
	key   domain.MarketKey
	mu    sync.RWMutex
	bids  *btree.BTreeG[OrderBookEntry]
	asks  *btree.BTreeG[OrderBookEntry]
	index map[string]OrderBookEntry // order_id → entry
	seq   uint64
}

// NewOrderBook creates an order book for the given key.
func NewOrderBook(key domain.MarketKey) *OrderBook {
	const degree = 32
	return &OrderBook{
		key:   key,
		bids:  btree.NewG[OrderBookEntry](degree, bidLess),
		asks:  btree.NewG[OrderBookEntry](degree, askLess),
		index: make(map[string]OrderBookEntry),
	}
}

// Key returns the market key the book serves.
func (ob *OrderBook) Key() domain.MarketKey {
	return ob.key
}

// Lock acquires the write lock on the order book.
func (ob *OrderBook) Lock() { ob.mu.Lock() }

// Unlock releases the write lock on the order book.
func (ob *OrderBook) Unlock() { ob.mu.Unlock() }

// RLock acquires the read lock on the order book.
func (ob *OrderBook) RLock() { ob.mu.RLock() }

// RUnlock releases the read lock on the order book.
func (ob *OrderBook) RUnlock() { ob.mu.RUnlock() }

// Insert places a resting limit order at its price-time priority.
func (ob *OrderBook) Insert(o *domain.Order) error {
	if o.Type != domain.OrderTypeLimit {
		return &domain.ValidationError{Message: "only limit orders can rest on the book"}
	}
	if err := domain.ValidatePrice(o.Price); err != nil {
		return err
	}
	if !o.Amount.IsPositive() || !o.Remaining().IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !o.Status.IsResting() {
		return &domain.ValidationError{Message: "order is not open"}
	}
	if _, exists := ob.index[o.OrderID]; exists {
		return domain.ErrDuplicateOrder
	}

	ob.seq++
	entry := OrderBookEntry{
		Price:     o.Price,
		CreatedAt: o.CreatedAt,
		Seq:       ob.seq,
		Order:     o,
	}
	if o.Side == domain.OrderSideBuy {
		ob.bids.ReplaceOrInsert(entry)
	} else {
		ob.asks.ReplaceOrInsert(entry)
	}
	ob.index[o.OrderID] = entry
	return nil
}

// Get returns the resting order with the given id.
func (ob *OrderBook) Get(orderID string) (*domain.Order, bool) {
	entry, ok := ob.index[orderID]
	if !ok {
		return nil, false
	}
	return entry.Order, true
}

// remove deletes an order from the book by order ID using the
// secondary index.
func (ob *OrderBook) remove(orderID string) bool {
	entry, ok := ob.index[orderID]
	if !ok {
		return false
	}
	delete(ob.index, orderID)
	if entry.Order.Side == domain.OrderSideBuy {
		ob.bids.Delete(entry)
	} else {
		ob.asks.Delete(entry)
	}
	return true
}

// Fill applies a fill of amount to a resting order. A fully filled order is
// removed; a partially filled one keeps its priority slot. It returns false
// for unknown orders and for amounts that are non-positive or exceed the
// order's remaining amount.
func (ob *OrderBook) Fill(orderID string, amount, price decimal.Decimal, at time.Time) bool {
	entry, ok := ob.index[orderID]
	if !ok || !amount.IsPositive() || amount.GreaterThan(entry.Order.Remaining()) {
		return false
	}
	entry.Order.ApplyFill(amount, price, at)
	if entry.Order.Status == domain.OrderStatusFilled {
		ob.remove(orderID)
	}
	return true
}

// Cancel removes a resting order regardless of its fill state and marks it
// cancelled.
func (ob *OrderBook) Cancel(orderID string, at time.Time) (*domain.Order, error) {
	entry, ok := ob.index[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	ob.remove(orderID)
	entry.Order.Cancel(at)
	return entry.Order, nil
}

// BestBid returns the highest resting buy price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	e, ok := ob.bids.Min()
	return e.Price, ok
}

// BestAsk returns the lowest resting sell price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	e, ok := ob.asks.Min()
	return e.Price, ok
}

// BestBidLevel returns the best bid price with the aggregated amount at it.
func (ob *OrderBook) BestBidLevel() (PriceLevel, bool) {
	levels := topLevels(ob.bids, 1)
	if len(levels) == 0 {
		return PriceLevel{}, false
	}
	return levels[0], true
}

// BestAskLevel returns the best ask price with the aggregated amount at it.
func (ob *OrderBook) BestAskLevel() (PriceLevel, bool) {
	levels := topLevels(ob.asks, 1)
	if len(levels) == 0 {
		return PriceLevel{}, false
	}
	return levels[0], true
}

// bestBidEntry and bestAskEntry peek the head of each side.
func (ob *OrderBook) bestBidEntry() (OrderBookEntry, bool) { return ob.bids.Min() }
func (ob *OrderBook) bestAskEntry() (OrderBookEntry, bool) { return ob.asks.Min() }

// MatchingBuyOrders returns resting buys priced at or above minPrice in
// priority order.
func (ob *OrderBook) MatchingBuyOrders(minPrice decimal.Decimal) []*domain.Order {
	var out []*domain.Order
	ob.bids.Ascend(func(e OrderBookEntry) bool {
		if e.Price.LessThan(minPrice) {
			return false
		}
		out = append(out, e.Order)
		return true
	})
	return out
}

// MatchingSellOrders returns resting sells priced at or below maxPrice in
// priority order.
func (ob *OrderBook) MatchingSellOrders(maxPrice decimal.Decimal) []*domain.Order {
	var out []*domain.Order
	ob.asks.Ascend(func(e OrderBookEntry) bool {
		if e.Price.GreaterThan(maxPrice) {
			return false
		}
		out = append(out, e.Order)
		return true
	})
	return out
}

// TopBids returns up to n aggregated price levels from the bid side,
// ordered by price descending.
func (ob *OrderBook) TopBids(n int) []PriceLevel {
	return topLevels(ob.bids, n)
}

// TopAsks returns up to n aggregated price levels from the ask side,
// ordered by price ascending.
func (ob *OrderBook) TopAsks(n int) []PriceLevel {
	return topLevels(ob.asks, n)
}

func topLevels(tree *btree.BTreeG[OrderBookEntry], n int) []PriceLevel {
	if n <= 0 {
		return nil
	}
	levels := make([]PriceLevel, 0, n)
	tree.Ascend(func(entry OrderBookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(entry.Price) {
			last := &levels[len(levels)-1]
			last.TotalAmount = last.TotalAmount.Add(entry.Order.Remaining())
			last.OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:       entry.Price,
			TotalAmount: entry.Order.Remaining(),
			OrderCount:  1,
		})
		return true
	})
	return levels
}

// WalkAsks iterates asks in priority order until fn returns false.
func (ob *OrderBook) WalkAsks(fn func(OrderBookEntry) bool) {
	ob.asks.Ascend(fn)
}

// WalkBids iterates bids in priority order until fn returns false.
func (ob *OrderBook) WalkBids(fn func(OrderBookEntry) bool) {
	ob.bids.Ascend(fn)
}

// BidCount returns the number of individual buy orders on the book.
func (ob *OrderBook) BidCount() int {
	return ob.bids.Len()
}

// AskCount returns the number of individual sell orders on the book.
func (ob *OrderBook) AskCount() int {
	return ob.asks.Len()
}

// Orders returns every resting order, bids first.
func (ob *OrderBook) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(ob.index))
	collect := func(e OrderBookEntry) bool {
		out = append(out, e.Order)
		return true
	}
	ob.bids.Ascend(collect)
	ob.asks.Ascend(collect)
	return out
}

// Snapshot is an aggregated view of the top of a book.
type Snapshot struct {
	Key       domain.MarketKey
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Snapshot aggregates up to depth levels on each side.
func (ob *OrderBook) Snapshot(depth int, at time.Time) Snapshot {
	return Snapshot{
		Key:       ob.key,
		Bids:      ob.TopBids(depth),
		Asks:      ob.TopAsks(depth),
		Timestamp: at,
	}
}

// BookManager is the registry of market key → OrderBook.
type BookManager struct {
	mu    sync.RWMutex
	books map[domain.MarketKey]*OrderBook
}

// NewBookManager creates a new BookManager.
func NewBookManager() *BookManager {
	return &BookManager{
		books: make(map[domain.MarketKey]*OrderBook),
	}
}

// Get returns the order book for key if it exists.
func (bm *BookManager) Get(key domain.MarketKey) (*OrderBook, bool) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	book, ok := bm.books[key]
	return book, ok
}

// GetOrCreate returns the order book for the given key, creating one if it
// doesn't already exist.
func (bm *BookManager) GetOrCreate(key domain.MarketKey) *OrderBook {
	bm.mu.RLock()
	book, ok := bm.books[key]
	bm.mu.RUnlock()
	if ok {
		return book
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if book, ok = bm.books[key]; ok {
		return book
	}
	book = NewOrderBook(key)
	bm.books[key] = book
	return book
}

// Keys returns every registered key in lock order.
func (bm *BookManager) Keys() []domain.MarketKey {
	bm.mu.RLock()
	keys := make([]domain.MarketKey, 0, len(bm.books))
	for k := range bm.books {
		keys = append(keys, k)
	}
	bm.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// KeysForMarket returns the registered keys of one market in lock order.
func (bm *BookManager) KeysForMarket(marketID string) []domain.MarketKey {
	var out []domain.MarketKey
	for _, k := range bm.Keys() {
		if k.MarketID == marketID {
			out = append(out, k)
		}
	}
	return out
}

// LockPair write-locks the books of a and b in key order and returns the
// function that releases them. a and b may be equal.
func (bm *BookManager) LockPair(a, b domain.MarketKey) (first, second *OrderBook, unlock func()) {
	return bm.lockPair(a, b, false)
}

// RLockPair is the read-locking variant of LockPair.
func (bm *BookManager) RLockPair(a, b domain.MarketKey) (first, second *OrderBook, unlock func()) {
	return bm.lockPair(a, b, true)
}

// lockPair returns the books in argument order, not lock order.
func (bm *BookManager) lockPair(a, b domain.MarketKey, read bool) (*OrderBook, *OrderBook, func()) {
	ba, bb := bm.GetOrCreate(a), bm.GetOrCreate(b)
	if a == b {
		if read {
			ba.RLock()
			return ba, bb, ba.RUnlock
		}
		ba.Lock()
		return ba, bb, ba.Unlock
	}

	lo, hi := ba, bb
	if b.Less(a) {
		lo, hi = bb, ba
	}
	if read {
		lo.RLock()
		hi.RLock()
		return ba, bb, func() { hi.RUnlock(); lo.RUnlock() }
	}
	lo.Lock()
	hi.Lock()
	return ba, bb, func() { hi.Unlock(); lo.Unlock() }
}
