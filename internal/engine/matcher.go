package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

// MatchResult is the complete record of what one order placement changed.
// It holds copies, so it can be handed to persistence and fan-out after the
// book locks are released.
type MatchResult struct {
	Order          domain.Order
	Trades         []domain.TradeExecution
	Makers         []domain.Order
	Touched        []domain.MarketKey
	BalanceChanges []domain.BalanceChange
	ShareChanges   []domain.ShareChange
}

// Matcher implements the matching engine: normal price-time matching on a
// single book, plus mint and merge across a book and its complement.
type Matcher struct {
	books    *BookManager
	accounts *store.AccountStore
	orders   *store.OrderStore
	trades   *store.TradeStore
	markets  *store.MarketStore
	fees     FeeSchedule
	treasury *domain.Account
	now      func() time.Time
}

// NewMatcher creates a new Matcher with the given dependencies. Fees, mint
// surplus and merge residue are credited to the treasury account, which is
// created if it does not exist.
func NewMatcher(
	books *BookManager,
	accounts *store.AccountStore,
	orders *store.OrderStore,
	trades *store.TradeStore,
	markets *store.MarketStore,
	fees FeeSchedule,
	treasuryAddress string,
) *Matcher {
	treasury := accounts.GetOrCreate(treasuryAddress, func() *domain.Account {
		return domain.NewAccount(treasuryAddress, decimal.Zero, time.Now())
	})
	return &Matcher{
		books:    books,
		accounts: accounts,
		orders:   orders,
		trades:   trades,
		markets:  markets,
		fees:     fees,
		treasury: treasury,
		now:      time.Now,
	}
}

// Fees returns the fee schedule in use.
func (m *Matcher) Fees() FeeSchedule {
	return m.fees
}

// TreasuryAddress returns the account that collects fees.
func (m *Matcher) TreasuryAddress() string {
	return m.treasury.Address
}

// PlaceOrder runs an incoming order through the engine. Validation happens
// before any book is touched. The order's book and its complement are then
// write-locked in key order for the whole pass:
//
//  1. reserve cash or shares;
//  2. match against the opposite side of the same book;
//  3. a limit buy remainder mints against complement buys, a limit sell
//     remainder merges against complement sells;
//  4. a limit remainder rests, a market remainder is cancelled. A market
//     order facing an empty side comes back cancelled with no fills.
//
// The caller provides Type, Side, MarketID, OutcomeID, ShareType, Amount,
// UserAddress, Price for limit orders and optionally ExpiresAt. The matcher
// assigns OrderID and CreatedAt and manages all status transitions.
func (m *Matcher) PlaceOrder(order *domain.Order) (*MatchResult, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if err := m.checkTradable(order); err != nil {
		return nil, err
	}

	key := order.Key()
	book, comp, unlock := m.books.LockPair(key, key.Complement())
	defer unlock()

	// Re-check under the lock: a resolve or pause racing this order sweeps
	// the books only after its status change is visible here.
	if err := m.checkTradable(order); err != nil {
		return nil, err
	}

	account, err := m.accounts.Get(order.UserAddress)
	if err != nil {
		return nil, domain.ErrAccountNotFound
	}

	now := m.now()
	order.OrderID = uuid.New().String()
	order.CreatedAt = now
	order.UpdatedAt = now
	order.FilledAmount = decimal.Zero
	order.Notional = decimal.Zero
	order.FeesPaid = decimal.Zero
	order.ReservedCash = decimal.Zero
	order.CancelledAt = nil
	order.Status = domain.OrderStatusOpen

	if err := m.reserve(account, book, order); err != nil {
		return nil, err
	}
	if err := m.orders.Create(order); err != nil {
		m.release(order)
		return nil, err
	}

	p := newPass(m, order, now)
	p.matchSameBook(book)
	if order.Type == domain.OrderTypeLimit && order.Remaining().IsPositive() {
		if order.Side == domain.OrderSideBuy {
			p.mint(comp)
		} else {
			p.merge(comp)
		}
	}

	if order.Remaining().IsPositive() {
		if order.Type == domain.OrderTypeLimit {
			if err := book.Insert(order); err != nil {
				order.Cancel(now)
				m.release(order)
			}
		} else {
			order.Cancel(now)
			m.release(order)
		}
	} else {
		// Market buys reserve an estimate; return what the fills did not use.
		m.release(order)
	}

	return p.result(), nil
}

// validateOrder rejects malformed orders before any book is touched.
func validateOrder(o *domain.Order) error {
	if o.UserAddress == "" {
		return &domain.ValidationError{Message: "user_address is required"}
	}
	if o.MarketID == "" || o.OutcomeID == "" {
		return &domain.ValidationError{Message: "market_id and outcome_id are required"}
	}
	if !o.ShareType.Valid() {
		return &domain.ValidationError{Message: "share_type must be 'yes' or 'no'"}
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	switch o.Type {
	case domain.OrderTypeLimit:
		if err := domain.ValidatePrice(o.Price); err != nil {
			return err
		}
	case domain.OrderTypeMarket:
		if !o.Price.IsZero() {
			return &domain.ValidationError{Message: "market orders must not carry a price"}
		}
		if o.ExpiresAt != nil {
			return &domain.ValidationError{Message: "market orders must not carry expires_at"}
		}
	default:
		return &domain.ValidationError{Message: "type must be 'limit' or 'market'"}
	}
	return domain.ValidateAmount(o.Amount)
}

func (m *Matcher) checkTradable(o *domain.Order) error {
	market, err := m.markets.Get(o.MarketID)
	if err != nil {
		return err
	}
	if market.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	if !market.HasOutcome(o.OutcomeID) {
		return domain.ErrOutcomeNotFound
	}
	return nil
}

// reserve locks the cash or shares the order may consume. Limit buys lock
// amount × (price + max fee per share). Market buys lock the simulated cost
// of walking the asks, fees included. Sells lock shares.
func (m *Matcher) reserve(account *domain.Account, book *OrderBook, o *domain.Order) error {
	account.Mu.Lock()
	defer account.Mu.Unlock()

	if o.Side == domain.OrderSideSell {
		if account.AvailableShares(o.Key()).LessThan(o.Amount) {
			return domain.ErrInsufficientShares
		}
		pos := account.Position(o.Key())
		pos.Reserved = pos.Reserved.Add(o.Amount)
		return nil
	}

	var required decimal.Decimal
	if o.Type == domain.OrderTypeLimit {
		required = o.Amount.Mul(o.Price.Add(m.fees.MaxFeePerShare()))
	} else {
		required = m.estimateBuyCost(book, o.Amount)
	}
	if account.Available().LessThan(required) {
		return domain.ErrInsufficientBalance
	}
	account.Reserved = account.Reserved.Add(required)
	o.ReservedCash = required
	return nil
}

// estimateBuyCost walks the asks as a market buy would. The caller holds
// the book lock, so the estimate is exact.
func (m *Matcher) estimateBuyCost(book *OrderBook, amount decimal.Decimal) decimal.Decimal {
	remaining := amount
	cost := decimal.Zero
	book.WalkAsks(func(e OrderBookEntry) bool {
		qty := decimal.Min(remaining, e.Order.Remaining())
		cost = cost.Add(e.Price.Mul(qty)).Add(m.fees.Fee(e.Price, qty))
		remaining = remaining.Sub(qty)
		return remaining.IsPositive()
	})
	return cost
}

// release returns whatever the order still holds: unused cash for buys,
// unfilled shares for sells. It is called once, when the order leaves the
// book or finishes without resting.
func (m *Matcher) release(o *domain.Order) {
	account, err := m.accounts.Get(o.UserAddress)
	if err != nil {
		return
	}
	account.Mu.Lock()
	defer account.Mu.Unlock()

	if o.Side == domain.OrderSideBuy {
		account.Reserved = account.Reserved.Sub(o.ReservedCash)
		o.ReservedCash = decimal.Zero
		return
	}
	if !o.Remaining().IsPositive() {
		return
	}
	pos := account.Position(o.Key())
	pos.Reserved = pos.Reserved.Sub(o.Remaining())
}

// CancelOrder cancels a resting order. Losing a race against a fill is a
// normal outcome: when the order is already filled or cancelled the current
// state is returned with cancelled=false and no error.
func (m *Matcher) CancelOrder(orderID string) (domain.Order, bool, error) {
	order, err := m.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, false, domain.ErrOrderNotFound
	}
	book := m.books.GetOrCreate(order.Key())
	book.Lock()
	defer book.Unlock()
	return m.cancelLocked(book, order)
}

func (m *Matcher) cancelLocked(book *OrderBook, order *domain.Order) (domain.Order, bool, error) {
	if !order.Status.IsResting() {
		return order.Snapshot(), false, nil
	}
	if _, err := book.Cancel(order.OrderID, m.now()); err != nil {
		return order.Snapshot(), false, nil
	}
	m.release(order)
	return order.Snapshot(), true, nil
}

// CancelMarketOrders cancels every resting order of a market and returns
// the cancelled orders. Used when a market stops trading.
func (m *Matcher) CancelMarketOrders(marketID string) []domain.Order {
	var cancelled []domain.Order
	for _, key := range m.books.KeysForMarket(marketID) {
		book := m.books.GetOrCreate(key)
		book.Lock()
		for _, o := range book.Orders() {
			if snap, ok, _ := m.cancelLocked(book, o); ok {
				cancelled = append(cancelled, snap)
			}
		}
		book.Unlock()
	}
	return cancelled
}

// Restore places previously persisted resting orders back on their books
// and re-establishes their reservations. Orders whose account or market is
// unknown are skipped and returned.
func (m *Matcher) Restore(orders []domain.Order) []domain.Order {
	var skipped []domain.Order
	for i := range orders {
		o := orders[i]
		account, err := m.accounts.Get(o.UserAddress)
		if err != nil || m.checkTradable(&o) != nil || !o.Status.IsResting() {
			skipped = append(skipped, o)
			continue
		}
		order := &o
		book := m.books.GetOrCreate(order.Key())
		book.Lock()
		account.Mu.Lock()
		if order.Side == domain.OrderSideBuy {
			order.ReservedCash = order.Remaining().Mul(order.Price.Add(m.fees.MaxFeePerShare()))
			account.Reserved = account.Reserved.Add(order.ReservedCash)
		} else {
			pos := account.Position(order.Key())
			pos.Reserved = pos.Reserved.Add(order.Remaining())
		}
		account.Mu.Unlock()
		err = m.orders.Create(order)
		if err == nil {
			err = book.Insert(order)
		}
		book.Unlock()
		if err != nil {
			order.Cancel(m.now())
			m.release(order)
			skipped = append(skipped, o)
		}
	}
	return skipped
}

// Order returns a copy of an order taken under its book lock.
func (m *Matcher) Order(orderID string) (domain.Order, error) {
	order, err := m.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	book := m.books.GetOrCreate(order.Key())
	book.RLock()
	defer book.RUnlock()
	return order.Snapshot(), nil
}

// UserOrders returns one page of a user's orders, newest first, and the
// number of orders matching the filter.
func (m *Matcher) UserOrders(user string, status *domain.OrderStatus, page, limit int) ([]domain.Order, int) {
	orders, total := m.orders.ListByUser(user, status, page, limit)
	out := make([]domain.Order, len(orders))
	for i, o := range orders {
		book := m.books.GetOrCreate(o.Key())
		book.RLock()
		out[i] = o.Snapshot()
		book.RUnlock()
	}
	return out, total
}

// BookSnapshot returns the aggregated top depth levels of a book.
func (m *Matcher) BookSnapshot(key domain.MarketKey, depth int) Snapshot {
	book := m.books.GetOrCreate(key)
	book.RLock()
	defer book.RUnlock()
	return book.Snapshot(depth, m.now())
}

// QuotePriceLevel represents a single price level in a quote simulation.
type QuotePriceLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// QuoteResult holds the result of a market order simulation.
type QuoteResult struct {
	AmountAvailable   decimal.Decimal
	FullyFillable     bool
	EstimatedAvgPrice *decimal.Decimal // nil when no liquidity
	EstimatedTotal    *decimal.Decimal // nil when no liquidity
	EstimatedFee      decimal.Decimal
	PriceLevels       []QuotePriceLevel
}

// SimulateMarketOrder performs a read-only walk of the opposite side of the
// book to estimate the result of a market order without placing it.
func (m *Matcher) SimulateMarketOrder(key domain.MarketKey, side domain.OrderSide, amount decimal.Decimal) *QuoteResult {
	book := m.books.GetOrCreate(key)
	book.RLock()
	defer book.RUnlock()

	result := &QuoteResult{
		PriceLevels: make([]QuotePriceLevel, 0),
	}
	remaining := amount
	total := decimal.Zero

	walkFn := func(entry OrderBookEntry) bool {
		if !remaining.IsPositive() {
			return false
		}
		qty := decimal.Min(entry.Order.Remaining(), remaining)
		total = total.Add(entry.Price.Mul(qty))
		result.EstimatedFee = result.EstimatedFee.Add(m.fees.Fee(entry.Price, qty))
		result.AmountAvailable = result.AmountAvailable.Add(qty)
		remaining = remaining.Sub(qty)

		if n := len(result.PriceLevels); n > 0 && result.PriceLevels[n-1].Price.Equal(entry.Price) {
			result.PriceLevels[n-1].Amount = result.PriceLevels[n-1].Amount.Add(qty)
		} else {
			result.PriceLevels = append(result.PriceLevels, QuotePriceLevel{Price: entry.Price, Amount: qty})
		}
		return true
	}

	if side == domain.OrderSideBuy {
		book.WalkAsks(walkFn)
	} else {
		book.WalkBids(walkFn)
	}

	if result.AmountAvailable.IsPositive() {
		avg := total.DivRound(result.AmountAvailable, 8)
		result.EstimatedAvgPrice = &avg
		result.EstimatedTotal = &total
	}
	result.FullyFillable = result.AmountAvailable.GreaterThanOrEqual(amount)
	return result
}
