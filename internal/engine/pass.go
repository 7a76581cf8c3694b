package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// pass carries the state of one PlaceOrder call and accumulates its
// effects. All methods run with the order's book pair write-locked.
type pass struct {
	m       *Matcher
	taker   *domain.Order
	at      time.Time
	trades  []domain.TradeExecution
	makers  []*domain.Order
	seen    map[string]bool
	touched []domain.MarketKey
	balance []domain.BalanceChange
	shares  []domain.ShareChange
}

func newPass(m *Matcher, taker *domain.Order, at time.Time) *pass {
	return &pass{
		m:       m,
		taker:   taker,
		at:      at,
		seen:    make(map[string]bool),
		touched: []domain.MarketKey{taker.Key()},
	}
}

// matchSameBook crosses the taker against the opposite side of its own
// book in price-time priority. Executions print at the maker's price.
func (p *pass) matchSameBook(book *OrderBook) {
	o := p.taker
	for o.Remaining().IsPositive() {
		var best OrderBookEntry
		var found bool
		if o.Side == domain.OrderSideBuy {
			best, found = book.bestAskEntry()
		} else {
			best, found = book.bestBidEntry()
		}
		if !found {
			break
		}
		if o.Type == domain.OrderTypeLimit {
			if o.Side == domain.OrderSideBuy && o.Price.LessThan(best.Price) {
				break
			}
			if o.Side == domain.OrderSideSell && best.Price.LessThan(o.Price) {
				break
			}
		}

		maker := best.Order
		qty := decimal.Min(o.Remaining(), maker.Remaining())
		price := best.Price
		fee := p.m.fees.Fee(price, qty)
		tradeID := uuid.New().String()

		book.Fill(maker.OrderID, qty, price, p.at)
		o.ApplyFill(qty, price, p.at)
		o.FeesPaid = o.FeesPaid.Add(fee)

		if o.Side == domain.OrderSideBuy {
			p.settleBuy(o, qty, price, fee, tradeID, domain.ShareChangeTrade)
			p.settleSell(maker, qty, price, decimal.Zero, tradeID, domain.ShareChangeTrade)
		} else {
			p.settleSell(o, qty, price, fee, tradeID, domain.ShareChangeTrade)
			p.settleBuy(maker, qty, price, decimal.Zero, tradeID, domain.ShareChangeTrade)
		}
		p.creditTreasury(fee, domain.BalanceFee, tradeID)

		p.addTrade(tradeID, o.Key(), domain.MatchNormal, price, qty, fee, maker)
	}
}

// mint pairs the taker's buy with complement buys whose price sums with
// the taker's to at least 1. Each buyer pays its own price and receives
// newly created shares of its own type; the surplus above 1 goes to the
// treasury.
func (p *pass) mint(comp *OrderBook) {
	o := p.taker
	for _, maker := range comp.MatchingBuyOrders(domain.Complement(o.Price)) {
		if !o.Remaining().IsPositive() {
			break
		}
		qty := decimal.Min(o.Remaining(), maker.Remaining())
		if !p.canFund(comp, maker, qty) {
			break
		}

		fee := p.m.fees.Fee(o.Price, qty)
		surplus := o.Price.Add(maker.Price).Sub(domain.One).Mul(qty)
		takerLeg, makerLeg := uuid.New().String(), uuid.New().String()

		comp.Fill(maker.OrderID, qty, maker.Price, p.at)
		o.ApplyFill(qty, o.Price, p.at)
		o.FeesPaid = o.FeesPaid.Add(fee)

		p.settleBuy(o, qty, o.Price, fee, takerLeg, domain.ShareChangeMint)
		p.settleBuy(maker, qty, maker.Price, decimal.Zero, makerLeg, domain.ShareChangeMint)
		p.creditTreasury(fee, domain.BalanceFee, takerLeg)
		p.creditTreasury(surplus, domain.BalanceMint, takerLeg)

		p.addTrade(takerLeg, o.Key(), domain.MatchMint, o.Price, qty, fee, maker)
		p.addTrade(makerLeg, maker.Key(), domain.MatchMint, maker.Price, qty, decimal.Zero, maker)
		p.touch(comp.Key())
	}
}

// merge pairs the taker's sell with complement sells whose price sums with
// the taker's to at most 1. Both shares are retired for 1 USDC per pair:
// the maker receives its own price and the taker the rest, so the taker
// never gets less than its limit.
func (p *pass) merge(comp *OrderBook) {
	o := p.taker
	for _, maker := range comp.MatchingSellOrders(domain.Complement(o.Price)) {
		if !o.Remaining().IsPositive() {
			break
		}
		qty := decimal.Min(o.Remaining(), maker.Remaining())
		if !p.canFund(comp, maker, qty) {
			break
		}

		price := domain.Complement(maker.Price)
		fee := p.m.fees.Fee(price, qty)
		takerLeg, makerLeg := uuid.New().String(), uuid.New().String()

		comp.Fill(maker.OrderID, qty, maker.Price, p.at)
		o.ApplyFill(qty, price, p.at)
		o.FeesPaid = o.FeesPaid.Add(fee)

		p.settleSell(o, qty, price, fee, takerLeg, domain.ShareChangeMerge)
		p.settleSell(maker, qty, maker.Price, decimal.Zero, makerLeg, domain.ShareChangeMerge)
		p.creditTreasury(fee, domain.BalanceFee, takerLeg)

		p.addTrade(takerLeg, o.Key(), domain.MatchMerge, price, qty, fee, maker)
		p.addTrade(makerLeg, maker.Key(), domain.MatchMerge, maker.Price, qty, decimal.Zero, maker)
		p.touch(comp.Key())
	}
}

// canFund checks both legs of a mint or merge before anything is applied,
// so a leg never lands without its counterpart: the maker must still rest
// with enough remaining, and both sides must hold the reservations the
// fill consumes.
func (p *pass) canFund(comp *OrderBook, maker *domain.Order, qty decimal.Decimal) bool {
	resting, ok := comp.Get(maker.OrderID)
	if !ok || resting.Remaining().LessThan(qty) {
		return false
	}
	return p.holds(p.taker, qty) && p.holds(maker, qty)
}

func (p *pass) holds(o *domain.Order, qty decimal.Decimal) bool {
	if o.Side == domain.OrderSideBuy {
		return o.ReservedCash.GreaterThanOrEqual(p.reservationFor(o, qty, decimal.Zero))
	}
	account, err := p.m.accounts.Get(o.UserAddress)
	if err != nil {
		return false
	}
	account.Mu.Lock()
	defer account.Mu.Unlock()
	pos, ok := account.Positions[o.Key()]
	return ok && pos.Reserved.GreaterThanOrEqual(qty) && pos.Amount.GreaterThanOrEqual(qty)
}

// reservationFor is the part of a buy's reservation a fill of qty frees.
// Limit buys reserved price + max fee per share; market buys reserved the
// exact spend.
func (p *pass) reservationFor(o *domain.Order, qty, spend decimal.Decimal) decimal.Decimal {
	var r decimal.Decimal
	if o.Type == domain.OrderTypeLimit {
		r = qty.Mul(o.Price.Add(p.m.fees.MaxFeePerShare()))
	} else {
		r = spend
	}
	return decimal.Min(r, o.ReservedCash)
}

func (p *pass) settleBuy(o *domain.Order, qty, price, fee decimal.Decimal, ref string, kind domain.ShareChangeType) {
	account, err := p.m.accounts.Get(o.UserAddress)
	if err != nil {
		return
	}
	cost := price.Mul(qty)
	spend := cost.Add(fee)

	account.Mu.Lock()
	account.Balance = account.Balance.Sub(spend)
	freed := p.reservationFor(o, qty, spend)
	account.Reserved = account.Reserved.Sub(freed)
	o.ReservedCash = o.ReservedCash.Sub(freed)
	account.Position(o.Key()).ApplyBuy(qty, price)
	account.Mu.Unlock()

	reason := domain.BalanceTrade
	if kind == domain.ShareChangeMint {
		reason = domain.BalanceMint
	}
	p.recordBalance(o.UserAddress, cost.Neg(), reason, ref)
	p.recordBalance(o.UserAddress, fee.Neg(), domain.BalanceFee, ref)
	p.recordShares(o, qty, price, kind, ref)
}

func (p *pass) settleSell(o *domain.Order, qty, price, fee decimal.Decimal, ref string, kind domain.ShareChangeType) {
	account, err := p.m.accounts.Get(o.UserAddress)
	if err != nil {
		return
	}
	proceeds := price.Mul(qty)

	account.Mu.Lock()
	account.Balance = account.Balance.Add(proceeds).Sub(fee)
	account.Position(o.Key()).ApplySell(qty)
	account.Mu.Unlock()

	reason := domain.BalanceTrade
	if kind == domain.ShareChangeMerge {
		reason = domain.BalanceMerge
	}
	p.recordBalance(o.UserAddress, proceeds, reason, ref)
	p.recordBalance(o.UserAddress, fee.Neg(), domain.BalanceFee, ref)
	p.recordShares(o, qty.Neg(), price, kind, ref)
}

func (p *pass) creditTreasury(amount decimal.Decimal, reason domain.BalanceReason, ref string) {
	if !amount.IsPositive() {
		return
	}
	t := p.m.treasury
	t.Mu.Lock()
	t.Balance = t.Balance.Add(amount)
	t.Mu.Unlock()
	p.recordBalance(t.Address, amount, reason, ref)
}

func (p *pass) recordBalance(user string, delta decimal.Decimal, reason domain.BalanceReason, ref string) {
	if delta.IsZero() {
		return
	}
	p.balance = append(p.balance, domain.BalanceChange{
		EntryID:     uuid.New().String(),
		UserAddress: user,
		Delta:       delta,
		Reason:      reason,
		Ref:         ref,
		CreatedAt:   p.at,
	})
}

func (p *pass) recordShares(o *domain.Order, delta, price decimal.Decimal, kind domain.ShareChangeType, ref string) {
	p.shares = append(p.shares, domain.ShareChange{
		EntryID:     uuid.New().String(),
		UserAddress: o.UserAddress,
		MarketID:    o.MarketID,
		OutcomeID:   o.OutcomeID,
		ShareType:   o.ShareType,
		Delta:       delta,
		Price:       price,
		ChangeType:  kind,
		Ref:         ref,
		CreatedAt:   p.at,
	})
}

func (p *pass) addTrade(id string, key domain.MarketKey, kind domain.MatchType, price, qty, fee decimal.Decimal, maker *domain.Order) {
	takerID := p.taker.OrderID
	side := p.taker.Side
	t := domain.TradeExecution{
		TradeID:      id,
		MarketID:     key.MarketID,
		OutcomeID:    key.OutcomeID,
		ShareType:    key.ShareType,
		MatchType:    kind,
		Price:        price,
		Amount:       qty,
		Side:         side,
		Fee:          fee,
		Timestamp:    p.at,
		MakerOrderID: maker.OrderID,
		TakerOrderID: &takerID,
		MakerAddress: maker.UserAddress,
		TakerAddress: p.taker.UserAddress,
	}
	p.m.trades.Append(&t)
	p.trades = append(p.trades, t)
	if !p.seen[maker.OrderID] {
		p.seen[maker.OrderID] = true
		p.makers = append(p.makers, maker)
	}
}

func (p *pass) touch(key domain.MarketKey) {
	for _, k := range p.touched {
		if k == key {
			return
		}
	}
	p.touched = append(p.touched, key)
}

func (p *pass) result() *MatchResult {
	r := &MatchResult{
		Order:          p.taker.Snapshot(),
		Trades:         p.trades,
		Touched:        p.touched,
		BalanceChanges: p.balance,
		ShareChanges:   p.shares,
	}
	for _, mk := range p.makers {
		r.Makers = append(r.Makers, mk.Snapshot())
	}
	return r
}
