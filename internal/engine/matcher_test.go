package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

const testTreasury = "0xtreasury"

var (
	yesKey = domain.MarketKey{MarketID: "m1", OutcomeID: "o1", ShareType: domain.ShareYes}
	noKey  = yesKey.Complement()
)

type testEngine struct {
	m        *Matcher
	accounts *store.AccountStore
	orders   *store.OrderStore
	trades   *store.TradeStore
	markets  *store.MarketStore
}

// fataler is satisfied by *testing.T and *rapid.T.
type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// newTestMatcher creates a Matcher with fresh stores, one active market
// "m1" with outcomes o1/o2 and a fee base rate of 0.02.
func newTestMatcher(t fataler) *testEngine {
	t.Helper()
	return newTestMatcherWithRate(t, "0.02")
}

func newTestMatcherWithRate(t fataler, rate string) *testEngine {
	t.Helper()
	markets := store.NewMarketStore()
	err := markets.Create(&domain.Market{
		MarketID: "m1",
		Question: "Will it happen?",
		Status:   domain.MarketStatusActive,
		Outcomes: []domain.Outcome{
			{OutcomeID: "o1", Name: "Yes", Probability: domain.Half},
			{OutcomeID: "o2", Name: "No", Probability: domain.Half},
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	fees, err := NewFeeSchedule(dec(rate))
	if err != nil {
		t.Fatalf("fee schedule: %v", err)
	}
	e := &testEngine{
		accounts: store.NewAccountStore(),
		orders:   store.NewOrderStore(),
		trades:   store.NewTradeStore(),
		markets:  markets,
	}
	e.m = NewMatcher(NewBookManager(), e.accounts, e.orders, e.trades, markets, fees, testTreasury)
	return e
}

// registerAccount creates an account with a USDC balance and optional
// share positions given as key → amount.
func (e *testEngine) registerAccount(addr, balance string, shares map[domain.MarketKey]string) *domain.Account {
	a := domain.NewAccount(addr, dec(balance), time.Now())
	for k, amt := range shares {
		p := a.Position(k)
		p.Amount = dec(amt)
		p.AvgCost = domain.Half
	}
	_ = e.accounts.Create(a)
	return a
}

func limitOrder(user string, key domain.MarketKey, side domain.OrderSide, price, amount string) *domain.Order {
	return &domain.Order{
		MarketID:    key.MarketID,
		OutcomeID:   key.OutcomeID,
		ShareType:   key.ShareType,
		Side:        side,
		Type:        domain.OrderTypeLimit,
		Price:       dec(price),
		Amount:      dec(amount),
		UserAddress: user,
	}
}

func marketOrder(user string, key domain.MarketKey, side domain.OrderSide, amount string) *domain.Order {
	o := limitOrder(user, key, side, "0", amount)
	o.Type = domain.OrderTypeMarket
	o.Price = decimal.Zero
	return o
}

func (e *testEngine) place(t *testing.T, o *domain.Order) *MatchResult {
	t.Helper()
	res, err := e.m.PlaceOrder(o)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return res
}

func assertDec(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

func TestPlaceOrder_LimitBuyNoMatch_RestsAndReserves(t *testing.T) {
	e := newTestMatcher(t)
	buyer := e.registerAccount("buyer", "100", nil)

	res := e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.40", "10"))

	if len(res.Trades) != 0 {
		t.Fatalf("expected no trades, got %d", len(res.Trades))
	}
	if res.Order.Status != domain.OrderStatusOpen || res.Order.OrderID == "" {
		t.Fatalf("order = %+v", res.Order)
	}
	// 10 × (0.40 + 0.02 × 0.5)
	assertDec(t, "reserved", buyer.Reserved, "4.1")
	assertDec(t, "balance", buyer.Balance, "100")

	book, _ := e.m.books.Get(yesKey)
	if book.BidCount() != 1 {
		t.Fatalf("BidCount() = %d, want 1", book.BidCount())
	}
}

func TestPlaceOrder_NormalMatch_MakerPriceAndTakerFee(t *testing.T) {
	e := newTestMatcher(t)
	seller := e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "100"})
	buyer := e.registerAccount("buyer", "1000", nil)

	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.60", "100"))
	res := e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.65", "60"))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.MatchType != domain.MatchNormal || tr.Side != domain.OrderSideBuy {
		t.Fatalf("trade = %+v", tr)
	}
	assertDec(t, "trade price", tr.Price, "0.60")
	assertDec(t, "trade amount", tr.Amount, "60")
	// 0.02 × min(0.6, 0.4) × 60
	assertDec(t, "fee", tr.Fee, "0.48")
	if tr.TakerOrderID == nil || *tr.TakerOrderID != res.Order.OrderID {
		t.Fatal("taker order id not set")
	}

	assertDec(t, "buyer balance", buyer.Balance, "963.52")
	assertDec(t, "buyer reserved", buyer.Reserved, "0")
	assertDec(t, "buyer shares", buyer.Position(yesKey).Amount, "60")
	assertDec(t, "buyer avg cost", buyer.Position(yesKey).AvgCost, "0.6")
	assertDec(t, "seller balance", seller.Balance, "36")
	assertDec(t, "seller shares", seller.Position(yesKey).Amount, "40")
	assertDec(t, "seller reserved shares", seller.Position(yesKey).Reserved, "40")

	treasury, _ := e.accounts.Get(testTreasury)
	assertDec(t, "treasury", treasury.Balance, "0.48")

	if len(res.Makers) != 1 || res.Makers[0].Status != domain.OrderStatusPartiallyFilled {
		t.Fatalf("makers = %+v", res.Makers)
	}
	if res.Order.Status != domain.OrderStatusFilled {
		t.Fatalf("taker status = %s", res.Order.Status)
	}
}

func TestPlaceOrder_LimitSellCrossesBids(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("buyer", "100", nil)
	seller := e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})

	e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "10"))
	res := e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.45", "10"))

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	assertDec(t, "price", res.Trades[0].Price, "0.50")
	// 5 - 0.02 × 0.5 × 10
	assertDec(t, "seller balance", seller.Balance, "4.9")
}

func TestPlaceOrder_PriceTimePriority_PartialFillKeepsSlot(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("s1", "0", map[domain.MarketKey]string{yesKey: "10"})
	e.registerAccount("s2", "0", map[domain.MarketKey]string{yesKey: "10"})
	e.registerAccount("buyer", "100", nil)

	first := e.place(t, limitOrder("s1", yesKey, domain.OrderSideSell, "0.50", "10"))
	second := e.place(t, limitOrder("s2", yesKey, domain.OrderSideSell, "0.50", "10"))

	res := e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "4"))
	if res.Trades[0].MakerOrderID != first.Order.OrderID {
		t.Fatal("earlier order must fill first")
	}

	res = e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "10"))
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].MakerOrderID != first.Order.OrderID || res.Trades[1].MakerOrderID != second.Order.OrderID {
		t.Fatal("partially filled order lost its priority")
	}
	assertDec(t, "first leg", res.Trades[0].Amount, "6")
	assertDec(t, "second leg", res.Trades[1].Amount, "4")
}

func TestPlaceOrder_LimitPriceNotCrossing(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})
	e.registerAccount("buyer", "100", nil)

	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.60", "10"))
	res := e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.59", "10"))

	if len(res.Trades) != 0 || res.Order.Status != domain.OrderStatusOpen {
		t.Fatalf("non-crossing order traded: %+v", res.Order)
	}
}

func TestPlaceOrder_MarketBuy_IOC(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})
	buyer := e.registerAccount("buyer", "100", nil)

	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.50", "10"))
	res := e.place(t, marketOrder("buyer", yesKey, domain.OrderSideBuy, "15"))

	if res.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Order.Status)
	}
	assertDec(t, "filled", res.Order.FilledAmount, "10")
	// 5 + 0.02 × 0.5 × 10
	assertDec(t, "buyer balance", buyer.Balance, "94.9")
	assertDec(t, "buyer reserved", buyer.Reserved, "0")

	book, _ := e.m.books.Get(yesKey)
	if book.BidCount() != 0 {
		t.Fatal("market order rested on the book")
	}
}

func TestPlaceOrder_MarketSell_ReleasesUnfilledShares(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("buyer", "100", nil)
	seller := e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "20"})

	e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "5"))
	res := e.place(t, marketOrder("seller", yesKey, domain.OrderSideSell, "20"))

	assertDec(t, "filled", res.Order.FilledAmount, "5")
	assertDec(t, "seller shares", seller.Position(yesKey).Amount, "15")
	assertDec(t, "seller reserved", seller.Position(yesKey).Reserved, "0")
}

func TestPlaceOrder_MarketOrderSkipsMint(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("nobuyer", "100", nil)
	e.registerAccount("buyer", "100", nil)

	e.place(t, limitOrder("nobuyer", noKey, domain.OrderSideBuy, "0.90", "10"))
	res := e.place(t, marketOrder("buyer", yesKey, domain.OrderSideBuy, "10"))
	if len(res.Trades) != 0 {
		t.Fatalf("market order minted: %v", tradeTypes(res.Trades))
	}
	if res.Order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Order.Status)
	}
}

func TestPlaceOrder_MarketOrderEmptySideCancelled(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.OrderSide
		setup func(e *testEngine)
	}{
		{"buy without asks", domain.OrderSideBuy, func(e *testEngine) {
			e.registerAccount("trader", "100", nil)
		}},
		{"sell without bids", domain.OrderSideSell, func(e *testEngine) {
			e.registerAccount("trader", "100", map[domain.MarketKey]string{yesKey: "10"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestMatcher(t)
			tt.setup(e)

			res := e.place(t, marketOrder("trader", yesKey, tt.side, "5"))
			if res.Order.Status != domain.OrderStatusCancelled || len(res.Trades) != 0 {
				t.Fatalf("status = %s, trades = %d", res.Order.Status, len(res.Trades))
			}
			assertDec(t, "filled", res.Order.FilledAmount, "0")

			a, _ := e.accounts.Get("trader")
			assertDec(t, "balance", a.Balance, "100")
			assertDec(t, "reserved", a.Reserved, "0")
			if pos, ok := a.Positions[yesKey]; ok {
				assertDec(t, "reserved shares", pos.Reserved, "0")
			}
			if book, ok := e.m.books.Get(yesKey); ok {
				if _, ok := book.Get(res.Order.OrderID); ok {
					t.Fatal("cancelled market order rests in the book")
				}
			}
		})
	}
}

func TestPlaceOrder_Rejections(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("poor", "1", nil)
	e.registerAccount("noshares", "100", nil)

	tests := []struct {
		name  string
		order *domain.Order
		want  error
	}{
		{"insufficient balance", limitOrder("poor", yesKey, domain.OrderSideBuy, "0.50", "10"), domain.ErrInsufficientBalance},
		{"insufficient shares", limitOrder("noshares", yesKey, domain.OrderSideSell, "0.50", "10"), domain.ErrInsufficientShares},
		{"unknown account", limitOrder("ghost", yesKey, domain.OrderSideBuy, "0.50", "1"), domain.ErrAccountNotFound},
		{"price above range", limitOrder("noshares", yesKey, domain.OrderSideBuy, "0.995", "1"), domain.ErrInvalidPrice},
		{"price at one", limitOrder("noshares", yesKey, domain.OrderSideBuy, "1", "1"), domain.ErrInvalidPrice},
		{"zero amount", limitOrder("noshares", yesKey, domain.OrderSideBuy, "0.5", "0"), domain.ErrInvalidAmount},
		{"unknown market", limitOrder("noshares", domain.MarketKey{MarketID: "zz", OutcomeID: "o1", ShareType: domain.ShareYes}, domain.OrderSideBuy, "0.5", "1"), domain.ErrMarketNotFound},
		{"unknown outcome", limitOrder("noshares", domain.MarketKey{MarketID: "m1", OutcomeID: "o9", ShareType: domain.ShareYes}, domain.OrderSideBuy, "0.5", "1"), domain.ErrOutcomeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.m.PlaceOrder(tt.order)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}

	var ve *domain.ValidationError
	bad := limitOrder("noshares", yesKey, "hold", "0.5", "1")
	if _, err := e.m.PlaceOrder(bad); !errors.As(err, &ve) {
		t.Fatalf("invalid side error = %v, want ValidationError", err)
	}
	priced := marketOrder("noshares", yesKey, domain.OrderSideBuy, "1")
	priced.Price = dec("0.5")
	if _, err := e.m.PlaceOrder(priced); !errors.As(err, &ve) {
		t.Fatalf("priced market order error = %v, want ValidationError", err)
	}
}

func TestPlaceOrder_MarketNotActive(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("buyer", "100", nil)
	if _, err := e.markets.Transition("m1", domain.MarketStatusPaused, "", time.Now()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := e.m.PlaceOrder(limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.5", "1"))
	if err != domain.ErrMarketNotActive {
		t.Fatalf("expected ErrMarketNotActive, got %v", err)
	}
}

func TestCancelOrder_ReleasesReservation(t *testing.T) {
	e := newTestMatcher(t)
	buyer := e.registerAccount("buyer", "100", nil)
	res := e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.40", "10"))

	order, cancelled, err := e.m.CancelOrder(res.Order.OrderID)
	if err != nil || !cancelled {
		t.Fatalf("CancelOrder = %v, %v", cancelled, err)
	}
	if order.Status != domain.OrderStatusCancelled || order.CancelledAt == nil {
		t.Fatalf("order = %+v", order)
	}
	assertDec(t, "reserved", buyer.Reserved, "0")
}

func TestCancelOrder_PartiallyFilledSell_ReleasesRemainingShares(t *testing.T) {
	e := newTestMatcher(t)
	seller := e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})
	e.registerAccount("buyer", "100", nil)

	res := e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.50", "10"))
	e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "3"))

	if _, cancelled, _ := e.m.CancelOrder(res.Order.OrderID); !cancelled {
		t.Fatal("expected cancel to succeed")
	}
	assertDec(t, "shares", seller.Position(yesKey).Amount, "7")
	assertDec(t, "reserved shares", seller.Position(yesKey).Reserved, "0")
}

func TestCancelOrder_AlreadyFilledIsBenign(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})
	e.registerAccount("buyer", "100", nil)

	res := e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.50", "10"))
	e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.50", "10"))

	order, cancelled, err := e.m.CancelOrder(res.Order.OrderID)
	if err != nil {
		t.Fatalf("cancel of filled order returned error %v", err)
	}
	if cancelled || order.Status != domain.OrderStatusFilled {
		t.Fatalf("cancelled=%v status=%s", cancelled, order.Status)
	}

	if _, _, err := e.m.CancelOrder("missing"); err != domain.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelMarketOrders(t *testing.T) {
	e := newTestMatcher(t)
	buyer := e.registerAccount("buyer", "100", nil)
	seller := e.registerAccount("seller", "0", map[domain.MarketKey]string{noKey: "5"})

	e.place(t, limitOrder("buyer", yesKey, domain.OrderSideBuy, "0.30", "10"))
	e.place(t, limitOrder("seller", noKey, domain.OrderSideSell, "0.90", "5"))

	cancelled := e.m.CancelMarketOrders("m1")
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d orders, want 2", len(cancelled))
	}
	assertDec(t, "buyer reserved", buyer.Reserved, "0")
	assertDec(t, "seller reserved", seller.Position(noKey).Reserved, "0")
}

func TestSimulateMarketOrder(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "30"})
	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.40", "10"))
	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.50", "10"))

	q := e.m.SimulateMarketOrder(yesKey, domain.OrderSideBuy, dec("15"))
	if !q.FullyFillable || len(q.PriceLevels) != 2 {
		t.Fatalf("quote = %+v", q)
	}
	// 10 × 0.40 + 5 × 0.50 = 6.5
	assertDec(t, "total", *q.EstimatedTotal, "6.5")
	assertDec(t, "avg", *q.EstimatedAvgPrice, "0.43333333")

	q = e.m.SimulateMarketOrder(yesKey, domain.OrderSideSell, dec("1"))
	if q.FullyFillable || q.EstimatedAvgPrice != nil {
		t.Fatalf("quote against empty side = %+v", q)
	}
}

func TestRestore_ReestablishesReservations(t *testing.T) {
	e := newTestMatcher(t)
	buyer := e.registerAccount("buyer", "100", nil)
	persisted := domain.Order{
		OrderID:      "persisted-1",
		MarketID:     "m1",
		OutcomeID:    "o1",
		ShareType:    domain.ShareYes,
		Side:         domain.OrderSideBuy,
		Type:         domain.OrderTypeLimit,
		Price:        dec("0.40"),
		Amount:       dec("10"),
		FilledAmount: dec("4"),
		Status:       domain.OrderStatusPartiallyFilled,
		UserAddress:  "buyer",
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	ghost := persisted
	ghost.OrderID = "persisted-2"
	ghost.UserAddress = "ghost"

	skipped := e.m.Restore([]domain.Order{persisted, ghost})
	if len(skipped) != 1 || skipped[0].OrderID != "persisted-2" {
		t.Fatalf("skipped = %+v", skipped)
	}
	// 6 × (0.40 + 0.01)
	assertDec(t, "reserved", buyer.Reserved, "2.46")
	if p, ok := e.m.books.GetOrCreate(yesKey).BestBid(); !ok || !p.Equal(dec("0.40")) {
		t.Fatalf("restored order not on book")
	}
}

func TestPlaceOrder_ConcurrentYesNoPlacements(t *testing.T) {
	e := newTestMatcher(t)
	for _, u := range propertyUsers {
		e.registerAccount(u, "500", map[domain.MarketKey]string{yesKey: "100", noKey: "100"})
	}
	start, _, _ := systemValue(e)

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			var placed []string
			for i := 0; i < perWorker; i++ {
				user := propertyUsers[rng.Intn(len(propertyUsers))]
				key := yesKey
				if rng.Intn(2) == 0 {
					key = noKey
				}
				side := domain.OrderSideBuy
				if rng.Intn(2) == 0 {
					side = domain.OrderSideSell
				}
				amount := fmt.Sprint(1 + rng.Intn(5))
				var o *domain.Order
				if rng.Intn(6) == 0 {
					o = marketOrder(user, key, side, amount)
				} else {
					o = limitOrder(user, key, side, decimal.New(int64(30+rng.Intn(41)), -2).String(), amount)
				}
				res, err := e.m.PlaceOrder(o)
				if err != nil {
					if !expectedRejection(err) {
						errs <- err
						return
					}
					continue
				}
				if res.Order.Status.IsResting() {
					placed = append(placed, res.Order.OrderID)
				}
				if len(placed) > 0 && rng.Intn(5) == 0 {
					_, _, _ = e.m.CancelOrder(placed[0])
					placed = placed[1:]
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("PlaceOrder: %v", err)
	}

	total, yes, no := systemValue(e)
	if !total.Equal(start) {
		t.Errorf("system value %s, want %s", total, start)
	}
	if !yes.Equal(no) {
		t.Errorf("yes supply %s != no supply %s", yes, no)
	}
	for _, u := range propertyUsers {
		a, _ := e.accounts.Get(u)
		if a.Reserved.IsNegative() || a.Balance.LessThan(a.Reserved) {
			t.Errorf("%s: balance %s reserved %s", u, a.Balance, a.Reserved)
		}
		for k, p := range a.Positions {
			if p.Reserved.IsNegative() || p.Amount.LessThan(p.Reserved) {
				t.Errorf("%s %s: shares %s reserved %s", u, k, p.Amount, p.Reserved)
			}
		}
	}

	for _, key := range []domain.MarketKey{yesKey, noKey} {
		book, ok := e.m.books.Get(key)
		if !ok {
			continue
		}
		book.RLock()
		bid, hasBid := book.BestBid()
		ask, hasAsk := book.BestAsk()
		if hasBid && hasAsk && !bid.LessThan(ask) {
			t.Errorf("%s book crossed: bid %s ask %s", key, bid, ask)
		}
		check := func(entry OrderBookEntry) bool {
			o := entry.Order
			if !o.Status.IsResting() || !o.Remaining().IsPositive() {
				t.Errorf("%s: order %s rests with status %s remaining %s", key, o.OrderID, o.Status, o.Remaining())
			}
			return true
		}
		book.WalkBids(check)
		book.WalkAsks(check)
		book.RUnlock()
	}

	e.m.CancelMarketOrders("m1")
	for _, u := range propertyUsers {
		a, _ := e.accounts.Get(u)
		if !a.Reserved.IsZero() {
			t.Errorf("%s keeps %s reserved after cancelling all orders", u, a.Reserved)
		}
		for k, p := range a.Positions {
			if !p.Reserved.IsZero() {
				t.Errorf("%s keeps %s %s shares reserved", u, p.Reserved, k)
			}
		}
	}
}
