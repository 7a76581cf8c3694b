package service

import (
	"context"
	"errors"
	"testing"

	"github.com/efreitasn/predex/internal/domain"
)

func TestWarmStart_RebuildsFromJournal(t *testing.T) {
	ctx := context.Background()
	first := newTestEnv(t)
	first.register(t, "0xalice", "100")
	first.register(t, "0xbob", "100")
	first.register(t, "0xcarol", "100")
	first.mint(t, "0xalice", "0xbob", "0.60", "10")
	resting := first.limit(t, "0xalice", yesKey, domain.OrderSideSell, "0.70", "4")

	if _, err := first.marketSvc.CreateMarket(ctx, CreateMarketRequest{MarketID: "m2", Question: "Second?"}); err != nil {
		t.Fatal(err)
	}
	m2, _ := first.markets.Get("m2")
	m2Yes := domain.MarketKey{MarketID: "m2", OutcomeID: m2.Outcomes[0].OutcomeID, ShareType: domain.ShareYes}
	first.limit(t, "0xbob", m2Yes.Complement(), domain.OrderSideBuy, "0.5", "2")
	first.limit(t, "0xcarol", m2Yes, domain.OrderSideBuy, "0.5", "2")
	if _, err := first.marketSvc.Resolve(ctx, "m2", m2Yes.OutcomeID); err != nil {
		t.Fatal(err)
	}
	if _, err := first.settlementSvc.SettleUserShares(ctx, "m2", "0xcarol"); err != nil {
		t.Fatal(err)
	}

	second := newBareEnv(t, first.outbox.journal)
	stats, err := WarmStart(ctx, first.outbox.journal, second.markets, second.accounts, second.settlements, second.matcher, second.expiry)
	if err != nil {
		t.Fatalf("WarmStart: %v", err)
	}
	if stats.Markets != 2 || stats.Settlements != 1 || stats.RestingOrders != 1 || stats.SkippedOrders != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	for _, addr := range []string{"0xalice", "0xbob", "0xcarol"} {
		assertDec(t, addr+" balance", second.account(t, addr).Balance, first.account(t, addr).Balance.String())
	}
	alice := second.account(t, "0xalice").Position(yesKey)
	assertDec(t, "alice shares", alice.Amount, "10")
	assertDec(t, "alice avg cost", alice.AvgCost, "0.6")
	assertDec(t, "alice reserved", alice.Reserved, "4")

	got, err := second.orderSvc.GetOrder(resting.Order.OrderID, "0xalice")
	if err != nil || got.Status != domain.OrderStatusOpen {
		t.Fatalf("restored order = %+v, %v", got, err)
	}
	book, err := second.marketSvc.GetBook("m1", "o1", domain.ShareYes, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Asks) != 1 || !book.Asks[0].Price.Equal(dec("0.70")) {
		t.Fatalf("asks = %+v", book.Asks)
	}

	m, _ := second.markets.Get("m2")
	if m.Status != domain.MarketStatusResolved {
		t.Fatalf("m2 status = %s", m.Status)
	}
	if _, err := second.settlementSvc.SettleUserShares(ctx, "m2", "0xcarol"); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("repeat settle after restart: got %v", err)
	}
	if _, err := second.settlementSvc.SettleUserShares(ctx, "m2", "0xbob"); err != nil {
		t.Fatalf("bob settles after restart: %v", err)
	}
}

func TestWarmStart_SkipsOrdersOfUnknownAccounts(t *testing.T) {
	ctx := context.Background()
	first := newTestEnv(t)
	first.register(t, "0xalice", "100")
	first.limit(t, "0xalice", yesKey, domain.OrderSideBuy, "0.40", "5")

	journal := first.outbox.journal
	second := newBareEnv(t, journal)
	// Only the market survives; the account row is missing.
	markets, _ := journal.LoadMarkets(ctx)
	for i := range markets {
		second.markets.Restore(&markets[i])
	}
	orders, _ := journal.LoadRestingOrders(ctx, yesKey)
	if skipped := second.matcher.Restore(orders); len(skipped) != 1 {
		t.Fatalf("skipped %d orders, want 1", len(skipped))
	}
}
