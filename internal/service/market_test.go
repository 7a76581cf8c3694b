package service

import (
	"context"
	"errors"
	"testing"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/oracle"
)

func TestCreateMarket_Defaults(t *testing.T) {
	env := newTestEnv(t)

	m, err := env.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{
		Question: "  Rain tomorrow?  ",
		Category: "weather",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.MarketID == "" || m.Question != "Rain tomorrow?" {
		t.Fatalf("market = %+v", m)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0].Name != "Yes" || m.Outcomes[1].Name != "No" {
		t.Fatalf("outcomes = %+v", m.Outcomes)
	}
	for _, o := range m.Outcomes {
		if o.OutcomeID == "" {
			t.Error("outcome id not generated")
		}
		assertDec(t, "initial probability", o.Probability, "0.5")
	}
	if m.Status != domain.MarketStatusActive {
		t.Errorf("status = %s", m.Status)
	}
	if env.outbox.channels()["market:"+m.MarketID] != 1 {
		t.Error("market creation not announced")
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateMarketRequest
	}{
		{"missing question", CreateMarketRequest{Question: " "}},
		{"bad id", CreateMarketRequest{MarketID: "has space", Question: "q"}},
		{"one outcome", CreateMarketRequest{Question: "q", Outcomes: []OutcomeInput{{Name: "Only"}}}},
		{"duplicate names", CreateMarketRequest{Question: "q", Outcomes: []OutcomeInput{{Name: "Yes"}, {Name: "yes"}}}},
		{"empty name", CreateMarketRequest{Question: "q", Outcomes: []OutcomeInput{{Name: "Yes"}, {Name: ""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.marketSvc.CreateMarket(context.Background(), tt.req)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateMarket_ClipsInitialProbability(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{
		Question: "q",
		Outcomes: []OutcomeInput{{Name: "Yes", Probability: decPtr("1.5")}, {Name: "No", Probability: decPtr("-1")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDec(t, "yes probability", m.Outcomes[0].Probability, "0.99")
	assertDec(t, "no probability", m.Outcomes[1].Probability, "0.01")
}

func TestCreateMarket_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{MarketID: "m1", Question: "again"})
	if !errors.Is(err, domain.ErrMarketAlreadyExists) {
		t.Fatalf("expected ErrMarketAlreadyExists, got %v", err)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.marketSvc.CreateMarket(context.Background(), CreateMarketRequest{MarketID: "m2", Question: "q"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.marketSvc.Close(context.Background(), "m2"); err != nil {
		t.Fatal(err)
	}

	active := domain.MarketStatusActive
	got, err := env.marketSvc.ListMarkets(&active)
	if err != nil || len(got) != 1 || got[0].MarketID != "m1" {
		t.Fatalf("active markets = %v, %v", got, err)
	}
	all, _ := env.marketSvc.ListMarkets(nil)
	if len(all) != 2 {
		t.Fatalf("got %d markets, want 2", len(all))
	}
	bad := domain.MarketStatus("closed")
	if _, err := env.marketSvc.ListMarkets(&bad); err == nil {
		t.Fatal("expected validation error for unknown status")
	}
}

func TestGetBook_SpreadAndDepth(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xalice", "100")
	env.register(t, "0xbob", "100")
	env.mint(t, "0xalice", "0xbob", "0.50", "10")
	env.limit(t, "0xalice", yesKey, domain.OrderSideSell, "0.58", "5")
	env.limit(t, "0xbob", yesKey, domain.OrderSideBuy, "0.52", "3")
	env.limit(t, "0xbob", yesKey, domain.OrderSideBuy, "0.51", "3")

	book, err := env.marketSvc.GetBook("m1", "o1", domain.ShareYes, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("book = %+v", book)
	}
	assertDec(t, "best bid", book.Bids[0].Price, "0.52")
	if book.Spread == nil {
		t.Fatal("expected spread")
	}
	assertDec(t, "spread", *book.Spread, "0.06")

	empty, _ := env.marketSvc.GetBook("m1", "o2", domain.ShareYes, 10)
	if empty.Spread != nil {
		t.Error("empty book must have nil spread")
	}

	tests := []struct {
		name    string
		outcome string
		share   domain.ShareType
		depth   int
		want    error
	}{
		{"depth zero", "o1", domain.ShareYes, 0, nil},
		{"depth too large", "o1", domain.ShareYes, 51, nil},
		{"bad share type", "o1", "maybe", 10, nil},
		{"unknown outcome", "o9", domain.ShareYes, 10, domain.ErrOutcomeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.marketSvc.GetBook("m1", tt.outcome, tt.share, tt.depth)
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("got %v, want %v", err, tt.want)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xalice", "100")
	env.register(t, "0xbob", "100")
	env.mint(t, "0xalice", "0xbob", "0.50", "10")
	env.limit(t, "0xalice", yesKey, domain.OrderSideSell, "0.60", "4")

	q, err := env.marketSvc.GetQuote("m1", "o1", domain.ShareYes, domain.OrderSideBuy, dec("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.FullyFillable {
		t.Error("quote must not be fully fillable")
	}
	assertDec(t, "available", q.AmountAvailable, "4")
	if q.EstimatedTotal == nil {
		t.Fatal("expected an estimated total")
	}
	assertDec(t, "total", *q.EstimatedTotal, "2.4")

	if _, err := env.marketSvc.GetQuote("m1", "o1", domain.ShareYes, "hold", dec("1")); err == nil {
		t.Error("expected validation error for side")
	}
	if _, err := env.marketSvc.GetQuote("m1", "o1", domain.ShareYes, domain.OrderSideBuy, dec("0")); err == nil {
		t.Error("expected validation error for amount")
	}
}

func TestGetTrades(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xalice", "100")
	env.register(t, "0xbob", "100")
	env.mint(t, "0xalice", "0xbob", "0.50", "10")

	trades, err := env.marketSvc.GetTrades("m1", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2 mint legs", len(trades))
	}
	if _, err := env.marketSvc.GetTrades("nope", 50); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("unknown market: got %v", err)
	}
	if _, err := env.marketSvc.GetTrades("m1", 0); err == nil {
		t.Fatal("expected validation error for limit")
	}
}

func TestResolve_CancelsRestingOrders(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "0xalice", "100")
	placed := env.limit(t, "0xalice", yesKey, domain.OrderSideBuy, "0.40", "10")

	resp, err := env.marketSvc.Resolve(context.Background(), "m1", "o1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Market.Status != domain.MarketStatusResolved || resp.Market.WinningOutcomeID != "o1" {
		t.Fatalf("market = %+v", resp.Market)
	}
	if resp.CancelledOrders != 1 {
		t.Errorf("cancelled %d orders, want 1", resp.CancelledOrders)
	}
	assertDec(t, "reserved", env.account(t, "0xalice").Reserved, "0")

	persisted, _ := env.outbox.journal.Order(placed.Order.OrderID)
	if persisted.Status != domain.OrderStatusCancelled {
		t.Errorf("persisted status = %s", persisted.Status)
	}
	last := env.outbox.last()
	if len(last.Invalidate) != 1 || last.Invalidate[0] != "m1" {
		t.Errorf("invalidate = %v", last.Invalidate)
	}

	_, err = env.orderSvc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserAddress: "0xalice", MarketID: "m1", OutcomeID: "o1", ShareType: domain.ShareYes,
		Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: decPtr("0.5"), Amount: dec("1"),
	})
	if !errors.Is(err, domain.ErrMarketNotActive) {
		t.Fatalf("order on resolved market: got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if _, err := env.marketSvc.Reopen(ctx, "m1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reopen active: got %v", err)
	}
	if _, err := env.marketSvc.Close(ctx, "m1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.marketSvc.Reopen(ctx, "m1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := env.marketSvc.Resolve(ctx, "m1", "o9"); !errors.Is(err, domain.ErrOutcomeNotFound) {
		t.Fatalf("resolve unknown outcome: got %v", err)
	}
	if _, err := env.marketSvc.Resolve(ctx, "m1", ""); !errors.Is(err, domain.ErrNoWinningOutcome) {
		t.Fatalf("resolve without winner: got %v", err)
	}
	if _, err := env.marketSvc.Cancel(ctx, "m1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.marketSvc.Reopen(ctx, "m1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reopen cancelled: got %v", err)
	}
	if _, err := env.marketSvc.Close(ctx, "nope"); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("unknown market: got %v", err)
	}
}

func TestProbabilityAdmin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	m, err := env.marketSvc.SetProbability(ctx, "m1", "o1", dec("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o, _ := m.Outcome("o1")
	assertDec(t, "clipped", o.Probability, "0.99")

	if _, err := env.marketSvc.SetProbability(ctx, "m1", "o1", dec("-0.1")); err == nil {
		t.Fatal("expected validation error")
	}

	m, err = env.marketSvc.RefreshProbability(ctx, "m1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	o, _ = m.Outcome("o1")
	assertDec(t, "empty book falls back to 0.5", o.Probability, "0.5")

	src := oracle.NewStaticSource("static")
	src.Set("m1", "o2", dec("0.3"))
	env.oracle.Register(src)
	m, err = env.marketSvc.ExternalProbability(ctx, "m1", "o2", "static")
	if err != nil {
		t.Fatalf("external: %v", err)
	}
	o, _ = m.Outcome("o2")
	assertDec(t, "external", o.Probability, "0.3")

	if _, err := env.marketSvc.ExternalProbability(ctx, "m1", "o2", "chainlink"); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("stub source: got %v", err)
	}
}
