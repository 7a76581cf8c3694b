// Package storetest holds the behaviour every domain.Persistence driver
// must share. Driver packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

var (
	base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key  = domain.MarketKey{MarketID: "m1", OutcomeID: "o1", ShareType: domain.ShareYes}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(id string, at time.Time) domain.Order {
	return domain.Order{
		OrderID:      id,
		MarketID:     key.MarketID,
		OutcomeID:    key.OutcomeID,
		ShareType:    key.ShareType,
		Side:         domain.OrderSideBuy,
		Type:         domain.OrderTypeLimit,
		Price:        dec("0.55"),
		Amount:       dec("10"),
		FilledAmount: decimal.Zero,
		Status:       domain.OrderStatusOpen,
		UserAddress:  "0xabc",
		CreatedAt:    at,
		UpdatedAt:    at,
		ReservedCash: dec("5.6"),
	}
}

// Run exercises open() against the shared persistence contract. open must
// return an empty store.
func Run(t *testing.T, open func(t *testing.T) domain.Persistence) {
	t.Run("LoadRestingOrders", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()

		first := order("o0", base)
		second := order("o1", base.Add(time.Second))
		filled := order("o2", base)
		filled.Status = domain.OrderStatusFilled
		market := order("o3", base)
		market.Type = domain.OrderTypeMarket
		market.Price = decimal.Zero
		other := order("o4", base)
		other.ShareType = domain.ShareNo

		for _, o := range []domain.Order{second, first, filled, market, other} {
			if err := p.SaveOrder(ctx, o); err != nil {
				t.Fatalf("SaveOrder %s: %v", o.OrderID, err)
			}
		}
		got, err := p.LoadRestingOrders(ctx, key)
		if err != nil {
			t.Fatalf("LoadRestingOrders: %v", err)
		}
		if len(got) != 2 || got[0].OrderID != "o0" || got[1].OrderID != "o1" {
			t.Fatalf("LoadRestingOrders = %+v", got)
		}
		if !got[0].Price.Equal(dec("0.55")) || !got[0].ReservedCash.Equal(dec("5.6")) {
			t.Fatalf("decimals not preserved: %+v", got[0])
		}
		if !got[0].CreatedAt.Equal(base) {
			t.Fatalf("CreatedAt = %s, want %s", got[0].CreatedAt, base)
		}
	})

	t.Run("UpdateOrderFillNeverRegresses", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		o := order("o1", base)
		if err := p.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}

		_ = p.UpdateOrderFill(ctx, "o1", dec("6"), domain.OrderStatusPartiallyFilled)
		_ = p.UpdateOrderFill(ctx, "o1", dec("4"), domain.OrderStatusPartiallyFilled)
		// A replayed save carrying the original zero fill.
		_ = p.SaveOrder(ctx, o)

		got, _ := p.LoadRestingOrders(ctx, key)
		if len(got) != 1 || !got[0].FilledAmount.Equal(dec("6")) || got[0].Status != domain.OrderStatusPartiallyFilled {
			t.Fatalf("after updates = %+v", got)
		}

		if err := p.UpdateOrderFill(ctx, "o1", dec("6"), domain.OrderStatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got, _ := p.LoadRestingOrders(ctx, key); len(got) != 0 {
			t.Fatalf("cancelled order still resting: %+v", got)
		}

		err := p.UpdateOrderFill(ctx, "missing", decimal.Zero, domain.OrderStatusFilled)
		if !errors.Is(err, domain.ErrOrderNotFound) {
			t.Fatalf("missing order: got %v", err)
		}
	})

	t.Run("SaveTradeIdempotent", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		taker := "o2"
		tr := domain.TradeExecution{
			TradeID: "t1", MarketID: key.MarketID, OutcomeID: key.OutcomeID, ShareType: key.ShareType,
			MatchType: domain.MatchNormal, Price: dec("0.55"), Amount: dec("3"), Side: domain.OrderSideBuy,
			Fee: dec("0.029"), Timestamp: base, MakerOrderID: "o1", TakerOrderID: &taker,
			MakerAddress: "0xmaker", TakerAddress: "0xtaker",
		}
		for i := 0; i < 2; i++ {
			if err := p.SaveTrade(ctx, tr); err != nil {
				t.Fatalf("SaveTrade #%d: %v", i, err)
			}
		}
	})

	t.Run("BalanceIdempotentOnEntryID", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		credit := domain.BalanceChange{EntryID: "e1", UserAddress: "0xabc", Delta: dec("10"), Reason: domain.BalanceDeposit, CreatedAt: base}
		debit := domain.BalanceChange{EntryID: "e2", UserAddress: "0xabc", Delta: dec("-4"), Reason: domain.BalanceTrade, CreatedAt: base}

		if err := p.EnsureAccount(ctx, "0xabc"); err != nil {
			t.Fatalf("EnsureAccount: %v", err)
		}
		if err := p.EnsureAccount(ctx, "0xempty"); err != nil {
			t.Fatalf("EnsureAccount: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := p.CreditBalance(ctx, credit); err != nil {
				t.Fatalf("CreditBalance: %v", err)
			}
			if err := p.DebitBalance(ctx, debit); err != nil {
				t.Fatalf("DebitBalance: %v", err)
			}
		}

		accounts, err := p.LoadAccounts(ctx)
		if err != nil {
			t.Fatalf("LoadAccounts: %v", err)
		}
		if len(accounts) != 2 || accounts[0].Address != "0xabc" || accounts[1].Address != "0xempty" {
			t.Fatalf("LoadAccounts = %+v", accounts)
		}
		if !accounts[0].Balance.Equal(dec("6")) {
			t.Fatalf("balance = %s, want 6", accounts[0].Balance)
		}
		if !accounts[1].Balance.IsZero() {
			t.Fatalf("empty balance = %s", accounts[1].Balance)
		}
	})

	t.Run("ShareChangesTrackAvgCost", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		_ = p.EnsureAccount(ctx, "0xabc")
		change := func(id, delta, price string) domain.ShareChange {
			return domain.ShareChange{
				EntryID: id, UserAddress: "0xabc", MarketID: key.MarketID, OutcomeID: key.OutcomeID,
				ShareType: key.ShareType, Delta: dec(delta), Price: dec(price),
				ChangeType: domain.ShareChangeTrade, CreatedAt: base,
			}
		}
		for _, c := range []domain.ShareChange{
			change("s1", "10", "0.40"),
			change("s2", "10", "0.60"),
			change("s2", "10", "0.60"),
			change("s3", "-5", "0.70"),
		} {
			if err := p.RecordShareChange(ctx, c); err != nil {
				t.Fatalf("RecordShareChange %s: %v", c.EntryID, err)
			}
		}

		accounts, err := p.LoadAccounts(ctx)
		if err != nil {
			t.Fatalf("LoadAccounts: %v", err)
		}
		if len(accounts) != 1 || len(accounts[0].Positions) != 1 {
			t.Fatalf("LoadAccounts = %+v", accounts)
		}
		pos := accounts[0].Positions[0]
		if pos.Key() != key || !pos.Amount.Equal(dec("15")) || !pos.AvgCost.Equal(dec("0.5")) {
			t.Fatalf("position = %+v", pos)
		}

		if err := p.RecordShareChange(ctx, change("s4", "-15", "1")); err != nil {
			t.Fatalf("redeem: %v", err)
		}
		accounts, _ = p.LoadAccounts(ctx)
		if len(accounts[0].Positions) != 0 {
			t.Fatalf("emptied position still loaded: %+v", accounts[0].Positions)
		}
	})

	t.Run("MarketRoundTrip", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		resolveBy := base.Add(24 * time.Hour)
		m := domain.Market{
			MarketID: "m1",
			Question: "Will it rain tomorrow?",
			Category: "weather",
			Status:   domain.MarketStatusActive,
			Outcomes: []domain.Outcome{
				{OutcomeID: "o1", Name: "Yes", Probability: dec("0.5")},
				{OutcomeID: "o2", Name: "No", Probability: dec("0.5")},
			},
			ResolutionTime: &resolveBy,
			CreatedAt:      base,
			UpdatedAt:      base,
		}
		if err := p.SaveMarket(ctx, m); err != nil {
			t.Fatalf("SaveMarket: %v", err)
		}

		resolved := *m.Clone()
		at := base.Add(time.Hour)
		resolved.Status = domain.MarketStatusResolved
		resolved.WinningOutcomeID = "o1"
		resolved.Outcomes[0].Probability = dec("0.73")
		resolved.UpdatedAt = at
		resolved.ResolvedAt = &at
		if err := p.SaveMarket(ctx, resolved); err != nil {
			t.Fatalf("SaveMarket: %v", err)
		}

		got, err := p.LoadMarkets(ctx)
		if err != nil {
			t.Fatalf("LoadMarkets: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("LoadMarkets returned %d markets", len(got))
		}
		g := got[0]
		if g.Status != domain.MarketStatusResolved || g.WinningOutcomeID != "o1" || g.Category != "weather" {
			t.Fatalf("market = %+v", g)
		}
		if len(g.Outcomes) != 2 || g.Outcomes[1].Name != "No" || !g.Outcomes[0].Probability.Equal(dec("0.73")) {
			t.Fatalf("outcomes = %+v", g.Outcomes)
		}
		if g.ResolvedAt == nil || !g.ResolvedAt.Equal(at) || g.ResolutionTime == nil || !g.ResolutionTime.Equal(resolveBy) {
			t.Fatalf("timestamps = %v %v", g.ResolvedAt, g.ResolutionTime)
		}
	})

	t.Run("SettlementFirstWriteWins", func(t *testing.T) {
		p := open(t)
		ctx := context.Background()
		r := domain.SettlementRecord{
			MarketID:       "m1",
			UserAddress:    "0xabc",
			SettlementType: domain.SettlementResolution,
			TotalPayout:    dec("100"),
			Positions: []domain.PositionPayout{{
				OutcomeID: "o1", ShareType: domain.ShareYes,
				Amount: dec("100"), PayoutPerShare: dec("1"), Payout: dec("100"),
			}},
			SettledAt: base,
		}
		if err := p.SaveSettlement(ctx, r); err != nil {
			t.Fatalf("SaveSettlement: %v", err)
		}
		replay := r
		replay.TotalPayout = dec("1")
		if err := p.SaveSettlement(ctx, replay); err != nil {
			t.Fatalf("SaveSettlement replay: %v", err)
		}

		got, err := p.LoadSettlements(ctx)
		if err != nil {
			t.Fatalf("LoadSettlements: %v", err)
		}
		if len(got) != 1 || !got[0].TotalPayout.Equal(dec("100")) || got[0].SettlementType != domain.SettlementResolution {
			t.Fatalf("LoadSettlements = %+v", got)
		}
		if len(got[0].Positions) != 1 || !got[0].Positions[0].PayoutPerShare.Equal(dec("1")) {
			t.Fatalf("breakdown = %+v", got[0].Positions)
		}
	})
}
