package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store/storetest"
)

func TestJournal_SaveTrade_Idempotent(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	tr := *newTestTrade("trade-1", testKey, "0.40", time.Now())

	for i := 0; i < 3; i++ {
		if err := j.SaveTrade(ctx, tr); err != nil {
			t.Fatalf("SaveTrade: %v", err)
		}
	}
	if j.TradeCount() != 1 {
		t.Fatalf("TradeCount() = %d, want 1", j.TradeCount())
	}
}

func TestJournal_Balance_IdempotentOnEntryID(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	credit := domain.BalanceChange{EntryID: "e1", UserAddress: "0xabc", Delta: decimal.NewFromInt(10)}
	debit := domain.BalanceChange{EntryID: "e2", UserAddress: "0xabc", Delta: decimal.NewFromInt(-4)}

	_ = j.CreditBalance(ctx, credit)
	_ = j.CreditBalance(ctx, credit)
	_ = j.DebitBalance(ctx, debit)
	_ = j.DebitBalance(ctx, debit)

	if got := j.Balance("0xabc"); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("Balance() = %s, want 6", got)
	}
}

func TestJournal_UpdateOrderFill_NeverRegresses(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	o := *newTestOrder("order-1", "0xabc", time.Now())
	_ = j.SaveOrder(ctx, o)

	_ = j.UpdateOrderFill(ctx, "order-1", decimal.NewFromInt(6), domain.OrderStatusPartiallyFilled)
	_ = j.UpdateOrderFill(ctx, "order-1", decimal.NewFromInt(4), domain.OrderStatusPartiallyFilled)
	// A replayed SaveOrder carrying the original zero fill must not reset it.
	_ = j.SaveOrder(ctx, o)

	got, _ := j.Order("order-1")
	if !got.FilledAmount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("FilledAmount = %s, want 6", got.FilledAmount)
	}
	if err := j.UpdateOrderFill(ctx, "missing", decimal.Zero, domain.OrderStatusFilled); err != domain.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestJournal_LoadRestingOrders(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	base := time.Now()

	open := *newTestOrder("o1", "0xabc", base.Add(time.Second))
	first := *newTestOrder("o0", "0xabc", base)
	filled := *newTestOrder("o2", "0xabc", base)
	filled.Status = domain.OrderStatusFilled
	other := *newTestOrder("o3", "0xabc", base)
	other.ShareType = domain.ShareNo

	for _, o := range []domain.Order{open, first, filled, other} {
		_ = j.SaveOrder(ctx, o)
	}

	got, err := j.LoadRestingOrders(ctx, testKey)
	if err != nil {
		t.Fatalf("LoadRestingOrders: %v", err)
	}
	if len(got) != 2 || got[0].OrderID != "o0" || got[1].OrderID != "o1" {
		t.Fatalf("LoadRestingOrders returned %d orders", len(got))
	}
}

func TestJournal_FailNext(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	j.FailNext(2)

	tr := *newTestTrade("trade-1", testKey, "0.40", time.Now())
	if err := j.SaveTrade(ctx, tr); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := j.SaveTrade(ctx, tr); err == nil {
		t.Fatal("expected injected failure")
	}
	if err := j.SaveTrade(ctx, tr); err != nil {
		t.Fatalf("third write should succeed: %v", err)
	}
}

func TestJournal_LoadAccounts(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	_ = j.CreditBalance(ctx, domain.BalanceChange{EntryID: "e1", UserAddress: "0xabc", Delta: decimal.NewFromInt(10)})
	_ = j.RecordShareChange(ctx, domain.ShareChange{
		EntryID: "s1", UserAddress: "0xabc", MarketID: "m1", OutcomeID: "o1",
		ShareType: domain.ShareYes, Delta: decimal.NewFromInt(5), ChangeType: domain.ShareChangeMint,
	})
	_ = j.RecordShareChange(ctx, domain.ShareChange{
		EntryID: "s2", UserAddress: "0xabc", MarketID: "m1", OutcomeID: "o1",
		ShareType: domain.ShareYes, Delta: decimal.NewFromInt(-5), ChangeType: domain.ShareChangeRedeem,
	})

	accounts, err := j.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(accounts) != 1 || !accounts[0].Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("LoadAccounts = %+v", accounts)
	}
	if len(accounts[0].Positions) != 0 {
		t.Fatalf("zeroed position should be skipped, got %d", len(accounts[0].Positions))
	}
}

func TestJournal_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Persistence { return NewJournal() })
}
