package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrder_AveragePrice_MultipleFills(t *testing.T) {
	// 70 @ 0.40 + 30 @ 0.50 = 28 + 15 = 43 / 100 = 0.43
	o := &Order{Amount: d("100")}
	o.ApplyFill(d("70"), d("0.40"), time.Now())
	o.ApplyFill(d("30"), d("0.50"), time.Now())

	avg, ok := o.AveragePrice()
	if !ok {
		t.Fatal("AveragePrice() returned false, want true")
	}
	if !avg.Equal(d("0.43")) {
		t.Errorf("AveragePrice() = %s, want 0.43", avg)
	}
	if o.Status != OrderStatusFilled {
		t.Errorf("Status = %s, want filled", o.Status)
	}
}

func TestOrder_AveragePrice_NoFills(t *testing.T) {
	o := &Order{Amount: d("10")}
	if _, ok := o.AveragePrice(); ok {
		t.Error("AveragePrice() returned true, want false for no fills")
	}
}

func TestOrder_ApplyFill_Partial(t *testing.T) {
	o := &Order{Amount: d("10"), Status: OrderStatusOpen}
	o.ApplyFill(d("4"), d("0.3"), time.Now())

	if o.Status != OrderStatusPartiallyFilled {
		t.Errorf("Status = %s, want partially_filled", o.Status)
	}
	if !o.Remaining().Equal(d("6")) {
		t.Errorf("Remaining() = %s, want 6", o.Remaining())
	}
}

func TestOrder_Cancel_KeepsFilledAmount(t *testing.T) {
	o := &Order{Amount: d("10"), FilledAmount: d("3"), Status: OrderStatusPartiallyFilled}
	now := time.Now()
	o.Cancel(now)

	if o.Status != OrderStatusCancelled {
		t.Errorf("Status = %s, want cancelled", o.Status)
	}
	if o.CancelledAt == nil || !o.CancelledAt.Equal(now) {
		t.Error("CancelledAt not set")
	}
	if !o.FilledAmount.Equal(d("3")) {
		t.Errorf("FilledAmount = %s, want 3", o.FilledAmount)
	}
}

func TestOrderStatus_IsResting(t *testing.T) {
	for status, want := range map[OrderStatus]bool{
		OrderStatusOpen:            true,
		OrderStatusPartiallyFilled: true,
		OrderStatusFilled:          false,
		OrderStatusCancelled:       false,
	} {
		if got := status.IsResting(); got != want {
			t.Errorf("%s.IsResting() = %v, want %v", status, got, want)
		}
	}
}

func TestOrder_Snapshot_IsIndependent(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	o := &Order{Amount: d("10"), ExpiresAt: &exp}
	snap := o.Snapshot()

	o.FilledAmount = decimal.NewFromInt(5)
	*o.ExpiresAt = exp.Add(time.Hour)

	if !snap.FilledAmount.IsZero() {
		t.Error("snapshot FilledAmount changed with the original")
	}
	if !snap.ExpiresAt.Equal(exp) {
		t.Error("snapshot ExpiresAt shares memory with the original")
	}
}
