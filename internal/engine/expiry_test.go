package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/efreitasn/predex/internal/domain"
)

type recordingNotifier struct {
	mu      sync.Mutex
	expired []domain.Order
}

func (n *recordingNotifier) OrderExpired(_ context.Context, o domain.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, o)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.expired)
}

func placeExpiring(t *testing.T, e *testEngine, price string, expiresAt time.Time) domain.Order {
	t.Helper()
	o := limitOrder("buyer", yesKey, domain.OrderSideBuy, price, "10")
	o.ExpiresAt = &expiresAt
	return e.place(t, o).Order
}

func TestExpiryManager_Add_KeepsSortedAndSkipsNonResting(t *testing.T) {
	e := newTestMatcher(t)
	em := NewExpiryManager(time.Second, e.m, nil)
	now := time.Now()

	late, early := now.Add(time.Hour), now.Add(time.Minute)
	em.Add(domain.Order{OrderID: "late", Status: domain.OrderStatusOpen, ExpiresAt: &late})
	em.Add(domain.Order{OrderID: "early", Status: domain.OrderStatusOpen, ExpiresAt: &early})
	em.Add(domain.Order{OrderID: "gtc", Status: domain.OrderStatusOpen})
	em.Add(domain.Order{OrderID: "filled", Status: domain.OrderStatusFilled, ExpiresAt: &early})

	if em.ActiveOrderCount() != 2 {
		t.Fatalf("ActiveOrderCount() = %d, want 2", em.ActiveOrderCount())
	}
	if em.active[0].orderID != "early" {
		t.Fatalf("head = %s, want early", em.active[0].orderID)
	}

	em.Remove("early")
	if em.ActiveOrderCount() != 1 || em.active[0].orderID != "late" {
		t.Fatalf("after Remove: %+v", em.active)
	}
}

func TestExpiryManager_Tick_CancelsDueOrders(t *testing.T) {
	e := newTestMatcher(t)
	buyer := e.registerAccount("buyer", "100", nil)
	notifier := &recordingNotifier{}
	em := NewExpiryManager(time.Second, e.m, notifier)

	now := time.Now()
	due := placeExpiring(t, e, "0.40", now.Add(time.Minute))
	later := placeExpiring(t, e, "0.30", now.Add(time.Hour))
	em.Add(due)
	em.Add(later)

	em.tick(context.Background(), now.Add(2*time.Minute))

	if notifier.count() != 1 || notifier.expired[0].OrderID != due.OrderID {
		t.Fatalf("expired = %+v", notifier.expired)
	}
	if notifier.expired[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("expired order status = %s", notifier.expired[0].Status)
	}
	if em.ActiveOrderCount() != 1 {
		t.Fatalf("ActiveOrderCount() = %d, want 1", em.ActiveOrderCount())
	}
	// only the 0.30 × 10 bid remains reserved
	assertDec(t, "reserved", buyer.Reserved, "3.1")
}

func TestExpiryManager_Tick_SkipsFilledOrders(t *testing.T) {
	e := newTestMatcher(t)
	e.registerAccount("buyer", "100", nil)
	e.registerAccount("seller", "0", map[domain.MarketKey]string{yesKey: "10"})
	notifier := &recordingNotifier{}
	em := NewExpiryManager(time.Second, e.m, notifier)

	now := time.Now()
	o := placeExpiring(t, e, "0.40", now.Add(time.Minute))
	em.Add(o)
	e.place(t, limitOrder("seller", yesKey, domain.OrderSideSell, "0.40", "10"))

	em.tick(context.Background(), now.Add(time.Hour))

	if notifier.count() != 0 {
		t.Fatalf("filled order reported as expired: %+v", notifier.expired)
	}
	if em.ActiveOrderCount() != 0 {
		t.Fatal("filled order still tracked")
	}
}

func TestExpiryManager_Run_StopsOnCancel(t *testing.T) {
	e := newTestMatcher(t)
	em := NewExpiryManager(10*time.Millisecond, e.m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- em.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
