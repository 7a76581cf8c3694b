package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/predex/internal/domain"
)

// ExpiryNotifier is told about orders the expiry manager cancelled. It is
// called with no book lock held.
type ExpiryNotifier interface {
	OrderExpired(ctx context.Context, order domain.Order)
}

type expiring struct {
	orderID   string
	expiresAt time.Time
}

// ExpiryManager tracks good-till-date limit orders sorted by expires_at
// and cancels those whose expiration time has passed.
type ExpiryManager struct {
	interval time.Duration
	matcher  *Matcher
	notifier ExpiryNotifier
	active   []expiring // sorted by expiresAt ASC
	mu       sync.Mutex // protects active
}

// NewExpiryManager creates a new ExpiryManager.
func NewExpiryManager(interval time.Duration, matcher *Matcher, notifier ExpiryNotifier) *ExpiryManager {
	return &ExpiryManager{
		interval: interval,
		matcher:  matcher,
		notifier: notifier,
	}
}

// Add tracks a resting order that carries an expiration time.
func (e *ExpiryManager) Add(order domain.Order) {
	if order.ExpiresAt == nil || !order.Status.IsResting() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	at := *order.ExpiresAt
	idx := sort.Search(len(e.active), func(i int) bool {
		return e.active[i].expiresAt.After(at)
	})
	e.active = append(e.active, expiring{})
	copy(e.active[idx+1:], e.active[idx:])
	e.active[idx] = expiring{orderID: order.OrderID, expiresAt: at}
}

// Remove stops tracking an order.
func (e *ExpiryManager) Remove(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, x := range e.active {
		if x.orderID == orderID {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

// Run ticks at the configured interval and expires orders until ctx is
// cancelled.
func (e *ExpiryManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			e.tick(ctx, t)
		}
	}
}

// tick cancels every tracked order with expires_at <= now.
func (e *ExpiryManager) tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	cutoff := 0
	for cutoff < len(e.active) && !e.active[cutoff].expiresAt.After(now) {
		cutoff++
	}
	due := make([]expiring, cutoff)
	copy(due, e.active[:cutoff])
	e.active = e.active[cutoff:]
	e.mu.Unlock()

	for _, x := range due {
		order, cancelled, err := e.matcher.CancelOrder(x.orderID)
		if err != nil || !cancelled {
			// Filled or cancelled in the meantime.
			continue
		}
		if e.notifier != nil {
			e.notifier.OrderExpired(ctx, order)
		}
	}
}

// ActiveOrderCount returns the number of orders currently tracked.
func (e *ExpiryManager) ActiveOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
