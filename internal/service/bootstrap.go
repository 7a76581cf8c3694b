package service

import (
	"context"
	"fmt"
	"time"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/store"
)

// WarmStartStats summarizes what WarmStart loaded.
type WarmStartStats struct {
	Markets       int
	Accounts      int
	Settlements   int
	RestingOrders int
	SkippedOrders int
}

// WarmStart rebuilds the in-memory stores and books from persistence:
// markets, then account balances and positions, then settlement claims,
// then resting orders with their reservations. It must run before the server accepts requests.
func WarmStart(
	ctx context.Context,
	p domain.Persistence,
	markets *store.MarketStore,
	accounts *store.AccountStore,
	settlements *store.SettlementStore,
	matcher *engine.Matcher,
	expiry *engine.ExpiryManager,
) (WarmStartStats, error) {
	var stats WarmStartStats

	loaded, err := p.LoadMarkets(ctx)
	if err != nil {
		return stats, fmt.Errorf("load markets: %w", err)
	}
	for i := range loaded {
		markets.Restore(&loaded[i])
	}
	stats.Markets = len(loaded)

	states, err := p.LoadAccounts(ctx)
	if err != nil {
		return stats, fmt.Errorf("load accounts: %w", err)
	}
	now := time.Now()
	for _, st := range states {
		account := accounts.GetOrCreate(st.Address, func() *domain.Account {
			return domain.NewAccount(st.Address, st.Balance, now)
		})
		account.Mu.Lock()
		account.Balance = st.Balance
		for _, pos := range st.Positions {
			cur := account.Position(pos.Key())
			cur.Amount = pos.Amount
			cur.AvgCost = pos.AvgCost
			cur.UpdatedAt = pos.UpdatedAt
		}
		account.Mu.Unlock()
	}
	stats.Accounts = len(states)

	records, err := p.LoadSettlements(ctx)
	if err != nil {
		return stats, fmt.Errorf("load settlements: %w", err)
	}
	for i := range records {
		if err := settlements.Claim(&records[i]); err == nil {
			stats.Settlements++
		}
	}

	for _, m := range loaded {
		if m.Status.IsTerminal() {
			continue
		}
		for _, key := range m.Keys() {
			orders, err := p.LoadRestingOrders(ctx, key)
			if err != nil {
				return stats, fmt.Errorf("load resting orders %s: %w", key, err)
			}
			skipped := matcher.Restore(orders)
			stats.RestingOrders += len(orders) - len(skipped)
			stats.SkippedOrders += len(skipped)
			dropped := make(map[string]bool, len(skipped))
			for _, o := range skipped {
				dropped[o.OrderID] = true
			}
			for _, o := range orders {
				if !dropped[o.OrderID] {
					expiry.Add(o)
				}
			}
		}
	}
	return stats, nil
}
