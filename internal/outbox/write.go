package outbox

import (
	"context"

	"github.com/efreitasn/predex/internal/domain"
)

// Write is one idempotent persistence call. Applying it twice leaves the
// store as applying it once.
type Write struct {
	Name  string
	Apply func(ctx context.Context, p domain.Persistence) error
}

func SaveOrder(o domain.Order) Write {
	return Write{Name: "save_order", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.SaveOrder(ctx, o)
	}}
}

func UpdateOrderFill(o domain.Order) Write {
	return Write{Name: "update_order_fill", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.UpdateOrderFill(ctx, o.OrderID, o.FilledAmount, o.Status)
	}}
}

// TradeBatcher is implemented by stores that insert many executions in
// one round trip.
type TradeBatcher interface {
	SaveTrades(ctx context.Context, trades []domain.TradeExecution) error
}

// SaveTrades persists the executions of one match, batched when the store
// supports it.
func SaveTrades(trades []domain.TradeExecution) Write {
	return Write{Name: "save_trades", Apply: func(ctx context.Context, p domain.Persistence) error {
		if b, ok := p.(TradeBatcher); ok {
			return b.SaveTrades(ctx, trades)
		}
		for _, t := range trades {
			if err := p.SaveTrade(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}}
}

func EnsureAccount(address string) Write {
	return Write{Name: "ensure_account", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.EnsureAccount(ctx, address)
	}}
}

// Balance routes a ledger entry to CreditBalance or DebitBalance by sign.
func Balance(c domain.BalanceChange) Write {
	return Write{Name: "balance_change", Apply: func(ctx context.Context, p domain.Persistence) error {
		if c.Delta.IsNegative() {
			return p.DebitBalance(ctx, c)
		}
		return p.CreditBalance(ctx, c)
	}}
}

func ShareChange(c domain.ShareChange) Write {
	return Write{Name: "share_change", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.RecordShareChange(ctx, c)
	}}
}

func SaveMarket(m domain.Market) Write {
	return Write{Name: "save_market", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.SaveMarket(ctx, m)
	}}
}

func SaveSettlement(r domain.SettlementRecord) Write {
	return Write{Name: "save_settlement", Apply: func(ctx context.Context, p domain.Persistence) error {
		return p.SaveSettlement(ctx, r)
	}}
}
