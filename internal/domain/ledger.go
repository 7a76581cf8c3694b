package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceReason labels a USDC ledger entry.
type BalanceReason string

const (
	BalanceDeposit    BalanceReason = "deposit"
	BalanceTrade      BalanceReason = "trade"
	BalanceFee        BalanceReason = "fee"
	BalanceMint       BalanceReason = "mint"
	BalanceMerge      BalanceReason = "merge"
	BalanceSettlement BalanceReason = "settlement"
)

// BalanceChange is a signed USDC movement. Positive deltas are credits.
// EntryID makes the write idempotent.
type BalanceChange struct {
	EntryID     string
	UserAddress string
	Delta       decimal.Decimal
	Reason      BalanceReason
	Ref         string // trade, order or market id
	CreatedAt   time.Time
}

// ShareChangeType labels a share ledger entry.
type ShareChangeType string

const (
	ShareChangeTrade  ShareChangeType = "trade"
	ShareChangeMint   ShareChangeType = "mint"
	ShareChangeMerge  ShareChangeType = "merge"
	ShareChangeRedeem ShareChangeType = "redeem"
)

// ShareChange is a signed movement of a share position.
type ShareChange struct {
	EntryID     string
	UserAddress string
	MarketID    string
	OutcomeID   string
	ShareType   ShareType
	Delta       decimal.Decimal
	Price       decimal.Decimal
	ChangeType  ShareChangeType
	Ref         string
	CreatedAt   time.Time
}

// Key returns the orderbook the shares trade on.
func (c *ShareChange) Key() MarketKey {
	return MarketKey{MarketID: c.MarketID, OutcomeID: c.OutcomeID, ShareType: c.ShareType}
}

// Persistence is the durable store the engine hands its results to after
// matching. Every write is idempotent on its natural id so a retried write
// never duplicates state.
type Persistence interface {
	SaveOrder(ctx context.Context, o Order) error
	UpdateOrderFill(ctx context.Context, orderID string, filled decimal.Decimal, status OrderStatus) error
	SaveTrade(ctx context.Context, t TradeExecution) error
	LoadRestingOrders(ctx context.Context, key MarketKey) ([]Order, error)

	EnsureAccount(ctx context.Context, address string) error
	CreditBalance(ctx context.Context, c BalanceChange) error
	DebitBalance(ctx context.Context, c BalanceChange) error
	RecordShareChange(ctx context.Context, c ShareChange) error
	LoadAccounts(ctx context.Context) ([]AccountState, error)

	SaveMarket(ctx context.Context, m Market) error
	LoadMarkets(ctx context.Context) ([]Market, error)
	SaveSettlement(ctx context.Context, r SettlementRecord) error
	LoadSettlements(ctx context.Context) ([]SettlementRecord, error)
}

// AccountState is the durable view of an account used for warm starts.
// Positions carry their average cost.
type AccountState struct {
	Address   string
	Balance   decimal.Decimal
	Positions []SharePosition
}
