package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/predex/internal/domain"
)

var _ domain.Persistence = (*Persistence)(nil)

// Persistence bundles the table stores into one domain.Persistence.
type Persistence struct {
	*OrderStore
	*TradeStore
	*AccountStore
	*MarketStore
	*SettlementStore
}

// NewPersistence creates a Persistence sharing one pool across all tables.
func NewPersistence(pool *pgxpool.Pool) *Persistence {
	return &Persistence{
		OrderStore:      NewOrderStore(pool),
		TradeStore:      NewTradeStore(pool),
		AccountStore:    NewAccountStore(pool),
		MarketStore:     NewMarketStore(pool),
		SettlementStore: NewSettlementStore(pool),
	}
}
