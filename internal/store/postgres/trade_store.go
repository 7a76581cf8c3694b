package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/predex/internal/domain"
)

// TradeStore persists executions. Inserts are idempotent on trade_id.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const insertTrade = `
	INSERT INTO trades (
		trade_id, market_id, outcome_id, share_type, match_type,
		price, amount, side, fee,
		maker_order_id, taker_order_id, maker_address, taker_address, executed_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6::numeric, $7::numeric, $8, $9::numeric,
		$10, $11, $12, $13, $14
	)
	ON CONFLICT (trade_id) DO NOTHING`

func tradeArgs(t domain.TradeExecution) []any {
	return []any{
		t.TradeID, t.MarketID, t.OutcomeID, string(t.ShareType), string(t.MatchType),
		t.Price.String(), t.Amount.String(), string(t.Side), t.Fee.String(),
		t.MakerOrderID, t.TakerOrderID, t.MakerAddress, t.TakerAddress, t.Timestamp,
	}
}

func (s *TradeStore) SaveTrade(ctx context.Context, t domain.TradeExecution) error {
	if _, err := s.pool.Exec(ctx, insertTrade, tradeArgs(t)...); err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", t.TradeID, err)
	}
	return nil
}

// SaveTrades inserts a batch of executions in one round trip.
func (s *TradeStore) SaveTrades(ctx context.Context, trades []domain.TradeExecution) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade, tradeArgs(t)...)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, t := range trades {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: save trade %s: %w", t.TradeID, err)
		}
	}
	return nil
}
