package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

// SettlementStore persists settlement records, one per (market, user).
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

func (s *SettlementStore) SaveSettlement(ctx context.Context, r domain.SettlementRecord) error {
	positions, err := store.EncodePayouts(r.Positions)
	if err != nil {
		return fmt.Errorf("postgres: save settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settlements (market_id, user_address, settlement_type, total_payout, positions, settled_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (market_id, user_address) DO NOTHING`,
		r.MarketID, r.UserAddress, string(r.SettlementType), r.TotalPayout.String(), positions, r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
	}
	return nil
}

func (s *SettlementStore) LoadSettlements(ctx context.Context) ([]domain.SettlementRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, user_address, settlement_type, total_payout::text, positions::text, settled_at
		FROM settlements ORDER BY settled_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementRecord
	for rows.Next() {
		var r domain.SettlementRecord
		var kind, total, positions string
		if err := rows.Scan(&r.MarketID, &r.UserAddress, &kind, &total, &positions, &r.SettledAt); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		r.SettlementType = domain.SettlementType(kind)
		if r.TotalPayout, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("postgres: settlement payout: %w", err)
		}
		if r.Positions, err = store.DecodePayouts([]byte(positions)); err != nil {
			return nil, fmt.Errorf("postgres: settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate settlements: %w", err)
	}
	return out, nil
}
