package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

// MarketStore persists market definitions and their lifecycle state.
// Volumes are derived from trades at runtime and not stored.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

func (s *MarketStore) SaveMarket(ctx context.Context, m domain.Market) error {
	outcomes, err := store.EncodeOutcomes(m.Outcomes)
	if err != nil {
		return fmt.Errorf("postgres: save market %s: %w", m.MarketID, err)
	}
	const query = `
		INSERT INTO markets (
			market_id, question, description, category, status, outcomes,
			winning_outcome_id, resolution_time, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (market_id) DO UPDATE SET
			status = EXCLUDED.status,
			outcomes = EXCLUDED.outcomes,
			winning_outcome_id = EXCLUDED.winning_outcome_id,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at
		WHERE markets.updated_at <= EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		m.MarketID, m.Question, m.Description, m.Category, string(m.Status), outcomes,
		m.WinningOutcomeID, m.ResolutionTime, m.CreatedAt, m.UpdatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save market %s: %w", m.MarketID, err)
	}
	return nil
}

func (s *MarketStore) LoadMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, question, description, category, status, outcomes::text,
			winning_outcome_id, resolution_time, created_at, updated_at, resolved_at
		FROM markets ORDER BY market_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var m domain.Market
		var status, outcomes string
		if err := rows.Scan(
			&m.MarketID, &m.Question, &m.Description, &m.Category, &status, &outcomes,
			&m.WinningOutcomeID, &m.ResolutionTime, &m.CreatedAt, &m.UpdatedAt, &m.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m.Status = domain.MarketStatus(status)
		if m.Outcomes, err = store.DecodeOutcomes([]byte(outcomes)); err != nil {
			return nil, fmt.Errorf("postgres: market %s: %w", m.MarketID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate markets: %w", err)
	}
	return out, nil
}
