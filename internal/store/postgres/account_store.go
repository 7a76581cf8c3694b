package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

// AccountStore persists balances, positions and the ledger behind them.
// Every change is keyed by its ledger entry id and applied at most once.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

func (s *AccountStore) EnsureAccount(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, address)
	if err != nil {
		return fmt.Errorf("postgres: ensure account %s: %w", address, err)
	}
	return nil
}

func (s *AccountStore) CreditBalance(ctx context.Context, c domain.BalanceChange) error {
	return s.applyBalance(ctx, c, c.Delta.Abs())
}

func (s *AccountStore) DebitBalance(ctx context.Context, c domain.BalanceChange) error {
	return s.applyBalance(ctx, c, c.Delta.Abs().Neg())
}

func (s *AccountStore) applyBalance(ctx context.Context, c domain.BalanceChange, delta decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (entry_id, user_address, kind, reason, delta, ref, created_at)
			VALUES ($1, $2, 'balance', $3, $4::numeric, $5, $6)
			ON CONFLICT (entry_id) DO NOTHING`,
			c.EntryID, c.UserAddress, string(c.Reason), delta.String(), c.Ref, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: record balance entry %s: %w", c.EntryID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO accounts (address, balance) VALUES ($1, $2::numeric)
			ON CONFLICT (address) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance`,
			c.UserAddress, delta.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: apply balance %s: %w", c.EntryID, err)
		}
		return nil
	})
}

func (s *AccountStore) RecordShareChange(ctx context.Context, c domain.ShareChange) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (
				entry_id, user_address, kind, reason, market_id, outcome_id, share_type,
				delta, price, ref, created_at
			) VALUES ($1, $2, 'share', $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10)
			ON CONFLICT (entry_id) DO NOTHING`,
			c.EntryID, c.UserAddress, string(c.ChangeType), c.MarketID, c.OutcomeID, string(c.ShareType),
			c.Delta.String(), c.Price.String(), c.Ref, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: record share entry %s: %w", c.EntryID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		amount, avg := decimal.Zero, decimal.Zero
		var amountText, avgText string
		err = tx.QueryRow(ctx, `
			SELECT amount::text, avg_cost::text FROM positions
			WHERE user_address = $1 AND market_id = $2 AND outcome_id = $3 AND share_type = $4
			FOR UPDATE`,
			c.UserAddress, c.MarketID, c.OutcomeID, string(c.ShareType),
		).Scan(&amountText, &avgText)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("postgres: lock position: %w", err)
		default:
			if amount, err = decimal.NewFromString(amountText); err != nil {
				return fmt.Errorf("postgres: position amount: %w", err)
			}
			if avg, err = decimal.NewFromString(avgText); err != nil {
				return fmt.Errorf("postgres: position avg cost: %w", err)
			}
		}

		avg = store.ReweightAvgCost(amount, avg, c.Delta, c.Price)
		_, err = tx.Exec(ctx, `
			INSERT INTO positions (user_address, market_id, outcome_id, share_type, amount, avg_cost, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)
			ON CONFLICT (user_address, market_id, outcome_id, share_type) DO UPDATE SET
				amount = EXCLUDED.amount,
				avg_cost = EXCLUDED.avg_cost,
				updated_at = EXCLUDED.updated_at`,
			c.UserAddress, c.MarketID, c.OutcomeID, string(c.ShareType),
			amount.Add(c.Delta).String(), avg.String(), c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: apply share change %s: %w", c.EntryID, err)
		}
		return nil
	})
}

// LoadAccounts returns every account with its non-empty positions,
// ordered by address.
func (s *AccountStore) LoadAccounts(ctx context.Context) ([]domain.AccountState, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, balance::text FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load accounts: %w", err)
	}
	var out []domain.AccountState
	index := make(map[string]int)
	for rows.Next() {
		var addr, balance string
		if err := rows.Scan(&addr, &balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		bal, err := decimal.NewFromString(balance)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: account %s balance: %w", addr, err)
		}
		index[addr] = len(out)
		out = append(out, domain.AccountState{Address: addr, Balance: bal})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate accounts: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT user_address, market_id, outcome_id, share_type, amount::text, avg_cost::text, updated_at
		FROM positions WHERE amount <> 0
		ORDER BY user_address, market_id, outcome_id, share_type`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.SharePosition
		var shareType, amount, avg string
		if err := rows.Scan(&p.UserAddress, &p.MarketID, &p.OutcomeID, &shareType, &amount, &avg, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.ShareType = domain.ShareType(shareType)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("postgres: position amount: %w", err)
		}
		if p.AvgCost, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("postgres: position avg cost: %w", err)
		}
		i, ok := index[p.UserAddress]
		if !ok {
			continue
		}
		out[i].Positions = append(out[i].Positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return out, nil
}
