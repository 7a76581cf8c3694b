// Package sqlite implements domain.Persistence on a single-node SQLite
// database using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/store"
)

// Fixed width so that text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

var _ domain.Persistence = (*Store)(nil)

// Store is a domain.Persistence backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, switches it to WAL
// mode and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; the outbox worker is the only caller on the hot path.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema migration: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func parseTSPtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// decodeDecimals parses src[i] into dst[i].
func decodeDecimals(dst []*decimal.Decimal, src []string) error {
	for i := range dst {
		d, err := decimal.NewFromString(src[i])
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}

// --- orders ---

const orderCols = `order_id, market_id, outcome_id, share_type, side, order_type,
	price, amount, filled_amount, status, user_address,
	reserved_cash, notional, fees_paid, created_at, updated_at, cancelled_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var shareType, side, orderType, status, created, updated string
	var price, amount, filled, reserved, notional, fees string
	var cancelled, expires sql.NullString
	err := row.Scan(
		&o.OrderID, &o.MarketID, &o.OutcomeID, &shareType, &side, &orderType,
		&price, &amount, &filled, &status, &o.UserAddress,
		&reserved, &notional, &fees, &created, &updated, &cancelled, &expires,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.ShareType = domain.ShareType(shareType)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)

	if err := decodeDecimals(
		[]*decimal.Decimal{&o.Price, &o.Amount, &o.FilledAmount, &o.ReservedCash, &o.Notional, &o.FeesPaid},
		[]string{price, amount, filled, reserved, notional, fees},
	); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	if o.CreatedAt, err = parseTS(created); err != nil {
		return domain.Order{}, err
	}
	if o.UpdatedAt, err = parseTS(updated); err != nil {
		return domain.Order{}, err
	}
	if o.CancelledAt, err = parseTSPtr(cancelled); err != nil {
		return domain.Order{}, err
	}
	if o.ExpiresAt, err = parseTSPtr(expires); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func getOrder(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE order_id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, err
}

func putOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_amount = excluded.filled_amount,
			status = excluded.status,
			reserved_cash = excluded.reserved_cash,
			notional = excluded.notional,
			fees_paid = excluded.fees_paid,
			updated_at = excluded.updated_at,
			cancelled_at = excluded.cancelled_at`,
		o.OrderID, o.MarketID, o.OutcomeID, string(o.ShareType), string(o.Side), string(o.Type),
		o.Price.String(), o.Amount.String(), o.FilledAmount.String(), string(o.Status), o.UserAddress,
		o.ReservedCash.String(), o.Notional.String(), o.FeesPaid.String(),
		ts(o.CreatedAt), ts(o.UpdatedAt), tsPtr(o.CancelledAt), tsPtr(o.ExpiresAt),
	)
	return err
}

// SaveOrder upserts an order without moving its fill backwards.
func (s *Store) SaveOrder(ctx context.Context, o domain.Order) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getOrder(ctx, tx, o.OrderID)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
		case err != nil:
			return fmt.Errorf("sqlite: read order %s: %w", o.OrderID, err)
		case existing.FilledAmount.GreaterThan(o.FilledAmount):
			o.FilledAmount = existing.FilledAmount
			o.Status = existing.Status
			o.Notional = decimal.Max(o.Notional, existing.Notional)
			o.FeesPaid = decimal.Max(o.FeesPaid, existing.FeesPaid)
		}
		if err == nil && o.CancelledAt == nil {
			o.CancelledAt = existing.CancelledAt
		}
		if err := putOrder(ctx, tx, o); err != nil {
			return fmt.Errorf("sqlite: save order %s: %w", o.OrderID, err)
		}
		return nil
	})
}

func (s *Store) UpdateOrderFill(ctx context.Context, orderID string, filled decimal.Decimal, status domain.OrderStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		o, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		now := time.Now()
		if filled.GreaterThanOrEqual(o.FilledAmount) {
			o.FilledAmount = filled
			o.Status = status
		} else if status == domain.OrderStatusCancelled {
			o.Status = status
		}
		if o.Status == domain.OrderStatusCancelled && o.CancelledAt == nil {
			o.CancelledAt = &now
		}
		o.UpdatedAt = now
		if err := putOrder(ctx, tx, o); err != nil {
			return fmt.Errorf("sqlite: update order fill %s: %w", orderID, err)
		}
		return nil
	})
}

func (s *Store) LoadRestingOrders(ctx context.Context, key domain.MarketKey) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderCols+` FROM orders
		WHERE market_id = ? AND outcome_id = ? AND share_type = ?
		  AND order_type = 'limit' AND status IN ('open', 'partially_filled')
		ORDER BY created_at, order_id`,
		key.MarketID, key.OutcomeID, string(key.ShareType))
	if err != nil {
		return nil, fmt.Errorf("sqlite: load resting orders %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- trades ---

func insertTrade(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, t domain.TradeExecution) error {
	_, err := exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (
			trade_id, market_id, outcome_id, share_type, match_type,
			price, amount, side, fee,
			maker_order_id, taker_order_id, maker_address, taker_address, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.MarketID, t.OutcomeID, string(t.ShareType), string(t.MatchType),
		t.Price.String(), t.Amount.String(), string(t.Side), t.Fee.String(),
		t.MakerOrderID, t.TakerOrderID, t.MakerAddress, t.TakerAddress, ts(t.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (s *Store) SaveTrade(ctx context.Context, t domain.TradeExecution) error {
	return insertTrade(ctx, s.db, t)
}

// SaveTrades inserts the executions of one match in a single transaction.
func (s *Store) SaveTrades(ctx context.Context, trades []domain.TradeExecution) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range trades {
			if err := insertTrade(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- accounts ---

func (s *Store) EnsureAccount(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO accounts (address) VALUES (?)`, address); err != nil {
		return fmt.Errorf("sqlite: ensure account %s: %w", address, err)
	}
	return nil
}

func (s *Store) CreditBalance(ctx context.Context, c domain.BalanceChange) error {
	return s.applyBalance(ctx, c, c.Delta.Abs())
}

func (s *Store) DebitBalance(ctx context.Context, c domain.BalanceChange) error {
	return s.applyBalance(ctx, c, c.Delta.Abs().Neg())
}

// claimEntry records a ledger entry and reports whether it was new.
func claimEntry(ctx context.Context, tx *sql.Tx, id, user, kind, reason string, delta decimal.Decimal, ref string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_entries (entry_id, user_address, kind, reason, delta, ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, user, kind, reason, delta.String(), ref, ts(at),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: record ledger entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) applyBalance(ctx context.Context, c domain.BalanceChange, delta decimal.Decimal) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimEntry(ctx, tx, c.EntryID, c.UserAddress, "balance", string(c.Reason), delta, c.Ref, c.CreatedAt)
		if err != nil || !fresh {
			return err
		}

		balance := decimal.Zero
		var text string
		err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE address = ?`, c.UserAddress).Scan(&text)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("sqlite: read balance %s: %w", c.UserAddress, err)
		default:
			if balance, err = decimal.NewFromString(text); err != nil {
				return fmt.Errorf("sqlite: balance %s: %w", c.UserAddress, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (address, balance) VALUES (?, ?)
			ON CONFLICT(address) DO UPDATE SET balance = excluded.balance`,
			c.UserAddress, balance.Add(delta).String(),
		)
		if err != nil {
			return fmt.Errorf("sqlite: apply balance %s: %w", c.EntryID, err)
		}
		return nil
	})
}

func (s *Store) RecordShareChange(ctx context.Context, c domain.ShareChange) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimEntry(ctx, tx, c.EntryID, c.UserAddress, "share", string(c.ChangeType), c.Delta, c.Ref, c.CreatedAt)
		if err != nil || !fresh {
			return err
		}

		amount, avg := decimal.Zero, decimal.Zero
		var amountText, avgText string
		err = tx.QueryRowContext(ctx, `
			SELECT amount, avg_cost FROM positions
			WHERE user_address = ? AND market_id = ? AND outcome_id = ? AND share_type = ?`,
			c.UserAddress, c.MarketID, c.OutcomeID, string(c.ShareType),
		).Scan(&amountText, &avgText)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("sqlite: read position: %w", err)
		default:
			if err := decodeDecimals([]*decimal.Decimal{&amount, &avg}, []string{amountText, avgText}); err != nil {
				return fmt.Errorf("sqlite: position: %w", err)
			}
		}

		avg = store.ReweightAvgCost(amount, avg, c.Delta, c.Price)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (user_address, market_id, outcome_id, share_type, amount, avg_cost, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_address, market_id, outcome_id, share_type) DO UPDATE SET
				amount = excluded.amount,
				avg_cost = excluded.avg_cost,
				updated_at = excluded.updated_at`,
			c.UserAddress, c.MarketID, c.OutcomeID, string(c.ShareType),
			amount.Add(c.Delta).String(), avg.String(), ts(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: apply share change %s: %w", c.EntryID, err)
		}
		return nil
	})
}

func (s *Store) LoadAccounts(ctx context.Context) ([]domain.AccountState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, balance FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load accounts: %w", err)
	}
	var out []domain.AccountState
	index := make(map[string]int)
	for rows.Next() {
		var st domain.AccountState
		var balance string
		if err := rows.Scan(&st.Address, &balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan account: %w", err)
		}
		if st.Balance, err = decimal.NewFromString(balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: account %s balance: %w", st.Address, err)
		}
		index[st.Address] = len(out)
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate accounts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT user_address, market_id, outcome_id, share_type, amount, avg_cost, updated_at
		FROM positions ORDER BY user_address, market_id, outcome_id, share_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.SharePosition
		var shareType, amount, avg, updated string
		if err := rows.Scan(&p.UserAddress, &p.MarketID, &p.OutcomeID, &shareType, &amount, &avg, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		p.ShareType = domain.ShareType(shareType)
		if err := decodeDecimals([]*decimal.Decimal{&p.Amount, &p.AvgCost}, []string{amount, avg}); err != nil {
			return nil, fmt.Errorf("sqlite: position: %w", err)
		}
		if p.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, fmt.Errorf("sqlite: position: %w", err)
		}
		i, ok := index[p.UserAddress]
		if !ok || p.Amount.IsZero() {
			continue
		}
		out[i].Positions = append(out[i].Positions, p)
	}
	return out, rows.Err()
}

// --- markets ---

func (s *Store) SaveMarket(ctx context.Context, m domain.Market) error {
	outcomes, err := store.EncodeOutcomes(m.Outcomes)
	if err != nil {
		return fmt.Errorf("sqlite: save market %s: %w", m.MarketID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (
			market_id, question, description, category, status, outcomes,
			winning_outcome_id, resolution_time, created_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
			status = excluded.status,
			outcomes = excluded.outcomes,
			winning_outcome_id = excluded.winning_outcome_id,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at
		WHERE markets.updated_at <= excluded.updated_at`,
		m.MarketID, m.Question, m.Description, m.Category, string(m.Status), string(outcomes),
		m.WinningOutcomeID, tsPtr(m.ResolutionTime), ts(m.CreatedAt), ts(m.UpdatedAt), tsPtr(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save market %s: %w", m.MarketID, err)
	}
	return nil
}

func (s *Store) LoadMarkets(ctx context.Context) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, question, description, category, status, outcomes,
			winning_outcome_id, resolution_time, created_at, updated_at, resolved_at
		FROM markets ORDER BY market_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var m domain.Market
		var status, outcomes, created, updated string
		var resolution, resolved sql.NullString
		if err := rows.Scan(
			&m.MarketID, &m.Question, &m.Description, &m.Category, &status, &outcomes,
			&m.WinningOutcomeID, &resolution, &created, &updated, &resolved,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		m.Status = domain.MarketStatus(status)
		if m.Outcomes, err = store.DecodeOutcomes([]byte(outcomes)); err != nil {
			return nil, fmt.Errorf("sqlite: market %s: %w", m.MarketID, err)
		}
		if m.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, err
		}
		if m.ResolutionTime, err = parseTSPtr(resolution); err != nil {
			return nil, err
		}
		if m.ResolvedAt, err = parseTSPtr(resolved); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- settlements ---

func (s *Store) SaveSettlement(ctx context.Context, r domain.SettlementRecord) error {
	positions, err := store.EncodePayouts(r.Positions)
	if err != nil {
		return fmt.Errorf("sqlite: save settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlements (market_id, user_address, settlement_type, total_payout, positions, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.MarketID, r.UserAddress, string(r.SettlementType), r.TotalPayout.String(), string(positions), ts(r.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
	}
	return nil
}

func (s *Store) LoadSettlements(ctx context.Context) ([]domain.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, user_address, settlement_type, total_payout, positions, settled_at
		FROM settlements ORDER BY settled_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementRecord
	for rows.Next() {
		var r domain.SettlementRecord
		var kind, total, positions, settled string
		if err := rows.Scan(&r.MarketID, &r.UserAddress, &kind, &total, &positions, &settled); err != nil {
			return nil, fmt.Errorf("sqlite: scan settlement: %w", err)
		}
		r.SettlementType = domain.SettlementType(kind)
		if r.TotalPayout, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("sqlite: settlement payout: %w", err)
		}
		if r.Positions, err = store.DecodePayouts([]byte(positions)); err != nil {
			return nil, fmt.Errorf("sqlite: settlement %s/%s: %w", r.MarketID, r.UserAddress, err)
		}
		if r.SettledAt, err = parseTS(settled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
