package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// OrderStore persists orders.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// SaveOrder upserts an order. A replayed save never moves the fill
// backwards past an update that already landed.
func (s *OrderStore) SaveOrder(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			order_id, market_id, outcome_id, share_type, side, order_type,
			price, amount, filled_amount, status, user_address,
			reserved_cash, notional, fees_paid,
			created_at, updated_at, cancelled_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10, $11,
			$12::numeric, $13::numeric, $14::numeric,
			$15, $16, $17, $18
		)
		ON CONFLICT (order_id) DO UPDATE SET
			status = CASE WHEN EXCLUDED.filled_amount >= orders.filled_amount
				THEN EXCLUDED.status ELSE orders.status END,
			filled_amount = GREATEST(orders.filled_amount, EXCLUDED.filled_amount),
			reserved_cash = EXCLUDED.reserved_cash,
			notional = GREATEST(orders.notional, EXCLUDED.notional),
			fees_paid = GREATEST(orders.fees_paid, EXCLUDED.fees_paid),
			updated_at = GREATEST(orders.updated_at, EXCLUDED.updated_at),
			cancelled_at = COALESCE(orders.cancelled_at, EXCLUDED.cancelled_at)`

	_, err := s.pool.Exec(ctx, query,
		o.OrderID, o.MarketID, o.OutcomeID, string(o.ShareType), string(o.Side), string(o.Type),
		o.Price.String(), o.Amount.String(), o.FilledAmount.String(), string(o.Status), o.UserAddress,
		o.ReservedCash.String(), o.Notional.String(), o.FeesPaid.String(),
		o.CreatedAt, o.UpdatedAt, o.CancelledAt, o.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order %s: %w", o.OrderID, err)
	}
	return nil
}

// UpdateOrderFill raises the filled amount of an order. Lower fills are
// ignored unless they carry a cancellation.
func (s *OrderStore) UpdateOrderFill(ctx context.Context, orderID string, filled decimal.Decimal, status domain.OrderStatus) error {
	const query = `
		UPDATE orders SET
			status = CASE WHEN $2::numeric >= filled_amount OR $3 = 'cancelled'
				THEN $3 ELSE status END,
			filled_amount = GREATEST(filled_amount, $2::numeric),
			cancelled_at = CASE WHEN $3 = 'cancelled'
				THEN COALESCE(cancelled_at, NOW()) ELSE cancelled_at END,
			updated_at = NOW()
		WHERE order_id = $1`

	tag, err := s.pool.Exec(ctx, query, orderID, filled.String(), string(status))
	if err != nil {
		return fmt.Errorf("postgres: update order fill %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

const orderSelectCols = `order_id, market_id, outcome_id, share_type, side, order_type,
	price::text, amount::text, filled_amount::text, status, user_address,
	reserved_cash::text, notional::text, fees_paid::text,
	created_at, updated_at, cancelled_at, expires_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var shareType, side, orderType, status string
	var price, amount, filled, reserved, notional, fees string
	err := row.Scan(
		&o.OrderID, &o.MarketID, &o.OutcomeID, &shareType, &side, &orderType,
		&price, &amount, &filled, &status, &o.UserAddress,
		&reserved, &notional, &fees,
		&o.CreatedAt, &o.UpdatedAt, &o.CancelledAt, &o.ExpiresAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.ShareType = domain.ShareType(shareType)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)

	dst := []*decimal.Decimal{&o.Price, &o.Amount, &o.FilledAmount, &o.ReservedCash, &o.Notional, &o.FeesPaid}
	src := []string{price, amount, filled, reserved, notional, fees}
	for i := range dst {
		if *dst[i], err = decimal.NewFromString(src[i]); err != nil {
			return domain.Order{}, fmt.Errorf("order %s: %w", o.OrderID, err)
		}
	}
	return o, nil
}

// LoadRestingOrders returns the open limit orders of one book in arrival
// order.
func (s *OrderStore) LoadRestingOrders(ctx context.Context, key domain.MarketKey) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE market_id = $1 AND outcome_id = $2 AND share_type = $3
		  AND order_type = 'limit' AND status IN ('open', 'partially_filled')
		ORDER BY created_at, order_id`

	rows, err := s.pool.Query(ctx, query, key.MarketID, key.OutcomeID, string(key.ShareType))
	if err != nil {
		return nil, fmt.Errorf("postgres: load resting orders %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate orders: %w", err)
	}
	return out, nil
}
