package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes limit orders from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderSide indicates whether an order buys or sells shares.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsResting reports whether an order in this status can sit on a book.
func (s OrderStatus) IsResting() bool {
	return s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Order is an instruction to buy or sell shares of one outcome.
type Order struct {
	OrderID      string
	MarketID     string
	OutcomeID    string
	ShareType    ShareType
	Side         OrderSide
	Type         OrderType
	Price        decimal.Decimal // zero for market orders
	Amount       decimal.Decimal
	FilledAmount decimal.Decimal
	Status       OrderStatus
	UserAddress  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CancelledAt  *time.Time
	ExpiresAt    *time.Time // good-till-date limit orders only

	// ReservedCash is the USDC still locked for an unfilled buy.
	ReservedCash decimal.Decimal
	// Notional is sum(price × amount) over the order's executions.
	Notional decimal.Decimal
	// FeesPaid is the taker fee charged to this order so far.
	FeesPaid decimal.Decimal
}

// Key returns the orderbook the order belongs to.
func (o *Order) Key() MarketKey {
	return MarketKey{MarketID: o.MarketID, OutcomeID: o.OutcomeID, ShareType: o.ShareType}
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// AveragePrice returns the volume-weighted execution price, or false when
// nothing has been filled.
func (o *Order) AveragePrice() (decimal.Decimal, bool) {
	if !o.FilledAmount.IsPositive() {
		return decimal.Zero, false
	}
	return o.Notional.DivRound(o.FilledAmount, 8), true
}

// ApplyFill records an execution of amount at price. The caller has
// already checked amount against Remaining.
func (o *Order) ApplyFill(amount, price decimal.Decimal, at time.Time) {
	o.FilledAmount = o.FilledAmount.Add(amount)
	o.Notional = o.Notional.Add(price.Mul(amount))
	if o.Remaining().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	o.UpdatedAt = at
}

// Cancel marks the order cancelled. Filled amount is kept.
func (o *Order) Cancel(at time.Time) {
	o.Status = OrderStatusCancelled
	o.CancelledAt = &at
	o.UpdatedAt = at
}

// Snapshot returns a copy that is safe to read without holding the book lock.
func (o *Order) Snapshot() Order {
	c := *o
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}
