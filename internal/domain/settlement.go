package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementType tells whether shares were redeemed after a resolution or
// refunded after a cancellation.
type SettlementType string

const (
	SettlementResolution   SettlementType = "resolution"
	SettlementCancellation SettlementType = "cancellation"
)

// PositionPayout is the settlement of a single position.
type PositionPayout struct {
	OutcomeID      string
	ShareType      ShareType
	Amount         decimal.Decimal
	PayoutPerShare decimal.Decimal
	Payout         decimal.Decimal
}

// SettlementRecord marks a (market, user) pair as paid out.
type SettlementRecord struct {
	MarketID       string
	UserAddress    string
	SettlementType SettlementType
	TotalPayout    decimal.Decimal
	Positions      []PositionPayout
	SettledAt      time.Time
}

// SettlementStatus is the read-only projection of what a settlement would
// pay, or did pay.
type SettlementStatus struct {
	MarketID       string
	UserAddress    string
	MarketStatus   MarketStatus
	CanSettle      bool
	Settled        bool
	SettlementType SettlementType
	Positions      []PositionPayout
	TotalPayout    decimal.Decimal
	Reason         string
}
