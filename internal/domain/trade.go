package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchType tells how an execution was produced.
type MatchType string

const (
	// MatchNormal is a buy crossing a sell on the same book.
	MatchNormal MatchType = "normal"
	// MatchMint pairs a Yes buy with a No buy and creates one share of each.
	MatchMint MatchType = "mint"
	// MatchMerge pairs a Yes sell with a No sell and retires both shares.
	MatchMerge MatchType = "merge"
)

// TradeExecution is an immutable record of a fill. Mint and merge produce
// one execution per leg, each on its own book at its own price.
type TradeExecution struct {
	TradeID      string
	MarketID     string
	OutcomeID    string
	ShareType    ShareType
	MatchType    MatchType
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Side         OrderSide // side of the taker on this book
	Fee          decimal.Decimal
	Timestamp    time.Time
	MakerOrderID string
	TakerOrderID *string
	MakerAddress string
	TakerAddress string
}

// Key returns the orderbook the execution printed on.
func (t *TradeExecution) Key() MarketKey {
	return MarketKey{MarketID: t.MarketID, OutcomeID: t.OutcomeID, ShareType: t.ShareType}
}

// Notional returns price × amount.
func (t *TradeExecution) Notional() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}
