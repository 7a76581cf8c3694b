package domain

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SharePosition is a user's holding of one share type of one outcome.
type SharePosition struct {
	UserAddress string
	MarketID    string
	OutcomeID   string
	ShareType   ShareType
	Amount      decimal.Decimal
	Reserved    decimal.Decimal // locked by resting sell orders
	AvgCost     decimal.Decimal
	UpdatedAt   time.Time
}

// Key returns the orderbook of the position's shares.
func (p *SharePosition) Key() MarketKey {
	return MarketKey{MarketID: p.MarketID, OutcomeID: p.OutcomeID, ShareType: p.ShareType}
}

// Available returns the amount not locked by sell orders.
func (p *SharePosition) Available() decimal.Decimal {
	return p.Amount.Sub(p.Reserved)
}

// UnrealizedPnL returns amount × (current − avg_cost).
func (p *SharePosition) UnrealizedPnL(current decimal.Decimal) decimal.Decimal {
	return p.Amount.Mul(current.Sub(p.AvgCost))
}

// ApplyBuy adds amount shares bought at price and re-weights the average cost.
func (p *SharePosition) ApplyBuy(amount, price decimal.Decimal) {
	total := p.Amount.Add(amount)
	if total.IsZero() {
		return
	}
	p.AvgCost = p.Amount.Mul(p.AvgCost).Add(amount.Mul(price)).DivRound(total, 8)
	p.Amount = total
}

// ApplySell removes amount shares that were reserved by a sell order.
// The average cost of the remaining shares is unchanged.
func (p *SharePosition) ApplySell(amount decimal.Decimal) {
	p.Amount = p.Amount.Sub(amount)
	p.Reserved = p.Reserved.Sub(amount)
	if p.Amount.IsZero() {
		p.AvgCost = decimal.Zero
	}
}

// Account holds a user's USDC balance and share positions.
type Account struct {
	Address   string
	Balance   decimal.Decimal // total USDC
	Reserved  decimal.Decimal // USDC locked by open buy orders
	Positions map[MarketKey]*SharePosition
	CreatedAt time.Time
	Mu        sync.Mutex // per-account lock for balance mutations
}

// NewAccount creates an account with the given starting balance.
func NewAccount(address string, balance decimal.Decimal, at time.Time) *Account {
	return &Account{
		Address:   address,
		Balance:   balance,
		Positions: make(map[MarketKey]*SharePosition),
		CreatedAt: at,
	}
}

// Available returns the unreserved USDC balance.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// Position returns the position for key, creating an empty one if needed.
func (a *Account) Position(key MarketKey) *SharePosition {
	p, ok := a.Positions[key]
	if !ok {
		p = &SharePosition{
			UserAddress: a.Address,
			MarketID:    key.MarketID,
			OutcomeID:   key.OutcomeID,
			ShareType:   key.ShareType,
		}
		a.Positions[key] = p
	}
	return p
}

// AvailableShares returns the unreserved amount held for key.
func (a *Account) AvailableShares(key MarketKey) decimal.Decimal {
	p, ok := a.Positions[key]
	if !ok {
		return decimal.Zero
	}
	return p.Available()
}

// MarketPositions returns copies of the non-zero positions in a market.
// The caller must hold Mu.
func (a *Account) MarketPositions(marketID string) []SharePosition {
	var out []SharePosition
	for k, p := range a.Positions {
		if k.MarketID != marketID || p.Amount.IsZero() {
			continue
		}
		out = append(out, *p)
	}
	return out
}
