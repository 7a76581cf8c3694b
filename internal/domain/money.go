package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Price and amount bounds. Prices are probabilities quoted in USDC per
// share, so a share is never worth 0 or 1 while its market is open.
var (
	MinPrice  = decimal.RequireFromString("0.01")
	MaxPrice  = decimal.RequireFromString("0.99")
	PriceTick = decimal.RequireFromString("0.01")
	One       = decimal.NewFromInt(1)
	Half      = decimal.RequireFromString("0.5")
)

const (
	// AmountScale is the maximum number of decimal places of a share amount.
	AmountScale = 6
	// USDCScale is the precision fees are truncated to.
	USDCScale = 6
)

// ParsePrice parses a decimal string and validates it as a limit price.
func ParsePrice(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidPrice, s)
	}
	if err := ValidatePrice(p); err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

// ValidatePrice checks that p lies in [0.01, 0.99] and is a multiple of
// the price tick.
func ValidatePrice(p decimal.Decimal) error {
	if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidPrice, p, MinPrice, MaxPrice)
	}
	if !p.Mod(PriceTick).IsZero() {
		return fmt.Errorf("%w: %s is not a multiple of %s", ErrInvalidPrice, p, PriceTick)
	}
	return nil
}

// ValidateAmount checks that a share amount is positive and carries at
// most AmountScale decimal places.
func ValidateAmount(a decimal.Decimal) error {
	if !a.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !a.Equal(a.Truncate(AmountScale)) {
		return fmt.Errorf("%w: amount must have at most %d decimal places", ErrInvalidAmount, AmountScale)
	}
	return nil
}

// ClipProbability clamps p into [MinPrice, MaxPrice].
func ClipProbability(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// RoundUSDC truncates toward zero to USDC precision. Fees are rounded this
// way so they never exceed base_rate × 0.5 per share.
func RoundUSDC(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(USDCScale)
}

// Complement returns 1 - p, the price of the opposite share.
func Complement(p decimal.Decimal) decimal.Decimal {
	return One.Sub(p)
}
