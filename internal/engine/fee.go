package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// FeeSchedule computes taker fees. The fee peaks at a price of 0.5 and
// shrinks toward the bounds: fee = base_rate × min(p, 1−p) × amount.
type FeeSchedule struct {
	BaseRate decimal.Decimal
}

// NewFeeSchedule validates the base rate, which must lie in [0, 1).
func NewFeeSchedule(baseRate decimal.Decimal) (FeeSchedule, error) {
	if baseRate.IsNegative() || baseRate.GreaterThanOrEqual(domain.One) {
		return FeeSchedule{}, fmt.Errorf("fee base rate must be in [0, 1), got %s", baseRate)
	}
	return FeeSchedule{BaseRate: baseRate}, nil
}

// Fee returns the taker fee for amount shares at price, truncated to USDC
// precision.
func (f FeeSchedule) Fee(price, amount decimal.Decimal) decimal.Decimal {
	return domain.RoundUSDC(f.BaseRate.Mul(decimal.Min(price, domain.Complement(price))).Mul(amount))
}

// MaxFeePerShare is the largest fee one share can attract, reached at 0.5.
// Limit buys reserve it on top of their price.
func (f FeeSchedule) MaxFeePerShare() decimal.Decimal {
	return f.BaseRate.Mul(domain.Half)
}
