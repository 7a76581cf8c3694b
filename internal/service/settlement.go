package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/store"
)

// SettlementService pays out share positions of resolved and cancelled
// markets.
type SettlementService struct {
	markets     *store.MarketStore
	accounts    *store.AccountStore
	settlements *store.SettlementStore
	outbox      Outbox
	logger      *slog.Logger
	now         func() time.Time
}

// NewSettlementService creates a new SettlementService.
func NewSettlementService(
	markets *store.MarketStore,
	accounts *store.AccountStore,
	settlements *store.SettlementStore,
	ob Outbox,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		markets:     markets,
		accounts:    accounts,
		settlements: settlements,
		outbox:      ob,
		logger:      logger.With(slog.String("component", "settlement")),
		now:         time.Now,
	}
}

// payouts prices each position. A resolved market pays 1 per winning
// share and 0 otherwise; a cancelled market refunds the average cost.
func payouts(m *domain.Market, positions []domain.SharePosition) ([]domain.PositionPayout, decimal.Decimal, domain.SettlementType, error) {
	kind := domain.SettlementCancellation
	if m.Status == domain.MarketStatusResolved {
		if m.WinningOutcomeID == "" {
			return nil, decimal.Zero, "", domain.ErrNoWinningOutcome
		}
		kind = domain.SettlementResolution
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Key().Less(positions[j].Key())
	})

	out := make([]domain.PositionPayout, 0, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		per := p.AvgCost
		if kind == domain.SettlementResolution {
			per = domain.PaysOut(p.OutcomeID, p.ShareType, m.WinningOutcomeID)
		}
		payout := domain.RoundUSDC(p.Amount.Mul(per))
		out = append(out, domain.PositionPayout{
			OutcomeID:      p.OutcomeID,
			ShareType:      p.ShareType,
			Amount:         p.Amount,
			PayoutPerShare: per,
			Payout:         payout,
		})
		total = total.Add(payout)
	}
	return out, total, kind, nil
}

// SettleUserShares redeems every position the user holds in a settleable
// market. Each (market, user) pair is paid at most once.
func (s *SettlementService) SettleUserShares(ctx context.Context, marketID, user string) (*domain.SettlementRecord, error) {
	m, err := s.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	if !m.Status.IsSettleable() {
		return nil, domain.ErrMarketNotSettleable
	}
	if _, ok := s.settlements.Get(marketID, user); ok {
		return nil, domain.ErrAlreadySettled
	}
	account, err := s.accounts.Get(user)
	if err != nil {
		return nil, domain.ErrNoShares
	}

	now := s.now()
	account.Mu.Lock()
	positions := account.MarketPositions(marketID)
	if len(positions) == 0 {
		account.Mu.Unlock()
		return nil, domain.ErrNoShares
	}
	breakdown, total, kind, err := payouts(m, positions)
	if err != nil {
		account.Mu.Unlock()
		return nil, err
	}
	record := &domain.SettlementRecord{
		MarketID:       marketID,
		UserAddress:    user,
		SettlementType: kind,
		TotalPayout:    total,
		Positions:      breakdown,
		SettledAt:      now,
	}
	if err := s.settlements.Claim(record); err != nil {
		account.Mu.Unlock()
		return nil, err
	}

	account.Balance = account.Balance.Add(total)
	var changes []domain.ShareChange
	for i, p := range positions {
		pos := account.Positions[p.Key()]
		pos.Amount = decimal.Zero
		pos.Reserved = decimal.Zero
		pos.AvgCost = decimal.Zero
		pos.UpdatedAt = now
		changes = append(changes, domain.ShareChange{
			EntryID:     uuid.NewString(),
			UserAddress: user,
			MarketID:    marketID,
			OutcomeID:   p.OutcomeID,
			ShareType:   p.ShareType,
			Delta:       p.Amount.Neg(),
			Price:       breakdown[i].PayoutPerShare,
			ChangeType:  domain.ShareChangeRedeem,
			Ref:         marketID,
			CreatedAt:   now,
		})
	}
	account.Mu.Unlock()

	var env outbox.Envelope
	if total.IsPositive() {
		env.Writes = append(env.Writes, outbox.Balance(domain.BalanceChange{
			EntryID:     uuid.NewString(),
			UserAddress: user,
			Delta:       total,
			Reason:      domain.BalanceSettlement,
			Ref:         marketID,
			CreatedAt:   now,
		}))
	}
	for _, c := range changes {
		env.Writes = append(env.Writes, outbox.ShareChange(c))
	}
	env.Writes = append(env.Writes, outbox.SaveSettlement(*record))
	env.Events = shareEvents(changes, s.accounts, s.markets)

	handOff(ctx, s.outbox, s.logger, env, "settlement not submitted",
		slog.String("market_id", marketID),
		slog.String("user", user),
	)

	s.logger.Info("shares settled",
		slog.String("market_id", marketID),
		slog.String("user", user),
		slog.String("type", string(kind)),
		slog.String("payout", total.String()),
	)
	return record, nil
}

// GetSettlementStatus reports what SettleUserShares would pay, or paid,
// without changing anything. Refusals are reported in Reason.
func (s *SettlementService) GetSettlementStatus(marketID, user string) (*domain.SettlementStatus, error) {
	m, err := s.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	status := &domain.SettlementStatus{
		MarketID:     marketID,
		UserAddress:  user,
		MarketStatus: m.Status,
		TotalPayout:  decimal.Zero,
	}

	if !m.Status.IsSettleable() {
		status.Reason = domain.ErrMarketNotSettleable.Error()
		return status, nil
	}
	if r, ok := s.settlements.Get(marketID, user); ok {
		status.Settled = true
		status.SettlementType = r.SettlementType
		status.Positions = r.Positions
		status.TotalPayout = r.TotalPayout
		status.Reason = domain.ErrAlreadySettled.Error()
		return status, nil
	}

	var positions []domain.SharePosition
	if account, err := s.accounts.Get(user); err == nil {
		account.Mu.Lock()
		positions = account.MarketPositions(marketID)
		account.Mu.Unlock()
	}
	if len(positions) == 0 {
		status.Reason = domain.ErrNoShares.Error()
		return status, nil
	}

	breakdown, total, kind, err := payouts(m, positions)
	if errors.Is(err, domain.ErrNoWinningOutcome) {
		status.Reason = err.Error()
		return status, nil
	}
	status.CanSettle = true
	status.SettlementType = kind
	status.Positions = breakdown
	status.TotalPayout = total
	return status, nil
}
