package service

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/store"
)

var addressRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)

// RegisterAccountRequest represents the input for account registration.
type RegisterAccountRequest struct {
	Address        string
	InitialBalance decimal.Decimal
}

// BalanceResponse represents the response for the account balance endpoint.
type BalanceResponse struct {
	Address   string
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
	CreatedAt time.Time
}

// PositionView is a share position valued at the outcome's current
// probability.
type PositionView struct {
	MarketID      string
	OutcomeID     string
	ShareType     domain.ShareType
	Amount        decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
	AvgCost       decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// AccountService handles account registration, balances and positions.
type AccountService struct {
	accounts *store.AccountStore
	markets  *store.MarketStore
	outbox   Outbox
	logger   *slog.Logger
	now      func() time.Time
}

// NewAccountService creates a new AccountService.
func NewAccountService(accounts *store.AccountStore, markets *store.MarketStore, ob Outbox, logger *slog.Logger) *AccountService {
	return &AccountService{
		accounts: accounts,
		markets:  markets,
		outbox:   ob,
		logger:   logger.With(slog.String("component", "accounts")),
		now:      time.Now,
	}
}

// Register validates the request, creates the account and records the
// initial deposit.
func (s *AccountService) Register(ctx context.Context, req RegisterAccountRequest) (*BalanceResponse, error) {
	if !addressRegex.MatchString(req.Address) {
		return nil, &domain.ValidationError{
			Message: "address must match ^[a-zA-Z0-9_.:-]{1,128}$",
		}
	}
	if req.InitialBalance.IsNegative() {
		return nil, &domain.ValidationError{
			Message: "initial_balance must be >= 0",
		}
	}
	if !domain.RoundUSDC(req.InitialBalance).Equal(req.InitialBalance) {
		return nil, &domain.ValidationError{
			Message: "initial_balance must have at most 6 decimal places",
		}
	}

	now := s.now()
	account := domain.NewAccount(req.Address, req.InitialBalance, now)
	if err := s.accounts.Create(account); err != nil {
		return nil, err
	}

	env := outbox.Envelope{Writes: []outbox.Write{outbox.EnsureAccount(req.Address)}}
	if req.InitialBalance.IsPositive() {
		env.Writes = append(env.Writes, outbox.Balance(domain.BalanceChange{
			EntryID:     uuid.NewString(),
			UserAddress: req.Address,
			Delta:       req.InitialBalance,
			Reason:      domain.BalanceDeposit,
			Ref:         req.Address,
			CreatedAt:   now,
		}))
	}
	handOff(ctx, s.outbox, s.logger, env, "account not submitted", slog.String("address", req.Address))

	return &BalanceResponse{
		Address:   account.Address,
		Balance:   account.Balance,
		Available: account.Balance,
		Reserved:  decimal.Zero,
		CreatedAt: account.CreatedAt,
	}, nil
}

// GetBalance returns the account's cash including reservations.
func (s *AccountService) GetBalance(address string) (*BalanceResponse, error) {
	account, err := s.accounts.Get(address)
	if err != nil {
		return nil, err
	}

	account.Mu.Lock()
	defer account.Mu.Unlock()

	return &BalanceResponse{
		Address:   account.Address,
		Balance:   account.Balance,
		Reserved:  account.Reserved,
		Available: account.Available(),
		CreatedAt: account.CreatedAt,
	}, nil
}

// GetPositions returns the account's non-zero positions sorted by book,
// optionally restricted to one market.
func (s *AccountService) GetPositions(address, marketID string) ([]PositionView, error) {
	account, err := s.accounts.Get(address)
	if err != nil {
		return nil, err
	}

	account.Mu.Lock()
	positions := make([]domain.SharePosition, 0, len(account.Positions))
	for k, p := range account.Positions {
		if p.Amount.IsZero() || (marketID != "" && k.MarketID != marketID) {
			continue
		}
		positions = append(positions, *p)
	}
	account.Mu.Unlock()

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Key().Less(positions[j].Key())
	})

	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		price := p.AvgCost
		if m, err := s.markets.Get(p.MarketID); err == nil {
			price = sharePrice(m, p.Key())
		}
		out = append(out, PositionView{
			MarketID:      p.MarketID,
			OutcomeID:     p.OutcomeID,
			ShareType:     p.ShareType,
			Amount:        p.Amount,
			Reserved:      p.Reserved,
			Available:     p.Available(),
			AvgCost:       p.AvgCost,
			CurrentPrice:  price,
			UnrealizedPnL: p.UnrealizedPnL(price),
		})
	}
	return out, nil
}
