package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/oracle"
	"github.com/efreitasn/predex/internal/store"
)

var marketIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// CreateMarketRequest represents the input for market creation. Outcomes
// default to Yes/No; ids are generated when empty.
type CreateMarketRequest struct {
	MarketID       string
	Question       string
	Description    string
	Category       string
	Outcomes       []OutcomeInput
	ResolutionTime *time.Time
}

// OutcomeInput is one outcome of a market being created.
type OutcomeInput struct {
	OutcomeID   string
	Name        string
	Probability *decimal.Decimal // defaults to 0.5
}

// BookResponse represents the response for the market book endpoint.
type BookResponse struct {
	Key        domain.MarketKey
	Bids       []engine.PriceLevel
	Asks       []engine.PriceLevel
	Spread     *decimal.Decimal // nil if either side empty
	SnapshotAt time.Time
}

// QuoteResponse represents the response for the market quote endpoint.
type QuoteResponse struct {
	Key               domain.MarketKey
	Side              domain.OrderSide
	AmountRequested   decimal.Decimal
	AmountAvailable   decimal.Decimal
	FullyFillable     bool
	EstimatedAvgPrice *decimal.Decimal // nil when no liquidity
	EstimatedTotal    *decimal.Decimal // nil when no liquidity
	EstimatedFee      decimal.Decimal
	PriceLevels       []engine.QuotePriceLevel
	QuotedAt          time.Time
}

// TransitionResponse is a market after an admin status change and the
// number of resting orders the change cancelled.
type TransitionResponse struct {
	Market          domain.Market
	CancelledOrders int
}

// MarketService handles market creation, reads, admin status changes and
// probability overrides.
type MarketService struct {
	markets *store.MarketStore
	trades  *store.TradeStore
	matcher *engine.Matcher
	expiry  *engine.ExpiryManager
	oracle  *oracle.Oracle
	outbox  Outbox
	logger  *slog.Logger
	now     func() time.Time
}

// NewMarketService creates a new MarketService with the given dependencies.
func NewMarketService(
	markets *store.MarketStore,
	trades *store.TradeStore,
	matcher *engine.Matcher,
	expiry *engine.ExpiryManager,
	oc *oracle.Oracle,
	ob Outbox,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		trades:  trades,
		matcher: matcher,
		expiry:  expiry,
		oracle:  oc,
		outbox:  ob,
		logger:  logger.With(slog.String("component", "markets")),
		now:     time.Now,
	}
}

// CreateMarket validates the request and opens an active market.
func (s *MarketService) CreateMarket(ctx context.Context, req CreateMarketRequest) (*domain.Market, error) {
	if req.MarketID == "" {
		req.MarketID = uuid.NewString()
	}
	if !marketIDRegex.MatchString(req.MarketID) {
		return nil, &domain.ValidationError{Message: "market_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, &domain.ValidationError{Message: "question is required"}
	}
	if len(req.Outcomes) == 0 {
		req.Outcomes = []OutcomeInput{{Name: "Yes"}, {Name: "No"}}
	}
	if len(req.Outcomes) < 2 || len(req.Outcomes) > 10 {
		return nil, &domain.ValidationError{Message: "a market needs between 2 and 10 outcomes"}
	}

	now := s.now()
	if req.ResolutionTime != nil && !req.ResolutionTime.After(now) {
		return nil, &domain.ValidationError{Message: "resolution_time must be a future timestamp"}
	}

	outcomes := make([]domain.Outcome, 0, len(req.Outcomes))
	ids := make(map[string]bool)
	names := make(map[string]bool)
	for _, in := range req.Outcomes {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, &domain.ValidationError{Message: "outcome name is required"}
		}
		id := in.OutcomeID
		if id == "" {
			id = uuid.NewString()
		}
		if !marketIDRegex.MatchString(id) {
			return nil, &domain.ValidationError{Message: "outcome_id must match ^[a-zA-Z0-9_-]{1,64}$"}
		}
		if ids[id] || names[strings.ToLower(name)] {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("duplicate outcome: %s", name)}
		}
		ids[id] = true
		names[strings.ToLower(name)] = true

		p := domain.Half
		if in.Probability != nil {
			p = domain.ClipProbability(*in.Probability)
		}
		outcomes = append(outcomes, domain.Outcome{OutcomeID: id, Name: name, Probability: p})
	}

	m := &domain.Market{
		MarketID:       req.MarketID,
		Question:       strings.TrimSpace(req.Question),
		Description:    req.Description,
		Category:       req.Category,
		Status:         domain.MarketStatusActive,
		Outcomes:       outcomes,
		Volume24h:      decimal.Zero,
		TotalVolume:    decimal.Zero,
		ResolutionTime: req.ResolutionTime,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.markets.Create(m); err != nil {
		return nil, err
	}
	handOff(ctx, s.outbox, s.logger, marketEnvelope(*m), "market not submitted", slog.String("market_id", m.MarketID))
	return m, nil
}

// GetMarket returns a market with its volume over the trailing window.
func (s *MarketService) GetMarket(marketID string) (*domain.Market, error) {
	m, err := s.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	m.Volume24h, m.TotalVolume = s.trades.Volume(marketID, s.now().Add(-volumeWindow))
	return m, nil
}

// ListMarkets returns all markets, optionally filtered by status.
func (s *MarketService) ListMarkets(status *domain.MarketStatus) ([]*domain.Market, error) {
	if status != nil {
		switch *status {
		case domain.MarketStatusActive, domain.MarketStatusPaused,
			domain.MarketStatusResolved, domain.MarketStatusCancelled:
		default:
			return nil, &domain.ValidationError{
				Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: active, paused, resolved, cancelled", *status),
			}
		}
	}
	return s.markets.List(status), nil
}

func (s *MarketService) key(marketID, outcomeID string, shareType domain.ShareType) (domain.MarketKey, error) {
	m, err := s.markets.Get(marketID)
	if err != nil {
		return domain.MarketKey{}, err
	}
	if !m.HasOutcome(outcomeID) {
		return domain.MarketKey{}, domain.ErrOutcomeNotFound
	}
	if !shareType.Valid() {
		return domain.MarketKey{}, &domain.ValidationError{Message: "share_type must be 'yes' or 'no'"}
	}
	return domain.MarketKey{MarketID: marketID, OutcomeID: outcomeID, ShareType: shareType}, nil
}

// GetBook returns the top N price levels of one book of the market.
func (s *MarketService) GetBook(marketID, outcomeID string, shareType domain.ShareType, depth int) (*BookResponse, error) {
	key, err := s.key(marketID, outcomeID, shareType)
	if err != nil {
		return nil, err
	}
	if depth < 1 || depth > 50 {
		return nil, &domain.ValidationError{
			Message: "depth must be between 1 and 50",
		}
	}

	snap := s.matcher.BookSnapshot(key, depth)
	resp := &BookResponse{
		Key:        key,
		Bids:       snap.Bids,
		Asks:       snap.Asks,
		SnapshotAt: snap.Timestamp,
	}

	// Compute spread = best_ask - best_bid (null if either side empty).
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		spread := snap.Asks[0].Price.Sub(snap.Bids[0].Price)
		resp.Spread = &spread
	}
	return resp, nil
}

// GetQuote simulates a market order against the current book and returns
// the estimated result without placing an order.
func (s *MarketService) GetQuote(marketID, outcomeID string, shareType domain.ShareType, side domain.OrderSide, amount decimal.Decimal) (*QuoteResponse, error) {
	key, err := s.key(marketID, outcomeID, shareType)
	if err != nil {
		return nil, err
	}
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return nil, &domain.ValidationError{
			Message: "side must be 'buy' or 'sell'",
		}
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, &domain.ValidationError{Message: err.Error()}
	}

	result := s.matcher.SimulateMarketOrder(key, side, amount)
	return &QuoteResponse{
		Key:               key,
		Side:              side,
		AmountRequested:   amount,
		AmountAvailable:   result.AmountAvailable,
		FullyFillable:     result.FullyFillable,
		EstimatedAvgPrice: result.EstimatedAvgPrice,
		EstimatedTotal:    result.EstimatedTotal,
		EstimatedFee:      result.EstimatedFee,
		PriceLevels:       result.PriceLevels,
		QuotedAt:          s.now(),
	}, nil
}

// GetTrades returns the market's most recent executions, newest first.
func (s *MarketService) GetTrades(marketID string, limit int) ([]*domain.TradeExecution, error) {
	if _, err := s.markets.Get(marketID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 500"}
	}
	return s.trades.ByMarket(marketID, limit), nil
}

// Close pauses trading. Resting orders are cancelled.
func (s *MarketService) Close(ctx context.Context, marketID string) (*TransitionResponse, error) {
	return s.transition(ctx, marketID, domain.MarketStatusPaused, "")
}

// Reopen resumes trading on a paused market.
func (s *MarketService) Reopen(ctx context.Context, marketID string) (*TransitionResponse, error) {
	return s.transition(ctx, marketID, domain.MarketStatusActive, "")
}

// Resolve ends the market with a winning outcome.
func (s *MarketService) Resolve(ctx context.Context, marketID, winningOutcomeID string) (*TransitionResponse, error) {
	return s.transition(ctx, marketID, domain.MarketStatusResolved, winningOutcomeID)
}

// Cancel ends the market without a winner; shares are refunded at cost.
func (s *MarketService) Cancel(ctx context.Context, marketID string) (*TransitionResponse, error) {
	return s.transition(ctx, marketID, domain.MarketStatusCancelled, "")
}

// transition changes the status first so the matcher rejects new orders,
// then sweeps the books of a market that stopped trading.
func (s *MarketService) transition(ctx context.Context, marketID string, to domain.MarketStatus, winningOutcomeID string) (*TransitionResponse, error) {
	m, err := s.markets.Transition(marketID, to, winningOutcomeID, s.now())
	if err != nil {
		return nil, err
	}

	var cancelled []domain.Order
	if to != domain.MarketStatusActive {
		cancelled = s.matcher.CancelMarketOrders(marketID)
		for _, o := range cancelled {
			s.expiry.Remove(o.OrderID)
		}
	}

	env := cancelEnvelope(cancelled, "market_closed", s.matcher)
	menv := marketEnvelope(*m)
	env.Writes = append(env.Writes, menv.Writes...)
	env.Events = append(env.Events, menv.Events...)
	env.Invalidate = menv.Invalidate
	handOff(ctx, s.outbox, s.logger, env, "market transition not submitted",
		slog.String("market_id", marketID),
		slog.String("status", string(to)),
	)

	s.logger.Info("market status changed",
		slog.String("market_id", marketID),
		slog.String("status", string(to)),
		slog.Int("cancelled_orders", len(cancelled)),
	)
	return &TransitionResponse{Market: *m, CancelledOrders: len(cancelled)}, nil
}

// SetProbability is the admin override of an outcome's probability.
func (s *MarketService) SetProbability(ctx context.Context, marketID, outcomeID string, prob decimal.Decimal) (*domain.Market, error) {
	if _, err := s.oracle.SetProbabilityManual(ctx, marketID, outcomeID, prob); err != nil {
		return nil, err
	}
	return s.markets.Get(marketID)
}

// RefreshProbability recomputes every outcome of the market from its books.
func (s *MarketService) RefreshProbability(ctx context.Context, marketID string) (*domain.Market, error) {
	m, err := s.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	for _, o := range m.Outcomes {
		if _, err := s.oracle.UpdateFromOrderbook(ctx, marketID, o.OutcomeID); err != nil {
			return nil, err
		}
	}
	return s.markets.Get(marketID)
}

// ExternalProbability pulls an outcome's probability from a named source.
func (s *MarketService) ExternalProbability(ctx context.Context, marketID, outcomeID, source string) (*domain.Market, error) {
	if _, err := s.oracle.FetchFromExternal(ctx, marketID, outcomeID, source); err != nil {
		return nil, err
	}
	return s.markets.Get(marketID)
}
