package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/oracle"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/pubsub"
	"github.com/efreitasn/predex/internal/store"
)

// volumeWindow is the trailing window of Market.Volume24h.
const volumeWindow = 24 * time.Hour

// ValidOrderStatuses lists all valid order status values for validation.
var ValidOrderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusOpen:            true,
	domain.OrderStatusPartiallyFilled: true,
	domain.OrderStatusFilled:          true,
	domain.OrderStatusCancelled:       true,
}

// PlaceOrderRequest represents the input for order placement.
type PlaceOrderRequest struct {
	UserAddress string
	MarketID    string
	OutcomeID   string
	ShareType   domain.ShareType
	Side        domain.OrderSide
	Type        domain.OrderType
	Price       *decimal.Decimal // required for limit, must be nil for market
	Amount      decimal.Decimal
	ExpiresAt   *time.Time // optional for limit, must be nil for market
}

// PlaceOrderResponse is the taker order after matching and the trades it
// produced.
type PlaceOrderResponse struct {
	Order  domain.Order
	Trades []domain.TradeExecution
}

// CancelOrderResponse reports the order state after a cancel request.
// Cancelled is false when the order had already filled or been cancelled.
type CancelOrderResponse struct {
	Order     domain.Order
	Cancelled bool
}

// OrderService handles order placement, retrieval, cancellation and listing.
type OrderService struct {
	matcher  *engine.Matcher
	expiry   *engine.ExpiryManager
	oracle   *oracle.Oracle
	accounts *store.AccountStore
	markets  *store.MarketStore
	trades   *store.TradeStore
	outbox   Outbox
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(
	matcher *engine.Matcher,
	expiry *engine.ExpiryManager,
	oc *oracle.Oracle,
	accounts *store.AccountStore,
	markets *store.MarketStore,
	trades *store.TradeStore,
	ob Outbox,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		matcher:  matcher,
		expiry:   expiry,
		oracle:   oc,
		accounts: accounts,
		markets:  markets,
		trades:   trades,
		outbox:   ob,
		logger:   logger.With(slog.String("component", "orders")),
		now:      time.Now,
	}
}

// PlaceOrder validates the request, runs the matching engine and hands
// the result to the outbox once the books are unlocked.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if !s.accounts.Exists(req.UserAddress) {
		return nil, domain.ErrAccountNotFound
	}

	order := &domain.Order{
		MarketID:    req.MarketID,
		OutcomeID:   req.OutcomeID,
		ShareType:   req.ShareType,
		Side:        req.Side,
		Type:        req.Type,
		Amount:      req.Amount,
		UserAddress: req.UserAddress,
		ExpiresAt:   req.ExpiresAt,
	}
	if req.Price != nil {
		order.Price = *req.Price
	}

	res, err := s.matcher.PlaceOrder(order)
	if err != nil {
		return nil, err
	}

	s.expiry.Add(res.Order)
	for _, mk := range res.Makers {
		if !mk.Status.IsResting() {
			s.expiry.Remove(mk.OrderID)
		}
	}

	handOff(ctx, s.outbox, s.logger, s.matchEnvelope(ctx, res), "match result not submitted",
		slog.String("order_id", res.Order.OrderID),
		slog.Int("trades", len(res.Trades)),
	)

	return &PlaceOrderResponse{Order: res.Order, Trades: res.Trades}, nil
}

func (s *OrderService) validate(req PlaceOrderRequest) error {
	if req.Type != domain.OrderTypeLimit && req.Type != domain.OrderTypeMarket {
		return &domain.ValidationError{
			Message: fmt.Sprintf("Unknown order type: %s. Must be one of: limit, market", req.Type),
		}
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	if !req.ShareType.Valid() {
		return &domain.ValidationError{Message: "share_type must be 'yes' or 'no'"}
	}
	if req.MarketID == "" || req.OutcomeID == "" {
		return &domain.ValidationError{Message: "market_id and outcome_id are required"}
	}

	if req.Type == domain.OrderTypeMarket {
		if req.Price != nil {
			return &domain.ValidationError{Message: "market orders must not include price"}
		}
		if req.ExpiresAt != nil {
			return &domain.ValidationError{Message: "market orders must not include expires_at"}
		}
		return nil
	}

	if req.Price == nil {
		return &domain.ValidationError{Message: "price is required for limit orders"}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return &domain.ValidationError{Message: "expires_at must be a future timestamp"}
	}
	return nil
}

// matchEnvelope collects the writes and events of a match. Trades also
// move the market's volume and probability.
func (s *OrderService) matchEnvelope(ctx context.Context, res *engine.MatchResult) outbox.Envelope {
	var env outbox.Envelope

	env.Writes = append(env.Writes, outbox.SaveOrder(res.Order))
	for _, mk := range res.Makers {
		env.Writes = append(env.Writes, outbox.UpdateOrderFill(mk))
	}
	if len(res.Trades) > 0 {
		env.Writes = append(env.Writes, outbox.SaveTrades(res.Trades))
	}
	for _, c := range res.BalanceChanges {
		env.Writes = append(env.Writes, outbox.Balance(c))
	}
	for _, c := range res.ShareChanges {
		env.Writes = append(env.Writes, outbox.ShareChange(c))
	}

	for _, t := range res.Trades {
		env.Events = append(env.Events, pubsub.TradeEvents(t)...)
	}
	env.Events = append(env.Events, pubsub.Event{
		Channel: pubsub.OrdersChannel(res.Order.UserAddress),
		Payload: pubsub.NewOrderUpdate(res.Order, ""),
	})
	for _, mk := range res.Makers {
		env.Events = append(env.Events, pubsub.Event{
			Channel: pubsub.OrdersChannel(mk.UserAddress),
			Payload: pubsub.NewOrderUpdate(mk, ""),
		})
	}
	for _, k := range res.Touched {
		env.Events = append(env.Events, pubsub.OrderbookEvents(s.matcher.BookSnapshot(k, eventBookDepth))...)
	}
	env.Events = append(env.Events, shareEvents(res.ShareChanges, s.accounts, s.markets)...)

	if len(res.Trades) > 0 {
		if m := s.afterTrades(ctx, res.Order.MarketID, res.Trades[len(res.Trades)-1]); m != nil {
			menv := marketEnvelope(*m)
			env.Writes = append(env.Writes, menv.Writes...)
			env.Events = append(env.Events, menv.Events...)
			env.Invalidate = append(env.Invalidate, menv.Invalidate...)
		}
	}
	return env
}

// afterTrades refreshes the market's volume and moves its probability to
// the last print. It returns the market when the oracle did not already
// announce it.
func (s *OrderService) afterTrades(ctx context.Context, marketID string, last domain.TradeExecution) *domain.Market {
	window, total := s.trades.Volume(marketID, s.now().Add(-volumeWindow))
	s.markets.SetVolume(marketID, window, total)

	before, err := s.markets.Get(marketID)
	if err != nil {
		return nil
	}
	prev, _ := before.Outcome(last.OutcomeID)

	p, err := s.oracle.UpdateFromTrade(ctx, last)
	if err != nil {
		s.logger.Warn("probability not updated from trade",
			slog.String("trade_id", last.TradeID),
			slog.String("error", err.Error()),
		)
	}
	if err == nil && !p.Equal(prev.Probability) {
		return nil
	}
	m, err := s.markets.Get(marketID)
	if err != nil {
		return nil
	}
	return m
}

// GetOrder retrieves one of the user's orders. Orders of other users are
// reported as not found.
func (s *OrderService) GetOrder(orderID, user string) (*domain.Order, error) {
	o, err := s.matcher.Order(orderID)
	if err != nil {
		return nil, err
	}
	if o.UserAddress != user {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

// CancelOrder cancels one of the user's resting orders. Losing the race
// against a fill is not an error: the response carries the current state
// with Cancelled=false.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, user string) (*CancelOrderResponse, error) {
	if _, err := s.GetOrder(orderID, user); err != nil {
		return nil, err
	}

	order, cancelled, err := s.matcher.CancelOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return &CancelOrderResponse{Order: order}, nil
	}

	s.expiry.Remove(orderID)
	handOff(ctx, s.outbox, s.logger, cancelEnvelope([]domain.Order{order}, "", s.matcher), "cancel not submitted",
		slog.String("order_id", orderID),
	)
	return &CancelOrderResponse{Order: order, Cancelled: true}, nil
}

// ListOrders returns a paginated list of the user's orders with optional
// status filtering.
func (s *OrderService) ListOrders(user string, status *domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	if !s.accounts.Exists(user) {
		return nil, 0, domain.ErrAccountNotFound
	}

	if status != nil {
		if !ValidOrderStatuses[*status] {
			return nil, 0, &domain.ValidationError{
				Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: open, partially_filled, filled, cancelled", *status),
			}
		}
	}

	if page < 1 {
		return nil, 0, &domain.ValidationError{
			Message: "page must be >= 1",
		}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{
			Message: "limit must be between 1 and 100",
		}
	}

	orders, total := s.matcher.UserOrders(user, status, page, limit)
	return orders, total, nil
}
