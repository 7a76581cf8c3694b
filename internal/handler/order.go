package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/service"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// placeOrderRequest is the JSON request body for POST /orders.
type placeOrderRequest struct {
	MarketID  string           `json:"market_id" validate:"required,max=64"`
	OutcomeID string           `json:"outcome_id" validate:"required,max=64"`
	ShareType string           `json:"share_type" validate:"required"`
	Side      string           `json:"side" validate:"required"`
	Type      string           `json:"type" validate:"required"`
	Price     *decimal.Decimal `json:"price"`
	Amount    *decimal.Decimal `json:"amount" validate:"required"`
	ExpiresAt *string          `json:"expires_at"`
}

// orderResponse is the JSON form of an order. Nullable fields are always
// present.
type orderResponse struct {
	OrderID         string           `json:"order_id"`
	MarketID        string           `json:"market_id"`
	OutcomeID       string           `json:"outcome_id"`
	ShareType       string           `json:"share_type"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Price           *decimal.Decimal `json:"price"`
	Amount          decimal.Decimal  `json:"amount"`
	FilledAmount    decimal.Decimal  `json:"filled_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	Status          string           `json:"status"`
	UserAddress     string           `json:"user_address"`
	AveragePrice    *decimal.Decimal `json:"average_price"`
	FeesPaid        decimal.Decimal  `json:"fees_paid"`
	ExpiresAt       *string          `json:"expires_at"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at"`
	CancelledAt     *string          `json:"cancelled_at"`
}

type placeOrderResponse struct {
	orderResponse
	Trades []tradeResponse `json:"trades"`
}

type cancelOrderResponse struct {
	orderResponse
	Cancelled bool `json:"cancelled"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// tradeResponse is the JSON form of an execution.
type tradeResponse struct {
	TradeID      string          `json:"trade_id"`
	MarketID     string          `json:"market_id"`
	OutcomeID    string          `json:"outcome_id"`
	ShareType    string          `json:"share_type"`
	MatchType    string          `json:"match_type"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID *string         `json:"taker_order_id"`
	MakerAddress string          `json:"maker_address"`
	TakerAddress string          `json:"taker_address"`
	ExecutedAt   string          `json:"executed_at"`
}

// PlaceOrder handles POST /orders.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "expires_at must be a valid RFC 3339 timestamp")
			return
		}
		expiresAt = &t
	}

	resp, err := h.orderSvc.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		UserAddress: userAddress(r),
		MarketID:    req.MarketID,
		OutcomeID:   req.OutcomeID,
		ShareType:   domain.ShareType(req.ShareType),
		Side:        domain.OrderSide(req.Side),
		Type:        domain.OrderType(req.Type),
		Price:       req.Price,
		Amount:      *req.Amount,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, placeOrderResponse{
		orderResponse: buildOrderResponse(&resp.Order),
		Trades:        buildTradeResponses(resp.Trades),
	})
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.GetOrder(chi.URLParam(r, "order_id"), userAddress(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}. An order that already
// filled or was cancelled is returned with cancelled=false.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := h.orderSvc.CancelOrder(r.Context(), chi.URLParam(r, "order_id"), userAddress(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cancelOrderResponse{
		orderResponse: buildOrderResponse(&resp.Order),
		Cancelled:     resp.Cancelled,
	})
}

// ListOrders handles GET /orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var status *domain.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := domain.OrderStatus(s)
		status = &st
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	orders, total, err := h.orderSvc.ListOrders(userAddress(r), status, page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]orderResponse, len(orders))
	for i := range orders {
		items[i] = buildOrderResponse(&orders[i])
	}
	WriteJSON(w, http.StatusOK, orderListResponse{
		Orders: items,
		Total:  total,
		Page:   page,
		Limit:  limit,
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// buildOrderResponse renders an order. Market orders have a null price.
func buildOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:         o.OrderID,
		MarketID:        o.MarketID,
		OutcomeID:       o.OutcomeID,
		ShareType:       string(o.ShareType),
		Side:            string(o.Side),
		Type:            string(o.Type),
		Amount:          o.Amount,
		FilledAmount:    o.FilledAmount,
		RemainingAmount: o.Remaining(),
		Status:          string(o.Status),
		UserAddress:     o.UserAddress,
		FeesPaid:        o.FeesPaid,
		ExpiresAt:       formatTimePtr(o.ExpiresAt),
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
		CancelledAt:     formatTimePtr(o.CancelledAt),
	}
	if o.Type == domain.OrderTypeLimit {
		p := o.Price
		resp.Price = &p
	}
	if avg, ok := o.AveragePrice(); ok {
		resp.AveragePrice = &avg
	}
	return resp
}

func buildTradeResponse(t *domain.TradeExecution) tradeResponse {
	return tradeResponse{
		TradeID:      t.TradeID,
		MarketID:     t.MarketID,
		OutcomeID:    t.OutcomeID,
		ShareType:    string(t.ShareType),
		MatchType:    string(t.MatchType),
		Side:         string(t.Side),
		Price:        t.Price,
		Amount:       t.Amount,
		Fee:          t.Fee,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		MakerAddress: t.MakerAddress,
		TakerAddress: t.TakerAddress,
		ExecutedAt:   formatTime(t.Timestamp),
	}
}

func buildTradeResponses(trades []domain.TradeExecution) []tradeResponse {
	result := make([]tradeResponse, len(trades))
	for i := range trades {
		result[i] = buildTradeResponse(&trades[i])
	}
	return result
}
