package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/service"
)

// AccountHandler handles HTTP requests for account, position and
// settlement endpoints.
type AccountHandler struct {
	accountSvc    *service.AccountService
	settlementSvc *service.SettlementService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountSvc *service.AccountService, settlementSvc *service.SettlementService) *AccountHandler {
	return &AccountHandler{
		accountSvc:    accountSvc,
		settlementSvc: settlementSvc,
	}
}

// registerAccountRequest is the JSON request body for POST /accounts.
type registerAccountRequest struct {
	Address        string           `json:"address" validate:"required,max=128"`
	InitialBalance *decimal.Decimal `json:"initial_balance"`
}

// balanceResponse is the JSON response for POST /accounts and
// GET /account/balance.
type balanceResponse struct {
	Address   string          `json:"address"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	CreatedAt string          `json:"created_at"`
}

type positionResponse struct {
	MarketID      string          `json:"market_id"`
	OutcomeID     string          `json:"outcome_id"`
	ShareType     string          `json:"share_type"`
	Amount        decimal.Decimal `json:"amount"`
	Reserved      decimal.Decimal `json:"reserved"`
	Available     decimal.Decimal `json:"available"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type positionListResponse struct {
	Address   string             `json:"address"`
	Positions []positionResponse `json:"positions"`
}

type payoutResponse struct {
	OutcomeID      string          `json:"outcome_id"`
	ShareType      string          `json:"share_type"`
	Amount         decimal.Decimal `json:"amount"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	Payout         decimal.Decimal `json:"payout"`
}

// settlementResponse is the JSON response for POST /account/settle/{market_id}.
type settlementResponse struct {
	MarketID       string           `json:"market_id"`
	UserAddress    string           `json:"user_address"`
	SettlementType string           `json:"settlement_type"`
	TotalPayout    decimal.Decimal  `json:"total_payout"`
	Positions      []payoutResponse `json:"positions"`
	SettledAt      string           `json:"settled_at"`
}

// settlementStatusResponse is the JSON response for
// GET /account/settle/{market_id}/status.
type settlementStatusResponse struct {
	MarketID       string           `json:"market_id"`
	UserAddress    string           `json:"user_address"`
	MarketStatus   string           `json:"market_status"`
	CanSettle      bool             `json:"can_settle"`
	Settled        bool             `json:"settled"`
	SettlementType *string          `json:"settlement_type"`
	Positions      []payoutResponse `json:"positions"`
	TotalPayout    decimal.Decimal  `json:"total_payout"`
	Reason         *string          `json:"reason"`
}

// Register handles POST /accounts.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}

	initial := decimal.Zero
	if req.InitialBalance != nil {
		initial = *req.InitialBalance
	}
	balance, err := h.accountSvc.Register(r.Context(), service.RegisterAccountRequest{
		Address:        req.Address,
		InitialBalance: initial,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildBalanceResponse(balance))
}

// GetBalance handles GET /account/balance.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.accountSvc.GetBalance(userAddress(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildBalanceResponse(balance))
}

// GetPositions handles GET /account/positions?market_id=.
func (h *AccountHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	user := userAddress(r)
	positions, err := h.accountSvc.GetPositions(user, r.URL.Query().Get("market_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := positionListResponse{Address: user, Positions: make([]positionResponse, len(positions))}
	for i, p := range positions {
		resp.Positions[i] = positionResponse{
			MarketID:      p.MarketID,
			OutcomeID:     p.OutcomeID,
			ShareType:     string(p.ShareType),
			Amount:        p.Amount,
			Reserved:      p.Reserved,
			Available:     p.Available,
			AvgCost:       p.AvgCost,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Settle handles POST /account/settle/{market_id}.
func (h *AccountHandler) Settle(w http.ResponseWriter, r *http.Request) {
	record, err := h.settlementSvc.SettleUserShares(r.Context(), chi.URLParam(r, "market_id"), userAddress(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, settlementResponse{
		MarketID:       record.MarketID,
		UserAddress:    record.UserAddress,
		SettlementType: string(record.SettlementType),
		TotalPayout:    record.TotalPayout,
		Positions:      buildPayoutResponses(record.Positions),
		SettledAt:      formatTime(record.SettledAt),
	})
}

// SettlementStatus handles GET /account/settle/{market_id}/status.
func (h *AccountHandler) SettlementStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.settlementSvc.GetSettlementStatus(chi.URLParam(r, "market_id"), userAddress(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := settlementStatusResponse{
		MarketID:     st.MarketID,
		UserAddress:  st.UserAddress,
		MarketStatus: string(st.MarketStatus),
		CanSettle:    st.CanSettle,
		Settled:      st.Settled,
		Positions:    buildPayoutResponses(st.Positions),
		TotalPayout:  st.TotalPayout,
	}
	if st.SettlementType != "" {
		t := string(st.SettlementType)
		resp.SettlementType = &t
	}
	if st.Reason != "" {
		reason := st.Reason
		resp.Reason = &reason
	}
	WriteJSON(w, http.StatusOK, resp)
}

func buildBalanceResponse(b *service.BalanceResponse) balanceResponse {
	return balanceResponse{
		Address:   b.Address,
		Balance:   b.Balance,
		Reserved:  b.Reserved,
		Available: b.Available,
		CreatedAt: formatTime(b.CreatedAt),
	}
}

func buildPayoutResponses(payouts []domain.PositionPayout) []payoutResponse {
	out := make([]payoutResponse, len(payouts))
	for i, p := range payouts {
		out[i] = payoutResponse{
			OutcomeID:      p.OutcomeID,
			ShareType:      string(p.ShareType),
			Amount:         p.Amount,
			PayoutPerShare: p.PayoutPerShare,
			Payout:         p.Payout,
		}
	}
	return out
}
