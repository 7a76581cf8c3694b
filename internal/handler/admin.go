package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/service"
)

// AdminHandler handles the operator endpoints under /admin.
type AdminHandler struct {
	marketSvc *service.MarketService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(marketSvc *service.MarketService) *AdminHandler {
	return &AdminHandler{marketSvc: marketSvc}
}

type outcomeRequest struct {
	OutcomeID   string           `json:"outcome_id" validate:"max=64"`
	Name        string           `json:"name" validate:"required,max=128"`
	Probability *decimal.Decimal `json:"probability"`
}

// createMarketRequest is the JSON request body for POST /admin/markets.
type createMarketRequest struct {
	MarketID       string           `json:"market_id" validate:"max=64"`
	Question       string           `json:"question" validate:"required,max=512"`
	Description    string           `json:"description" validate:"max=4096"`
	Category       string           `json:"category" validate:"max=64"`
	Outcomes       []outcomeRequest `json:"outcomes" validate:"omitempty,min=2,dive"`
	ResolutionTime *string          `json:"resolution_time"`
}

type resolveRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id" validate:"required"`
}

type probabilityRequest struct {
	OutcomeID   string           `json:"outcome_id" validate:"required"`
	Probability *decimal.Decimal `json:"probability" validate:"required"`
}

type externalProbabilityRequest struct {
	OutcomeID string `json:"outcome_id" validate:"required"`
	Source    string `json:"source" validate:"required"`
}

// transitionResponse is the JSON response of the status-changing admin
// endpoints.
type transitionResponse struct {
	Market          marketResponse `json:"market"`
	CancelledOrders int            `json:"cancelled_orders"`
}

// CreateMarket handles POST /admin/markets.
func (h *AdminHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}

	var resolutionTime *time.Time
	if req.ResolutionTime != nil {
		t, err := time.Parse(time.RFC3339, *req.ResolutionTime)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "resolution_time must be a valid RFC 3339 timestamp")
			return
		}
		resolutionTime = &t
	}

	outcomes := make([]service.OutcomeInput, len(req.Outcomes))
	for i, o := range req.Outcomes {
		outcomes[i] = service.OutcomeInput{OutcomeID: o.OutcomeID, Name: o.Name, Probability: o.Probability}
	}

	m, err := h.marketSvc.CreateMarket(r.Context(), service.CreateMarketRequest{
		MarketID:       req.MarketID,
		Question:       req.Question,
		Description:    req.Description,
		Category:       req.Category,
		Outcomes:       outcomes,
		ResolutionTime: resolutionTime,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildMarketResponse(m))
}

// Resolve handles POST /admin/markets/{market_id}/resolve.
func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}
	resp, err := h.marketSvc.Resolve(r.Context(), chi.URLParam(r, "market_id"), req.WinningOutcomeID)
	writeTransition(w, resp, err)
}

// Cancel handles POST /admin/markets/{market_id}/cancel.
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	resp, err := h.marketSvc.Cancel(r.Context(), chi.URLParam(r, "market_id"))
	writeTransition(w, resp, err)
}

// Close handles POST /admin/markets/{market_id}/close.
func (h *AdminHandler) Close(w http.ResponseWriter, r *http.Request) {
	resp, err := h.marketSvc.Close(r.Context(), chi.URLParam(r, "market_id"))
	writeTransition(w, resp, err)
}

// Reopen handles POST /admin/markets/{market_id}/reopen.
func (h *AdminHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	resp, err := h.marketSvc.Reopen(r.Context(), chi.URLParam(r, "market_id"))
	writeTransition(w, resp, err)
}

// SetProbability handles POST /admin/markets/{market_id}/probability.
func (h *AdminHandler) SetProbability(w http.ResponseWriter, r *http.Request) {
	var req probabilityRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}
	m, err := h.marketSvc.SetProbability(r.Context(), chi.URLParam(r, "market_id"), req.OutcomeID, *req.Probability)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildMarketResponse(m))
}

// RefreshProbability handles POST /admin/markets/{market_id}/refresh-probability.
func (h *AdminHandler) RefreshProbability(w http.ResponseWriter, r *http.Request) {
	m, err := h.marketSvc.RefreshProbability(r.Context(), chi.URLParam(r, "market_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildMarketResponse(m))
}

// ExternalProbability handles POST /admin/markets/{market_id}/external-probability.
func (h *AdminHandler) ExternalProbability(w http.ResponseWriter, r *http.Request) {
	var req externalProbabilityRequest
	if err := ParseJSON(r, &req); err != nil {
		writeParseError(w, err)
		return
	}
	m, err := h.marketSvc.ExternalProbability(r.Context(), chi.URLParam(r, "market_id"), req.OutcomeID, req.Source)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildMarketResponse(m))
}

func writeTransition(w http.ResponseWriter, resp *service.TransitionResponse, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, transitionResponse{
		Market:          buildMarketResponse(&resp.Market),
		CancelledOrders: resp.CancelledOrders,
	})
}
