package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/pubsub"
	"github.com/efreitasn/predex/internal/service"
)

// MarketHandler handles the public market read endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
	cache     pubsub.MarketCache
	logger    *slog.Logger
}

// NewMarketHandler creates a new MarketHandler. A nil cache disables
// caching of market documents.
func NewMarketHandler(marketSvc *service.MarketService, cache pubsub.MarketCache, logger *slog.Logger) *MarketHandler {
	if cache == nil {
		cache = pubsub.NopMarketCache{}
	}
	return &MarketHandler{marketSvc: marketSvc, cache: cache, logger: logger}
}

type outcomeResponse struct {
	OutcomeID   string          `json:"outcome_id"`
	Name        string          `json:"name"`
	Probability decimal.Decimal `json:"probability"`
}

// marketResponse is the JSON form of a market.
type marketResponse struct {
	MarketID         string            `json:"market_id"`
	Question         string            `json:"question"`
	Description      string            `json:"description"`
	Category         string            `json:"category"`
	Status           string            `json:"status"`
	Outcomes         []outcomeResponse `json:"outcomes"`
	WinningOutcomeID *string           `json:"winning_outcome_id"`
	YesPrice         decimal.Decimal   `json:"yes_price"`
	NoPrice          decimal.Decimal   `json:"no_price"`
	Volume24h        decimal.Decimal   `json:"volume_24h"`
	TotalVolume      decimal.Decimal   `json:"total_volume"`
	ResolutionTime   *string           `json:"resolution_time"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
	ResolvedAt       *string           `json:"resolved_at"`
}

type marketListResponse struct {
	Markets []marketResponse `json:"markets"`
	Total   int              `json:"total"`
}

type bookLevelResponse struct {
	Price       decimal.Decimal `json:"price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderCount  int             `json:"order_count"`
}

// bookResponse is the JSON response for GET /markets/{market_id}/book.
type bookResponse struct {
	MarketID   string              `json:"market_id"`
	OutcomeID  string              `json:"outcome_id"`
	ShareType  string              `json:"share_type"`
	Bids       []bookLevelResponse `json:"bids"`
	Asks       []bookLevelResponse `json:"asks"`
	Spread     *decimal.Decimal    `json:"spread"`
	SnapshotAt string              `json:"snapshot_at"`
}

type quoteLevelResponse struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// quoteResponse is the JSON response for GET /markets/{market_id}/quote.
type quoteResponse struct {
	MarketID          string               `json:"market_id"`
	OutcomeID         string               `json:"outcome_id"`
	ShareType         string               `json:"share_type"`
	Side              string               `json:"side"`
	AmountRequested   decimal.Decimal      `json:"amount_requested"`
	AmountAvailable   decimal.Decimal      `json:"amount_available"`
	FullyFillable     bool                 `json:"fully_fillable"`
	EstimatedAvgPrice *decimal.Decimal     `json:"estimated_average_price"`
	EstimatedTotal    *decimal.Decimal     `json:"estimated_total"`
	EstimatedFee      decimal.Decimal      `json:"estimated_fee"`
	PriceLevels       []quoteLevelResponse `json:"price_levels"`
	QuotedAt          string               `json:"quoted_at"`
}

type tradeListResponse struct {
	MarketID string          `json:"market_id"`
	Trades   []tradeResponse `json:"trades"`
}

// ListMarkets handles GET /markets?status=.
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var status *domain.MarketStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := domain.MarketStatus(s)
		status = &st
	}

	markets, err := h.marketSvc.ListMarkets(status)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := marketListResponse{Markets: make([]marketResponse, len(markets)), Total: len(markets)}
	for i, m := range markets {
		resp.Markets[i] = buildMarketResponse(m)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetMarket handles GET /markets/{market_id}. Documents are served from
// the market cache when present.
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	marketID := chi.URLParam(r, "market_id")

	doc, ok, err := h.cache.Get(ctx, marketID)
	if err != nil {
		h.logger.Warn("market cache read failed", slog.String("market_id", marketID), slog.String("error", err.Error()))
	}
	if ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
		return
	}

	m, err := h.marketSvc.GetMarket(marketID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	doc, err = json.Marshal(buildMarketResponse(m))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.cache.Set(ctx, marketID, doc); err != nil {
		h.logger.Warn("market cache write failed", slog.String("market_id", marketID), slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(doc, '\n'))
}

// GetBook handles GET /markets/{market_id}/book?outcome_id&share_type&depth.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	outcomeID, shareType, err := bookParams(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	depth, err := queryInt(r, "depth", 10)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	book, err := h.marketSvc.GetBook(chi.URLParam(r, "market_id"), outcomeID, shareType, depth)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, bookResponse{
		MarketID:   book.Key.MarketID,
		OutcomeID:  book.Key.OutcomeID,
		ShareType:  string(book.Key.ShareType),
		Bids:       buildLevels(book.Bids),
		Asks:       buildLevels(book.Asks),
		Spread:     book.Spread,
		SnapshotAt: formatTime(book.SnapshotAt),
	})
}

// GetQuote handles GET /markets/{market_id}/quote?outcome_id&share_type&side&amount.
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	outcomeID, shareType, err := bookParams(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "amount must be a positive decimal")
		return
	}
	side := domain.OrderSide(r.URL.Query().Get("side"))

	quote, err := h.marketSvc.GetQuote(chi.URLParam(r, "market_id"), outcomeID, shareType, side, amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	levels := make([]quoteLevelResponse, len(quote.PriceLevels))
	for i, pl := range quote.PriceLevels {
		levels[i] = quoteLevelResponse{Price: pl.Price, Amount: pl.Amount}
	}
	WriteJSON(w, http.StatusOK, quoteResponse{
		MarketID:          quote.Key.MarketID,
		OutcomeID:         quote.Key.OutcomeID,
		ShareType:         string(quote.Key.ShareType),
		Side:              string(quote.Side),
		AmountRequested:   quote.AmountRequested,
		AmountAvailable:   quote.AmountAvailable,
		FullyFillable:     quote.FullyFillable,
		EstimatedAvgPrice: quote.EstimatedAvgPrice,
		EstimatedTotal:    quote.EstimatedTotal,
		EstimatedFee:      quote.EstimatedFee,
		PriceLevels:       levels,
		QuotedAt:          formatTime(quote.QuotedAt),
	})
}

// GetTrades handles GET /markets/{market_id}/trades?limit.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "market_id")
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	trades, err := h.marketSvc.GetTrades(marketID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := tradeListResponse{MarketID: marketID, Trades: make([]tradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = buildTradeResponse(t)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// bookParams reads outcome_id (required) and share_type (default yes).
func bookParams(r *http.Request) (string, domain.ShareType, error) {
	q := r.URL.Query()
	outcomeID := q.Get("outcome_id")
	if outcomeID == "" {
		return "", "", &domain.ValidationError{Message: "outcome_id is required"}
	}
	shareType := domain.ShareYes
	if s := q.Get("share_type"); s != "" {
		shareType = domain.ShareType(s)
	}
	return outcomeID, shareType, nil
}

func buildLevels(levels []engine.PriceLevel) []bookLevelResponse {
	out := make([]bookLevelResponse, len(levels))
	for i, l := range levels {
		out[i] = bookLevelResponse{Price: l.Price, TotalAmount: l.TotalAmount, OrderCount: l.OrderCount}
	}
	return out
}

func buildMarketResponse(m *domain.Market) marketResponse {
	yes, no := m.YesNoPrices()
	resp := marketResponse{
		MarketID:       m.MarketID,
		Question:       m.Question,
		Description:    m.Description,
		Category:       m.Category,
		Status:         string(m.Status),
		Outcomes:       make([]outcomeResponse, len(m.Outcomes)),
		YesPrice:       yes,
		NoPrice:        no,
		Volume24h:      m.Volume24h,
		TotalVolume:    m.TotalVolume,
		ResolutionTime: formatTimePtr(m.ResolutionTime),
		CreatedAt:      formatTime(m.CreatedAt),
		UpdatedAt:      formatTime(m.UpdatedAt),
		ResolvedAt:     formatTimePtr(m.ResolvedAt),
	}
	for i, o := range m.Outcomes {
		resp.Outcomes[i] = outcomeResponse{OutcomeID: o.OutcomeID, Name: o.Name, Probability: o.Probability}
	}
	if m.WinningOutcomeID != "" {
		id := m.WinningOutcomeID
		resp.WinningOutcomeID = &id
	}
	return resp
}
