// Package pubsub carries engine events to subscribers and keeps the market
// read cache coherent.
package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
)

// Wildcard channels receive every event of their kind.
const (
	AllTrades     = "trades:all"
	AllOrderbooks = "orderbooks:all"
	AllMarkets    = "markets:all"
)

func TradesChannel(key domain.MarketKey) string    { return "trades:" + key.String() }
func OrderbookChannel(key domain.MarketKey) string { return "orderbook:" + key.String() }
func MarketChannel(marketID string) string         { return "market:" + marketID }
func SharesChannel(user string) string             { return "shares:" + user }
func OrdersChannel(user string) string             { return "orders:" + user }

// Event is one payload addressed to one channel.
type Event struct {
	Channel string
	Payload any
}

// Encode marshals the payload.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Channel, err)
	}
	return b, nil
}

// TradeEvent is the wire form of a TradeExecution.
type TradeEvent struct {
	Type         string           `json:"type"`
	TradeID      string           `json:"trade_id"`
	MarketID     string           `json:"market_id"`
	OutcomeID    string           `json:"outcome_id"`
	ShareType    domain.ShareType `json:"share_type"`
	MatchType    domain.MatchType `json:"match_type"`
	Price        decimal.Decimal  `json:"price"`
	Amount       decimal.Decimal  `json:"amount"`
	Side         domain.OrderSide `json:"side"`
	Fee          decimal.Decimal  `json:"fee"`
	MakerOrderID string           `json:"maker_order_id"`
	TakerOrderID *string          `json:"taker_order_id,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewTradeEvent converts an execution.
func NewTradeEvent(t domain.TradeExecution) TradeEvent {
	return TradeEvent{
		Type:         "trade",
		TradeID:      t.TradeID,
		MarketID:     t.MarketID,
		OutcomeID:    t.OutcomeID,
		ShareType:    t.ShareType,
		MatchType:    t.MatchType,
		Price:        t.Price,
		Amount:       t.Amount,
		Side:         t.Side,
		Fee:          t.Fee,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Timestamp:    t.Timestamp,
	}
}

// Level is one aggregated price level.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// OrderbookSnapshot is the wire form of a book's top levels.
type OrderbookSnapshot struct {
	Type      string           `json:"type"`
	MarketID  string           `json:"market_id"`
	OutcomeID string           `json:"outcome_id"`
	ShareType domain.ShareType `json:"share_type"`
	Bids      []Level          `json:"bids"`
	Asks      []Level          `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewOrderbookSnapshot converts a book snapshot.
func NewOrderbookSnapshot(s engine.Snapshot) OrderbookSnapshot {
	return OrderbookSnapshot{
		Type:      "orderbook",
		MarketID:  s.Key.MarketID,
		OutcomeID: s.Key.OutcomeID,
		ShareType: s.Key.ShareType,
		Bids:      levels(s.Bids),
		Asks:      levels(s.Asks),
		Timestamp: s.Timestamp,
	}
}

func levels(in []engine.PriceLevel) []Level {
	out := make([]Level, len(in))
	for i, l := range in {
		out[i] = Level{Price: l.Price, Amount: l.TotalAmount, Orders: l.OrderCount}
	}
	return out
}

// OutcomeProbability is an outcome's current price.
type OutcomeProbability struct {
	OutcomeID   string          `json:"outcome_id"`
	Name        string          `json:"name"`
	Probability decimal.Decimal `json:"probability"`
}

// MarketUpdate announces a status, price or volume change of a market.
type MarketUpdate struct {
	Type             string               `json:"type"`
	MarketID         string               `json:"market_id"`
	Status           domain.MarketStatus  `json:"status"`
	YesPrice         decimal.Decimal      `json:"yes_price"`
	NoPrice          decimal.Decimal      `json:"no_price"`
	Volume24h        decimal.Decimal      `json:"volume_24h"`
	WinningOutcomeID string               `json:"winning_outcome_id,omitempty"`
	Outcomes         []OutcomeProbability `json:"outcomes"`
	Timestamp        time.Time            `json:"timestamp"`
}

// NewMarketUpdate converts a market.
func NewMarketUpdate(m domain.Market) MarketUpdate {
	yes, no := m.YesNoPrices()
	u := MarketUpdate{
		Type:             "market",
		MarketID:         m.MarketID,
		Status:           m.Status,
		YesPrice:         yes,
		NoPrice:          no,
		Volume24h:        m.Volume24h,
		WinningOutcomeID: m.WinningOutcomeID,
		Outcomes:         make([]OutcomeProbability, len(m.Outcomes)),
		Timestamp:        m.UpdatedAt,
	}
	for i, o := range m.Outcomes {
		u.Outcomes[i] = OutcomeProbability{OutcomeID: o.OutcomeID, Name: o.Name, Probability: o.Probability}
	}
	return u
}

// Share update reasons.
const (
	ShareEventTrade  = "trade"
	ShareEventMint   = "mint"
	ShareEventMerge  = "merge"
	ShareEventSettle = "settlement"
)

// ShareUpdate tells a user how one of their positions changed.
type ShareUpdate struct {
	Type          string           `json:"type"`
	User          string           `json:"user"`
	MarketID      string           `json:"market_id"`
	OutcomeID     string           `json:"outcome_id"`
	ShareType     domain.ShareType `json:"share_type"`
	Amount        decimal.Decimal  `json:"amount"`
	AvgCost       decimal.Decimal  `json:"avg_cost"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Event         string           `json:"event"`
	Timestamp     time.Time        `json:"timestamp"`
}

// NewShareUpdate converts a position valued at price.
func NewShareUpdate(p domain.SharePosition, price decimal.Decimal, event string) ShareUpdate {
	return ShareUpdate{
		Type:          "shares",
		User:          p.UserAddress,
		MarketID:      p.MarketID,
		OutcomeID:     p.OutcomeID,
		ShareType:     p.ShareType,
		Amount:        p.Amount,
		AvgCost:       p.AvgCost,
		UnrealizedPnL: p.UnrealizedPnL(price),
		Event:         event,
		Timestamp:     p.UpdatedAt,
	}
}

// OrderUpdate tells a user about a status change of one of their orders.
type OrderUpdate struct {
	Type         string             `json:"type"`
	OrderID      string             `json:"order_id"`
	MarketID     string             `json:"market_id"`
	OutcomeID    string             `json:"outcome_id"`
	ShareType    domain.ShareType   `json:"share_type"`
	Side         domain.OrderSide   `json:"side"`
	OrderType    domain.OrderType   `json:"order_type"`
	Price        decimal.Decimal    `json:"price"`
	Amount       decimal.Decimal    `json:"amount"`
	FilledAmount decimal.Decimal    `json:"filled_amount"`
	Status       domain.OrderStatus `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// NewOrderUpdate converts an order. reason is "expired" or "market_closed"
// for system cancels and empty otherwise.
func NewOrderUpdate(o domain.Order, reason string) OrderUpdate {
	return OrderUpdate{
		Type:         "order",
		OrderID:      o.OrderID,
		MarketID:     o.MarketID,
		OutcomeID:    o.OutcomeID,
		ShareType:    o.ShareType,
		Side:         o.Side,
		OrderType:    o.Type,
		Price:        o.Price,
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		Status:       o.Status,
		Reason:       reason,
		Timestamp:    o.UpdatedAt,
	}
}

// TradeEvents addresses a trade to its book channel and the trade wildcard.
func TradeEvents(t domain.TradeExecution) []Event {
	payload := NewTradeEvent(t)
	return []Event{
		{Channel: TradesChannel(t.Key()), Payload: payload},
		{Channel: AllTrades, Payload: payload},
	}
}

// OrderbookEvents addresses a snapshot to its book channel and the
// orderbook wildcard.
func OrderbookEvents(s engine.Snapshot) []Event {
	payload := NewOrderbookSnapshot(s)
	return []Event{
		{Channel: OrderbookChannel(s.Key), Payload: payload},
		{Channel: AllOrderbooks, Payload: payload},
	}
}

// MarketEvents addresses a market update to its channel and the market
// wildcard.
func MarketEvents(m domain.Market) []Event {
	payload := NewMarketUpdate(m)
	return []Event{
		{Channel: MarketChannel(m.MarketID), Payload: payload},
		{Channel: AllMarkets, Payload: payload},
	}
}
