package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusPaused    MarketStatus = "paused"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s MarketStatus) IsTerminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// IsSettleable reports whether shares of the market may be redeemed.
func (s MarketStatus) IsSettleable() bool {
	return s.IsTerminal()
}

// CanTransition reports whether a market may move from one status to another.
// Active and paused toggle freely; both may end in resolved or cancelled.
func CanTransition(from, to MarketStatus) bool {
	switch from {
	case MarketStatusActive:
		return to == MarketStatusPaused || to == MarketStatusResolved || to == MarketStatusCancelled
	case MarketStatusPaused:
		return to == MarketStatusActive || to == MarketStatusResolved || to == MarketStatusCancelled
	default:
		return false
	}
}

// ShareType is the side of an outcome a share pays out on.
type ShareType string

const (
	ShareYes ShareType = "yes"
	ShareNo  ShareType = "no"
)

// Valid reports whether s is a known share type.
func (s ShareType) Valid() bool {
	return s == ShareYes || s == ShareNo
}

// Opposite returns the complementary share type.
func (s ShareType) Opposite() ShareType {
	if s == ShareYes {
		return ShareNo
	}
	return ShareYes
}

// MarketKey identifies a single orderbook.
type MarketKey struct {
	MarketID  string
	OutcomeID string
	ShareType ShareType
}

// String renders the key as "{market_id}:{outcome_id}:{share_type}".
func (k MarketKey) String() string {
	return k.MarketID + ":" + k.OutcomeID + ":" + string(k.ShareType)
}

// Complement returns the key of the opposite share book of the same outcome.
func (k MarketKey) Complement() MarketKey {
	return MarketKey{MarketID: k.MarketID, OutcomeID: k.OutcomeID, ShareType: k.ShareType.Opposite()}
}

// Less orders keys lexicographically by their string form. Locks on
// several books are always taken in this order.
func (k MarketKey) Less(o MarketKey) bool {
	return k.String() < o.String()
}

// ParseMarketKey parses the "{market_id}:{outcome_id}:{share_type}" form.
func ParseMarketKey(s string) (MarketKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return MarketKey{}, fmt.Errorf("malformed market key %q", s)
	}
	st := ShareType(parts[2])
	if !st.Valid() {
		return MarketKey{}, fmt.Errorf("malformed market key %q: unknown share type", s)
	}
	return MarketKey{MarketID: parts[0], OutcomeID: parts[1], ShareType: st}, nil
}

// Outcome is one possible result of a market. Only Probability changes
// after creation.
type Outcome struct {
	OutcomeID   string
	Name        string
	Probability decimal.Decimal
}

// Market is a question with a fixed set of outcomes.
type Market struct {
	MarketID         string
	Question         string
	Description      string
	Category         string
	Status           MarketStatus
	Outcomes         []Outcome
	WinningOutcomeID string
	Volume24h        decimal.Decimal
	TotalVolume      decimal.Decimal
	ResolutionTime   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

// Outcome returns the outcome with the given id.
func (m *Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.OutcomeID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// HasOutcome reports whether id is one of the market's outcomes.
func (m *Market) HasOutcome(id string) bool {
	_, ok := m.Outcome(id)
	return ok
}

// Keys returns every orderbook key of the market.
func (m *Market) Keys() []MarketKey {
	keys := make([]MarketKey, 0, 2*len(m.Outcomes))
	for _, o := range m.Outcomes {
		keys = append(keys,
			MarketKey{MarketID: m.MarketID, OutcomeID: o.OutcomeID, ShareType: ShareYes},
			MarketKey{MarketID: m.MarketID, OutcomeID: o.OutcomeID, ShareType: ShareNo},
		)
	}
	return keys
}

// YesNoPrices returns the probabilities of the outcomes named "Yes" and
// "No" (case-insensitive). For markets without such names the first
// outcome is treated as Yes and its complement as No.
func (m *Market) YesNoPrices() (yes, no decimal.Decimal) {
	yes, no = Half, Half
	var foundYes, foundNo bool
	for _, o := range m.Outcomes {
		switch strings.ToLower(o.Name) {
		case "yes":
			yes, foundYes = o.Probability, true
		case "no":
			no, foundNo = o.Probability, true
		}
	}
	if !foundYes && len(m.Outcomes) > 0 {
		yes = m.Outcomes[0].Probability
	}
	if !foundNo {
		no = ClipProbability(Complement(yes))
	}
	return yes, no
}

// Clone returns a deep copy safe to hand out of a store.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = make([]Outcome, len(m.Outcomes))
	copy(c.Outcomes, m.Outcomes)
	if m.ResolutionTime != nil {
		t := *m.ResolutionTime
		c.ResolutionTime = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// PaysOut reports what a share of the given outcome and type is worth once
// the market resolved to winningOutcomeID: 1 for a Yes share of the winner
// or a No share of a loser, 0 otherwise.
func PaysOut(outcomeID string, st ShareType, winningOutcomeID string) decimal.Decimal {
	won := outcomeID == winningOutcomeID
	if (won && st == ShareYes) || (!won && st == ShareNo) {
		return One
	}
	return decimal.Zero
}
