package store

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// Column codecs shared by the SQL drivers. Outcomes and payout breakdowns
// are stored as JSON documents; decimals keep their exact string form.

type outcomeDoc struct {
	OutcomeID   string          `json:"outcome_id"`
	Name        string          `json:"name"`
	Probability decimal.Decimal `json:"probability"`
}

type payoutDoc struct {
	OutcomeID      string           `json:"outcome_id"`
	ShareType      domain.ShareType `json:"share_type"`
	Amount         decimal.Decimal  `json:"amount"`
	PayoutPerShare decimal.Decimal  `json:"payout_per_share"`
	Payout         decimal.Decimal  `json:"payout"`
}

// EncodeOutcomes renders a market's outcomes as a JSON array.
func EncodeOutcomes(outcomes []domain.Outcome) ([]byte, error) {
	docs := make([]outcomeDoc, len(outcomes))
	for i, o := range outcomes {
		docs[i] = outcomeDoc{OutcomeID: o.OutcomeID, Name: o.Name, Probability: o.Probability}
	}
	return json.Marshal(docs)
}

// DecodeOutcomes is the inverse of EncodeOutcomes.
func DecodeOutcomes(data []byte) ([]domain.Outcome, error) {
	var docs []outcomeDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	out := make([]domain.Outcome, len(docs))
	for i, d := range docs {
		out[i] = domain.Outcome{OutcomeID: d.OutcomeID, Name: d.Name, Probability: d.Probability}
	}
	return out, nil
}

// EncodePayouts renders a settlement breakdown as a JSON array.
func EncodePayouts(payouts []domain.PositionPayout) ([]byte, error) {
	docs := make([]payoutDoc, len(payouts))
	for i, p := range payouts {
		docs[i] = payoutDoc(p)
	}
	return json.Marshal(docs)
}

// DecodePayouts is the inverse of EncodePayouts.
func DecodePayouts(data []byte) ([]domain.PositionPayout, error) {
	var docs []payoutDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode payouts: %w", err)
	}
	out := make([]domain.PositionPayout, len(docs))
	for i, d := range docs {
		out[i] = domain.PositionPayout(d)
	}
	return out, nil
}

// ReweightAvgCost returns the average cost after delta shares moved at
// price. Buys re-weight the average; sells keep it; an emptied position
// resets it to zero.
func ReweightAvgCost(amount, avgCost, delta, price decimal.Decimal) decimal.Decimal {
	total := amount.Add(delta)
	if !total.IsPositive() {
		return decimal.Zero
	}
	if !delta.IsPositive() {
		return avgCost
	}
	return amount.Mul(avgCost).Add(delta.Mul(price)).DivRound(total, 8)
}
