package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// ExternalSource reports the probability of an outcome from outside the
// exchange.
type ExternalSource interface {
	Name() string
	Probability(ctx context.Context, marketID, outcomeID string) (decimal.Decimal, error)
}

// StaticSource serves probabilities set by an operator. Unknown outcomes
// report ErrSourceUnavailable.
type StaticSource struct {
	name   string
	mu     sync.RWMutex
	values map[string]decimal.Decimal
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name, values: make(map[string]decimal.Decimal)}
}

func (s *StaticSource) Name() string { return s.name }

// Set stores the probability returned for an outcome.
func (s *StaticSource) Set(marketID, outcomeID string, p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[marketID+"/"+outcomeID] = p
}

func (s *StaticSource) Probability(_ context.Context, marketID, outcomeID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.values[marketID+"/"+outcomeID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s has no value for %s/%s: %w", s.name, marketID, outcomeID, domain.ErrSourceUnavailable)
	}
	return p, nil
}

// UnsupportedSource is a named feed without a backend. Every read fails
// with ErrSourceUnavailable.
type UnsupportedSource string

func (u UnsupportedSource) Name() string { return string(u) }

func (u UnsupportedSource) Probability(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%s feed is not configured: %w", string(u), domain.ErrSourceUnavailable)
}
