package store

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// MarketStore is a thread-safe in-memory store for markets. Reads return
// copies; every mutation goes through a method so status and probability
// changes are atomic.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]*domain.Market
	// restored holds the persisted total volume of warm-started markets,
	// whose trades are not reloaded.
	restored map[string]decimal.Decimal
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		markets:  make(map[string]*domain.Market),
		restored: make(map[string]decimal.Decimal),
	}
}

// Create adds a market. It returns domain.ErrMarketAlreadyExists if the id
// is taken.
func (s *MarketStore) Create(m *domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.MarketID]; exists {
		return domain.ErrMarketAlreadyExists
	}
	s.markets[m.MarketID] = m.Clone()
	return nil
}

// Get returns a copy of the market.
func (s *MarketStore) Get(id string) (*domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	return m.Clone(), nil
}

// List returns copies of all markets sorted by creation time, optionally
// filtered by status.
func (s *MarketStore) List(status *domain.MarketStatus) []*domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if status != nil && m.Status != *status {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out
}

// Transition moves a market to a new status. winningOutcomeID is required
// when resolving. It returns domain.ErrInvalidTransition for moves the
// status graph does not allow, including any move out of a terminal state.
func (s *MarketStore) Transition(id string, to domain.MarketStatus, winningOutcomeID string, at time.Time) (*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	if !domain.CanTransition(m.Status, to) {
		return nil, domain.ErrInvalidTransition
	}
	if to == domain.MarketStatusResolved {
		if winningOutcomeID == "" {
			return nil, domain.ErrNoWinningOutcome
		}
		if !m.HasOutcome(winningOutcomeID) {
			return nil, domain.ErrOutcomeNotFound
		}
		m.WinningOutcomeID = winningOutcomeID
		m.ResolvedAt = &at
	}
	if to == domain.MarketStatusCancelled {
		m.ResolvedAt = &at
	}
	m.Status = to
	m.UpdatedAt = at
	return m.Clone(), nil
}

// SetProbability writes an outcome's probability, clipped into the valid
// price range.
func (s *MarketStore) SetProbability(id, outcomeID string, p decimal.Decimal, at time.Time) (*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrMarketNotFound
	}
	for i := range m.Outcomes {
		if m.Outcomes[i].OutcomeID == outcomeID {
			m.Outcomes[i].Probability = domain.ClipProbability(p)
			m.UpdatedAt = at
			return m.Clone(), nil
		}
	}
	return nil, domain.ErrOutcomeNotFound
}

// SetVolume records traded notional figures computed from executions. A
// restored market adds its persisted total to total.
func (s *MarketStore) SetVolume(id string, volume24h, total decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.markets[id]; ok {
		m.Volume24h = volume24h
		m.TotalVolume = s.restored[id].Add(total)
	}
}

// Restore replaces a market wholesale. Used when warm-starting from
// persistence.
func (s *MarketStore) Restore(m *domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markets[m.MarketID] = m.Clone()
	s.restored[m.MarketID] = m.TotalVolume
}
