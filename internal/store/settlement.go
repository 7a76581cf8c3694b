package store

import (
	"sync"

	"github.com/efreitasn/predex/internal/domain"
)

type settlementKey struct {
	marketID string
	user     string
}

// SettlementStore records which (market, user) pairs have been paid out.
// Claim is the compare-and-set that guards against double payouts.
type SettlementStore struct {
	mu      sync.Mutex
	records map[settlementKey]*domain.SettlementRecord
}

// NewSettlementStore creates an empty SettlementStore.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		records: make(map[settlementKey]*domain.SettlementRecord),
	}
}

// Claim stores r if no settlement exists for its (market, user) pair and
// returns domain.ErrAlreadySettled otherwise.
func (s *SettlementStore) Claim(r *domain.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := settlementKey{r.MarketID, r.UserAddress}
	if _, ok := s.records[k]; ok {
		return domain.ErrAlreadySettled
	}
	s.records[k] = r
	return nil
}

// Get returns the settlement record for a pair, if any.
func (s *SettlementStore) Get(marketID, user string) (*domain.SettlementRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[settlementKey{marketID, user}]
	return r, ok
}
