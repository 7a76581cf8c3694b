package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/predex/internal/domain"
)

// TradeStore is a thread-safe in-memory store for executions,
// keyed by market key. Executions are append-only and chronological.
type TradeStore struct {
	mu       sync.RWMutex
	byKey    map[domain.MarketKey][]*domain.TradeExecution
	byMarket map[string][]*domain.TradeExecution
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		byKey:    make(map[domain.MarketKey][]*domain.TradeExecution),
		byMarket: make(map[string][]*domain.TradeExecution),
	}
}

// Append adds an execution to its book's chronological list.
func (s *TradeStore) Append(t *domain.TradeExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := t.Key()
	s.byKey[key] = append(s.byKey[key], t)
	s.byMarket[t.MarketID] = append(s.byMarket[t.MarketID], t)
}

// ByMarket returns the most recent executions of a market, newest first.
// limit <= 0 returns all of them.
func (s *TradeStore) ByMarket(marketID string, limit int) []*domain.TradeExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.byMarket[marketID]
	n := len(trades)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]*domain.TradeExecution, 0, n)
	for i := len(trades) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, trades[i])
	}
	return result
}

// Last returns the most recent execution on a book.
func (s *TradeStore) Last(key domain.MarketKey) (*domain.TradeExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.byKey[key]
	if len(trades) == 0 {
		return nil, false
	}
	return trades[len(trades)-1], true
}

// Volume returns the traded notional of a market since the given time and
// in total.
func (s *TradeStore) Volume(marketID string, since time.Time) (window, total decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.byMarket[marketID] {
		n := t.Notional()
		total = total.Add(n)
		if !t.Timestamp.Before(since) {
			window = window.Add(n)
		}
	}
	return window, total
}
