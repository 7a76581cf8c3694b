package store

import (
	"sync"

	"github.com/efreitasn/predex/internal/domain"
)

// OrderStore holds every order the engine has accepted, resting or not.
// Orders are indexed by id and, in placement order, by owner.
type OrderStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Order
	byUser map[string][]*domain.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:   make(map[string]*domain.Order),
		byUser: make(map[string][]*domain.Order),
	}
}

// Create registers o. The store keeps the pointer; the matcher mutates the
// order in place under its book lock. Reusing an id fails with
// domain.ErrDuplicateOrder.
func (s *OrderStore) Create(o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byID[o.OrderID]; taken {
		return domain.ErrDuplicateOrder
	}
	s.byID[o.OrderID] = o
	s.byUser[o.UserAddress] = append(s.byUser[o.UserAddress], o)
	return nil
}

// Get returns the order with the given id or domain.ErrOrderNotFound.
func (s *OrderStore) Get(id string) (*domain.Order, error) {
	s.mu.RLock()
	o, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

// ListByUser pages through user's orders, newest first, optionally keeping
// only one status. page is 1-based. total counts every match.
func (s *OrderStore) ListByUser(user string, status *domain.OrderStatus, page, limit int) (orders []*domain.Order, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skip := (page - 1) * limit
	orders = []*domain.Order{}
	placed := s.byUser[user]
	for i := len(placed) - 1; i >= 0; i-- {
		o := placed[i]
		if status != nil && o.Status != *status {
			continue
		}
		if total >= skip && len(orders) < limit {
			orders = append(orders, o)
		}
		total++
	}
	return orders, total
}
