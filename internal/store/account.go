package store

import (
	"sync"

	"github.com/efreitasn/predex/internal/domain"
)

// AccountStore is a thread-safe in-memory store for accounts,
// keyed by user address.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
}

// NewAccountStore creates an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[string]*domain.Account),
	}
}

// Create adds an account to the store. It returns
// domain.ErrAccountAlreadyExists if the address is already registered.
func (s *AccountStore) Create(a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.Address]; exists {
		return domain.ErrAccountAlreadyExists
	}
	s.accounts[a.Address] = a
	return nil
}

// Get retrieves an account by address. It returns
// domain.ErrAccountNotFound if the account does not exist.
func (s *AccountStore) Get(address string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a, nil
}

// GetOrCreate returns the account for address, creating an empty one when
// it does not exist. Used for the treasury.
func (s *AccountStore) GetOrCreate(address string, create func() *domain.Account) *domain.Account {
	s.mu.RLock()
	a, ok := s.accounts[address]
	s.mu.RUnlock()
	if ok {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.accounts[address]; ok {
		return a
	}
	a = create()
	s.accounts[address] = a
	return a
}

// Exists returns true if an account with the given address exists.
func (s *AccountStore) Exists(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.accounts[address]
	return ok
}
