package budget

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory budget store for tests and demo mode.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[Key]*Account
	reservations map[string]*Reservation
}

// NewMemoryStore creates a new in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[Key]*Account),
		reservations: make(map[string]*Reservation),
	}
}

func (m *MemoryStore) GetAccount(_ context.Context, key Key) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[key]
	if !ok {
		return &Account{Key: key}, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Apply(_ context.Context, acct *Account, rsv *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if a, ok := m.accounts[acct.Key]; ok {
		current = a.Version
	}
	if acct.Version != current+1 {
		return ErrConcurrentUpdate
	}
	a := *acct
	m.accounts[acct.Key] = &a
	if rsv != nil {
		r := *rsv
		m.reservations[rsv.ID] = &r
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
