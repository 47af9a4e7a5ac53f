package subscription

import (
	"context"
	"sync"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
)

// MemoryContactStore is an in-memory ContactStore for tests and local
// development.
type MemoryContactStore struct {
	mu       sync.Mutex
	contacts map[email.Address]Contact

	// Writes counts UpsertContact and MarkUnsubscribed calls.
	Writes int
}

// NewMemoryContactStore creates a new empty store.
func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{
		contacts: make(map[email.Address]Contact),
	}
}

func (s *MemoryContactStore) GetContact(_ context.Context, addr email.Address) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[addr]
	if !ok {
		return Contact{}, errorz.ErrNotFound
	}

	return c, nil
}

func (s *MemoryContactStore) UpsertContact(_ context.Context, c Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Writes++
	s.contacts[c.Email] = c

	return nil
}

func (s *MemoryContactStore) MarkUnsubscribed(_ context.Context, addr email.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[addr]
	if !ok {
		return errorz.ErrNotFound
	}

	s.Writes++
	c.Subscribed = false
	s.contacts[addr] = c

	return nil
}
