package auth

import (
	"context"
	"sync"

	"github.com/pulselink/backend/internal/models"
)

// NewInMemoryTokenStore returns a TokenStore backed by an in-memory map.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{tokens: make(map[string]models.SessionToken)}
}

// InMemoryTokenStore implements TokenStore for tests and local development.
type InMemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]models.SessionToken
}

// Save persists the provided token record.
func (s *InMemoryTokenStore) Save(_ context.Context, token models.SessionToken) error {
	s.mu.Lock()
	s.tokens[token.Token] = token
	s.mu.Unlock()
	return nil
}

// Find retrieves a token record by its bearer value.
func (s *InMemoryTokenStore) Find(_ context.Context, token string) (models.SessionToken, error) {
	s.mu.RLock()
	record, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return models.SessionToken{}, ErrTokenNotFound
	}
	return record, nil
}

// Delete removes the token record.
func (s *InMemoryTokenStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

// Has reports whether a token exists. Useful for tests.
func (s *InMemoryTokenStore) Has(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}
