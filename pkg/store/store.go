// Package store holds the companion's two credential slots and the
// feature-flag record. The stored token and the flags persist across
// restarts; the scraped token is session-scoped and lives only in memory.
package store

import (
	"context"
	"sync"
)

// AuthError means neither credential slot holds a token. Mutating
// operations cannot proceed at all in this state.
type AuthError struct{}

func (*AuthError) Error() string {
	return "stored and scraped authorization not found"
}

// Credentials is the resolved pair of tokens. Either field may be empty,
// but never both when returned from Resolve.
type Credentials struct {
	Stored  string
	Scraped string
}

// TokenStore exposes the two independently sourced credential slots: a
// user-supplied token and one passively captured from the host page's own
// API traffic.
type TokenStore interface {
	Resolve(ctx context.Context) (Credentials, error)
	SetStored(ctx context.Context, token string) error
	SetScraped(ctx context.Context, token string) error
}

// MemoryTokenStore keeps both slots in memory. The scraped slot is always
// memory-backed; durable stored-token persistence layers on top via
// FileTokenStore.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	stored  string
	scraped string
}

// NewMemoryTokenStore creates an empty MemoryTokenStore.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// Resolve returns both slots, failing with AuthError only when both are
// empty. Callers decide which token to try first.
func (s *MemoryTokenStore) Resolve(_ context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stored == "" && s.scraped == "" {
		return Credentials{}, &AuthError{}
	}
	return Credentials{Stored: s.stored, Scraped: s.scraped}, nil
}

func (s *MemoryTokenStore) SetStored(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = token
	return nil
}

// SetScraped updates the scraped slot. Writes with an unchanged value are
// skipped; the UI re-sends the header on every captured request.
func (s *MemoryTokenStore) SetScraped(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scraped == token {
		return nil
	}
	s.scraped = token
	return nil
}
