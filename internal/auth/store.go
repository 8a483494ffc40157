// Package auth stores the backend bearer credentials of chat users and supplies them to the tutor API client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

// ErrNoCredentials is returned when a user has not logged in.
var ErrNoCredentials = errors.New("no credentials for user")

// Store persists token pairs per chat user.
type Store interface {
	Get(ctx context.Context, userID string) (tutorapi.TokenPair, error)
	Put(ctx context.Context, userID string, tokens tutorapi.TokenPair) error
	Delete(ctx context.Context, userID string) error
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]tutorapi.TokenPair
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]tutorapi.TokenPair)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (tutorapi.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[userID]
	if !ok {
		return tutorapi.TokenPair{}, fmt.Errorf("%w: %s", ErrNoCredentials, userID)
	}
	return t, nil
}

func (s *MemoryStore) Put(_ context.Context, userID string, tokens tutorapi.TokenPair) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = tokens
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

// Provider adapts a Store to the tutor API credential provider for one user.
func Provider(store Store, userID string) tutorapi.CredentialProvider {
	return userCredentials{store: store, userID: userID}
}

type userCredentials struct {
	store  Store
	userID string
}

func (u userCredentials) Token(ctx context.Context) (string, error) {
	t, err := u.store.Get(ctx, u.userID)
	if err != nil {
		return "", err
	}
	return t.Access, nil
}
