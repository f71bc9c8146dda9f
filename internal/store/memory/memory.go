// Package memory is an in-process, map-backed Store implementation for
// tests and single-node/no-database deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
)

var _ store.Store = (*Store)(nil)

type challenge struct {
	value     string
	expiresAt time.Time
}

// Store is a thread-safe, in-memory implementation of store.Store. The zero
// value is not ready to use; call New.
type Store struct {
	mu         sync.RWMutex
	activated  map[string]bool
	challenges map[string]challenge
	history    map[string][]store.ChatEntry
}

// New returns an initialized in-memory Store.
func New() *Store {
	return &Store{
		activated:  make(map[string]bool),
		challenges: make(map[string]challenge),
		history:    make(map[string][]store.ChatEntry),
	}
}

func (s *Store) IsActivated(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activated[deviceID], nil
}

func (s *Store) AddChallenge(_ context.Context, deviceID, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[deviceID] = challenge{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *Store) GetChallenge(_ context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[deviceID]
	if !ok || time.Now().After(c.expiresAt) {
		return "", store.ErrNotFound
	}
	return c.value, nil
}

func (s *Store) ActivateDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated[deviceID] = true
	return nil
}

func (s *Store) AddChatHistory(_ context.Context, deviceID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[deviceID] = append(s.history[deviceID], store.ChatEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *Store) GetChatHistory(_ context.Context, deviceID string, limit int) ([]store.ChatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[deviceID]
	if limit <= 0 || limit >= len(all) {
		out := make([]store.ChatEntry, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]store.ChatEntry, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

// RecallSimilar is unsupported by the in-memory store: it has no vector
// index, so it always returns an empty result rather than an error, letting
// the Turn Processor fall back silently to the plain last-N history fetch.
func (s *Store) RecallSimilar(_ context.Context, _ string, _ []float32, _ int) ([]store.ChatEntry, error) {
	return nil, nil
}
