// Package authstore implements an in-memory provider-to-API-key mapping: a
// value held strictly in process memory, never written to disk or logs,
// satisfying llm.AuthStore.
package authstore

import "sync"

// Store is a concurrency-safe in-memory map from provider name to API key.
type Store struct {
	mu   sync.RWMutex
	keys map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{keys: make(map[string]string)}
}

// Set records the API key for provider, overwriting any prior value.
func (s *Store) Set(provider, apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[provider] = apiKey
}

// Get returns the API key for provider, if one has been set.
func (s *Store) Get(provider string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[provider]
	return key, ok
}

// Forget removes the API key for provider, if any.
func (s *Store) Forget(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, provider)
}
