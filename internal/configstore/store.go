// Package configstore is the agent's durable key/value settings store.
//
// Engines only need atomic single-key Get/Set; the typed helpers in this package map
// SourceConfig and watermarks onto string keys of the form "<source>.<field>".
package configstore

import (
	"context"
	"sync"
)

// Store is the key/value contract consumed by the scheduler, sync jobs and the control API.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Memory is an in-process Store used by tests and ephemeral runs.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *Memory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}
