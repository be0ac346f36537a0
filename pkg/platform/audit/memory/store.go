// Package memory provides an in-memory audit sink used in tests and when no
// stream is configured.
package memory

import (
	"context"
	"sync"

	"foresight/pkg/platform/audit"
)

// Store accumulates audit events in memory.
type Store struct {
	mu     sync.RWMutex
	events []audit.Event
}

func NewStore() *Store {
	return &Store{}
}

// Append records an event. Never fails.
func (s *Store) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Emit satisfies audit.Publisher so the memory store can stand in for the
// Kafka publisher in tests.
func (s *Store) Emit(ctx context.Context, event audit.Event) error {
	return s.Append(ctx, event)
}

// Events returns a copy of everything recorded so far.
func (s *Store) Events() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
