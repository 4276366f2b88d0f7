package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/toolloop/internal/state"
)

// MemoryStore is an in-process [Store]. Checkpoints do not survive a
// restart. It holds deep copies, so callers can never alias stored
// state.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]state.State
	meta   map[string]Trigger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]state.State),
		meta:   make(map[string]Trigger),
	}
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, conversationID string, st state.State, trigger Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[conversationID] = st.Clone()
	m.meta[conversationID] = trigger
	return nil
}

// Load implements [Store].
func (m *MemoryStore) Load(_ context.Context, conversationID string) (state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[conversationID]
	if !ok {
		return state.State{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	return st.Clone(), nil
}

// Update implements [Store].
func (m *MemoryStore) Update(_ context.Context, conversationID string, trigger Trigger, fn func(*state.State) error) (state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[conversationID]
	if !ok {
		return state.State{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, conversationID)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return state.State{}, err
	}
	m.states[conversationID] = next.Clone()
	m.meta[conversationID] = trigger
	return next, nil
}

// LastTrigger returns the trigger of the latest write, or "" when the
// conversation has no checkpoint.
func (m *MemoryStore) LastTrigger(conversationID string) Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[conversationID]
}
