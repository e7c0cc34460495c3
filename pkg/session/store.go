package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a session does not exist in a store.
var ErrNotFound = errors.New("session not found")

// ErrCorrupt is returned when a stored session fails to decode or validate.
var ErrCorrupt = errors.New("session snapshot corrupt")

// Info summarizes a stored session for listing and expiry.
type Info struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
}

// Store persists session state between turns.
type Store interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, state *State) error
	Archive(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)
}

// ValidateID validates a session id for use as a storage key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	active   map[string]State
	archived map[string]State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   make(map[string]State),
		archived: make(map[string]State),
	}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := st.Snapshot()
	return &snap, nil
}

func (m *MemoryStore) Save(_ context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	if err := ValidateID(state.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[state.ID] = state.Snapshot()
	return nil
}

func (m *MemoryStore) Archive(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.archived[id] = st
	delete(m.active, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.active))
	for id, st := range m.active {
		out = append(out, Info{ID: id, UpdatedAt: st.UpdatedAt, Turns: len(st.Turns)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Archived returns an archived session, for inspection and tests.
func (m *MemoryStore) Archived(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.archived[id]
	return st, ok
}
