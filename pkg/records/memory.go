package records

import (
	"context"
	"sync"
)

// MemorySource is an in-memory collection.
type MemorySource struct {
	mu   sync.RWMutex
	rows []Record
}

// NewMemorySource creates a collection from rows.
func NewMemorySource(rows ...Record) *MemorySource {
	m := &MemorySource{}
	for _, r := range rows {
		m.rows = append(m.rows, r.Clone())
	}
	return m
}

// Add appends a row.
func (m *MemorySource) Add(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r.Clone())
}

// Len returns the number of rows.
func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// All returns copies of every row in insertion order.
func (m *MemorySource) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r.Clone())
	}
	return out
}

// FindByField returns the first row whose field equals value.
func (m *MemorySource) FindByField(ctx context.Context, field, value string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows {
		if v, ok := r[field]; ok && stringify(v) == value {
			return r.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// FilterByField returns every row whose field equals value.
func (m *MemorySource) FilterByField(ctx context.Context, field, value string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Record{}
	for _, r := range m.rows {
		if v, ok := r[field]; ok && stringify(v) == value {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
