package notepad

import (
	"context"
	"sync"
)

// Memory is an in-process Notepad.  It forgets everything on exit and
// is meant for tests and one-shot runs.
type Memory struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

var _ Notepad = (*Memory)(nil)

// NewMemory returns an empty Memory notepad, optionally pre-seeded.
func NewMemory(seen ...string) *Memory {
	m := &Memory{ids: make(map[string]struct{}, len(seen))}
	for _, id := range seen {
		m.ids[id] = struct{}{}
	}
	return m
}

// Contains implements Notepad.
func (m *Memory) Contains(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok, nil
}

// Add implements Notepad.
func (m *Memory) Add(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = struct{}{}
	return nil
}

// Len reports how many identifiers have been recorded.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
