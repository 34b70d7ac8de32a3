package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryArea is a process-local Area. It backs the session area when the
// session file cannot be opened, and stands in for disk in tests.
type MemoryArea struct {
	name string

	mu     sync.RWMutex
	values map[string]json.RawMessage
	obs    observers
}

// NewMemoryArea creates an empty in-memory area.
func NewMemoryArea(name string) *MemoryArea {
	return &MemoryArea{name: name, values: make(map[string]json.RawMessage)}
}

func (m *MemoryArea) Name() string { return m.name }

func (m *MemoryArea) Get(ctx context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", m.name, key, err)
	}
	return true, nil
}

func (m *MemoryArea) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.name, key, err)
	}
	m.mu.Lock()
	old := m.values[key]
	m.values[key] = raw
	m.mu.Unlock()

	m.obs.notify(Change{Area: m.name, Key: key, OldValue: old, NewValue: raw})
	return nil
}

func (m *MemoryArea) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	old, ok := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()

	if ok {
		m.obs.notify(Change{Area: m.name, Key: key, OldValue: old})
	}
	return nil
}

func (m *MemoryArea) OnChanged(fn func(Change)) func() {
	return m.obs.add(fn)
}

// Clear removes every key, notifying observers per key.
func (m *MemoryArea) Clear() {
	m.mu.Lock()
	old := m.values
	m.values = make(map[string]json.RawMessage)
	m.mu.Unlock()
	for k, v := range old {
		m.obs.notify(Change{Area: m.name, Key: k, OldValue: v})
	}
}
