// Package registry holds the process-wide named slots and ordered interceptor
// lists that the dispatch kernel reads from and resolvers write to.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry defines named process-wide singletons.
type Registry interface {
	// Set stores value under name. A nil value removes the slot.
	Set(name string, value any)
	// Get retrieves the value stored under name.
	Get(name string) (any, bool)
	// Register stores value under name and fails if the slot is taken.
	Register(name string, value any) error
	// Names returns the sorted slot names.
	Names() []string
}

// Slots is the default concurrency-safe Registry.
type Slots struct {
	mu    sync.RWMutex
	slots map[string]any
}

var _ Registry = (*Slots)(nil)

// NewSlots creates an empty Slots registry.
func NewSlots() *Slots {
	return &Slots{slots: make(map[string]any)}
}

// Set stores value under name; nil removes it.
func (s *Slots) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.slots, name)
		return
	}
	s.slots[name] = value
}

// Get retrieves the value stored under name.
func (s *Slots) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[name]
	return v, ok
}

// Register stores value under name, refusing to overwrite.
func (s *Slots) Register(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[name]; exists {
		return fmt.Errorf("slot '%s' already registered", name)
	}
	s.slots[name] = value
	return nil
}

// Names returns the sorted slot names.
func (s *Slots) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.slots))
	for n := range s.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
