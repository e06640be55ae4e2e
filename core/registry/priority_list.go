package registry

import (
	"sort"
	"sync"
)

// Entry is one element of a PriorityList. Owner is the object the value was
// contributed by; several lists may share the same owner.
type Entry[T any] struct {
	Value    T
	Owner    any
	Priority int
}

// PriorityList keeps entries totally ordered by priority in a direction fixed
// at creation: descending (highest first) or ascending (lowest first). Entries
// with equal priority keep their insertion order in both directions.
//
// Writers copy the slice, so a slice returned by Items is never mutated and
// can be iterated without holding the lock.
type PriorityList[T any] struct {
	mu        sync.RWMutex
	ascending bool
	entries   []Entry[T]
}

// NewPriorityList creates an empty list. ascending selects lowest-first iteration.
func NewPriorityList[T any](ascending bool) *PriorityList[T] {
	return &PriorityList[T]{ascending: ascending}
}

// Add inserts e after every entry that sorts before or alongside it.
func (l *PriorityList[T]) Add(e Entry[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := sort.Search(len(l.entries), func(i int) bool {
		if l.ascending {
			return l.entries[i].Priority > e.Priority
		}
		return l.entries[i].Priority < e.Priority
	})

	next := make([]Entry[T], 0, len(l.entries)+1)
	next = append(next, l.entries[:idx]...)
	next = append(next, e)
	next = append(next, l.entries[idx:]...)
	l.entries = next
}

// Items returns the entries in iteration order.
func (l *PriorityList[T]) Items() []Entry[T] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries
}

// Len returns the number of entries.
func (l *PriorityList[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Ascending reports the iteration direction.
func (l *PriorityList[T]) Ascending() bool { return l.ascending }
