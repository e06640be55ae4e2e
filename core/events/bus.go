package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Topics published by the kernel.
const (
	TopicModuleResolved     = "module.resolved"
	TopicServiceResolved    = "service.resolved"
	TopicResolutionRejected = "resolution.rejected"
	TopicKernelStarted      = "kernel.started"
)

// TypedEvent is implemented by every event payload.
type TypedEvent interface {
	EventType() string
}

// Resolved is published the first time a module or service is resolved and set up.
type Resolved struct {
	Namespace string
	Name      string
	Resource  string
	Version   string
}

func (Resolved) EventType() string { return "resolved" }

// Rejected is published when a resolution is refused or fails.
type Rejected struct {
	Namespace string
	Name      string
	Code      string
	Reason    string
}

func (Rejected) EventType() string { return "rejected" }

// Started is published once the kernel has preloaded its services.
type Started struct {
	Preloaded []string
}

func (Started) EventType() string { return "started" }

// Bus is a non-blocking pub/sub bus. Slow subscribers lose events rather than
// stalling the publisher.
type Bus interface {
	Subscribe(topic string) (<-chan TypedEvent, func(), error)
	Publish(ctx context.Context, topic string, payload TypedEvent)
	Dropped() uint64
	Close()
}

const subscriberBuffer = 16

type bus struct {
	mu      sync.RWMutex
	topics  map[string]map[chan TypedEvent]struct{}
	closed  bool
	dropped atomic.Uint64
}

// New returns a new event bus instance.
func New() Bus {
	return &bus{topics: make(map[string]map[chan TypedEvent]struct{})}
}

func (b *bus) Subscribe(topic string) (<-chan TypedEvent, func(), error) {
	ch := make(chan TypedEvent, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}, nil
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan TypedEvent]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(topic, ch) })
	}
	return ch, cancel, nil
}

func (b *bus) unsubscribe(topic string, ch chan TypedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if _, exists := subs[ch]; !exists {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

func (b *bus) Publish(ctx context.Context, topic string, payload TypedEvent) {
	// Sending under the read lock keeps unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
		delete(b.topics, topic)
	}
}
