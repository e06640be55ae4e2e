// Package loader provides kernel.Loader implementations: in-process
// factories, Lua scripts and a chain that tries several loaders in order.
package loader

import (
	"context"
	"fmt"
	"sync"

	"simplyscript/core/kernel"
)

// Factory builds a fresh object for a resource.
type Factory func(res kernel.Resource) (any, error)

// StaticLoader serves objects built by registered Go factories.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

func key(namespace, name string) string { return namespace + "/" + name }

// Register adds a factory for name in namespace. Registering the same
// resource twice is an error.
func (s *StaticLoader) Register(namespace, name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("factory for %s is nil", key(namespace, name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[key(namespace, name)]; exists {
		return fmt.Errorf("factory for %s already registered", key(namespace, name))
	}
	s.factories[key(namespace, name)] = f
	return nil
}

// MustRegister is Register for package init code.
func (s *StaticLoader) MustRegister(namespace, name string, f Factory) *StaticLoader {
	if err := s.Register(namespace, name, f); err != nil {
		panic(err)
	}
	return s
}

// Names lists the registered resources as namespace/name.
func (s *StaticLoader) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.factories))
	for k := range s.factories {
		names = append(names, k)
	}
	return names
}

func (s *StaticLoader) Load(_ context.Context, res kernel.Resource) (any, error) {
	s.mu.RLock()
	f, ok := s.factories[key(res.Namespace, res.Name)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return f(res)
}

// Chain tries each loader in turn and returns the first object found. A
// loader error stops the search.
type Chain []kernel.Loader

func (c Chain) Load(ctx context.Context, res kernel.Resource) (any, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		obj, err := l.Load(ctx, res)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			return obj, nil
		}
	}
	return nil, nil
}
