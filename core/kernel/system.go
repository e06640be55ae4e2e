package kernel

import (
	"fmt"
	"strings"
	"sync"

	"simplyscript/core/errors"
	"simplyscript/core/registry"
)

// System is the process-wide aggregate shared by the resolvers and the
// dispatcher: the four interceptor chains, the extension table and arbitrary
// named slots.
type System struct {
	slots *registry.Slots

	mu         sync.RWMutex
	chains     map[string]*registry.PriorityList[Interceptor]
	extensions map[string]Extension
	frozen     bool
}

// NewSystem returns an empty System.
func NewSystem() *System {
	return &System{
		slots:      registry.NewSlots(),
		chains:     make(map[string]*registry.PriorityList[Interceptor]),
		extensions: make(map[string]Extension),
	}
}

func isChain(name string) bool {
	switch name {
	case ChainPreCall, ChainPostCall, ChainPreInnerCall, ChainPostInnerCall:
		return true
	}
	return false
}

// Get returns the slot stored under name. Chain names return their
// *registry.PriorityList once something has registered on them.
func (s *System) Get(name string) (any, bool) {
	if isChain(name) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if l, ok := s.chains[name]; ok {
			return l, true
		}
		return nil, false
	}
	return s.slots.Get(name)
}

// Set stores a named singleton. Chain names are reserved.
func (s *System) Set(name string, value any) error {
	if isChain(name) {
		return fmt.Errorf("slot %q is reserved for interceptors", name)
	}
	s.slots.Set(name, value)
	return nil
}

// Names returns the names of the stored singletons.
func (s *System) Names() []string {
	return s.slots.Names()
}

// AddInterceptor adds spec to chain, creating the chain on first use. Post
// chains iterate in ascending priority, pre chains in descending priority.
func (s *System) AddInterceptor(chain string, spec InterceptorSpec) error {
	if !isChain(chain) {
		return fmt.Errorf("unknown interceptor chain %q", chain)
	}
	if spec.Fn == nil {
		return fmt.Errorf("nil interceptor for chain %q", chain)
	}
	s.mu.Lock()
	l, ok := s.chains[chain]
	if !ok {
		l = registry.NewPriorityList[Interceptor](strings.HasPrefix(chain, "post"))
		s.chains[chain] = l
	}
	s.mu.Unlock()

	l.Add(registry.Entry[Interceptor]{Value: spec.Fn, Owner: spec.Owner, Priority: spec.Priority})
	return nil
}

// Chain returns the entries of chain in execution order. The slice must not be
// modified.
func (s *System) Chain(chain string) []registry.Entry[Interceptor] {
	s.mu.RLock()
	l, ok := s.chains[chain]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.Items()
}

// RegisterExtension installs ext under name. It fails once the table is frozen
// or when name is taken.
func (s *System) RegisterExtension(name string, ext Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return errors.Newf(errors.ErrRegistryFrozen, "cannot register context extension %q after startup", name)
	}
	if _, exists := s.extensions[name]; exists {
		return fmt.Errorf("context extension %q already registered", name)
	}
	s.extensions[name] = ext
	return nil
}

// Extension looks up a registered extension.
func (s *System) Extension(name string) (Extension, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.extensions[name]
	return ext, ok
}

// Freeze closes the extension table.
func (s *System) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (s *System) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}
