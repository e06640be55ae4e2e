// Package auth provides the identity model and access decisions used by the dispatch kernel:
// who is acting on a call context, which opaque tokens may change that identity, and which
// module/service names a namespace may load.
package auth

import (
	"context"
	"sync"
)

// contextKey is an unexported type for context keys.
type contextKey int

const (
	identityContextKey contextKey = iota
)

// Identity is the principal acting on a call context.
type Identity struct {
	Username    string `json:"username" mapstructure:"username"`
	IsActive    bool   `json:"is_active" mapstructure:"is_active"`
	IsStaff     bool   `json:"is_staff" mapstructure:"is_staff"`
	IsSuperuser bool   `json:"is_superuser" mapstructure:"is_superuser"`
	IsAnonymous bool   `json:"is_anonymous" mapstructure:"is_anonymous"`
}

// Anonymous returns the default, non-privileged identity.
func Anonymous() Identity {
	return Identity{Username: "anonymous", IsAnonymous: true}
}

// IdentityFromContext retrieves the Identity placed on ctx by the host boundary.
// The second result is false when no identity was attached.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// ContextWithIdentity returns a new context carrying id.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// PrivilegeOracle answers whether the holder of an opaque token may perform
// privileged operations such as replacing a call context's identity.
type PrivilegeOracle interface {
	IsPrivileged(token string) bool
}

// PrivilegeSet is a concurrency-safe set of privileged tokens.
type PrivilegeSet struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewPrivilegeSet creates an empty PrivilegeSet.
func NewPrivilegeSet() *PrivilegeSet {
	return &PrivilegeSet{tokens: make(map[string]struct{})}
}

// Add marks token as privileged. Empty tokens are ignored.
func (p *PrivilegeSet) Add(token string) {
	if token == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = struct{}{}
}

// Remove revokes token.
func (p *PrivilegeSet) Remove(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, token)
}

// Clear revokes every token.
func (p *PrivilegeSet) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = make(map[string]struct{})
}

// IsPrivileged implements PrivilegeOracle.
func (p *PrivilegeSet) IsPrivileged(token string) bool {
	if token == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tokens[token]
	return ok
}

// Len returns the number of privileged tokens.
func (p *PrivilegeSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}
