package kernel

import (
	"context"

	"simplyscript/core/auth"
	"simplyscript/core/errors"
	"simplyscript/core/logger"
	"simplyscript/core/store"

	"go.uber.org/zap"
)

// CallContext is threaded through one top-level invocation and every call it
// makes. It is not safe for concurrent use; each external request gets its own.
type CallContext struct {
	ctx      context.Context
	k        *kernel
	identity auth.Identity
	stack    []string
	depth    int
	req      *store.RequestStore
}

// CallOption customises a new CallContext.
type CallOption func(*CallContext)

// WithRequest makes the request store read and write the given map.
func WithRequest(values map[string]any) CallOption {
	return func(cc *CallContext) { cc.req = store.NewRequestStore(values) }
}

// WithIdentity sets the starting identity. Only the host boundary uses it;
// code running inside a call must go through SetIdentity.
func WithIdentity(id auth.Identity) CallOption {
	return func(cc *CallContext) { cc.identity = id }
}

func newCallContext(ctx context.Context, k *kernel, opts ...CallOption) *CallContext {
	if ctx == nil {
		ctx = context.Background()
	}
	cc := &CallContext{
		ctx:      ctx,
		k:        k,
		identity: auth.Anonymous(),
		depth:    -1,
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		cc.identity = id
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.req == nil {
		cc.req = store.NewRequestStore(nil)
	}
	return cc
}

// Call dispatches action ("Module.method") with args on this context.
func (cc *CallContext) Call(action string, args any) (any, error) {
	return cc.k.dispatch(cc, action, args)
}

// Context returns the context.Context of the innermost active call.
func (cc *CallContext) Context() context.Context { return cc.ctx }

// Depth is -1 when idle, 0 inside a top-level call and > 0 in nested calls.
func (cc *CallContext) Depth() int { return cc.depth }

// Stack returns a copy of the actions in progress, outermost first.
func (cc *CallContext) Stack() []string {
	out := make([]string, len(cc.stack))
	copy(out, cc.stack)
	return out
}

func (cc *CallContext) push(action string) {
	cc.depth++
	cc.stack = append(cc.stack, action)
}

func (cc *CallContext) pop() {
	cc.depth--
	cc.stack = cc.stack[:len(cc.stack)-1]
}

// Identity returns the acting principal.
func (cc *CallContext) Identity() auth.Identity { return cc.identity }

// SetIdentity replaces the acting principal when token is privileged.
func (cc *CallContext) SetIdentity(id auth.Identity, token string) error {
	if !cc.k.oracle.IsPrivileged(token) {
		return cc.raise(errors.ErrNoPrivilegeSetUser, "Caller does not have privilege to set context User")
	}
	cc.identity = id
	return nil
}

func (cc *CallContext) requireSuperuser() error {
	if !cc.identity.IsSuperuser {
		return cc.raise(errors.ErrNotAuthorized, "Not Authorized")
	}
	return nil
}

// System returns a named slot of the system aggregate. Superusers only.
func (cc *CallContext) System(name string) (any, error) {
	if err := cc.requireSuperuser(); err != nil {
		return nil, err
	}
	v, _ := cc.k.system.Get(name)
	return v, nil
}

// Module resolves a module object directly. Superusers only.
func (cc *CallContext) Module(name string) (any, error) {
	if err := cc.requireSuperuser(); err != nil {
		return nil, err
	}
	cc.Logger().Debug("Trying to load module", zap.String("module", name))
	obj, found, err := cc.k.modules.Resolve(cc.ctx, name, cc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cc.raise(errors.ErrModuleNotFound, "Module not found: "+name)
	}
	return obj, nil
}

// Service resolves a service object.
func (cc *CallContext) Service(name string) (any, error) {
	obj, found, err := cc.k.services.Resolve(cc.ctx, name, cc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cc.raise(errors.ErrServiceNotFound, "Service not found: "+name)
	}
	return obj, nil
}

// Extension invokes the context extension installed under name.
func (cc *CallContext) Extension(name string, args any) (any, error) {
	ext, ok := cc.k.system.Extension(name)
	if !ok {
		return nil, cc.raise(errors.ErrExtensionNotFound, "Context extension not found: "+name)
	}
	return ext(cc, args)
}

// Req reads the request store.
func (cc *CallContext) Req(key string) (any, bool) { return cc.req.Get(key) }

// SetReq writes the request store; nil deletes.
func (cc *CallContext) SetReq(key string, value any) { cc.req.Set(key, value) }

// Request exposes the request store to the host.
func (cc *CallContext) Request() *store.RequestStore { return cc.req }

// Cache reads the shared cache store.
func (cc *CallContext) Cache(key string) (any, bool) { return cc.k.cache.Get(key) }

// SetCache writes the shared cache store; nil deletes.
func (cc *CallContext) SetCache(key string, value any) { cc.k.cache.Set(key, value) }

// App reads the application store.
func (cc *CallContext) App(key string) (any, bool) { return cc.k.app.Get(key) }

// SetApp writes the application store; nil deletes.
func (cc *CallContext) SetApp(key string, value any) { cc.k.app.Set(key, value) }

// AddReturnCommand appends a command for the host to process after the call.
func (cc *CallContext) AddReturnCommand(command string) { cc.req.AddReturnCommand(command) }

// SetReturn adds a value to the extra data returned to the host.
func (cc *CallContext) SetReturn(key string, value any) { cc.req.SetReturn(key, value) }

// LoggerName is "modules.<action>" for the innermost call, or "context" when idle.
func (cc *CallContext) LoggerName() string {
	if len(cc.stack) == 0 {
		return "context"
	}
	return "modules." + cc.stack[len(cc.stack)-1]
}

// Logger returns a logger named after LoggerName.
func (cc *CallContext) Logger() *zap.Logger {
	return logger.Named(cc.LoggerName())
}

func (cc *CallContext) raise(sentinel *errors.Error, message string) *errors.Error {
	return errors.Raise(sentinel.Code, message, cc.LoggerName())
}
