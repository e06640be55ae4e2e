// Package kernel dispatches "Module.method" actions. It resolves modules and
// services behind allow/deny/map access control, runs the priority-ordered
// interceptor chains around every call and threads a CallContext through
// nested calls so outer and inner calls can be told apart.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"simplyscript/core/auth"
	"simplyscript/core/config"
	"simplyscript/core/errors"
	"simplyscript/core/events"
	"simplyscript/core/logger"
	"simplyscript/core/metrics"
	"simplyscript/core/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Kernel is the in-process call router.
type Kernel interface {
	// NewCallContext creates the context of one top-level invocation. The
	// identity is taken from ctx (auth.ContextWithIdentity) when present.
	NewCallContext(ctx context.Context, opts ...CallOption) *CallContext
	// Call dispatches action on a fresh CallContext.
	Call(ctx context.Context, action string, args any, opts ...CallOption) (any, error)
	// Module resolves a module for the host, bypassing identity checks.
	Module(ctx context.Context, name string) (any, error)
	// Service resolves a service for the host.
	Service(ctx context.Context, name string) (any, error)
	// CheckModule reports whether name passes the module ACL and its resource name.
	CheckModule(name string) (permitted bool, resource string)

	System() *System
	App() *store.AppStore
	Cache() *store.CacheStore
	Events() events.Bus
	Health(ctx context.Context) map[string]HealthStatus

	// Start preloads the configured services and modules, then freezes the
	// extension table.
	Start(ctx context.Context) error
	// Stop stops every resolved object implementing Stopper, newest first.
	Stop(ctx context.Context) error
	// Running returns true if the kernel is currently running.
	Running() bool
}

// HealthStatus is reported by objects implementing HealthReporter.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthReporter is implemented by modules and services that report health.
type HealthReporter interface {
	Health(ctx context.Context) HealthStatus
}

var (
	errAlreadyRunning = errors.New("kernel already running")
	errNotRunning     = errors.New("kernel not running")
)

// Option configures a kernel.
type Option func(*kernel)

// WithLoader sets the collaborator that turns resources into objects.
func WithLoader(l Loader) Option {
	return func(k *kernel) { k.loader = l }
}

// WithPrivileges sets the set that privileged services' tokens are added to.
func WithPrivileges(p *auth.PrivilegeSet) Option {
	return func(k *kernel) { k.privileges = p }
}

// WithPrivilegeOracle replaces the oracle consulted by CallContext.SetIdentity.
func WithPrivilegeOracle(o auth.PrivilegeOracle) Option {
	return func(k *kernel) { k.oracle = o }
}

// WithEventBus sets the bus resolution events are published on.
func WithEventBus(b events.Bus) Option {
	return func(k *kernel) { k.bus = b }
}

type kernel struct {
	mu      sync.RWMutex
	running bool

	cfg        *config.Config
	loader     Loader
	system     *System
	privileges *auth.PrivilegeSet
	oracle     auth.PrivilegeOracle
	bus        events.Bus
	cache      *store.CacheStore
	app        *store.AppStore

	modules  *resolver
	services *resolver
}

var nothing = LoaderFunc(func(context.Context, Resource) (any, error) { return nil, nil })

// New builds a kernel from cfg. A nil cfg uses config.GenerateMinimalConfig.
func New(cfg *config.Config, opts ...Option) (Kernel, error) {
	if cfg == nil {
		cfg = config.GenerateMinimalConfig()
	}
	k := &kernel{
		cfg:    cfg,
		loader: nothing,
		system: NewSystem(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.privileges == nil {
		k.privileges = auth.NewPrivilegeSet()
	}
	if k.oracle == nil {
		k.oracle = k.privileges
	}
	if k.bus == nil {
		k.bus = events.New()
	}

	cache, err := store.NewCacheStore(cfg.Cache.Size)
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	k.cache = cache
	k.app = store.NewAppStore(cfg.App)

	inits := newInitRegistry()
	if k.modules, err = newResolver(config.NamespaceModule, cfg.Module, k.loader, k.system, k.bus, k.privileges, inits); err != nil {
		return nil, err
	}
	if k.services, err = newResolver(config.NamespaceService, cfg.Service, k.loader, k.system, k.bus, k.privileges, inits); err != nil {
		return nil, err
	}

	cfg.AddConfigChangeHook(func(next *config.Config) {
		k.app.Replace(next.App)
		logger.Info(context.Background(), "Application store reloaded; access control changes apply after restart")
	})
	return k, nil
}

func (k *kernel) NewCallContext(ctx context.Context, opts ...CallOption) *CallContext {
	return newCallContext(ctx, k, opts...)
}

func (k *kernel) Call(ctx context.Context, action string, args any, opts ...CallOption) (any, error) {
	return k.NewCallContext(ctx, opts...).Call(action, args)
}

func (k *kernel) Module(ctx context.Context, name string) (any, error) {
	cc := k.NewCallContext(ctx)
	obj, found, err := k.modules.Resolve(ctx, name, cc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cc.raise(errors.ErrModuleNotFound, "Module not found: "+name)
	}
	return obj, nil
}

func (k *kernel) Service(ctx context.Context, name string) (any, error) {
	return k.NewCallContext(ctx).Service(name)
}

func (k *kernel) CheckModule(name string) (bool, string) {
	return k.modules.Permits(name)
}

func (k *kernel) System() *System          { return k.system }
func (k *kernel) App() *store.AppStore     { return k.app }
func (k *kernel) Cache() *store.CacheStore { return k.cache }
func (k *kernel) Events() events.Bus       { return k.bus }

// panicError is returned by safely when fn panics.
type panicError struct {
	component string
	operation string
	value     any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in %s during %s: %v", e.component, e.operation, e.value)
}

// safely runs a function and recovers from panics, returning an error instead.
func safely(ctx context.Context, componentName, componentType, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "Panic recovered in component",
				zap.String("type", componentType),
				zap.String("component", componentName),
				zap.String("operation", operation),
				zap.Any("panic", r),
			)
			err = &panicError{component: componentType + " " + componentName, operation: operation, value: r}
		}
	}()
	return fn()
}

// dispatch runs one call: push, pre chain, resolve and invoke, post chain, pop.
// The stack is unwound on every path.
func (k *kernel) dispatch(cc *CallContext, action string, args any) (any, error) {
	idx := strings.LastIndex(action, ".")
	if idx < 0 {
		return nil, cc.raise(errors.ErrInvalidActionFormat, "Invalid action format. Expected XXX.YYY")
	}
	moduleName, methodName := action[:idx], action[idx+1:]

	cc.push(action)
	defer cc.pop()

	parent := cc.ctx
	ctx, span := otel.Tracer("simplyscript-kernel").Start(parent, "Dispatch "+action,
		trace.WithAttributes(attribute.String("action", action), attribute.Int("call.depth", cc.depth)))
	cc.ctx = ctx
	defer func() {
		cc.ctx = parent
		span.End()
	}()

	pre, post := ChainPreCall, ChainPostCall
	if cc.depth > 0 {
		pre, post = ChainPreInnerCall, ChainPostInnerCall
	}

	k.runChain(cc, pre, nil, action, args)

	start := time.Now()
	result, err := k.invoke(cc, moduleName, methodName, args)
	status := metrics.StatusOK
	if err != nil {
		status = metrics.StatusError
		var p *panicError
		if errors.As(err, &p) {
			status = metrics.StatusPanic
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObserveCall(moduleName, methodName, status, time.Since(start).Seconds())

	k.runChain(cc, post, err, action, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (k *kernel) invoke(cc *CallContext, moduleName, methodName string, args any) (any, error) {
	obj, found, err := k.modules.Resolve(cc.ctx, moduleName, cc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cc.raise(errors.ErrModuleNotFound, "Module not found: "+moduleName)
	}

	var fn Method
	if mod, ok := obj.(Module); ok {
		fn, _ = mod.Method(methodName)
	}
	if fn == nil {
		return nil, cc.raise(errors.ErrMethodNotFound, fmt.Sprintf("Method not found: %s.%s", moduleName, methodName))
	}

	var result any
	err = safely(cc.ctx, moduleName, config.NamespaceModule, methodName, func() error {
		var callErr error
		result, callErr = fn(args, cc)
		return callErr
	})
	return result, err
}

// runChain executes every interceptor of chain in order. Failures are logged
// and counted; they never stop the chain or the call.
func (k *kernel) runChain(cc *CallContext, chain string, callErr error, action string, args any) {
	for _, entry := range k.system.Chain(chain) {
		fn := entry.Value
		err := safely(cc.ctx, action, "interceptor", chain, func() error {
			return fn(cc, callErr, action, args)
		})
		if err == nil {
			continue
		}
		status := metrics.StatusError
		var p *panicError
		if errors.As(err, &p) {
			status = metrics.StatusPanic
		}
		metrics.InterceptorFailed(chain, status)
		logger.Warn(cc.ctx, chain+" error",
			zap.String("action", action),
			zap.Int("priority", entry.Priority),
			zap.Error(err),
		)
	}
}

// Start preloads services then modules and freezes the extension table.
func (k *kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		logger.Warn(ctx, "Kernel already running, cannot start again.")
		return errAlreadyRunning
	}
	k.running = true
	k.mu.Unlock()

	tracer := otel.Tracer("simplyscript-kernel")
	ctx, span := tracer.Start(ctx, "Kernel.Start")
	defer span.End()

	logger.Info(ctx, "Starting kernel...")

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error(ctx, "Failed to start kernel", zap.Error(err))
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
		return err
	}

	preloaded := make([]string, 0, len(k.cfg.Service.Preload)+len(k.cfg.Module.Preload))
	for _, name := range k.cfg.Service.Preload {
		if _, err := k.Service(ctx, name); err != nil {
			return fail(fmt.Errorf("preload service %s: %w", name, err))
		}
		preloaded = append(preloaded, config.NamespaceService+":"+name)
	}
	for _, name := range k.cfg.Module.Preload {
		if _, err := k.Module(ctx, name); err != nil {
			return fail(fmt.Errorf("preload module %s: %w", name, err))
		}
		preloaded = append(preloaded, config.NamespaceModule+":"+name)
	}

	k.system.Freeze()
	k.bus.Publish(ctx, events.TopicKernelStarted, events.Started{Preloaded: preloaded})
	logger.Info(ctx, "Kernel started", zap.Strings("preloaded", preloaded))
	return nil
}

// Stop stops resolved objects in reverse resolution order, modules before services.
func (k *kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		logger.Warn(ctx, "Kernel not running, cannot stop.")
		return errNotRunning
	}
	k.running = false
	k.mu.Unlock()

	tracer := otel.Tracer("simplyscript-kernel")
	ctx, span := tracer.Start(ctx, "Kernel.Stop")
	defer span.End()

	logger.Info(ctx, "Stopping kernel...")

	var firstErr error
	for _, group := range []struct {
		namespace string
		objects   []namedObject
	}{
		{config.NamespaceModule, k.modules.resolved()},
		{config.NamespaceService, k.services.resolved()},
	} {
		for i := len(group.objects) - 1; i >= 0; i-- {
			named := group.objects[i]
			stopper, ok := named.obj.(Stopper)
			if !ok {
				continue
			}
			stopCtx, stopSpan := tracer.Start(ctx, fmt.Sprintf("Stop %s/%s", group.namespace, named.name),
				trace.WithAttributes(attribute.String("name", named.name)))
			err := safely(stopCtx, named.name, group.namespace, "Stop", func() error {
				return stopper.Stop(stopCtx)
			})
			if err != nil {
				stopSpan.RecordError(err)
				stopSpan.SetStatus(codes.Error, err.Error())
				logger.Error(ctx, "Failed to stop "+group.namespace, zap.String("name", named.name), zap.Error(err))
				if firstErr == nil {
					firstErr = fmt.Errorf("stop %s %s: %w", group.namespace, named.name, err)
				}
			}
			stopSpan.End()
		}
	}
	logger.Info(ctx, "Kernel stopped.")
	return firstErr
}

// Running returns true if the kernel is currently running.
func (k *kernel) Running() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Health returns the status of every resolved module and service.
func (k *kernel) Health(ctx context.Context) map[string]HealthStatus {
	statuses := make(map[string]HealthStatus)
	for _, group := range []struct {
		namespace string
		objects   []namedObject
	}{
		{config.NamespaceModule, k.modules.resolved()},
		{config.NamespaceService, k.services.resolved()},
	} {
		for _, named := range group.objects {
			status := HealthStatus{Status: "healthy"}
			if hr, ok := named.obj.(HealthReporter); ok {
				status = hr.Health(ctx)
			}
			statuses[group.namespace+":"+named.name] = status
		}
	}
	return statuses
}
