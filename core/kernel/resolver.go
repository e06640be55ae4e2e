package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"simplyscript/core/auth"
	"simplyscript/core/config"
	"simplyscript/core/errors"
	"simplyscript/core/events"
	"simplyscript/core/logger"
	"simplyscript/core/metrics"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolution outcomes used as metric labels.
const (
	resolvedOK       = "ok"
	resolvedRejected = "rejected"
	resolvedMissing  = "missing"
	resolvedFailed   = "error"
)

// resolver performs the ACL-gated lookup and one-time setup of one namespace.
// Objects are cached by logical name, so two names mapped onto the same
// resource are set up independently with their own init arguments.
type resolver struct {
	namespace string
	cfg       config.NamespaceConfig
	acl       *auth.ACL
	loader    Loader
	system    *System
	bus       events.Bus
	grants    *auth.PrivilegeSet

	privileged map[string]struct{}
	versions   map[string]*semver.Constraints

	mu      sync.RWMutex
	objects map[string]any
	order   []string // logical names in resolution order
	group   singleflight.Group

	initialized *initRegistry
}

// initRegistry remembers which objects have been initialised. It is shared by
// both namespaces so an object reachable under several names is initialised once.
type initRegistry struct {
	mu   sync.Mutex
	done map[any]struct{}
}

func newInitRegistry() *initRegistry {
	return &initRegistry{done: make(map[any]struct{})}
}

// claim reports whether obj still needs initialising and marks it done.
// Objects whose dynamic type is not comparable cannot be tracked and are
// always initialised.
func (r *initRegistry) claim(obj any) bool {
	if !reflect.TypeOf(obj).Comparable() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.done[obj]; ok {
		return false
	}
	r.done[obj] = struct{}{}
	return true
}

func newResolver(namespace string, cfg config.NamespaceConfig, loader Loader, system *System, bus events.Bus, grants *auth.PrivilegeSet, inits *initRegistry) (*resolver, error) {
	r := &resolver{
		namespace:   namespace,
		cfg:         cfg,
		acl:         auth.NewACL(cfg.Allow, cfg.Deny),
		loader:      loader,
		system:      system,
		bus:         bus,
		grants:      grants,
		privileged:  make(map[string]struct{}, len(cfg.PrivilegedServices)),
		versions:    make(map[string]*semver.Constraints, len(cfg.Versions)),
		objects:     make(map[string]any),
		initialized: inits,
	}
	for _, name := range cfg.PrivilegedServices {
		r.privileged[name] = struct{}{}
	}
	for name, raw := range cfg.Versions {
		c, err := semver.NewConstraint(raw)
		if err != nil {
			return nil, fmt.Errorf("%s %q: invalid version constraint %q: %w", namespace, name, raw, err)
		}
		r.versions[name] = c
	}
	return r, nil
}

// Permits reports whether name passes the ACL and which resource it maps to.
func (r *resolver) Permits(name string) (bool, string) {
	return r.acl.Permits(name), r.cfg.ResourceName(name)
}

// Resolve returns the object registered under the logical name, loading and
// setting it up on first use. found is false when the ACL rejects name or the
// loader has nothing for it; err is reserved for load and setup failures.
func (r *resolver) Resolve(ctx context.Context, name string, cc *CallContext) (obj any, found bool, err error) {
	if !r.acl.Permits(name) {
		r.reject(ctx, name, resolvedRejected, "denied by access control")
		return nil, false, nil
	}

	r.mu.RLock()
	obj, ok := r.objects[name]
	r.mu.RUnlock()
	if ok {
		return obj, true, nil
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.objects[name]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
		return r.load(ctx, name, cc)
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (r *resolver) load(ctx context.Context, name string, cc *CallContext) (any, error) {
	tracer := otel.Tracer("simplyscript-kernel")
	ctx, span := tracer.Start(ctx, fmt.Sprintf("Resolve %s/%s", r.namespace, name),
		trace.WithAttributes(attribute.String("namespace", r.namespace), attribute.String("name", name)))
	defer span.End()

	resource := r.cfg.ResourceName(name)
	res := Resource{
		Namespace: r.namespace,
		Name:      resource,
		Path:      filepath.Join(r.cfg.Path, resource),
	}
	if r.namespace == config.NamespaceService {
		res.Token = uuid.NewString()
	}

	obj, err := r.loader.Load(ctx, res)
	if err != nil {
		return nil, r.fail(ctx, span, name, fmt.Errorf("load %s: %w", res.Path, err))
	}
	if obj == nil {
		r.reject(ctx, name, resolvedMissing, "resource not found")
		return nil, nil
	}

	version := ""
	if v, ok := obj.(Versioned); ok {
		version = v.Version()
	}
	if err := r.checkVersion(name, version); err != nil {
		return nil, r.fail(ctx, span, name, err)
	}

	if initializer, ok := obj.(Initializable); ok && r.initialized.claim(obj) {
		if err := safely(ctx, name, r.namespace, "Init", initializer.Init); err != nil {
			return nil, r.fail(ctx, span, name, err)
		}
	}

	if extender, ok := obj.(ContextExtender); ok && extender.ContextExtension() != nil && r.system.Frozen() {
		return nil, r.fail(ctx, span, name,
			errors.Newf(errors.ErrRegistryFrozen, "cannot register context extension %q after startup", name))
	}

	if configurable, ok := obj.(Configurable); ok {
		params := SetupParams{
			Name:   name,
			Args:   r.cfg.Arguments(name),
			System: r.system,
			Path:   res.Path,
			Call:   cc,
			Token:  res.Token,
		}
		err := safely(ctx, name, r.namespace, "Setup", func() error {
			return configurable.Setup(ctx, params)
		})
		if err != nil {
			return nil, r.fail(ctx, span, name, err)
		}
	}

	if err := r.register(name, obj); err != nil {
		r.discard(ctx, name, obj)
		return nil, r.fail(ctx, span, name, err)
	}

	if res.Token != "" {
		if _, ok := r.privileged[name]; ok {
			r.grants.Add(res.Token)
		}
	}

	r.mu.Lock()
	r.objects[name] = obj
	r.order = append(r.order, name)
	r.mu.Unlock()

	metrics.Resolved(r.namespace, resolvedOK)
	logger.Info(ctx, "Resolved "+r.namespace,
		zap.String("name", name), zap.String("resource", resource), zap.String("version", version))
	topic := events.TopicModuleResolved
	if r.namespace == config.NamespaceService {
		topic = events.TopicServiceResolved
	}
	r.bus.Publish(ctx, topic, events.Resolved{Namespace: r.namespace, Name: name, Resource: resource, Version: version})
	return obj, nil
}

func (r *resolver) checkVersion(name, version string) error {
	constraint, ok := r.versions[name]
	if !ok {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s %q has invalid version %q: %w", r.namespace, name, version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%s %q version %s does not satisfy %s", r.namespace, name, v, constraint)
	}
	return nil
}

// register installs the context extension and interceptors contributed by obj.
// Nothing is installed when any contribution is rejected.
func (r *resolver) register(name string, obj any) error {
	type chainEntry struct {
		chain string
		spec  InterceptorSpec
	}
	var entries []chainEntry
	if contributor, ok := obj.(InterceptorContributor); ok {
		specs := contributor.Interceptors().byChain()
		for _, chain := range []string{ChainPreCall, ChainPostCall, ChainPreInnerCall, ChainPostInnerCall} {
			spec := specs[chain]
			if spec == nil {
				continue
			}
			if spec.Fn == nil {
				return fmt.Errorf("nil interceptor for chain %q", chain)
			}
			entry := *spec
			if entry.Owner == nil {
				entry.Owner = obj
			}
			entries = append(entries, chainEntry{chain: chain, spec: entry})
		}
	}
	if extender, ok := obj.(ContextExtender); ok {
		if ext := extender.ContextExtension(); ext != nil {
			if err := r.system.RegisterExtension(name, ext); err != nil {
				return err
			}
		}
	}
	for _, e := range entries {
		if err := r.system.AddInterceptor(e.chain, e.spec); err != nil {
			return err
		}
	}
	return nil
}

// discard releases an object that was set up but could not be registered.
func (r *resolver) discard(ctx context.Context, name string, obj any) {
	stopper, ok := obj.(Stopper)
	if !ok {
		return
	}
	err := safely(ctx, name, r.namespace, "Stop", func() error { return stopper.Stop(ctx) })
	if err != nil {
		logger.Warn(ctx, "Failed to release discarded "+r.namespace, zap.String("name", name), zap.Error(err))
	}
}

func (r *resolver) reject(ctx context.Context, name, outcome, reason string) {
	metrics.Resolved(r.namespace, outcome)
	logger.Debug(ctx, "Resolution rejected", zap.String("namespace", r.namespace), zap.String("name", name), zap.String("reason", reason))
	r.bus.Publish(ctx, events.TopicResolutionRejected, events.Rejected{Namespace: r.namespace, Name: name, Reason: reason})
}

func (r *resolver) fail(ctx context.Context, span trace.Span, name string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	metrics.Resolved(r.namespace, resolvedFailed)
	logger.Error(ctx, "Failed to set up "+r.namespace, zap.String("name", name), zap.Error(cause))
	sentinel := errors.ErrServiceSetup
	if r.namespace == config.NamespaceModule {
		sentinel = errors.ErrModuleSetup
	}
	err := errors.Newf(sentinel, "%s %s cannot be set up", r.namespace, name).WithCause(cause)
	r.bus.Publish(ctx, events.TopicResolutionRejected, events.Rejected{Namespace: r.namespace, Name: name, Code: err.Code, Reason: cause.Error()})
	return err
}

type namedObject struct {
	name string
	obj  any
}

// resolved returns the objects set up so far, in resolution order.
func (r *resolver) resolved() []namedObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namedObject, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, namedObject{name: name, obj: r.objects[name]})
	}
	return out
}
