package kernel

import "context"

// Chain names. Pre chains run highest priority first, post chains lowest first.
const (
	ChainPreCall       = "preCall"
	ChainPostCall      = "postCall"
	ChainPreInnerCall  = "preInnerCall"
	ChainPostInnerCall = "postInnerCall"
)

// Method is a callable exposed by a module or service.
type Method func(args any, cc *CallContext) (any, error)

// Module is any resolved object that exposes methods by name.
type Module interface {
	Method(name string) (Method, bool)
}

// Methods is a map-backed Module.
type Methods map[string]Method

func (m Methods) Method(name string) (Method, bool) {
	fn, ok := m[name]
	return fn, ok
}

// Interceptor observes a dispatched action. callErr is nil on pre chains and on
// successful calls. A returned error is logged and otherwise ignored.
type Interceptor func(cc *CallContext, callErr error, action string, args any) error

// InterceptorSpec declares one interceptor. A nil Owner defaults to the object
// that contributed it.
type InterceptorSpec struct {
	Fn       Interceptor
	Owner    any
	Priority int
}

// Interceptors lists the chains an object wants to join. Nil entries are skipped.
type Interceptors struct {
	PreCall       *InterceptorSpec
	PostCall      *InterceptorSpec
	PreInnerCall  *InterceptorSpec
	PostInnerCall *InterceptorSpec
}

func (i Interceptors) byChain() map[string]*InterceptorSpec {
	return map[string]*InterceptorSpec{
		ChainPreCall:       i.PreCall,
		ChainPostCall:      i.PostCall,
		ChainPreInnerCall:  i.PreInnerCall,
		ChainPostInnerCall: i.PostInnerCall,
	}
}

// Extension is a named handler reachable from every call context through
// CallContext.Extension.
type Extension func(cc *CallContext, args any) (any, error)

// SetupParams is passed to Configurable objects once, right after loading.
type SetupParams struct {
	Name   string         // logical name
	Args   map[string]any // init arguments, never nil
	System *System
	Path   string // resource location
	Call   *CallContext
	Token  string // uniqueness token, services only
}

// Optional capabilities checked on every freshly loaded object.
type (
	// Initializable objects are initialised once per process.
	Initializable interface {
		Init() error
	}

	// Configurable objects receive their name, arguments and the system.
	Configurable interface {
		Setup(ctx context.Context, p SetupParams) error
	}

	// InterceptorContributor objects join interceptor chains after setup.
	InterceptorContributor interface {
		Interceptors() Interceptors
	}

	// ContextExtender objects install an extension under their logical name.
	ContextExtender interface {
		ContextExtension() Extension
	}

	// Versioned objects are checked against configured semver constraints.
	Versioned interface {
		Version() string
	}

	// Stopper objects are stopped when the kernel stops.
	Stopper interface {
		Stop(ctx context.Context) error
	}
)

// Resource identifies what a Loader should produce.
type Resource struct {
	Namespace string // "module" or "service"
	Name      string // resource name after mapping
	Path      string // <namespace path>/<resource name>
	Token     string
}

// Loader turns a resource into an object. It returns (nil, nil) when the
// resource does not exist.
type Loader interface {
	Load(ctx context.Context, res Resource) (any, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, res Resource) (any, error)

func (f LoaderFunc) Load(ctx context.Context, res Resource) (any, error) { return f(ctx, res) }
