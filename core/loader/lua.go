package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"simplyscript/core/errors"
	"simplyscript/core/kernel"
	"simplyscript/core/logger"

	"github.com/Shopify/go-lua"
	"go.uber.org/zap"
)

const (
	// LuaEntryFile is the script loaded from a resource directory.
	LuaEntryFile = "index.lua"

	moduleGlobal   = "__module"
	extensionField = "__extension"
)

var chainNames = []string{kernel.ChainPreCall, kernel.ChainPostCall, kernel.ChainPreInnerCall, kernel.ChainPostInnerCall}

// LuaLoader loads <resource path>/index.lua. The chunk must return a table;
// its public functions become methods called as fn(args, ctx).
//
// Optional hooks on the table:
//
//	_init()                          runs before setup
//	_setup(name, args, path, ctx)    may return {extension = fn, preCall = {fn = f, priority = n}, ...}
//	preCall, postCall, preInnerCall, postInnerCall = {fn = "name", priority = n}
//
// Every interpreter state opened after setup replays _init and _setup, so a
// script's _init may run several times per process and must not have side
// effects outside its own state. Replayed _setup calls receive the ctx of the
// call that needed the new state.
type LuaLoader struct {
	poolSize int
}

// NewLuaLoader creates a loader keeping up to poolSize idle interpreter
// states per script.
func NewLuaLoader(poolSize int) *LuaLoader {
	if poolSize < 1 {
		poolSize = 1
	}
	return &LuaLoader{poolSize: poolSize}
}

func (l *LuaLoader) Load(ctx context.Context, res kernel.Resource) (any, error) {
	file := filepath.Join(res.Path, LuaEntryFile)
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	s := &Script{
		file:      file,
		idle:      make(chan *lua.State, l.poolSize),
		functions: make(map[string]struct{}),
		methods:   make(map[string]struct{}),
		chains:    make(map[string]luaInterceptor),
	}
	state, err := s.open(nil)
	if err != nil {
		return nil, err
	}
	if err := s.describe(state); err != nil {
		return nil, err
	}
	s.release(state)

	logger.Debug(ctx, "Loaded Lua script", zap.String("file", file), zap.Int("methods", len(s.methods)))
	return s, nil
}

type luaInterceptor struct {
	fn       string
	priority int
}

type luaSetup struct {
	name string
	args map[string]any
	path string
}

// luaDescriptor is what _setup returned: an optional extension and
// interceptors that override the static declarations.
type luaDescriptor struct {
	extension bool
	chains    map[string]luaInterceptor
}

// Script is a loaded Lua module or service. Interpreter states are not safe
// for concurrent use, so each call borrows one from the idle pool or opens a
// fresh one. States opened after Init or Setup replay those hooks.
type Script struct {
	file string
	idle chan *lua.State

	functions map[string]struct{}
	methods   map[string]struct{}
	version   string

	mu          sync.Mutex
	chains      map[string]luaInterceptor
	extension   bool
	initialized bool
	setup       *luaSetup
}

// open creates a state and replays the hooks that already ran. inv is the
// call that needs the state; it may be nil before setup.
func (s *Script) open(inv *invocation) (*lua.State, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.LoadFile(state, s.file, ""); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.file, err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, fmt.Errorf("run %s: %w", s.file, err)
	}
	if state.TypeOf(-1) != lua.TypeTable {
		return nil, fmt.Errorf("%s must return a table", s.file)
	}
	state.SetGlobal(moduleGlobal)

	s.mu.Lock()
	initialized, setup := s.initialized, s.setup
	s.mu.Unlock()
	if initialized {
		if _, err := s.callField(state, nil, "_init"); err != nil {
			return nil, err
		}
	}
	if setup != nil {
		if _, err := s.runSetup(state, inv, setup); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// runSetup calls _setup on state and installs the functions of the returned
// descriptor into the state's module table.
func (s *Script) runSetup(state *lua.State, inv *invocation, setup *luaSetup) (*luaDescriptor, error) {
	top := state.Top()
	defer state.SetTop(top)

	state.Global(moduleGlobal)
	module := state.AbsIndex(-1)
	state.Field(module, "_setup")
	if state.TypeOf(-1) != lua.TypeFunction {
		return nil, nil
	}
	for _, arg := range []any{setup.name, setup.args, setup.path, inv} {
		pushValue(state, arg)
	}
	if err := s.protectedCall(state, inv, "_setup", 4); err != nil {
		return nil, err
	}
	if state.TypeOf(-1) != lua.TypeTable {
		return nil, nil
	}
	return s.installDescriptor(state, module, state.AbsIndex(-1))
}

func (s *Script) installDescriptor(state *lua.State, module, desc int) (*luaDescriptor, error) {
	d := &luaDescriptor{chains: make(map[string]luaInterceptor)}

	state.Field(desc, "extension")
	switch state.TypeOf(-1) {
	case lua.TypeFunction:
		state.SetField(module, extensionField)
		d.extension = true
	case lua.TypeNil:
		state.Pop(1)
	default:
		return nil, fmt.Errorf("%s: _setup extension must be a function", s.file)
	}

	for _, chain := range chainNames {
		state.Field(desc, chain)
		switch state.TypeOf(-1) {
		case lua.TypeNil:
			state.Pop(1)
			continue
		case lua.TypeTable:
		default:
			return nil, fmt.Errorf("%s: _setup %s must be a table", s.file, chain)
		}
		entry := state.AbsIndex(-1)
		var decl luaInterceptor
		state.Field(entry, "fn")
		switch state.TypeOf(-1) {
		case lua.TypeFunction:
			decl.fn = "__" + chain
			state.SetField(module, decl.fn)
		case lua.TypeString:
			decl.fn, _ = state.ToString(-1)
			state.Pop(1)
			if _, ok := s.functions[decl.fn]; !ok {
				return nil, fmt.Errorf("%s: _setup %s refers to unknown function %q", s.file, chain, decl.fn)
			}
		default:
			return nil, fmt.Errorf("%s: _setup %s needs a fn", s.file, chain)
		}
		state.Field(entry, "priority")
		if state.TypeOf(-1) == lua.TypeNumber {
			decl.priority, _ = state.ToInteger(-1)
		}
		state.Pop(2)
		d.chains[chain] = decl
	}
	return d, nil
}

func (s *Script) describe(state *lua.State) error {
	top := state.Top()
	defer state.SetTop(top)

	state.Global(moduleGlobal)
	table := state.AbsIndex(-1)
	state.PushNil()
	for state.Next(table) {
		if state.TypeOf(-2) != lua.TypeString {
			state.Pop(1)
			continue
		}
		name, _ := state.ToString(-2)
		switch state.TypeOf(-1) {
		case lua.TypeFunction:
			s.functions[name] = struct{}{}
			if !strings.HasPrefix(name, "_") {
				s.methods[name] = struct{}{}
			}
		case lua.TypeString:
			if name == "version" {
				s.version, _ = state.ToString(-1)
			}
		case lua.TypeTable:
			if isChain(name) {
				s.chains[name] = readInterceptor(state)
			}
		}
		state.Pop(1)
	}

	for chain, decl := range s.chains {
		if _, ok := s.functions[decl.fn]; !ok {
			return fmt.Errorf("%s: %s refers to unknown function %q", s.file, chain, decl.fn)
		}
	}
	return nil
}

func isChain(name string) bool {
	switch name {
	case kernel.ChainPreCall, kernel.ChainPostCall, kernel.ChainPreInnerCall, kernel.ChainPostInnerCall:
		return true
	}
	return false
}

// readInterceptor reads {fn = "name", priority = n} from the top of the stack.
func readInterceptor(state *lua.State) luaInterceptor {
	var decl luaInterceptor
	state.Field(-1, "fn")
	if state.TypeOf(-1) == lua.TypeString {
		decl.fn, _ = state.ToString(-1)
	}
	state.Pop(1)
	state.Field(-1, "priority")
	if state.TypeOf(-1) == lua.TypeNumber {
		decl.priority, _ = state.ToInteger(-1)
	}
	state.Pop(1)
	return decl
}

func (s *Script) acquire(inv *invocation) (*lua.State, error) {
	select {
	case state := <-s.idle:
		return state, nil
	default:
		return s.open(inv)
	}
}

func (s *Script) release(state *lua.State) {
	select {
	case s.idle <- state:
	default:
	}
}

// run calls a field of the module table on a borrowed state.
func (s *Script) run(inv *invocation, name string, args ...any) (any, error) {
	state, err := s.acquire(inv)
	if err != nil {
		return nil, err
	}
	defer s.release(state)
	return s.callField(state, inv, name, args...)
}

// callField calls module[name](args...). A missing hook is not an error.
func (s *Script) callField(state *lua.State, inv *invocation, name string, args ...any) (any, error) {
	top := state.Top()
	defer state.SetTop(top)

	state.Global(moduleGlobal)
	state.Field(-1, name)
	if state.TypeOf(-1) != lua.TypeFunction {
		return nil, nil
	}
	for _, arg := range args {
		pushValue(state, arg)
	}
	if err := s.protectedCall(state, inv, name, len(args)); err != nil {
		return nil, err
	}
	return toValue(state, -1), nil
}

// protectedCall calls the function below nargs arguments and leaves one
// result. A Go error raised by a ctx binding is returned unchanged.
func (s *Script) protectedCall(state *lua.State, inv *invocation, name string, nargs int) error {
	if inv != nil {
		inv.err = nil
	}
	if err := state.ProtectedCall(nargs, 1, 0); err != nil {
		if inv != nil && inv.err != nil {
			return inv.err
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Script) Method(name string) (kernel.Method, bool) {
	if _, ok := s.methods[name]; !ok {
		return nil, false
	}
	return func(args any, cc *kernel.CallContext) (any, error) {
		inv := &invocation{cc: cc}
		return s.run(inv, name, args, inv)
	}, true
}

// Methods lists the callable method names.
func (s *Script) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

func (s *Script) Version() string { return s.version }

func (s *Script) Init() error {
	if _, err := s.run(nil, "_init"); err != nil {
		return err
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// Setup runs _setup and applies the descriptor it returns.
func (s *Script) Setup(_ context.Context, p kernel.SetupParams) error {
	inv := &invocation{cc: p.Call}
	setup := &luaSetup{name: p.Name, args: p.Args, path: p.Path}
	state, err := s.acquire(inv)
	if err != nil {
		return err
	}
	defer s.release(state)

	d, err := s.runSetup(state, inv, setup)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setup = setup
	if d != nil {
		s.extension = d.extension
		for chain, decl := range d.chains {
			s.chains[chain] = decl
		}
	}
	return nil
}

// ContextExtension returns the extension from the _setup descriptor, called
// from Lua as fn(args, ctx).
func (s *Script) ContextExtension() kernel.Extension {
	s.mu.Lock()
	has := s.extension
	s.mu.Unlock()
	if !has {
		return nil
	}
	return func(cc *kernel.CallContext, args any) (any, error) {
		inv := &invocation{cc: cc}
		return s.run(inv, extensionField, args, inv)
	}
}

func (s *Script) Interceptors() kernel.Interceptors {
	return kernel.Interceptors{
		PreCall:       s.interceptor(kernel.ChainPreCall),
		PostCall:      s.interceptor(kernel.ChainPostCall),
		PreInnerCall:  s.interceptor(kernel.ChainPreInnerCall),
		PostInnerCall: s.interceptor(kernel.ChainPostInnerCall),
	}
}

// interceptor adapts a declared chain entry. The Lua function is called as
// fn(ctx, err, action, args) where err is the error message or nil.
func (s *Script) interceptor(chain string) *kernel.InterceptorSpec {
	s.mu.Lock()
	decl, ok := s.chains[chain]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return &kernel.InterceptorSpec{
		Priority: decl.priority,
		Fn: func(cc *kernel.CallContext, callErr error, action string, args any) error {
			var message any
			if callErr != nil {
				message = callErr.Error()
			}
			inv := &invocation{cc: cc}
			_, err := s.run(inv, decl.fn, inv, message, action, args)
			return err
		},
	}
}

// Stop drops the idle states.
func (s *Script) Stop(context.Context) error {
	for {
		select {
		case <-s.idle:
		default:
			return nil
		}
	}
}

// invocation binds the Lua ctx table to one call context. A Go error raised
// inside a binding is kept so callers get it back unchanged.
type invocation struct {
	cc  *kernel.CallContext
	err error
}

func (inv *invocation) fail(state *lua.State, err error) int {
	inv.err = err
	lua.Errorf(state, "%s", err.Error())
	return 0
}

func pushContext(state *lua.State, inv *invocation) {
	if inv == nil || inv.cc == nil {
		state.PushNil()
		return
	}
	cc := inv.cc
	state.NewTable()
	lua.SetFunctions(state, []lua.RegistryFunction{
		{Name: "call", Function: inv.call},
		{Name: "service_call", Function: inv.serviceCall},
		{Name: "extension", Function: inv.extension},
		{Name: "req", Function: scope(cc.Req, cc.SetReq)},
		{Name: "cache", Function: scope(cc.Cache, cc.SetCache)},
		{Name: "app", Function: scope(cc.App, cc.SetApp)},
		{Name: "depth", Function: func(state *lua.State) int {
			state.PushInteger(cc.Depth())
			return 1
		}},
		{Name: "logger_name", Function: func(state *lua.State) int {
			state.PushString(cc.LoggerName())
			return 1
		}},
		{Name: "identity", Function: func(state *lua.State) int {
			id := cc.Identity()
			pushValue(state, map[string]any{
				"username":     id.Username,
				"is_active":    id.IsActive,
				"is_staff":     id.IsStaff,
				"is_superuser": id.IsSuperuser,
				"is_anonymous": id.IsAnonymous,
			})
			return 1
		}},
		{Name: "log", Function: func(state *lua.State) int {
			cc.Logger().Info(lua.CheckString(state, 1))
			return 0
		}},
		{Name: "add_return_command", Function: func(state *lua.State) int {
			cc.AddReturnCommand(lua.CheckString(state, 1))
			return 0
		}},
		{Name: "set_return", Function: func(state *lua.State) int {
			cc.SetReturn(lua.CheckString(state, 1), toValue(state, 2))
			return 0
		}},
	}, 0)
}

func (inv *invocation) call(state *lua.State) int {
	action := lua.CheckString(state, 1)
	result, err := inv.cc.Call(action, toValue(state, 2))
	if err != nil {
		return inv.fail(state, err)
	}
	pushValue(state, result)
	return 1
}

func (inv *invocation) serviceCall(state *lua.State) int {
	name := lua.CheckString(state, 1)
	method := lua.CheckString(state, 2)
	obj, err := inv.cc.Service(name)
	if err != nil {
		return inv.fail(state, err)
	}
	var fn kernel.Method
	mod, ok := obj.(kernel.Module)
	if ok {
		fn, ok = mod.Method(method)
	}
	if !ok || fn == nil {
		return inv.fail(state, errors.Newf(errors.ErrMethodNotFound, "method %s not found in service %s", method, name))
	}
	result, err := fn(toValue(state, 3), inv.cc)
	if err != nil {
		return inv.fail(state, err)
	}
	pushValue(state, result)
	return 1
}

func (inv *invocation) extension(state *lua.State) int {
	name := lua.CheckString(state, 1)
	result, err := inv.cc.Extension(name, toValue(state, 2))
	if err != nil {
		return inv.fail(state, err)
	}
	pushValue(state, result)
	return 1
}

// scope builds a get/set accessor: f(key) reads, f(key, value) writes and a
// nil value deletes.
func scope(get func(string) (any, bool), set func(string, any)) lua.Function {
	return func(state *lua.State) int {
		key := lua.CheckString(state, 1)
		if state.Top() >= 2 {
			set(key, toValue(state, 2))
			return 0
		}
		v, _ := get(key)
		pushValue(state, v)
		return 1
	}
}
