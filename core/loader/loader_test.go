package loader_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"simplyscript/core/config"
	"simplyscript/core/errors"
	"simplyscript/core/kernel"
	"simplyscript/core/loader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calcScript = `
local M = { version = "1.2.0" }
local logical = nil

function M._setup(name, args, path, ctx)
  logical = name
  M.factor = args.factor or 1
end

function M.add(args, ctx)
  return (args.a + args.b) * M.factor
end

function M.whoami(args, ctx)
  return logical
end

function M.fail(args, ctx)
  error("boom")
end

return M
`

const alertScript = `
local M = {}

function M.test(args, ctx)
  local sum = ctx.call("Calc.add", {a = 2, b = 3})
  ctx.req("sum", sum)
  return {sum = sum, depth = ctx.depth(), list = {1, 2, 3}}
end

function M.missing(args, ctx)
  return ctx.call("Nope.run", {})
end

return M
`

const auditScript = `
local M = { postCall = { fn = "_record", priority = 5 } }

function M._record(ctx, err, action, args)
  ctx.cache("last_action", action)
  if err then
    ctx.cache("last_error", err)
  end
end

return M
`

const recursiveScript = `
local M = {}
local greeting = nil

function M._setup(name, args, path, ctx)
  greeting = ctx.app("greeting")
end

function M.rec(args, ctx)
  if args.n > 0 then
    return ctx.call("Rec.rec", {n = args.n - 1})
  end
  return greeting .. ":" .. ctx.depth()
end

return M
`

const statsScript = `
local M = {}

function M._setup(name, args, path, ctx)
  local prefix = args.prefix or "hits"
  return {
    extension = function(args, ctx)
      return prefix .. ":" .. args
    end,
    preCall = {
      fn = function(ctx, err, action, args)
        ctx.cache("seen", action)
      end,
      priority = 7,
    },
  }
end

return M
`

func writeScript(t *testing.T, dir, namespace, name, body string) {
	t.Helper()
	path := filepath.Join(dir, namespace, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, loader.LuaEntryFile), []byte(body), 0o644))
}

func scriptsKernel(t *testing.T, dir string, mutate func(*config.Config)) kernel.Kernel {
	t.Helper()
	cfg := config.GenerateMinimalConfig()
	cfg.ScriptsPath = dir
	cfg.Module.Path = filepath.Join(dir, "modules")
	cfg.Service.Path = filepath.Join(dir, "services")
	if mutate != nil {
		mutate(cfg)
	}
	k, err := kernel.New(cfg, kernel.WithLoader(loader.NewLuaLoader(2)))
	require.NoError(t, err)
	return k
}

func TestLuaModuleMethods(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.Module.InitArguments["Calc"] = map[string]any{"factor": 10}
		cfg.Module.Versions = map[string]string{"Calc": "^1.0.0"}
	})

	got, err := k.Call(context.Background(), "Calc.add", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 30, got)

	got, err = k.Call(context.Background(), "Calc.whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "Calc", got)

	_, err = k.Call(context.Background(), "Calc.fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = k.Call(context.Background(), "Calc._setup", nil)
	assert.ErrorIs(t, err, errors.ErrMethodNotFound)
}

func TestLuaStatesReplaySetup(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.Module.InitArguments["Calc"] = map[string]any{"factor": 2}
	})

	var wg sync.WaitGroup
	results := make([]any, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = k.Call(context.Background(), "Calc.add", map[string]int{"a": i, "b": 0})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, i*2, results[i])
	}
}

func TestLuaNestedCall(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	writeScript(t, dir, "modules", "Alert", alertScript)
	k := scriptsKernel(t, dir, nil)

	request := map[string]any{}
	got, err := k.Call(context.Background(), "Alert.test", nil, kernel.WithRequest(request))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 5, "depth": 0, "list": []any{1, 2, 3}}, got)
	assert.Equal(t, 5, request["sum"])

	_, err = k.Call(context.Background(), "Alert.missing", nil)
	assert.ErrorIs(t, err, errors.ErrModuleNotFound, "the Go error crosses the Lua boundary unchanged")
}

func TestLuaInterceptor(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	writeScript(t, dir, "services", "Audit", auditScript)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.Service.Preload = []string{"Audit"}
	})
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop(context.Background()) })

	post := k.System().Chain(kernel.ChainPostCall)
	require.Len(t, post, 1)
	assert.Equal(t, 5, post[0].Priority)

	_, err := k.Call(context.Background(), "Calc.fail", nil)
	require.Error(t, err)

	action, _ := k.Cache().Get("last_action")
	assert.Equal(t, "Calc.fail", action)
	message, _ := k.Cache().Get("last_error")
	assert.Contains(t, message, "boom")
}

func TestLuaLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	l := loader.NewLuaLoader(1)

	obj, err := l.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Missing", Path: filepath.Join(dir, "Missing")})
	assert.NoError(t, err)
	assert.Nil(t, obj)

	writeScript(t, dir, "modules", "Scalar", `return 42`)
	_, err = l.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Scalar", Path: filepath.Join(dir, "modules", "Scalar")})
	assert.ErrorContains(t, err, "must return a table")

	writeScript(t, dir, "modules", "Broken", `local M = { preCall = { fn = "nothing" } } return M`)
	_, err = l.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Broken", Path: filepath.Join(dir, "modules", "Broken")})
	assert.ErrorContains(t, err, "unknown function")

	writeScript(t, dir, "modules", "Calc", calcScript)
	obj, err = l.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Calc", Path: filepath.Join(dir, "modules", "Calc")})
	require.NoError(t, err)
	script := obj.(*loader.Script)
	methods := script.Methods()
	sort.Strings(methods)
	assert.Equal(t, []string{"add", "fail", "whoami"}, methods)
	assert.Equal(t, "1.2.0", script.Version())
}

func TestStaticLoaderAndChain(t *testing.T) {
	static := loader.NewStaticLoader()
	built := 0
	static.MustRegister("module", "Echo", func(res kernel.Resource) (any, error) {
		built++
		return kernel.Methods{
			"echo": func(args any, _ *kernel.CallContext) (any, error) { return args, nil },
		}, nil
	})
	assert.Error(t, static.Register("module", "Echo", func(kernel.Resource) (any, error) { return nil, nil }))
	assert.Error(t, static.Register("module", "Nil", nil))
	assert.Equal(t, []string{"module/Echo"}, static.Names())

	obj, err := static.Load(context.Background(), kernel.Resource{Namespace: "service", Name: "Echo"})
	assert.NoError(t, err)
	assert.Nil(t, obj, "namespaces are separate")

	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	chain := loader.Chain{static, nil, loader.NewLuaLoader(1)}

	obj, err = chain.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Echo"})
	require.NoError(t, err)
	assert.IsType(t, kernel.Methods{}, obj)
	assert.Equal(t, 1, built)

	obj, err = chain.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "Calc", Path: filepath.Join(dir, "modules", "Calc")})
	require.NoError(t, err)
	assert.IsType(t, &loader.Script{}, obj)

	obj, err = chain.Load(context.Background(), kernel.Resource{Namespace: "module", Name: "None", Path: filepath.Join(dir, "modules", "None")})
	assert.NoError(t, err)
	assert.Nil(t, obj)
}

func TestLuaReplayedSetupSeesCallContext(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Rec", recursiveScript)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.App = map[string]any{"greeting": "hello"}
	})

	got, err := k.Call(context.Background(), "Rec.rec", map[string]any{"n": 0})
	require.NoError(t, err)
	assert.Equal(t, "hello:0", got)

	got, err = k.Call(context.Background(), "Rec.rec", map[string]any{"n": 3})
	require.NoError(t, err, "nested calls open new states that replay _setup")
	assert.Equal(t, "hello:3", got)
}

func TestLuaSetupDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "modules", "Calc", calcScript)
	writeScript(t, dir, "services", "Stats", statsScript)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.Service.Preload = []string{"Stats"}
		cfg.Service.InitArguments["Stats"] = map[string]any{"prefix": "calls"}
	})
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop(context.Background()) })

	pre := k.System().Chain(kernel.ChainPreCall)
	require.Len(t, pre, 1)
	assert.Equal(t, 7, pre[0].Priority)

	_, err := k.Call(context.Background(), "Calc.add", map[string]int{"a": 1, "b": 1})
	require.NoError(t, err)
	seen, _ := k.Cache().Get("seen")
	assert.Equal(t, "Calc.add", seen)

	got, err := k.NewCallContext(context.Background()).Extension("Stats", "x")
	require.NoError(t, err)
	assert.Equal(t, "calls:x", got)
}

func TestLuaSetupDescriptorErrors(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "services", "Bad", `
local M = {}
function M._setup(name, args, path, ctx)
  return { postCall = { fn = "nothing" } }
end
return M
`)
	k := scriptsKernel(t, dir, func(cfg *config.Config) {
		cfg.Service.Preload = []string{"Bad"}
	})
	err := k.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrServiceSetup)
	assert.ErrorContains(t, err, "unknown function")
}
