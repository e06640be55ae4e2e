package kernel_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"simplyscript/core/auth"
	"simplyscript/core/errors"
	"simplyscript/core/events"
	"simplyscript/core/kernel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupReceivesNameArgumentsAndPath(t *testing.T) {
	mod := calc()
	cfg := newTestConfig()
	cfg.Module.Map = map[string]string{"Calc": "calc_v2"}
	cfg.Module.InitArguments["Calc"] = map[string]any{"precision": 4}
	loader := newLoader().add("module/calc_v2", mod)
	k := newKernel(t, cfg, loader)

	for i := 0; i < 3; i++ {
		_, err := k.Call(context.Background(), "Calc.add", map[string]int{"a": i})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, mod.initCount())
	setups := mod.setupCalls()
	require.Len(t, setups, 1)
	assert.Equal(t, "Calc", setups[0].Name)
	assert.Equal(t, map[string]any{"precision": 4}, setups[0].Args)
	assert.Equal(t, "/scripts/modules/calc_v2", setups[0].Path)
	assert.Same(t, k.System(), setups[0].System)
	assert.NotNil(t, setups[0].Call)
	assert.Empty(t, setups[0].Token)
	assert.Equal(t, []string{"module/calc_v2"}, loader.loaded())
}

func TestAliasesAreCachedPerLogicalName(t *testing.T) {
	shared := calc()
	cfg := newTestConfig()
	cfg.Module.Map = map[string]string{"Sum": "calc", "Add": "calc"}
	cfg.Module.InitArguments["Sum"] = map[string]any{"who": "sum"}
	k := newKernel(t, cfg, newLoader().add("module/calc", shared))

	_, err := k.Call(context.Background(), "Sum.add", map[string]int{})
	require.NoError(t, err)
	_, err = k.Call(context.Background(), "Add.add", map[string]int{})
	require.NoError(t, err)

	setups := shared.setupCalls()
	require.Len(t, setups, 2)
	assert.Equal(t, "Sum", setups[0].Name)
	assert.Equal(t, "sum", setups[0].Args["who"])
	assert.Equal(t, "Add", setups[1].Name)
	assert.Empty(t, setups[1].Args)
	assert.Equal(t, 1, shared.initCount(), "one object is initialised once")
}

func TestInterceptorOwnerDefaultsToContributor(t *testing.T) {
	audit := newObject(nil)
	explicitOwner := &struct{ name string }{"owner"}
	audit.chains = kernel.Interceptors{
		PreCall:  &kernel.InterceptorSpec{Fn: func(*kernel.CallContext, error, string, any) error { return nil }, Priority: 7},
		PostCall: &kernel.InterceptorSpec{Fn: func(*kernel.CallContext, error, string, any) error { return nil }, Owner: explicitOwner},
	}
	cfg := newTestConfig()
	cfg.Service.Preload = []string{"Audit"}
	k := newKernel(t, cfg, newLoader().add("service/Audit", audit))
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Stop(context.Background()) })

	pre := k.System().Chain(kernel.ChainPreCall)
	require.Len(t, pre, 1)
	assert.Same(t, audit, pre[0].Owner)
	assert.Equal(t, 7, pre[0].Priority)

	post := k.System().Chain(kernel.ChainPostCall)
	require.Len(t, post, 1)
	assert.Same(t, explicitOwner, post[0].Owner)

	assert.Empty(t, k.System().Chain(kernel.ChainPreInnerCall))
	list, ok := k.System().Get(kernel.ChainPreCall)
	require.True(t, ok)
	assert.NotNil(t, list)
	_, ok = k.System().Get(kernel.ChainPostInnerCall)
	assert.False(t, ok)
}

func TestSetupFailureIsReported(t *testing.T) {
	broken := newObject(nil)
	broken.setupErr = stderrors.New("db unreachable")
	cfg := newTestConfig()
	cfg.Service.Preload = []string{"Store"}
	k := newKernel(t, cfg, newLoader().add("service/Store", broken))

	err := k.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrServiceSetup)
	assert.Contains(t, err.Error(), "db unreachable")
	assert.False(t, k.Running())
}

func TestVersionConstraints(t *testing.T) {
	old := calc()
	old.version = "0.9.0"
	current := calc()
	current.version = "1.2.0"
	cfg := newTestConfig()
	cfg.Module.Versions = map[string]string{"Old": ">= 1.0.0", "Current": ">= 1.0.0"}
	k := newKernel(t, cfg, newLoader().add("module/Old", old).add("module/Current", current))

	_, err := k.Call(context.Background(), "Old.add", map[string]int{})
	assert.ErrorIs(t, err, errors.ErrModuleSetup)
	assert.Equal(t, errors.CodeModuleSetup, errors.Code(err))
	assert.Empty(t, old.setupCalls())

	_, err = k.Call(context.Background(), "Current.add", map[string]int{})
	assert.NoError(t, err)
}

func TestInvalidVersionConstraintFailsConstruction(t *testing.T) {
	cfg := newTestConfig()
	cfg.Module.Versions = map[string]string{"Calc": "not-a-constraint"}
	_, err := kernel.New(cfg, kernel.WithLoader(newLoader()))
	assert.Error(t, err)
}

func TestPrivilegedServiceToken(t *testing.T) {
	trusted := newObject(nil)
	plain := newObject(nil)
	cfg := newTestConfig()
	cfg.Service.PrivilegedServices = []string{"Auth"}
	privileges := auth.NewPrivilegeSet()
	k := newKernel(t, cfg, newLoader().add("service/Auth", trusted).add("service/Mail", plain),
		kernel.WithPrivileges(privileges))

	_, err := k.Service(context.Background(), "Auth")
	require.NoError(t, err)
	_, err = k.Service(context.Background(), "Mail")
	require.NoError(t, err)

	trustedToken := trusted.setupCalls()[0].Token
	plainToken := plain.setupCalls()[0].Token
	assert.NotEmpty(t, trustedToken)
	assert.NotEqual(t, trustedToken, plainToken)
	assert.True(t, privileges.IsPrivileged(trustedToken))
	assert.False(t, privileges.IsPrivileged(plainToken))
}

func TestResolutionEvents(t *testing.T) {
	bus := events.New()
	t.Cleanup(bus.Close)
	resolved, cancelResolved, err := bus.Subscribe(events.TopicModuleResolved)
	require.NoError(t, err)
	defer cancelResolved()
	rejected, cancelRejected, err := bus.Subscribe(events.TopicResolutionRejected)
	require.NoError(t, err)
	defer cancelRejected()

	cfg := newTestConfig()
	cfg.Module.Deny = []string{"Secret"}
	k := newKernel(t, cfg, newLoader().add("module/Calc", calc()), kernel.WithEventBus(bus))

	_, err = k.Call(context.Background(), "Calc.add", map[string]int{})
	require.NoError(t, err)
	_, _ = k.Call(context.Background(), "Secret.run", nil)

	select {
	case ev := <-resolved:
		assert.Equal(t, "Calc", ev.(events.Resolved).Name)
	case <-time.After(time.Second):
		t.Fatal("no resolved event")
	}
	select {
	case ev := <-rejected:
		assert.Equal(t, "Secret", ev.(events.Rejected).Name)
	case <-time.After(time.Second):
		t.Fatal("no rejected event")
	}
}
