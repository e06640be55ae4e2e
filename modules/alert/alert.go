// Package alert is a module that logs messages and demonstrates nested calls.
package alert

import (
	"context"
	"fmt"

	"simplyscript/core/kernel"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Config holds the init arguments of the Alert module.
type Config struct {
	Prefix string `mapstructure:"prefix"`
}

type message struct {
	Str string `mapstructure:"str"`
}

// Module implements kernel.Module.
type Module struct {
	config Config
}

func New() *Module { return &Module{} }

// Factory builds a Module for a loader.
func Factory(kernel.Resource) (any, error) { return New(), nil }

func (m *Module) Setup(_ context.Context, p kernel.SetupParams) error {
	if err := mapstructure.Decode(p.Args, &m.config); err != nil {
		return fmt.Errorf("failed to decode Alert config: %w", err)
	}
	return nil
}

func (m *Module) Method(name string) (kernel.Method, bool) {
	switch name {
	case "out":
		return m.out, true
	case "test":
		return m.test, true
	}
	return nil, false
}

// out logs args.str under the caller's logger name and returns it.
func (m *Module) out(args any, cc *kernel.CallContext) (any, error) {
	var msg message
	if err := mapstructure.Decode(args, &msg); err != nil {
		return nil, fmt.Errorf("invalid alert: %w", err)
	}
	text := m.config.Prefix + msg.Str
	cc.Logger().Info("Alert", zap.String("message", text), zap.Int("depth", cc.Depth()))
	return text, nil
}

// test calls Calc.add and Alert.out from inside a call.
func (m *Module) test(_ any, cc *kernel.CallContext) (any, error) {
	sum, err := cc.Call("Calc.add", map[string]any{"a": 1, "b": 2})
	if err != nil {
		return nil, err
	}
	return cc.Call("Alert.out", map[string]any{"str": fmt.Sprintf("1 + 2 = %v", sum)})
}
