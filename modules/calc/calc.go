// Package calc is a module doing arithmetic over {a, b} arguments.
package calc

import (
	"context"
	"fmt"
	"math"

	"simplyscript/core/kernel"
	"simplyscript/core/logger"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Config holds the init arguments of the Calc module.
type Config struct {
	// Precision rounds results to this many decimals when positive.
	Precision int `mapstructure:"precision"`
}

// Operands is the argument shape of every method.
type Operands struct {
	A float64 `mapstructure:"a"`
	B float64 `mapstructure:"b"`
}

// Module implements kernel.Module.
type Module struct {
	name    string
	config  Config
	methods kernel.Methods
}

func New() *Module {
	m := &Module{name: "Calc"}
	m.methods = kernel.Methods{
		"add": m.binary(func(a, b float64) (float64, error) { return a + b, nil }),
		"sub": m.binary(func(a, b float64) (float64, error) { return a - b, nil }),
		"mul": m.binary(func(a, b float64) (float64, error) { return a * b, nil }),
		"div": m.binary(func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		}),
	}
	return m
}

// Factory builds a Module for a loader.
func Factory(kernel.Resource) (any, error) { return New(), nil }

func (m *Module) Version() string { return "1.0.0" }

func (m *Module) Method(name string) (kernel.Method, bool) { return m.methods.Method(name) }

// Setup decodes the init arguments.
func (m *Module) Setup(ctx context.Context, p kernel.SetupParams) error {
	var cfg Config
	if err := decode(p.Args, &cfg); err != nil {
		return fmt.Errorf("failed to decode Calc config: %w", err)
	}
	m.name = p.Name
	m.config = cfg
	logger.Debug(ctx, "Calc module configured", zap.String("name", m.name), zap.Int("precision", cfg.Precision))
	return nil
}

func (m *Module) binary(op func(a, b float64) (float64, error)) kernel.Method {
	return func(args any, _ *kernel.CallContext) (any, error) {
		var in Operands
		if err := decode(args, &in); err != nil {
			return nil, fmt.Errorf("invalid operands: %w", err)
		}
		result, err := op(in.A, in.B)
		if err != nil {
			return nil, err
		}
		return m.round(result), nil
	}
}

func (m *Module) round(v float64) float64 {
	if m.config.Precision <= 0 {
		return v
	}
	scale := math.Pow(10, float64(m.config.Precision))
	return math.Round(v*scale) / scale
}

func decode(input, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
