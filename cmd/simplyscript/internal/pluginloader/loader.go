// Package pluginloader loads modules and services compiled as Go plugins.
package pluginloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"simplyscript/core/kernel"

	"go.uber.org/zap"
)

const (
	// DefaultFileName is the plugin binary looked up in a resource directory.
	DefaultFileName = "plugin.so"
	// ChecksumSuffix names the optional file holding the binary's sha256.
	ChecksumSuffix = ".sha256"
	// Symbol is the constructor every plugin exports.
	Symbol = "New"
)

// Loader implements kernel.Loader for <resource path>/plugin.so. The plugin
// must export New as func() any or func(kernel.Resource) (any, error).
// When plugin.so.sha256 exists the binary is verified before it is opened.
type Loader struct {
	FileName string
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{FileName: DefaultFileName, logger: logger}
}

func (l *Loader) Load(_ context.Context, res kernel.Resource) (any, error) {
	pluginPath := filepath.Join(res.Path, l.FileName)
	if _, err := os.Stat(pluginPath); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if err := l.verify(pluginPath); err != nil {
		l.logger.Error("Plugin failed integrity check", zap.String("path", pluginPath), zap.Error(err))
		return nil, err
	}

	l.logger.Info("Attempting to load plugin", zap.String("path", pluginPath))
	p, err := plugin.Open(pluginPath)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", pluginPath, err)
	}
	sym, err := p.Lookup(Symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s: %w", pluginPath, Symbol, err)
	}

	switch newFn := sym.(type) {
	case func() any:
		return newFn(), nil
	case func(kernel.Resource) (any, error):
		return newFn(res)
	default:
		return nil, fmt.Errorf("plugin %s: %s has unsupported type %T", pluginPath, Symbol, sym)
	}
}

func (l *Loader) verify(pluginPath string) error {
	expected, err := os.ReadFile(pluginPath + ChecksumSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checksum: %w", err)
	}
	return VerifyFile(pluginPath, string(expected))
}
