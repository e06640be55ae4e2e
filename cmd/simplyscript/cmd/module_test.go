package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"simplyscript/core/config"
	"simplyscript/core/kernel"
	"simplyscript/core/loader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleCreateScaffold(t *testing.T) {
	temp := t.TempDir()
	require.NoError(t, moduleCreateCmd.Flags().Set("dir", temp))
	require.NoError(t, moduleCreateCmd.Flags().Set("version", "1.2.3"))
	require.NoError(t, moduleCreateCmd.Flags().Set("description", "Sample module"))

	name := "Greeter"
	require.NoError(t, moduleCreateCmd.RunE(moduleCreateCmd, []string{name}))

	target := filepath.Join(temp, name)
	for _, f := range []string{loader.LuaEntryFile, "default-config.yaml"} {
		_, err := os.Stat(filepath.Join(target, f))
		require.NoError(t, err, f)
	}
	assert.Error(t, moduleCreateCmd.RunE(moduleCreateCmd, []string{name}), "existing directory without --force")

	// The scaffold is a working module.
	cfg := config.GenerateMinimalConfig()
	cfg.Module.Path = temp
	require.NoError(t, config.LoadModuleDefaults(cfg, temp))
	cfg.Module.Versions = map[string]string{name: "= 1.2.3"}
	k, err := kernel.New(cfg, kernel.WithLoader(loader.NewLuaLoader(1)))
	require.NoError(t, err)

	got, err := k.Call(context.Background(), name+".hello", map[string]any{"name": "Go"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Go", got)
}

func TestValidateModuleName(t *testing.T) {
	assert.NoError(t, validateModuleName("Calc_v2"))
	assert.Error(t, validateModuleName(""))
	assert.Error(t, validateModuleName("1calc"))
	assert.Error(t, validateModuleName("a/b"))
}
