package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Namespaces resolved by the kernel.
const (
	NamespaceModule  = "module"
	NamespaceService = "service"
)

// NamespaceConfig holds the access-control and loading rules of one namespace.
type NamespaceConfig struct {
	Path               string                    `mapstructure:"path" yaml:"path,omitempty"`
	Allow              []string                  `mapstructure:"allow" yaml:"allow,omitempty"` // nil or ["*"] means unrestricted
	Deny               []string                  `mapstructure:"deny" yaml:"deny,omitempty"`
	Map                map[string]string         `mapstructure:"map" yaml:"map,omitempty"` // logical name -> resource name
	InitArguments      map[string]map[string]any `mapstructure:"initArguments" yaml:"initArguments,omitempty"`
	Preload            []string                  `mapstructure:"preload" yaml:"preload,omitempty"`
	PrivilegedServices []string                  `mapstructure:"privilegedServices" yaml:"privilegedServices,omitempty"`
	Versions           map[string]string         `mapstructure:"versions" yaml:"versions,omitempty"` // logical name -> semver constraint
}

// ResourceName maps a logical name to its resource name.
func (n NamespaceConfig) ResourceName(name string) string {
	if mapped, ok := n.Map[name]; ok && mapped != "" {
		return mapped
	}
	return name
}

// Arguments returns the init arguments of name, never nil.
func (n NamespaceConfig) Arguments(name string) map[string]any {
	if args, ok := n.InitArguments[name]; ok && args != nil {
		return args
	}
	return map[string]any{}
}

// CacheConfig sizes the shared cache store.
type CacheConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

// MetricsConfig configures the call statistics service.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path,omitempty"`
}

// Config holds the application's configuration settings.
type Config struct {
	Environment string          `mapstructure:"environment" yaml:"environment"`
	ScriptsPath string          `mapstructure:"scripts_path" yaml:"scripts_path"`
	PoolSize    int             `mapstructure:"pool_size" yaml:"pool_size"` // Lua states kept per script
	Module      NamespaceConfig `mapstructure:"module" yaml:"module"`
	Service     NamespaceConfig `mapstructure:"service" yaml:"service"`
	App         map[string]any  `mapstructure:"app" yaml:"app,omitempty"` // seeds the app store
	Cache       CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Metrics     MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`

	mu    sync.Mutex
	hooks []func(*Config)
}

// Namespace returns the configuration of ns.
func (c *Config) Namespace(ns string) NamespaceConfig {
	if ns == NamespaceService {
		return c.Service
	}
	return c.Module
}

// LoadConfig loads configuration from file (when non-empty) or from the default
// search paths, overlays SIMPLYSCRIPT_* environment variables and validates it.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("simplyscript")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/simplyscript")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIMPLYSCRIPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := decode(v, cfg); err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			fmt.Println("Config file changed:", e.Name)
			next := &Config{}
			if err := decode(v, next); err != nil {
				fmt.Println(fmt.Errorf("failed to re-read config: %w", err))
				return
			}
			cfg.apply(next)
		})
		v.WatchConfig()
	}

	if err := LoadModuleDefaults(cfg, cfg.Module.Path); err != nil {
		fmt.Printf("Warning: failed to load module defaults: %v\n", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("scripts_path", "./scripts")
	v.SetDefault("pool_size", 5)
	v.SetDefault("cache.size", 1024)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "metrics.db")
}

// decode unmarshals v into cfg. Viper lower-cases every key, so the
// name-keyed tables are re-read from the file with yaml.v3 to keep module and
// service names case sensitive.
func decode(v *viper.Viper, cfg *Config) error {
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		if err := restoreNameCase(cfg, used); err != nil {
			return err
		}
	}
	cfg.Normalize()
	return nil
}

type nameTables struct {
	Map           map[string]string         `yaml:"map"`
	InitArguments map[string]map[string]any `yaml:"initArguments"`
	Versions      map[string]string         `yaml:"versions"`
}

func restoreNameCase(cfg *Config, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var raw struct {
		Module  nameTables `yaml:"module"`
		Service nameTables `yaml:"service"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse name tables: %w", err)
	}
	overlay := func(ns *NamespaceConfig, t nameTables) {
		if t.Map != nil {
			ns.Map = t.Map
		}
		if t.InitArguments != nil {
			ns.InitArguments = t.InitArguments
		}
		if t.Versions != nil {
			ns.Versions = t.Versions
		}
	}
	overlay(&cfg.Module, raw.Module)
	overlay(&cfg.Service, raw.Service)
	return nil
}

// Normalize fills derived defaults: namespace paths under ScriptsPath and
// non-nil init argument tables.
func (c *Config) Normalize() {
	if c.ScriptsPath == "" {
		c.ScriptsPath = "./scripts"
	}
	if c.Module.Path == "" {
		c.Module.Path = filepath.Join(c.ScriptsPath, "modules")
	}
	if c.Service.Path == "" {
		c.Service.Path = filepath.Join(c.ScriptsPath, "services")
	}
	if c.Module.InitArguments == nil {
		c.Module.InitArguments = make(map[string]map[string]any)
	}
	if c.Service.InitArguments == nil {
		c.Service.InitArguments = make(map[string]map[string]any)
	}
}

// AddConfigChangeHook registers a function called after the config file changes.
func (c *Config) AddConfigChangeHook(hook func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// apply copies the live-reloadable sections of next into c and notifies hooks.
// Access-control sections are read once at startup and are not replaced.
func (c *Config) apply(next *Config) {
	c.mu.Lock()
	c.App = next.App
	hooks := append([]func(*Config){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(next)
	}
}

// LoadModuleDefaults merges <modulesDir>/<name>/default-config.yaml into the
// module init arguments. Values from the main config take precedence.
func LoadModuleDefaults(cfg *Config, modulesDir string) error {
	if modulesDir == "" {
		return nil
	}
	if _, err := os.Stat(modulesDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if cfg.Module.InitArguments == nil {
		cfg.Module.InitArguments = make(map[string]map[string]any)
	}

	return filepath.WalkDir(modulesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "default-config.yaml" {
			return nil
		}
		// Expected layout: {modulesDir}/{module}/default-config.yaml
		rel, err := filepath.Rel(modulesDir, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 2 {
			return nil
		}
		moduleName := parts[0]

		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("Warning: failed to read default config for module %s: %v\n", moduleName, err)
			return nil
		}
		var defaults map[string]any
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			fmt.Printf("Warning: failed to parse default config for module %s: %v\n", moduleName, err)
			return nil
		}

		if existing, exists := cfg.Module.InitArguments[moduleName]; exists && existing != nil {
			mergeModuleConfig(existing, defaults)
		} else {
			cfg.Module.InitArguments[moduleName] = defaults
		}
		return nil
	})
}

// mergeModuleConfig merges default config into existing config, preserving user settings
func mergeModuleConfig(existing, defaults map[string]any) {
	for key, defaultValue := range defaults {
		if _, exists := existing[key]; !exists {
			existing[key] = defaultValue
		}
	}
}

// GenerateMinimalConfig creates a minimal config with essential settings
func GenerateMinimalConfig() *Config {
	cfg := &Config{
		Environment: "development",
		ScriptsPath: "./scripts",
		PoolSize:    5,
		Module: NamespaceConfig{
			Allow: []string{"*"},
		},
		Service: NamespaceConfig{
			Allow:   []string{"*"},
			Preload: []string{},
		},
		App:     map[string]any{},
		Cache:   CacheConfig{Size: 1024},
		Metrics: MetricsConfig{Enabled: false, Path: "metrics.db"},
	}
	cfg.Normalize()
	return cfg
}

// SaveGeneratedConfig saves a generated config to a file
func SaveGeneratedConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
		// valid
	default:
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative: %d", c.PoolSize)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative: %d", c.Cache.Size)
	}
	for _, ns := range []struct {
		name string
		cfg  NamespaceConfig
	}{{NamespaceModule, c.Module}, {NamespaceService, c.Service}} {
		for name, constraint := range ns.cfg.Versions {
			if _, err := semver.NewConstraint(constraint); err != nil {
				return fmt.Errorf("%s %q has invalid version constraint %q: %w", ns.name, name, constraint, err)
			}
		}
	}
	return nil
}
