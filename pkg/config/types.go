package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/session"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// Config is the complete arkit configuration.
type Config struct {
	Session   session.Config   `yaml:"session" json:"session" envPrefix:"SESSION_"`
	Plugins   PluginsConfig    `yaml:"plugins" json:"plugins" envPrefix:"PLUGINS_"`
	Loader    LoaderConfig     `yaml:"loader" json:"loader" envPrefix:"LOADER_"`
	Audio     AudioConfig      `yaml:"audio" json:"audio" envPrefix:"AUDIO_"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" envPrefix:"TELEMETRY_"`
}

// PluginsConfig configures plugin discovery, the registry and the plugin runtimes.
type PluginsConfig struct {
	plugins.Config `yaml:",inline"`

	// Dir is scanned for plugin directories holding a manifest.yaml.
	Dir string `yaml:"dir" json:"dir" env:"DIR"`

	// PolicyPaths lists .rego/.json capability policy files or directories.
	PolicyPaths []string `yaml:"policy_paths" json:"policy_paths" env:"POLICY_PATHS" envSeparator:","`

	// WatchPolicies reloads policies when files under PolicyPaths change.
	WatchPolicies bool `yaml:"watch_policies" json:"watch_policies" env:"WATCH_POLICIES"`

	// ScriptMaxSteps bounds Starlark execution per lifecycle call.
	ScriptMaxSteps uint64 `yaml:"script_max_steps" json:"script_max_steps" env:"SCRIPT_MAX_STEPS" validate:"min=1000"`

	// WASMTimeout bounds each wasm lifecycle call.
	WASMTimeout time.Duration `yaml:"wasm_timeout" json:"wasm_timeout" env:"WASM_TIMEOUT" validate:"gt=0"`

	// WASMMemoryPages caps wasm linear memory in 64KiB pages.
	WASMMemoryPages uint32 `yaml:"wasm_memory_pages" json:"wasm_memory_pages" env:"WASM_MEMORY_PAGES" validate:"min=1,max=65536"`
}

// LoaderConfig configures the resource loader.
type LoaderConfig struct {
	loader.Config `yaml:",inline"`

	// BaseDir is the root resource URLs are resolved against.
	BaseDir string `yaml:"base_dir" json:"base_dir" env:"BASE_DIR"`

	// PlaceholderFiles maps a resource kind to a file delivered when a load of that kind fails.
	PlaceholderFiles map[engine.ResourceKind]string `yaml:"placeholders" json:"placeholders" validate:"dive,keys,oneof=texture material audio,endkeys,required"`
}

// AudioConfig selects the audio backend.
type AudioConfig struct {
	// Backend is "log" (cue activity is logged) or "none".
	Backend string `yaml:"backend" json:"backend" env:"BACKEND" validate:"oneof=log none"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Session: session.DefaultConfig(),
		Plugins: PluginsConfig{
			Config:          plugins.DefaultConfig(),
			Dir:             "plugins",
			ScriptMaxSteps:  1_000_000,
			WASMTimeout:     50 * time.Millisecond,
			WASMMemoryPages: 256,
		},
		Loader: LoaderConfig{
			Config:  loader.DefaultConfig(),
			BaseDir: ".",
		},
		Audio:     AudioConfig{Backend: "log"},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewInvalidConfigError("invalid configuration", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewInvalidConfigError("invalid telemetry configuration", err)
	}
	for _, capability := range c.Plugins.AllowedCapabilities {
		if err := capability.Validate(); err != nil {
			return engine.NewInvalidConfigError("invalid allowed_capabilities", err)
		}
	}
	return nil
}

// LoaderConfig returns the loader configuration with placeholder files read
// relative to BaseDir.
func (c *Config) LoaderConfig() (loader.Config, error) {
	lc := c.Loader.Config
	if len(c.Loader.PlaceholderFiles) == 0 {
		return lc, nil
	}
	lc.Placeholders = make(map[engine.ResourceKind][]byte, len(c.Loader.PlaceholderFiles))
	for kind, path := range c.Loader.PlaceholderFiles {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Loader.BaseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return lc, engine.NewInvalidConfigError(fmt.Sprintf("placeholder for %s", kind), err)
		}
		lc.Placeholders[kind] = data
	}
	return lc, nil
}
