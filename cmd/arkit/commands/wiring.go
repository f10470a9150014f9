package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/arkit/pkg/config"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/plugins/script"
	"github.com/openfroyo/arkit/pkg/plugins/wasm"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// loadConfig loads --config and applies --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// startCommand attaches tel to ctx and opens the command's span.
func startCommand(ctx context.Context, tel *telemetry.Telemetry, name string, attrs ...attribute.KeyValue) *telemetry.InstrumentedContext {
	return telemetry.StartOperation(tel.WithContext(ctx), "arkit."+name, attrs...)
}

// newCatalog builds a plugin catalog whose runtimes honor the plugin limits in cfg.
func newCatalog(cfg *config.Config) *plugins.Catalog {
	return plugins.NewCatalog(plugins.NewManifestLoader(cfg.Plugins.Dir), map[plugins.Kind]plugins.Factory{
		plugins.KindScript: script.NewFactory(script.WithMaxSteps(cfg.Plugins.ScriptMaxSteps)),
		plugins.KindWASM: wasm.NewFactory(wasm.Config{
			Timeout:          cfg.Plugins.WASMTimeout,
			MemoryLimitPages: cfg.Plugins.WASMMemoryPages,
		}),
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
