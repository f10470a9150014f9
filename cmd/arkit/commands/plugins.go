package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/arkit/pkg/config"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/policy"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// pluginReport is the outcome of checking one plugin directory.
type pluginReport struct {
	Name         string              `json:"name"`
	Version      string              `json:"version,omitempty"`
	Kind         plugins.Kind        `json:"kind,omitempty"`
	Capabilities []engine.Capability `json:"capabilities,omitempty"`
	Verified     bool                `json:"verified"`
	Error        string              `json:"error,omitempty"`
}

func newPluginsCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List plugins and check them against the capability policies",
		Long: `List every plugin under the plugins directory.

Each plugin is compiled, its checksum is verified when the manifest carries
one, and its declared capabilities are checked against the allowlist and the
capability policies.`,
		Example: `  # List plugins in ./plugins
  arkit plugins

  # Inspect another directory as JSON
  arkit plugins --dir ./features --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Plugins.Dir = dir
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()

			op := startCommand(cmd.Context(), tel, "plugins", attribute.String("dir", cfg.Plugins.Dir))
			reports, err := inspectPlugins(op.Ctx, cfg, tel)
			op.End(err)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(reports)
			}
			printPluginReports(reports)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "plugin directory (overrides plugins.dir)")
	return cmd
}

// inspectPlugins opens every plugin under cfg.Plugins.Dir without mounting
// it and checks its capabilities. Manifests that fail to parse are reported
// under their directory path.
func inspectPlugins(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) ([]pluginReport, error) {
	gate, err := policy.NewGate(ctx, cfg.Plugins.PolicyPaths, tel)
	if err != nil {
		return nil, err
	}

	manifestLoader := plugins.NewManifestLoader(cfg.Plugins.Dir)
	manifests, scanErr := manifestLoader.ScanDirectory(cfg.Plugins.Dir)
	if manifests == nil && scanErr != nil {
		return nil, scanErr
	}

	var reports []pluginReport
	for _, err := range unjoin(scanErr) {
		reports = append(reports, pluginReport{Name: "?", Error: err.Error()})
	}

	catalog := newCatalog(cfg)
	allowed := make(map[engine.Capability]bool, len(cfg.Plugins.AllowedCapabilities))
	for _, c := range cfg.Plugins.AllowedCapabilities {
		allowed[c] = true
	}

	for _, m := range manifests {
		report := pluginReport{
			Name:         m.Name,
			Version:      m.Version,
			Kind:         m.Kind,
			Capabilities: m.Capabilities,
		}
		if err := checkPlugin(ctx, catalog, gate, allowed, m); err != nil {
			report.Error = err.Error()
		}
		report.Verified = m.Verified
		reports = append(reports, report)
	}
	return reports, nil
}

func checkPlugin(ctx context.Context, catalog *plugins.Catalog, gate *policy.Gate, allowed map[engine.Capability]bool, m *plugins.Manifest) error {
	p, err := catalog.Open(ctx, m)
	if err != nil {
		return err
	}
	if c, ok := p.(plugins.Closer); ok {
		defer func() { _ = c.Close(ctx) }()
	}

	var denied []engine.Capability
	names := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		names = append(names, string(c))
		if len(allowed) > 0 && !allowed[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return engine.NewCapabilityDeniedError(m.Name, denied...)
	}
	return gate.Authorize(ctx, policy.PluginInfo{
		ID:           m.Name,
		Kind:         string(m.Kind),
		Version:      m.Version,
		Capabilities: names,
		Verified:     m.Verified,
	})
}

// unjoin splits an errors.Join result back into its parts.
func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return joined.Unwrap()
	}
	return []error{err}
}

func printPluginReports(reports []pluginReport) {
	if len(reports) == 0 {
		fmt.Println("No plugins found")
		return
	}
	for _, r := range reports {
		status := "ok"
		if r.Error != "" {
			status = "error: " + r.Error
		}
		caps := make([]string, 0, len(r.Capabilities))
		for _, c := range r.Capabilities {
			caps = append(caps, string(c))
		}
		fmt.Printf("%-24s %-8s %-6s verified=%-5t caps=[%s] %s\n",
			r.Name, r.Version, r.Kind, r.Verified, strings.Join(caps, " "), status)
	}
}
