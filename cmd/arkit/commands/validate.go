package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/arkit/pkg/policy"
	"github.com/openfroyo/arkit/pkg/posetrace"
)

func newValidateCommand() *cobra.Command {
	var skipPlugins bool

	cmd := &cobra.Command{
		Use:   "validate [trace...]",
		Short: "Validate the configuration, plugins and pose traces",
		Long: `Validate the configuration, plugins and pose traces.

This command checks:
  - The config file (YAML, JSON or CUE) and ARKIT_* overrides
  - Placeholder files referenced by the loader section
  - Rego policy files under plugins.policy_paths
  - Plugin manifests, checksums and compilation
  - Plugin capabilities against the allowlist and Rego policies
  - Any pose trace files given as arguments`,
		Example: `  # Validate the default configuration and ./plugins
  arkit validate

  # Validate a CUE config and two traces
  arkit validate -c arkit.cue walk.yaml turn.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), args, skipPlugins)
		},
	}

	cmd.Flags().BoolVar(&skipPlugins, "skip-plugins", false, "do not inspect the plugin directory")
	return cmd
}

func runValidate(ctx context.Context, traces []string, skipPlugins bool) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.LoaderConfig(); err != nil {
		return err
	}
	log.Info().Str("config", configPath).Msg("Configuration is valid")

	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	op := startCommand(ctx, tel, "validate",
		attribute.Int("traces", len(traces)),
		attribute.Bool("skip_plugins", skipPlugins))
	defer func() { op.End(err) }()
	ctx = op.Ctx

	problems := 0
	for _, path := range traces {
		trace, err := posetrace.Load(path)
		if err != nil {
			log.Error().Err(err).Str("trace", path).Msg("Invalid pose trace")
			problems++
			continue
		}
		log.Info().
			Str("trace", path).
			Int("samples", len(trace.Samples)).
			Dur("duration", trace.Duration()).
			Msg("Pose trace is valid")
	}

	if len(cfg.Plugins.PolicyPaths) > 0 {
		if err := checkPolicies(ctx, cfg.Plugins.PolicyPaths); err != nil {
			log.Error().Err(err).Strs("paths", cfg.Plugins.PolicyPaths).Msg("Invalid capability policies")
			problems++
		} else {
			log.Info().Strs("paths", cfg.Plugins.PolicyPaths).Msg("Capability policies are valid")
		}
	}

	// Plugin checks need the policies to compile.
	if !skipPlugins && problems == 0 {
		reports, err := inspectPlugins(ctx, cfg, tel)
		if err != nil {
			return err
		}
		for _, r := range reports {
			if r.Error != "" {
				log.Error().Str("plugin", r.Name).Msg(r.Error)
				problems++
				continue
			}
			log.Info().Str("plugin", r.Name).Bool("verified", r.Verified).Msg("Plugin is valid")
		}
	}

	op.Logger.Debugf("validation finished in %s", op.Timer.Duration())
	if problems > 0 {
		return fmt.Errorf("validation found %d problem(s)", problems)
	}
	return nil
}

// checkPolicies compiles every policy under paths on its own engine.
func checkPolicies(ctx context.Context, paths []string) error {
	eng, err := policy.NewEngine(zerolog.Nop(), policy.WithoutBuiltins())
	if err != nil {
		return err
	}
	return eng.LoadPolicies(ctx, paths)
}
