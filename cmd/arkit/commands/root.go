package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arkit",
		Short: "arkit - AR session and feature plugin engine",
		Long: `arkit drives an AR session: it follows a pose provider through the
tracking state machine and, for every tracked pose, recomputes anchored
content, moves spatial audio cues and updates feature plugins.

Features:
  - Sandboxed Starlark and WebAssembly feature plugins
  - Capability gating with Rego policies
  - Typed configuration in YAML or CUE
  - Pose trace replay for offline runs`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReplayCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPluginsCommand())

	return rootCmd
}
