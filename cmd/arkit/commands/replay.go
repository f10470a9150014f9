package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/arkit/pkg/audio"
	"github.com/openfroyo/arkit/pkg/config"
	"github.com/openfroyo/arkit/pkg/diagnostics"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/policy"
	"github.com/openfroyo/arkit/pkg/posetrace"
	"github.com/openfroyo/arkit/pkg/scene"
	"github.com/openfroyo/arkit/pkg/session"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

type replayOptions struct {
	trace       string
	pluginsDir  string
	speed       float64
	serve       bool
	eventsLevel string
	follow      string
}

// replaySummary is printed once the replay finishes.
type replaySummary struct {
	Session     string           `json:"session"`
	Trace       string           `json:"trace"`
	State       string           `json:"state"`
	Frames      uint64           `json:"frames"`
	Diagnostics int              `json:"diagnostics"`
	Plugins     []plugins.Status `json:"plugins"`
}

func newReplayCommand() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a pose trace through a session",
		Long: `Replay a recorded pose trace through a full session.

The trace drives a virtual clock, so loss timeouts and frame deltas behave as
they did when the trace was recorded. Plugins are discovered from the plugins
directory, authorized against the capability policies and mounted once
tracking starts. Scene and audio activity is logged.`,
		Example: `  # Replay as fast as possible with the plugins in ./plugins
  arkit replay --trace walk.yaml

  # Real-time replay with metrics and health endpoints
  arkit replay --trace walk.yaml --speed 1 --serve

  # Use a CUE config and another plugin directory
  arkit replay -c arkit.cue --trace walk.yaml --plugins ./features

  # Print every event of one plugin, and only publish warnings and errors
  arkit replay --trace walk.yaml --follow marker --events-level warning`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.trace, "trace", "t", "", "pose trace file (YAML)")
	cmd.Flags().StringVarP(&opts.pluginsDir, "plugins", "p", "", "plugin directory (overrides plugins.dir)")
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "replay speed relative to real time, 0 for as fast as possible")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve metrics and health endpoints during the replay")
	cmd.Flags().StringVar(&opts.eventsLevel, "events-level", "", "drop events below this level (info, warning, error)")
	cmd.Flags().StringVar(&opts.follow, "follow", "", "print the events of this plugin to stderr")
	_ = cmd.MarkFlagRequired("trace")

	return cmd
}

func runReplay(ctx context.Context, opts replayOptions) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.pluginsDir != "" {
		cfg.Plugins.Dir = opts.pluginsDir
	}
	if opts.serve {
		cfg.Telemetry.Metrics.Enabled = true
	}

	trace, err := posetrace.Load(opts.trace)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if err := watchEvents(tel, opts.eventsLevel, opts.follow, os.Stderr); err != nil {
		return err
	}

	op := startCommand(ctx, tel, "replay",
		attribute.String("trace", opts.trace),
		attribute.Float64("speed", opts.speed))
	defer func() { op.End(err) }()
	ctx = op.Ctx
	logger := op.Logger

	reporter := diagnostics.NewBridge(diagnostics.LogSink{Logger: *tel.Logger.Zerolog()}, tel)
	replayer := posetrace.NewReplayer(trace, posetrace.WithSpeed(opts.speed))

	rig, err := buildSession(ctx, cfg, tel, reporter, replayer)
	if err != nil {
		return err
	}
	defer rig.close(logger)

	health := telemetry.NewHealth()
	rig.session.RegisterHealth(health)
	if opts.serve {
		if srv := tel.StartServer(health); srv != nil {
			logger.Infof("serving metrics on %s", srv.Addr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
	}

	if err := rig.session.Start(ctx); err != nil {
		return err
	}
	logger.Infof("replaying %s (%d samples, %s)", opts.trace, len(trace.Samples), trace.Duration())

	runErr := replayer.Run(ctx, func(now time.Time) {
		if err := rig.session.Tick(now); err != nil {
			reporter.Report("session", err)
		}
	})
	stopErr := rig.session.Stop(context.Background())
	if err := tel.Flush(context.Background()); err != nil {
		logger.WithError(err).Warn("span flush failed")
	}

	summary := replaySummary{
		Session:     rig.session.ID(),
		Trace:       trace.Name,
		State:       string(rig.session.State()),
		Frames:      rig.session.Frame(),
		Diagnostics: reporter.Total(),
		Plugins:     rig.registry.List(),
	}
	if err := printSummary(summary); err != nil {
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return stopErr
}

// watchEvents drops published events below level and prints the events of
// the followed plugin to w.
func watchEvents(tel *telemetry.Telemetry, level, follow string, w io.Writer) error {
	switch level {
	case "", telemetry.EventLevelInfo:
	case telemetry.EventLevelWarning, telemetry.EventLevelError:
		tel.Events.AddFilter(telemetry.FilterByLevel(level))
	default:
		return fmt.Errorf("unknown event level %q", level)
	}
	if follow != "" {
		tel.Events.Subscribe(func(e telemetry.Event) {
			fmt.Fprintf(w, "%s %-20s %s\n", e.Timestamp.Format("15:04:05.000"), e.Type, e.Message)
		}, telemetry.FilterByPluginID(follow))
	}
	return nil
}

// replayRig holds what buildSession wires together.
type replayRig struct {
	session  *session.Controller
	registry *plugins.Registry
	loader   *loader.Adapter
	gate     *policy.Gate
}

// close releases what Stop does not: the policy watcher and the loader pool.
func (r *replayRig) close(logger *telemetry.Logger) {
	if err := r.gate.Close(); err != nil {
		logger.WithError(err).Warn("policy watcher close failed")
	}
	if err := r.loader.Close(); err != nil {
		logger.WithError(err).Warn("loader close failed")
	}
}

// buildSession wires the loader, scene, audio, policy gate, plugin registry
// and session controller for one replay.
func buildSession(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, reporter engine.Reporter, provider engine.PoseProvider) (*replayRig, error) {
	loaderCfg, err := cfg.LoaderConfig()
	if err != nil {
		return nil, err
	}
	ld, err := loader.New(loaderCfg, loader.NewFSFetcher(os.DirFS(cfg.Loader.BaseDir)), reporter, tel)
	if err != nil {
		return nil, err
	}

	surface := newLogSurface(*tel.Logger.NewComponentLogger("surface").Zerolog(), cfg.Session.ContainerID)
	sc := scene.NewManager(surface.Root(), tel)

	var backend audio.Backend = audio.LogBackend{Logger: *tel.Logger.NewComponentLogger("audio").Zerolog()}
	if cfg.Audio.Backend == "none" {
		backend = audio.NopBackend{}
	}
	au := audio.NewSubsystem(backend, sc, reporter, tel)

	gate, err := policy.NewGate(ctx, cfg.Plugins.PolicyPaths, tel)
	if err != nil {
		_ = ld.Close()
		return nil, err
	}
	rig := &replayRig{loader: ld, gate: gate}
	if cfg.Plugins.WatchPolicies {
		if err := gate.Watch(ctx); err != nil {
			tel.Logger.WithError(err).Warn("policy watch failed to start")
		}
	}

	reg, err := plugins.NewRegistry(cfg.Plugins.Config,
		plugins.Services{Scene: sc, Audio: au, Loader: ld},
		reporter, tel, plugins.WithAuthorizer(gate))
	if err != nil {
		_ = gate.Close()
		_ = ld.Close()
		return nil, err
	}
	rig.registry = reg

	found, err := newCatalog(cfg).Discover(ctx, cfg.Plugins.Dir)
	if err != nil {
		reporter.Report("plugins", err)
	}
	for _, p := range found {
		if err := reg.Register(ctx, p); err != nil {
			reporter.Report(p.ID(), err)
			if c, ok := p.(plugins.Closer); ok {
				_ = c.Close(ctx)
			}
		}
	}

	sess, err := session.New(cfg.Session, session.Dependencies{
		Provider:  provider,
		Surface:   surface,
		Scene:     sc,
		Audio:     au,
		Loader:    ld,
		Registry:  reg,
		Reporter:  reporter,
		Telemetry: tel,
	}, session.WithClock(replayerClock(provider)))
	if err != nil {
		_ = reg.Close()
		_ = gate.Close()
		_ = ld.Close()
		return nil, err
	}
	rig.session = sess
	return rig, nil
}

// replayerClock uses the provider's virtual clock when it has one.
func replayerClock(provider engine.PoseProvider) func() time.Time {
	if c, ok := provider.(interface{ Now() time.Time }); ok {
		return c.Now
	}
	return time.Now
}

func printSummary(s replaySummary) error {
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Printf("Session %s (%s): %s after %d frames, %d diagnostics\n",
		s.Session, s.Trace, s.State, s.Frames, s.Diagnostics)
	for _, p := range s.Plugins {
		line := fmt.Sprintf("  %-24s %-10s updates=%d failures=%d", p.ID, p.State, p.Updates, p.TotalFailures)
		if p.LastError != "" {
			line += " last_error=" + p.LastError
		}
		fmt.Println(line)
	}
	return nil
}
