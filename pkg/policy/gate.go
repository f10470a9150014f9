package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// Gate authorizes plugin capability requests against an Engine and keeps the
// engine in sync with policy files on disk.
type Gate struct {
	engine *Engine
	loader *Loader
	paths  []string
	tel    *telemetry.Telemetry
}

// NewGate creates a gate over the built-in policies plus every policy under paths.
// tel may be nil.
func NewGate(ctx context.Context, paths []string, tel *telemetry.Telemetry) (*Gate, error) {
	tel = telemetry.OrNop(tel)
	zl := *tel.Logger.Zerolog()

	eng, err := NewEngine(zl)
	if err != nil {
		return nil, err
	}
	g := &Gate{engine: eng, loader: NewLoader(zl), paths: paths, tel: tel}
	if err := g.Reload(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads every policy path from disk, bypassing the parse cache,
// and swaps the result in. On error the previous policy set stays active.
func (g *Gate) Reload(ctx context.Context) error {
	if len(g.paths) == 0 {
		return nil
	}
	g.loader.ClearCache()
	policies, err := g.loader.LoadFromPaths(ctx, g.paths)
	if err != nil {
		return engine.NewInvalidConfigError("failed to load capability policies", err)
	}
	if err := g.engine.Replace(ctx, policies); err != nil {
		return engine.NewInvalidConfigError("failed to compile capability policies", err)
	}
	return nil
}

// Engine returns the underlying policy engine.
func (g *Gate) Engine() *Engine {
	return g.engine
}

// Authorize evaluates the plugin's request. Blocking violations are returned
// as a CapabilityDenied error; warnings are logged.
func (g *Gate) Authorize(ctx context.Context, plugin PluginInfo) error {
	result, err := g.engine.Evaluate(ctx, Input{
		Plugin:  plugin,
		Context: Context{Operation: "register"},
	})
	if err != nil {
		return fmt.Errorf("capability policy evaluation failed: %w", err)
	}

	log := g.tel.Logger.WithPluginID(plugin.ID)
	for _, v := range result.Violations {
		if !Severity(v.Severity).Blocking() {
			log.Warnf("policy %s: %s", v.Policy, v.Message)
		}
	}
	if result.Allowed {
		return nil
	}

	denied := result.Denied()
	var caps []engine.Capability
	msgs := make([]string, 0, len(denied))
	for _, v := range denied {
		msgs = append(msgs, v.Message)
		if v.Capability != "" {
			caps = append(caps, engine.Capability(v.Capability))
		}
	}
	return engine.NewCapabilityDeniedError(plugin.ID, caps...).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", strings.Join(msgs, "; "))
}

// Close stops a running Watch.
func (g *Gate) Close() error {
	return g.loader.StopWatching()
}

// Watch hot-reloads the gate's policy paths until ctx is done or Close.
func (g *Gate) Watch(ctx context.Context) error {
	if len(g.paths) == 0 {
		return nil
	}
	return g.loader.Watch(ctx, g.paths, func(policies []Policy) error {
		if err := g.engine.Replace(ctx, policies); err != nil {
			return err
		}
		_ = g.tel.Events.PublishPolicyReloaded(strings.Join(g.paths, ","))
		return nil
	})
}
