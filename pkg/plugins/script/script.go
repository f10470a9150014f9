// Package script runs feature plugins written in Starlark.
//
// A script defines any of these top-level functions:
//
//	def mount(): ...
//	def update(pose, dt): ...
//	def unmount(): ...
//
// pose is a struct with position (x, y, z), orientation (w, x, y, z),
// confidence and timestamp (unix seconds); dt is seconds since the previous
// frame. Module globals are frozen after loading, so scripts keep mutable
// state in the predeclared `state` dict. The manifest's config map is
// available as `config`.
//
// Builtins: create_anchor, remove_anchor, world_position, play_cue,
// stop_cues, load_resource and log. Each fails unless the plugin declared
// the capability it needs.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
)

// DefaultMaxSteps bounds the Starlark steps a single lifecycle call may execute.
const DefaultMaxSteps = 1_000_000

// Plugin is a Starlark feature plugin.
type Plugin struct {
	mu       sync.Mutex
	id       string
	caps     []engine.Capability
	manifest *plugins.Manifest
	maxSteps uint64

	thread  *starlark.Thread
	globals starlark.StringDict
	state   *starlark.Dict

	host      *plugins.Host
	resources map[string]loader.Resource

	// callbackErr holds the first failure of a load callback until the next Update.
	callbackErr error
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n uint64) Option {
	return func(p *Plugin) { p.maxSteps = n }
}

// New is a plugins.Factory for KindScript manifests.
func New(ctx context.Context, m *plugins.Manifest, code []byte) (plugins.Plugin, error) {
	return NewFactory()(ctx, m, code)
}

// NewFactory returns a plugins.Factory applying opts to every script.
func NewFactory(opts ...Option) plugins.Factory {
	return func(_ context.Context, m *plugins.Manifest, code []byte) (plugins.Plugin, error) {
		p, err := Compile(m.Name, m.Capabilities, m.Entrypoint, code, m.Config, opts...)
		if err != nil {
			return nil, err
		}
		p.manifest = m
		return p, nil
	}
}

// Compile loads a script. Top-level statements run once, here.
func Compile(id string, caps []engine.Capability, filename string, src []byte, config map[string]string, opts ...Option) (*Plugin, error) {
	p := &Plugin{
		id:        id,
		caps:      caps,
		maxSteps:  DefaultMaxSteps,
		state:     starlark.NewDict(8),
		resources: make(map[string]loader.Resource),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.thread = &starlark.Thread{
		Name:  "plugin:" + id,
		Print: func(_ *starlark.Thread, msg string) { p.log(msg) },
	}

	cfg := starlark.NewDict(len(config))
	for k, v := range config {
		if err := cfg.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, err
		}
	}
	cfg.Freeze()

	predeclared := starlark.StringDict{
		"struct":         starlark.NewBuiltin("struct", starlarkstruct.Make),
		"state":          p.state,
		"config":         cfg,
		"create_anchor":  starlark.NewBuiltin("create_anchor", p.builtinCreateAnchor),
		"remove_anchor":  starlark.NewBuiltin("remove_anchor", p.builtinRemoveAnchor),
		"world_position": starlark.NewBuiltin("world_position", p.builtinWorldPosition),
		"play_cue":       starlark.NewBuiltin("play_cue", p.builtinPlayCue),
		"stop_cues":      starlark.NewBuiltin("stop_cues", p.builtinStopCues),
		"load_resource":  starlark.NewBuiltin("load_resource", p.builtinLoadResource),
		"log":            starlark.NewBuiltin("log", p.builtinLog),
	}

	p.budget()
	globals, err := starlark.ExecFile(p.thread, filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", filename, err)
	}
	for _, name := range []string{"mount", "update", "unmount"} {
		if v, ok := globals[name]; ok {
			if _, callable := v.(starlark.Callable); !callable {
				return nil, fmt.Errorf("%s must be a function, got %s", name, v.Type())
			}
		}
	}
	p.globals = globals
	return p, nil
}

// ID returns the plugin id.
func (p *Plugin) ID() string { return p.id }

// Capabilities returns the declared capabilities.
func (p *Plugin) Capabilities() []engine.Capability { return p.caps }

// Manifest returns the manifest the plugin was loaded from, if any.
func (p *Plugin) Manifest() *plugins.Manifest { return p.manifest }

// State returns the script's state dict.
func (p *Plugin) State() *starlark.Dict { return p.state }

// Mount calls the script's mount().
func (p *Plugin) Mount(host *plugins.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.host = host
	return p.call("mount")
}

// Update calls the script's update(pose, dt). A failed load callback since
// the previous frame fails this update.
func (p *Plugin) Update(pose engine.Pose, dt time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.callbackErr; err != nil {
		p.callbackErr = nil
		return err
	}
	return p.call("update", poseValue(pose), starlark.Float(dt.Seconds()))
}

// Unmount calls the script's unmount().
func (p *Plugin) Unmount() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.call("unmount")
	p.host = nil
	return err
}

func (p *Plugin) call(name string, args ...starlark.Value) error {
	fn, ok := p.globals[name]
	if !ok {
		return nil
	}
	p.budget()
	if _, err := starlark.Call(p.thread, fn, args, nil); err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fmt.Errorf("%s: %s", name, evalErr.Backtrace())
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// budget allows the thread maxSteps more steps from now. A thread cancelled
// by an earlier overrun stays cancelled until Uncancel.
func (p *Plugin) budget() {
	p.thread.Uncancel()
	p.thread.SetMaxExecutionSteps(p.thread.ExecutionSteps() + p.maxSteps)
}

func (p *Plugin) log(msg string) {
	if p.host != nil {
		p.host.Logger().Info(msg)
	}
}

func poseValue(pose engine.Pose) starlark.Value {
	q := pose.Orientation
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"position":    floats(pose.Position[:]...),
		"orientation": floats(q.W, q.V[0], q.V[1], q.V[2]),
		"confidence":  starlark.Float(pose.Confidence),
		"timestamp":   starlark.Float(float64(pose.Timestamp.UnixNano()) / 1e9),
	})
}

func floats(fs ...float64) starlark.Tuple {
	t := make(starlark.Tuple, len(fs))
	for i, f := range fs {
		t[i] = starlark.Float(f)
	}
	return t
}
