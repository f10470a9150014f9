// Package wasm runs feature plugins compiled to WebAssembly on wazero.
//
// A module must export memory, malloc(size) ptr, free(ptr) and
//
//	plugin_mount(ptr, len) u64
//	plugin_update(ptr, len) u64
//	plugin_unmount(ptr, len) u64
//
// Each lifecycle export takes a JSON document (MountInput, UpdateInput or
// empty) and returns a packed (ptr << 32 | len) JSON Response. Commands in
// the response are applied through the plugin's Host, so they are subject to
// the same capability checks as any other plugin. The "env" host module
// provides log(ptr, len) and has_capability(ptr, len) u32.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/arkit/pkg/audio"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/xform"
)

// Config bounds a wasm plugin's runtime.
type Config struct {
	// Timeout bounds each lifecycle call.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages.
	MemoryLimitPages uint32
}

// DefaultConfig returns 50ms per call and 256 pages (16MiB).
func DefaultConfig() Config {
	return Config{
		Timeout:          50 * time.Millisecond,
		MemoryLimitPages: 256,
	}
}

// Plugin is a wasm feature plugin.
type Plugin struct {
	mu       sync.Mutex
	id       string
	caps     []engine.Capability
	config   map[string]string
	manifest *plugins.Manifest

	runtime wazero.Runtime
	bridge  caller
	// restart instantiates the compiled module again after the runtime
	// closed the previous instance.
	restart func(ctx context.Context) (caller, error)

	host      *plugins.Host
	anchors   map[string]engine.AnchorID
	resources map[string]loader.Resource
	loaded    []LoadResult
}

// New is a plugins.Factory for KindWASM manifests.
func New(ctx context.Context, m *plugins.Manifest, code []byte) (plugins.Plugin, error) {
	return NewFactory(DefaultConfig())(ctx, m, code)
}

// NewFactory returns a plugins.Factory compiling modules with cfg.
func NewFactory(cfg Config) plugins.Factory {
	return func(ctx context.Context, m *plugins.Manifest, code []byte) (plugins.Plugin, error) {
		p, err := Compile(ctx, m.Name, m.Capabilities, code, m.Config, cfg)
		if err != nil {
			return nil, err
		}
		p.manifest = m
		return p, nil
	}
}

// Compile instantiates a wasm module as a plugin.
func Compile(ctx context.Context, id string, caps []engine.Capability, code []byte, config map[string]string, cfg Config) (*Plugin, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultConfig().MemoryLimitPages
	}

	p := newPlugin(id, caps, config)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	p.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, code)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	instantiate := func(ctx context.Context) (caller, error) {
		module, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
		}
		bridge, err := NewBridge(module, cfg.Timeout)
		if err != nil {
			_ = module.Close(ctx)
			return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
		}
		return bridge, nil
	}

	bridge, err := instantiate(ctx)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	p.runtime = runtime
	p.bridge = bridge
	p.restart = instantiate
	return p, nil
}

func newPlugin(id string, caps []engine.Capability, config map[string]string) *Plugin {
	return &Plugin{
		id:        id,
		caps:      caps,
		config:    config,
		anchors:   make(map[string]engine.AnchorID),
		resources: make(map[string]loader.Resource),
	}
}

// registerHostFunctions exports log and has_capability to the guest.
func (p *Plugin) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			// Called re-entrantly from inside a lifecycle export, so p.mu is held.
			if p.host != nil {
				p.host.Logger().Info(string(msg))
			}
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) uint32 {
			name, ok := mod.Memory().Read(ptr, length)
			if !ok || p.host == nil {
				return 0
			}
			if p.host.HasCapability(engine.Capability(name)) {
				return 1
			}
			return 0
		}).
		Export("has_capability")
}

// ID returns the plugin id.
func (p *Plugin) ID() string { return p.id }

// Capabilities returns the declared capabilities.
func (p *Plugin) Capabilities() []engine.Capability { return p.caps }

// Manifest returns the manifest the plugin was loaded from, if any.
func (p *Plugin) Manifest() *plugins.Manifest { return p.manifest }

// Mount calls plugin_mount and applies the returned commands.
func (p *Plugin) Mount(host *plugins.Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.host = host
	input, err := p.mountInput()
	if err != nil {
		return err
	}
	return p.invoke(ExportMount, input)
}

func (p *Plugin) mountInput() ([]byte, error) {
	return json.Marshal(MountInput{ID: p.id, Capabilities: p.caps, Config: p.config})
}

// Update calls plugin_update with the pose, the world positions of the
// plugin's anchors and the loads finished since the previous frame.
func (p *Plugin) Update(pose engine.Pose, dt time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	in := UpdateInput{
		Pose:   poseInput(pose),
		DtMS:   float64(dt) / float64(time.Millisecond),
		Loaded: p.loaded,
	}
	p.loaded = nil

	if len(p.anchors) > 0 {
		if view, err := p.host.Scene(); err == nil {
			in.Anchors = make(map[string][3]float64, len(p.anchors))
			for ref, id := range p.anchors {
				world, err := view.WorldTransform(id)
				if err != nil {
					continue
				}
				t := xform.Translation(world)
				in.Anchors[ref] = [3]float64{t[0], t[1], t[2]}
			}
		}
	}

	input, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return p.invoke(ExportUpdate, input)
}

// Unmount calls plugin_unmount. Anchors the plugin did not remove are
// released by the registry.
func (p *Plugin) Unmount() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.invoke(ExportUnmount, nil)
	p.host = nil
	p.anchors = make(map[string]engine.AnchorID)
	p.loaded = nil
	return err
}

// Close frees the wazero runtime.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bridge == nil {
		return nil
	}
	err := p.bridge.Close(ctx)
	if p.runtime != nil {
		if rerr := p.runtime.Close(ctx); err == nil {
			err = rerr
		}
	}
	p.bridge = nil
	return err
}

// invoke calls export, first replacing an instance the runtime closed after
// an earlier overrun.
func (p *Plugin) invoke(export string, input []byte) error {
	if p.bridge == nil {
		return fmt.Errorf("%s: plugin runtime is closed", export)
	}
	ctx := context.Background()
	if p.host != nil {
		ctx = p.host.Context()
	}

	if p.bridge.Closed() {
		if err := p.reinstantiate(ctx, export); err != nil {
			return err
		}
		// reinstantiate already mounted the new instance.
		if export == ExportMount {
			return nil
		}
	}
	return p.call(ctx, export, input)
}

// reinstantiate swaps in a fresh instance. The new instance starts with empty
// linear memory, so anchors created by the old one are removed and the
// plugin is mounted again while it has a host.
func (p *Plugin) reinstantiate(ctx context.Context, export string) error {
	if p.restart == nil {
		return fmt.Errorf("%s: plugin module is closed", export)
	}
	bridge, err := p.restart(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", export, err)
	}
	p.bridge = bridge
	p.loaded = nil
	if p.host == nil {
		return nil
	}
	for ref, id := range p.anchors {
		_ = p.host.RemoveAnchor(id)
		delete(p.anchors, ref)
	}
	input, err := p.mountInput()
	if err != nil {
		return err
	}
	return p.call(ctx, ExportMount, input)
}

func (p *Plugin) call(ctx context.Context, export string, input []byte) error {
	out, err := p.bridge.Call(ctx, export, input)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("%s: invalid response: %w", export, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", export, resp.Error)
	}
	for i, cmd := range resp.Commands {
		if err := p.apply(cmd); err != nil {
			return fmt.Errorf("%s: command %d (%s): %w", export, i, cmd.Op, err)
		}
	}
	return nil
}

func (p *Plugin) apply(cmd Command) error {
	if p.host == nil {
		return fmt.Errorf("plugin is not mounted")
	}
	switch cmd.Op {
	case "create_anchor":
		if cmd.Ref == "" {
			return fmt.Errorf("ref is required")
		}
		offset := xform.Identity()
		if cmd.Position != nil {
			offset = mgl64.Translate3D(cmd.Position[0], cmd.Position[1], cmd.Position[2])
		}
		id, err := p.host.CreateAnchor(cmd.Name, offset)
		if err != nil {
			return err
		}
		p.anchors[cmd.Ref] = id
		return nil

	case "remove_anchor":
		id, ok := p.anchors[cmd.Ref]
		if !ok {
			return fmt.Errorf("unknown anchor ref %q", cmd.Ref)
		}
		if err := p.host.RemoveAnchor(id); err != nil {
			return err
		}
		delete(p.anchors, cmd.Ref)
		return nil

	case "play_cue":
		cue := audio.Cue{Loop: cmd.Loop, Ambient: cmd.Ambient}
		if cmd.Follow != "" {
			id, ok := p.anchors[cmd.Follow]
			if !ok {
				return fmt.Errorf("unknown anchor ref %q", cmd.Follow)
			}
			cue.FollowAnchor = id
		}
		if cmd.Position != nil {
			cue.Position = mgl64.Vec3{cmd.Position[0], cmd.Position[1], cmd.Position[2]}
		}
		if cmd.URL != "" {
			res, ok := p.resources[cmd.URL]
			if !ok {
				res = loader.Resource{Descriptor: engine.ResourceDescriptor{URL: cmd.URL, Kind: engine.ResourceKindAudio}}
			}
			cue.Buffer = res
		}
		_, err := p.host.Play(cue)
		return err

	case "stop_cues":
		a, err := p.host.Audio()
		if err != nil {
			return err
		}
		pred := audio.NonLooping
		if cmd.Loop {
			pred = audio.All
		}
		a.StopAll(pred)
		return nil

	case "load":
		ref, desc := cmd.Ref, engine.ResourceDescriptor{URL: cmd.URL, Kind: engine.ResourceKind(cmd.Kind)}
		_, err := p.host.Load(desc,
			func(r loader.Resource) {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.resources[r.Descriptor.URL] = r
				p.loaded = append(p.loaded, LoadResult{
					Ref: ref, URL: r.Descriptor.URL, Kind: string(r.Descriptor.Kind),
					Size: len(r.Data), Placeholder: r.Placeholder,
				})
			},
			func(err error) {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.loaded = append(p.loaded, LoadResult{Ref: ref, URL: desc.URL, Kind: string(desc.Kind), Error: err.Error()})
			},
		)
		return err

	case "log":
		p.host.Logger().Info(cmd.Message)
		return nil

	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
}
