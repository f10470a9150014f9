package script

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/arkit/pkg/audio"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/plugins"
	"github.com/openfroyo/arkit/pkg/xform"
)

func (p *Plugin) mounted(b *starlark.Builtin) (*plugins.Host, error) {
	if p.host == nil {
		return nil, fmt.Errorf("%s: plugin is not mounted", b.Name())
	}
	return p.host, nil
}

// create_anchor(name, position=(0, 0, 0)) -> anchor id
func (p *Plugin) builtinCreateAnchor(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var position starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "position?", &position); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}
	offset := xform.Identity()
	if position != starlark.None {
		v, err := toVec3(position)
		if err != nil {
			return nil, fmt.Errorf("%s: position: %w", b.Name(), err)
		}
		offset = mgl64.Translate3D(v[0], v[1], v[2])
	}
	id, err := host.CreateAnchor(name, offset)
	if err != nil {
		return nil, err
	}
	return starlark.String(id), nil
}

// remove_anchor(id)
func (p *Plugin) builtinRemoveAnchor(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}
	if err := host.RemoveAnchor(engine.AnchorID(id)); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// world_position(id) -> (x, y, z)
func (p *Plugin) builtinWorldPosition(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}
	view, err := host.Scene()
	if err != nil {
		return nil, err
	}
	world, err := view.WorldTransform(engine.AnchorID(id))
	if err != nil {
		return nil, err
	}
	t := xform.Translation(world)
	return floats(t[:]...), nil
}

// play_cue(url="", position=None, follow="", loop=False, ambient=False) -> cue id
func (p *Plugin) builtinPlayCue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url, follow string
	var position starlark.Value = starlark.None
	var loop, ambient bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"url?", &url, "position?", &position, "follow?", &follow, "loop?", &loop, "ambient?", &ambient); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}

	cue := audio.Cue{
		FollowAnchor: engine.AnchorID(follow),
		Loop:         loop,
		Ambient:      ambient,
	}
	if url != "" {
		res, ok := p.resources[url]
		if !ok {
			res = loader.Resource{Descriptor: engine.ResourceDescriptor{URL: url, Kind: engine.ResourceKindAudio}}
		}
		cue.Buffer = res
	}
	if position != starlark.None {
		if cue.Position, err = toVec3(position); err != nil {
			return nil, fmt.Errorf("%s: position: %w", b.Name(), err)
		}
	}

	id, err := host.Play(cue)
	if err != nil {
		return nil, err
	}
	return starlark.String(id), nil
}

// stop_cues(looping=True) -> number stopped. looping=False only stops one-shot cues.
func (p *Plugin) builtinStopCues(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	looping := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "looping?", &looping); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}
	a, err := host.Audio()
	if err != nil {
		return nil, err
	}
	pred := audio.All
	if !looping {
		pred = audio.NonLooping
	}
	return starlark.MakeInt(a.StopAll(pred)), nil
}

// load_resource(url, kind, on_load=None, on_error=None) -> handle id
//
// Callbacks run on a later frame. on_load receives a struct with url, kind,
// size and placeholder; on_error receives the error message.
func (p *Plugin) builtinLoadResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url, kind string
	var onLoad, onError starlark.Value = starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"url", &url, "kind", &kind, "on_load?", &onLoad, "on_error?", &onError); err != nil {
		return nil, err
	}
	host, err := p.mounted(b)
	if err != nil {
		return nil, err
	}

	desc := engine.ResourceDescriptor{URL: url, Kind: engine.ResourceKind(kind)}
	h, err := host.Load(desc,
		func(r loader.Resource) {
			p.callback(onLoad, resourceValue(r), func() { p.resources[r.Descriptor.URL] = r })
		},
		func(err error) {
			p.callback(onError, starlark.String(err.Error()), nil)
		},
	)
	if err != nil {
		return nil, err
	}
	return starlark.String(h.ID()), nil
}

// callback runs a script callback from the loader's drain.
func (p *Plugin) callback(fn starlark.Value, arg starlark.Value, record func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host == nil {
		return
	}
	if record != nil {
		record()
	}
	if fn == starlark.None {
		return
	}
	p.budget()
	if _, err := starlark.Call(p.thread, fn, starlark.Tuple{arg}, nil); err != nil && p.callbackErr == nil {
		p.callbackErr = fmt.Errorf("load callback: %w", err)
	}
}

// log(*args) logs its arguments joined by spaces.
func (p *Plugin) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	msg := ""
	for i, a := range args {
		if i > 0 {
			msg += " "
		}
		if s, ok := starlark.AsString(a); ok {
			msg += s
		} else {
			msg += a.String()
		}
	}
	p.log(msg)
	return starlark.None, nil
}

func resourceValue(r loader.Resource) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"url":         starlark.String(r.Descriptor.URL),
		"kind":        starlark.String(r.Descriptor.Kind),
		"size":        starlark.MakeInt(len(r.Data)),
		"placeholder": starlark.Bool(r.Placeholder),
	})
}

// toVec3 converts a 3-element list or tuple of numbers.
func toVec3(v starlark.Value) (mgl64.Vec3, error) {
	seq, ok := v.(starlark.Indexable)
	if !ok || seq.Len() != 3 {
		return mgl64.Vec3{}, fmt.Errorf("want a sequence of 3 numbers, got %s", v.Type())
	}
	var out mgl64.Vec3
	for i := 0; i < 3; i++ {
		f, ok := starlark.AsFloat(seq.Index(i))
		if !ok {
			return mgl64.Vec3{}, fmt.Errorf("element %d is %s, not a number", i, seq.Index(i).Type())
		}
		out[i] = f
	}
	return out, nil
}
