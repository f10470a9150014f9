package plugins

import (
	"context"

	"github.com/openfroyo/arkit/pkg/audio"
	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/loader"
	"github.com/openfroyo/arkit/pkg/scene"
	"github.com/openfroyo/arkit/pkg/telemetry"
)

// Services are the session subsystems plugins reach through their Host.
// Any of them may be nil, in which case the matching Host accessor fails.
type Services struct {
	Scene  *scene.Manager
	Audio  *audio.Subsystem
	Loader *loader.Adapter
}

// release drops everything owner holds in the services.
func (s Services) release(owner string) {
	if s.Loader != nil {
		s.Loader.CancelOwner(owner)
	}
	if s.Audio != nil {
		s.Audio.StopAll(audio.ByOwner(owner))
	}
	if s.Scene != nil {
		s.Scene.ReleaseOwner(owner)
	}
}

// Host is what a plugin receives on Mount: owner-scoped views of the scene,
// audio and resource loader, each behind the capability it requires.
type Host struct {
	ctx      context.Context
	pluginID string
	enforcer *CapabilityEnforcer
	logger   *telemetry.Logger

	scene  *scene.View
	audio  *audio.OwnerAudio
	loader *loader.OwnerLoader
}

func newHost(ctx context.Context, pluginID string, enforcer *CapabilityEnforcer, svc Services, logger *telemetry.Logger) *Host {
	h := &Host{
		ctx:      ctx,
		pluginID: pluginID,
		enforcer: enforcer,
		logger:   logger.WithPluginID(pluginID),
	}
	if svc.Scene != nil {
		h.scene = svc.Scene.ForOwner(pluginID)
	}
	if svc.Audio != nil {
		h.audio = svc.Audio.ForOwner(pluginID)
	}
	if svc.Loader != nil {
		h.loader = svc.Loader.ForOwner(pluginID)
	}
	return h
}

// PluginID returns the id of the plugin the host belongs to.
func (h *Host) PluginID() string { return h.pluginID }

// Context returns the context resource loads started by the plugin run under.
func (h *Host) Context() context.Context { return h.ctx }

// Logger returns a logger tagged with the plugin id.
func (h *Host) Logger() *telemetry.Logger { return h.logger }

// HasCapability reports whether the plugin was granted c.
func (h *Host) HasCapability(c engine.Capability) bool { return h.enforcer.HasCapability(c) }

// Scene returns the plugin's scene view. Requires scene:anchors.
func (h *Host) Scene() (*scene.View, error) {
	if err := h.enforcer.Require(engine.CapabilityAnchors); err != nil {
		return nil, err
	}
	if h.scene == nil {
		return nil, engine.NewSessionInactiveError("scene manager not available")
	}
	return h.scene, nil
}

// Audio returns the plugin's audio facade. Requires audio:spatial.
func (h *Host) Audio() (*audio.OwnerAudio, error) {
	if err := h.enforcer.Require(engine.CapabilityAudio); err != nil {
		return nil, err
	}
	if h.audio == nil {
		return nil, engine.NewSessionInactiveError("audio subsystem not available")
	}
	return h.audio, nil
}

// Loader returns the plugin's resource loader. Requires resources:load.
func (h *Host) Loader() (*loader.OwnerLoader, error) {
	if err := h.enforcer.Require(engine.CapabilityResources); err != nil {
		return nil, err
	}
	if h.loader == nil {
		return nil, engine.NewSessionInactiveError("resource loader not available")
	}
	return h.loader, nil
}

// CreateAnchor creates an anchor owned by the plugin.
func (h *Host) CreateAnchor(name string, offset engine.Transform) (engine.AnchorID, error) {
	v, err := h.Scene()
	if err != nil {
		return "", err
	}
	return v.CreateAnchor(name, offset)
}

// RemoveAnchor removes one of the plugin's anchors.
func (h *Host) RemoveAnchor(id engine.AnchorID) error {
	v, err := h.Scene()
	if err != nil {
		return err
	}
	return v.RemoveAnchor(id)
}

// Play starts an audio cue owned by the plugin.
func (h *Host) Play(cue audio.Cue) (audio.CueID, error) {
	a, err := h.Audio()
	if err != nil {
		return "", err
	}
	return a.Play(cue)
}

// Load starts an asynchronous resource load owned by the plugin.
func (h *Host) Load(desc engine.ResourceDescriptor, onLoad func(loader.Resource), onError func(error)) (*loader.Handle, error) {
	l, err := h.Loader()
	if err != nil {
		return nil, err
	}
	return l.Load(h.ctx, desc, onLoad, onError)
}
