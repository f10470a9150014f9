package engine

import (
	"fmt"
)

// SessionState represents the tracking state of an AR session.
type SessionState string

const (
	// SessionStateInitializing indicates the session exists but has not started tracking.
	SessionStateInitializing SessionState = "initializing"

	// SessionStateSearching indicates the session is looking for a usable pose.
	SessionStateSearching SessionState = "searching"

	// SessionStateTracking indicates the provider reports a pose above the confidence threshold.
	// It is the only state in which plugin updates run.
	SessionStateTracking SessionState = "tracking"

	// SessionStateLost indicates tracking dropped below threshold or pose updates ceased.
	SessionStateLost SessionState = "lost"

	// SessionStateTerminated indicates the session was explicitly stopped. It is final.
	SessionStateTerminated SessionState = "terminated"
)

// sessionTransitions lists the states reachable from each state.
var sessionTransitions = map[SessionState][]SessionState{
	SessionStateInitializing: {SessionStateSearching, SessionStateTerminated},
	SessionStateSearching:    {SessionStateTracking, SessionStateTerminated},
	SessionStateTracking:     {SessionStateLost, SessionStateTerminated},
	SessionStateLost:         {SessionStateTracking, SessionStateTerminated},
	SessionStateTerminated:   {},
}

// IsTerminal returns true if no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateTerminated
}

// IsActive returns true if the session has started and not terminated.
func (s SessionState) IsActive() bool {
	return s == SessionStateSearching || s == SessionStateTracking || s == SessionStateLost
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case SessionStateInitializing, SessionStateSearching, SessionStateTracking,
		SessionStateLost, SessionStateTerminated:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// PluginState represents the lifecycle state of a registered plugin.
type PluginState string

const (
	// PluginStateRegistered indicates the plugin is known but not mounted.
	PluginStateRegistered PluginState = "registered"

	// PluginStateMounted indicates the plugin receives frame updates.
	PluginStateMounted PluginState = "mounted"

	// PluginStateDisabled indicates the plugin was unmounted after repeated failures.
	// Disabled plugins are never mounted again automatically.
	PluginStateDisabled PluginState = "disabled"
)

// Validate checks if the plugin state is valid.
func (s PluginState) Validate() error {
	switch s {
	case PluginStateRegistered, PluginStateMounted, PluginStateDisabled:
		return nil
	default:
		return fmt.Errorf("invalid plugin state: %s", s)
	}
}

// Capability is a requirement declared by a plugin and granted by the registry.
type Capability string

const (
	// CapabilityCameraPose allows receiving device poses in Update.
	CapabilityCameraPose Capability = "camera:pose"

	// CapabilityAudio allows playing spatial audio cues.
	CapabilityAudio Capability = "audio:spatial"

	// CapabilityResources allows asynchronous resource loads.
	CapabilityResources Capability = "resources:load"

	// CapabilityAnchors allows creating and removing scene anchors.
	CapabilityAnchors Capability = "scene:anchors"
)

// ParseCapability converts a string to a known Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// Validate checks if the capability is known.
func (c Capability) Validate() error {
	switch c {
	case CapabilityCameraPose, CapabilityAudio, CapabilityResources, CapabilityAnchors:
		return nil
	default:
		return fmt.Errorf("invalid capability: %s", c)
	}
}

// ResourceKind is the kind of asset a resource descriptor refers to.
type ResourceKind string

const (
	// ResourceKindTexture is an image texture.
	ResourceKindTexture ResourceKind = "texture"

	// ResourceKindMaterial is a material definition.
	ResourceKindMaterial ResourceKind = "material"

	// ResourceKindAudio is an audio buffer.
	ResourceKindAudio ResourceKind = "audio"
)

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	switch k {
	case ResourceKindTexture, ResourceKindMaterial, ResourceKindAudio:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}
