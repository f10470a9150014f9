// Package plugins hosts independently developed feature plugins and
// dispatches frame updates to them with failure isolation.
package plugins

import (
	"context"
	"time"

	"github.com/openfroyo/arkit/pkg/engine"
)

// Plugin is a feature module driven by the session.
//
// Mount is called once when the session is tracking. Update is called once
// per tracked frame with the device pose and the time since the previous
// frame. Unmount is called when the plugin is disabled, unregistered or the
// session stops. A plugin that declared no camera:pose capability receives
// the pose with position and orientation cleared.
type Plugin interface {
	ID() string
	Capabilities() []engine.Capability
	Mount(host *Host) error
	Update(pose engine.Pose, dt time.Duration) error
	Unmount() error
}

// Described is implemented by plugins loaded from a manifest.
type Described interface {
	Manifest() *Manifest
}

// Closer is implemented by plugins holding a runtime that must be freed
// when the registry closes.
type Closer interface {
	Close(ctx context.Context) error
}

// Status is a snapshot of a registered plugin.
type Status struct {
	ID                  string              `json:"id"`
	State               engine.PluginState  `json:"state"`
	Capabilities        []engine.Capability `json:"capabilities"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	TotalFailures       int                 `json:"total_failures"`
	Updates             uint64              `json:"updates"`
	LastError           string              `json:"last_error,omitempty"`
	RegisteredAt        time.Time           `json:"registered_at"`
}

// redactPose strips the tracked position and orientation.
func redactPose(p engine.Pose) engine.Pose {
	r := engine.IdentityPose()
	r.Confidence = p.Confidence
	r.Timestamp = p.Timestamp
	return r
}
