package engine

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Transform is a 4x4 homogeneous transform using the column-vector convention.
type Transform = mgl64.Mat4

// AnchorID uniquely identifies an anchor owned by the scene manager.
type AnchorID string

// Pose is a single snapshot from the device tracking provider.
// It is a value type and is not retained beyond the frame that produced it.
type Pose struct {
	// Position is the device position in tracked space (meters).
	Position mgl64.Vec3 `json:"position" yaml:"position"`

	// Orientation is the device orientation.
	Orientation mgl64.Quat `json:"orientation" yaml:"orientation"`

	// Confidence is the provider's tracking confidence in [0, 1].
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// Timestamp is when the provider sampled the pose.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// IdentityPose returns a fully confident pose at the origin.
func IdentityPose() Pose {
	return Pose{
		Orientation: mgl64.QuatIdent(),
		Confidence:  1,
	}
}

// Anchor is a named transform node in the scene.
type Anchor struct {
	// ID is the anchor identifier.
	ID AnchorID `json:"id"`

	// Name is the human-readable anchor name.
	Name string `json:"name"`

	// Owner is the plugin ID that created the anchor, empty for session anchors.
	Owner string `json:"owner,omitempty"`

	// Offset is the anchor-local offset relative to the tracked global transform.
	Offset Transform `json:"offset"`

	// World is the derived world transform, recomputed once per frame.
	World Transform `json:"world"`
}

// ResourceDescriptor describes an asset to load asynchronously.
type ResourceDescriptor struct {
	// URL locates the asset.
	URL string `json:"url" yaml:"url" validate:"required"`

	// Kind is the asset kind.
	Kind ResourceKind `json:"kind" yaml:"kind" validate:"required,oneof=texture material audio"`

	// Options carries loader-specific hints.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}
