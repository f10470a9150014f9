package engine

// PoseProvider emits device poses. The session subscribes on Start and
// unsubscribes on Stop.
type PoseProvider interface {
	// Subscribe registers fn to receive every pose. The returned function removes the subscription.
	Subscribe(fn func(Pose)) (unsubscribe func(), err error)
}

// Surface is the externally supplied rendering surface.
type Surface interface {
	// Root returns the 3D root node that anchors are attached to.
	Root() RootNode

	// Container returns the host container with the given identifier, if present.
	Container(id string) (Container, bool)
}

// RootNode is the scene root owned by the renderer.
type RootNode interface {
	// Attach adds a node for the anchor.
	Attach(id AnchorID, name string)

	// SetTransform updates the node's world transform.
	SetTransform(id AnchorID, world Transform)

	// Detach removes the anchor's node.
	Detach(id AnchorID)
}

// Container is a host-page element that decorative elements are injected into.
type Container interface {
	// Inject adds a decorative element to the container.
	Inject(element string)
}

// DiagnosticsSink is the presentation-layer receiver for diagnostics.
type DiagnosticsSink interface {
	// Report forwards a diagnostic. Implementations must not block the frame loop.
	Report(origin, message string, isFatal bool)
}

// Reporter receives errors from any component that can fail.
type Reporter interface {
	// Report records err as originating from origin. It never panics.
	Report(origin string, err error)
}

// AnchorResolver resolves an anchor's current world transform.
type AnchorResolver interface {
	// WorldTransform returns the anchor's world transform or an UnknownAnchor error.
	WorldTransform(id AnchorID) (Transform, error)
}
