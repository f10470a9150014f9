// Package engine provides the core types and interfaces for the arkit AR orchestration engine.
//
// # Overview
//
// arkit drives an augmented-reality session: a device pose provider tracks the
// environment and the engine keeps virtual content anchored to tracked space.
// Each frame flows through the same pipeline:
//
//  1. Pose - the provider reports position, orientation and confidence
//  2. Session - the controller advances the tracking state machine
//  3. Scene - anchor world transforms are recomputed from the global pose
//  4. Audio - cues following anchors pick up the new positions
//  5. Plugins - every mounted plugin receives Update in registration order
//  6. Diagnostics - any failure is reported without interrupting the loop
//
// # Core Domain Types
//
//   - SessionState: initializing, searching, tracking, lost, terminated
//   - Pose: a position, orientation and confidence snapshot
//   - Anchor: a named transform node owned by the scene manager
//   - Capability: a plugin requirement such as camera:pose or audio:spatial
//   - PluginState: registered, mounted, disabled
//   - ResourceDescriptor: an asset URL with a kind (texture, material, audio)
//
// # External Interfaces
//
// The engine never renders and never talks to hardware. It consumes:
//
//   - PoseProvider: emits poses, subscribed on start and unsubscribed on stop
//   - Surface: supplies the RootNode anchors attach to, and host Containers
//   - DiagnosticsSink: the presentation layer's report(origin, message, isFatal)
//
// # Error Classification
//
// Errors carry an ErrorKind:
//
//   - plugin_runtime: isolated and counted by the registry, never fatal
//   - resource_load_failed: retried once by the loader, then surfaced
//   - unknown_anchor: an anchor id used after removal
//   - session_inactive: calls after termination fail fast
//
// Use the helpers to inspect errors:
//
//	if engine.IsUnknownAnchor(err) {
//	    // the anchor was removed
//	}
//
// Tracking loss is a state transition, not an error.
package engine
