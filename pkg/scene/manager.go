// Package scene owns the anchor graph and derives every anchor's world
// transform from the tracked global transform once per frame.
package scene

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/telemetry"
	"github.com/openfroyo/arkit/pkg/xform"
)

// SessionOwner is the owner recorded for anchors created outside any plugin.
const SessionOwner = ""

// Manager owns the 3D root node and all anchors.
//
// World transforms are never set directly: they are derived from the anchor
// offset and the global transform, both on creation and on Recompute.
type Manager struct {
	mu      sync.RWMutex
	root    engine.RootNode
	anchors map[engine.AnchorID]*engine.Anchor
	order   []engine.AnchorID
	global  engine.Transform
	frame   uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

var _ engine.AnchorResolver = (*Manager)(nil)

// NewManager creates a scene manager attached to root. root and tel may be nil.
func NewManager(root engine.RootNode, tel *telemetry.Telemetry) *Manager {
	tel = telemetry.OrNop(tel)
	return &Manager{
		root:    root,
		anchors: make(map[engine.AnchorID]*engine.Anchor),
		global:  xform.Identity(),
		logger:  tel.Logger.NewComponentLogger("scene"),
		metrics: tel.Metrics,
	}
}

// CreateAnchor adds an anchor owned by owner and attaches it to the root node.
func (m *Manager) CreateAnchor(owner, name string, offset engine.Transform) (engine.AnchorID, error) {
	if name == "" {
		return "", fmt.Errorf("anchor name is required")
	}

	id := engine.AnchorID(uuid.New().String())

	m.mu.Lock()
	a := &engine.Anchor{
		ID:     id,
		Name:   name,
		Owner:  owner,
		Offset: offset,
		World:  xform.World(offset, m.global),
	}
	m.anchors[id] = a
	m.order = append(m.order, id)
	count := len(m.anchors)
	world := a.World
	m.mu.Unlock()

	if m.root != nil {
		m.root.Attach(id, name)
		m.root.SetTransform(id, world)
	}
	m.metrics.SetAnchors(count)
	m.logger.WithAnchorID(string(id)).WithField("owner", owner).Debugf("anchor %q created", name)

	return id, nil
}

// WorldTransform returns the anchor's world transform as of the last recompute.
func (m *Manager) WorldTransform(id engine.AnchorID) (engine.Transform, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.anchors[id]
	if !ok {
		return engine.Transform{}, engine.NewUnknownAnchorError(id)
	}
	return a.World, nil
}

// Anchor returns a copy of the anchor.
func (m *Manager) Anchor(id engine.AnchorID) (engine.Anchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.anchors[id]
	if !ok {
		return engine.Anchor{}, engine.NewUnknownAnchorError(id)
	}
	return *a, nil
}

// RemoveAnchor removes an anchor on behalf of owner and detaches it from the root.
// Removing another owner's anchor fails with AnchorNotOwned.
func (m *Manager) RemoveAnchor(owner string, id engine.AnchorID) error {
	m.mu.Lock()
	a, ok := m.anchors[id]
	if !ok {
		m.mu.Unlock()
		return engine.NewUnknownAnchorError(id)
	}
	if a.Owner != owner {
		m.mu.Unlock()
		return engine.NewAnchorNotOwnedError(id, owner)
	}
	m.removeLocked(id)
	count := len(m.anchors)
	m.mu.Unlock()

	if m.root != nil {
		m.root.Detach(id)
	}
	m.metrics.SetAnchors(count)
	return nil
}

// Recompute derives every anchor's world transform from global and pushes the
// results to the root node. The session calls it exactly once per frame,
// before plugin dispatch.
func (m *Manager) Recompute(global engine.Transform) {
	m.mu.Lock()
	m.global = global
	m.frame++
	updates := make([]engine.Anchor, 0, len(m.order))
	for _, id := range m.order {
		a := m.anchors[id]
		a.World = xform.World(a.Offset, global)
		updates = append(updates, *a)
	}
	m.mu.Unlock()

	if m.root == nil {
		return
	}
	for _, a := range updates {
		m.root.SetTransform(a.ID, a.World)
	}
}

// ReleaseOwner removes every anchor owned by owner and returns how many were removed.
func (m *Manager) ReleaseOwner(owner string) int {
	return m.release(func(a *engine.Anchor) bool { return a.Owner == owner })
}

// ReleaseAll removes every anchor.
func (m *Manager) ReleaseAll() int {
	return m.release(func(*engine.Anchor) bool { return true })
}

func (m *Manager) release(match func(*engine.Anchor) bool) int {
	m.mu.Lock()
	var removed []engine.AnchorID
	for _, id := range m.order {
		if match(m.anchors[id]) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		m.removeLocked(id)
	}
	count := len(m.anchors)
	m.mu.Unlock()

	if m.root != nil {
		for _, id := range removed {
			m.root.Detach(id)
		}
	}
	m.metrics.SetAnchors(count)
	return len(removed)
}

// removeLocked deletes id from the map and the order slice. Caller holds mu.
func (m *Manager) removeLocked(id engine.AnchorID) {
	delete(m.anchors, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Anchors returns a snapshot of all anchors in creation order.
func (m *Manager) Anchors() []engine.Anchor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.Anchor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.anchors[id])
	}
	return out
}

// Len returns the number of anchors.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.anchors)
}

// Frame returns how many times Recompute has run.
func (m *Manager) Frame() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frame
}

// Global returns the global transform used by the last recompute.
func (m *Manager) Global() engine.Transform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// ForOwner returns a view that stamps owner on every mutation.
func (m *Manager) ForOwner(owner string) *View {
	return &View{m: m, owner: owner}
}

// View is an owner-scoped facade over the manager handed to plugins.
type View struct {
	m     *Manager
	owner string
}

// Owner returns the owner the view acts for.
func (v *View) Owner() string {
	return v.owner
}

// CreateAnchor creates an anchor owned by the view's owner.
func (v *View) CreateAnchor(name string, offset engine.Transform) (engine.AnchorID, error) {
	return v.m.CreateAnchor(v.owner, name, offset)
}

// WorldTransform returns any anchor's world transform. Reads are not owner-restricted.
func (v *View) WorldTransform(id engine.AnchorID) (engine.Transform, error) {
	return v.m.WorldTransform(id)
}

// RemoveAnchor removes one of the owner's anchors.
func (v *View) RemoveAnchor(id engine.AnchorID) error {
	return v.m.RemoveAnchor(v.owner, id)
}

// Anchors returns the owner's anchors in creation order.
func (v *View) Anchors() []engine.Anchor {
	all := v.m.Anchors()
	out := all[:0]
	for _, a := range all {
		if a.Owner == v.owner {
			out = append(out, a)
		}
	}
	return out
}
