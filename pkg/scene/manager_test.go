package scene

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/openfroyo/arkit/pkg/engine"
	"github.com/openfroyo/arkit/pkg/xform"
)

type fakeRoot struct {
	attached   map[engine.AnchorID]string
	transforms map[engine.AnchorID]engine.Transform
	sets       int
}

func newFakeRoot() *fakeRoot {
	return &fakeRoot{
		attached:   make(map[engine.AnchorID]string),
		transforms: make(map[engine.AnchorID]engine.Transform),
	}
}

func (r *fakeRoot) Attach(id engine.AnchorID, name string) { r.attached[id] = name }
func (r *fakeRoot) SetTransform(id engine.AnchorID, world engine.Transform) {
	r.transforms[id] = world
	r.sets++
}
func (r *fakeRoot) Detach(id engine.AnchorID) {
	delete(r.attached, id)
	delete(r.transforms, id)
}

func TestCreateAndRecompute(t *testing.T) {
	root := newFakeRoot()
	m := NewManager(root, nil)

	offset := mgl64.Translate3D(0, 0, -1)
	id, err := m.CreateAnchor("p1", "marker", offset)
	if err != nil {
		t.Fatalf("CreateAnchor() error = %v", err)
	}
	if root.attached[id] != "marker" {
		t.Errorf("anchor not attached to root")
	}

	// Before any frame the global transform is identity.
	got, err := m.WorldTransform(id)
	if err != nil {
		t.Fatalf("WorldTransform() error = %v", err)
	}
	if !xform.ApproxEqual(got, offset, 1e-12) {
		t.Errorf("initial world = %v, want offset", got)
	}

	global := xform.FromPose(engine.Pose{Position: mgl64.Vec3{1, 2, 3}, Orientation: mgl64.QuatIdent(), Confidence: 1})
	m.Recompute(global)

	got, _ = m.WorldTransform(id)
	want := xform.World(offset, global)
	if !xform.ApproxEqual(got, want, 1e-12) {
		t.Errorf("world = %v, want %v", got, want)
	}
	if root.transforms[id] != got {
		t.Errorf("root node transform not pushed")
	}
	if m.Frame() != 1 {
		t.Errorf("Frame() = %d, want 1", m.Frame())
	}
	if m.Global() != global {
		t.Errorf("Global() not recorded")
	}
}

func TestCreateAnchorRequiresName(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.CreateAnchor("p1", "", xform.Identity()); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestRemoveAnchor(t *testing.T) {
	root := newFakeRoot()
	m := NewManager(root, nil)

	id, _ := m.CreateAnchor("p1", "a", xform.Identity())

	if err := m.RemoveAnchor("p2", id); engine.KindOf(err) != engine.ErrorKindAnchorNotOwned {
		t.Fatalf("RemoveAnchor() by other owner error = %v", err)
	}
	if _, err := m.WorldTransform(id); err != nil {
		t.Fatalf("anchor should survive foreign removal: %v", err)
	}

	if err := m.RemoveAnchor("p1", id); err != nil {
		t.Fatalf("RemoveAnchor() error = %v", err)
	}
	if _, ok := root.attached[id]; ok {
		t.Error("anchor still attached after removal")
	}

	_, err := m.WorldTransform(id)
	if !engine.IsUnknownAnchor(err) {
		t.Errorf("WorldTransform() after removal error = %v, want UnknownAnchor", err)
	}
	if err := m.RemoveAnchor("p1", id); !engine.IsUnknownAnchor(err) {
		t.Errorf("second RemoveAnchor() error = %v, want UnknownAnchor", err)
	}
}

func TestReleaseOwnerAndOrder(t *testing.T) {
	m := NewManager(newFakeRoot(), nil)

	a1, _ := m.CreateAnchor("p1", "a1", xform.Identity())
	b1, _ := m.CreateAnchor("p2", "b1", xform.Identity())
	a2, _ := m.CreateAnchor("p1", "a2", xform.Identity())

	anchors := m.Anchors()
	if len(anchors) != 3 || anchors[0].ID != a1 || anchors[1].ID != b1 || anchors[2].ID != a2 {
		t.Fatalf("Anchors() not in creation order: %+v", anchors)
	}

	if n := m.ReleaseOwner("p1"); n != 2 {
		t.Errorf("ReleaseOwner() = %d, want 2", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
	if n := m.ReleaseAll(); n != 1 {
		t.Errorf("ReleaseAll() = %d, want 1", n)
	}
}

func TestViewScopesOwnership(t *testing.T) {
	m := NewManager(nil, nil)
	v1 := m.ForOwner("p1")
	v2 := m.ForOwner("p2")

	id, err := v1.CreateAnchor("mine", xform.Identity())
	if err != nil {
		t.Fatalf("CreateAnchor() error = %v", err)
	}
	if _, err := v2.CreateAnchor("theirs", xform.Identity()); err != nil {
		t.Fatalf("CreateAnchor() error = %v", err)
	}

	if len(v1.Anchors()) != 1 || v1.Anchors()[0].ID != id {
		t.Errorf("v1.Anchors() = %+v", v1.Anchors())
	}
	if _, err := v2.WorldTransform(id); err != nil {
		t.Errorf("reads should not be owner restricted: %v", err)
	}
	if err := v2.RemoveAnchor(id); engine.KindOf(err) != engine.ErrorKindAnchorNotOwned {
		t.Errorf("v2.RemoveAnchor() error = %v, want AnchorNotOwned", err)
	}
	if err := v1.RemoveAnchor(id); err != nil {
		t.Errorf("v1.RemoveAnchor() error = %v", err)
	}
}

func TestRecomputeIsSnapshot(t *testing.T) {
	m := NewManager(nil, nil)
	offsets := []engine.Transform{
		mgl64.Translate3D(1, 0, 0),
		mgl64.Translate3D(0, 1, 0),
		mgl64.HomogRotate3DY(0.5),
	}
	var ids []engine.AnchorID
	for i, o := range offsets {
		id, _ := m.CreateAnchor("p", string(rune('a'+i)), o)
		ids = append(ids, id)
	}

	global := xform.FromTRS(mgl64.Vec3{3, 0, -2}, mgl64.QuatRotate(1.2, mgl64.Vec3{0, 1, 0}), mgl64.Vec3{1, 1, 1})
	m.Recompute(global)

	for i, id := range ids {
		got, _ := m.WorldTransform(id)
		if !xform.ApproxEqual(got, xform.World(offsets[i], global), 1e-12) {
			t.Errorf("anchor %d world transform mismatch", i)
		}
	}
}
