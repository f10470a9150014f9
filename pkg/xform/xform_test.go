package xform

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/openfroyo/arkit/pkg/engine"
)

const eps = 1e-9

func sampleTransforms() []engine.Transform {
	return []engine.Transform{
		Identity(),
		mgl64.Translate3D(1, 2, 3),
		FromTRS(mgl64.Vec3{0.5, -1, 2}, mgl64.QuatRotate(math.Pi/3, mgl64.Vec3{0, 1, 0}), mgl64.Vec3{1, 1, 1}),
		FromTRS(mgl64.Vec3{-3, 0, 4}, mgl64.QuatRotate(math.Pi/7, mgl64.Vec3{1, 1, 0}.Normalize()), mgl64.Vec3{2, 2, 2}),
	}
}

func TestWorldIdentity(t *testing.T) {
	for i, g := range sampleTransforms() {
		if got := World(Identity(), g); !ApproxEqual(got, g, eps) {
			t.Errorf("case %d: World(I, G) = %v, want %v", i, got, g)
		}
		if got := World(g, Identity()); !ApproxEqual(got, g, eps) {
			t.Errorf("case %d: World(O, I) = %v, want %v", i, got, g)
		}
	}
}

func TestWorldAssociative(t *testing.T) {
	ts := sampleTransforms()
	for i := range ts {
		for j := range ts {
			for k := range ts {
				a, b, c := ts[i], ts[j], ts[k]
				left := World(World(a, b), c)
				right := World(a, World(b, c))
				if !ApproxEqual(left, right, 1e-6) {
					t.Fatalf("associativity failed for (%d,%d,%d)", i, j, k)
				}
			}
		}
	}
}

func TestWorldDeterministic(t *testing.T) {
	ts := sampleTransforms()
	first := World(ts[2], ts[3])
	for i := 0; i < 100; i++ {
		if got := World(ts[2], ts[3]); got != first {
			t.Fatalf("iteration %d: result changed", i)
		}
	}
}

func TestFromPose(t *testing.T) {
	tests := []struct {
		name string
		pose engine.Pose
		want mgl64.Vec3
	}{
		{
			name: "identity",
			pose: engine.IdentityPose(),
			want: mgl64.Vec3{},
		},
		{
			name: "translated",
			pose: engine.Pose{Position: mgl64.Vec3{1, 2, 3}, Orientation: mgl64.QuatIdent(), Confidence: 1},
			want: mgl64.Vec3{1, 2, 3},
		},
		{
			name: "zero orientation treated as identity",
			pose: engine.Pose{Position: mgl64.Vec3{4, 0, 0}},
			want: mgl64.Vec3{4, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := FromPose(tt.pose)
			if got := Translation(m); !got.ApproxEqualThreshold(tt.want, eps) {
				t.Errorf("Translation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromPoseRotatesOffset(t *testing.T) {
	// A quarter turn about +Y maps +X to -Z.
	pose := engine.Pose{
		Position:    mgl64.Vec3{0, 0, 0},
		Orientation: mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0}),
		Confidence:  1,
	}
	offset := mgl64.Translate3D(1, 0, 0)
	got := Translation(World(offset, FromPose(pose)))
	want := mgl64.Vec3{0, 0, -1}
	if !got.ApproxEqualThreshold(want, 1e-9) {
		t.Errorf("rotated offset = %v, want %v", got, want)
	}
}

func TestCompose(t *testing.T) {
	a := mgl64.Translate3D(1, 0, 0)
	b := mgl64.Scale3D(2, 2, 2)

	if got := Compose(); got != Identity() {
		t.Errorf("Compose() = %v, want identity", got)
	}

	// Translate first, then scale: (1,0,0) becomes (2,0,0).
	got := Translation(Compose(a, b))
	if !got.ApproxEqualThreshold(mgl64.Vec3{2, 0, 0}, eps) {
		t.Errorf("Compose(a, b) translation = %v", got)
	}

	if !ApproxEqual(Compose(a, b), World(a, b), eps) {
		t.Error("Compose(a, b) should equal World(a, b)")
	}
}
