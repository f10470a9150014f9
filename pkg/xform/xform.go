// Package xform provides the pure transform math used to place anchors in
// tracked space. All functions are deterministic and allocation free.
//
// Transforms are 4x4 homogeneous matrices in the column-vector convention:
// a point p is transformed as M * p, so composing A then B is B * A.
package xform

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/openfroyo/arkit/pkg/engine"
)

// Identity returns the identity transform.
func Identity() engine.Transform {
	return mgl64.Ident4()
}

// World returns the world transform of an anchor whose offset is expressed in
// the tracked global frame: global * offset.
//
// World(Identity(), g) == g and World(o, Identity()) == o.
func World(offset, global engine.Transform) engine.Transform {
	return global.Mul4(offset)
}

// FromPose converts a device pose into the global tracking transform.
func FromPose(pose engine.Pose) engine.Transform {
	return FromTRS(pose.Position, pose.Orientation, mgl64.Vec3{1, 1, 1})
}

// FromTRS builds a transform from translation, rotation and scale.
// The rotation is normalized; a zero quaternion is treated as identity.
func FromTRS(t mgl64.Vec3, r mgl64.Quat, s mgl64.Vec3) engine.Transform {
	if r.Len() == 0 {
		r = mgl64.QuatIdent()
	} else {
		r = r.Normalize()
	}
	return mgl64.Translate3D(t[0], t[1], t[2]).
		Mul4(r.Mat4()).
		Mul4(mgl64.Scale3D(s[0], s[1], s[2]))
}

// Translation returns the translation component of m.
func Translation(m engine.Transform) mgl64.Vec3 {
	return m.Col(3).Vec3()
}

// Compose chains transforms so that the result applies ts[0] first and the
// last element last. Compose() is the identity.
func Compose(ts ...engine.Transform) engine.Transform {
	out := mgl64.Ident4()
	for _, t := range ts {
		out = t.Mul4(out)
	}
	return out
}

// ApproxEqual reports whether every element of a and b differs by at most eps.
func ApproxEqual(a, b engine.Transform, eps float64) bool {
	return a.ApproxEqualThreshold(b, eps)
}
