package fusion

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/num/quat"
)

func quatApproxEqual(a, b quat.Number, tol float64) bool {
	// q and -q describe the same rotation.
	if quat.Abs(quat.Sub(a, b)) <= tol {
		return true
	}
	return quat.Abs(quat.Add(a, b)) <= tol
}

func TestStateLayout(t *testing.T) {
	// The fixed-index layout is a contract with the Jacobians; make a
	// change here deliberate.
	if StateX != 0 || StateY != 1 || StateZ != 2 {
		t.Error("position block must start the state vector")
	}
	if StateVX != 3 || StateVY != 4 || StateVZ != 5 {
		t.Error("velocity block must follow position")
	}
	if StateQX != 6 || StateQY != 7 || StateQZ != 8 || StateQW != 9 {
		t.Error("quaternion block must end the state vector")
	}
	if StateDim != 10 {
		t.Errorf("StateDim = %d, want 10", StateDim)
	}
}

func TestNormalizeQuaternion(t *testing.T) {
	q := NormalizeQuaternion(quat.Number{Real: 3, Imag: 4})
	if math.Abs(quat.Abs(q)-1) > 1e-12 {
		t.Errorf("norm = %g, want 1", quat.Abs(q))
	}

	// A zero quaternion cannot be scaled to unit norm; it becomes the
	// identity instead of NaN.
	if got := NormalizeQuaternion(quat.Number{}); got != IdentityQuaternion() {
		t.Errorf("zero quaternion normalized to %v", got)
	}
}

func TestRotate(t *testing.T) {
	// 90° about z maps x̂ to ŷ.
	s, c := math.Sin(math.Pi/4), math.Cos(math.Pi/4)
	q := quat.Number{Real: c, Kmag: s}

	got := Rotate(q, [3]float64{1, 0, 0})
	want := [3]float64{0, 1, 0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("rotated[%d] = %g, want %g", i, got[i], want[i])
		}
	}

	// Identity rotation is a no-op.
	v := [3]float64{1.5, -2.5, 3.5}
	if got := Rotate(IdentityQuaternion(), v); got != v {
		t.Errorf("identity rotation moved %v to %v", v, got)
	}
}

func TestRotationMatrixMatchesRotate(t *testing.T) {
	q := NormalizeQuaternion(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.2, Kmag: 0.3})
	v := [3]float64{0.7, -1.3, 2.1}

	r := rotationMatrix(q)
	want := Rotate(q, v)
	for i := 0; i < 3; i++ {
		got := r[i*3+0]*v[0] + r[i*3+1]*v[1] + r[i*3+2]*v[2]
		if math.Abs(got-want[i]) > 1e-12 {
			t.Errorf("row %d: matrix gives %g, quaternion gives %g", i, got, want[i])
		}
	}
}

func TestComposeInvertRoundTrip(t *testing.T) {
	p := Pose{
		Position:    [3]float64{1, -2, 3},
		Orientation: NormalizeQuaternion(quat.Number{Real: 0.8, Imag: 0.2, Jmag: 0.4, Kmag: -0.1}),
	}

	id := ComposePose(p, InvertPose(p))
	for i, v := range id.Position {
		if math.Abs(v) > 1e-12 {
			t.Errorf("position[%d] = %g, want 0", i, v)
		}
	}
	if !quatApproxEqual(id.Orientation, IdentityQuaternion(), 1e-12) {
		t.Errorf("orientation = %v, want identity", id.Orientation)
	}
}

func TestComposePoseAppliesRotation(t *testing.T) {
	// Anchor facing 90° left: a step forward in the child frame moves
	// the composed pose along +y.
	s, c := math.Sin(math.Pi/4), math.Cos(math.Pi/4)
	anchor := Pose{
		Position:    [3]float64{10, 0, 0},
		Orientation: quat.Number{Real: c, Kmag: s},
	}
	step := Pose{Position: [3]float64{1, 0, 0}, Orientation: IdentityQuaternion()}

	got := ComposePose(anchor, step)
	want := [3]float64{10, 1, 0}
	for i := range want {
		if math.Abs(got.Position[i]-want[i]) > 1e-12 {
			t.Errorf("position[%d] = %g, want %g", i, got.Position[i], want[i])
		}
	}
}
