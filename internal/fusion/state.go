package fusion

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
)

// State vector layout. Position and velocity are expressed in the
// reference (map) frame; the quaternion rotates body-frame vectors
// into the reference frame. The layout is fixed at compile time and
// the propagation/correction Jacobians in ekf.go depend on it.
const (
	StateX = iota
	StateY
	StateZ
	StateVX
	StateVY
	StateVZ
	StateQX
	StateQY
	StateQZ
	StateQW

	// StateDim is the total state vector length.
	StateDim = 10
)

// StandardGravity is the gravitational acceleration removed from
// accelerometer samples during propagation (m/s²).
const StandardGravity = 9.80665

// Pose is a stamped position and orientation in the reference frame.
type Pose struct {
	Stamp       time.Time
	Position    [3]float64
	Orientation quat.Number
}

// ImuSample is one inertial measurement, already expressed in the
// filter's body-frame convention.
type ImuSample struct {
	Stamp       time.Time
	AngularRate [3]float64 // rad/s
	LinearAccel [3]float64 // m/s²
}

// PositionObservation is one absolute-position measurement with
// per-axis variance.
type PositionObservation struct {
	Stamp    time.Time
	Position [3]float64
	Variance [3]float64
}

// IdentityQuaternion returns the unit quaternion for "no rotation".
func IdentityQuaternion() quat.Number {
	return quat.Number{Real: 1}
}

// NormalizeQuaternion scales q to unit norm. A zero quaternion is
// replaced by the identity rather than producing NaNs.
func NormalizeQuaternion(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return IdentityQuaternion()
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the rotation described by unit quaternion q to the
// vector v: q ⊗ (0,v) ⊗ q*.
func Rotate(q quat.Number, v [3]float64) [3]float64 {
	p := quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2]}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return [3]float64{r.Imag, r.Jmag, r.Kmag}
}

// ComposePose returns a ∘ b: the pose reached by applying transform b
// in the frame of pose a.
func ComposePose(a, b Pose) Pose {
	tb := Rotate(a.Orientation, b.Position)
	return Pose{
		Stamp: b.Stamp,
		Position: [3]float64{
			a.Position[0] + tb[0],
			a.Position[1] + tb[1],
			a.Position[2] + tb[2],
		},
		Orientation: NormalizeQuaternion(quat.Mul(a.Orientation, b.Orientation)),
	}
}

// InvertPose returns the inverse transform of p.
func InvertPose(p Pose) Pose {
	qi := quat.Conj(NormalizeQuaternion(p.Orientation))
	ti := Rotate(qi, p.Position)
	return Pose{
		Stamp:       p.Stamp,
		Position:    [3]float64{-ti[0], -ti[1], -ti[2]},
		Orientation: qi,
	}
}

// rotationMatrix expands unit quaternion q into its 3x3 rotation
// matrix, row-major.
func rotationMatrix(q quat.Number) [9]float64 {
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}
