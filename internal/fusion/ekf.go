package fusion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

var (
	// ErrDimensionMismatch reports a state vector of the wrong length.
	// This is a configuration error and is not recoverable.
	ErrDimensionMismatch = errors.New("state dimension mismatch")

	// ErrNumericalFailure reports an innovation covariance that is
	// singular or too ill-conditioned to solve. The offending
	// correction is skipped; the filter keeps tracking.
	ErrNumericalFailure = errors.New("innovation covariance is not solvable")

	// ErrNotInitialized reports that no initial pose has been received
	// yet, so no estimate is available.
	ErrNotInitialized = errors.New("no estimate available")
)

// Mode represents the lifecycle state of the filter.
type Mode string

const (
	ModeUninitialized Mode = "uninitialized" // No valid state; predict/correct are no-ops
	ModeTracking      Mode = "tracking"      // State and covariance valid and evolving
)

// MaxConditionNumber is the largest innovation-covariance condition
// number accepted before a correction is rejected as numerically unsafe.
const MaxConditionNumber = 1e12

// Filter is a recursive pose estimator fusing inertial samples with
// absolute-position observations. It owns the state vector, covariance
// and timestamps exclusively; all access is serialized behind one
// mutex so predict, correct and estimate never observe a torn state.
type Filter struct {
	cfg Config

	mu           sync.Mutex
	mode         Mode
	x            *mat.VecDense // state vector, layout per state.go
	p            *mat.Dense    // covariance, StateDim x StateDim
	stamp        time.Time     // stamp of the estimate (latest sample seen)
	lastImuStamp time.Time     // time of the most recent inertial sample
	hasImuStamp  bool
}

// NewFilter creates an uninitialized filter with the given
// configuration. Predict and Correct are no-ops until Reset.
func NewFilter(cfg Config) *Filter {
	return &Filter{
		cfg:  cfg,
		mode: ModeUninitialized,
		x:    mat.NewVecDense(StateDim, nil),
		p:    mat.NewDense(StateDim, StateDim, nil),
	}
}

// Dimension returns the fixed state vector length.
func (f *Filter) Dimension() int { return StateDim }

// Mode returns the current lifecycle mode.
func (f *Filter) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// Reset anchors the filter at the supplied pose: position and
// orientation are taken from the pose, velocity is zeroed, and the
// covariance is set to the designed initial uncertainty. A repeated
// Reset simply re-anchors a tracking filter.
func (f *Filter) Reset(pose Pose) {
	vec := make([]float64, StateDim)
	vec[StateX] = pose.Position[0]
	vec[StateY] = pose.Position[1]
	vec[StateZ] = pose.Position[2]
	q := NormalizeQuaternion(pose.Orientation)
	vec[StateQX] = q.Imag
	vec[StateQY] = q.Jmag
	vec[StateQZ] = q.Kmag
	vec[StateQW] = q.Real

	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyInitialState(vec)
	f.stamp = pose.Stamp
}

// SetInitialState validates and assigns a full state vector, moving
// the filter into tracking mode. The orientation sub-vector is
// renormalized. A wrong-length vector fails with ErrDimensionMismatch.
func (f *Filter) SetInitialState(vec []float64) error {
	if len(vec) != StateDim {
		return fmt.Errorf("expected %d state elements, got %d: %w", StateDim, len(vec), ErrDimensionMismatch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyInitialState(vec)
	return nil
}

// applyInitialState assumes f.mu is held and len(vec) == StateDim.
func (f *Filter) applyInitialState(vec []float64) {
	for i, v := range vec {
		f.x.SetVec(i, v)
	}
	f.renormalizeOrientation()

	f.p.Zero()
	for i := 0; i < 3; i++ {
		f.p.Set(StateX+i, StateX+i, f.cfg.InitialPositionVar)
		f.p.Set(StateVX+i, StateVX+i, f.cfg.InitialVelocityVar)
	}
	for i := 0; i < 4; i++ {
		f.p.Set(StateQX+i, StateQX+i, f.cfg.InitialOrientationVar)
	}

	f.mode = ModeTracking
	f.hasImuStamp = false
	f.lastImuStamp = time.Time{}
}

// State returns a snapshot copy of the full state vector, or
// ErrNotInitialized while the filter is uninitialized.
func (f *Filter) State() ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != ModeTracking {
		return nil, ErrNotInitialized
	}
	out := make([]float64, StateDim)
	for i := range out {
		out[i] = f.x.AtVec(i)
	}
	return out, nil
}

// Estimate returns the current pose estimate. While the filter is
// uninitialized it reports ErrNotInitialized rather than stale data.
func (f *Filter) Estimate() (Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != ModeTracking {
		return Pose{}, ErrNotInitialized
	}
	return Pose{
		Stamp: f.stamp,
		Position: [3]float64{
			f.x.AtVec(StateX),
			f.x.AtVec(StateY),
			f.x.AtVec(StateZ),
		},
		Orientation: f.quaternion(),
	}, nil
}

// Predict advances state and covariance using one inertial sample.
// Before initialization it is a no-op. The first sample after a reset
// only records its timestamp (dt = 0); samples with non-increasing
// timestamps are tolerated by clamping dt to zero and never retreat
// the filter clock.
func (f *Filter) Predict(s ImuSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != ModeTracking {
		return
	}

	if !f.hasImuStamp {
		f.lastImuStamp = s.Stamp
		f.hasImuStamp = true
		f.stamp = s.Stamp
		return
	}
	dt := s.Stamp.Sub(f.lastImuStamp).Seconds()
	if dt <= 0 {
		// Stale or duplicate sample: integrate nothing, keep the clock.
		return
	}
	f.lastImuStamp = s.Stamp
	f.stamp = s.Stamp

	qPrev := f.quaternion()
	w := s.AngularRate
	a := s.LinearAccel

	// Linearize around the pre-update state before mutating it.
	jac := f.transitionJacobian(dt, qPrev, w, a)

	// Integrate orientation with first-order quaternion kinematics:
	// q̇ = ½ q ⊗ (0, ω).
	omega := quat.Number{Imag: w[0], Jmag: w[1], Kmag: w[2]}
	qNew := NormalizeQuaternion(quat.Add(qPrev, quat.Scale(0.5*dt, quat.Mul(qPrev, omega))))

	// Rotate the measured acceleration into the reference frame using
	// the updated orientation and remove gravity.
	aw := Rotate(qNew, a)
	aw[2] -= f.cfg.Gravity

	// Double integration: position from velocity and acceleration,
	// then velocity from acceleration.
	for i := 0; i < 3; i++ {
		f.x.SetVec(StateX+i, f.x.AtVec(StateX+i)+f.x.AtVec(StateVX+i)*dt+0.5*aw[i]*dt*dt)
		f.x.SetVec(StateVX+i, f.x.AtVec(StateVX+i)+aw[i]*dt)
	}
	f.setQuaternion(qNew)

	// P ← F·P·Fᵗ + Q
	q := f.processNoise(dt, qNew)
	var fp, fpft mat.Dense
	fp.Mul(jac, f.p)
	fpft.Mul(&fp, jac.T())
	fpft.Add(&fpft, q)
	f.p.Copy(&fpft)
	f.symmetrize()
}

// Correct adjusts state and covariance using one absolute-position
// observation. Before initialization it is a no-op. A singular or
// ill-conditioned innovation covariance returns ErrNumericalFailure
// (wrapped) and leaves state and covariance untouched.
func (f *Filter) Correct(obs PositionObservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != ModeTracking {
		return nil
	}

	h := observationMatrix()

	// Innovation r = observed − predicted. Position is directly
	// observable, so the prediction is the position sub-vector.
	r := mat.NewVecDense(3, []float64{
		obs.Position[0] - f.x.AtVec(StateX),
		obs.Position[1] - f.x.AtVec(StateY),
		obs.Position[2] - f.x.AtVec(StateZ),
	})

	// S = H·P·Hᵗ + R
	s := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := f.p.At(StateX+i, StateX+j)
			if i == j {
				v += obs.Variance[i]
			}
			s.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return fmt.Errorf("correction rejected: %w", ErrNumericalFailure)
	}
	if cond := chol.Cond(); cond > MaxConditionNumber {
		return fmt.Errorf("correction rejected (cond=%.3g): %w", cond, ErrNumericalFailure)
	}

	// K = P·Hᵗ·S⁻¹ via the Cholesky solve: S·Kᵗ = (P·Hᵗ)ᵗ.
	var pht mat.Dense
	pht.Mul(f.p, h.T())
	var kt mat.Dense
	if err := chol.SolveTo(&kt, pht.T()); err != nil {
		return fmt.Errorf("correction rejected: %v: %w", err, ErrNumericalFailure)
	}
	var k mat.Dense
	k.CloneFrom(kt.T())

	// x ← x + K·r
	var dx mat.VecDense
	dx.MulVec(&k, r)
	for i := 0; i < StateDim; i++ {
		f.x.SetVec(i, f.x.AtVec(i)+dx.AtVec(i))
	}
	f.renormalizeOrientation()

	// Joseph-stabilized covariance update:
	// P ← (I−KH)·P·(I−KH)ᵗ + K·R·Kᵗ
	var kh mat.Dense
	kh.Mul(&k, h)
	a := identity(StateDim)
	a.Sub(a, &kh)
	var ap, apat mat.Dense
	ap.Mul(a, f.p)
	apat.Mul(&ap, a.T())

	rm := mat.NewDiagDense(3, obs.Variance[:])
	var kr, krkt mat.Dense
	kr.Mul(&k, rm)
	krkt.Mul(&kr, k.T())
	apat.Add(&apat, &krkt)

	f.p.Copy(&apat)
	f.symmetrize()

	if !obs.Stamp.IsZero() {
		f.stamp = obs.Stamp
	}
	return nil
}

// transitionJacobian builds F, the derivative of the propagation step
// with respect to the state, evaluated at the pre-update state.
func (f *Filter) transitionJacobian(dt float64, q quat.Number, w, a [3]float64) *mat.Dense {
	jac := identity(StateDim)

	// ∂position/∂velocity
	for i := 0; i < 3; i++ {
		jac.Set(StateX+i, StateVX+i, dt)
	}

	// ∂velocity/∂quaternion and ∂position/∂quaternion through the
	// body-to-reference rotation of the acceleration.
	d := rotationJacobian(q, a)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			jac.Set(StateVX+i, StateQX+j, dt*d[i][j])
			jac.Set(StateX+i, StateQX+j, 0.5*dt*dt*d[i][j])
		}
	}

	// ∂quaternion/∂quaternion: I + ½·dt·Ω(ω), the linearized
	// first-order quaternion update.
	wx, wy, wz := w[0], w[1], w[2]
	omega := [4][4]float64{
		{0, wz, -wy, wx},
		{-wz, 0, wx, wy},
		{wy, -wx, 0, wz},
		{-wx, -wy, -wz, 0},
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			jac.Set(StateQX+i, StateQX+j, jac.At(StateQX+i, StateQX+j)+0.5*dt*omega[i][j])
		}
	}
	return jac
}

// processNoise builds Q = G·W·Gᵗ where W is the diagonal of the two
// sensor noise variances and G maps body-frame accelerometer noise
// (through the same rotation as the signal) and gyro noise into the
// state. Q vanishes as dt → 0.
func (f *Filter) processNoise(dt float64, q quat.Number) *mat.Dense {
	g := mat.NewDense(StateDim, 6, nil)
	r := rotationMatrix(q)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			g.Set(StateX+i, j, 0.5*dt*dt*r[i*3+j])
			g.Set(StateVX+i, j, dt*r[i*3+j])
		}
	}
	// Gyro noise enters the quaternion the way ω does in q̇ = ½ q ⊗ (0, ω).
	x, y, z, wq := q.Imag, q.Jmag, q.Kmag, q.Real
	xi := [4][3]float64{
		{wq, -z, y},
		{z, wq, -x},
		{-y, x, wq},
		{-x, -y, -z},
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			g.Set(StateQX+i, 3+j, 0.5*dt*xi[i][j])
		}
	}

	w := mat.NewDiagDense(6, []float64{
		f.cfg.VarAccel, f.cfg.VarAccel, f.cfg.VarAccel,
		f.cfg.VarGyro, f.cfg.VarGyro, f.cfg.VarGyro,
	})
	var gw, out mat.Dense
	gw.Mul(g, w)
	out.Mul(&gw, g.T())
	return &out
}

// observationMatrix returns H, the constant 3×StateDim matrix
// selecting the position components of the state.
func observationMatrix() *mat.Dense {
	h := mat.NewDense(3, StateDim, nil)
	for i := 0; i < 3; i++ {
		h.Set(i, StateX+i, 1)
	}
	return h
}

// rotationJacobian computes the 3×4 derivative of R(q)·v with respect
// to the quaternion components (qx, qy, qz, qw).
func rotationJacobian(q quat.Number, v [3]float64) [3][4]float64 {
	qv := [3]float64{q.Imag, q.Jmag, q.Kmag}
	w := q.Real
	dot := qv[0]*v[0] + qv[1]*v[1] + qv[2]*v[2]
	cx := [3]float64{
		qv[1]*v[2] - qv[2]*v[1],
		qv[2]*v[0] - qv[0]*v[2],
		qv[0]*v[1] - qv[1]*v[0],
	}
	skew := [3][3]float64{
		{0, -v[2], v[1]},
		{v[2], 0, -v[0]},
		{-v[1], v[0], 0},
	}

	var d [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t := qv[i]*v[j] - v[i]*qv[j] - w*skew[i][j]
			if i == j {
				t += dot
			}
			d[i][j] = 2 * t
		}
		d[i][3] = 2 * (w*v[i] + cx[i])
	}
	return d
}

// quaternion reads the orientation sub-vector. Callers hold f.mu.
func (f *Filter) quaternion() quat.Number {
	return quat.Number{
		Real: f.x.AtVec(StateQW),
		Imag: f.x.AtVec(StateQX),
		Jmag: f.x.AtVec(StateQY),
		Kmag: f.x.AtVec(StateQZ),
	}
}

// setQuaternion writes the orientation sub-vector. Callers hold f.mu.
func (f *Filter) setQuaternion(q quat.Number) {
	f.x.SetVec(StateQX, q.Imag)
	f.x.SetVec(StateQY, q.Jmag)
	f.x.SetVec(StateQZ, q.Kmag)
	f.x.SetVec(StateQW, q.Real)
}

// renormalizeOrientation restores the unit-norm invariant on the
// orientation sub-vector. Callers hold f.mu.
func (f *Filter) renormalizeOrientation() {
	f.setQuaternion(NormalizeQuaternion(f.quaternion()))
}

// symmetrize cancels floating-point drift: P ← (P + Pᵗ)/2.
// Callers hold f.mu.
func (f *Filter) symmetrize() {
	for i := 0; i < StateDim; i++ {
		for j := i + 1; j < StateDim; j++ {
			v := 0.5 * (f.p.At(i, j) + f.p.At(j, i))
			f.p.Set(i, j, v)
			f.p.Set(j, i, v)
		}
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
