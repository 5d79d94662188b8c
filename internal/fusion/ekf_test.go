package fusion

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func trackingFilter() *Filter {
	f := NewFilter(DefaultConfig())
	f.Reset(Pose{Stamp: t0, Orientation: IdentityQuaternion()})
	return f
}

// assertCovarianceHealthy checks the two covariance invariants:
// symmetry and numerical positive-semi-definiteness.
func assertCovarianceHealthy(t *testing.T, f *Filter) {
	t.Helper()
	for i := 0; i < StateDim; i++ {
		for j := i + 1; j < StateDim; j++ {
			if d := math.Abs(f.p.At(i, j) - f.p.At(j, i)); d > 1e-12 {
				t.Errorf("covariance asymmetric at (%d,%d): diff %g", i, j, d)
			}
		}
	}
	sym := mat.NewSymDense(StateDim, nil)
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			sym.SetSym(i, j, f.p.At(i, j))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(sym, false) {
		t.Fatal("eigen factorization failed")
	}
	for _, v := range es.Values(nil) {
		if v < -1e-9 {
			t.Errorf("covariance has negative eigenvalue %g", v)
		}
	}
}

func assertUnitQuaternion(t *testing.T, f *Filter) {
	t.Helper()
	state, err := f.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	n := math.Sqrt(state[StateQX]*state[StateQX] + state[StateQY]*state[StateQY] +
		state[StateQZ]*state[StateQZ] + state[StateQW]*state[StateQW])
	if math.Abs(n-1) > 1e-9 {
		t.Errorf("orientation norm = %g, want 1", n)
	}
}

func TestNewFilterUninitialized(t *testing.T) {
	f := NewFilter(DefaultConfig())
	if f.Mode() != ModeUninitialized {
		t.Errorf("expected mode %q, got %q", ModeUninitialized, f.Mode())
	}
	if _, err := f.Estimate(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := f.State(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if f.Dimension() != StateDim {
		t.Errorf("expected dimension %d, got %d", StateDim, f.Dimension())
	}
}

func TestOperationsBeforeResetAreNoOps(t *testing.T) {
	f := NewFilter(DefaultConfig())

	f.Predict(ImuSample{
		Stamp:       t0,
		AngularRate: [3]float64{1, 2, 3},
		LinearAccel: [3]float64{4, 5, 6},
	})
	if err := f.Correct(PositionObservation{
		Stamp:    t0,
		Position: [3]float64{1, 1, 1},
		Variance: [3]float64{1, 1, 1},
	}); err != nil {
		t.Errorf("uninitialized correct must not fail, got %v", err)
	}

	if f.Mode() != ModeUninitialized {
		t.Errorf("mode changed to %q", f.Mode())
	}
	for i := 0; i < StateDim; i++ {
		if f.x.AtVec(i) != 0 {
			t.Errorf("state[%d] mutated to %g", i, f.x.AtVec(i))
		}
		for j := 0; j < StateDim; j++ {
			if f.p.At(i, j) != 0 {
				t.Errorf("covariance (%d,%d) mutated to %g", i, j, f.p.At(i, j))
			}
		}
	}
	if _, err := f.Estimate(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSetInitialStateDimensionMismatch(t *testing.T) {
	f := NewFilter(DefaultConfig())
	err := f.SetInitialState(make([]float64, StateDim-1))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if f.Mode() != ModeUninitialized {
		t.Error("failed initialization must not change mode")
	}
}

func TestResetAnchorsState(t *testing.T) {
	cfg := DefaultConfig()
	f := NewFilter(cfg)

	// Orientation is deliberately unnormalized; Reset must restore the
	// unit-norm invariant.
	f.Reset(Pose{
		Stamp:       t0,
		Position:    [3]float64{1, 2, 3},
		Orientation: quat.Number{Real: 2},
	})

	if f.Mode() != ModeTracking {
		t.Fatalf("expected mode %q, got %q", ModeTracking, f.Mode())
	}
	pose, err := f.Estimate()
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if pose.Position != [3]float64{1, 2, 3} {
		t.Errorf("position = %v", pose.Position)
	}
	if pose.Orientation != IdentityQuaternion() {
		t.Errorf("orientation = %v, want identity", pose.Orientation)
	}
	assertUnitQuaternion(t, f)

	for i := 0; i < 3; i++ {
		if got := f.p.At(StateX+i, StateX+i); got != cfg.InitialPositionVar {
			t.Errorf("position covariance = %g, want %g", got, cfg.InitialPositionVar)
		}
		if got := f.p.At(StateVX+i, StateVX+i); got != cfg.InitialVelocityVar {
			t.Errorf("velocity covariance = %g, want %g", got, cfg.InitialVelocityVar)
		}
	}
	for i := 0; i < 4; i++ {
		if got := f.p.At(StateQX+i, StateQX+i); got != cfg.InitialOrientationVar {
			t.Errorf("orientation covariance = %g, want %g", got, cfg.InitialOrientationVar)
		}
	}
	assertCovarianceHealthy(t, f)
}

func TestPredictFirstSampleRecordsTimestampOnly(t *testing.T) {
	f := trackingFilter()
	before := mat.DenseCopyOf(f.p)

	f.Predict(ImuSample{
		Stamp:       t0.Add(time.Second),
		AngularRate: [3]float64{1, 1, 1},
		LinearAccel: [3]float64{10, 10, 10},
	})

	pose, _ := f.Estimate()
	if pose.Position != [3]float64{} {
		t.Errorf("first sample moved position to %v", pose.Position)
	}
	if !mat.EqualApprox(before, f.p, 0) {
		t.Error("first sample changed covariance")
	}
	if !pose.Stamp.Equal(t0.Add(time.Second)) {
		t.Errorf("stamp = %v, want %v", pose.Stamp, t0.Add(time.Second))
	}
}

func TestPredictStaleTimestampClamped(t *testing.T) {
	f := trackingFilter()
	f.Predict(ImuSample{Stamp: t0.Add(time.Second)})

	stateBefore, _ := f.State()
	covBefore := mat.DenseCopyOf(f.p)

	// Out-of-order sample: dt clamps to zero, nothing integrates and
	// the filter clock does not retreat.
	f.Predict(ImuSample{
		Stamp:       t0,
		AngularRate: [3]float64{5, 5, 5},
		LinearAccel: [3]float64{5, 5, 5},
	})

	stateAfter, _ := f.State()
	for i := range stateBefore {
		if stateBefore[i] != stateAfter[i] {
			t.Errorf("state[%d] changed from %g to %g on stale sample", i, stateBefore[i], stateAfter[i])
		}
	}
	if !mat.EqualApprox(covBefore, f.p, 0) {
		t.Error("covariance changed on stale sample")
	}

	// The clock stayed at t0+1s, so a sample 10ms later integrates 10ms.
	f.Predict(ImuSample{Stamp: t0.Add(time.Second + 10*time.Millisecond)})
	pose, _ := f.Estimate()
	if !pose.Stamp.Equal(t0.Add(time.Second + 10*time.Millisecond)) {
		t.Errorf("stamp = %v", pose.Stamp)
	}
}

func TestPredictGravityCancellation(t *testing.T) {
	f := trackingFilter()

	// A stationary platform measures exactly the reaction to gravity.
	f.Predict(ImuSample{Stamp: t0, LinearAccel: [3]float64{0, 0, StandardGravity}})
	f.Predict(ImuSample{Stamp: t0.Add(time.Second), LinearAccel: [3]float64{0, 0, StandardGravity}})

	state, err := f.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(state[StateX+i]) > 1e-9 {
			t.Errorf("position[%d] drifted to %g", i, state[StateX+i])
		}
		if math.Abs(state[StateVX+i]) > 1e-9 {
			t.Errorf("velocity[%d] drifted to %g", i, state[StateVX+i])
		}
	}
	assertUnitQuaternion(t, f)
	assertCovarianceHealthy(t, f)
}

func TestPredictInvariantsUnderMotion(t *testing.T) {
	f := trackingFilter()

	sample := ImuSample{
		AngularRate: [3]float64{0.1, -0.2, 0.3},
		LinearAccel: [3]float64{0.4, -0.1, 9.7},
	}
	for i := 0; i <= 50; i++ {
		sample.Stamp = t0.Add(time.Duration(i) * 20 * time.Millisecond)
		f.Predict(sample)
		assertUnitQuaternion(t, f)
		assertCovarianceHealthy(t, f)
	}

	// Uncertainty must have grown over a second of dead reckoning.
	if got := f.p.At(StateX, StateX); got <= DefaultConfig().InitialPositionVar {
		t.Errorf("position variance %g did not grow beyond %g", got, DefaultConfig().InitialPositionVar)
	}
}

func TestCorrectMovesTowardObservation(t *testing.T) {
	f := trackingFilter()

	// Prior position variance 1.0, observation variance 1.0: the
	// Kalman gain on x is exactly 0.5, so the estimate lands halfway.
	if err := f.Correct(PositionObservation{
		Stamp:    t0.Add(time.Second),
		Position: [3]float64{10, 0, 0},
		Variance: [3]float64{1, 1, 1},
	}); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	pose, _ := f.Estimate()
	if math.Abs(pose.Position[0]-5) > 1e-9 {
		t.Errorf("x = %g, want 5 (gain 0.5)", pose.Position[0])
	}
	if pose.Position[0] <= 0 || pose.Position[0] >= 10 {
		t.Errorf("x = %g, must lie strictly between prior and observation", pose.Position[0])
	}
	// Joseph form: P = (1-K)²·P + K²·R = 0.25 + 0.25 = 0.5.
	if got := f.p.At(StateX, StateX); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("posterior variance = %g, want 0.5", got)
	}
	assertUnitQuaternion(t, f)
	assertCovarianceHealthy(t, f)
}

func TestCorrectNearInfiniteVarianceIsNoOp(t *testing.T) {
	f := trackingFilter()
	stateBefore, _ := f.State()
	covBefore := mat.DenseCopyOf(f.p)

	if err := f.Correct(PositionObservation{
		Position: [3]float64{1000, -1000, 1000},
		Variance: [3]float64{1e18, 1e18, 1e18},
	}); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	stateAfter, _ := f.State()
	for i := range stateBefore {
		if math.Abs(stateAfter[i]-stateBefore[i]) > 1e-6 {
			t.Errorf("state[%d] moved by %g under near-infinite variance", i, stateAfter[i]-stateBefore[i])
		}
	}
	if !mat.EqualApprox(covBefore, f.p, 1e-6) {
		t.Error("covariance changed under near-infinite variance")
	}
}

func TestSequentialSourcesConvergeOnTrustedSource(t *testing.T) {
	// Two sources disagree on x: a trusted one at 10 (variance 0.01)
	// and a noisy one at 0 (variance 100). Fusion is sequential
	// Bayesian updating, so intermediate estimates depend on arrival
	// order, but both orders end close to the trusted source.
	run := func(first, second PositionObservation) (mid, final float64) {
		f := trackingFilter()
		if err := f.Correct(first); err != nil {
			t.Fatalf("Correct: %v", err)
		}
		pose, _ := f.Estimate()
		mid = pose.Position[0]
		if err := f.Correct(second); err != nil {
			t.Fatalf("Correct: %v", err)
		}
		pose, _ = f.Estimate()
		return mid, pose.Position[0]
	}

	trusted := PositionObservation{Position: [3]float64{10, 0, 0}, Variance: [3]float64{0.01, 0.01, 0.01}}
	noisy := PositionObservation{Position: [3]float64{0, 0, 0}, Variance: [3]float64{100, 100, 100}}

	midA, finalA := run(trusted, noisy)
	midB, finalB := run(noisy, trusted)

	if math.Abs(midA-midB) < 1e-3 {
		t.Errorf("intermediate estimates %g and %g should depend on arrival order", midA, midB)
	}
	if math.Abs(finalA-10) > 0.2 {
		t.Errorf("final estimate %g not dominated by trusted source", finalA)
	}
	if math.Abs(finalB-10) > 0.2 {
		t.Errorf("final estimate %g not dominated by trusted source", finalB)
	}
}

func TestCorrectNumericalFailureSkipsUpdate(t *testing.T) {
	f := trackingFilter()

	// Force a singular innovation covariance: zero state uncertainty
	// and a zero-variance observation.
	f.mu.Lock()
	f.p.Zero()
	f.mu.Unlock()

	stateBefore, _ := f.State()
	err := f.Correct(PositionObservation{
		Position: [3]float64{5, 5, 5},
		Variance: [3]float64{0, 0, 0},
	})
	if !errors.Is(err, ErrNumericalFailure) {
		t.Fatalf("expected ErrNumericalFailure, got %v", err)
	}

	// The failure is contained: state untouched, still tracking.
	stateAfter, _ := f.State()
	for i := range stateBefore {
		if stateBefore[i] != stateAfter[i] {
			t.Errorf("state[%d] changed on rejected correction", i)
		}
	}
	if f.Mode() != ModeTracking {
		t.Errorf("mode = %q after rejected correction", f.Mode())
	}

	// A well-conditioned correction still works afterwards.
	if err := f.Correct(PositionObservation{
		Position: [3]float64{5, 5, 5},
		Variance: [3]float64{1, 1, 1},
	}); err != nil {
		t.Errorf("subsequent correction failed: %v", err)
	}
}

func TestRepeatedResetReanchors(t *testing.T) {
	f := trackingFilter()
	f.Predict(ImuSample{Stamp: t0})
	f.Predict(ImuSample{Stamp: t0.Add(time.Second), LinearAccel: [3]float64{1, 0, StandardGravity}})

	f.Reset(Pose{Stamp: t0.Add(2 * time.Second), Position: [3]float64{7, 8, 9}, Orientation: IdentityQuaternion()})

	state, _ := f.State()
	if state[StateX] != 7 || state[StateY] != 8 || state[StateZ] != 9 {
		t.Errorf("position = (%g, %g, %g)", state[StateX], state[StateY], state[StateZ])
	}
	for i := 0; i < 3; i++ {
		if state[StateVX+i] != 0 {
			t.Errorf("velocity[%d] = %g, want 0 after re-anchor", i, state[StateVX+i])
		}
	}

	// The next inertial sample after a re-anchor only records its
	// timestamp again.
	before := mat.DenseCopyOf(f.p)
	f.Predict(ImuSample{Stamp: t0.Add(3 * time.Second), LinearAccel: [3]float64{100, 0, 0}})
	if !mat.EqualApprox(before, f.p, 0) {
		t.Error("first sample after re-anchor changed covariance")
	}
}

func TestConcurrentOperations(t *testing.T) {
	f := trackingFilter()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.Predict(ImuSample{
				Stamp:       t0.Add(time.Duration(i) * 5 * time.Millisecond),
				LinearAccel: [3]float64{0, 0, StandardGravity},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = f.Correct(PositionObservation{
				Position: [3]float64{0, 0, 0},
				Variance: [3]float64{1, 1, 1},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := f.Estimate(); err != nil {
				t.Errorf("Estimate: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	assertUnitQuaternion(t, f)
	assertCovarianceHealthy(t, f)
}
