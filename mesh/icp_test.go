package mesh

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testICPConfig returns a seeded configuration.
func testICPConfig(seed int64) ICPConfig {
	cfg := DefaultICPConfig()
	cfg.RNG = rand.New(rand.NewSource(seed))
	return cfg
}

// jitteredGrid returns an n×n×n lattice with the given spacing, each point
// nudged by up to 10% of the spacing so no two correspondences tie.
func jitteredGrid(rng *rand.Rand, n int, spacing float64) []r3.Vector {
	var out []r3.Vector
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				out = append(out, r3.Vector{
					X: float64(i)*spacing + (rng.Float64()-0.5)*0.2*spacing,
					Y: float64(j)*spacing + (rng.Float64()-0.5)*0.2*spacing,
					Z: float64(k)*spacing + (rng.Float64()-0.5)*0.2*spacing,
				})
			}
		}
	}
	return out
}

// rotateAbout rotates points by rot around center.
func rotateAbout(points []r3.Vector, rot Transform, center r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = rot.Rotate(p.Sub(center)).Add(center)
	}
	return out
}

var approxPoints = cmpopts.EquateApprox(0, 1e-6)

// ---------------------------------------------------------------------------
// RegisterFrame
// ---------------------------------------------------------------------------

func TestRegisterFrameTwoPointScenario(t *testing.T) {
	reference := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	sample := []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}}

	result, err := RegisterFrame(reference, sample, testICPConfig(1))
	require.NoError(t, err)

	assert.Equal(t, ICPConverged, result.State)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 0.0, result.Cost)
	assert.True(t, result.Transform.ApproxEqual(Translation(0, 0, -1), 1e-9), "got %v", result.Transform.Rows())
	assert.Equal(t, reference, sample)
}

func TestRegisterFrameIdenticalCloudConvergesImmediately(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	reference := randomCloud(rng, 50, 10)
	sample := append([]r3.Vector(nil), reference...)

	result, err := RegisterFrame(reference, sample, testICPConfig(4))
	require.NoError(t, err)

	assert.Equal(t, ICPConverged, result.State)
	assert.Equal(t, 1, result.Iterations)
	assert.True(t, result.Transform.ApproxEqual(Identity(), 1e-9))
	assert.Equal(t, 0.0, result.Residual.Mean)
}

func TestRegisterFrameRecoversRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	reference := jitteredGrid(rng, 4, 2)
	center, err := Mean(reference)
	require.NoError(t, err)

	rot := RotationZ(3 * math.Pi / 180).Compose(RotationX(2 * math.Pi / 180))

	for _, est := range []Estimator{KabschEstimator{}, DirectEstimator{}} {
		t.Run(est.Name(), func(t *testing.T) {
			sample := rotateAbout(reference, rot, center)
			cfg := testICPConfig(5)
			cfg.Estimator = est

			result, err := RegisterFrame(reference, sample, cfg)
			require.NoError(t, err)
			assert.Equal(t, ICPConverged, result.State)
			if diff := cmp.Diff(reference, sample, approxPoints); diff != "" {
				t.Errorf("aligned sample mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterFrameKabschIterationCount(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	reference := jitteredGrid(rng, 4, 2)
	center, err := Mean(reference)
	require.NoError(t, err)

	rot := RotationY(4 * math.Pi / 180)
	sample := rotateAbout(reference, rot, center)
	cfg := testICPConfig(6)
	cfg.Estimator = KabschEstimator{}

	result, err := RegisterFrame(reference, sample, cfg)
	require.NoError(t, err)

	// Step 1 aligns the frame, step 2 still measures cost through the step 1
	// rotation, step 3 sees a near-identity running transform and converges.
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, ICPConverged, result.State)
	// The recovered rotation block is the inverse of rot.
	undo := fromRotation(result.Transform.RotationBlock())
	assert.True(t, rot.Compose(undo).ApproxEqual(Identity(), 1e-9))
}

func TestRegisterFrameAccumulatedCostExhausts(t *testing.T) {
	reference := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	sample := []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}}

	cfg := testICPConfig(1)
	cfg.AccumulateCost = true
	cfg.MaxIterations = 5

	result, err := RegisterFrame(reference, sample, cfg)
	require.NoError(t, err)

	assert.Equal(t, ICPExhausted, result.State)
	assert.Equal(t, 5, result.Iterations)
	// Initial 1.0 plus 400 unit distances from the first step.
	assert.Equal(t, 401.0, result.Cost)
	assert.True(t, result.Transform.ApproxEqual(Translation(0, 0, -1), 1e-9))
}

func TestRegisterFrameDeterministicWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	reference := randomCloud(rng, 40, 5)
	frame := make([]r3.Vector, len(reference))
	for i, p := range reference {
		frame[i] = p.Add(r3.Vector{X: 0.05 + rng.Float64()*0.01, Y: -0.03, Z: 0.02})
	}

	run := func() (ICPResult, []r3.Vector) {
		sample := append([]r3.Vector(nil), frame...)
		cfg := testICPConfig(99)
		cfg.MaxIterations = 30
		result, err := RegisterFrame(reference, sample, cfg)
		require.NoError(t, err)
		return result, sample
	}

	r1, s1 := run()
	r2, s2 := run()
	assert.Equal(t, r1, r2)
	assert.Equal(t, s1, s2)
}

func TestRegisterFrameEmptyInputs(t *testing.T) {
	_, err := RegisterFrame([]r3.Vector{{X: 1}}, nil, testICPConfig(1))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = RegisterFrame(nil, []r3.Vector{{X: 1}}, testICPConfig(1))
	assert.ErrorIs(t, err, ErrEmptyReference)
}

func TestRegisterFrameIllConditioned(t *testing.T) {
	reference := []r3.Vector{{X: 1, Y: 1, Z: 1}}
	sample := []r3.Vector{{X: 2, Y: 2, Z: 2}}

	_, err := RegisterFrame(reference, sample, testICPConfig(1))
	var ill *IllConditionedTransformError
	require.True(t, errors.As(err, &ill), "got %v", err)
	assert.Contains(t, err.Error(), "refinement step 1")
}

// runawayEstimator pushes the sample further away on every step.
type runawayEstimator struct{}

func (runawayEstimator) Name() string { return "runaway" }

func (runawayEstimator) Estimate(Covariance, Transform) (Transform, error) {
	return Translation(1e6, 0, 0), nil
}

func TestRegisterFrameRejectsDivergence(t *testing.T) {
	reference := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	sample := []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}}

	cfg := testICPConfig(1)
	cfg.Estimator = runawayEstimator{}
	_, err := RegisterFrame(reference, sample, cfg)

	var ill *IllConditionedTransformError
	require.True(t, errors.As(err, &ill), "got %v", err)
	assert.Contains(t, ill.Reason, "diverged")
	assert.Contains(t, err.Error(), "refinement step 1")
}

func TestCheckDrift(t *testing.T) {
	sample := []r3.Vector{{X: 9}, {X: 11}}
	assert.NoError(t, checkDrift(sample, r3.Vector{}, 10))
	assert.Error(t, checkDrift(sample, r3.Vector{}, 9.9))
	assert.Error(t, checkDrift([]r3.Vector{{X: math.NaN()}}, r3.Vector{}, 1e9))
}

func TestRegisterFrameKDTreeMatcher(t *testing.T) {
	reference := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}}
	sample := []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}}

	cfg := testICPConfig(1)
	cfg.NewMatcher = NewKDTreeMatcher
	result, err := RegisterFrame(reference, sample, cfg)
	require.NoError(t, err)
	assert.Equal(t, ICPConverged, result.State)
	assert.True(t, result.Transform.ApproxEqual(Translation(0, 0, -1), 1e-9))
}

func TestICPStateString(t *testing.T) {
	assert.Equal(t, "running", ICPRunning.String())
	assert.Equal(t, "converged", ICPConverged.String())
	assert.Equal(t, "exhausted", ICPExhausted.String())
	assert.Equal(t, "unknown", ICPState(42).String())
}
