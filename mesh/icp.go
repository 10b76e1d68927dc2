package mesh

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ICPConfig holds configuration for frame registration.
type ICPConfig struct {
	SamplesPerIteration int            // Correspondences drawn (with replacement) per refinement step
	MaxIterations       int            // Hard cap on refinement steps
	Epsilon             float64        // Converged once |cost| drops to this
	AccumulateCost      bool           // Keep summing cost across steps instead of resetting it
	Estimator           Estimator      // Rotation/translation extraction strategy
	NewMatcher          MatcherFactory // Builds the nearest-neighbour matcher once per registration
	RNG                 *rand.Rand     // Random number generator for deterministic behavior
}

// DefaultICPConfig returns the reference tunables.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		SamplesPerIteration: 400,
		MaxIterations:       400,
		Epsilon:             1e-8,
		Estimator:           DirectEstimator{},
		NewMatcher:          NewLinearMatcher,
		RNG:                 rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// withDefaults fills zero-valued fields from DefaultICPConfig.
func (c ICPConfig) withDefaults() ICPConfig {
	if c.SamplesPerIteration <= 0 {
		c.SamplesPerIteration = 400
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 400
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-8
	}
	if c.Estimator == nil {
		c.Estimator = DirectEstimator{}
	}
	if c.NewMatcher == nil {
		c.NewMatcher = NewLinearMatcher
	}
	if c.RNG == nil {
		c.RNG = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// ICPState is the iteration controller state.
type ICPState int

const (
	ICPRunning ICPState = iota
	ICPConverged
	ICPExhausted
)

func (s ICPState) String() string {
	switch s {
	case ICPRunning:
		return "running"
	case ICPConverged:
		return "converged"
	case ICPExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText lets ICPState serialize as its name.
func (s ICPState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ICPState) UnmarshalText(text []byte) error {
	for _, v := range []ICPState{ICPRunning, ICPConverged, ICPExhausted} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return errors.Errorf("unknown ICP state %q", text)
}

// Residual summarizes correspondence distances of the final refinement step.
type Residual struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// ICPResult contains the result of registering one frame
type ICPResult struct {
	Transform  Transform `json:"transform"`  // Net alignment: product of every step transform, in order
	Cost       float64   `json:"cost"`       // Cost when the loop stopped
	Iterations int       `json:"iterations"` // Refinement steps performed
	State      ICPState  `json:"state"`      // Converged or Exhausted
	Residual   Residual  `json:"residual"`
}

// RegisterFrame aligns sample to reference with ICP. sample is moved in place
// by every refinement step, so on return it holds the aligned coordinates.
//
// The cost starts at 1.0 and the loop runs while fewer than MaxIterations
// steps have been taken and |cost| exceeds Epsilon. A step that carries the
// sample centroid more than maxDriftFactor extents away from the reference
// centroid fails with an IllConditionedTransformError.
func RegisterFrame(reference, sample []r3.Vector, config ICPConfig) (ICPResult, error) {
	if len(sample) == 0 {
		return ICPResult{}, ErrEmptyFrame
	}
	if len(reference) == 0 {
		return ICPResult{}, ErrEmptyReference
	}
	cfg := config.withDefaults()

	matcher, err := cfg.NewMatcher(reference)
	if err != nil {
		return ICPResult{}, errors.Wrap(err, "building matcher")
	}
	midOld, err := Mean(reference)
	if err != nil {
		return ICPResult{}, err
	}

	result := ICPResult{
		Transform: Identity(),
		Cost:      1.0,
		State:     ICPRunning,
	}
	running := Identity()
	var distances []float64

	midSample, err := Mean(sample)
	if err != nil {
		return ICPResult{}, err
	}
	driftLimit := maxDriftFactor * (radius(reference, midOld) + radius(sample, midSample) +
		midOld.Norm() + Distance(midSample, midOld))

	for result.Iterations < cfg.MaxIterations && math.Abs(result.Cost) > cfg.Epsilon {
		if !cfg.AccumulateCost {
			result.Cost = 0
		}
		step, cost, dists, err := refine(matcher, sample, midOld, running, cfg)
		if err != nil {
			return ICPResult{}, errors.Wrapf(err, "refinement step %d", result.Iterations+1)
		}
		result.Cost += cost
		result.Transform = result.Transform.Compose(step)
		result.Iterations++
		running = step
		distances = dists

		if err := checkDrift(sample, midOld, driftLimit); err != nil {
			return ICPResult{}, errors.Wrapf(err, "refinement step %d", result.Iterations)
		}
	}

	if math.Abs(result.Cost) <= cfg.Epsilon {
		result.State = ICPConverged
	} else {
		result.State = ICPExhausted
	}
	switch {
	case len(distances) > 1:
		result.Residual.Mean, result.Residual.StdDev = stat.MeanStdDev(distances, nil)
	case len(distances) == 1:
		result.Residual.Mean = distances[0]
	}
	return result, nil
}

// maxDriftFactor bounds how far the aligned sample centroid may move from the
// reference centroid, in units of the combined extent of both clouds, the
// reference centroid's distance from the origin and the initial offset.
const maxDriftFactor = 100

// radius is the largest distance of any point from center.
func radius(points []r3.Vector, center r3.Vector) float64 {
	var r float64
	for _, p := range points {
		r = math.Max(r, Distance(p, center))
	}
	return r
}

// checkDrift rejects a sample whose centroid has run away from the reference.
func checkDrift(sample []r3.Vector, midOld r3.Vector, limit float64) error {
	mid, err := Mean(sample)
	if err != nil {
		return err
	}
	if drift := Distance(mid, midOld); !(drift <= limit) {
		return &IllConditionedTransformError{
			Reason: fmt.Sprintf("registration diverged: sample centroid is %.3g from the map centroid (limit %.3g)", drift, limit),
		}
	}
	return nil
}

// refine runs one refinement step: draw correspondences, build the
// cross-covariance, estimate the step transform and move sample by it.
// It returns the step transform, the step's cost and the sampled distances.
func refine(matcher Matcher, sample []r3.Vector, midOld r3.Vector, running Transform, cfg ICPConfig) (Transform, float64, []float64, error) {
	midNew, err := Mean(sample)
	if err != nil {
		return Transform{}, 0, nil, err
	}

	var u [9]float64
	var cost float64
	distances := make([]float64, cfg.SamplesPerIteration)
	for k := 0; k < cfg.SamplesPerIteration; k++ {
		p := sample[cfg.RNG.Intn(len(sample))]
		x, err := matcher.Closest(p)
		if err != nil {
			return Transform{}, 0, nil, err
		}

		qs := p.Sub(midNew)
		qd := x.Sub(midOld)
		s := [3]float64{qs.X, qs.Y, qs.Z}
		d := [3]float64{qd.X, qd.Y, qd.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				u[3*i+j] += s[i] * d[j]
			}
		}

		dist := Distance(x, running.Rotate(p))
		cost += dist
		distances[k] = dist
	}

	step, err := cfg.Estimator.Estimate(Covariance{
		U:      mat.NewDense(3, 3, u[:]),
		MidOld: midOld,
		MidNew: midNew,
	}, running)
	if err != nil {
		return Transform{}, 0, nil, err
	}

	for i, p := range sample {
		sample[i] = step.Apply(p)
	}
	return step, cost, distances, nil
}
