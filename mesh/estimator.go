package mesh

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// minSingularValue is the largest singular value below which a covariance is
// treated as zero: every sampled pair sits on its centroid.
const minSingularValue = 1e-12

// Covariance is the 3x3 cross-covariance Σ (p - midNew) ⊗ (x - midOld)
// accumulated over one refinement step, together with both centroids.
type Covariance struct {
	U      *mat.Dense
	MidOld r3.Vector
	MidNew r3.Vector
}

// Estimator turns a cross-covariance into the rigid transform for one
// refinement step. running is the transform produced by the previous step
// (identity on the first).
type Estimator interface {
	Name() string
	Estimate(cov Covariance, running Transform) (Transform, error)
}

// DirectEstimator uses the rotation A·Bᵗ from U = A·Σ·Bᵗ and translates by
// midOld minus midNew rotated by the running transform.
type DirectEstimator struct{}

// Name implements Estimator.
func (DirectEstimator) Name() string { return "direct" }

// Estimate implements Estimator.
func (DirectEstimator) Estimate(cov Covariance, running Transform) (Transform, error) {
	a, b, values, err := decompose(cov.U)
	if err != nil {
		return Transform{}, err
	}
	var r mat.Dense
	r.Mul(a, b.T())

	t := cov.MidOld.Sub(running.Rotate(cov.MidNew))
	return finish(&r, t, values)
}

// KabschEstimator corrects reflections with A·diag(1,1,d)·Bᵗ, d = sign(det(A·Bᵗ)),
// and translates by midOld minus midNew rotated by the new rotation.
type KabschEstimator struct{}

// Name implements Estimator.
func (KabschEstimator) Name() string { return "kabsch" }

// Estimate implements Estimator.
func (KabschEstimator) Estimate(cov Covariance, running Transform) (Transform, error) {
	a, b, values, err := decompose(cov.U)
	if err != nil {
		return Transform{}, err
	}
	r := new(mat.Dense)
	r.Mul(a, b.T())
	if mat.Det(r) < 0 {
		var ad mat.Dense
		ad.Mul(a, mat.NewDiagDense(3, []float64{1, 1, -1}))
		r = new(mat.Dense)
		r.Mul(&ad, b.T())
	}

	rot := fromRotation(toArray(r))
	t := cov.MidOld.Sub(rot.Rotate(cov.MidNew))
	return finish(r, t, values)
}

// EstimatorByName resolves a configured estimator name. Empty selects direct.
func EstimatorByName(name string) (Estimator, bool) {
	switch name {
	case "", "direct":
		return DirectEstimator{}, true
	case "kabsch":
		return KabschEstimator{}, true
	default:
		return nil, false
	}
}

func decompose(u *mat.Dense) (a, b *mat.Dense, values []float64, err error) {
	var svd mat.SVD
	if ok := svd.Factorize(u, mat.SVDFull); !ok {
		return nil, nil, nil, &IllConditionedTransformError{Reason: "singular value decomposition failed"}
	}
	values = svd.Values(nil)
	if !(values[0] > minSingularValue) {
		return nil, nil, nil, &IllConditionedTransformError{
			Reason:         "cross-covariance is zero",
			SingularValues: values,
		}
	}
	a, b = new(mat.Dense), new(mat.Dense)
	svd.UTo(a)
	svd.VTo(b)
	return a, b, values, nil
}

func finish(r *mat.Dense, t r3.Vector, values []float64) (Transform, error) {
	out := newRigidTransform(toArray(r), t)
	if !out.IsFinite() {
		return Transform{}, &IllConditionedTransformError{
			Reason:         "transform has non-finite entries",
			SingularValues: values,
		}
	}
	return out, nil
}

func toArray(m mat.Matrix) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
