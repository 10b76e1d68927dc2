package mesh

import (
	"encoding/json"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Transform is a homogeneous 4x4 rigid transform in row-vector convention:
// a point p maps to p·M. The rotation lives in the top-left 3x3 block and the
// translation in the last row.
type Transform struct {
	M mgl64.Mat4
}

// Identity returns the identity transform
func Identity() Transform {
	return Transform{M: mgl64.Ident4()}
}

// Translation returns a pure translation by (x, y, z)
func Translation(x, y, z float64) Transform {
	t := Identity()
	t.M.Set(3, 0, x)
	t.M.Set(3, 1, y)
	t.M.Set(3, 2, z)
	return t
}

// RotationX returns a rotation of angle radians about the X axis.
func RotationX(angle float64) Transform {
	s, c := math.Sincos(angle)
	return fromRotation([3][3]float64{
		{1, 0, 0},
		{0, c, s},
		{0, -s, c},
	})
}

// RotationY returns a rotation of angle radians about the Y axis.
func RotationY(angle float64) Transform {
	s, c := math.Sincos(angle)
	return fromRotation([3][3]float64{
		{c, 0, -s},
		{0, 1, 0},
		{s, 0, c},
	})
}

// RotationZ returns a rotation of angle radians about the Z axis.
// Row vectors rotate counter-clockwise when viewed from +Z.
func RotationZ(angle float64) Transform {
	s, c := math.Sincos(angle)
	return fromRotation([3][3]float64{
		{c, s, 0},
		{-s, c, 0},
		{0, 0, 1},
	})
}

func fromRotation(r [3][3]float64) Transform {
	t := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.M.Set(i, j, r[i][j])
		}
	}
	return t
}

// newRigidTransform assembles a transform from a rotation block and a
// translation row. The fourth column is (0, 0, 0, 1).
func newRigidTransform(r [3][3]float64, t r3.Vector) Transform {
	out := fromRotation(r)
	out.M.Set(3, 0, t.X)
	out.M.Set(3, 1, t.Y)
	out.M.Set(3, 2, t.Z)
	return out
}

// Apply maps p through the transform with homogeneous coordinate w = 1, so
// both the rotation and the translation take effect.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.apply(p, 1)
}

// Rotate maps p with homogeneous coordinate w = 0: only the rotation block
// acts on p and the translation row is ignored.
func (t Transform) Rotate(p r3.Vector) r3.Vector {
	return t.apply(p, 0)
}

func (t Transform) apply(p r3.Vector, w float64) r3.Vector {
	// (v·M)_j = Σ_i v_i M[i][j] = (Mᵗ·v)_j
	out := t.M.Transpose().Mul4x1(mgl64.Vec4{p.X, p.Y, p.Z, w})
	return r3.Vector{X: out[0], Y: out[1], Z: out[2]}
}

// Compose returns t·other. Applying the result equals applying t first and
// other second.
func (t Transform) Compose(other Transform) Transform {
	return Transform{M: t.M.Mul4(other.M)}
}

// RotationBlock returns the top-left 3x3 block.
func (t Transform) RotationBlock() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = t.M.At(i, j)
		}
	}
	return r
}

// TranslationRow returns the translation stored in the last row. For a
// cumulative transform this is the sensor origin expressed in map space.
func (t Transform) TranslationRow() r3.Vector {
	return r3.Vector{X: t.M.At(3, 0), Y: t.M.At(3, 1), Z: t.M.At(3, 2)}
}

// ApproxEqual reports whether every entry of t is within tol of other.
func (t Transform) ApproxEqual(other Transform, tol float64) bool {
	for i := range t.M {
		if math.Abs(t.M[i]-other.M[i]) > tol {
			return false
		}
	}
	return true
}

// IsFinite reports whether every entry is a finite number.
func (t Transform) IsFinite() bool {
	for _, v := range t.M {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Rows returns the matrix in row-major order.
func (t Transform) Rows() [4][4]float64 {
	var rows [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			rows[i][j] = t.M.At(i, j)
		}
	}
	return rows
}

// MarshalJSON encodes the transform as four rows of four numbers.
func (t Transform) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Rows())
}

// UnmarshalJSON decodes the row-major form written by MarshalJSON.
func (t *Transform) UnmarshalJSON(data []byte) error {
	var rows [4][4]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return errors.Wrap(err, "decoding transform rows")
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			t.M.Set(i, j, rows[i][j])
		}
	}
	return nil
}

// TransformPoints applies t to every point and returns a new slice
func TransformPoints(points []r3.Vector, t Transform) []r3.Vector {
	result := make([]r3.Vector, len(points))
	for i, p := range points {
		result[i] = t.Apply(p)
	}
	return result
}

// Mean returns the centroid of points.
func Mean(points []r3.Vector) (r3.Vector, error) {
	if len(points) == 0 {
		return r3.Vector{}, ErrEmptyFrame
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points))), nil
}
