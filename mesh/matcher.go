package mesh

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Distance is the Euclidean distance between a and b.
func Distance(a, b r3.Vector) float64 {
	return math.Sqrt(a.Sub(b).Norm2())
}

// FindClosest returns the reference point nearest to q by linear scan.
// Only a strictly smaller distance replaces the current best, so ties resolve
// to the earliest point in reference order.
func FindClosest(reference []r3.Vector, q r3.Vector) (r3.Vector, error) {
	if len(reference) == 0 {
		return r3.Vector{}, ErrEmptyReference
	}
	best := reference[0]
	bestDist := Distance(q, best)
	for _, p := range reference[1:] {
		if d := Distance(q, p); d < bestDist {
			best = p
			bestDist = d
		}
	}
	return best, nil
}

// Matcher answers nearest-neighbour queries against a fixed reference cloud.
type Matcher interface {
	Closest(q r3.Vector) (r3.Vector, error)
}

// MatcherFactory builds a Matcher over a reference cloud. It is invoked once
// per frame registration, never for the bootstrap frame.
type MatcherFactory func(reference []r3.Vector) (Matcher, error)

// LinearMatcher is the brute-force matcher with first-wins tie breaking.
type LinearMatcher struct {
	reference []r3.Vector
}

// NewLinearMatcher is a MatcherFactory for LinearMatcher.
func NewLinearMatcher(reference []r3.Vector) (Matcher, error) {
	if len(reference) == 0 {
		return nil, ErrEmptyReference
	}
	return &LinearMatcher{reference: reference}, nil
}

// Closest implements Matcher.
func (m *LinearMatcher) Closest(q r3.Vector) (r3.Vector, error) {
	return FindClosest(m.reference, q)
}

// KDTreeMatcher answers queries from a k-d tree. It returns the same point as
// LinearMatcher except when several reference points are equidistant.
type KDTreeMatcher struct {
	tree *kdtree.Tree
}

// NewKDTreeMatcher is a MatcherFactory for KDTreeMatcher. The reference slice
// is copied; kdtree.New reorders its input.
func NewKDTreeMatcher(reference []r3.Vector) (Matcher, error) {
	if len(reference) == 0 {
		return nil, ErrEmptyReference
	}
	pts := make(kdtree.Points, len(reference))
	for i, p := range reference {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	return &KDTreeMatcher{tree: kdtree.New(pts, false)}, nil
}

// Closest implements Matcher.
func (m *KDTreeMatcher) Closest(q r3.Vector) (r3.Vector, error) {
	got, _ := m.tree.Nearest(kdtree.Point{q.X, q.Y, q.Z})
	p, ok := got.(kdtree.Point)
	if !ok || len(p) != 3 {
		return r3.Vector{}, ErrEmptyReference
	}
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}, nil
}

// MatcherByName resolves a configured matcher name. Empty selects linear.
func MatcherByName(name string) (MatcherFactory, bool) {
	switch name {
	case "", "linear":
		return NewLinearMatcher, true
	case "kdtree":
		return NewKDTreeMatcher, true
	default:
		return nil, false
	}
}
