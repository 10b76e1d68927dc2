package mesh

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// pathTolerance is the Douglas-Peucker tolerance for the published trajectory,
// in map units.
const pathTolerance = 0.01

// Status is a point-in-time view of a Session.
type Status struct {
	SessionID   string         `json:"sessionId"`
	Recording   bool           `json:"recording"`
	StartedAt   time.Time      `json:"startedAt"`
	Frames      int            `json:"frames"`
	Points      int            `json:"points"`
	Failures    int            `json:"failures"`
	QueueDepth  int            `json:"queueDepth"`
	Cumulative  Transform      `json:"cumulative"`
	LastFrame   *FrameResult   `json:"lastFrame,omitempty"`
	LastFrameAt *time.Time     `json:"lastFrameAt,omitempty"`
	Footprint   orb.Bound      `json:"footprint"`
	Path        orb.LineString `json:"path"`
	PathLength  float64        `json:"pathLength"`
}

// Trajectory returns the XY track of the sensor origin: the translation row
// of each cumulative product of history, starting with the initial identity.
// Collinear runs are simplified away.
func Trajectory(history []Transform) orb.LineString {
	if len(history) == 0 {
		return orb.LineString{}
	}
	ls := make(orb.LineString, 0, len(history))
	c := Identity()
	for _, l := range history {
		c = c.Compose(l)
		o := c.TranslationRow()
		ls = append(ls, orb.Point{o.X, o.Y})
	}
	if len(ls) < 3 {
		return ls
	}
	if s, ok := simplify.DouglasPeucker(pathTolerance).Simplify(ls.Clone()).(orb.LineString); ok {
		return s
	}
	return ls
}

// PathLength is the planar length of a trajectory.
func PathLength(ls orb.LineString) float64 {
	if len(ls) < 2 {
		return 0
	}
	return planar.Length(ls)
}

// Footprint is the XY bounding box of points. An empty cloud yields a zero bound.
func Footprint(points []r3.Vector) orb.Bound {
	if len(points) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{
		Min: orb.Point{points[0].X, points[0].Y},
		Max: orb.Point{points[0].X, points[0].Y},
	}
	for _, p := range points[1:] {
		b = b.Extend(orb.Point{p.X, p.Y})
	}
	return b
}
