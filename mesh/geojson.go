package mesh

import (
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature IDs used by MapToFeatureCollection.
const (
	FeatureFootprint  = "footprint"
	FeatureTrajectory = "trajectory"
	FeaturePoints     = "points"
)

// MapToFeatureCollection exports a top-down view of the map: the XY
// footprint polygon, the sensor trajectory and the points reduced to one per
// snapped XY cell (snap <= 0 keeps all of them). Heights are carried in the
// "z" property of the points feature, in the same order as its coordinates.
func MapToFeatureCollection(points []r3.Vector, status Status, snap float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(points) > 0 {
		minZ, maxZ := zRange(points)
		f := geojson.NewFeature(Footprint(points).ToPolygon())
		f.ID = FeatureFootprint
		f.Properties["sessionId"] = status.SessionID
		f.Properties["points"] = len(points)
		f.Properties["minZ"] = minZ
		f.Properties["maxZ"] = maxZ
		fc.Append(f)
	}

	if len(status.Path) > 0 {
		var geom orb.Geometry = status.Path
		if len(status.Path) == 1 {
			geom = status.Path[0]
		}
		f := geojson.NewFeature(geom)
		f.ID = FeatureTrajectory
		f.Properties["sessionId"] = status.SessionID
		f.Properties["frames"] = status.Frames
		f.Properties["length"] = status.PathLength
		fc.Append(f)
	}

	if len(points) > 0 {
		kept := decimateXY(points, snap)
		mp := make(orb.MultiPoint, len(kept))
		z := make([]float64, len(kept))
		for i, p := range kept {
			mp[i] = orb.Point{p.X, p.Y}
			z[i] = p.Z
		}
		f := geojson.NewFeature(mp)
		f.ID = FeaturePoints
		f.Properties["sessionId"] = status.SessionID
		f.Properties["snap"] = snap
		f.Properties["z"] = z
		fc.Append(f)
	}

	return fc
}
