package mesh

import (
	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// FrameResult describes one committed frame.
type FrameResult struct {
	Frame        int        `json:"frame"` // 1-based count of frames in the map
	Bootstrap    bool       `json:"bootstrap"`
	Local        Transform  `json:"local"`
	Cumulative   Transform  `json:"cumulative"`
	Registration *ICPResult `json:"registration,omitempty"` // nil for the bootstrap frame
	PointsAdded  int        `json:"pointsAdded"`
	MapSize      int        `json:"mapSize"`
}

// mapState is everything AddFrame commits in one step.
type mapState struct {
	points     []r3.Vector
	history    []Transform
	cumulative Transform
}

func newMapState() mapState {
	return mapState{
		history:    []Transform{Identity()},
		cumulative: Identity(),
	}
}

// Accumulator grows a merged point cloud one frame at a time. It is not safe
// for concurrent use; Session serializes access.
type Accumulator struct {
	config ICPConfig
	logger *zap.SugaredLogger
	state  mapState
}

// NewAccumulator creates an empty accumulator. A nil logger disables logging.
func NewAccumulator(config ICPConfig, logger *zap.SugaredLogger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Accumulator{
		config: config.withDefaults(),
		logger: logger,
		state:  newMapState(),
	}
}

// Reset discards the map, the transform history and the cumulative transform.
func (a *Accumulator) Reset() {
	a.state = newMapState()
	a.logger.Debug("accumulator reset")
}

// AddFrame registers frame against the map and appends it.
//
// The frame is first moved by the cumulative transform. The first frame after
// a reset becomes the map as is. Later frames are aligned with RegisterFrame
// and the resulting local transform is composed onto the cumulative one.
//
// On success frame is overwritten with the registered coordinates. On error
// neither the accumulator nor frame is modified.
func (a *Accumulator) AddFrame(frame []r3.Vector) (FrameResult, error) {
	next, result, err := a.register(a.state, frame)
	if err != nil {
		return FrameResult{}, err
	}
	a.commit(next, frame)
	return result, nil
}

// register computes the state that adding frame to cur would produce. It
// modifies neither the accumulator nor frame.
func (a *Accumulator) register(cur mapState, frame []r3.Vector) (mapState, FrameResult, error) {
	if len(frame) == 0 {
		return mapState{}, FrameResult{}, ErrEmptyFrame
	}

	work := TransformPoints(frame, cur.cumulative)
	result := FrameResult{Local: Identity()}

	aligned := work
	if len(cur.points) == 0 {
		result.Bootstrap = true
	} else {
		sample := make([]r3.Vector, len(work))
		copy(sample, work)
		icp, err := RegisterFrame(cur.points, sample, a.config)
		if err != nil {
			a.logger.Warnw("frame registration failed", "frame", len(cur.history), "points", len(frame), "error", err)
			return mapState{}, FrameResult{}, err
		}
		result.Local = icp.Transform
		result.Registration = &icp
		aligned = TransformPoints(work, icp.Transform)
	}

	next := mapState{
		points:     append(cur.points[:len(cur.points):len(cur.points)], aligned...),
		history:    append(cur.history[:len(cur.history):len(cur.history)], result.Local),
		cumulative: cur.cumulative.Compose(result.Local),
	}

	result.Frame = len(next.history) - 1
	result.Cumulative = next.cumulative
	result.PointsAdded = len(aligned)
	result.MapSize = len(next.points)

	if result.Registration != nil {
		a.logger.Debugw("frame registered",
			"frame", result.Frame,
			"state", result.Registration.State,
			"iterations", result.Registration.Iterations,
			"cost", result.Registration.Cost,
			"mapSize", result.MapSize)
	} else {
		a.logger.Debugw("map bootstrapped", "points", result.PointsAdded)
	}
	return next, result, nil
}

// commit installs next and overwrites frame with its registered coordinates,
// which are the last len(frame) points of the map.
func (a *Accumulator) commit(next mapState, frame []r3.Vector) {
	a.state = next
	copy(frame, next.points[len(next.points)-len(frame):])
}

// Points returns a copy of the merged map.
func (a *Accumulator) Points() []r3.Vector {
	out := make([]r3.Vector, len(a.state.points))
	copy(out, a.state.points)
	return out
}

// Len returns the number of points in the map.
func (a *Accumulator) Len() int {
	return len(a.state.points)
}

// Frames returns the number of frames committed since the last reset.
func (a *Accumulator) Frames() int {
	return len(a.state.history) - 1
}

// Cumulative returns the product of every local transform so far.
func (a *Accumulator) Cumulative() Transform {
	return a.state.cumulative
}

// History returns a copy of the local transforms, starting with the initial identity.
func (a *Accumulator) History() []Transform {
	out := make([]Transform, len(a.state.history))
	copy(out, a.state.history)
	return out
}
