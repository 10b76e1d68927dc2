package mesh

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyFrame is returned when a frame (or any point set that must be
	// averaged) contains no points.
	ErrEmptyFrame = errors.New("frame contains no points")

	// ErrEmptyReference is returned when nearest-neighbour search is asked to
	// search an empty reference cloud.
	ErrEmptyReference = errors.New("reference cloud contains no points")

	// ErrQueueFull is returned by Session.Submit when the frame queue is saturated.
	ErrQueueFull = errors.New("frame queue is full")

	// ErrNotRecording is returned by Session.Submit while recording is paused.
	ErrNotRecording = errors.New("session is not recording")

	// ErrPayloadTooLarge is returned when a frame payload inflates, or a
	// fetched body grows, past the size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// IllConditionedTransformError reports that a refinement step could not
// produce a usable rigid transform.
type IllConditionedTransformError struct {
	Reason         string
	SingularValues []float64
}

func (e *IllConditionedTransformError) Error() string {
	if len(e.SingularValues) == 0 {
		return "ill-conditioned transform: " + e.Reason
	}
	return fmt.Sprintf("ill-conditioned transform: %s (singular values %v)", e.Reason, e.SingularValues)
}
