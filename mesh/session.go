package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameListener is notified after every committed frame, outside the session lock.
type FrameListener func(result FrameResult, status Status)

// Session owns one map. Frames submitted from any goroutine are queued and
// registered one at a time by Run; readers get snapshots.
//
// Registration runs outside mu against a copy of the map state, so readers
// and Submit only wait for the commit, never for ICP.
type Session struct {
	regMu sync.Mutex // serializes registrations

	mu         sync.RWMutex
	id         string
	acc        *Accumulator
	generation uint64 // bumped by Reset
	last       *FrameResult
	lastAt     time.Time
	startedAt  time.Time
	failures   int

	recording atomic.Bool

	queue     chan []r3.Vector
	listeners []FrameListener
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// NewSession creates a recording session. A nil clock uses the wall clock and
// a nil logger disables logging.
func NewSession(config ICPConfig, queueSize int, logger *zap.SugaredLogger, clk clock.Clock) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Session{
		id:        uuid.NewString(),
		acc:    NewAccumulator(config, logger),
		queue:  make(chan []r3.Vector, queueSize),
		clock:  clk,
		logger: logger,
	}
	s.recording.Store(true)
	s.startedAt = clk.Now()
	return s
}

// ID returns the session identifier. It changes on every Reset.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// OnFrame registers a listener for committed frames.
func (s *Session) OnFrame(l FrameListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Submit queues a frame for Run without blocking.
func (s *Session) Submit(frame []r3.Vector) error {
	if !s.Recording() {
		return ErrNotRecording
	}
	if len(frame) == 0 {
		return ErrEmptyFrame
	}
	select {
	case s.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run registers queued frames until ctx is done. Cancellation is observed
// between frames only.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.queue:
			if _, err := s.AddFrame(frame); err != nil {
				s.logger.Warnw("dropping frame", "points", len(frame), "error", err)
			}
		}
	}
}

// AddFrame registers frame synchronously and notifies listeners. A Reset
// that lands while the frame is being registered restarts its registration
// against the new map.
func (s *Session) AddFrame(frame []r3.Vector) (FrameResult, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	for {
		s.mu.RLock()
		cur, gen := s.acc.state, s.generation
		s.mu.RUnlock()

		next, result, err := s.acc.register(cur, frame)

		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			s.logger.Debugw("map reset during registration, retrying", "points", len(frame))
			continue
		}
		if err != nil {
			s.failures++
			s.mu.Unlock()
			return FrameResult{}, err
		}
		s.acc.commit(next, frame)
		s.last = &result
		s.lastAt = s.clock.Now()
		status := s.statusLocked()
		listeners := append([]FrameListener(nil), s.listeners...)
		s.mu.Unlock()

		for _, l := range listeners {
			l(result, status)
		}
		return result, nil
	}
}

// Reset clears the map and starts a new session ID. Frames already queued are
// registered against the new map.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acc.Reset()
	s.generation++
	s.id = uuid.NewString()
	s.last = nil
	s.lastAt = time.Time{}
	s.failures = 0
	s.startedAt = s.clock.Now()
	s.logger.Infow("session reset", "session", s.id)
}

// SetRecording pauses or resumes frame intake.
func (s *Session) SetRecording(recording bool) {
	if s.recording.Swap(recording) != recording {
		s.logger.Infow("recording toggled", "recording", recording)
	}
}

// Recording reports whether Submit accepts frames.
func (s *Session) Recording() bool {
	return s.recording.Load()
}

// Points returns a copy of the merged map.
func (s *Session) Points() []r3.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acc.Points()
}

// History returns a copy of the local transform history.
func (s *Session) History() []Transform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acc.History()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		SessionID:  s.id,
		Recording:  s.recording.Load(),
		StartedAt:  s.startedAt,
		Frames:     s.acc.Frames(),
		Points:     s.acc.Len(),
		Failures:   s.failures,
		Cumulative: s.acc.Cumulative(),
		QueueDepth: len(s.queue),
	}
	if s.last != nil {
		last := *s.last
		st.LastFrame = &last
		at := s.lastAt
		st.LastFrameAt = &at
	}
	st.Path = Trajectory(s.acc.state.history)
	st.PathLength = PathLength(st.Path)
	st.Footprint = Footprint(s.acc.state.points)
	return st
}
