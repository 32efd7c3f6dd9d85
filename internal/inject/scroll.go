package inject

import (
	"sync"
	"time"
)

// scrollIdleTimeout is how long without a scroll event before is_scrolling
// reports false (§4.6: "declares is_scrolling=false after 200 ms of
// idleness").
const scrollIdleTimeout = 200 * time.Millisecond

// ScrollPhysics estimates scroll velocity (px/s) from per-event deltas,
// grounded on the teacher's ActivityTracker EMA style
// (agent/internal/remote/desktop/adaptive.go) generalized from a single
// bitrate sample to a 2-D velocity with an idleness cutoff.
type ScrollPhysics struct {
	mu       sync.Mutex
	now      func() time.Time
	lastSeen time.Time
	vx, vy   float64
}

// NewScrollPhysics creates an estimator. now defaults to time.Now; pass a
// fixed clock in tests.
func NewScrollPhysics(now func() time.Time) *ScrollPhysics {
	if now == nil {
		now = time.Now
	}
	return &ScrollPhysics{now: now}
}

// Observe records one scroll event's delta, computing instantaneous
// velocity against the time since the previous observation.
func (s *ScrollPhysics) Observe(dx, dy float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastSeen.IsZero() {
		dt := now.Sub(s.lastSeen).Seconds()
		if dt > 0 {
			s.vx = float64(dx) / dt
			s.vy = float64(dy) / dt
		}
	}
	s.lastSeen = now
}

// Velocity returns the last-observed scroll velocity in px/s, or (0, 0) if
// idle for longer than the idleness cutoff.
func (s *ScrollPhysics) Velocity() (vx, vy float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeen.IsZero() || s.now().Sub(s.lastSeen) >= scrollIdleTimeout {
		return 0, 0
	}
	return s.vx, s.vy
}

// IsScrolling reports whether a scroll event was observed within the
// idleness cutoff.
func (s *ScrollPhysics) IsScrolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeen.IsZero() {
		return false
	}
	return s.now().Sub(s.lastSeen) < scrollIdleTimeout
}
