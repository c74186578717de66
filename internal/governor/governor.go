// Package governor throttles a camera's frames to a target processing rate.
package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor decides which offered frames are processed. The first frame is
// always accepted; later frames are accepted once 1/fps has elapsed since the
// last accepted one. Rejected frames are meant to be discarded, never queued.
type Governor struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	targetFPS float64
	last      time.Time
	accepted  uint64
	start     time.Time
	now       func() time.Time
}

// New creates a governor for the given target rate. fps <= 0 accepts every frame.
func New(fps float64) *Governor {
	return newAt(fps, time.Now)
}

func newAt(fps float64, now func() time.Time) *Governor {
	return &Governor{
		limiter:   rate.NewLimiter(limitFor(fps), 1),
		targetFPS: fps,
		start:     now(),
		now:       now,
	}
}

func limitFor(fps float64) rate.Limit {
	if fps <= 0 {
		return rate.Inf
	}
	return rate.Limit(fps)
}

// Allow reports whether a frame offered now should be processed
func (g *Governor) Allow() bool {
	return g.AllowAt(g.now())
}

// AllowAt reports whether a frame offered at t should be processed
func (g *Governor) AllowAt(t time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.limiter.AllowN(t, 1) {
		return false
	}
	g.last = t
	g.accepted++
	return true
}

// SetTargetFPS changes the target rate as of now
func (g *Governor) SetTargetFPS(fps float64) {
	g.SetTargetFPSAt(g.now(), fps)
}

// SetTargetFPSAt changes the target rate as of t. Callers deciding on frame
// timestamps must pass one here too, so both share a clock.
func (g *Governor) SetTargetFPSAt(t time.Time, fps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targetFPS = fps
	g.limiter.SetLimitAt(t, limitFor(fps))
}

// TargetFPS returns the configured rate
func (g *Governor) TargetFPS() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.targetFPS
}

// Interval returns the minimum spacing between accepted frames
func (g *Governor) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.targetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / g.targetFPS)
}

// Accepted returns the number of frames accepted so far
func (g *Governor) Accepted() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// LastAccepted returns when the last frame was accepted (zero if none)
func (g *Governor) LastAccepted() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// ActualFPS returns accepted frames divided by elapsed wall time
func (g *Governor) ActualFPS() float64 {
	return g.ActualFPSAt(g.now())
}

// ActualFPSAt is ActualFPS evaluated at t
func (g *Governor) ActualFPSAt(t time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	elapsed := t.Sub(g.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(g.accepted) / elapsed
}

// Reset forgets all history; the next frame is accepted
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiter = rate.NewLimiter(limitFor(g.targetFPS), 1)
	g.last = time.Time{}
	g.accepted = 0
	g.start = g.now()
}
