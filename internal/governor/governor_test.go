package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGovernor_AcceptsAtTargetInterval(t *testing.T) {
	t.Parallel()
	g := newAt(10, fixedClock(epoch))

	var accepted, dropped []float64
	for _, ts := range []float64{0, 0.05, 0.12, 0.21} {
		if g.AllowAt(at(ts)) {
			accepted = append(accepted, ts)
		} else {
			dropped = append(dropped, ts)
		}
	}

	assert.Equal(t, []float64{0, 0.12}, accepted)
	assert.Equal(t, []float64{0.05, 0.21}, dropped)
	assert.Equal(t, uint64(2), g.Accepted())
	assert.Equal(t, at(0.12), g.LastAccepted())
}

func TestGovernor_FirstFrameAlwaysAccepted(t *testing.T) {
	t.Parallel()
	g := newAt(0.5, fixedClock(epoch))
	assert.True(t, g.AllowAt(epoch))
	assert.False(t, g.AllowAt(at(1)))
	assert.True(t, g.AllowAt(at(2)))
}

func TestGovernor_NonPositiveFPSAcceptsAll(t *testing.T) {
	t.Parallel()
	for _, fps := range []float64{0, -5} {
		g := newAt(fps, fixedClock(epoch))
		for i := 0; i < 10; i++ {
			assert.True(t, g.AllowAt(epoch))
		}
		assert.Equal(t, time.Duration(0), g.Interval())
	}
}

func TestGovernor_SetTargetFPS(t *testing.T) {
	t.Parallel()
	g := newAt(1, fixedClock(epoch))

	assert.True(t, g.AllowAt(at(0)))
	assert.False(t, g.AllowAt(at(0.5)))

	g.SetTargetFPS(0)
	assert.True(t, g.AllowAt(at(0.51)))
	assert.True(t, g.AllowAt(at(0.52)))
	assert.Equal(t, float64(0), g.TargetFPS())
}

func TestGovernor_SetTargetFPSAtFrameTime(t *testing.T) {
	t.Parallel()
	// the wall clock lags the frame timestamps by an hour
	g := newAt(10, fixedClock(epoch.Add(-time.Hour)))

	assert.True(t, g.AllowAt(at(0)))
	g.SetTargetFPSAt(at(0.05), 5)

	// half a token at the change plus 10ms at 5 fps is still short of one
	assert.False(t, g.AllowAt(at(0.06)))
	assert.True(t, g.AllowAt(at(0.25)))
	assert.Equal(t, float64(5), g.TargetFPS())
}

func TestGovernor_ActualFPS(t *testing.T) {
	t.Parallel()
	g := newAt(0, fixedClock(epoch))

	assert.Zero(t, g.ActualFPSAt(epoch))
	for i := 0; i < 20; i++ {
		g.AllowAt(at(float64(i) * 0.1))
	}
	assert.InDelta(t, 10.0, g.ActualFPSAt(at(2)), 1e-9)
}

func TestGovernor_Reset(t *testing.T) {
	t.Parallel()
	g := newAt(1, fixedClock(epoch))

	assert.True(t, g.AllowAt(at(0)))
	assert.False(t, g.AllowAt(at(0.1)))

	g.Reset()
	assert.Zero(t, g.Accepted())
	assert.True(t, g.LastAccepted().IsZero())
	assert.True(t, g.AllowAt(at(0.2)))
}

func TestGovernor_Interval(t *testing.T) {
	t.Parallel()
	g := New(4)
	assert.Equal(t, 250*time.Millisecond, g.Interval())
}
