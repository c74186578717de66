package tracking

import "math"

// DefaultFPS is assumed when a camera reports no frame rate
const DefaultFPS = 30

// SpeedResult holds an object's speed derived from its per-frame velocity.
// The metric fields are nil unless the camera is calibrated.
type SpeedResult struct {
	SpeedPxPerSec float64  `json:"speed_px_per_sec"`
	VelocityX     float64  `json:"velocity_x"`
	VelocityY     float64  `json:"velocity_y"`
	SpeedMPerSec  *float64 `json:"speed_m_per_sec,omitempty"`
	SpeedKmh      *float64 `json:"speed_kmh,omitempty"`
}

// Speed converts a px/frame velocity into px/s and, when pixelsPerMeter is
// positive, into m/s and km/h
func Speed(velocity Point, fps float64, pixelsPerMeter float64) SpeedResult {
	if fps <= 0 {
		fps = DefaultFPS
	}
	speedPx := math.Hypot(velocity.X, velocity.Y) * fps
	res := SpeedResult{
		SpeedPxPerSec: speedPx,
		VelocityX:     velocity.X * fps,
		VelocityY:     velocity.Y * fps,
	}
	if pixelsPerMeter > 0 {
		ms := speedPx / pixelsPerMeter
		kmh := ms * 3.6
		res.SpeedMPerSec = &ms
		res.SpeedKmh = &kmh
	}
	return res
}
