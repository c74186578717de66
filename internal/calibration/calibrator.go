// Package calibration converts between pixel measurements and metres using a
// per-camera pixels-per-metre ratio.
package calibration

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
)

// ModeReferenceObject derives the ratio from two points of known real distance
const ModeReferenceObject = "reference_object"

// centimetreRatioThreshold is the ratio below which the real coordinates are
// assumed to have been entered in centimetres. Typical ratios are 50-500 px/m.
// This guess has no geometric validation and misfires on very wide or very
// close views.
const centimetreRatioThreshold = 10.0

const metersToFeet = 3.28084

var (
	// ErrNotCalibrated is returned when points are insufficient or degenerate
	ErrNotCalibrated = errors.New("not calibrated")
	// ErrUnsupportedMode is returned for calibration modes other than reference_object
	ErrUnsupportedMode = errors.New("unsupported calibration mode")
)

// Point pairs a pixel coordinate with its real-world coordinate
type Point struct {
	PixelX float64 `json:"pixel_x"`
	PixelY float64 `json:"pixel_y"`
	RealX  float64 `json:"real_x"`
	RealY  float64 `json:"real_y"`
}

// Calibrate derives pixels-per-metre from the first two points
func Calibrate(points []Point) (float64, error) {
	if len(points) < 2 {
		return 0, fmt.Errorf("need at least 2 points, got %d: %w", len(points), ErrNotCalibrated)
	}
	p1, p2 := points[0], points[1]

	pixelDist := math.Hypot(p2.PixelX-p1.PixelX, p2.PixelY-p1.PixelY)
	realDist := math.Hypot(p2.RealX-p1.RealX, p2.RealY-p1.RealY)
	if pixelDist == 0 || realDist == 0 {
		return 0, fmt.Errorf("zero distance between calibration points: %w", ErrNotCalibrated)
	}

	ratio := pixelDist / realDist
	if ratio < centimetreRatioThreshold {
		log.Printf("[Calibration] Ratio %.4f looks like pixels/cm, converting to pixels/m", ratio)
		ratio *= 100
	}
	log.Printf("[Calibration] Calibrated: %.2f pixels/meter", ratio)
	return ratio, nil
}

// CalibrateMode dispatches on the calibration mode
func CalibrateMode(mode string, points []Point) (float64, error) {
	if mode != ModeReferenceObject {
		return 0, fmt.Errorf("%q: %w", mode, ErrUnsupportedMode)
	}
	return Calibrate(points)
}

// ToMeters converts a pixel coordinate into metres
func ToMeters(x, y, pixelsPerMeter float64) (float64, float64) {
	return x / pixelsPerMeter, y / pixelsPerMeter
}

// Distance returns the real-world distance between two pixel coordinates
func Distance(x1, y1, x2, y2, pixelsPerMeter float64) float64 {
	rx1, ry1 := ToMeters(x1, y1, pixelsPerMeter)
	rx2, ry2 := ToMeters(x2, y2, pixelsPerMeter)
	return math.Hypot(rx2-rx1, ry2-ry1)
}

// Position is a point in metres
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CameraDistance locates a pixel relative to the image origin, which stands
// in for the camera position
type CameraDistance struct {
	PositionMeters Position `json:"position_meters"`
	Meters         float64  `json:"distance_from_camera_m"`
	Feet           float64  `json:"distance_from_camera_ft"`
}

// DistanceFromCamera converts a centroid into a position and distance from the origin
func DistanceFromCamera(x, y, pixelsPerMeter float64) CameraDistance {
	rx, ry := ToMeters(x, y, pixelsPerMeter)
	d := math.Hypot(rx, ry)
	return CameraDistance{
		PositionMeters: Position{X: rx, Y: ry},
		Meters:         d,
		Feet:           d * metersToFeet,
	}
}

// State is a camera's calibration record
type State struct {
	mu             sync.RWMutex
	calibrated     bool
	pixelsPerMeter float64
	mode           string
	points         []Point
}

// Snapshot is a copy of a calibration record
type Snapshot struct {
	Calibrated     bool    `json:"is_calibrated"`
	PixelsPerMeter float64 `json:"pixels_per_meter"`
	Mode           string  `json:"calibration_mode"`
	Points         []Point `json:"calibration_points"`
}

// Apply calibrates from points and stores the result. On failure the
// previous record is kept.
func (s *State) Apply(mode string, points []Point) (float64, error) {
	ratio, err := CalibrateMode(mode, points)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrated = true
	s.pixelsPerMeter = ratio
	s.mode = mode
	s.points = append([]Point(nil), points...)
	return ratio, nil
}

// Restore loads a previously computed record without recalculating
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrated = snap.Calibrated && snap.PixelsPerMeter > 0
	s.pixelsPerMeter = snap.PixelsPerMeter
	s.mode = snap.Mode
	s.points = append([]Point(nil), snap.Points...)
}

// Clear resets the record
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrated = false
	s.pixelsPerMeter = 0
	s.mode = ""
	s.points = nil
}

// Ratio returns the pixels-per-metre ratio and whether it is valid
func (s *State) Ratio() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelsPerMeter, s.calibrated
}

// Snapshot returns a copy of the record
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Calibrated:     s.calibrated,
		PixelsPerMeter: s.pixelsPerMeter,
		Mode:           s.mode,
		Points:         append([]Point(nil), s.points...),
	}
}
