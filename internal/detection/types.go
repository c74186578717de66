package detection

import "fmt"

// Detection represents a single object detection in pixel coordinates
type Detection struct {
	X1         float64 `json:"x1"`         // Left
	Y1         float64 `json:"y1"`         // Top
	X2         float64 `json:"x2"`         // Right
	Y2         float64 `json:"y2"`         // Bottom
	Confidence float64 `json:"confidence"` // Detection confidence [0-1]
	ClassID    int     `json:"class_id"`   // Model-specific class index
	Label      string  `json:"label"`      // Class name (person, car, etc.)
}

// Centroid returns the midpoint of the bounding box
func (d Detection) Centroid() (float64, float64) {
	return (d.X1 + d.X2) / 2.0, (d.Y1 + d.Y2) / 2.0
}

// Validate rejects malformed detections before they reach the tracker
func (d Detection) Validate() error {
	if d.X2 < d.X1 || d.Y2 < d.Y1 {
		return fmt.Errorf("invalid box (%.1f,%.1f,%.1f,%.1f)", d.X1, d.Y1, d.X2, d.Y2)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of range", d.Confidence)
	}
	return nil
}

// ModelResult is the outcome of running one model on one frame.
// Error is set instead of returning a Go error so one failing model never
// aborts its siblings.
type ModelResult struct {
	Detections []Detection `json:"detections"`
	Count      int         `json:"count"`
	Model      string      `json:"model"`
	Error      *string     `json:"error,omitempty"`
}

// FailedResult builds an empty result carrying an error message
func FailedResult(model string, msg string) *ModelResult {
	return &ModelResult{
		Detections: []Detection{},
		Count:      0,
		Model:      model,
		Error:      &msg,
	}
}
