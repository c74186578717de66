package pipeline

import (
	"time"

	"seedeep/internal/calibration"
	"seedeep/internal/detection"
	"seedeep/internal/tracking"
)

// TrackingKey is the results entry holding the tracking block
const TrackingKey = "tracking"

// activeTrackWindow is the time-since-update below which a track counts as active
const activeTrackWindow = 5

// FrameData represents a captured video frame
type FrameData struct {
	CameraID  string    // Camera identifier
	Data      []byte    // JPEG frame data
	Seq       uint64    // Frame sequence number
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// CaptureStats contains frame capture statistics
type CaptureStats struct {
	CameraID          string
	FramesCaptured    uint64
	FramesDropped     uint64
	LastFrameTime     int64 // Unix timestamp
	ReconnectAttempts uint64
}

// Results maps a model name to its *detection.ModelResult, plus the optional
// TrackingKey entry holding a *TrackingResult
type Results map[string]any

// Model returns the result recorded for a model
func (r Results) Model(name string) (*detection.ModelResult, bool) {
	res, ok := r[name].(*detection.ModelResult)
	return res, ok
}

// Tracking returns the tracking block, if tracking ran
func (r Results) Tracking() (*TrackingResult, bool) {
	res, ok := r[TrackingKey].(*TrackingResult)
	return res, ok
}

// TotalDetections sums the detection counts of every model
func (r Results) TotalDetections() int {
	total := 0
	for _, v := range r {
		if res, ok := v.(*detection.ModelResult); ok {
			total += res.Count
		}
	}
	return total
}

// ResultMessage is the per-frame message delivered to viewers
type ResultMessage struct {
	CameraID   string  `json:"camera_id"`
	Timestamp  int64   `json:"timestamp"` // Unix milliseconds
	Results    Results `json:"results"`
	Calibrated bool    `json:"calibrated"`
	Error      *string `json:"error,omitempty"`
	Frame      *string `json:"frame,omitempty"` // base64 JPEG, only for viewers that asked
}

// TrackingResult is the tracking block of a result message
type TrackingResult struct {
	TrackedObjects map[string]*TrackedObjectView `json:"tracked_objects"`
	Summary        TrackingSummary               `json:"summary"`
}

// TrackingSummary counts the live tracks
type TrackingSummary struct {
	TotalTracks  int `json:"total_tracks"`
	ActiveTracks int `json:"active_tracks"`
}

// TrackedObjectView is a tracked object as sent to viewers. Speed and
// distance fields are present only when those features apply.
type TrackedObjectView struct {
	TrackID            string     `json:"track_id"`
	ClassName          string     `json:"class_name"`
	BBox               [4]float64 `json:"bbox"`
	Centroid           [2]float64 `json:"centroid"`
	Confidence         float64    `json:"confidence"`
	Age                int        `json:"age"`
	Velocity           [2]float64 `json:"velocity"`
	DistanceTraveled   float64    `json:"distance_traveled"`
	TimeInFrameSeconds float64    `json:"time_in_frame_seconds"`
	TimeInFrameFrames  int        `json:"time_in_frame_frames"`

	*tracking.SpeedResult
	*calibration.CameraDistance
}

// StatusMessage is sent once when a viewer attaches to a camera
type StatusMessage struct {
	CameraID   string `json:"camera_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	StreamType string `json:"stream_type"`
	FPS        int    `json:"fps"`
}

// ErrorMessage reports a failure to a single viewer
type ErrorMessage struct {
	CameraID string `json:"camera_id,omitempty"`
	Error    string `json:"error"`
}

// Update is one processed frame as published to a camera's viewers. Frame
// holds the source JPEG so viewers that asked for frames can attach it.
// A non-nil Error is the last update of a camera whose source failed.
type Update struct {
	Message *ResultMessage
	Frame   []byte
	Error   *ErrorMessage
}
