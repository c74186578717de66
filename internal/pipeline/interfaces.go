package pipeline

import (
	"context"

	"seedeep/internal/camera"
	"seedeep/internal/detection"
)

// FrameSubscription represents an active subscription to frame data
type FrameSubscription struct {
	CameraID string
	Channel  chan *FrameData
	Done     chan struct{} // Closed when subscription is cancelled
	Err      error         // Set before Done is closed when the source failed
}

// FrameProvider captures frames from camera sources and broadcasts to subscribers
type FrameProvider interface {
	// Start begins capturing frames from url and returns once the first
	// frame arrives. It fails when the source cannot be opened or yields
	// nothing within the connect timeout.
	Start(ctx context.Context, cameraID string, url string, fps int, width int, height int) error

	// Stop halts frame capture for a camera
	Stop(cameraID string) error

	// Subscribe returns a channel that receives frames for a camera
	// Caller must call Unsubscribe when done to prevent resource leaks
	Subscribe(cameraID string, bufferSize int) (*FrameSubscription, error)

	// Unsubscribe removes a frame subscription
	Unsubscribe(sub *FrameSubscription)

	// IsRunning returns true if a camera is actively capturing
	IsRunning(cameraID string) bool

	// GetStats returns capture statistics for a camera
	GetStats(cameraID string) *CaptureStats
}

// Detector runs one model on one frame. Failures are reported inside the
// returned result, never as a Go error.
type Detector interface {
	Detect(ctx context.Context, frame []byte, model string, classFilter []string) *detection.ModelResult
}

// CameraSource looks up stored camera configuration
type CameraSource interface {
	GetCamera(id string) (*camera.Camera, error)
}

var (
	_ Detector      = (*detection.Gateway)(nil)
	_ CameraSource  = (*camera.CameraManager)(nil)
	_ FrameProvider = (*FFmpegFrameProvider)(nil)
)
