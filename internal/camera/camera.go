package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"seedeep/internal/calibration"
)

// Defaults applied when a camera is created without explicit values
const (
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 15
)

var (
	// ErrCameraNotFound is returned when no camera has the requested ID
	ErrCameraNotFound = errors.New("camera not found")
	// ErrInvalidCamera is returned when camera parameters are rejected
	ErrInvalidCamera = errors.New("invalid camera")
	// ErrNoStreamURL is returned when a camera has no source configured
	ErrNoStreamURL = errors.New("camera has no stream URL")
)

// Features toggles the per-camera analysis stages
type Features struct {
	Detection        bool                `json:"detection"`
	Tracking         bool                `json:"tracking"`
	Speed            bool                `json:"speed"`
	Distance         bool                `json:"distance"`
	Counting         bool                `json:"counting"`
	ClassFilters     map[string][]string `json:"class_filters"`
	TrackingClasses  []string            `json:"tracking_classes"`
	SpeedClasses     []string            `json:"speed_classes"`
	DistanceClasses  []string            `json:"distance_classes"`
	DetectionClasses []string            `json:"detection_classes"`
}

// DefaultFeatures returns detection on and everything else off
func DefaultFeatures() Features {
	return Features{
		Detection:        true,
		ClassFilters:     map[string][]string{},
		TrackingClasses:  []string{},
		SpeedClasses:     []string{},
		DistanceClasses:  []string{},
		DetectionClasses: []string{},
	}
}

// Clone returns a deep copy
func (f Features) Clone() Features {
	out := f
	if f.ClassFilters != nil {
		out.ClassFilters = make(map[string][]string, len(f.ClassFilters))
		for k, v := range f.ClassFilters {
			out.ClassFilters[k] = append([]string(nil), v...)
		}
	}
	out.TrackingClasses = cloneStrings(f.TrackingClasses)
	out.SpeedClasses = cloneStrings(f.SpeedClasses)
	out.DistanceClasses = cloneStrings(f.DistanceClasses)
	out.DetectionClasses = cloneStrings(f.DetectionClasses)
	return out
}

// FeaturesPatch carries a partial feature update; nil fields are left unchanged
type FeaturesPatch struct {
	Detection        *bool               `json:"detection,omitempty"`
	Tracking         *bool               `json:"tracking,omitempty"`
	Speed            *bool               `json:"speed,omitempty"`
	Distance         *bool               `json:"distance,omitempty"`
	Counting         *bool               `json:"counting,omitempty"`
	ClassFilters     map[string][]string `json:"class_filters,omitempty"`
	TrackingClasses  []string            `json:"tracking_classes,omitempty"`
	SpeedClasses     []string            `json:"speed_classes,omitempty"`
	DistanceClasses  []string            `json:"distance_classes,omitempty"`
	DetectionClasses []string            `json:"detection_classes,omitempty"`
}

// Merge applies the set fields of p to f
func (f Features) Merge(p FeaturesPatch) Features {
	out := f.Clone()
	if p.Detection != nil {
		out.Detection = *p.Detection
	}
	if p.Tracking != nil {
		out.Tracking = *p.Tracking
	}
	if p.Speed != nil {
		out.Speed = *p.Speed
	}
	if p.Distance != nil {
		out.Distance = *p.Distance
	}
	if p.Counting != nil {
		out.Counting = *p.Counting
	}
	if p.ClassFilters != nil {
		out.ClassFilters = p.ClassFilters
	}
	if p.TrackingClasses != nil {
		out.TrackingClasses = cloneStrings(p.TrackingClasses)
	}
	if p.SpeedClasses != nil {
		out.SpeedClasses = cloneStrings(p.SpeedClasses)
	}
	if p.DistanceClasses != nil {
		out.DistanceClasses = cloneStrings(p.DistanceClasses)
	}
	if p.DetectionClasses != nil {
		out.DetectionClasses = cloneStrings(p.DetectionClasses)
	}
	return out
}

// Camera is a configured video source
type Camera struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Location     string               `json:"location,omitempty"`
	StreamURL    string               `json:"rtsp_url,omitempty"`
	Width        int                  `json:"width"`
	Height       int                  `json:"height"`
	FPS          int                  `json:"fps"`
	Calibration  calibration.Snapshot `json:"-"`
	Features     Features             `json:"features"`
	ActiveModels []string             `json:"active_models"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    *time.Time           `json:"updated_at,omitempty"`
	IsActive     bool                 `json:"is_active"`
}

// Clone returns a deep copy safe to hand to other goroutines
func (c *Camera) Clone() *Camera {
	out := *c
	out.Features = c.Features.Clone()
	out.ActiveModels = cloneStrings(c.ActiveModels)
	out.Calibration.Points = append([]calibration.Point(nil), c.Calibration.Points...)
	if c.UpdatedAt != nil {
		t := *c.UpdatedAt
		out.UpdatedAt = &t
	}
	return &out
}

// StreamType reports "rtsp" for RTSP sources and "http" otherwise
func (c *Camera) StreamType() string {
	return StreamType(c.StreamURL)
}

// StreamType classifies a source URL
func StreamType(url string) string {
	if strings.HasPrefix(strings.ToLower(url), "rtsp://") {
		return "rtsp"
	}
	return "http"
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// CaptureFrame grabs a single JPEG frame from url with ffmpeg. When width
// and height are positive the frame is scaled to that size.
func CaptureFrame(ctx context.Context, ffmpegPath, url string, width, height int) ([]byte, error) {
	if url == "" {
		return nil, ErrNoStreamURL
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if StreamType(url) == "rtsp" {
		args = append(args, "-rtsp_transport", "tcp")
	} else if !isNetworkSource(url) {
		args = append(args, "-f", "v4l2")
	}
	args = append(args,
		"-i", url, // Input URL
		"-vframes", "1", // Capture 1 frame
	)
	if width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args,
		"-f", "mjpeg", // Output format
		"-q:v", "2", // High quality JPEG
		"-", // Output to stdout
	)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s", url)
	}
	return stdout.Bytes(), nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
