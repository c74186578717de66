package services

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	"seedeep/internal/calibration"
	"seedeep/internal/camera"
	"seedeep/internal/session"
)

const (
	captureTimeout = 15 * time.Second

	previewWidth  = 640
	previewHeight = 480
	maxFrameWidth = 1920
)

// FrameGrabber captures one JPEG frame from a source URL, scaled to
// width x height when both are positive
type FrameGrabber func(ctx context.Context, url string, width, height int) ([]byte, error)

// StreamStopper tears down a camera's live processing loop
type StreamStopper interface {
	StopCamera(cameraID string)
}

// CameraImplementation implements the camera service. Every change reaches
// live sessions through the session registry.
type CameraImplementation struct {
	cameras  *camera.CameraManager
	sessions *session.Registry
	streams  StreamStopper
	grab     FrameGrabber
}

// NewCameraService creates a new camera service implementation
func NewCameraService(cameras *camera.CameraManager, sessions *session.Registry, streams StreamStopper, grab FrameGrabber) *CameraImplementation {
	return &CameraImplementation{
		cameras:  cameras,
		sessions: sessions,
		streams:  streams,
		grab:     grab,
	}
}

// List returns all configured cameras
func (c *CameraImplementation) List(ctx context.Context, activeOnly bool) ([]*CameraInfo, error) {
	cameras := c.cameras.ListCameras(activeOnly)
	result := make([]*CameraInfo, len(cameras))
	for i, cam := range cameras {
		result[i] = newCameraInfo(cam)
	}
	return result, nil
}

// Get returns camera information by ID
func (c *CameraImplementation) Get(ctx context.Context, id string) (*CameraInfo, error) {
	cam, err := c.cameras.GetCamera(id)
	if err != nil {
		return nil, notFound("Camera %s not found", id)
	}
	return newCameraInfo(cam), nil
}

// Create adds a new camera
func (c *CameraImplementation) Create(ctx context.Context, p *CreatePayload) (*CameraInfo, error) {
	params := camera.CreateParams{
		Name:            p.Name,
		Location:        p.Location,
		StreamURL:       p.RTSPURL,
		Width:           p.Width,
		Height:          p.Height,
		FPS:             p.FPS,
		Features:        p.Features,
		ActiveModels:    p.ActiveModels,
		SelectedClasses: p.SelectedClasses,
		Protocol:        p.Protocol,
		IPAddress:       p.IPAddress,
		Port:            p.Port,
	}
	if p.Calibration != nil {
		params.CalibrationMode = p.Calibration.Mode
		params.Calibration = p.Calibration.Points
	}

	cam, err := c.cameras.Create(ctx, params)
	if err != nil {
		return nil, serviceError(err)
	}
	return newCameraInfo(cam), nil
}

// Update applies a partial update. Changing the source URL restarts the
// camera's live stream so viewers reconnect to the new source.
func (c *CameraImplementation) Update(ctx context.Context, id string, p *UpdatePayload) (*CameraInfo, error) {
	before, err := c.cameras.GetCamera(id)
	if err != nil {
		return nil, notFound("Camera %s not found", id)
	}

	cam, err := c.cameras.Update(ctx, id, camera.UpdateParams{
		Name:         p.Name,
		Location:     p.Location,
		StreamURL:    p.RTSPURL,
		Width:        p.Width,
		Height:       p.Height,
		FPS:          p.FPS,
		Features:     p.Features,
		ActiveModels: p.ActiveModels,
		IsActive:     p.IsActive,
	})
	if err != nil {
		return nil, serviceError(err)
	}

	if cam.StreamURL != before.StreamURL {
		log.Printf("[Camera] Stream URL of %s changed, restarting stream", id)
		c.streams.StopCamera(id)
	} else {
		c.sessions.Sync(cam)
	}
	return newCameraInfo(cam), nil
}

// Delete removes a camera and ends its live stream
func (c *CameraImplementation) Delete(ctx context.Context, id string) error {
	if err := c.cameras.RemoveCamera(ctx, id); err != nil {
		return serviceError(err)
	}
	c.streams.StopCamera(id)
	c.sessions.Remove(id)
	return nil
}

// Calibrate computes and stores the camera's pixels-per-metre ratio
func (c *CameraImplementation) Calibrate(ctx context.Context, id string, p *CalibrationPayload) (*CameraInfo, error) {
	cam, err := c.cameras.Calibrate(ctx, id, p.Mode, p.Points)
	if err != nil {
		if isCalibrationError(err) {
			return nil, badRequest("Calibration failed: %v", err)
		}
		return nil, serviceError(err)
	}

	c.sessions.UpdateCalibration(id, cam.Calibration.Calibrated, cam.Calibration.PixelsPerMeter)
	return newCameraInfo(cam), nil
}

// TestCalibration computes a calibration without saving it
func (c *CameraImplementation) TestCalibration(ctx context.Context, id string, p *CalibrationPayload) (*CalibrationTestResult, error) {
	if _, err := c.cameras.GetCamera(id); err != nil {
		return nil, notFound("Camera %s not found", id)
	}

	ratio, err := calibration.CalibrateMode(p.Mode, p.Points)
	if err != nil {
		log.Printf("[Camera] Calibration test for %s failed: %v", id, err)
		return &CalibrationTestResult{Success: false, Error: "Calibration test failed"}, nil
	}
	return &CalibrationTestResult{
		Success:        true,
		PixelsPerMeter: &ratio,
		Mode:           p.Mode,
		PointsCount:    len(p.Points),
	}, nil
}

// GetCalibration returns the stored calibration
func (c *CameraImplementation) GetCalibration(ctx context.Context, id string) (*CalibrationInfo, error) {
	cam, err := c.cameras.GetCamera(id)
	if err != nil {
		return nil, notFound("Camera %s not found", id)
	}
	return newCalibrationInfo(cam), nil
}

// ClearCalibration removes the stored calibration
func (c *CameraImplementation) ClearCalibration(ctx context.Context, id string) (*MessageResult, error) {
	if _, err := c.cameras.ClearCalibration(ctx, id); err != nil {
		return nil, serviceError(err)
	}
	c.sessions.UpdateCalibration(id, false, 0)
	return &MessageResult{Success: true, Message: "Calibration cleared successfully"}, nil
}

// UpdateFeatures merges the set fields of patch into the camera's features
func (c *CameraImplementation) UpdateFeatures(ctx context.Context, id string, patch *camera.FeaturesPatch) (*CameraInfo, error) {
	cam, err := c.cameras.UpdateFeatures(ctx, id, *patch)
	if err != nil {
		return nil, serviceError(err)
	}
	c.sessions.Sync(cam)
	return newCameraInfo(cam), nil
}

// SetDetectionClasses replaces the detection classes and recomputes the
// active models
func (c *CameraImplementation) SetDetectionClasses(ctx context.Context, id string, classes []string) (*CameraInfo, error) {
	cam, err := c.cameras.SetDetectionClasses(ctx, id, classes)
	if err != nil {
		return nil, serviceError(err)
	}
	c.sessions.Sync(cam)
	log.Printf("[Camera] Detection classes of %s set to %v, models %v", id, classes, cam.ActiveModels)
	return newCameraInfo(cam), nil
}

// Models lists the models available to cameras
func (c *CameraImplementation) Models(ctx context.Context, id string) (*ModelsResult, error) {
	return &ModelsResult{CameraID: id, AvailableModels: c.cameras.AvailableModels()}, nil
}

// Frame captures a single frame from the camera's source, capped at
// 1920 pixels wide
func (c *CameraImplementation) Frame(ctx context.Context, id string) (*FrameResult, error) {
	cam, err := c.cameras.GetCamera(id)
	if err != nil {
		return nil, notFound("Camera %s not found", id)
	}
	if cam.StreamURL == "" {
		return nil, badRequest("Camera has no RTSP URL configured")
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	data, err := c.grab(ctx, cam.StreamURL, 0, 0)
	if err != nil {
		log.Printf("[Camera] Frame capture for %s failed: %v", id, err)
		return nil, badRequest("Failed to read frame from camera")
	}

	data, width, height, err := limitWidth(data, maxFrameWidth)
	if err != nil {
		return nil, badRequest("Failed to decode frame: %v", err)
	}

	return &FrameResult{
		Success:  true,
		Frame:    base64.StdEncoding.EncodeToString(data),
		Width:    width,
		Height:   height,
		CameraID: id,
	}, nil
}

// TestConnection grabs one frame from an arbitrary source as a 640x480
// preview
func (c *CameraImplementation) TestConnection(ctx context.Context, p *TestConnectionPayload) (*TestConnectionResult, error) {
	if p.RTSPURL == "" {
		return nil, badRequest("rtsp_url is required")
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	data, err := c.grab(ctx, p.RTSPURL, previewWidth, previewHeight)
	if err != nil {
		log.Printf("[Camera] Connection test failed: %v", err)
		return nil, badRequest("Failed to connect to camera")
	}

	return &TestConnectionResult{
		Success:      true,
		PreviewFrame: base64.StdEncoding.EncodeToString(data),
		Width:        previewWidth,
		Height:       previewHeight,
	}, nil
}
