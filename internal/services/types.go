package services

import (
	"time"

	"seedeep/internal/calibration"
	"seedeep/internal/camera"
)

// CameraInfo is the camera representation returned by the API
type CameraInfo struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Location        *string         `json:"location"`
	RTSPURL         *string         `json:"rtsp_url"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	FPS             int             `json:"fps"`
	IsCalibrated    bool            `json:"is_calibrated"`
	PixelsPerMeter  *float64        `json:"pixels_per_meter"`
	CalibrationMode *string         `json:"calibration_mode"`
	Features        camera.Features `json:"features"`
	ActiveModels    []string        `json:"active_models"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       *string         `json:"updated_at,omitempty"`
	IsActive        bool            `json:"is_active"`
}

// CalibrationPayload is the body of the calibrate and calibration test calls
type CalibrationPayload struct {
	Mode                  string              `json:"mode"`
	Points                []calibration.Point `json:"points"`
	ReferenceWidthMeters  *float64            `json:"reference_width_meters,omitempty"`
	ReferenceHeightMeters *float64            `json:"reference_height_meters,omitempty"`
}

// CreatePayload is the body of the camera create call
type CreatePayload struct {
	Name            string              `json:"name"`
	Location        string              `json:"location,omitempty"`
	RTSPURL         string              `json:"rtsp_url,omitempty"`
	Width           int                 `json:"width,omitempty"`
	Height          int                 `json:"height,omitempty"`
	FPS             int                 `json:"fps,omitempty"`
	Features        *camera.Features    `json:"features,omitempty"`
	ActiveModels    []string            `json:"active_models,omitempty"`
	SelectedClasses []string            `json:"selected_classes,omitempty"`
	Calibration     *CalibrationPayload `json:"calibration,omitempty"`
	Protocol        string              `json:"protocol,omitempty"`
	IPAddress       string              `json:"ipAddress,omitempty"`
	Port            string              `json:"port,omitempty"`
}

// UpdatePayload is the body of the camera update call; absent fields are
// left unchanged
type UpdatePayload struct {
	Name         *string          `json:"name,omitempty"`
	Location     *string          `json:"location,omitempty"`
	RTSPURL      *string          `json:"rtsp_url,omitempty"`
	Width        *int             `json:"width,omitempty"`
	Height       *int             `json:"height,omitempty"`
	FPS          *int             `json:"fps,omitempty"`
	Features     *camera.Features `json:"features,omitempty"`
	ActiveModels []string         `json:"active_models,omitempty"`
	IsActive     *bool            `json:"is_active,omitempty"`
}

// CalibrationInfo describes a camera's stored calibration
type CalibrationInfo struct {
	CameraID          string              `json:"camera_id"`
	Name              string              `json:"name"`
	IsCalibrated      bool                `json:"is_calibrated"`
	PixelsPerMeter    *float64            `json:"pixels_per_meter"`
	CalibrationMode   *string             `json:"calibration_mode"`
	CalibrationPoints []calibration.Point `json:"calibration_points"`
	Width             int                 `json:"width"`
	Height            int                 `json:"height"`
}

// CalibrationTestResult is the outcome of a calibration preview. A failed
// preview is reported in the body, not as an HTTP error.
type CalibrationTestResult struct {
	Success        bool     `json:"success"`
	PixelsPerMeter *float64 `json:"pixels_per_meter,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	PointsCount    int      `json:"points_count,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// MessageResult is a generic success acknowledgement
type MessageResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ModelsResult lists the models a camera can use
type ModelsResult struct {
	CameraID        string   `json:"camera_id"`
	AvailableModels []string `json:"available_models"`
}

// FrameResult is a single captured frame
type FrameResult struct {
	Success  bool   `json:"success"`
	Frame    string `json:"frame"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	CameraID string `json:"camera_id"`
}

// TestConnectionPayload is the body of the connection test call
type TestConnectionPayload struct {
	RTSPURL string `json:"rtsp_url"`
}

// TestConnectionResult carries a preview frame from the tested source
type TestConnectionResult struct {
	Success      bool   `json:"success"`
	PreviewFrame string `json:"preview_frame"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// RootResult is returned by GET /
type RootResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// HealthResult is returned by GET /health
type HealthResult struct {
	Status          string   `json:"status"`
	Detector        string   `json:"detector"`
	AvailableModels []string `json:"available_models"`
	ActiveStreams   int      `json:"active_streams"`
	Viewers         int      `json:"viewers"`
}

// LoginPayload is the body of the login call
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries an issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatusResult describes the caller's authentication state
type AuthStatusResult struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

func newCameraInfo(cam *camera.Camera) *CameraInfo {
	info := &CameraInfo{
		ID:           cam.ID,
		Name:         cam.Name,
		Width:        cam.Width,
		Height:       cam.Height,
		FPS:          cam.FPS,
		IsCalibrated: cam.Calibration.Calibrated,
		Features:     cam.Features,
		ActiveModels: cam.ActiveModels,
		CreatedAt:    cam.CreatedAt.Format(time.RFC3339),
		IsActive:     cam.IsActive,
	}
	if cam.Location != "" {
		info.Location = &cam.Location
	}
	if cam.StreamURL != "" {
		info.RTSPURL = &cam.StreamURL
	}
	if cam.Calibration.Calibrated {
		ppm := cam.Calibration.PixelsPerMeter
		info.PixelsPerMeter = &ppm
	}
	if cam.Calibration.Mode != "" {
		mode := cam.Calibration.Mode
		info.CalibrationMode = &mode
	}
	if cam.UpdatedAt != nil {
		updated := cam.UpdatedAt.Format(time.RFC3339)
		info.UpdatedAt = &updated
	}
	return info
}

func newCalibrationInfo(cam *camera.Camera) *CalibrationInfo {
	info := newCameraInfo(cam)
	points := cam.Calibration.Points
	if points == nil {
		points = []calibration.Point{}
	}
	return &CalibrationInfo{
		CameraID:          cam.ID,
		Name:              cam.Name,
		IsCalibrated:      info.IsCalibrated,
		PixelsPerMeter:    info.PixelsPerMeter,
		CalibrationMode:   info.CalibrationMode,
		CalibrationPoints: points,
		Width:             cam.Width,
		Height:            cam.Height,
	}
}
