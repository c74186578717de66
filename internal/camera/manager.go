package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"seedeep/internal/calibration"
	"seedeep/internal/database"
)

// Store persists camera records
type Store interface {
	SaveCamera(ctx context.Context, cam *database.CameraRecord) error
	ListCameras(ctx context.Context, activeOnly bool) ([]*database.CameraRecord, error)
	DeleteCamera(ctx context.Context, id string) (bool, error)
}

// CreateParams describes a new camera
type CreateParams struct {
	Name            string
	Location        string
	StreamURL       string
	Width           int
	Height          int
	FPS             int
	Features        *Features
	ActiveModels    []string
	SelectedClasses []string
	CalibrationMode string
	Calibration     []calibration.Point
	Protocol        string
	IPAddress       string
	Port            string
}

// UpdateParams is a partial update; nil fields are preserved
type UpdateParams struct {
	Name         *string
	Location     *string
	StreamURL    *string
	Width        *int
	Height       *int
	FPS          *int
	Features     *Features
	ActiveModels []string
	IsActive     *bool
}

// CameraManager keeps the configured cameras in memory and writes every
// change through to the store
type CameraManager struct {
	cameras   map[string]*Camera
	mu        sync.RWMutex
	db        Store
	available []string
	now       func() time.Time
}

// NewCameraManager creates a new camera manager
func NewCameraManager(db Store, available []string) *CameraManager {
	if len(available) == 0 {
		available = DefaultAvailableModels
	}
	cm := &CameraManager{
		cameras:   make(map[string]*Camera),
		db:        db,
		available: append([]string(nil), available...),
		now:       func() time.Time { return time.Now().UTC() },
	}

	// Load cameras from database on startup
	if db != nil {
		if err := cm.loadCamerasFromDB(context.Background()); err != nil {
			log.Printf("[Camera] Warning: failed to load cameras from database: %v", err)
		}
	}

	return cm
}

// loadCamerasFromDB loads cameras from the database
func (cm *CameraManager) loadCamerasFromDB(ctx context.Context) error {
	records, err := cm.db.ListCameras(ctx, false)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, record := range records {
		cam, err := fromRecord(record)
		if err != nil {
			log.Printf("[Camera] Skipping camera %s: %v", record.ID, err)
			continue
		}
		cm.cameras[cam.ID] = cam
	}

	log.Printf("[Camera] Loaded %d cameras from database", len(cm.cameras))
	return nil
}

// AvailableModels returns the configured model set
func (cm *CameraManager) AvailableModels() []string {
	return append([]string(nil), cm.available...)
}

// Create validates params, fills defaults and stores a new camera
func (cm *CameraManager) Create(ctx context.Context, p CreateParams) (*Camera, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidCamera)
	}

	cam := &Camera{
		ID:        uuid.New().String(),
		Name:      p.Name,
		Location:  p.Location,
		StreamURL: p.StreamURL,
		Width:     orDefault(p.Width, DefaultWidth),
		Height:    orDefault(p.Height, DefaultHeight),
		FPS:       orDefault(p.FPS, DefaultFPS),
		Features:  DefaultFeatures(),
		CreatedAt: cm.now(),
		IsActive:  true,
	}
	if p.Features != nil {
		cam.Features = p.Features.Clone()
	}

	cam.ActiveModels = cloneStrings(p.ActiveModels)
	if len(cam.ActiveModels) == 0 && len(p.SelectedClasses) > 0 {
		cam.ActiveModels = DetectModels(p.SelectedClasses, cm.available)
	}
	if cam.ActiveModels == nil {
		cam.ActiveModels = []string{}
	}

	if cam.StreamURL == "" && p.IPAddress != "" {
		protocol := p.Protocol
		if protocol == "" {
			protocol = "rtsp"
		}
		port := p.Port
		if port == "" {
			port = "554"
		}
		cam.StreamURL = fmt.Sprintf("%s://%s:%s/stream", protocol, p.IPAddress, port)
		log.Printf("[Camera] Built stream URL: %s", cam.StreamURL)
	}

	if len(p.Calibration) >= 2 {
		mode := p.CalibrationMode
		if mode == "" {
			mode = calibration.ModeReferenceObject
		}
		var state calibration.State
		if ratio, err := state.Apply(mode, p.Calibration); err != nil {
			log.Printf("[Camera] Calibration on create skipped: %v", err)
		} else {
			cam.Calibration = state.Snapshot()
			log.Printf("[Camera] Camera calibrated on creation: %.2f px/m", ratio)
		}
	}

	if err := cm.persist(ctx, cam); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	cm.cameras[cam.ID] = cam
	cm.mu.Unlock()

	log.Printf("[Camera] Created camera: %s (%s) url=%s models=%v", cam.Name, cam.ID, cam.StreamURL, cam.ActiveModels)
	return cam.Clone(), nil
}

// GetCamera retrieves a copy of the camera with the given ID
func (cm *CameraManager) GetCamera(id string) (*Camera, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cam, exists := cm.cameras[id]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", id, ErrCameraNotFound)
	}
	return cam.Clone(), nil
}

// ListCameras returns copies of all cameras, newest first
func (cm *CameraManager) ListCameras(activeOnly bool) []*Camera {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cameras := make([]*Camera, 0, len(cm.cameras))
	for _, cam := range cm.cameras {
		if activeOnly && !cam.IsActive {
			continue
		}
		cameras = append(cameras, cam.Clone())
	}
	sort.Slice(cameras, func(i, j int) bool {
		if cameras[i].CreatedAt.Equal(cameras[j].CreatedAt) {
			return cameras[i].ID < cameras[j].ID
		}
		return cameras[i].CreatedAt.After(cameras[j].CreatedAt)
	})
	return cameras
}

// Update applies a partial update
func (cm *CameraManager) Update(ctx context.Context, id string, p UpdateParams) (*Camera, error) {
	return cm.mutate(ctx, id, func(cam *Camera) error {
		if p.Name != nil {
			if strings.TrimSpace(*p.Name) == "" {
				return fmt.Errorf("%w: name cannot be empty", ErrInvalidCamera)
			}
			cam.Name = *p.Name
		}
		if p.Location != nil {
			cam.Location = *p.Location
		}
		if p.StreamURL != nil {
			cam.StreamURL = *p.StreamURL
		}
		if p.Width != nil {
			cam.Width = *p.Width
		}
		if p.Height != nil {
			cam.Height = *p.Height
		}
		if p.FPS != nil {
			if *p.FPS < 0 {
				return fmt.Errorf("%w: fps must not be negative", ErrInvalidCamera)
			}
			cam.FPS = *p.FPS
		}
		if p.Features != nil {
			cam.Features = p.Features.Clone()
		}
		if p.ActiveModels != nil {
			cam.ActiveModels = cloneStrings(p.ActiveModels)
		}
		if p.IsActive != nil {
			cam.IsActive = *p.IsActive
		}
		return nil
	})
}

// UpdateFeatures merges the set fields of patch into the camera's features
func (cm *CameraManager) UpdateFeatures(ctx context.Context, id string, patch FeaturesPatch) (*Camera, error) {
	return cm.mutate(ctx, id, func(cam *Camera) error {
		cam.Features = cam.Features.Merge(patch)
		return nil
	})
}

// SetDetectionClasses replaces the detection classes and recomputes the
// active models from them
func (cm *CameraManager) SetDetectionClasses(ctx context.Context, id string, classes []string) (*Camera, error) {
	return cm.mutate(ctx, id, func(cam *Camera) error {
		cam.Features.DetectionClasses = cloneStrings(classes)
		if cam.Features.DetectionClasses == nil {
			cam.Features.DetectionClasses = []string{}
		}
		cam.ActiveModels = DetectModels(classes, cm.available)
		return nil
	})
}

// Calibrate computes and stores a calibration. On failure the previous
// calibration is kept.
func (cm *CameraManager) Calibrate(ctx context.Context, id, mode string, points []calibration.Point) (*Camera, error) {
	return cm.mutate(ctx, id, func(cam *Camera) error {
		var state calibration.State
		state.Restore(cam.Calibration)
		if _, err := state.Apply(mode, points); err != nil {
			return err
		}
		cam.Calibration = state.Snapshot()
		return nil
	})
}

// ClearCalibration removes the camera's calibration
func (cm *CameraManager) ClearCalibration(ctx context.Context, id string) (*Camera, error) {
	return cm.mutate(ctx, id, func(cam *Camera) error {
		cam.Calibration = calibration.Snapshot{}
		return nil
	})
}

// RemoveCamera deletes a camera
func (cm *CameraManager) RemoveCamera(ctx context.Context, id string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.cameras[id]; !exists {
		return fmt.Errorf("camera %s: %w", id, ErrCameraNotFound)
	}

	if cm.db != nil {
		if _, err := cm.db.DeleteCamera(ctx, id); err != nil {
			return err
		}
	}
	delete(cm.cameras, id)

	log.Printf("[Camera] Deleted camera: %s", id)
	return nil
}

// mutate applies fn to a copy of the camera, persists it and then swaps it
// into the cache, so a failed write leaves the cached camera untouched
func (cm *CameraManager) mutate(ctx context.Context, id string, fn func(*Camera) error) (*Camera, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	current, exists := cm.cameras[id]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", id, ErrCameraNotFound)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	now := cm.now()
	next.UpdatedAt = &now

	if err := cm.persist(ctx, next); err != nil {
		return nil, err
	}
	cm.cameras[id] = next
	return next.Clone(), nil
}

func (cm *CameraManager) persist(ctx context.Context, cam *Camera) error {
	if cm.db == nil {
		return nil
	}
	record, err := toRecord(cam)
	if err != nil {
		return err
	}
	return cm.db.SaveCamera(ctx, record)
}

func toRecord(cam *Camera) (*database.CameraRecord, error) {
	features, err := json.Marshal(cam.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	record := &database.CameraRecord{
		ID:              cam.ID,
		Name:            cam.Name,
		Location:        cam.Location,
		StreamURL:       cam.StreamURL,
		Width:           cam.Width,
		Height:          cam.Height,
		FPS:             cam.FPS,
		IsCalibrated:    cam.Calibration.Calibrated,
		CalibrationMode: cam.Calibration.Mode,
		Features:        features,
		ActiveModels:    cloneStrings(cam.ActiveModels),
		CreatedAt:       cam.CreatedAt,
		UpdatedAt:       cam.UpdatedAt,
		IsActive:        cam.IsActive,
	}
	if cam.Calibration.Calibrated {
		ppm := cam.Calibration.PixelsPerMeter
		record.PixelsPerMeter = &ppm
	}
	for _, p := range cam.Calibration.Points {
		record.CalibrationPoints = append(record.CalibrationPoints, database.CalibrationPointRecord(p))
	}
	return record, nil
}

func fromRecord(record *database.CameraRecord) (*Camera, error) {
	features := DefaultFeatures()
	if len(record.Features) > 0 {
		if err := json.Unmarshal(record.Features, &features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}

	cam := &Camera{
		ID:           record.ID,
		Name:         record.Name,
		Location:     record.Location,
		StreamURL:    record.StreamURL,
		Width:        record.Width,
		Height:       record.Height,
		FPS:          record.FPS,
		Features:     features,
		ActiveModels: cloneStrings(record.ActiveModels),
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
		IsActive:     record.IsActive,
	}
	if cam.ActiveModels == nil {
		cam.ActiveModels = []string{}
	}

	snap := calibration.Snapshot{Calibrated: record.IsCalibrated, Mode: record.CalibrationMode}
	if record.PixelsPerMeter != nil {
		snap.PixelsPerMeter = *record.PixelsPerMeter
	}
	for _, p := range record.CalibrationPoints {
		snap.Points = append(snap.Points, calibration.Point(p))
	}
	snap.Calibrated = snap.Calibrated && snap.PixelsPerMeter > 0
	cam.Calibration = snap
	return cam, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
