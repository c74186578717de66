// Package session keeps the live per-camera processing state: feature flags,
// calibration, active models and the optional object tracker.
package session

import (
	"log"
	"sort"
	"sync"

	"seedeep/internal/camera"
	"seedeep/internal/tracking"
)

// Config is a camera's processing configuration as seen by the frame loop
type Config struct {
	CameraID       string
	StreamURL      string
	Features       camera.Features
	ActiveModels   []string
	Calibrated     bool
	PixelsPerMeter float64
	FPS            int
}

// ConfigFromCamera builds a session config from a stored camera
func ConfigFromCamera(c *camera.Camera) Config {
	return Config{
		CameraID:       c.ID,
		StreamURL:      c.StreamURL,
		Features:       c.Features.Clone(),
		ActiveModels:   append([]string(nil), c.ActiveModels...),
		Calibrated:     c.Calibration.Calibrated,
		PixelsPerMeter: c.Calibration.PixelsPerMeter,
		FPS:            c.FPS,
	}
}

func (c Config) clone() Config {
	out := c
	out.Features = c.Features.Clone()
	out.ActiveModels = append([]string(nil), c.ActiveModels...)
	return out
}

// Session is one camera's live state. The tracker exists iff tracking is on.
type Session struct {
	mu      sync.RWMutex
	cfg     Config
	tracker *tracking.Tracker

	maxDisappeared int
	maxDistance    float64
}

// Config returns a copy of the current configuration
func (s *Session) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Tracker returns the tracker, or nil when tracking is off. Only the frame
// loop that owns the camera may call Update on it.
func (s *Session) Tracker() *tracking.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker
}

func (s *Session) setFeatures(f camera.Features) {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.cfg.Features.Tracking
	s.cfg.Features = f.Clone()
	switch {
	case !was && f.Tracking:
		s.tracker = tracking.NewTracker(s.maxDisappeared, s.maxDistance)
		log.Printf("[Session] Tracking enabled for camera %s", s.cfg.CameraID)
	case was && !f.Tracking:
		s.tracker = nil
		log.Printf("[Session] Tracking disabled for camera %s", s.cfg.CameraID)
	}
}

// Registry maps camera ids to sessions. Its lock covers only map access.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxDisappeared int
	maxDistance    float64
}

// NewRegistry creates an empty registry. Trackers it creates use the given
// thresholds; non-positive values fall back to the tracker defaults.
func NewRegistry(maxDisappeared int, maxDistance float64) *Registry {
	return &Registry{
		sessions:       make(map[string]*Session),
		maxDisappeared: maxDisappeared,
		maxDistance:    maxDistance,
	}
}

// AddOrGet returns the session for cfg.CameraID, creating it if needed. An
// existing session is returned unchanged so its tracker keeps its identities.
func (r *Registry) AddOrGet(cfg Config) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[cfg.CameraID]; ok {
		return s, false
	}

	s := &Session{
		cfg:            cfg.clone(),
		maxDisappeared: r.maxDisappeared,
		maxDistance:    r.maxDistance,
	}
	if cfg.Features.Tracking {
		s.tracker = tracking.NewTracker(r.maxDisappeared, r.maxDistance)
	}
	r.sessions[cfg.CameraID] = s
	log.Printf("[Session] Added camera %s (tracking=%v)", cfg.CameraID, cfg.Features.Tracking)
	return s, true
}

// Get returns the session for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops the session for id and reports whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	log.Printf("[Session] Removed camera %s", id)
	return true
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live camera ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateFeatures replaces a session's features. Turning tracking on creates a
// tracker, turning it off discards it, anything else leaves it untouched.
// It reports whether the session exists.
func (r *Registry) UpdateFeatures(id string, f camera.Features) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.setFeatures(f)
	return true
}

// UpdateCalibration sets a session's calibration state
func (r *Registry) UpdateCalibration(id string, calibrated bool, pixelsPerMeter float64) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.cfg.Calibrated = calibrated && pixelsPerMeter > 0
	s.cfg.PixelsPerMeter = pixelsPerMeter
	s.mu.Unlock()
	return true
}

// UpdateModels replaces a session's active models
func (r *Registry) UpdateModels(id string, models []string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.cfg.ActiveModels = append([]string(nil), models...)
	s.mu.Unlock()
	return true
}

// UpdateFPS sets a session's camera frame rate
func (r *Registry) UpdateFPS(id string, fps int) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.cfg.FPS = fps
	s.mu.Unlock()
	return true
}

// Sync pushes every mutable field of a stored camera into its session, if one
// is live
func (r *Registry) Sync(c *camera.Camera) bool {
	if !r.UpdateFeatures(c.ID, c.Features) {
		return false
	}
	r.UpdateCalibration(c.ID, c.Calibration.Calibrated, c.Calibration.PixelsPerMeter)
	r.UpdateModels(c.ID, c.ActiveModels)
	r.UpdateFPS(c.ID, c.FPS)
	return true
}
