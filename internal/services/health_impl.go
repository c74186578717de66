package services

import (
	"context"
	"time"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

const readyTimeout = 2 * time.Second

// Pinger checks that the store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// StreamStats reports the live camera loops
type StreamStats interface {
	Running() []string
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	db       Pinger
	streams  StreamStats
	viewers  func() int
	detector string
	models   []string
}

// NewHealthService creates a new health service implementation. viewers
// may be nil.
func NewHealthService(db Pinger, streams StreamStats, viewers func() int, detector string, models []string) *HealthImplementation {
	return &HealthImplementation{
		db:       db,
		streams:  streams,
		viewers:  viewers,
		detector: detector,
		models:   append([]string(nil), models...),
	}
}

// Root returns the service banner
func (h *HealthImplementation) Root(ctx context.Context) (*RootResult, error) {
	return &RootResult{Name: "SeeDeep", Version: Version, Status: "running"}, nil
}

// Health reports the detector, the available models and the live streams
func (h *HealthImplementation) Health(ctx context.Context) (*HealthResult, error) {
	res := &HealthResult{
		Status:          "healthy",
		Detector:        h.detector,
		AvailableModels: h.models,
		ActiveStreams:   len(h.streams.Running()),
	}
	if h.viewers != nil {
		res.Viewers = h.viewers()
	}
	return res, nil
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	// Basic liveness check - service is alive if we reach here
	return nil
}

// Readyz implements the readiness probe: the camera store must answer
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return unavailable("database not ready: %v", err)
	}
	return nil
}
