package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBackendDisabled is reported when no detection backend is configured
var ErrBackendDisabled = errors.New("detection backend disabled")

// Backend runs a named model on one JPEG frame
type Backend interface {
	Name() string
	Detect(ctx context.Context, frame []byte, model string, confThreshold float64) ([]Detection, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}

// Registry routes models to backends. Models without an explicit route use
// the fallback backend.
type Registry struct {
	backends map[string]Backend
	fallback Backend
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the given fallback (may be nil)
func NewRegistry(fallback Backend) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		fallback: fallback,
	}
}

// Register routes model to backend
func (r *Registry) Register(model string, backend Backend) error {
	if backend == nil {
		return fmt.Errorf("backend cannot be nil")
	}
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[model]; exists {
		return fmt.Errorf("model %q already registered", model)
	}
	r.backends[model] = backend
	return nil
}

// Get returns the backend serving model
func (r *Registry) Get(model string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.backends[model]; ok {
		return b, true
	}
	return r.fallback, r.fallback != nil
}

// Models returns the explicitly routed model names, sorted
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backend resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := make(map[Backend]bool)
	var firstErr error
	closeOnce := func(name string, b Backend) {
		if b == nil || closed[b] {
			return
		}
		closed[b] = true
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing backend %q: %w", name, err)
		}
	}
	for model, b := range r.backends {
		closeOnce(model, b)
		delete(r.backends, model)
	}
	closeOnce("fallback", r.fallback)
	return firstErr
}
