package detection

import (
	"context"
	"fmt"
	"log"

	"github.com/mdobak/go-xerrors"
)

// Gateway runs models through their backends. It never returns an error:
// every failure is reported inside the ModelResult.
type Gateway struct {
	registry      *Registry
	confThreshold float64
}

// NewGateway creates a gateway over registry
func NewGateway(registry *Registry, confThreshold float64) *Gateway {
	return &Gateway{registry: registry, confThreshold: confThreshold}
}

// Detect runs model on frame, keeping only labels in classFilter when it is
// non-empty
func (g *Gateway) Detect(ctx context.Context, frame []byte, model string, classFilter []string) (result *ModelResult) {
	defer xerrors.Recover(func(err error) {
		log.Printf("[Detection] Panic running %s: %s", model, xerrors.Sprint(err))
		result = FailedResult(model, err.Error())
	})

	backend, ok := g.registry.Get(model)
	if !ok {
		return FailedResult(model, ErrBackendDisabled.Error())
	}

	dets, err := backend.Detect(ctx, frame, model, g.confThreshold)
	if err != nil {
		log.Printf("[Detection] Detection error for %s: %v", model, err)
		return FailedResult(model, err.Error())
	}

	allowed := make(map[string]bool, len(classFilter))
	for _, c := range classFilter {
		allowed[c] = true
	}

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Label == "" {
			d.Label = fmt.Sprintf("class_%d", d.ClassID)
		}
		if len(allowed) > 0 && !allowed[d.Label] {
			continue
		}
		if err := d.Validate(); err != nil {
			log.Printf("[Detection] Dropping detection from %s: %v", model, err)
			continue
		}
		kept = append(kept, d)
	}

	return &ModelResult{
		Detections: kept,
		Count:      len(kept),
		Model:      model,
	}
}

// IsHealthy reports whether the backend serving model is reachable
func (g *Gateway) IsHealthy(ctx context.Context, model string) bool {
	backend, ok := g.registry.Get(model)
	return ok && backend.IsHealthy(ctx)
}
