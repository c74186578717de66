package pipeline

import (
	"context"
	"log"
	"slices"
	"time"

	"github.com/mdobak/go-xerrors"

	"seedeep/internal/calibration"
	"seedeep/internal/camera"
	"seedeep/internal/detection"
	"seedeep/internal/session"
	"seedeep/internal/tracking"
)

// Processor turns one frame into one result message: detection for every
// active model, then tracking with speed and distance enrichment
type Processor struct {
	detector Detector
	now      func() time.Time
}

// NewProcessor creates a processor running models through detector
func NewProcessor(detector Detector) *Processor {
	return &Processor{detector: detector, now: time.Now}
}

// Process runs one processing step. It always returns a message; a panic
// anywhere in the step yields a message with empty results and the error.
// tracker may be nil when tracking is off.
func (p *Processor) Process(ctx context.Context, cfg session.Config, tracker *tracking.Tracker, frame *FrameData) (msg *ResultMessage) {
	defer xerrors.Recover(func(err error) {
		log.Printf("[Processor] Critical error processing camera %s: %s", cfg.CameraID, xerrors.Sprint(err))
		msg = p.failed(cfg.CameraID, err.Error())
	})

	results := Results{}
	var detected []detection.Detection

	if cfg.Features.Detection {
		if len(cfg.ActiveModels) == 0 {
			log.Printf("[Processor] Camera %s has detection enabled but no active models", cfg.CameraID)
		}
		for _, model := range cfg.ActiveModels {
			res := p.detector.Detect(ctx, frame.Data, model, classFilter(cfg.Features, model))
			results[model] = res
			detected = append(detected, res.Detections...)
		}
	}

	if cfg.Features.Tracking && tracker != nil {
		results[TrackingKey] = p.track(cfg, tracker, detected)
	}

	return &ResultMessage{
		CameraID:   cfg.CameraID,
		Timestamp:  p.now().UnixMilli(),
		Results:    results,
		Calibrated: cfg.Calibrated,
	}
}

// classFilter picks the labels a model should keep. detection_classes take
// precedence, restricted to the classes this model serves; when none of them
// belong to the model every class is kept. Otherwise class_filters applies.
func classFilter(f camera.Features, model string) []string {
	if len(f.DetectionClasses) > 0 {
		return camera.ClassesForModel(f.DetectionClasses, model)
	}
	return f.ClassFilters[model]
}

func (p *Processor) track(cfg session.Config, tracker *tracking.Tracker, detected []detection.Detection) *TrackingResult {
	if len(cfg.Features.TrackingClasses) > 0 {
		filtered := make([]detection.Detection, 0, len(detected))
		for _, d := range detected {
			if slices.Contains(cfg.Features.TrackingClasses, d.Label) {
				filtered = append(filtered, d)
			}
		}
		detected = filtered
	}

	objects := tracker.Update(detected)

	fps := float64(cfg.FPS)
	if fps <= 0 {
		fps = tracking.DefaultFPS
	}
	ppm := 0.0
	if cfg.Calibrated {
		ppm = cfg.PixelsPerMeter
	}

	out := &TrackingResult{
		TrackedObjects: make(map[string]*TrackedObjectView, len(objects)),
		Summary:        TrackingSummary{TotalTracks: len(objects)},
	}
	for _, obj := range objects {
		if obj.TimeSinceUpdate < activeTrackWindow {
			out.Summary.ActiveTracks++
		}

		view := &TrackedObjectView{
			TrackID:            obj.TrackID,
			ClassName:          obj.ClassName,
			BBox:               [4]float64{obj.BBox.X1, obj.BBox.Y1, obj.BBox.X2, obj.BBox.Y2},
			Centroid:           [2]float64{obj.Centroid.X, obj.Centroid.Y},
			Confidence:         obj.Confidence,
			Age:                obj.Age,
			Velocity:           [2]float64{obj.Velocity.X, obj.Velocity.Y},
			DistanceTraveled:   obj.DistanceTraveled,
			TimeInFrameSeconds: float64(obj.Age) / fps,
			TimeInFrameFrames:  obj.Age,
		}

		if cfg.Features.Speed && allowed(cfg.Features.SpeedClasses, obj.ClassName) {
			speed := tracking.Speed(obj.Velocity, fps, ppm)
			view.SpeedResult = &speed
		}
		if cfg.Features.Distance && ppm > 0 && allowed(cfg.Features.DistanceClasses, obj.ClassName) {
			dist := calibration.DistanceFromCamera(obj.Centroid.X, obj.Centroid.Y, ppm)
			view.CameraDistance = &dist
		}

		out.TrackedObjects[obj.TrackID] = view
	}
	return out
}

// allowed reports whether label passes an allow-list; an empty list allows all
func allowed(list []string, label string) bool {
	return len(list) == 0 || slices.Contains(list, label)
}

func (p *Processor) failed(cameraID, msg string) *ResultMessage {
	return &ResultMessage{
		CameraID:  cameraID,
		Timestamp: p.now().UnixMilli(),
		Results:   Results{},
		Error:     &msg,
	}
}
