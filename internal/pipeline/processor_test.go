package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedeep/internal/camera"
	"seedeep/internal/detection"
	"seedeep/internal/session"
	"seedeep/internal/tracking"
)

// scriptedDetector returns detections keyed by frame payload and records
// the class filters it was called with
type scriptedDetector struct {
	mu      sync.Mutex
	byFrame map[string][]detection.Detection
	failing map[string]string
	panics  bool
	filters map[string][]string
}

func (s *scriptedDetector) Detect(_ context.Context, frame []byte, model string, classFilter []string) *detection.ModelResult {
	if s.panics {
		panic("boom")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filters == nil {
		s.filters = make(map[string][]string)
	}
	s.filters[model] = classFilter
	if msg, ok := s.failing[model]; ok {
		return detection.FailedResult(model, msg)
	}
	dets := append([]detection.Detection{}, s.byFrame[string(frame)]...)
	return &detection.ModelResult{Detections: dets, Count: len(dets), Model: model}
}

func boxAt(cx, cy float64, label string) detection.Detection {
	return detection.Detection{X1: cx - 10, Y1: cy - 10, X2: cx + 10, Y2: cy + 10, Confidence: 0.9, Label: label}
}

func newTestProcessor(d Detector) *Processor {
	p := NewProcessor(d)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p
}

func trackingConfig() session.Config {
	f := camera.DefaultFeatures()
	f.Tracking = true
	f.Speed = true
	f.Distance = true
	return session.Config{
		CameraID:       "cam-1",
		Features:       f,
		ActiveModels:   []string{camera.ModelGeneral},
		Calibrated:     true,
		PixelsPerMeter: 100,
		FPS:            30,
	}
}

func TestProcessor_SpeedFromTwoFrames(t *testing.T) {
	t.Parallel()
	d := &scriptedDetector{byFrame: map[string][]detection.Detection{
		"f1": {boxAt(100, 100, "car")},
		"f2": {boxAt(110, 100, "car")},
	}}
	p := newTestProcessor(d)
	cfg := trackingConfig()
	tr := tracking.NewTracker(0, 0)

	p.Process(context.Background(), cfg, tr, &FrameData{Data: []byte("f1")})
	msg := p.Process(context.Background(), cfg, tr, &FrameData{Data: []byte("f2")})

	require.Nil(t, msg.Error)
	assert.Equal(t, "cam-1", msg.CameraID)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
	assert.True(t, msg.Calibrated)

	model, ok := msg.Results.Model(camera.ModelGeneral)
	require.True(t, ok)
	assert.Equal(t, 1, model.Count)

	tr2, ok := msg.Results.Tracking()
	require.True(t, ok)
	require.Len(t, tr2.TrackedObjects, 1)
	assert.Equal(t, TrackingSummary{TotalTracks: 1, ActiveTracks: 1}, tr2.Summary)

	for _, obj := range tr2.TrackedObjects {
		assert.Equal(t, [2]float64{10, 0}, obj.Velocity)
		assert.Equal(t, 2, obj.Age)
		assert.InDelta(t, 2.0/30.0, obj.TimeInFrameSeconds, 1e-9)
		require.NotNil(t, obj.SpeedResult)
		assert.InDelta(t, 300.0, obj.SpeedPxPerSec, 1e-9)
		require.NotNil(t, obj.SpeedMPerSec)
		assert.InDelta(t, 3.0, *obj.SpeedMPerSec, 1e-9)
		assert.InDelta(t, 10.8, *obj.SpeedKmh, 1e-9)
		require.NotNil(t, obj.CameraDistance)
		assert.InDelta(t, 1.1, obj.PositionMeters.X, 1e-9)
		assert.InDelta(t, 1.0, obj.PositionMeters.Y, 1e-9)
	}
}

func TestProcessor_MessageJSON(t *testing.T) {
	t.Parallel()
	d := &scriptedDetector{byFrame: map[string][]detection.Detection{"f1": {boxAt(100, 100, "car")}}}
	p := newTestProcessor(d)
	cfg := trackingConfig()
	cfg.Calibrated = false
	cfg.PixelsPerMeter = 0

	msg := p.Process(context.Background(), cfg, tracking.NewTracker(0, 0), &FrameData{Data: []byte("f1")})
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "cam-1", decoded["camera_id"])
	assert.Equal(t, false, decoded["calibrated"])
	assert.NotContains(t, decoded, "error")
	assert.NotContains(t, decoded, "frame")

	results := decoded["results"].(map[string]any)
	assert.Contains(t, results, camera.ModelGeneral)
	trackingBlock := results["tracking"].(map[string]any)
	objects := trackingBlock["tracked_objects"].(map[string]any)
	require.Len(t, objects, 1)
	for _, o := range objects {
		obj := o.(map[string]any)
		assert.Equal(t, "car", obj["class_name"])
		assert.Equal(t, []any{90.0, 90.0, 110.0, 110.0}, obj["bbox"])
		assert.Contains(t, obj, "speed_px_per_sec")
		assert.NotContains(t, obj, "speed_m_per_sec")
		assert.NotContains(t, obj, "distance_from_camera_m")
	}
}

func TestProcessor_ClassFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		features func(*camera.Features)
		models   []string
		want     map[string][]string
	}{
		{
			name:     "detection classes restricted per model",
			features: func(f *camera.Features) { f.DetectionClasses = []string{"car", "knife", "fire"} },
			models:   []string{camera.ModelGeneral, camera.ModelWeapon},
			want:     map[string][]string{camera.ModelGeneral: {"car"}, camera.ModelWeapon: {"knife"}},
		},
		{
			name:     "no matching detection class keeps all",
			features: func(f *camera.Features) { f.DetectionClasses = []string{"fire"} },
			models:   []string{camera.ModelGeneral},
			want:     map[string][]string{camera.ModelGeneral: nil},
		},
		{
			name: "class_filters fallback",
			features: func(f *camera.Features) {
				f.ClassFilters = map[string][]string{camera.ModelGeneral: {"person"}}
			},
			models: []string{camera.ModelGeneral, camera.ModelFire},
			want:   map[string][]string{camera.ModelGeneral: {"person"}, camera.ModelFire: nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &scriptedDetector{}
			cfg := session.Config{CameraID: "cam", Features: camera.DefaultFeatures(), ActiveModels: tt.models}
			tt.features(&cfg.Features)

			newTestProcessor(d).Process(context.Background(), cfg, nil, &FrameData{})
			assert.Equal(t, tt.want, d.filters)
		})
	}
}

func TestProcessor_ModelFailureIsolated(t *testing.T) {
	t.Parallel()
	d := &scriptedDetector{
		byFrame: map[string][]detection.Detection{"f": {boxAt(50, 50, "car")}},
		failing: map[string]string{camera.ModelFire: "Failed to load model"},
	}
	cfg := session.Config{
		CameraID:     "cam",
		Features:     camera.DefaultFeatures(),
		ActiveModels: []string{camera.ModelFire, camera.ModelGeneral},
	}

	msg := newTestProcessor(d).Process(context.Background(), cfg, nil, &FrameData{Data: []byte("f")})
	require.Nil(t, msg.Error)

	fire, ok := msg.Results.Model(camera.ModelFire)
	require.True(t, ok)
	require.NotNil(t, fire.Error)
	assert.Equal(t, "Failed to load model", *fire.Error)
	assert.Empty(t, fire.Detections)

	general, ok := msg.Results.Model(camera.ModelGeneral)
	require.True(t, ok)
	assert.Equal(t, 1, general.Count)
	assert.Equal(t, 1, msg.Results.TotalDetections())

	_, ok = msg.Results.Tracking()
	assert.False(t, ok)
}

func TestProcessor_TrackingClassesAndSpeedClasses(t *testing.T) {
	t.Parallel()
	d := &scriptedDetector{byFrame: map[string][]detection.Detection{
		"f": {boxAt(50, 50, "car"), boxAt(300, 300, "person")},
	}}
	cfg := trackingConfig()
	cfg.Features.TrackingClasses = []string{"car", "person"}
	cfg.Features.SpeedClasses = []string{"car"}
	cfg.Features.DistanceClasses = []string{"person"}

	msg := newTestProcessor(d).Process(context.Background(), cfg, tracking.NewTracker(0, 0), &FrameData{Data: []byte("f")})
	tr, ok := msg.Results.Tracking()
	require.True(t, ok)
	require.Len(t, tr.TrackedObjects, 2)
	for _, obj := range tr.TrackedObjects {
		switch obj.ClassName {
		case "car":
			assert.NotNil(t, obj.SpeedResult)
			assert.Nil(t, obj.CameraDistance)
		case "person":
			assert.Nil(t, obj.SpeedResult)
			assert.NotNil(t, obj.CameraDistance)
		}
	}

	cfg.Features.TrackingClasses = []string{"bicycle"}
	msg = newTestProcessor(d).Process(context.Background(), cfg, tracking.NewTracker(0, 0), &FrameData{Data: []byte("f")})
	tr, _ = msg.Results.Tracking()
	assert.Empty(t, tr.TrackedObjects)
}

func TestProcessor_DetectionDisabled(t *testing.T) {
	t.Parallel()
	d := &scriptedDetector{}
	cfg := session.Config{CameraID: "cam", Features: camera.Features{}, ActiveModels: []string{camera.ModelGeneral}}

	msg := newTestProcessor(d).Process(context.Background(), cfg, nil, &FrameData{})
	assert.Empty(t, msg.Results)
	assert.Nil(t, d.filters)
}

func TestProcessor_PanicYieldsErrorMessage(t *testing.T) {
	t.Parallel()
	cfg := trackingConfig()

	msg := newTestProcessor(&scriptedDetector{panics: true}).Process(context.Background(), cfg, tracking.NewTracker(0, 0), &FrameData{})
	require.NotNil(t, msg)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "panic: boom", *msg.Error)
	assert.Empty(t, msg.Results)
	assert.False(t, msg.Calibrated)
	assert.Equal(t, "cam-1", msg.CameraID)
}
