package detection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	dets    []Detection
	err     error
	panics  bool
	healthy bool
	closed  int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Detect(context.Context, []byte, string, float64) ([]Detection, error) {
	if f.panics {
		panic("model crashed")
	}
	return f.dets, f.err
}

func (f *fakeBackend) IsHealthy(context.Context) bool { return f.healthy }

func (f *fakeBackend) Close() error {
	f.closed++
	return nil
}

func TestGateway_Detect(t *testing.T) {
	t.Parallel()

	dets := []Detection{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Confidence: 0.9, ClassID: 2, Label: "car"},
		{X1: 5, Y1: 5, X2: 20, Y2: 20, Confidence: 0.8, ClassID: 0, Label: "person"},
		{X1: 1, Y1: 1, X2: 2, Y2: 2, Confidence: 0.7, ClassID: 7},
	}

	tests := []struct {
		name       string
		backend    *fakeBackend
		filter     []string
		wantLabels []string
		wantErr    string
	}{
		{name: "no filter keeps all", backend: &fakeBackend{dets: dets}, wantLabels: []string{"car", "person", "class_7"}},
		{name: "filter restricts labels", backend: &fakeBackend{dets: dets}, filter: []string{"person"}, wantLabels: []string{"person"}},
		{name: "backend error is inline", backend: &fakeBackend{err: errors.New("timeout")}, wantErr: "timeout"},
		{name: "panic is captured", backend: &fakeBackend{panics: true}, wantErr: "panic: model crashed"},
		{name: "invalid boxes dropped", backend: &fakeBackend{dets: []Detection{{X1: 10, X2: 0, Label: "car"}}}, wantLabels: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewGateway(NewRegistry(tt.backend), 0.25)
			res := g.Detect(context.Background(), []byte("jpeg"), "general_detection", tt.filter)

			require.NotNil(t, res)
			assert.Equal(t, "general_detection", res.Model)
			if tt.wantErr != "" {
				require.NotNil(t, res.Error)
				assert.Equal(t, tt.wantErr, *res.Error)
				assert.Empty(t, res.Detections)
				assert.NotNil(t, res.Detections)
				assert.Zero(t, res.Count)
				return
			}
			assert.Nil(t, res.Error)
			labels := []string{}
			for _, d := range res.Detections {
				labels = append(labels, d.Label)
			}
			assert.Equal(t, tt.wantLabels, labels)
			assert.Equal(t, len(tt.wantLabels), res.Count)
		})
	}
}

func TestGateway_NoBackend(t *testing.T) {
	t.Parallel()
	g := NewGateway(NewRegistry(nil), 0.25)
	res := g.Detect(context.Background(), nil, "fire_detection", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, ErrBackendDisabled.Error(), *res.Error)
	assert.False(t, g.IsHealthy(context.Background(), "fire_detection"))
}

func TestRegistry_RoutesAndCloses(t *testing.T) {
	t.Parallel()
	fallback := &fakeBackend{healthy: true}
	fire := &fakeBackend{}
	r := NewRegistry(fallback)

	require.NoError(t, r.Register("fire_detection", fire))
	assert.Error(t, r.Register("fire_detection", fire))
	assert.Error(t, r.Register("", fire))
	assert.Error(t, r.Register("x", nil))

	b, ok := r.Get("fire_detection")
	assert.True(t, ok)
	assert.Same(t, fire, b)

	b, ok = r.Get("general_detection")
	assert.True(t, ok)
	assert.Same(t, fallback, b)

	assert.Equal(t, []string{"fire_detection"}, r.Models())

	require.NoError(t, r.Close())
	assert.Equal(t, 1, fire.closed)
	assert.Equal(t, 1, fallback.closed)
}

func TestDetection_CentroidAndValidate(t *testing.T) {
	t.Parallel()
	d := Detection{X1: 10, Y1: 20, X2: 30, Y2: 60, Confidence: 0.5}
	cx, cy := d.Centroid()
	assert.Equal(t, 20.0, cx)
	assert.Equal(t, 40.0, cy)
	assert.NoError(t, d.Validate())

	d.Confidence = 1.5
	assert.Error(t, d.Validate())
}
