package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "seedeep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func sampleRecord(id string, created time.Time) *CameraRecord {
	ppm := 120.5
	return &CameraRecord{
		ID:              id,
		Name:            "Gate " + id,
		Location:        "north",
		StreamURL:       "rtsp://10.0.0.5:554/stream",
		Width:           640,
		Height:          480,
		FPS:             15,
		IsCalibrated:    true,
		PixelsPerMeter:  &ppm,
		CalibrationMode: "reference_object",
		CalibrationPoints: []CalibrationPointRecord{
			{PixelX: 0, PixelY: 0},
			{PixelX: 120.5, PixelY: 0, RealX: 1},
		},
		Features:     json.RawMessage(`{"detection":true,"tracking":true}`),
		ActiveModels: []string{"general_detection"},
		CreatedAt:    created,
		IsActive:     true,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate())
	assert.NoError(t, db.Ping(context.Background()))
}

func TestCameraRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := sampleRecord("cam-1", created)
	require.NoError(t, db.SaveCamera(ctx, rec))

	got, err := db.GetCamera(ctx, "cam-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	opts := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(rec, got, opts); diff != "" {
		t.Errorf("camera mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveCamera_Upsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := sampleRecord("cam-1", time.Now().UTC())
	require.NoError(t, db.SaveCamera(ctx, rec))

	updated := time.Now().UTC()
	rec.Name = "Renamed"
	rec.IsCalibrated = false
	rec.PixelsPerMeter = nil
	rec.CalibrationPoints = nil
	rec.UpdatedAt = &updated
	require.NoError(t, db.SaveCamera(ctx, rec))

	got, err := db.GetCamera(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.IsCalibrated)
	assert.Nil(t, got.PixelsPerMeter)
	assert.Empty(t, got.CalibrationPoints)
	require.NotNil(t, got.UpdatedAt)

	all, err := db.ListCameras(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetCamera_Missing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetCamera(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCameraNotFound)
	assert.Nil(t, got)
}

func TestListCameras(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := sampleRecord(id, base.Add(time.Duration(i)*time.Hour))
		rec.IsActive = id != "b"
		require.NoError(t, db.SaveCamera(ctx, rec))
	}

	all, err := db.ListCameras(ctx, false)
	require.NoError(t, err)
	var ids []string
	for _, c := range all {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	active, err := db.ListCameras(ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestDeleteCamera(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCamera(ctx, sampleRecord("cam-1", time.Now().UTC())))

	ok, err := db.DeleteCamera(ctx, "cam-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.DeleteCamera(ctx, "cam-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
