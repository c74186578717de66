package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database handles SQLite database operations
type Database struct {
	db    *sql.DB
	retry RetryPolicy
}

// CalibrationPointRecord is one stored calibration pair
type CalibrationPointRecord struct {
	PixelX float64 `json:"pixel_x"`
	PixelY float64 `json:"pixel_y"`
	RealX  float64 `json:"real_x"`
	RealY  float64 `json:"real_y"`
}

// CameraRecord represents a camera stored in the database
type CameraRecord struct {
	ID                string
	Name              string
	Location          string
	StreamURL         string
	Width             int
	Height            int
	FPS               int
	IsCalibrated      bool
	PixelsPerMeter    *float64
	CalibrationMode   string
	CalibrationPoints []CalibrationPointRecord
	Features          json.RawMessage
	ActiveModels      []string
	CreatedAt         time.Time
	UpdatedAt         *time.Time
	IsActive          bool
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db, retry: DefaultRetryPolicy}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is alive
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SetRetryPolicy overrides the busy-retry policy
func (d *Database) SetRetryPolicy(p RetryPolicy) {
	d.retry = p
}

// Migrate runs all pending embedded migrations
func (d *Database) Migrate() error {
	m, err := d.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Printf("[Database] Migrations completed (version %d, dirty %v)", version, dirty)
	return nil
}

func (d *Database) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(d.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

const cameraColumns = `id, name, location, stream_url, width, height, fps, is_calibrated,
	pixels_per_meter, calibration_mode, calibration_points, features, active_models,
	created_at, updated_at, is_active`

// SaveCamera saves or updates a camera
func (d *Database) SaveCamera(ctx context.Context, cam *CameraRecord) error {
	points, err := json.Marshal(cam.CalibrationPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal calibration points: %w", err)
	}
	models := cam.ActiveModels
	if models == nil {
		models = []string{}
	}
	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("failed to marshal active models: %w", err)
	}
	features := string(cam.Features)
	if features == "" {
		features = "{}"
	}

	query := `INSERT INTO cameras (` + cameraColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			stream_url = excluded.stream_url,
			width = excluded.width,
			height = excluded.height,
			fps = excluded.fps,
			is_calibrated = excluded.is_calibrated,
			pixels_per_meter = excluded.pixels_per_meter,
			calibration_mode = excluded.calibration_mode,
			calibration_points = excluded.calibration_points,
			features = excluded.features,
			active_models = excluded.active_models,
			updated_at = excluded.updated_at,
			is_active = excluded.is_active`

	var ppm sql.NullFloat64
	if cam.PixelsPerMeter != nil {
		ppm = sql.NullFloat64{Float64: *cam.PixelsPerMeter, Valid: true}
	}
	var updated sql.NullTime
	if cam.UpdatedAt != nil {
		updated = sql.NullTime{Time: *cam.UpdatedAt, Valid: true}
	}

	return d.retry.Do(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query,
			cam.ID, cam.Name, cam.Location, cam.StreamURL, cam.Width, cam.Height, cam.FPS,
			cam.IsCalibrated, ppm, cam.CalibrationMode, string(points), features,
			string(modelsJSON), cam.CreatedAt, updated, cam.IsActive)
		if err != nil {
			return fmt.Errorf("failed to save camera: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (*CameraRecord, error) {
	var (
		cam                          CameraRecord
		location, streamURL, mode    sql.NullString
		points, features, modelsJSON sql.NullString
		ppm                          sql.NullFloat64
		updated                      sql.NullTime
	)
	err := row.Scan(&cam.ID, &cam.Name, &location, &streamURL, &cam.Width, &cam.Height, &cam.FPS,
		&cam.IsCalibrated, &ppm, &mode, &points, &features, &modelsJSON,
		&cam.CreatedAt, &updated, &cam.IsActive)
	if err != nil {
		return nil, err
	}

	cam.Location = location.String
	cam.StreamURL = streamURL.String
	cam.CalibrationMode = mode.String
	if ppm.Valid {
		v := ppm.Float64
		cam.PixelsPerMeter = &v
	}
	if updated.Valid {
		t := updated.Time
		cam.UpdatedAt = &t
	}
	if points.String != "" && points.String != "null" {
		if err := json.Unmarshal([]byte(points.String), &cam.CalibrationPoints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calibration points: %w", err)
		}
	}
	if modelsJSON.String != "" {
		if err := json.Unmarshal([]byte(modelsJSON.String), &cam.ActiveModels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active models: %w", err)
		}
	}
	if features.String != "" {
		cam.Features = json.RawMessage(features.String)
	}
	return &cam, nil
}

// ErrCameraNotFound is returned by GetCamera for unknown ids
var ErrCameraNotFound = errors.New("camera not found")

// GetCamera retrieves a camera by ID
func (d *Database) GetCamera(ctx context.Context, id string) (*CameraRecord, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras WHERE id = ?`

	var cam *CameraRecord
	err := d.retry.Do(ctx, func() error {
		var err error
		cam, err = scanCamera(d.db.QueryRowContext(ctx, query, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("camera %s: %w", id, ErrCameraNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return cam, nil
}

// ListCameras returns all cameras, newest first
func (d *Database) ListCameras(ctx context.Context, activeOnly bool) ([]*CameraRecord, error) {
	query := `SELECT ` + cameraColumns + ` FROM cameras`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC`

	var cameras []*CameraRecord
	err := d.retry.Do(ctx, func() error {
		cameras = nil
		rows, err := d.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			cam, err := scanCamera(rows)
			if err != nil {
				return fmt.Errorf("failed to scan camera: %w", err)
			}
			cameras = append(cameras, cam)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	return cameras, nil
}

// DeleteCamera deletes a camera by ID and reports whether it existed
func (d *Database) DeleteCamera(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := d.retry.Do(ctx, func() error {
		res, err := d.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete camera: %w", err)
	}
	return affected > 0, nil
}
