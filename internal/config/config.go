package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"seedeep/internal/camera"
)

// Detector backends
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
	BackendNone = "none"
)

// Config holds the service configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Detector DetectorConfig
	Pipeline PipelineConfig
	Relay    RelayConfig
	Auth     AuthConfig

	// FFmpegPath is the ffmpeg binary used for capture
	FFmpegPath string
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig configures the camera store
type DatabaseConfig struct {
	Path string
}

// DetectorConfig configures the detection backend
type DetectorConfig struct {
	Backend             string
	Endpoint            string
	Timeout             time.Duration
	AvailableModels     []string
	ConfidenceThreshold float64
}

// PipelineConfig configures frame processing and tracking
type PipelineConfig struct {
	WorkerPoolSize int
	MaxDisappeared int
	MaxDistance    float64

	SourceConnectTimeout time.Duration // wait for a new source's first frame
	SourceStallTimeout   time.Duration // frameless time before a decoder restart
	SourceMaxRestarts    int           // consecutive failed restarts before viewers get an error
}

// RelayConfig configures the stream pass-through
type RelayConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// AuthConfig configures optional JWT authentication
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// Load reads the configuration from the environment. Variables from the
// given env files (".env" when none are given) fill in keys that are not
// already set; a missing default .env is not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SEEDEEP_HOST", "localhost"),
			Port:           getEnvInt("SEEDEEP_PORT", 8080),
			AllowedOrigins: getEnvList("ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "seedeep.db"),
		},
		Detector: DetectorConfig{
			Backend:             strings.ToLower(getEnv("DETECTOR_BACKEND", BackendHTTP)),
			Endpoint:            getEnv("DETECTOR_ENDPOINT", "http://localhost:8081"),
			Timeout:             getEnvDuration("DETECTOR_TIMEOUT", 5*time.Second),
			AvailableModels:     getEnvList("AVAILABLE_MODELS", camera.DefaultAvailableModels),
			ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.5),
		},
		Pipeline: PipelineConfig{
			WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 4),
			MaxDisappeared: getEnvInt("MAX_DISAPPEARED", 30),
			MaxDistance:    getEnvFloat("MAX_DISTANCE", 100),

			SourceConnectTimeout: getEnvDuration("SOURCE_CONNECT_TIMEOUT", 10*time.Second),
			SourceStallTimeout:   getEnvDuration("SOURCE_STALL_TIMEOUT", 30*time.Second),
			SourceMaxRestarts:    getEnvInt("SOURCE_MAX_RESTARTS", 5),
		},
		Relay: RelayConfig{
			ConnectTimeout: getEnvDuration("RELAY_CONNECT_TIMEOUT", 10*time.Second),
			ReadTimeout:    getEnvDuration("RELAY_READ_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			Enabled:   getEnvBool("AUTH_ENABLED", false),
			Username:  getEnv("AUTH_USERNAME", "admin"),
			Password:  os.Getenv("AUTH_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
			JWTExpiry: getEnvDuration("JWT_EXPIRY", 24*time.Hour),
		},
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	switch c.Detector.Backend {
	case BackendHTTP, BackendGRPC:
		if c.Detector.Endpoint == "" {
			return fmt.Errorf("DETECTOR_ENDPOINT is required for the %s backend", c.Detector.Backend)
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown detector backend %q (valid: http|grpc|none)", c.Detector.Backend)
	}
	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.Detector.ConfidenceThreshold)
	}
	if len(c.Detector.AvailableModels) == 0 {
		return fmt.Errorf("AVAILABLE_MODELS must name at least one model")
	}

	if c.Pipeline.WorkerPoolSize < 1 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.Pipeline.WorkerPoolSize)
	}
	if c.Pipeline.MaxDisappeared < 0 || c.Pipeline.MaxDistance < 0 {
		return fmt.Errorf("tracking thresholds must not be negative")
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when AUTH_ENABLED=true")
	}
	return nil
}

// ServerAddress returns the listen address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or whole seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma separated list, dropping empty entries
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
