package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// DetectMethod is the full name of the unary detection RPC. Requests and
// responses are google.protobuf.Struct messages.
const DetectMethod = "/seedeep.detection.v1.DetectionService/Detect"

// detectionServiceName is the name checked through grpc.health.v1
const detectionServiceName = "seedeep.detection.v1.DetectionService"

// GRPCDetector calls a model-serving gRPC endpoint
type GRPCDetector struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	timeout  time.Duration

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Endpoint    string
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// NewGRPCDetector creates a gRPC detection backend. The connection is
// established lazily on the first call.
func NewGRPCDetector(config GRPCDetectorConfig) (*GRPCDetector, error) {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	log.Printf("[GRPCDetector] Using %s", config.Endpoint)
	return &GRPCDetector{
		endpoint: config.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		timeout:  config.Timeout,
	}, nil
}

// Name returns the backend name
func (gd *GRPCDetector) Name() string {
	return "grpc"
}

// IsHealthy checks if the gRPC detection service is serving
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if time.Since(gd.lastHealth) < 30*time.Second && gd.healthy {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: detectionServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		log.Printf("[GRPCDetector] Health check failed: %v", err)
	}

	gd.healthMu.Lock()
	gd.healthy = healthy
	gd.lastHealth = time.Now()
	gd.healthMu.Unlock()
	return healthy
}

// Detect sends one frame to the Detect RPC
func (gd *GRPCDetector) Detect(ctx context.Context, frame []byte, model string, confThreshold float64) ([]Detection, error) {
	req, err := structpb.NewStruct(map[string]any{
		"model":          model,
		"conf_threshold": confThreshold,
		"image":          base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("detect RPC failed: %w", err)
	}

	return decodeStructResponse(model, resp)
}

// decodeStructResponse maps a Struct response onto detections through its
// JSON form
func decodeStructResponse(model string, resp *structpb.Struct) ([]Detection, error) {
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	var result httpDetectResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("model %s: %s", model, result.Error)
	}
	return result.Detections, nil
}

// Close closes the connection
func (gd *GRPCDetector) Close() error {
	return gd.conn.Close()
}
