package detection

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type detectServer interface {
	Detect(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var testDetectServiceDesc = grpc.ServiceDesc{
	ServiceName: detectionServiceName,
	HandlerType: (*detectServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Detect",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(detectServer).Detect(ctx, in)
		},
	}},
}

type stubDetectServer struct {
	t *testing.T
}

func (s *stubDetectServer) Detect(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	img, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	require.NoError(s.t, err)
	assert.Equal(s.t, "frame", string(img))
	assert.InDelta(s.t, 0.3, fields["conf_threshold"].GetNumberValue(), 1e-9)

	if fields["model"].GetStringValue() == "broken" {
		return structpb.NewStruct(map[string]any{"error": "model unavailable"})
	}
	return structpb.NewStruct(map[string]any{
		"model": fields["model"].GetStringValue(),
		"count": 1,
		"detections": []any{
			map[string]any{"x1": 10, "y1": 20, "x2": 30, "y2": 40, "confidence": 0.75, "class_id": 2, "label": "car"},
		},
	})
}

func newBufconnDetector(t *testing.T) *GRPCDetector {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&testDetectServiceDesc, &stubDetectServer{t: t})

	hs := health.NewServer()
	hs.SetServingStatus(detectionServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	d, err := NewGRPCDetector(GRPCDetectorConfig{
		Endpoint: "passthrough:///bufnet",
		Timeout:  2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGRPCDetector_Detect(t *testing.T) {
	d := newBufconnDetector(t)
	ctx := context.Background()

	assert.True(t, d.IsHealthy(ctx))

	dets, err := d.Detect(ctx, []byte("frame"), "general_detection", 0.3)
	require.NoError(t, err)
	assert.Equal(t, []Detection{{X1: 10, Y1: 20, X2: 30, Y2: 40, Confidence: 0.75, ClassID: 2, Label: "car"}}, dets)

	_, err = d.Detect(ctx, []byte("frame"), "broken", 0.3)
	assert.ErrorContains(t, err, "model unavailable")
}

func TestGRPCDetector_ThroughGateway(t *testing.T) {
	d := newBufconnDetector(t)
	g := NewGateway(NewRegistry(d), 0.3)

	res := g.Detect(context.Background(), []byte("frame"), "general_detection", []string{"person"})
	assert.Nil(t, res.Error)
	assert.Empty(t, res.Detections)
}
