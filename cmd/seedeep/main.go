package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"seedeep/internal/auth"
	"seedeep/internal/camera"
	"seedeep/internal/config"
	"seedeep/internal/database"
	"seedeep/internal/detection"
	"seedeep/internal/pipeline"
	"seedeep/internal/relay"
	"seedeep/internal/services"
	"seedeep/internal/session"
	"seedeep/internal/stream"
	"seedeep/internal/ws"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service. Flags override the environment.
	var (
		envF      = flag.String("env", "", "Load environment from this file instead of .env")
		hostF     = flag.String("host", "", "Server host (overrides SEEDEEP_HOST)")
		domainF   = flag.String("domain", "", "Host domain name (overrides the listen host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides SEEDEEP_PORT)")
		secureF   = flag.Bool("secure", false, "Use secure scheme (https)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[seedeep] ", log.Ltime)
	}

	var envFiles []string
	if *envF != "" {
		envFiles = append(envFiles, *envF)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *hostF != "" {
		cfg.Server.Host = *hostF
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil {
			logger.Fatalf("invalid http port %q: %v", *httpPortF, err)
		}
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	// Initialize the camera store
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	cameraManager := camera.NewCameraManager(db, cfg.Detector.AvailableModels)
	sessions := session.NewRegistry(cfg.Pipeline.MaxDisappeared, cfg.Pipeline.MaxDistance)

	backends, err := newDetectionRegistry(cfg)
	if err != nil {
		logger.Fatalf("failed to create detection backend: %v", err)
	}
	gateway := detection.NewGateway(backends, cfg.Detector.ConfidenceThreshold)

	frames := pipeline.NewFFmpegFrameProvider(pipeline.ProviderOptions{
		FFmpegPath:     cfg.FFmpegPath,
		ConnectTimeout: cfg.Pipeline.SourceConnectTimeout,
		StallTimeout:   cfg.Pipeline.SourceStallTimeout,
		MaxRestarts:    cfg.Pipeline.SourceMaxRestarts,
	})
	orchestrator := pipeline.NewOrchestrator(cameraManager, sessions, frames, gateway, pipeline.OrchestratorOptions{
		WorkerPoolSize: cfg.Pipeline.WorkerPoolSize,
	})

	hub := ws.NewHub()
	previews := stream.NewPreviewManager(orchestrator, stream.DefaultHeartbeat)
	relayHandler := relay.NewHandler(relay.New(relay.Options{
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		ReadTimeout:    cfg.Relay.ReadTimeout,
	}), func(id string) (string, error) {
		cam, err := cameraManager.GetCamera(id)
		if err != nil {
			return "", err
		}
		return cam.StreamURL, nil
	})

	authenticator := auth.NewAuthenticator(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})

	grab := func(ctx context.Context, src string, width, height int) ([]byte, error) {
		return camera.CaptureFrame(ctx, cfg.FFmpegPath, src, width, height)
	}

	// Initialize the services.
	app := &application{
		health:   services.NewHealthService(db, orchestrator, hub.ClientCount, cfg.Detector.Backend, cameraManager.AvailableModels()),
		cameras:  services.NewCameraService(cameraManager, sessions, orchestrator, grab),
		auth:     services.NewAuthService(authenticator),
		relay:    relayHandler,
		ws:       ws.NewHandler(orchestrator, hub, cfg.Server.AllowedOrigins),
		previews: previews,
		authn:    authenticator,
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	// Start the servers and send errors (if any) to the error channel.
	{
		addr := "http://" + cfg.ServerAddress()
		u, err := url.Parse(addr)
		if err != nil {
			logger.Fatalf("invalid URL %#v: %s\n", addr, err)
		}
		if *secureF {
			u.Scheme = "https"
		}
		if *domainF != "" {
			u.Host = net.JoinHostPort(*domainF, u.Port())
		}
		handleHTTPServer(ctx, u, app, &wg, errc, logger, *dbgF)
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()

	if err := orchestrator.Close(); err != nil {
		logger.Printf("failed to stop pipeline: %v", err)
	}
	if err := backends.Close(); err != nil {
		logger.Printf("failed to close detection backends: %v", err)
	}
	if err := db.Close(); err != nil {
		logger.Printf("failed to close database: %v", err)
	}
	logger.Println("exited")
}

// newDetectionRegistry builds the detection backend named by the
// configuration and routes every available model to it
func newDetectionRegistry(cfg *config.Config) (*detection.Registry, error) {
	var backend detection.Backend
	switch cfg.Detector.Backend {
	case config.BackendHTTP:
		backend = detection.NewHTTPDetector(cfg.Detector.Endpoint, cfg.Detector.Timeout)
	case config.BackendGRPC:
		grpcBackend, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
			Endpoint: cfg.Detector.Endpoint,
			Timeout:  cfg.Detector.Timeout,
		})
		if err != nil {
			return nil, err
		}
		backend = grpcBackend
	case config.BackendNone:
		log.Printf("[Detection] No detection backend configured, results will carry errors")
		return detection.NewRegistry(nil), nil
	default:
		return nil, fmt.Errorf("unknown detection backend %q", cfg.Detector.Backend)
	}
	return detection.NewRegistry(backend), nil
}
