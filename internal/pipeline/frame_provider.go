package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultStallTimeout is how long a source may go without a frame before
	// its decoder is torn down and restarted
	DefaultStallTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the wait for a new source's first frame
	DefaultConnectTimeout = 10 * time.Second
	// DefaultMaxRestarts is how many consecutive failed restarts end a capture
	DefaultMaxRestarts = 5

	minRestartBackoff = time.Second
	maxRestartBackoff = 30 * time.Second
)

var (
	// ErrCaptureRunning is returned when a camera is started twice
	ErrCaptureRunning = errors.New("capture already running")
	// ErrCaptureNotFound is returned for cameras that are not capturing
	ErrCaptureNotFound = errors.New("capture not found")
	// ErrCaptureFailed is returned when subscribing to a capture that gave up
	ErrCaptureFailed = errors.New("capture failed")
	// ErrStalled is reported when a source stops producing frames
	ErrStalled = errors.New("frame source stalled")
	// ErrNoFrames is reported when a new source yields nothing in time
	ErrNoFrames = errors.New("no frames received")
)

// StreamOpener starts a decoder for url and returns its MJPEG byte stream.
// Cancelling ctx must stop the decoder.
type StreamOpener func(ctx context.Context, url string, fps, width, height int) (io.ReadCloser, error)

// ProviderOptions configures an FFmpegFrameProvider
type ProviderOptions struct {
	FFmpegPath     string        // Defaults to "ffmpeg"
	StallTimeout   time.Duration // Defaults to DefaultStallTimeout
	ConnectTimeout time.Duration // Defaults to DefaultConnectTimeout
	RestartBackoff time.Duration // First restart delay, defaults to 1s
	MaxRestarts    int           // Defaults to DefaultMaxRestarts
	Opener         StreamOpener  // Defaults to an ffmpeg subprocess
}

// FFmpegFrameProvider captures frames from cameras using FFmpeg
// and broadcasts to multiple subscribers
type FFmpegFrameProvider struct {
	cameras map[string]*cameraCapture
	mu      sync.RWMutex
	opts    ProviderOptions
}

// cameraCapture handles frame capture for a single camera
type cameraCapture struct {
	cameraID    string
	device      string
	fps         int
	width       int
	height      int
	opts        ProviderOptions
	running     atomic.Bool
	cancel      context.CancelFunc
	subscribers map[*FrameSubscription]bool
	failed      error
	subMu       sync.RWMutex
	frameSeq    atomic.Uint64
	firstFrame  chan struct{}
	firstOnce   sync.Once
	done        chan struct{}
	err         error // valid once done is closed
	stats       *CaptureStats
	statsMu     sync.RWMutex
}

// NewFFmpegFrameProvider creates a new FFmpeg-based frame provider
func NewFFmpegFrameProvider(opts ProviderOptions) *FFmpegFrameProvider {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = minRestartBackoff
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.Opener == nil {
		opts.Opener = FFmpegOpener(opts.FFmpegPath)
	}
	return &FFmpegFrameProvider{
		cameras: make(map[string]*cameraCapture),
		opts:    opts,
	}
}

func (p *FFmpegFrameProvider) Start(ctx context.Context, cameraID string, device string, fps int, width int, height int) error {
	p.mu.Lock()
	if _, exists := p.cameras[cameraID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("camera %s: %w", cameraID, ErrCaptureRunning)
	}

	// Detach from the caller's deadline; the capture lives until Stop
	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	capture := &cameraCapture{
		cameraID:    cameraID,
		device:      device,
		fps:         fps,
		width:       width,
		height:      height,
		opts:        p.opts,
		cancel:      cancel,
		subscribers: make(map[*FrameSubscription]bool),
		firstFrame:  make(chan struct{}),
		done:        make(chan struct{}),
		stats: &CaptureStats{
			CameraID: cameraID,
		},
	}
	p.cameras[cameraID] = capture
	capture.running.Store(true)
	p.mu.Unlock()

	go capture.run(captureCtx)

	timer := time.NewTimer(p.opts.ConnectTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-capture.firstFrame:
		log.Printf("[FrameProvider] Started capture for camera %s (fps: %d)", cameraID, fps)
		return nil
	case <-capture.done:
		err = capture.err
	case <-timer.C:
		err = fmt.Errorf("%w within %s", ErrNoFrames, p.opts.ConnectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.remove(capture)
	return fmt.Errorf("failed to open %s: %w", redact(device), err)
}

// remove drops capture from the provider if it is still the registered one
func (p *FFmpegFrameProvider) remove(capture *cameraCapture) {
	p.mu.Lock()
	if p.cameras[capture.cameraID] == capture {
		delete(p.cameras, capture.cameraID)
	}
	p.mu.Unlock()
	capture.stop()
}

func (p *FFmpegFrameProvider) Stop(cameraID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	capture, exists := p.cameras[cameraID]
	if !exists {
		return fmt.Errorf("camera %s: %w", cameraID, ErrCaptureNotFound)
	}

	capture.stop()
	delete(p.cameras, cameraID)

	log.Printf("[FrameProvider] Stopped capture for camera %s", cameraID)
	return nil
}

func (p *FFmpegFrameProvider) Subscribe(cameraID string, bufferSize int) (*FrameSubscription, error) {
	p.mu.RLock()
	capture, exists := p.cameras[cameraID]
	p.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrCaptureNotFound)
	}

	if bufferSize <= 0 {
		bufferSize = 5
	}

	sub := &FrameSubscription{
		CameraID: cameraID,
		Channel:  make(chan *FrameData, bufferSize),
		Done:     make(chan struct{}),
	}

	capture.subMu.Lock()
	if capture.failed != nil {
		err := capture.failed
		capture.subMu.Unlock()
		return nil, fmt.Errorf("camera %s: %w: %w", cameraID, ErrCaptureFailed, err)
	}
	capture.subscribers[sub] = true
	total := len(capture.subscribers)
	capture.subMu.Unlock()

	log.Printf("[FrameProvider] New subscriber for camera %s (total: %d)", cameraID, total)
	return sub, nil
}

func (p *FFmpegFrameProvider) Unsubscribe(sub *FrameSubscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	capture, exists := p.cameras[sub.CameraID]
	p.mu.RUnlock()

	if !exists {
		return
	}

	capture.subMu.Lock()
	if _, ok := capture.subscribers[sub]; ok {
		delete(capture.subscribers, sub)
		close(sub.Done)
	}
	remaining := len(capture.subscribers)
	capture.subMu.Unlock()

	log.Printf("[FrameProvider] Unsubscribed from camera %s (remaining: %d)", sub.CameraID, remaining)
}

func (p *FFmpegFrameProvider) IsRunning(cameraID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	capture, exists := p.cameras[cameraID]
	if !exists {
		return false
	}
	return capture.running.Load()
}

func (p *FFmpegFrameProvider) GetStats(cameraID string) *CaptureStats {
	p.mu.RLock()
	capture, exists := p.cameras[cameraID]
	p.mu.RUnlock()

	if !exists {
		return nil
	}

	capture.statsMu.RLock()
	defer capture.statsMu.RUnlock()

	// Return a copy
	stats := *capture.stats
	return &stats
}

// run supervises the source until ctx ends or the source is given up on.
// In the latter case every subscription is ended with the cause.
func (c *cameraCapture) run(ctx context.Context) {
	defer close(c.done)
	defer c.running.Store(false)

	log.Printf("[FrameProvider] Starting capture loop for camera %s", c.cameraID)

	var err error
	if c.isHTTPImageEndpoint() {
		err = c.captureHTTPImages(ctx)
	} else {
		err = c.captureStream(ctx)
	}
	if ctx.Err() != nil {
		c.err = ctx.Err()
		return
	}

	log.Printf("[FrameProvider] Capture for camera %s failed: %v", c.cameraID, err)
	c.err = err
	c.fail(err)
}

// captureStream restarts the decoder with exponential backoff. A source that
// never produced a frame is not retried; otherwise MaxRestarts consecutive
// attempts without a frame end the capture.
func (c *cameraCapture) captureStream(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.RestartBackoff
	expo.MaxInterval = maxRestartBackoff
	expo.MaxElapsedTime = 0
	restarts := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.opts.MaxRestarts)), ctx)
	restarts.Reset()

	for {
		frames, err := c.readOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.frameSeq.Load() == 0 {
			return err
		}
		if frames > 0 {
			restarts.Reset()
		}

		wait := restarts.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("gave up after %d restarts: %w", c.opts.MaxRestarts, err)
		}
		c.statsMu.Lock()
		c.stats.ReconnectAttempts++
		c.statsMu.Unlock()
		log.Printf("[FrameProvider] Capture for camera %s ended: %v (restarting in %s)", c.cameraID, err, wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *cameraCapture) readOnce(ctx context.Context) (uint64, error) {
	rc, err := c.opts.Opener(ctx, c.device, c.fps, c.width, c.height)
	if err != nil {
		return 0, err
	}
	return c.readFrames(ctx, rc)
}

// readFrames splits the MJPEG stream into frames until it ends, fails or
// stalls for longer than the stall timeout
func (c *cameraCapture) readFrames(ctx context.Context, rc io.ReadCloser) (uint64, error) {
	var closeOnce sync.Once
	closeReader := func() { closeOnce.Do(func() { rc.Close() }) }
	defer closeReader()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.opts.StallTimeout, func() {
		stalled.Store(true)
		closeReader()
	})
	defer watchdog.Stop()

	stopRead := context.AfterFunc(ctx, closeReader)
	defer stopRead()

	var frames uint64
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := rc.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)

			// Extract complete JPEG frames
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				watchdog.Reset(c.opts.StallTimeout)
				frames++
				c.broadcastFrame(frame)
			}
		}
		if err != nil {
			if stalled.Load() {
				return frames, ErrStalled
			}
			if errors.Is(err, io.EOF) {
				return frames, streamEnded(rc)
			}
			return frames, err
		}
	}
}

// streamEnded describes an orderly end of stream, with the decoder's last
// diagnostic when it has one
func streamEnded(rc io.ReadCloser) error {
	if d, ok := rc.(interface{ Diagnostic() string }); ok {
		if msg := d.Diagnostic(); msg != "" {
			return fmt.Errorf("stream ended: %s", msg)
		}
	}
	return errors.New("stream ended")
}

func (c *cameraCapture) stop() {
	c.cancel()

	// Close all subscriber channels
	c.subMu.Lock()
	for sub := range c.subscribers {
		close(sub.Done)
		delete(c.subscribers, sub)
	}
	c.subMu.Unlock()
}

// fail ends every subscription with err and refuses new ones
func (c *cameraCapture) fail(err error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.failed = err
	for sub := range c.subscribers {
		sub.Err = err
		close(sub.Done)
		delete(c.subscribers, sub)
	}
}

func (c *cameraCapture) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "snapshot"))
}

// captureHTTPImages polls a snapshot URL. It gives up on the first failure
// before any frame, or after MaxRestarts consecutive failures.
func (c *cameraCapture) captureHTTPImages(ctx context.Context) error {
	client := &http.Client{Timeout: c.opts.ConnectTimeout}
	fps := c.fps
	if fps <= 0 {
		fps = 1
	}
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := c.fetchSnapshot(ctx, client)
		if err == nil {
			failures = 0
			c.broadcastFrame(frame)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		if c.frameSeq.Load() == 0 || failures > c.opts.MaxRestarts {
			return err
		}
		log.Printf("[FrameProvider] Error fetching frame for camera %s: %v", c.cameraID, err)
	}
}

func (c *cameraCapture) fetchSnapshot(ctx context.Context, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.device, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *cameraCapture) broadcastFrame(data []byte) {
	seq := c.frameSeq.Add(1)
	now := time.Now()
	c.firstOnce.Do(func() { close(c.firstFrame) })

	frame := &FrameData{
		CameraID:  c.cameraID,
		Data:      data,
		Seq:       seq,
		Timestamp: now,
		Width:     c.width,
		Height:    c.height,
	}

	// Update stats
	c.statsMu.Lock()
	c.stats.FramesCaptured++
	c.stats.LastFrameTime = now.Unix()
	c.statsMu.Unlock()

	// Broadcast to all subscribers
	c.subMu.RLock()
	for sub := range c.subscribers {
		select {
		case sub.Channel <- frame:
		default:
			// Subscriber is slow, drop frame
			c.statsMu.Lock()
			c.stats.FramesDropped++
			c.statsMu.Unlock()
		}
	}
	subCount := len(c.subscribers)
	c.subMu.RUnlock()

	// Log progress every 100 frames
	if seq%100 == 0 {
		log.Printf("[FrameProvider] Camera %s: frame %d, %d subscribers", c.cameraID, seq, subCount)
	}
}

// FFmpegOpener returns a StreamOpener that transcodes url to MJPEG with an
// ffmpeg subprocess
func FFmpegOpener(ffmpegPath string) StreamOpener {
	return func(ctx context.Context, url string, fps, width, height int) (io.ReadCloser, error) {
		args := ffmpegArgs(url, fps, width, height)
		cmd := exec.CommandContext(ctx, ffmpegPath, args...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("error creating stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("error creating stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("error starting ffmpeg: %w", err)
		}

		stream := &ffmpegStream{ReadCloser: stdout, cmd: cmd, stderrDone: make(chan struct{})}
		go stream.consumeStderr(stderr)
		return stream, nil
	}
}

func ffmpegArgs(url string, fps, width, height int) []string {
	var args []string
	if strings.HasPrefix(url, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", url)
	if width > 0 && height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", width, height))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if fps > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", fps))
	}
	return append(args, "-q:v", "5", "-")
}

// ffmpegStream kills and reaps the subprocess on Close and keeps the last
// line ffmpeg wrote to stderr
type ffmpegStream struct {
	io.ReadCloser
	cmd        *exec.Cmd
	once       sync.Once
	stderrDone chan struct{}
	mu         sync.Mutex
	lastLine   string
}

func (s *ffmpegStream) consumeStderr(r io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.mu.Lock()
			s.lastLine = line
			s.mu.Unlock()
		}
	}
}

// Diagnostic returns ffmpeg's last stderr line, waiting briefly for the
// process to flush it after stdout ended
func (s *ffmpegStream) Diagnostic() string {
	select {
	case <-s.stderrDone:
	case <-time.After(500 * time.Millisecond):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLine
}

func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.ReadCloser.Close()
		s.cmd.Wait()
	})
	return nil
}

// redact hides credentials embedded in a source URL
func redact(device string) string {
	u, err := url.Parse(device)
	if err != nil {
		return device
	}
	return u.Redacted()
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	// Extract frame
	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}
