package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"seedeep/internal/camera"
	"seedeep/internal/pipeline"
)

// DefaultHeartbeat is how often the last frame is re-sent to preview
// clients. Disconnected clients are only noticed on a write.
const DefaultHeartbeat = time.Second

var errFeedEnded = errors.New("preview feed ended")

// Subscriber attaches viewers to a camera's result stream
type Subscriber interface {
	Subscribe(ctx context.Context, cameraID string) (*pipeline.Subscription, error)
}

// PreviewManager serves an annotated MJPEG preview per camera. Every
// preview client of a camera shares one subscription to its results.
type PreviewManager struct {
	subscriber Subscriber
	heartbeat  time.Duration

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	cameraID string
	stream   *mjpeg.Stream
	sub      *pipeline.Subscription
	clients  int

	// frameMu guards the stream's shared frame buffer
	frameMu sync.Mutex

	ended   chan struct{}
	endOnce sync.Once
	stop    chan struct{}
}

// NewPreviewManager creates a preview manager. A heartbeat of zero uses
// DefaultHeartbeat.
func NewPreviewManager(subscriber Subscriber, heartbeat time.Duration) *PreviewManager {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &PreviewManager{
		subscriber: subscriber,
		heartbeat:  heartbeat,
		feeds:      make(map[string]*feed),
	}
}

// ServePreview streams the annotated preview of cameraID as
// multipart/x-mixed-replace until the client disconnects or the camera's
// stream ends.
func (m *PreviewManager) ServePreview(w http.ResponseWriter, r *http.Request, cameraID string) {
	f, err := m.acquire(r.Context(), cameraID)
	if err != nil {
		log.Printf("[Preview] Cannot attach to camera %s: %v", cameraID, err)
		switch {
		case errors.Is(err, camera.ErrCameraNotFound):
			http.Error(w, "Camera "+cameraID+" not found", http.StatusNotFound)
		case errors.Is(err, camera.ErrNoStreamURL):
			http.Error(w, "Camera "+cameraID+" has no stream URL", http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}
	defer m.release(f)

	w.Header().Set("Cache-Control", "no-cache")
	f.stream.ServeHTTP(&previewWriter{ResponseWriter: w, ctx: r.Context(), feed: f}, r)
}

// Viewers returns the number of preview clients attached to cameraID
func (m *PreviewManager) Viewers(cameraID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[cameraID]; ok {
		return f.clients
	}
	return 0
}

// Close ends every feed. Attached clients return on their next heartbeat.
func (m *PreviewManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.feeds {
		f.end()
	}
}

func (m *PreviewManager) acquire(ctx context.Context, cameraID string) (*feed, error) {
	m.mu.Lock()
	if f, ok := m.feeds[cameraID]; ok && !f.isEnded() {
		f.clients++
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	sub, err := m.subscriber.Subscribe(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another client may have started the feed meanwhile
	if f, ok := m.feeds[cameraID]; ok && !f.isEnded() {
		sub.Close()
		f.clients++
		return f, nil
	}

	f := &feed{
		cameraID: cameraID,
		stream:   mjpeg.NewStream(),
		sub:      sub,
		clients:  1,
		ended:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
	m.feeds[cameraID] = f
	go f.run(m.heartbeat)

	log.Printf("[Preview] Started preview feed for camera %s", cameraID)
	return f, nil
}

func (m *PreviewManager) release(f *feed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f.clients--
	if f.clients > 0 {
		return
	}
	if m.feeds[f.cameraID] == f {
		delete(m.feeds, f.cameraID)
	}
	close(f.stop)
	f.sub.Close()
	log.Printf("[Preview] Stopped preview feed for camera %s", f.cameraID)
}

func (f *feed) end() {
	f.endOnce.Do(func() { close(f.ended) })
}

func (f *feed) isEnded() bool {
	select {
	case <-f.ended:
		return true
	default:
		return false
	}
}

func (f *feed) run(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	updates := f.sub.Updates
	var last []byte

	for {
		select {
		case <-f.stop:
			return

		case u, ok := <-updates:
			if !ok {
				f.end()
				updates = nil
				continue
			}
			if u.Error != nil {
				log.Printf("[Preview] Feed for camera %s ended: %s", f.cameraID, u.Error.Error)
				f.end()
				updates = nil
				continue
			}
			if len(u.Frame) == 0 {
				continue
			}
			last = drawOverlays(u.Frame, u.Message.Results)
			f.push(last)

		case <-ticker.C:
			if last == nil {
				f.push(placeholderJPEG())
				continue
			}
			f.push(last)
		}
	}
}

func (f *feed) push(frame []byte) {
	f.frameMu.Lock()
	defer f.frameMu.Unlock()
	f.stream.UpdateJPEG(frame)
}

// previewWriter fails writes once the client or the feed is gone, so the
// stream's serve loop returns. Each part is trimmed to its declared length
// and flushed immediately.
type previewWriter struct {
	http.ResponseWriter
	ctx  context.Context
	feed *feed
	buf  []byte
}

func (w *previewWriter) Write(b []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	case <-w.feed.ended:
		return 0, errFeedEnded
	default:
	}

	w.feed.frameMu.Lock()
	w.buf = append(w.buf[:0], trimPart(b)...)
	w.feed.frameMu.Unlock()

	if _, err := w.ResponseWriter.Write(w.buf); err != nil {
		return 0, err
	}
	if err := http.NewResponseController(w.ResponseWriter).Flush(); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *previewWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var contentLength = []byte("Content-Length: ")

// trimPart cuts a multipart chunk down to its header plus the declared
// Content-Length. The stream reuses an oversized buffer for every frame.
func trimPart(b []byte) []byte {
	headerEnd := bytes.Index(b, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return b
	}
	i := bytes.Index(b[:headerEnd], contentLength)
	if i < 0 {
		return b
	}
	rest := b[i+len(contentLength) : headerEnd]
	if eol := bytes.IndexByte(rest, '\r'); eol >= 0 {
		rest = rest[:eol]
	}
	n, err := strconv.Atoi(string(rest))
	if err != nil {
		return b
	}
	end := headerEnd + 4 + n
	if end > len(b) {
		return b
	}
	return b[:end]
}

// placeholderJPEG is sent until the first frame arrives
var placeholderJPEG = sync.OnceValue(func() []byte {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50})
	return buf.Bytes()
})
