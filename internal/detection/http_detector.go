package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// HTTPDetector calls a model-serving HTTP endpoint
type HTTPDetector struct {
	endpoint string
	client   *http.Client

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// httpDetectResponse is the body returned by POST /detect
type httpDetectResponse struct {
	Detections []Detection `json:"detections"`
	Count      int         `json:"count"`
	Model      string      `json:"model"`
	Error      string      `json:"error,omitempty"`
}

// NewHTTPDetector creates an HTTP detection backend
func NewHTTPDetector(endpoint string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the backend name
func (hd *HTTPDetector) Name() string {
	return "http"
}

// IsHealthy checks if the detection service is available
func (hd *HTTPDetector) IsHealthy(ctx context.Context) bool {
	hd.mu.Lock()
	// Cache health check for 30 seconds
	if time.Since(hd.healthCheck) < 30*time.Second && hd.healthy {
		hd.mu.Unlock()
		return true
	}
	hd.mu.Unlock()

	healthy := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hd.endpoint+"/health", nil)
	if err == nil {
		resp, err := hd.client.Do(req)
		if err != nil {
			log.Printf("[HTTPDetector] Health check failed: %v", err)
		} else {
			resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK
			if !healthy {
				log.Printf("[HTTPDetector] Health check returned status %d", resp.StatusCode)
			}
		}
	}

	hd.mu.Lock()
	hd.healthy = healthy
	hd.healthCheck = time.Now()
	hd.mu.Unlock()
	return healthy
}

// Detect posts the frame to /detect and decodes the detections
func (hd *HTTPDetector) Detect(ctx context.Context, frame []byte, model string, confThreshold float64) ([]Detection, error) {
	// Create multipart form data
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	// Add image file with proper Content-Type header
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame); err != nil {
		return nil, err
	}

	w.WriteField("model", model)
	w.WriteField("conf_threshold", fmt.Sprintf("%.2f", confThreshold))
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hd.client.Do(req)
	if err != nil {
		hd.mu.Lock()
		hd.healthy = false
		hd.mu.Unlock()
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("model %s: %s", model, result.Error)
	}
	return result.Detections, nil
}

// Close releases idle connections
func (hd *HTTPDetector) Close() error {
	hd.client.CloseIdleConnections()
	return nil
}
