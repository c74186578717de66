package relay

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"seedeep/internal/camera"
)

const defaultContentType = "multipart/x-mixed-replace; boundary=myboundary"

// URLResolver returns the upstream stream URL of a camera
type URLResolver func(cameraID string) (string, error)

// Handler serves the stream pass-through endpoint
type Handler struct {
	relay   *Relay
	resolve URLResolver
}

// NewHandler creates a relay handler
func NewHandler(r *Relay, resolve URLResolver) *Handler {
	return &Handler{relay: r, resolve: resolve}
}

// ServeStream relays the stream of cameraID to w
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request, cameraID string) {
	streamURL, err := h.resolve(cameraID)
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		writeJSONError(w, http.StatusNotFound, "Camera "+cameraID+" not found")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	case streamURL == "":
		writeJSONError(w, http.StatusBadRequest, "Camera has no stream URL configured")
		return
	}

	log.Printf("[Relay] Proxying stream for camera %s", cameraID)
	stream, err := h.relay.Open(r.Context(), streamURL)
	if err != nil {
		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			writeJSONError(w, statusErr.Code, err.Error())
		case errors.Is(err, ErrUpstreamUnreachable):
			writeJSONError(w, http.StatusBadGateway, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		log.Printf("[Relay] Camera %s: %v", cameraID, err)
		return
	}

	contentType := stream.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "0")
	hdr.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	flush()

	if _, err := stream.CopyTo(r.Context(), w, flush); err != nil {
		log.Printf("[Relay] Camera %s stream error: %v", cameraID, err)
	}
}

// ServePreflight answers the CORS preflight for the stream endpoint
func (h *Handler) ServePreflight(w http.ResponseWriter, _ *http.Request) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "*")
	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
