package ws

import (
	"context"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"seedeep/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Subscriber attaches viewers to a camera's result stream
type Subscriber interface {
	Subscribe(ctx context.Context, cameraID string) (*pipeline.Subscription, error)
}

// Handler serves the per-camera result stream over WebSocket
type Handler struct {
	subscriber Subscriber
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. An empty allowedOrigins list,
// or one containing "*", accepts any origin.
func NewHandler(subscriber Subscriber, hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		subscriber: subscriber,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// ServeCamera upgrades the request and streams results for cameraID until
// the viewer disconnects. "?frames=true" attaches the source JPEG to each
// message.
func (h *Handler) ServeCamera(w http.ResponseWriter, r *http.Request, cameraID string) {
	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}
	withFrames := r.URL.Query().Get("frames") == "true"

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[WS] New connection for camera %s from %s", cameraID, r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.subscriber.Subscribe(ctx, cameraID)
	if err != nil {
		log.Printf("[WS] Cannot attach to camera %s: %v", cameraID, err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(subscribeError(cameraID, err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}
	defer sub.Close()

	h.hub.Register(cameraID, conn)
	defer h.hub.Unregister(cameraID, conn)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub.Status); err != nil {
		return
	}

	go h.readPump(cameraID, conn, cancel)
	h.writePump(ctx, cameraID, conn, sub, withFrames)
	log.Printf("[WS] Connection closed for camera %s", cameraID)
}

// readPump reads messages from the WebSocket connection
// This keeps the connection alive and handles client disconnection
func (h *Handler) readPump(cameraID string, conn *websocket.Conn, disconnected context.CancelFunc) {
	defer disconnected()

	// Configure connection
	conn.SetReadLimit(512) // Small limit since client shouldn't send much
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Read loop - mainly to detect disconnection
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("[WS] Read error for camera %s: %v", cameraID, err)
			}
			return
		}
	}
}

// writePump is the connection's only writer: results and pings
func (h *Handler) writePump(ctx context.Context, cameraID string, conn *websocket.Conn, sub *pipeline.Subscription, withFrames bool) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.Updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			data, err := encodeUpdate(update, withFrames)
			if err != nil {
				log.Printf("[WS] Error encoding result for camera %s: %v", cameraID, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WS] Error sending to client: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
