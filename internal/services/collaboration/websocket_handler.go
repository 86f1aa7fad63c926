package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"collabrelay/internal/auth"
	"collabrelay/internal/middleware"
	"collabrelay/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections

Credentials are checked BEFORE the upgrade. A rejected request never touches
the registry, so no session is created as a side effect.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be shorter than pongWait
	maxMessageSize = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenVerifier accepts or rejects connection credentials
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	registry *Registry
	verifier TokenVerifier
}

func NewWebSocketHandler(registry *Registry, verifier TokenVerifier) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		verifier: verifier,
	}
}

// HandleDocumentConnection serves /ws/document/{id}; the path names the document
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, mux.Vars(r)["id"])
}

// HandleConnection serves /ws; the join message names the document
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request, documentID string) {
	// The connection outlives the upgrade request
	ctx := context.WithoutCancel(r.Context())

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
	)
	defer span.End()

	identity, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log.Printf("  Rejected WebSocket connection: %v", err)
		middleware.AddSpanError(ctx, err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("user.name", identity.UserName))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := NewConnection(h.registry, identity.UserName, documentID)

	// Separate goroutines prevent deadlock between reading and writing
	go writePump(conn, c)
	go readPump(ctx, conn, c)

	log.Printf("✓ WebSocket connection %s established (user: %s)", c.ID, identity.UserName)
}

// readPump feeds inbound frames to the connection until the socket fails
func readPump(ctx context.Context, conn *websocket.Conn, c *Connection) {
	defer func() {
		c.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("connection.id", c.ID),
			attribute.Int("message.size", len(frame)),
		)

		err = c.HandleMessage(msgCtx, frame)
		switch {
		case err == nil:
		case errors.Is(err, ErrConnectionClosed):
			span.End()
			return
		case errors.Is(err, protocol.ErrMalformedMessage),
			errors.Is(err, protocol.ErrUnknownMessageType),
			errors.Is(err, ErrUnexpectedMessage):
			log.Printf("  Dropping message from %s: %v", c.ID, err)
		case errors.Is(err, ErrNotJoined), errors.Is(err, ErrAlreadyJoined):
			log.Printf("  Ignoring message from %s: %v", c.ID, err)
		default:
			log.Printf("  Message from %s failed: %v", c.ID, err)
			middleware.AddSpanError(msgCtx, err)
		}

		span.End()
	}
}

// writePump writes queued frames and keeps the socket alive with pings
func writePump(conn *websocket.Conn, c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		conn.Close()
	}()

	for {
		select {
		case frame := <-c.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
