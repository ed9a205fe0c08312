package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	feedSendBuffer = 64
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
)

// FeedEvent is one message on the admin live feed.
type FeedEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans lifecycle events out to connected admin consoles over WebSocket,
// the Gorilla hub pattern. Slow consumers are dropped rather than allowed to
// back-pressure the orchestrator.
type Hub struct {
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte

	authToken      string
	allowedOrigins []string

	upgrader websocket.Upgrader
	logger   *zap.Logger
	ctx      context.Context

	mu      sync.RWMutex
	clients map[*feedClient]bool
}

func NewHub(ctx context.Context, authToken string, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		register:       make(chan *feedClient),
		unregister:     make(chan *feedClient),
		broadcast:      make(chan []byte, 256),
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		ctx:            ctx,
		clients:        make(map[*feedClient]bool),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("feed client connected", zap.Int("clients", h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					h.logger.Warn("dropping slow feed client")
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast implements EventSink. Marshal failures are logged and the event
// dropped; the feed is advisory, never load-bearing.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	msg, err := json.Marshal(FeedEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshal feed event failed",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed broadcast buffer full, dropping event",
			zap.String("type", eventType),
		)
	}
}

// ServeWS upgrades an admin console connection, authenticated by bearer
// token in the header or a token query param.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else {
		token = r.URL.Query().Get("token")
	}
	if token != h.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
	}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) writePump(client *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards anything the console sends; it exists to notice closes.
func (h *Hub) readPump(client *feedClient) {
	defer func() {
		h.unregister <- client
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
