package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chattest-backend/internal/models"
	"chattest-backend/internal/services"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type TokenVerifier interface {
	ParseIdentity(tokenStr string) (models.Identity, error)
}

// SessionAccess is the part of the coordinator the hub needs.
type SessionAccess interface {
	GetSession(ctx context.Context, id string, caller models.Identity) (*models.Session, error)
	ReportStatus(ctx context.Context, id string, caller models.Identity, report services.StatusReport) (models.UserStatus, error)
}

type client struct {
	conn     *websocket.Conn
	identity models.Identity
	writeMu  sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// inbound is a frame sent by the browser.
type inbound struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// Hub fans session events from Redis pub/sub out to the websocket clients
// watching that session. One subscription exists per session with clients.
type Hub struct {
	mu          sync.RWMutex
	connections map[string][]*client
	cancelFuncs map[string]context.CancelFunc
	redisClient *redis.Client
	tokens      TokenVerifier
	sessions    SessionAccess
}

func NewHub(redisClient *redis.Client, tokens TokenVerifier, sessions SessionAccess) *Hub {
	return &Hub{
		connections: make(map[string][]*client),
		cancelFuncs: make(map[string]context.CancelFunc),
		redisClient: redisClient,
		tokens:      tokens,
		sessions:    sessions,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	sessionID := r.URL.Query().Get("sessionId")
	if tokenStr == "" || sessionID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.tokens.ParseIdentity(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.sessions.GetSession(r.Context(), sessionID, identity); err != nil {
		var nf *models.NotFoundError
		var fb *models.ForbiddenError
		switch {
		case errors.As(err, &nf):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.As(err, &fb):
			http.Error(w, "Forbidden", http.StatusForbidden)
		default:
			log.Printf("WebSocket session check failed: %v", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, identity: identity}
	h.register(sessionID, c)

	go func() {
		defer h.unregister(sessionID, c)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleInbound(sessionID, c, data)
		}
	}()
}

func (h *Hub) handleInbound(sessionID string, c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != models.EventTyping {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	isTyping := msg.IsTyping
	if _, err := h.sessions.ReportStatus(ctx, sessionID, c.identity, services.StatusReport{IsTyping: &isTyping}); err != nil {
		log.Printf("WebSocket typing report from %s failed: %v", c.identity.UserID, err)
	}
}

func (h *Hub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[sessionID] = append(h.connections[sessionID], c)

	if len(h.connections[sessionID]) == 1 && h.redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[sessionID] = cancel
		go h.subscribe(ctx, sessionID)
	}

	log.Printf("WebSocket connected: user %s session %s (total: %d)", c.identity.UserID, sessionID, len(h.connections[sessionID]))
}

func (h *Hub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.conn.Close()

	conns := h.connections[sessionID]
	for i, existing := range conns {
		if existing == c {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
		if cancel, ok := h.cancelFuncs[sessionID]; ok {
			cancel()
			delete(h.cancelFuncs, sessionID)
		}
	}

	log.Printf("WebSocket disconnected: user %s session %s", c.identity.UserID, sessionID)
}

func (h *Hub) subscribe(ctx context.Context, sessionID string) {
	pubsub := h.redisClient.Subscribe(ctx, services.SessionChannel(sessionID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(sessionID string, data []byte) {
	h.mu.RLock()
	clients := append([]*client(nil), h.connections[sessionID]...)
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			log.Printf("WebSocket write to %s failed: %v", c.identity.UserID, err)
		}
	}
}

// Publish delivers an event to this instance's clients directly. It lets
// the hub stand in for the Redis publisher in single-process setups.
func (h *Hub) Publish(ctx context.Context, sessionID string, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.broadcast(sessionID, data)
	return nil
}

// Clients reports how many websocket clients watch sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}
