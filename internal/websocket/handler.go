package websocket

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin checks are left to the CORS layer in front of the router
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Engine is the slice of the auction service an observer connection needs
type Engine interface {
	Watch(role string) *broadcast.Subscriber
	Unwatch(sub *broadcast.Subscriber)
	CheckDeadline(ctx context.Context) bool
}

// SessionResolver maps a bearer token to a session
type SessionResolver interface {
	Resolve(token string) (*auth.Session, bool)
}

// Handler handles WebSocket connections
type Handler struct {
	engine   Engine
	sessions SessionResolver
}

// NewHandler creates a new WebSocket handler
func NewHandler(engine Engine, sessions SessionResolver) *Handler {
	return &Handler{
		engine:   engine,
		sessions: sessions,
	}
}

// HandleWebSocket upgrades the connection and attaches an observer.
// The token query parameter is optional; without it the observer is a spectator.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	role := string(auth.RoleSpectator)
	username := ""
	if token := r.URL.Query().Get("token"); token != "" {
		sess, ok := h.sessions.Resolve(token)
		if !ok {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		role = string(sess.Role)
		username = sess.Username
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade connection")
		return
	}

	sub := h.engine.Watch(role)
	client := &Client{
		ID:       sub.ID,
		Role:     role,
		Username: username,
		Conn:     conn,
		sub:      sub,
		engine:   h.engine,
	}

	log.WithFields(log.Fields{
		"client":   client.ID,
		"role":     role,
		"username": username,
	}).Info("Observer connected")

	go client.writePump()
	go client.readPump()
}
