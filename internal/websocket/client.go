package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/broadcast"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// MessageCheckTimer asks the engine to resolve the round if its deadline passed
const MessageCheckTimer = "check_timer"

// ClientMessage is what observers may send
type ClientMessage struct {
	Type string `json:"type"`
}

// Client is one observer connection
type Client struct {
	ID       string
	Role     string
	Username string
	Conn     *websocket.Conn

	sub    *broadcast.Subscriber
	engine Engine
}

// writePump pumps events from the subscriber queue to the websocket connection.
// It returns when the queue is closed (unsubscribed or evicted) or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).WithField("event", ev.Type).Error("Failed to marshal event")
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles pongs and observer messages until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.engine.Unwatch(c.sub)
		c.Conn.Close()
		log.WithField("client", c.ID).Info("Observer disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).WithField("client", c.ID).Warn("WebSocket error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.WithField("client", c.ID).Debug("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case MessageCheckTimer:
			c.engine.CheckDeadline(context.Background())
		default:
			log.WithFields(log.Fields{
				"client": c.ID,
				"type":   msg.Type,
			}).Debug("Ignoring unknown client message")
		}
	}
}
