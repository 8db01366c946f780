package announcer

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// Conn is the part of *nats.Conn used for announcements
type Conn interface {
	Publish(subj string, data []byte) error
}

// Message is the JSON body published for each announcement
type Message struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NATS publishes announcements to a core NATS subject
type NATS struct {
	conn    Conn
	subject string
}

// NewNATS creates a NATS announcer
func NewNATS(conn Conn, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

// Announce publishes text; errors are logged and dropped
func (n *NATS) Announce(text string) {
	data, err := json.Marshal(Message{Text: text, Timestamp: time.Now().UTC()})
	if err != nil {
		log.WithError(err).Warn("Failed to marshal announcement")
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		log.WithError(err).WithField("subject", n.subject).Warn("Failed to publish announcement")
	}
}
