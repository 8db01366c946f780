// Package nats ships auction events to a NATS JetStream stream for archival.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/models"
)

// StreamPublisher is the part of jetstream.JetStream the archiver uses
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EnsureStream creates or updates the archival stream covering prefix.>
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Auction events for archival",
		Subjects:    []string{prefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy, // each message consumed once
		MaxAge:      24 * time.Hour,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	log.WithField("stream", name).Info("JetStream stream ready")
	return nil
}

// Subject returns the subject an event type is published on
func Subject(prefix string, typ models.EventType) string {
	return prefix + "." + string(typ)
}

// Archiver publishes events to JetStream on a single background worker.
// Publishing waits for the server ack, so it never runs on the auction path.
type Archiver struct {
	js     StreamPublisher
	prefix string
	queue  chan models.Event
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewArchiver starts the archiver worker
func NewArchiver(js StreamPublisher, prefix string, buffer int) *Archiver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Archiver{
		js:     js,
		prefix: prefix,
		queue:  make(chan models.Event, buffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Publish queues ev for archival. A full queue or a closed archiver drops the event.
func (a *Archiver) Publish(ev models.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		log.WithFields(log.Fields{
			"event": ev.Type,
			"seq":   ev.Seq,
		}).Debug("Archiver closed, dropping event")
		return
	}
	select {
	case a.queue <- ev:
	default:
		log.WithFields(log.Fields{
			"event": ev.Type,
			"seq":   ev.Seq,
		}).Warn("Archive queue full, dropping event")
	}
}

// Close stops accepting events and waits for the queue to drain
func (a *Archiver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		if err := a.publish(ev); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"event": ev.Type,
				"seq":   ev.Seq,
			}).Warn("Failed to archive event")
		}
	}
}

func (a *Archiver) publish(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := Subject(a.prefix, ev.Type)
	// the event id doubles as the JetStream dedup key
	ack, err := a.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	log.WithFields(log.Fields{
		"subject":    subject,
		"stream_seq": ack.Sequence,
	}).Debug("Archived event")
	return nil
}
