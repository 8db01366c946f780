package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	// ErrMalformed marks a message that can never be processed
	ErrMalformed = errors.New("malformed archive message")
	// ErrUnknownItem means a status update arrived for an item not archived yet
	ErrUnknownItem = errors.New("item not archived")
)

// Envelope is an archived event with its payload left raw
type Envelope struct {
	ID        string           `json:"id"`
	Type      models.EventType `json:"type"`
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

// Store is where archived events end up
type Store interface {
	RecordEvent(ctx context.Context, env *Envelope) error
	InsertItem(ctx context.Context, item *models.Item) error
	InsertBid(ctx context.Context, bid *BidRecord) error
	UpdateItemStatus(ctx context.Context, u *StatusUpdate) error
}

// message is the part of jetstream.Msg the consumer needs
type message interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// ConsumerConfig names the stream and durable consumer to read from
type ConsumerConfig struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
}

// Consumer reads archived events from JetStream and writes them to the store
type Consumer struct {
	js    jetstream.JetStream
	store Store
	cfg   ConsumerConfig
}

// NewConsumer creates a new archive consumer
func NewConsumer(js jetstream.JetStream, store Store, cfg ConsumerConfig) *Consumer {
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	return &Consumer{js: js, store: store, cfg: cfg}
}

// Start consumes until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.cfg.FilterSubject,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cc.Stop()

	log.WithFields(log.Fields{
		"stream":   c.cfg.Stream,
		"consumer": c.cfg.Durable,
		"filter":   c.cfg.FilterSubject,
	}).Info("Consuming archived events")

	<-ctx.Done()
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg message) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := c.Process(dbCtx, msg.Data())
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			log.WithError(err).Warn("Failed to ack archived event")
		}
	case errors.Is(err, ErrMalformed):
		log.WithError(err).Error("Dropping malformed archived event")
		msg.Term()
	default:
		log.WithError(err).Warn("Failed to archive event, will retry")
		msg.Nak()
	}
}

// Process decodes one archived event and writes it to the store
func (c *Consumer) Process(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.ID == "" || env.Type == "" {
		return fmt.Errorf("%w: missing id or type", ErrMalformed)
	}

	if err := c.store.RecordEvent(ctx, &env); err != nil {
		return err
	}

	switch env.Type {
	case models.EventItemAdded:
		var p models.ItemAddedPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.Item == nil {
			return fmt.Errorf("%w: item_added without item", ErrMalformed)
		}
		return c.store.InsertItem(ctx, p.Item)

	case models.EventAuctionStarted:
		var p models.AuctionStartedPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if p.Item == nil {
			return fmt.Errorf("%w: auction_started without item", ErrMalformed)
		}
		return c.store.UpdateItemStatus(ctx, &StatusUpdate{
			Item:   p.Item.Name,
			Status: models.ItemStatusActive,
			At:     env.Timestamp,
		})

	case models.EventNewBid:
		var p models.NewBidPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return c.store.InsertBid(ctx, &BidRecord{
			EventID:     env.ID,
			Item:        p.Item,
			Bidder:      p.Bidder,
			Amount:      p.Amount,
			PreviousBid: p.PreviousBid,
			Seq:         env.Seq,
			PlacedAt:    env.Timestamp,
		})

	case models.EventAuctionEnd:
		var p models.AuctionEndPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return c.store.UpdateItemStatus(ctx, &StatusUpdate{
			Item:       p.Item,
			Status:     p.Status,
			Winner:     p.Winner,
			FinalPrice: p.Amount,
			At:         env.Timestamp,
		})
	}

	// snapshots are kept only in auction_events
	return nil
}

func decodePayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
