// Package redis mirrors auction events into Redis: every event is published
// on a Pub/Sub channel and the current round is kept in plain keys so that
// external readers never have to talk to the auction server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/models"
)

const (
	keyItem          = "auction:round:item"
	keyHighestBid    = "auction:round:highest_bid"
	keyHighestBidder = "auction:round:highest_bidder"
	keyDeadline      = "auction:round:deadline"
	keyLastSeq       = "auction:last_seq"
)

// Connect creates a Redis client and checks the connection
func Connect(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// Round is the mirrored view of the active round
type Round struct {
	Item          string
	HighestBid    int64
	HighestBidder string
	Deadline      time.Time
	LastSeq       uint64
}

// Mirror copies events to Redis on a single background worker so the
// auction engine never waits on the network.
type Mirror struct {
	client  *redis.Client
	channel string
	queue   chan models.Event
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewMirror starts the mirror worker
func NewMirror(client *redis.Client, channel string, buffer int) *Mirror {
	if buffer <= 0 {
		buffer = 256
	}
	m := &Mirror{
		client:  client,
		channel: channel,
		queue:   make(chan models.Event, buffer),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Publish queues ev for mirroring. A full queue or a closed mirror drops the event.
func (m *Mirror) Publish(ev models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		log.WithFields(log.Fields{
			"event": ev.Type,
			"seq":   ev.Seq,
		}).Debug("Redis mirror closed, dropping event")
		return
	}
	select {
	case m.queue <- ev:
	default:
		log.WithFields(log.Fields{
			"event": ev.Type,
			"seq":   ev.Seq,
		}).Warn("Redis mirror queue full, dropping event")
	}
}

// Close stops accepting events and waits for the queue to drain
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for ev := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.write(ctx, ev); err != nil {
			log.WithError(err).WithField("event", ev.Type).Warn("Failed to mirror event to Redis")
		}
		cancel()
	}
}

func (m *Mirror) write(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.Publish(ctx, m.channel, data)

	switch p := ev.Payload.(type) {
	case models.AuctionStartedPayload:
		pipe.Set(ctx, keyItem, p.Item.Name, 0)
		pipe.Set(ctx, keyHighestBid, p.BasePrice, 0)
		pipe.Del(ctx, keyHighestBidder)
		pipe.Set(ctx, keyDeadline, p.Deadline.Format(time.RFC3339Nano), 0)
	case models.NewBidPayload:
		pipe.Set(ctx, keyHighestBid, p.Amount, 0)
		pipe.Set(ctx, keyHighestBidder, p.Bidder, 0)
		pipe.Set(ctx, keyDeadline, p.Deadline.Format(time.RFC3339Nano), 0)
	case models.AuctionEndPayload:
		pipe.Del(ctx, keyItem, keyHighestBid, keyHighestBidder, keyDeadline)
	}
	if ev.Seq > 0 {
		pipe.Set(ctx, keyLastSeq, ev.Seq, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to exec pipeline: %w", err)
	}
	return nil
}

// GetRound reads the mirrored round. Missing keys leave zero values.
func GetRound(ctx context.Context, client *redis.Client) (*Round, error) {
	pipe := client.Pipeline()

	itemCmd := pipe.Get(ctx, keyItem)
	bidCmd := pipe.Get(ctx, keyHighestBid)
	bidderCmd := pipe.Get(ctx, keyHighestBidder)
	deadlineCmd := pipe.Get(ctx, keyDeadline)
	seqCmd := pipe.Get(ctx, keyLastSeq)

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	round := &Round{}
	if itemCmd.Err() == nil {
		round.Item = itemCmd.Val()
	}
	if bidCmd.Err() == nil {
		round.HighestBid, _ = strconv.ParseInt(bidCmd.Val(), 10, 64)
	}
	if bidderCmd.Err() == nil {
		round.HighestBidder = bidderCmd.Val()
	}
	if deadlineCmd.Err() == nil {
		round.Deadline, _ = time.Parse(time.RFC3339Nano, deadlineCmd.Val())
	}
	if seqCmd.Err() == nil {
		round.LastSeq, _ = strconv.ParseUint(seqCmd.Val(), 10, 64)
	}
	return round, nil
}
