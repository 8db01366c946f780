package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/broadcast"
	"github.com/aaronwang/live-auction/internal/deadline"
	"github.com/aaronwang/live-auction/internal/ledger"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/pool"
)

// Settings are the fixed rules of every round
type Settings struct {
	BasePrice      int64
	InitialCapital int64
	Window         time.Duration
}

// DefaultSettings mirrors the house rules: base price 25, capital 1000, 50s window
var DefaultSettings = Settings{
	BasePrice:      25,
	InitialCapital: 1000,
	Window:         50 * time.Second,
}

// Publisher receives every committed event. Publish must not block.
type Publisher interface {
	Publish(ev models.Event)
}

// Announcer turns a text summary into an out-of-band announcement.
// Failures are the announcer's own business.
type Announcer interface {
	Announce(text string)
}

// round is the singleton auction round. item is nil while idle.
type round struct {
	item          *models.Item
	highestBid    int64
	highestBidder string
}

// Service is the auction state machine. Every read or mutation of the round
// and of bidder balances happens under mu, and events are published inside
// the same critical section so observers see them in commit order.
type Service struct {
	mu        sync.Mutex
	settings  Settings
	ledger    *ledger.Ledger
	pool      *pool.Pool
	hub       *broadcast.Manager
	mirrors   []Publisher
	announcer Announcer
	timer     *deadline.Timer
	round     round
	seq       uint64
	closed    bool
}

// NewService wires the state machine to its ledger, pool and notifier.
// mirrors receive the same events as observers (Redis, JetStream).
func NewService(settings Settings, l *ledger.Ledger, p *pool.Pool, hub *broadcast.Manager, announcer Announcer, mirrors ...Publisher) *Service {
	if settings.Window <= 0 {
		settings.Window = DefaultSettings.Window
	}
	s := &Service{
		settings:  settings,
		ledger:    l,
		pool:      p,
		hub:       hub,
		mirrors:   mirrors,
		announcer: announcer,
	}
	s.timer = deadline.New(func() {
		s.CheckDeadline(context.Background())
	})
	return s
}

// Close stops the deadline timer. Expiry checks after Close do nothing,
// so no event is committed while the mirrors drain.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.timer.Stop()
}

// Settings returns the round rules
func (s *Service) Settings() Settings {
	return s.settings
}

// RegisterBidder opens an account with the initial capital.
// Registering an existing bidder is a no-op.
func (s *Service) RegisterBidder(ctx context.Context, bidder string) (*models.BidderAccount, error) {
	created, err := s.ledger.Open(bidder, s.settings.InitialCapital)
	if err != nil {
		return nil, fmt.Errorf("failed to open account: %w", err)
	}
	if created {
		log.WithFields(log.Fields{
			"bidder":  bidder,
			"capital": s.settings.InitialCapital,
		}).Info("Bidder account opened")
	}
	return s.ledger.Account(bidder)
}

// AddItem places a new item in the pending pool
func (s *Service) AddItem(ctx context.Context, item *models.Item) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.pool.Add(item)
	if err != nil {
		return nil, err
	}

	s.publishLocked(models.EventItemAdded, models.ItemAddedPayload{Item: added.Clone()})
	log.WithFields(log.Fields{
		"item":     added.Name,
		"category": added.Category,
	}).Info("Item added to pool")
	return added, nil
}

// StartAuction draws a random pending item and opens bidding on it
func (s *Service) StartAuction(ctx context.Context) (*models.Item, error) {
	s.mu.Lock()

	if s.round.item != nil {
		s.mu.Unlock()
		return nil, ErrAuctionAlreadyActive
	}

	item, err := s.pool.DrawRandom()
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, pool.ErrPoolEmpty) {
			return nil, fmt.Errorf("%w: %w", ErrNothingToAuction, err)
		}
		return nil, err
	}

	s.round = round{
		item:       item,
		highestBid: s.settings.BasePrice,
	}
	dl := s.timer.Start(s.settings.Window)

	started := item.Clone()
	s.publishLocked(models.EventAuctionStarted, models.AuctionStartedPayload{
		Item:      started,
		BasePrice: s.settings.BasePrice,
		Deadline:  dl,
	})
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"item":       started.Name,
		"base_price": s.settings.BasePrice,
		"deadline":   dl,
	}).Info("Auction started")
	s.announce(fmt.Sprintf("Auction started for %s with base price %d.", started.Name, s.settings.BasePrice))
	return started, nil
}

// SubmitBid places amount on the active item for bidder.
// A rejected bid returns an error and a response carrying the reason;
// the round, balances and deadline are left untouched and no event is sent.
func (s *Service) SubmitBid(ctx context.Context, bidder string, amount int64) (*models.BidResponse, error) {
	s.mu.Lock()

	resp := &models.BidResponse{
		YourBid:    amount,
		CurrentBid: s.round.highestBid,
	}

	if s.round.item == nil {
		s.mu.Unlock()
		return s.reject(resp, bidder, ErrNoActiveAuction)
	}
	if amount <= 0 {
		s.mu.Unlock()
		return s.reject(resp, bidder, ErrInvalidBid)
	}

	previous := s.round.highestBid
	if err := s.ledger.Reserve(bidder, amount, previous, s.round.highestBidder); err != nil {
		s.mu.Unlock()
		return s.reject(resp, bidder, err)
	}

	s.round.highestBid = amount
	s.round.highestBidder = bidder
	dl := s.timer.Start(s.settings.Window)

	itemName := s.round.item.Name
	ev := s.publishLocked(models.EventNewBid, models.NewBidPayload{
		Item:        itemName,
		Bidder:      bidder,
		Amount:      amount,
		PreviousBid: previous,
		Deadline:    dl,
	})
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"item":     itemName,
		"bidder":   bidder,
		"amount":   amount,
		"previous": previous,
	}).Info("Bid accepted")
	s.announce(fmt.Sprintf("New bid! %s bids %d.", bidder, amount))

	resp.Success = true
	resp.Message = "Bid placed successfully!"
	resp.CurrentBid = amount
	resp.IsHighest = true
	resp.EventID = ev.ID
	return resp, nil
}

func (s *Service) reject(resp *models.BidResponse, bidder string, err error) (*models.BidResponse, error) {
	resp.Success = false
	resp.Reason = RejectionReason(err)
	resp.Message = err.Error()
	log.WithError(err).WithFields(log.Fields{
		"bidder": bidder,
		"amount": resp.YourBid,
	}).Debug("Bid rejected")
	return resp, err
}

// ResolveSold sells the active item to the highest bidder
func (s *Service) ResolveSold(ctx context.Context) (*models.Item, error) {
	s.mu.Lock()
	if s.round.item == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveAuction
	}
	if s.round.highestBidder == "" {
		s.mu.Unlock()
		return nil, ErrNoLeadingBid
	}
	item, err := s.resolveSoldLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.announce(fmt.Sprintf("Sold! %s goes to %s for %d.", item.Name, item.Winner, item.FinalPrice))
	return item, nil
}

// ResolveUnsold closes the active item without a sale
func (s *Service) ResolveUnsold(ctx context.Context) (*models.Item, error) {
	s.mu.Lock()
	if s.round.item == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveAuction
	}
	if s.round.highestBidder != "" {
		s.mu.Unlock()
		return nil, ErrLeadingBidExists
	}
	item := s.resolveUnsoldLocked()
	s.mu.Unlock()

	s.announce(fmt.Sprintf("%s remains unsold.", item.Name))
	return item, nil
}

// CheckDeadline resolves the active item if its deadline has passed.
// It is safe to call redundantly; it reports whether it resolved anything.
func (s *Service) CheckDeadline(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || s.round.item == nil || !s.timer.Expired() {
		s.mu.Unlock()
		return false
	}

	var (
		item *models.Item
		err  error
	)
	if s.round.highestBidder != "" {
		item, err = s.resolveSoldLocked()
	} else {
		item = s.resolveUnsoldLocked()
	}
	if err != nil {
		// leave the round to the operator; the sweep must not retry it
		s.timer.Stop()
		name := s.round.item.Name
		s.mu.Unlock()
		log.WithError(err).WithField("item", name).Error("Failed to resolve expired auction")
		return false
	}
	s.mu.Unlock()

	log.WithField("item", item.Name).Info("Auction deadline expired")
	if item.Status == models.ItemStatusSold {
		s.announce(fmt.Sprintf("Sold! %s goes to %s for %d.", item.Name, item.Winner, item.FinalPrice))
	} else {
		s.announce(fmt.Sprintf("%s remains unsold.", item.Name))
	}
	return true
}

func (s *Service) resolveSoldLocked() (*models.Item, error) {
	resolved := s.round.item.Clone()
	resolved.Status = models.ItemStatusSold
	resolved.Winner = s.round.highestBidder
	resolved.FinalPrice = s.round.highestBid
	resolved.ResolvedAt = time.Now().UTC()

	if err := s.ledger.Settle(resolved.Winner, resolved.FinalPrice, resolved.Clone()); err != nil {
		return nil, fmt.Errorf("failed to settle sale: %w", err)
	}
	s.pool.RecordSold(resolved)
	s.clearRoundLocked()

	s.publishLocked(models.EventAuctionEnd, models.AuctionEndPayload{
		Item:   resolved.Name,
		Winner: resolved.Winner,
		Amount: resolved.FinalPrice,
		Status: models.ItemStatusSold,
	})
	s.publishLocked(models.EventAdminUpdate, s.adminSnapshotLocked())

	log.WithFields(log.Fields{
		"item":   resolved.Name,
		"winner": resolved.Winner,
		"price":  resolved.FinalPrice,
	}).Info("Item sold")
	return resolved.Clone(), nil
}

func (s *Service) resolveUnsoldLocked() *models.Item {
	resolved := s.round.item.Clone()
	resolved.Status = models.ItemStatusUnsold
	resolved.ResolvedAt = time.Now().UTC()

	s.pool.RecordUnsold(resolved)
	s.ledger.ReleaseAll()
	s.clearRoundLocked()

	s.publishLocked(models.EventAuctionEnd, models.AuctionEndPayload{
		Item:   resolved.Name,
		Status: models.ItemStatusUnsold,
	})
	s.publishLocked(models.EventAdminUpdate, s.adminSnapshotLocked())

	log.WithField("item", resolved.Name).Info("Item unsold")
	return resolved.Clone()
}

func (s *Service) clearRoundLocked() {
	s.round = round{}
	s.timer.Stop()
}

// State returns the public view of the current round
func (s *Service) State() models.RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Service) stateLocked() models.RoomState {
	state := models.RoomState{
		BasePrice:    s.settings.BasePrice,
		PendingCount: s.pool.PendingCount(),
	}
	if s.round.item == nil {
		return state
	}
	state.Active = true
	state.Item = s.round.item.Clone()
	state.HighestBid = s.round.highestBid
	state.HighestBidder = s.round.highestBidder
	if dl, ok := s.timer.Deadline(); ok {
		state.Deadline = dl
		state.RemainingSeconds = int64(s.timer.Remaining().Round(time.Second) / time.Second)
	}
	return state
}

// AdminSnapshot returns sold, unsold and pending items plus every account
func (s *Service) AdminSnapshot() models.AdminUpdatePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminSnapshotLocked()
}

func (s *Service) adminSnapshotLocked() models.AdminUpdatePayload {
	return models.AdminUpdatePayload{
		Sold:    s.pool.Sold(),
		Unsold:  s.pool.Unsold(),
		Bidders: s.ledger.Accounts(),
		Pending: s.pool.Pending(),
	}
}

// Account returns one bidder's account
func (s *Service) Account(bidder string) (*models.BidderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Account(bidder)
}

// Watch subscribes an observer. The observer first receives the current
// room state, then every event committed after it.
func (s *Service) Watch(role string) *broadcast.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(role, s.eventLocked(models.EventRoomState, s.stateLocked()))
}

// Unwatch removes an observer
func (s *Service) Unwatch(sub *broadcast.Subscriber) {
	s.hub.Unsubscribe(sub)
}

// PublishState broadcasts the current room state to every observer
func (s *Service) PublishState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.eventLocked(models.EventRoomState, s.stateLocked())
	s.hub.Publish(ev)
}

// eventLocked builds an event stamped with the latest committed sequence
func (s *Service) eventLocked(typ models.EventType, payload any) models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Seq:       s.seq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (s *Service) publishLocked(typ models.EventType, payload any) models.Event {
	s.seq++
	ev := s.eventLocked(typ, payload)
	s.hub.Publish(ev)
	for _, m := range s.mirrors {
		m.Publish(ev)
	}
	return ev
}

// announce hands text to the announcer without waiting on it
func (s *Service) announce(text string) {
	if s.announcer == nil {
		return
	}
	go s.announcer.Announce(text)
}
