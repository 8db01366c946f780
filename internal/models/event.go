package models

import "time"

// EventType names an outbound event delivered to observers
type EventType string

const (
	EventItemAdded      EventType = "item_added"
	EventAuctionStarted EventType = "auction_started"
	EventNewBid         EventType = "new_bid"
	EventAuctionEnd     EventType = "auction_end"
	EventAdminUpdate    EventType = "admin_update"
	EventRoomState      EventType = "room_state"
	EventObserverCount  EventType = "observer_count"
)

// Event is the envelope for every state change leaving the auction engine.
// It is sent to:
// 1. Connected observers (WebSocket)
// 2. Redis Pub/Sub mirror
// 3. NATS JetStream for archival to PostgreSQL
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ItemAddedPayload carries the freshly added item
type ItemAddedPayload struct {
	Item *Item `json:"item"`
}

// AuctionStartedPayload is sent when an item goes on the block
type AuctionStartedPayload struct {
	Item      *Item     `json:"item"`
	BasePrice int64     `json:"base_price"`
	Deadline  time.Time `json:"deadline"`
}

// NewBidPayload is sent for every accepted bid
type NewBidPayload struct {
	Item        string    `json:"item"`
	Bidder      string    `json:"bidder"`
	Amount      int64     `json:"amount"`
	PreviousBid int64     `json:"previous_bid"`
	Deadline    time.Time `json:"deadline"`
}

// AuctionEndPayload is sent when the active item is resolved.
// Winner and Amount are empty for unsold items.
type AuctionEndPayload struct {
	Item   string `json:"item"`
	Winner string `json:"winner,omitempty"`
	Amount int64  `json:"amount,omitempty"`
	Status string `json:"status"`
}

// AdminUpdatePayload is the post-resolution snapshot
type AdminUpdatePayload struct {
	Sold    []*Item          `json:"sold"`
	Unsold  []*Item          `json:"unsold"`
	Bidders []*BidderAccount `json:"bidders"`
	Pending []*Item          `json:"pending"`
}

// RoomState is the public view of the auction round
type RoomState struct {
	Active           bool      `json:"active"`
	Item             *Item     `json:"item,omitempty"`
	BasePrice        int64     `json:"base_price"`
	HighestBid       int64     `json:"highest_bid"`
	HighestBidder    string    `json:"highest_bidder,omitempty"`
	Deadline         time.Time `json:"deadline,omitzero"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	PendingCount     int       `json:"pending_count"`
}

// ObserverCountPayload reports how many observers are connected
type ObserverCountPayload struct {
	Observers int `json:"observers"`
}
