package models

// BidderAccount is the budget view of a single bidder.
// Capital + Reserved is the bidder's remaining budget.
type BidderAccount struct {
	Bidder   string  `json:"bidder"`
	Capital  int64   `json:"capital"`
	Reserved int64   `json:"reserved"`
	WonItems []*Item `json:"won_items"`
}

// Budget returns capital plus the standing reservation
func (a *BidderAccount) Budget() int64 {
	return a.Capital + a.Reserved
}

// BidRequest represents the incoming bid request from API
type BidRequest struct {
	Amount int64 `json:"amount"`
}

// BidResponse represents the API response after placing a bid
type BidResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	CurrentBid int64  `json:"current_bid"`
	YourBid    int64  `json:"your_bid"`
	IsHighest  bool   `json:"is_highest"`
	EventID    string `json:"event_id,omitempty"`
}

// BidStatus constants
const (
	BidStatusAccepted = "accepted"
	BidStatusRejected = "rejected"
)
