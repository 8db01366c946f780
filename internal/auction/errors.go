package auction

import (
	"errors"

	"github.com/aaronwang/live-auction/internal/ledger"
	"github.com/aaronwang/live-auction/internal/pool"
)

var (
	ErrNothingToAuction     = errors.New("nothing to auction")
	ErrAuctionAlreadyActive = errors.New("auction already active")
	ErrNoActiveAuction      = errors.New("no active auction")
	ErrNoLeadingBid         = errors.New("no leading bid to sell to")
	ErrLeadingBidExists     = errors.New("a leading bid is standing")
	ErrInvalidBid           = errors.New("bid amount must be positive")
)

// Rejection reasons reported to bidders
const (
	ReasonBidTooLow         = "bid_too_low"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonUnknownBidder     = "unknown_bidder"
	ReasonNoActiveAuction   = "no_active_auction"
	ReasonInvalidAmount     = "invalid_amount"
)

// RejectionReason maps a SubmitBid error to the reason shown to the bidder
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrBidTooLow):
		return ReasonBidTooLow
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ledger.ErrUnknownBidder):
		return ReasonUnknownBidder
	case errors.Is(err, ErrNoActiveAuction):
		return ReasonNoActiveAuction
	case errors.Is(err, ErrInvalidBid), errors.Is(err, ledger.ErrInvalidAmount):
		return ReasonInvalidAmount
	default:
		return ""
	}
}

// IsValidation reports whether err is a rejected add-item command
func IsValidation(err error) bool {
	return errors.Is(err, pool.ErrValidation)
}
