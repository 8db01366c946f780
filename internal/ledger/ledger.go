// Package ledger keeps per-bidder capital accounting for the live auction.
//
// A bidder's budget is split into spendable capital and the amount reserved
// against their standing highest bid. Capital + Reserved only shrinks when an
// item is settled to the bidder.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	ErrBidTooLow         = errors.New("bid too low")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownBidder     = errors.New("unknown bidder")
	ErrInvalidAmount     = errors.New("invalid amount")
	// ErrSettlementMismatch means the winner's reservation does not cover the sale price.
	ErrSettlementMismatch = errors.New("reservation does not match settlement price")
)

type account struct {
	capital  int64
	reserved int64
	won      []*models.Item
}

// Ledger holds every bidder account
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// Open creates an account with the given capital. Opening an existing
// account is a no-op and reports false.
func (l *Ledger) Open(bidder string, capital int64) (bool, error) {
	if bidder == "" {
		return false, fmt.Errorf("%w: empty bidder", ErrUnknownBidder)
	}
	if capital < 0 {
		return false, fmt.Errorf("%w: negative capital %d", ErrInvalidAmount, capital)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[bidder]; ok {
		return false, nil
	}
	l.accounts[bidder] = &account{capital: capital}
	return true, nil
}

// Reserve moves amount from bidder's capital into their reservation and
// releases the previous leader's reservation back to capital.
//
// highestBid and leader describe the round the bid is placed against; the
// caller must hold the round steady for the duration of the call. On any
// error no balance is changed.
func (l *Ledger) Reserve(bidder string, amount, highestBid int64, leader string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[bidder]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBidder, bidder)
	}
	if amount <= highestBid {
		return fmt.Errorf("%w: %d must exceed %d", ErrBidTooLow, amount, highestBid)
	}
	if amount > acc.capital+acc.reserved {
		return fmt.Errorf("%w: %d exceeds budget %d", ErrInsufficientFunds, amount, acc.capital+acc.reserved)
	}

	if leader != "" {
		prev, ok := l.accounts[leader]
		if !ok {
			return fmt.Errorf("%w: leader %s", ErrUnknownBidder, leader)
		}
		prev.capital += prev.reserved
		prev.reserved = 0
	}

	acc.capital -= amount
	acc.reserved = amount
	return nil
}

// Settle permanently spends the winner's reservation on item.
func (l *Ledger) Settle(bidder string, price int64, item *models.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[bidder]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBidder, bidder)
	}
	if acc.reserved != price {
		return fmt.Errorf("%w: reserved %d, price %d", ErrSettlementMismatch, acc.reserved, price)
	}

	acc.reserved = 0
	acc.won = append(acc.won, item)
	return nil
}

// ReleaseAll returns every reservation to capital.
func (l *Ledger) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, acc := range l.accounts {
		acc.capital += acc.reserved
		acc.reserved = 0
	}
}

// Account returns a copy of a single bidder account
func (l *Ledger) Account(bidder string) (*models.BidderAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, ok := l.accounts[bidder]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBidder, bidder)
	}
	return acc.view(bidder), nil
}

// Accounts returns copies of all accounts ordered by bidder handle
func (l *Ledger) Accounts() []*models.BidderAccount {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*models.BidderAccount, 0, len(l.accounts))
	for bidder, acc := range l.accounts {
		out = append(out, acc.view(bidder))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bidder < out[j].Bidder })
	return out
}

func (a *account) view(bidder string) *models.BidderAccount {
	return &models.BidderAccount{
		Bidder:   bidder,
		Capital:  a.capital,
		Reserved: a.reserved,
		WonItems: models.CloneItems(a.won),
	}
}
