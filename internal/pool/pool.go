package pool

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrDuplicateItem = fmt.Errorf("%w: duplicate item name", ErrValidation)
	ErrPoolEmpty     = errors.New("item pool is empty")
)

// RandSource picks the next item to draw.
// This interface enables dependency injection for deterministic testing.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

// cryptoRandSource wraps crypto/rand for production use
type cryptoRandSource struct{}

func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// Pool holds items waiting to be auctioned and items already resolved
type Pool struct {
	mu      sync.Mutex
	rnd     RandSource
	names   map[string]struct{}
	pending []*models.Item
	sold    []*models.Item
	unsold  []*models.Item
}

// New creates an empty pool. A nil RandSource falls back to crypto/rand.
func New(rnd RandSource) *Pool {
	if rnd == nil {
		rnd = cryptoRandSource{}
	}
	return &Pool{
		rnd:   rnd,
		names: make(map[string]struct{}),
	}
}

// Add validates item and appends it to the pending collection
func (p *Pool) Add(item *models.Item) (*models.Item, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: item is required", ErrValidation)
	}
	name := strings.TrimSpace(item.Name)
	category := strings.TrimSpace(item.Category)
	if name == "" || category == "" {
		return nil, fmt.Errorf("%w: name and category are required", ErrValidation)
	}

	added := item.Clone()
	added.Name = name
	added.Category = category
	added.Status = models.ItemStatusPending
	added.Winner = ""
	added.FinalPrice = 0
	if added.CreatedAt.IsZero() {
		added.CreatedAt = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.names[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateItem, name)
	}
	p.names[name] = struct{}{}
	p.pending = append(p.pending, added)
	return added.Clone(), nil
}

// DrawRandom removes a uniformly random pending item and marks it active
func (p *Pool) DrawRandom() (*models.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil, ErrPoolEmpty
	}

	idx := p.rnd.Intn(len(p.pending))
	item := p.pending[idx]
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	item.Status = models.ItemStatusActive
	return item, nil
}

// RecordSold files a resolved item in the sold collection
func (p *Pool) RecordSold(item *models.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sold = append(p.sold, item)
}

// RecordUnsold files a resolved item in the unsold collection
func (p *Pool) RecordUnsold(item *models.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsold = append(p.unsold, item)
}

// Pending returns copies of the items still waiting to be auctioned
func (p *Pool) Pending() []*models.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.CloneItems(p.pending)
}

// Sold returns copies of the sold items in resolution order
func (p *Pool) Sold() []*models.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.CloneItems(p.sold)
}

// Unsold returns copies of the unsold items in resolution order
func (p *Pool) Unsold() []*models.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.CloneItems(p.unsold)
}

// PendingCount returns how many items are waiting
func (p *Pool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
