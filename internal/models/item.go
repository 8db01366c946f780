package models

import "time"

// Item represents a lot that is put up for auction
type Item struct {
	Name       string             `json:"name"`
	Category   string             `json:"category"`
	Stats      map[string]float64 `json:"stats,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Image      string             `json:"image,omitempty"` // opaque reference from the upload store
	Status     string             `json:"status"`          // "pending", "active", "sold", "unsold"
	Winner     string             `json:"winner,omitempty"`
	FinalPrice int64              `json:"final_price,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt time.Time          `json:"resolved_at,omitzero"`
}

// ItemStatus constants
const (
	ItemStatusPending = "pending"
	ItemStatusActive  = "active"
	ItemStatusSold    = "sold"
	ItemStatusUnsold  = "unsold"
)

// Resolved reports whether the item reached a terminal status
func (i *Item) Resolved() bool {
	return i.Status == ItemStatusSold || i.Status == ItemStatusUnsold
}

// Clone returns a deep copy so snapshots never alias engine-owned maps
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	if i.Stats != nil {
		c.Stats = make(map[string]float64, len(i.Stats))
		for k, v := range i.Stats {
			c.Stats[k] = v
		}
	}
	if i.Attributes != nil {
		c.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// CloneItems copies a slice of items
func CloneItems(items []*Item) []*Item {
	out := make([]*Item, 0, len(items))
	for _, it := range items {
		out = append(out, it.Clone())
	}
	return out
}
