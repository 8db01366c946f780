// Package archive persists archived auction events into PostgreSQL.
// The archive is an audit trail; nothing reads it back into the engine.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/live-auction/internal/models"
)

// BidRecord is one accepted bid
type BidRecord struct {
	EventID     string
	Item        string
	Bidder      string
	Amount      int64
	PreviousBid int64
	Seq         uint64
	PlacedAt    time.Time
}

// StatusUpdate moves an archived item to a new status
type StatusUpdate struct {
	Item       string
	Status     string
	Winner     string
	FinalPrice int64
	At         time.Time
}

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// InitSchema creates the archive tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auction_events (
		id VARCHAR(64) PRIMARY KEY,
		type VARCHAR(50) NOT NULL,
		seq BIGINT NOT NULL,
		payload JSONB,
		occurred_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS items (
		name VARCHAR(255) PRIMARY KEY,
		category VARCHAR(255) NOT NULL,
		stats JSONB,
		attributes JSONB,
		image VARCHAR(255),
		status VARCHAR(50) DEFAULT 'pending',
		winner VARCHAR(255),
		final_price BIGINT,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bids (
		event_id VARCHAR(64) PRIMARY KEY,
		item_name VARCHAR(255) NOT NULL,
		bidder VARCHAR(255) NOT NULL,
		amount BIGINT NOT NULL,
		previous_bid BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		placed_at TIMESTAMP NOT NULL,
		FOREIGN KEY (item_name) REFERENCES items(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_seq ON auction_events(seq);
	CREATE INDEX IF NOT EXISTS idx_bids_item_name ON bids(item_name);
	CREATE INDEX IF NOT EXISTS idx_bids_bidder ON bids(bidder);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordEvent stores the raw event envelope
func (c *PostgresClient) RecordEvent(ctx context.Context, env *Envelope) error {
	query := `
		INSERT INTO auction_events (id, type, seq, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	// lib/pq sends []byte as bytea, so JSONB columns get strings
	var payload sql.NullString
	if len(env.Payload) > 0 {
		payload = sql.NullString{String: string(env.Payload), Valid: true}
	}
	if _, err := c.db.ExecContext(ctx, query, env.ID, string(env.Type), int64(env.Seq), payload, env.Timestamp); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertItem archives a newly added item
func (c *PostgresClient) InsertItem(ctx context.Context, item *models.Item) error {
	stats, err := json.Marshal(item.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO items (name, category, stats, attributes, image, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
	`

	_, err = c.db.ExecContext(ctx, query,
		item.Name,
		item.Category,
		string(stats),
		string(attrs),
		sql.NullString{String: item.Image, Valid: item.Image != ""},
		item.Status,
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// InsertBid archives an accepted bid
func (c *PostgresClient) InsertBid(ctx context.Context, bid *BidRecord) error {
	query := `
		INSERT INTO bids (event_id, item_name, bidder, amount, previous_bid, seq, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := c.db.ExecContext(ctx, query,
		bid.EventID,
		bid.Item,
		bid.Bidder,
		bid.Amount,
		bid.PreviousBid,
		int64(bid.Seq),
		bid.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// UpdateItemStatus records a round starting or resolving
func (c *PostgresClient) UpdateItemStatus(ctx context.Context, u *StatusUpdate) error {
	query := `
		UPDATE items
		SET status = $1,
		    winner = $2,
		    final_price = $3,
		    resolved_at = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE name = $5
	`

	var resolvedAt sql.NullTime
	if u.Status == models.ItemStatusSold || u.Status == models.ItemStatusUnsold {
		resolvedAt = sql.NullTime{Time: u.At, Valid: true}
	}

	result, err := c.db.ExecContext(ctx, query,
		u.Status,
		sql.NullString{String: u.Winner, Valid: u.Winner != ""},
		sql.NullInt64{Int64: u.FinalPrice, Valid: u.FinalPrice > 0},
		resolvedAt,
		u.Item,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownItem, u.Item)
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}
