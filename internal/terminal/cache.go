package terminal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/brewledger/internal/api"
	"github.com/kkkkikiki/brewledger/internal/ledger"
	"github.com/kkkkikiki/brewledger/internal/model"
)

//go:embed schema.sql
var schema string

// ErrNotCached is returned when the local mirror has no matching record
var ErrNotCached = errors.New("not in local cache")

// CachedCard is a card as last seen from the server
type CachedCard struct {
	Card     *api.Card
	CachedAt time.Time
}

// Cache is a read-only mirror of server data kept on the terminal so cards
// can be recognized and carts priced while the server is unreachable. It is
// never the source of truth for balances.
type Cache struct {
	db *sqlx.DB
}

// NewCache creates a cache on the terminal's SQLite database
func NewCache(db *sqlx.DB) *Cache {
	return &Cache{db: db}
}

// Migrate creates the cache tables
func (c *Cache) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply cache schema: %w", err)
	}
	return nil
}

// PutCard stores a card. phone is the number the card was found by, if any;
// an empty phone keeps the one already cached.
func (c *Cache) PutCard(ctx context.Context, card *api.Card, phone string) error {
	if card == nil {
		return nil
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("failed to encode card: %w", err)
	}
	if phone == "" {
		phone = card.Phone
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO card_cache (card_id, card_number, qr_token, phone, payload, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (card_id) DO UPDATE SET
			card_number = excluded.card_number,
			qr_token = excluded.qr_token,
			phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE card_cache.phone END,
			payload = excluded.payload,
			cached_at = excluded.cached_at
	`, card.ID, strings.ToUpper(card.CardNumber), card.QRToken, ledger.NormalizePhone(phone), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cache card %d: %w", card.ID, err)
	}
	return nil
}

// FindCard looks a card up by the same keys the server accepts
func (c *Cache) FindCard(ctx context.Context, key *api.LookupCardRequest) (*CachedCard, error) {
	var (
		column string
		value  string
	)
	switch {
	case strings.TrimSpace(key.QRToken) != "":
		column, value = "qr_token", strings.TrimSpace(key.QRToken)
	case strings.TrimSpace(key.CardNumber) != "":
		column, value = "card_number", strings.ToUpper(strings.TrimSpace(key.CardNumber))
	case ledger.NormalizePhone(key.Phone) != "":
		column, value = "phone", ledger.NormalizePhone(key.Phone)
	default:
		return nil, ErrNotCached
	}
	return c.getCard(ctx, `SELECT payload, cached_at FROM card_cache WHERE `+column+` = ? ORDER BY cached_at DESC LIMIT 1`, value)
}

// CardByID returns a cached card by id
func (c *Cache) CardByID(ctx context.Context, cardID int64) (*CachedCard, error) {
	return c.getCard(ctx, `SELECT payload, cached_at FROM card_cache WHERE card_id = ?`, cardID)
}

func (c *Cache) getCard(ctx context.Context, query string, arg interface{}) (*CachedCard, error) {
	var row struct {
		Payload  string    `db:"payload"`
		CachedAt time.Time `db:"cached_at"`
	}
	err := c.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card cache: %w", err)
	}

	var card api.Card
	if err := json.Unmarshal([]byte(row.Payload), &card); err != nil {
		return nil, fmt.Errorf("failed to decode cached card: %w", err)
	}
	return &CachedCard{Card: &card, CachedAt: row.CachedAt}, nil
}

// PutMenu replaces the cached menu
func (c *Cache) PutMenu(ctx context.Context, items []model.CoffeeItem) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM menu_cache`); err != nil {
		return fmt.Errorf("failed to clear menu cache: %w", err)
	}
	now := time.Now().UTC()
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode menu item %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO menu_cache (id, payload, cached_at) VALUES (?, ?, ?)`,
			item.ID, string(payload), now); err != nil {
			return fmt.Errorf("failed to cache menu item %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

// Menu returns the cached menu ordered by id
func (c *Cache) Menu(ctx context.Context) ([]model.CoffeeItem, error) {
	var payloads []string
	if err := c.db.SelectContext(ctx, &payloads, `SELECT payload FROM menu_cache ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to read menu cache: %w", err)
	}

	items := make([]model.CoffeeItem, 0, len(payloads))
	for _, p := range payloads {
		var item model.CoffeeItem
		if err := json.Unmarshal([]byte(p), &item); err != nil {
			return nil, fmt.Errorf("failed to decode cached menu item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
