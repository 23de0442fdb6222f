package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/brewledger/internal/api"
)

//go:embed schema.sql
var schema string

// Entry statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSynced     = "synced"
	StatusRejected   = "rejected"
)

var (
	// ErrEntryNotFound is returned for an unknown temp id
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrNotRejected is returned when requeueing an entry that was not rejected
	ErrNotRejected = errors.New("outbox entry is not rejected")
)

// Entry is one order creation request waiting for, or confirmed by, the
// server. Payload is the JSON encoded api.CreateOrderRequest.
type Entry struct {
	Seq         int64     `db:"seq"`
	TempID      string    `db:"temp_id"`
	Payload     string    `db:"payload"`
	Status      string    `db:"status"`
	RetryCount  int       `db:"retry_count"`
	LastError   string    `db:"last_error"`
	OrderNumber string    `db:"order_number"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Request decodes the stored payload
func (e *Entry) Request() (*api.CreateOrderRequest, error) {
	var req api.CreateOrderRequest
	if err := json.Unmarshal([]byte(e.Payload), &req); err != nil {
		return nil, fmt.Errorf("failed to decode outbox entry %s: %w", e.TempID, err)
	}
	return &req, nil
}

// Counts is the number of entries per status
type Counts struct {
	Pending    int
	Processing int
	Synced     int
	Rejected   int
}

// Store is the durable outbox table in the terminal's SQLite database
type Store struct {
	db *sqlx.DB
}

// NewStore creates a store on an open SQLite database
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the outbox table
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply outbox schema: %w", err)
	}
	return nil
}

const entryColumns = `seq, temp_id, payload, status, retry_count, last_error, order_number, created_at, updated_at`

// Enqueue persists a request under its temp id with the given status
func (s *Store) Enqueue(ctx context.Context, tempID string, req *api.CreateOrderRequest, status string) (*Entry, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (temp_id, payload, status, retry_count, last_error, order_number, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', '', ?, ?)
	`, tempID, string(payload), status, now, now); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", tempID, err)
	}
	return s.Get(ctx, tempID)
}

// Get returns an entry by temp id
func (s *Store) Get(ctx context.Context, tempID string) (*Entry, error) {
	var e Entry
	err := s.db.GetContext(ctx, &e, `SELECT `+entryColumns+` FROM outbox_entries WHERE temp_id = ?`, tempID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry %s: %w", tempID, err)
	}
	return &e, nil
}

// Pending returns pending entries in creation order
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	entries := []Entry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status = ?
		ORDER BY seq
		LIMIT ?
	`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return entries, nil
}

// HeldFreeDrinks sums the free drinks that entries for a card have claimed
// but a card snapshot taken at asOf cannot show: entries not yet synced, and
// entries synced after asOf.
func (s *Store) HeldFreeDrinks(ctx context.Context, cardID int64, asOf time.Time) (int, error) {
	entries := []Entry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM outbox_entries
		WHERE status != ? OR updated_at >= ?
	`, StatusSynced, asOf.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list held entries: %w", err)
	}

	held := 0
	for i := range entries {
		e := &entries[i]
		if e.Status == StatusSynced && !e.UpdatedAt.After(asOf) {
			continue
		}
		req, err := e.Request()
		if err != nil {
			return 0, err
		}
		if req.CardID != nil && *req.CardID == cardID {
			held += req.UsedFreeDrinks
		}
	}
	return held, nil
}

// MarkProcessing claims a pending entry. Returns false if it was not pending.
func (s *Store) MarkProcessing(ctx context.Context, tempID string) (bool, error) {
	return s.transition(ctx, tempID, StatusPending, `status = ?, updated_at = ?`, StatusProcessing, time.Now().UTC())
}

// MarkSynced records the server order number of a processed entry
func (s *Store) MarkSynced(ctx context.Context, tempID, orderNumber string) error {
	_, err := s.transition(ctx, tempID, StatusProcessing,
		`status = ?, order_number = ?, last_error = '', updated_at = ?`,
		StatusSynced, orderNumber, time.Now().UTC())
	return err
}

// MarkRetry puts a processed entry back to pending and counts the attempt
func (s *Store) MarkRetry(ctx context.Context, tempID string, cause error) error {
	_, err := s.transition(ctx, tempID, StatusProcessing,
		`status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?`,
		StatusPending, cause.Error(), time.Now().UTC())
	return err
}

// MarkRejected parks an entry the server refused permanently
func (s *Store) MarkRejected(ctx context.Context, tempID string, cause error) error {
	_, err := s.transition(ctx, tempID, StatusProcessing,
		`status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?`,
		StatusRejected, cause.Error(), time.Now().UTC())
	return err
}

// Requeue returns a rejected entry to the queue
func (s *Store) Requeue(ctx context.Context, tempID string) error {
	ok, err := s.transition(ctx, tempID, StatusRejected, `status = ?, updated_at = ?`, StatusPending, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.Get(ctx, tempID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotRejected, tempID)
	}
	return nil
}

// Discard deletes an entry that was never confirmed. Used when an interactive
// checkout is refused and the cashier keeps the cart.
func (s *Store) Discard(ctx context.Context, tempID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE temp_id = ? AND status != ?`, tempID, StatusSynced); err != nil {
		return fmt.Errorf("failed to discard %s: %w", tempID, err)
	}
	return nil
}

// RecoverInFlight returns entries left processing by a crash to pending.
// The server deduplicates on temp id, so resending them is safe.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE outbox_entries SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now().UTC(), StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight entries: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Counts returns the number of entries per status
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM outbox_entries GROUP BY status`); err != nil {
		return Counts{}, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	var c Counts
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			c.Pending = r.N
		case StatusProcessing:
			c.Processing = r.N
		case StatusSynced:
			c.Synced = r.N
		case StatusRejected:
			c.Rejected = r.N
		}
	}
	return c, nil
}

// PruneSynced deletes synced entries last updated before the cutoff
func (s *Store) PruneSynced(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries WHERE status = ? AND updated_at < ?`, StatusSynced, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced entries: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *Store) transition(ctx context.Context, tempID, from, set string, args ...interface{}) (bool, error) {
	args = append(args, tempID, from)
	result, err := s.db.ExecContext(ctx, `UPDATE outbox_entries SET `+set+` WHERE temp_id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update outbox entry %s: %w", tempID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
