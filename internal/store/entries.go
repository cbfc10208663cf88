package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/restock/internal/common"
)

// EntryStatus is the lifecycle state of a list entry.
type EntryStatus string

const (
	EntryActive    EntryStatus = "active"
	EntryPurchased EntryStatus = "purchased"
	EntrySnoozed   EntryStatus = "snoozed"
)

// EntrySource records how an entry got onto the list.
type EntrySource string

const (
	SourceManual     EntrySource = "manual"
	SourceSuggestion EntrySource = "suggestion"
	SourceAuto       EntrySource = "auto"
)

// ListEntry is a product tracked on a household's list.
type ListEntry struct {
	ID          string      `json:"id"`
	HouseholdID string      `json:"household_id"`
	ProductID   string      `json:"product_id"`
	Status      EntryStatus `json:"status"`
	Quantity    int         `json:"quantity"`
	SnoozeUntil *time.Time  `json:"snooze_until,omitempty"`
	Source      EntrySource `json:"source"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewListEntry holds the fields needed to insert an entry.
type NewListEntry struct {
	HouseholdID string      `json:"household_id"`
	ProductID   string      `json:"product_id"`
	Quantity    int         `json:"quantity"`
	Source      EntrySource `json:"source"`
}

// EntryUpdate is a partial update; nil fields are left alone.
// Status may only move to active or snoozed here; use MarkPurchased for purchases.
type EntryUpdate struct {
	Status      *EntryStatus `json:"status,omitempty"`
	Quantity    *int         `json:"quantity,omitempty"`
	SnoozeUntil *time.Time   `json:"snooze_until,omitempty"`
}

const entryColumns = `id, household_id, product_id, status, quantity, snooze_until, source, created_at, updated_at`

// InsertListEntry creates an active entry. Returns ErrDuplicateEntry when the
// product already has an active entry in the household.
func (db *DB) InsertListEntry(ctx context.Context, n NewListEntry) (*ListEntry, error) {
	if n.Quantity <= 0 {
		n.Quantity = 1
	}
	if n.Source == "" {
		n.Source = SourceManual
	}

	now := time.Now().UTC()
	e := &ListEntry{
		ID:          uuid.NewString(),
		HouseholdID: n.HouseholdID,
		ProductID:   n.ProductID,
		Status:      EntryActive,
		Quantity:    n.Quantity,
		Source:      n.Source,
		CreatedAt:   fromMillis(toMillis(now)),
		UpdatedAt:   fromMillis(toMillis(now)),
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO list_entries (id, household_id, product_id, status, quantity, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.HouseholdID, e.ProductID, string(e.Status), e.Quantity, string(e.Source), toMillis(now), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert list entry %s/%s: %w", n.HouseholdID, n.ProductID, common.ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("insert list entry: %w", err)
	}
	return e, nil
}

// GetEntry returns an entry by id, or ErrNotFound.
func (db *DB) GetEntry(ctx context.Context, id string) (*ListEntry, error) {
	row := db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM list_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %s: %w", id, common.ErrNotFound)
	}
	return e, err
}

// FindActiveEntry returns the active entry for a pair, or nil.
func (db *DB) FindActiveEntry(ctx context.Context, householdID, productID string) (*ListEntry, error) {
	return db.findEntry(ctx, householdID, productID, EntryActive)
}

// FindSnoozedEntry returns the most recently updated snoozed entry for a pair, or nil.
func (db *DB) FindSnoozedEntry(ctx context.Context, householdID, productID string) (*ListEntry, error) {
	return db.findEntry(ctx, householdID, productID, EntrySnoozed)
}

func (db *DB) findEntry(ctx context.Context, householdID, productID string, status EntryStatus) (*ListEntry, error) {
	row := db.QueryRowContext(ctx, "SELECT "+entryColumns+`
		FROM list_entries WHERE household_id = ? AND product_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1
	`, householdID, productID, string(status))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s entry: %w", status, err)
	}
	return e, nil
}

// ListEntries returns a household's entries, optionally filtered by status.
func (db *DB) ListEntries(ctx context.Context, householdID string, status EntryStatus) ([]ListEntry, error) {
	query := "SELECT " + entryColumns + " FROM list_entries WHERE household_id = ?"
	args := []any{householdID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []ListEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// UpdateListEntry applies a partial update. Moving to active clears
// snooze_until. Only an active entry can be snoozed, and snooze_until is only
// accepted together with the snoozed status.
func (db *DB) UpdateListEntry(ctx context.Context, id string, u EntryUpdate) error {
	var sets []string
	var args []any
	where := "id = ?"

	if u.SnoozeUntil != nil && (u.Status == nil || *u.Status != EntrySnoozed) {
		return fmt.Errorf("update entry %s: %w: snooze_until requires status snoozed", id, common.ErrInvalidTransition)
	}
	if u.Status != nil {
		switch *u.Status {
		case EntryActive:
			sets = append(sets, "status = ?", "snooze_until = NULL")
			args = append(args, string(EntryActive))
		case EntrySnoozed:
			if u.SnoozeUntil == nil {
				return fmt.Errorf("snooze entry %s: %w: snooze_until required", id, common.ErrInvalidTransition)
			}
			sets = append(sets, "status = ?", "snooze_until = ?")
			args = append(args, string(EntrySnoozed), toMillis(*u.SnoozeUntil))
			where += " AND status = 'active'"
		default:
			return fmt.Errorf("update entry %s to %q: %w", id, *u.Status, common.ErrInvalidTransition)
		}
	}
	if u.Quantity != nil {
		if *u.Quantity <= 0 {
			return fmt.Errorf("update entry %s: %w: quantity must be positive", id, common.ErrInvalidTransition)
		}
		sets = append(sets, "quantity = ?")
		args = append(args, *u.Quantity)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	result, err := db.ExecContext(ctx,
		"UPDATE list_entries SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update entry %s: %w", id, common.ErrDuplicateEntry)
		}
		return fmt.Errorf("update entry %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = db.QueryRowContext(ctx, "SELECT status FROM list_entries WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update entry %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check entry %s: %w", id, err)
	}
	return fmt.Errorf("snooze entry %s in status %s: %w", id, status, common.ErrInvalidTransition)
}

// DeleteListEntry removes an entry. Deleting a missing entry is not an error.
func (db *DB) DeleteListEntry(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM list_entries WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

// MarkPurchased checks an active entry off the list and appends the matching
// purchase event in one transaction.
func (db *DB) MarkPurchased(ctx context.Context, id string, at time.Time) (*ListEntry, *PurchaseEvent, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin mark purchased: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM list_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("entry %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if e.Status != EntryActive {
		return nil, nil, fmt.Errorf("purchase entry %s in status %s: %w", id, e.Status, common.ErrInvalidTransition)
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE list_entries SET status = ?, updated_at = ? WHERE id = ?
	`, string(EntryPurchased), now, id); err != nil {
		return nil, nil, fmt.Errorf("mark entry %s purchased: %w", id, err)
	}

	ev := &PurchaseEvent{
		HouseholdID: e.HouseholdID,
		ProductID:   e.ProductID,
		Quantity:    e.Quantity,
		PurchasedAt: at,
	}
	if err := insertPurchase(ctx, tx, ev); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit mark purchased: %w", err)
	}

	e.Status = EntryPurchased
	e.UpdatedAt = fromMillis(now)
	return e, ev, nil
}

func scanEntry(row rowScanner) (*ListEntry, error) {
	var e ListEntry
	var status, source string
	var snooze sql.NullInt64
	var created, updated int64
	if err := row.Scan(&e.ID, &e.HouseholdID, &e.ProductID, &status, &e.Quantity, &snooze,
		&source, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Status = EntryStatus(status)
	e.Source = EntrySource(source)
	e.SnoozeUntil = timePtr(snooze)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

// isUniqueViolation matches the driver's constraint error text; modernc.org/sqlite
// reports "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
