package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PurchaseEvent is an immutable record of a product being bought.
type PurchaseEvent struct {
	ID          int64     `json:"id"`
	HouseholdID string    `json:"household_id"`
	ProductID   string    `json:"product_id"`
	Quantity    int       `json:"quantity"`
	PurchasedAt time.Time `json:"purchased_at"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordPurchase appends a purchase event and makes sure the pair has a rule
// with a watermark. The first purchase of a product only seeds the watermark.
func (db *DB) RecordPurchase(ctx context.Context, ev *PurchaseEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record purchase: %w", err)
	}
	if err := insertPurchase(ctx, tx, ev); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record purchase: %w", err)
	}
	return nil
}

func insertPurchase(ctx context.Context, ex execer, ev *PurchaseEvent) error {
	if ev.Quantity <= 0 {
		ev.Quantity = 1
	}
	if ev.PurchasedAt.IsZero() {
		ev.PurchasedAt = time.Now().UTC()
	}

	now := time.Now().UnixMilli()
	result, err := ex.ExecContext(ctx, `
		INSERT INTO purchase_events (household_id, product_id, quantity, purchased_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.HouseholdID, ev.ProductID, ev.Quantity, toMillis(ev.PurchasedAt), now)
	if err != nil {
		return fmt.Errorf("insert purchase event: %w", err)
	}
	ev.ID, _ = result.LastInsertId()

	// New pair: the event becomes the baseline watermark.
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO inventory_rules (household_id, product_id, last_purchased_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (household_id, product_id) DO UPDATE SET
			last_purchased_at = excluded.last_purchased_at,
			updated_at = excluded.updated_at
		WHERE inventory_rules.last_purchased_at IS NULL
	`, ev.HouseholdID, ev.ProductID, toMillis(ev.PurchasedAt), now, now); err != nil {
		return fmt.Errorf("ensure rule: %w", err)
	}
	return nil
}

// ListPurchaseEvents returns events for a pair strictly after the given time,
// oldest first.
func (db *DB) ListPurchaseEvents(ctx context.Context, householdID, productID string, after time.Time) ([]PurchaseEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, household_id, product_id, quantity, purchased_at
		FROM purchase_events
		WHERE household_id = ? AND product_id = ? AND purchased_at > ?
		ORDER BY purchased_at, id
	`, householdID, productID, toMillis(after))
	if err != nil {
		return nil, fmt.Errorf("list purchase events: %w", err)
	}
	defer rows.Close()

	var events []PurchaseEvent
	for rows.Next() {
		var e PurchaseEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.HouseholdID, &e.ProductID, &e.Quantity, &at); err != nil {
			return nil, fmt.Errorf("scan purchase event: %w", err)
		}
		e.PurchasedAt = fromMillis(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MostRecentPurchaseQuantity returns the quantity of the latest purchase of a
// pair, or 1 when it has never been bought.
func (db *DB) MostRecentPurchaseQuantity(ctx context.Context, householdID, productID string) (int, error) {
	var qty int
	err := db.QueryRowContext(ctx, `
		SELECT quantity FROM purchase_events
		WHERE household_id = ? AND product_id = ?
		ORDER BY purchased_at DESC, id DESC LIMIT 1
	`, householdID, productID).Scan(&qty)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("most recent purchase quantity: %w", err)
	}
	return qty, nil
}
