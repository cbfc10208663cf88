package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/restock/internal/common"
)

// RuleStatus is the operational mode of an inventory rule.
type RuleStatus string

const (
	StatusAutoAdd     RuleStatus = "auto_add"
	StatusSuggestOnly RuleStatus = "suggest_only"
	StatusManualOnly  RuleStatus = "manual_only"
)

// Rule is the per-(household, product) cadence estimate.
type Rule struct {
	ID              int64      `json:"id"`
	HouseholdID     string     `json:"household_id"`
	ProductID       string     `json:"product_id"`
	EMADays         float64    `json:"ema_days"`
	ConfidenceScore float64    `json:"confidence_score"`
	LastPurchasedAt *time.Time `json:"last_purchased_at,omitempty"`
	Status          RuleStatus `json:"status"`
	ManualOverride  bool       `json:"manual_override"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RuleFilter narrows ListRules. Zero values mean "no constraint".
type RuleFilter struct {
	HasWatermark bool
	HasEstimate  bool
	HouseholdID  string
	Status       RuleStatus
}

// RuleUpdate is a partial update; nil fields are left alone.
type RuleUpdate struct {
	EMADays         *float64
	ConfidenceScore *float64
	LastPurchasedAt *time.Time
	Status          *RuleStatus
	ManualOverride  *bool

	// Expect makes the write conditional on the row still holding the
	// values it was computed from. A mismatch fails with ErrConflict.
	Expect *RuleState
}

// RuleState is the part of a rule that derived writes depend on.
type RuleState struct {
	ConfidenceScore float64
	ManualOverride  bool
	LastPurchasedAt *time.Time
}

// StateOf returns the compare-and-set state of r.
func StateOf(r Rule) *RuleState {
	return &RuleState{
		ConfidenceScore: r.ConfidenceScore,
		ManualOverride:  r.ManualOverride,
		LastPurchasedAt: r.LastPurchasedAt,
	}
}

func (s RuleState) matches(r Rule) bool {
	if s.ConfidenceScore != r.ConfidenceScore || s.ManualOverride != r.ManualOverride {
		return false
	}
	if s.LastPurchasedAt == nil || r.LastPurchasedAt == nil {
		return s.LastPurchasedAt == nil && r.LastPurchasedAt == nil
	}
	return toMillis(*s.LastPurchasedAt) == toMillis(*r.LastPurchasedAt)
}

// Empty reports whether the update sets nothing.
func (u RuleUpdate) Empty() bool {
	return u.EMADays == nil && u.ConfidenceScore == nil && u.LastPurchasedAt == nil &&
		u.Status == nil && u.ManualOverride == nil
}

const ruleColumns = `id, household_id, product_id, ema_days, confidence_score, last_purchased_at,
	status, manual_override, created_at, updated_at`

// ListRules returns rules matching the filter, ordered by id.
func (db *DB) ListRules(ctx context.Context, f RuleFilter) ([]Rule, error) {
	var where []string
	var args []any
	if f.HasWatermark {
		where = append(where, "last_purchased_at IS NOT NULL")
	}
	if f.HasEstimate {
		where = append(where, "ema_days > 0")
	}
	if f.HouseholdID != "" {
		where = append(where, "household_id = ?")
		args = append(args, f.HouseholdID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + ruleColumns + " FROM inventory_rules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// GetRule returns the rule for a pair, or nil if none exists.
func (db *DB) GetRule(ctx context.Context, householdID, productID string) (*Rule, error) {
	row := db.QueryRowContext(ctx, "SELECT "+ruleColumns+`
		FROM inventory_rules WHERE household_id = ? AND product_id = ?
	`, householdID, productID)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// EnsureRule returns the rule for a pair, creating an empty one (no
// watermark, no estimate) when the product is configured before any purchase.
func (db *DB) EnsureRule(ctx context.Context, householdID, productID string) (*Rule, error) {
	now := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO inventory_rules (household_id, product_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (household_id, product_id) DO NOTHING
	`, householdID, productID, now, now); err != nil {
		return nil, fmt.Errorf("ensure rule: %w", err)
	}
	return db.GetRule(ctx, householdID, productID)
}

// UpdateRule applies a partial update. The row is only written when at least
// one field actually differs; changed reports whether a write happened.
// With u.Expect set, a row that no longer holds the expected state is left
// alone and ErrConflict is returned.
func (db *DB) UpdateRule(ctx context.Context, id int64, u RuleUpdate) (bool, error) {
	if u.Empty() {
		return false, nil
	}

	var sets, diffs []string
	var setArgs, diffArgs []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		setArgs = append(setArgs, v)
		diffs = append(diffs, col+" IS NOT ?")
		diffArgs = append(diffArgs, v)
	}
	if u.EMADays != nil {
		add("ema_days", *u.EMADays)
	}
	if u.ConfidenceScore != nil {
		add("confidence_score", *u.ConfidenceScore)
	}
	if u.LastPurchasedAt != nil {
		add("last_purchased_at", toMillis(*u.LastPurchasedAt))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.ManualOverride != nil {
		add("manual_override", boolInt(*u.ManualOverride))
	}

	query := fmt.Sprintf(`UPDATE inventory_rules SET %s, updated_at = ? WHERE id = ? AND (%s)`,
		strings.Join(sets, ", "), strings.Join(diffs, " OR "))
	args := append(setArgs, time.Now().UnixMilli(), id)
	args = append(args, diffArgs...)
	if x := u.Expect; x != nil {
		var last any
		if x.LastPurchasedAt != nil {
			last = toMillis(*x.LastPurchasedAt)
		}
		query += " AND confidence_score = ? AND manual_override = ? AND last_purchased_at IS ?"
		args = append(args, x.ConfidenceScore, boolInt(x.ManualOverride), last)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update rule %d: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return true, nil
	}

	// Distinguish "already up to date" from "no such rule" and "changed under us".
	cur, err := scanRule(db.QueryRowContext(ctx, "SELECT "+ruleColumns+" FROM inventory_rules WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("update rule %d: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check rule %d: %w", id, err)
	}
	if u.Expect != nil && !u.Expect.matches(*cur) {
		return false, fmt.Errorf("update rule %d: %w", id, common.ErrConflict)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var status string
	var override int
	var last sql.NullInt64
	var created, updated int64
	if err := row.Scan(&r.ID, &r.HouseholdID, &r.ProductID, &r.EMADays, &r.ConfidenceScore, &last,
		&status, &override, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.LastPurchasedAt = timePtr(last)
	r.Status = RuleStatus(status)
	r.ManualOverride = override != 0
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
