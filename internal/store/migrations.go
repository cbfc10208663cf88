package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "purchase_events: immutable purchase log",
		SQL: `
CREATE TABLE purchase_events (
    id            INTEGER PRIMARY KEY,
    household_id  TEXT NOT NULL,
    product_id    TEXT NOT NULL,
    quantity      INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
    purchased_at  INTEGER NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE INDEX idx_events_pair ON purchase_events(household_id, product_id, purchased_at);
`,
	},
	{
		Version:     2,
		Description: "inventory_rules: per-product cadence estimate and mode",
		SQL: `
CREATE TABLE inventory_rules (
    id                 INTEGER PRIMARY KEY,
    household_id       TEXT NOT NULL,
    product_id         TEXT NOT NULL,
    ema_days           REAL NOT NULL DEFAULT 0 CHECK (ema_days >= 0),
    confidence_score   REAL NOT NULL DEFAULT 0 CHECK (confidence_score >= 0 AND confidence_score <= 100),
    last_purchased_at  INTEGER,
    status             TEXT NOT NULL DEFAULT 'manual_only' CHECK (status IN ('auto_add', 'suggest_only', 'manual_only')),
    manual_override    INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,

    UNIQUE (household_id, product_id)
);

CREATE INDEX idx_rules_status ON inventory_rules(household_id, status);
`,
	},
	{
		Version:     3,
		Description: "list_entries: household active list",
		SQL: `
CREATE TABLE list_entries (
    id            TEXT PRIMARY KEY,
    household_id  TEXT NOT NULL,
    product_id    TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'purchased', 'snoozed')),
    quantity      INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
    snooze_until  INTEGER,
    source        TEXT NOT NULL DEFAULT 'manual' CHECK (source IN ('manual', 'suggestion', 'auto')),
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);

CREATE INDEX idx_entries_pair ON list_entries(household_id, product_id, status);
CREATE UNIQUE INDEX idx_entries_one_active ON list_entries(household_id, product_id) WHERE status = 'active';
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
