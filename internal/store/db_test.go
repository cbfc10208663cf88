package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/nested/restock.db"
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Path != path {
		t.Errorf("Path = %q, want %q", db.Path, path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "purchase_events", "inventory_rules", "list_entries"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRulesConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO inventory_rules (household_id, product_id, created_at, updated_at)
		VALUES ('hh', 'milk', 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	// Duplicate pair
	_, err = db.Exec(`
		INSERT INTO inventory_rules (household_id, product_id, created_at, updated_at)
		VALUES ('hh', 'milk', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for duplicate (household, product), got nil")
	}

	// Invalid status
	_, err = db.Exec(`
		INSERT INTO inventory_rules (household_id, product_id, status, created_at, updated_at)
		VALUES ('hh', 'eggs', 'sometimes', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid status, got nil")
	}

	// Confidence out of range
	_, err = db.Exec(`
		INSERT INTO inventory_rules (household_id, product_id, confidence_score, created_at, updated_at)
		VALUES ('hh', 'bread', 101, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for confidence > 100, got nil")
	}
}

func TestEntriesOneActivePerProduct(t *testing.T) {
	db := testDB(t)

	insert := func(id, status string) error {
		_, err := db.Exec(`
			INSERT INTO list_entries (id, household_id, product_id, status, created_at, updated_at)
			VALUES (?, 'hh', 'milk', ?, 1000, 1000)
		`, id, status)
		return err
	}

	if err := insert("a", "active"); err != nil {
		t.Fatalf("first active insert: %v", err)
	}
	if err := insert("b", "purchased"); err != nil {
		t.Fatalf("purchased alongside active: %v", err)
	}
	if err := insert("c", "active"); err == nil {
		t.Error("expected unique violation for second active entry, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion after re-migrate = %d, want %d", v, len(migrations))
	}
}
