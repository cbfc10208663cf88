package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazypower/restock/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, Execute(context.Background()))
	return out.String()
}

func tempDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return filepath.Join(dir, "restock.db")
}

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2025-03-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), got)

	got, err = parseWhen("2025-03-04T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC), got)

	_, err = parseWhen("last tuesday")
	assert.Error(t, err)
}

func TestRecordThenRules(t *testing.T) {
	db := tempDB(t)

	out := execute(t, "record", "hh", "milk", "--at", "2025-01-01", "-q", "2", "--db", db)
	assert.Contains(t, out, "recorded milk x2 for hh")

	out = execute(t, "rules", "hh", "--db", db)
	assert.Contains(t, out, "milk")
	assert.Contains(t, out, "2025-01-01")

	out = execute(t, "rules", "other", "--db", db)
	assert.Contains(t, out, "no rules")
}

func TestRunCommandPrintsSummary(t *testing.T) {
	db := tempDB(t)
	execute(t, "record", "hh", "milk", "--at", "2025-01-01", "-q", "1", "--db", db)
	execute(t, "record", "hh", "milk", "--at", "2025-01-08", "-q", "1", "--db", db)

	out := execute(t, "run", "--db", db)
	var sum engine.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.EMAUpdated)
	assert.Zero(t, sum.Errors)
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Contains(t, out, "restock "+Version)
}
