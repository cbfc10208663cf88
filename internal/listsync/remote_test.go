package listsync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/config"
	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/server"
	"github.com/lazypower/restock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHTTPRemote(t *testing.T, auth config.AuthConfig) (*HTTPRemote, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng := engine.New(db, engine.DefaultParams())
	eng.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	ts := httptest.NewServer(server.New(db, eng, auth, "test"))
	t.Cleanup(ts.Close)
	return NewHTTPRemote(ts.URL), db
}

func TestHTTPRemoteEntryLifecycle(t *testing.T) {
	r, _ := testHTTPRemote(t, config.AuthConfig{})
	ctx := context.Background()

	none, err := r.FindActive(ctx, "hh", "milk")
	require.NoError(t, err)
	assert.Nil(t, none)

	e, err := r.Insert(ctx, "hh", store.NewListEntry{ProductID: "milk", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, e.Quantity)

	dup, err := r.Insert(ctx, "hh", store.NewListEntry{ProductID: "milk"})
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)
	require.NotNil(t, dup)
	assert.Equal(t, e.ID, dup.ID)

	found, err := r.FindActive(ctx, "hh", "milk")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, e.ID, found.ID)

	qty := 4
	updated, err := r.Update(ctx, "hh", e.ID, store.EntryUpdate{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Quantity)

	bad := store.EntryPurchased
	_, err = r.Update(ctx, "hh", e.ID, store.EntryUpdate{Status: &bad})
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.False(t, common.IsRetryable(err))

	list, err := r.List(ctx, "hh")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.Delete(ctx, "hh", e.ID))
	require.NoError(t, r.Delete(ctx, "hh", e.ID), "deleting twice is fine")

	_, err = r.Update(ctx, "hh", e.ID, store.EntryUpdate{Quantity: &qty})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHTTPRemoteRun(t *testing.T) {
	r, _ := testHTTPRemote(t, config.AuthConfig{RunSecret: "tok"})
	ctx := context.Background()

	sum, err := r.Run(ctx, "tok")
	require.NoError(t, err)
	assert.Zero(t, sum.Errors)

	_, err = r.Run(ctx, "wrong")
	assert.ErrorIs(t, err, common.ErrUnauthorized)
	assert.False(t, common.IsRetryable(err))

	assert.True(t, r.Healthy(ctx))
}

func TestHTTPRemoteRunDisabled(t *testing.T) {
	r, _ := testHTTPRemote(t, config.AuthConfig{})

	_, err := r.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.False(t, common.IsRetryable(err))
}

func TestHTTPRemoteServerErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := NewHTTPRemote(ts.URL)
	_, err := r.List(context.Background(), "hh")
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
	assert.False(t, r.Healthy(context.Background()))
}

func TestHTTPRemoteEnvFallback(t *testing.T) {
	t.Setenv("RESTOCK_URL", "http://example.invalid:1234")
	assert.Equal(t, "http://example.invalid:1234", NewHTTPRemote("").serverURL)

	t.Setenv("RESTOCK_URL", "")
	assert.Equal(t, defaultServerURL, NewHTTPRemote("").serverURL)
}

func TestCacheAgainstServer(t *testing.T) {
	r, db := testHTTPRemote(t, config.AuthConfig{})
	c := newTestCache(t, r, nil)
	ctx := context.Background()

	_, e, err := c.Add("milk", 1)
	require.NoError(t, err)
	c.Flush()

	stored, err := db.FindActiveEntry(ctx, "hh", "milk")
	require.NoError(t, err)
	require.NotNil(t, stored)

	got, ok := c.Get(e.ID)
	require.True(t, ok)
	assert.Equal(t, stored.ID, got.ID)

	// A second cache sees the entry and makes no write.
	other := newTestCache(t, r, nil)
	require.NoError(t, other.Load(ctx))
	res, _, err := other.Add("milk", 1)
	require.NoError(t, err)
	assert.Equal(t, AddExists, res)

	require.NoError(t, c.Snooze(e.ID, time.Now().Add(24*time.Hour)))
	c.Flush()
	snoozed, err := db.FindSnoozedEntry(ctx, "hh", "milk")
	require.NoError(t, err)
	require.NotNil(t, snoozed)
	assert.Equal(t, stored.ID, snoozed.ID)
}
