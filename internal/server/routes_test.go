package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/lazypower/restock/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), "body: %s", body)
	return v
}

func addEntry(t *testing.T, srv *Server, product string) store.ListEntry {
	t.Helper()
	w := do(srv, "POST", "/api/households/hh/entries", `{"product_id":"`+product+`","quantity":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[store.ListEntry](t, w.Body.Bytes())
}

func TestAddEntry(t *testing.T) {
	srv, _ := testServer(t)

	e := addEntry(t, srv, "milk")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "hh", e.HouseholdID)
	assert.Equal(t, store.EntryActive, e.Status)
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, store.SourceManual, e.Source)
}

func TestAddEntryValidation(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing product", `{"quantity":1}`},
		{"unknown source", `{"product_id":"milk","source":"robot"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "POST", "/api/households/hh/entries", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAddEntryDuplicateReturnsExisting(t *testing.T) {
	srv, _ := testServer(t)
	first := addEntry(t, srv, "milk")

	w := do(srv, "POST", "/api/households/hh/entries", `{"product_id":"milk"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	resp := decode[struct {
		Error string          `json:"error"`
		Entry store.ListEntry `json:"entry"`
	}](t, w.Body.Bytes())
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, first.ID, resp.Entry.ID)
}

func TestFindActiveEntry(t *testing.T) {
	srv, _ := testServer(t)

	w := do(srv, "GET", "/api/households/hh/entries/active/milk", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	e := addEntry(t, srv, "milk")
	w = do(srv, "GET", "/api/households/hh/entries/active/milk", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, e.ID, decode[store.ListEntry](t, w.Body.Bytes()).ID)

	// Other households don't see it.
	w = do(srv, "GET", "/api/households/other/entries/active/milk", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEntriesFilter(t *testing.T) {
	srv, _ := testServer(t)
	addEntry(t, srv, "milk")
	eggs := addEntry(t, srv, "eggs")

	w := do(srv, "POST", "/api/households/hh/entries/"+eggs.ID+"/purchase", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	type listResp struct {
		Count   int               `json:"count"`
		Entries []store.ListEntry `json:"entries"`
	}

	w = do(srv, "GET", "/api/households/hh/entries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[listResp](t, w.Body.Bytes()).Count)

	w = do(srv, "GET", "/api/households/hh/entries?status=active", "")
	require.Equal(t, http.StatusOK, w.Code)
	active := decode[listResp](t, w.Body.Bytes())
	require.Len(t, active.Entries, 1)
	assert.Equal(t, "milk", active.Entries[0].ProductID)

	w = do(srv, "GET", "/api/households/hh/entries?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, "GET", "/api/households/empty/entries", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)
}

func TestUpdateEntry(t *testing.T) {
	srv, _ := testServer(t)
	e := addEntry(t, srv, "milk")

	w := do(srv, "PATCH", "/api/households/hh/entries/"+e.ID, `{"quantity":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 5, decode[store.ListEntry](t, w.Body.Bytes()).Quantity)

	until := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	w = do(srv, "PATCH", "/api/households/hh/entries/"+e.ID, `{"status":"snoozed","snooze_until":"`+until+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snoozed := decode[store.ListEntry](t, w.Body.Bytes())
	assert.Equal(t, store.EntrySnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozeUntil)

	w = do(srv, "PATCH", "/api/households/hh/entries/"+e.ID, `{"status":"active"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[store.ListEntry](t, w.Body.Bytes()).SnoozeUntil)
}

func TestUpdateEntryErrors(t *testing.T) {
	srv, _ := testServer(t)
	e := addEntry(t, srv, "milk")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing entry", "/api/households/hh/entries/nope", `{"quantity":1}`, http.StatusNotFound},
		{"wrong household", "/api/households/other/entries/" + e.ID, `{"quantity":1}`, http.StatusNotFound},
		{"snooze without until", "/api/households/hh/entries/" + e.ID, `{"status":"snoozed"}`, http.StatusBadRequest},
		{"purchase via patch", "/api/households/hh/entries/" + e.ID, `{"status":"purchased"}`, http.StatusBadRequest},
		{"zero quantity", "/api/households/hh/entries/" + e.ID, `{"quantity":0}`, http.StatusBadRequest},
		{"invalid json", "/api/households/hh/entries/" + e.ID, `nope`, http.StatusBadRequest},
		{"until without snooze", "/api/households/hh/entries/" + e.ID, `{"snooze_until":"2030-01-01T00:00:00Z"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, "PATCH", tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestReactivateConflictsWithActive(t *testing.T) {
	srv, _ := testServer(t)
	e := addEntry(t, srv, "milk")

	w := do(srv, "POST", "/api/households/hh/entries/"+e.ID+"/purchase", "")
	require.Equal(t, http.StatusOK, w.Code)
	addEntry(t, srv, "milk")

	// Reactivating while another entry is active conflicts.
	w = do(srv, "PATCH", "/api/households/hh/entries/"+e.ID, `{"status":"active"}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestPurchaseEntry(t *testing.T) {
	srv, db := testServer(t)
	e := addEntry(t, srv, "milk")

	w := do(srv, "POST", "/api/households/hh/entries/"+e.ID+"/purchase", `{"purchased_at":"2024-01-08T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[struct {
		Entry store.ListEntry     `json:"entry"`
		Event store.PurchaseEvent `json:"event"`
	}](t, w.Body.Bytes())
	assert.Equal(t, store.EntryPurchased, resp.Entry.Status)
	assert.Equal(t, 2, resp.Event.Quantity)
	assert.True(t, resp.Event.PurchasedAt.Equal(day(8)))

	r, err := db.GetRule(t.Context(), "hh", "milk")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.LastPurchasedAt.Equal(day(8)))

	// Buying it twice is not a valid transition.
	w = do(srv, "POST", "/api/households/hh/entries/"+e.ID+"/purchase", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteEntryPenalizesRule(t *testing.T) {
	srv, db := testServer(t)
	ctx := t.Context()

	require.NoError(t, db.RecordPurchase(ctx, &store.PurchaseEvent{HouseholdID: "hh", ProductID: "milk", PurchasedAt: day(1)}))
	r, err := db.GetRule(ctx, "hh", "milk")
	require.NoError(t, err)
	ema, conf := 7.0, 90.0
	_, err = db.UpdateRule(ctx, r.ID, store.RuleUpdate{EMADays: &ema, ConfidenceScore: &conf})
	require.NoError(t, err)

	e := addEntry(t, srv, "milk")
	w := do(srv, "DELETE", "/api/households/hh/entries/"+e.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	_, err = db.GetEntry(ctx, e.ID)
	assert.Error(t, err)

	r, err = db.GetRule(ctx, "hh", "milk")
	require.NoError(t, err)
	assert.Equal(t, 70.0, r.ConfidenceScore)
	assert.Equal(t, store.StatusSuggestOnly, r.Status)

	// Deleting again is a no-op.
	w = do(srv, "DELETE", "/api/households/hh/entries/"+e.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	r, err = db.GetRule(ctx, "hh", "milk")
	require.NoError(t, err)
	assert.Equal(t, 70.0, r.ConfidenceScore)
}

func TestDeletePurchasedEntryNoPenalty(t *testing.T) {
	srv, db := testServer(t)
	ctx := t.Context()

	e := addEntry(t, srv, "milk")
	w := do(srv, "POST", "/api/households/hh/entries/"+e.ID+"/purchase", "")
	require.Equal(t, http.StatusOK, w.Code)

	r, err := db.GetRule(ctx, "hh", "milk")
	require.NoError(t, err)
	conf := 90.0
	_, err = db.UpdateRule(ctx, r.ID, store.RuleUpdate{ConfidenceScore: &conf})
	require.NoError(t, err)

	w = do(srv, "DELETE", "/api/households/hh/entries/"+e.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	r, err = db.GetRule(ctx, "hh", "milk")
	require.NoError(t, err)
	assert.Equal(t, 90.0, r.ConfidenceScore)
}

func TestRulesAndOverride(t *testing.T) {
	srv, db := testServer(t)
	require.NoError(t, db.RecordPurchase(t.Context(), &store.PurchaseEvent{HouseholdID: "hh", ProductID: "milk", PurchasedAt: day(1)}))

	w := do(srv, "PUT", "/api/households/hh/rules/milk/override", `{"manual":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	r := decode[store.Rule](t, w.Body.Bytes())
	assert.True(t, r.ManualOverride)
	assert.Equal(t, store.StatusManualOnly, r.Status)

	w = do(srv, "PUT", "/api/households/hh/rules/milk/override", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, "GET", "/api/households/hh/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Count int          `json:"count"`
		Rules []store.Rule `json:"rules"`
	}](t, w.Body.Bytes())
	require.Equal(t, 1, list.Count)
	assert.True(t, list.Rules[0].ManualOverride)
}

func TestSuggestionsEndpoint(t *testing.T) {
	srv, db := testServer(t)
	ctx := t.Context()

	last := time.Now().UTC().Add(-10 * 24 * time.Hour)
	require.NoError(t, db.RecordPurchase(ctx, &store.PurchaseEvent{HouseholdID: "hh", ProductID: "eggs", PurchasedAt: last}))
	r, err := db.GetRule(ctx, "hh", "eggs")
	require.NoError(t, err)
	ema, conf, status := 7.0, 60.0, store.StatusSuggestOnly
	_, err = db.UpdateRule(ctx, r.ID, store.RuleUpdate{EMADays: &ema, ConfidenceScore: &conf, Status: &status})
	require.NoError(t, err)

	w := do(srv, "GET", "/api/households/hh/suggestions", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Count       int `json:"count"`
		Suggestions []struct {
			ProductID string `json:"product_id"`
		} `json:"suggestions"`
	}](t, w.Body.Bytes())
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "eggs", resp.Suggestions[0].ProductID)

	w = do(srv, "GET", "/api/households/none/suggestions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"suggestions":[]`)
}
