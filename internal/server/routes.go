package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/store"
)

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")

	status := store.EntryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.EntryActive, store.EntryPurchased, store.EntrySnoozed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	entries, err := s.db.ListEntries(r.Context(), household, status)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.ListEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"household": household,
		"count":     len(entries),
		"entries":   entries,
	})
}

func (s *Server) handleFindActive(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")
	product := chi.URLParam(r, "product")

	e, err := s.db.FindActiveEntry(r.Context(), household, product)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "no active entry for "+product)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")

	var req struct {
		ProductID string            `json:"product_id"`
		Quantity  int               `json:"quantity"`
		Source    store.EntrySource `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id required")
		return
	}
	switch req.Source {
	case "", store.SourceManual, store.SourceSuggestion, store.SourceAuto:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}

	e, err := s.db.InsertListEntry(r.Context(), store.NewListEntry{
		HouseholdID: household,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		Source:      req.Source,
	})
	if errors.Is(err, common.ErrDuplicateEntry) {
		// Hand back the winner so the client can adopt it.
		existing, ferr := s.db.FindActiveEntry(r.Context(), household, req.ProductID)
		if ferr != nil {
			s.writeErr(w, r, ferr)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"entry": existing,
		})
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// entryFor loads an entry and checks it belongs to the household in the path.
func (s *Server) entryFor(r *http.Request) (*store.ListEntry, error) {
	household := chi.URLParam(r, "household")
	id := chi.URLParam(r, "id")

	e, err := s.db.GetEntry(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if e.HouseholdID != household {
		return nil, fmt.Errorf("entry %s: %w", id, common.ErrNotFound)
	}
	return e, nil
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.entryFor(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var u store.EntryUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.db.UpdateListEntry(r.Context(), e.ID, u); err != nil {
		s.writeErr(w, r, err)
		return
	}

	updated, err := s.db.GetEntry(r.Context(), e.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePurchaseEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.entryFor(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var req struct {
		PurchasedAt *time.Time `json:"purchased_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	at := time.Now().UTC()
	if req.PurchasedAt != nil {
		at = req.PurchasedAt.UTC()
	}

	entry, ev, err := s.db.MarkPurchased(r.Context(), e.ID, at)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry": entry,
		"event": ev,
	})
}

// handleDeleteEntry removes an entry. Throwing away an item the list still
// wanted (active or snoozed) counts against the product's rule.
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.entryFor(r)
	if errors.Is(err, common.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	if err := s.db.DeleteListEntry(r.Context(), e.ID); err != nil {
		s.writeErr(w, r, err)
		return
	}

	if e.Status != store.EntryPurchased {
		if _, err := s.engine.PenalizeDeletion(r.Context(), e.HouseholdID, e.ProductID); err != nil {
			// The delete already happened; the penalty is best effort.
			s.log.Error("deletion penalty failed", "entry", e.ID, "product", e.ProductID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")

	rules, err := s.db.ListRules(r.Context(), store.RuleFilter{HouseholdID: household})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"household": household,
		"count":     len(rules),
		"rules":     rules,
	})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")
	product := chi.URLParam(r, "product")

	var req struct {
		Manual *bool `json:"manual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Manual == nil {
		writeError(w, http.StatusBadRequest, "manual required")
		return
	}

	rule, err := s.engine.SetOverride(r.Context(), household, product, *req.Manual)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	household := chi.URLParam(r, "household")

	sugg, err := s.engine.Suggestions(r.Context(), household)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if sugg == nil {
		sugg = []engine.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"household":   household,
		"count":       len(sugg),
		"suggestions": sugg,
	})
}
