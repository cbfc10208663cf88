package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/store"
)

// EvalSummary counts what an evaluation pass did.
type EvalSummary struct {
	Processed int
	AutoAdded int
	Suggested int
	Errors    int
}

// Evaluate acts on every rule whose predicted next purchase has passed.
func (e *Engine) Evaluate(ctx context.Context) (EvalSummary, error) {
	var sum EvalSummary

	rules, err := e.Store.ListRules(ctx, store.RuleFilter{HasWatermark: true, HasEstimate: true})
	if err != nil {
		return sum, fmt.Errorf("list rules: %w", err)
	}

	now := e.Now()
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++

		qty, err := e.Store.MostRecentPurchaseQuantity(ctx, r.HouseholdID, r.ProductID)
		if err != nil {
			e.Log.Error("evaluate: last quantity", "rule", r.ID, "error", err)
			sum.Errors++
			continue
		}
		next, ok := NextPredicted(r, qty)
		if !ok || next.After(now) {
			continue
		}

		status := e.Params.StatusFor(ModeOf(r))
		switch status {
		case store.StatusAutoAdd:
			added, err := e.autoAdd(ctx, r, status)
			if err != nil {
				e.Log.Error("evaluate: auto add", "rule", r.ID, "product", r.ProductID, "error", err)
				sum.Errors++
				continue
			}
			if added {
				sum.AutoAdded++
			}
		case store.StatusSuggestOnly:
			if err := e.persistStatus(ctx, r, status); err != nil {
				e.Log.Error("evaluate: suggest", "rule", r.ID, "error", err)
				sum.Errors++
				continue
			}
			sum.Suggested++
		default:
			// Maturing or pinned. Heal a stored status that drifted from the mode.
			if err := e.persistStatus(ctx, r, status); err != nil {
				e.Log.Error("evaluate: manual only", "rule", r.ID, "error", err)
				sum.Errors++
			}
		}
	}

	return sum, nil
}

// autoAdd puts the product on the active list unless it is already there or
// the user snoozed it. An expired snooze is woken up in place.
func (e *Engine) autoAdd(ctx context.Context, r store.Rule, status store.RuleStatus) (bool, error) {
	if err := e.persistStatus(ctx, r, status); err != nil {
		return false, err
	}

	active, err := e.Store.FindActiveEntry(ctx, r.HouseholdID, r.ProductID)
	if err != nil {
		return false, err
	}
	if active != nil {
		return false, nil
	}

	snoozed, err := e.Store.FindSnoozedEntry(ctx, r.HouseholdID, r.ProductID)
	if err != nil {
		return false, err
	}
	if snoozed != nil {
		if snoozed.SnoozeUntil != nil && snoozed.SnoozeUntil.After(e.Now()) {
			return false, nil
		}
		st, one := store.EntryActive, 1
		if err := e.Store.UpdateListEntry(ctx, snoozed.ID, store.EntryUpdate{Status: &st, Quantity: &one}); err != nil {
			if errors.Is(err, common.ErrDuplicateEntry) {
				return false, nil
			}
			return false, fmt.Errorf("wake snoozed entry %s: %w", snoozed.ID, err)
		}
		e.Log.Info("auto-add: snooze expired", "household", r.HouseholdID, "product", r.ProductID, "entry", snoozed.ID)
		return true, nil
	}

	entry, err := e.Store.InsertListEntry(ctx, store.NewListEntry{
		HouseholdID: r.HouseholdID,
		ProductID:   r.ProductID,
		Quantity:    1,
		Source:      store.SourceAuto,
	})
	if err != nil {
		// Someone added it between the check and the insert.
		if errors.Is(err, common.ErrDuplicateEntry) {
			return false, nil
		}
		return false, err
	}
	e.Log.Info("auto-add", "household", r.HouseholdID, "product", r.ProductID, "entry", entry.ID)
	return true, nil
}

func (e *Engine) persistStatus(ctx context.Context, r store.Rule, status store.RuleStatus) error {
	if r.Status == status {
		return nil
	}
	if _, err := e.Store.UpdateRule(ctx, r.ID, store.RuleUpdate{Status: &status, Expect: store.StateOf(r)}); err != nil {
		return fmt.Errorf("persist status %s: %w", status, err)
	}
	return nil
}
