package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/store"
)

// casAttempts bounds re-reads when a rule changes between read and write.
const casAttempts = 3

// PenalizeDeletion lowers the rule's confidence after the user deletes the
// product from the list, re-deriving its status. Products without a rule are
// left alone.
func (e *Engine) PenalizeDeletion(ctx context.Context, householdID, productID string) (*store.Rule, error) {
	r, err := e.updateRule(ctx, householdID, productID, false, func(r *store.Rule) store.RuleUpdate {
		conf := e.Params.Penalize(r.ConfidenceScore)
		r.ConfidenceScore = conf
		r.Status = e.Params.StatusFor(ModeOf(*r))
		return store.RuleUpdate{ConfidenceScore: &conf, Status: &r.Status}
	})
	if err != nil {
		return nil, fmt.Errorf("penalize deletion: %w", err)
	}
	if r == nil {
		return nil, nil
	}

	e.Log.Info("deletion penalty",
		"household", householdID,
		"product", productID,
		"confidence", r.ConfidenceScore,
		"status", r.Status)
	return r, nil
}

// SetOverride pins a product to manual_only, or releases it back to the
// confidence-derived status. The rule is created if the product was never bought.
func (e *Engine) SetOverride(ctx context.Context, householdID, productID string, manual bool) (*store.Rule, error) {
	r, err := e.updateRule(ctx, householdID, productID, true, func(r *store.Rule) store.RuleUpdate {
		r.ManualOverride = manual
		r.Status = e.Params.StatusFor(ModeOf(*r))
		return store.RuleUpdate{ManualOverride: &manual, Status: &r.Status}
	})
	if err != nil {
		return nil, fmt.Errorf("set override: %w", err)
	}
	return r, nil
}

// updateRule reads the rule, applies change and writes it back only if the
// rule was not modified in between, re-reading on conflict. With create the
// rule is made when missing; otherwise a missing rule returns nil.
func (e *Engine) updateRule(ctx context.Context, householdID, productID string, create bool,
	change func(*store.Rule) store.RuleUpdate) (*store.Rule, error) {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		var r *store.Rule
		if create {
			r, err = e.Store.EnsureRule(ctx, householdID, productID)
		} else {
			r, err = e.Store.GetRule(ctx, householdID, productID)
		}
		if err != nil {
			return nil, err
		}
		if r == nil {
			if create {
				return nil, fmt.Errorf("ensure rule %s/%s: rule missing after create", householdID, productID)
			}
			return nil, nil
		}

		expect := store.StateOf(*r)
		u := change(r)
		u.Expect = expect

		_, err = e.Store.UpdateRule(ctx, r.ID, u)
		if errors.Is(err, common.ErrConflict) {
			e.Log.Debug("rule changed concurrently, retrying", "rule", r.ID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, err
}
