package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/store"
)

// UpdateEstimates folds unprocessed purchase events into every watermarked
// rule. A rule whose events or update fail is counted in errs and left with
// its old watermark so the next run retries it. err is only set for failures
// that stop the whole pass.
func (e *Engine) UpdateEstimates(ctx context.Context) (updated, errs int, err error) {
	rules, err := e.Store.ListRules(ctx, store.RuleFilter{HasWatermark: true})
	if err != nil {
		return 0, 0, fmt.Errorf("list rules: %w", err)
	}

	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return updated, errs, err
		}

		events, err := e.Store.ListPurchaseEvents(ctx, r.HouseholdID, r.ProductID, *r.LastPurchasedAt)
		if err != nil {
			e.Log.Error("ema: list events", "rule", r.ID, "household", r.HouseholdID, "product", r.ProductID, "error", err)
			errs++
			continue
		}
		if len(events) == 0 {
			continue
		}

		est := e.Params.Fold(r, events)
		status := e.Params.StatusFor(ModeOf(store.Rule{
			ManualOverride:  r.ManualOverride,
			ConfidenceScore: est.Confidence,
		}))

		changed, err := e.Store.UpdateRule(ctx, r.ID, store.RuleUpdate{
			EMADays:         &est.EMADays,
			ConfidenceScore: &est.Confidence,
			LastPurchasedAt: &est.Watermark,
			Status:          &status,
			Expect:          store.StateOf(r),
		})
		if errors.Is(err, common.ErrConflict) {
			// Penalty or override landed since the read; fold again next run.
			e.Log.Warn("ema: rule changed during run", "rule", r.ID, "product", r.ProductID)
			errs++
			continue
		}
		if err != nil {
			e.Log.Error("ema: update rule", "rule", r.ID, "error", err)
			errs++
			continue
		}
		if changed {
			updated++
			e.Log.Debug("ema: rule updated",
				"rule", r.ID,
				"product", r.ProductID,
				"events", len(events),
				"folded", est.Folded,
				"ema_days", est.EMADays,
				"confidence", est.Confidence,
				"status", status)
		}
	}

	return updated, errs, nil
}
