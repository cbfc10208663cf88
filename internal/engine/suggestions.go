package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lazypower/restock/internal/store"
)

// Suggestion is a due suggest_only product that is not on the list yet.
type Suggestion struct {
	ProductID       string    `json:"product_id"`
	DueAt           time.Time `json:"due_at"`
	EMADays         float64   `json:"ema_days"`
	ConfidenceScore float64   `json:"confidence_score"`
}

// Suggestions lists what the household should be offered, most overdue first.
func (e *Engine) Suggestions(ctx context.Context, householdID string) ([]Suggestion, error) {
	rules, err := e.Store.ListRules(ctx, store.RuleFilter{
		HasWatermark: true,
		HasEstimate:  true,
		HouseholdID:  householdID,
		Status:       store.StatusSuggestOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("list suggest rules: %w", err)
	}

	now := e.Now()
	var out []Suggestion
	for _, r := range rules {
		qty, err := e.Store.MostRecentPurchaseQuantity(ctx, r.HouseholdID, r.ProductID)
		if err != nil {
			return nil, err
		}
		due, ok := NextPredicted(r, qty)
		if !ok || due.After(now) {
			continue
		}
		active, err := e.Store.FindActiveEntry(ctx, r.HouseholdID, r.ProductID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			continue
		}
		snoozed, err := e.Store.FindSnoozedEntry(ctx, r.HouseholdID, r.ProductID)
		if err != nil {
			return nil, err
		}
		if snoozed != nil && snoozed.SnoozeUntil != nil && snoozed.SnoozeUntil.After(now) {
			continue
		}
		out = append(out, Suggestion{
			ProductID:       r.ProductID,
			DueAt:           due,
			EMADays:         r.EMADays,
			ConfidenceScore: r.ConfidenceScore,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}
