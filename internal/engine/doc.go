// Package engine predicts household purchase cycles.
//
// Each scheduled run has two passes over the inventory rules:
//
// EMA update (ema.go):
//   - Folds purchase events newer than the rule's watermark into ema_days
//   - Cold start: first interval seeds the estimate, then α = 0.3 smoothing
//   - Same-timestamp duplicates advance the watermark but are not folded in
//   - Confidence +10 (cap 100) when an interval lands within 15% of the prediction
//   - Confidence never drops from timing disagreement; deletions lower it (feedback.go)
//
// Evaluation (evaluator.go):
//   - Due when last_purchased_at + ema_days × last quantity has passed
//   - confidence ≥ 85 auto-adds, ≥ 50 suggests, below that waits
//   - A manual override pins the rule to manual_only regardless of confidence
//   - Auto-add never duplicates an active entry and never overrides a live snooze
//
// Both passes are watermark-driven, so re-running after an interruption is safe.
package engine
