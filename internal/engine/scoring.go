package engine

import (
	"math"
	"time"

	"github.com/lazypower/restock/internal/config"
	"github.com/lazypower/restock/internal/store"
)

// Params are the tunables of the prediction model.
type Params struct {
	Alpha             float64
	VarianceTolerance float64
	ConfidenceStep    float64
	AutoAddThreshold  float64
	SuggestThreshold  float64
	DeletionPenalty   float64
}

// DefaultParams returns the model defaults.
func DefaultParams() Params {
	return ParamsFromConfig(config.Default().Engine)
}

// ParamsFromConfig extracts model parameters from the engine config section.
func ParamsFromConfig(c config.EngineConfig) Params {
	return Params{
		Alpha:             c.Alpha,
		VarianceTolerance: c.VarianceTolerance,
		ConfidenceStep:    c.ConfidenceStep,
		AutoAddThreshold:  c.AutoAddThreshold,
		SuggestThreshold:  c.SuggestThreshold,
		DeletionPenalty:   c.DeletionPenalty,
	}
}

// Mode is how a rule's status is decided: derived from its confidence score,
// or pinned by a human.
type Mode interface {
	isMode()
}

// Derived means the status follows the confidence score.
type Derived struct {
	Score float64
}

// ManualOverride means a human forced manual_only; confidence is ignored
// until the override is reset.
type ManualOverride struct{}

func (Derived) isMode()        {}
func (ManualOverride) isMode() {}

// ModeOf returns the mode a stored rule is in.
func ModeOf(r store.Rule) Mode {
	if r.ManualOverride {
		return ManualOverride{}
	}
	return Derived{Score: r.ConfidenceScore}
}

// StatusFor maps a mode to the rule status it implies.
func (p Params) StatusFor(m Mode) store.RuleStatus {
	switch m := m.(type) {
	case ManualOverride:
		return store.StatusManualOnly
	case Derived:
		switch {
		case m.Score >= p.AutoAddThreshold:
			return store.StatusAutoAdd
		case m.Score >= p.SuggestThreshold:
			return store.StatusSuggestOnly
		default:
			return store.StatusManualOnly
		}
	default:
		return store.StatusManualOnly
	}
}

// Estimate is the result of folding new purchase events into a rule.
type Estimate struct {
	EMADays    float64
	Confidence float64
	Watermark  time.Time
	Folded     int // intervals that contributed to the estimate
}

// Fold applies the new events (oldest first, all after the watermark) to the
// rule's estimate. The rule must have a watermark.
func (p Params) Fold(r store.Rule, events []store.PurchaseEvent) Estimate {
	est := Estimate{
		EMADays:    r.EMADays,
		Confidence: r.ConfidenceScore,
	}
	if r.LastPurchasedAt != nil {
		est.Watermark = *r.LastPurchasedAt
	}

	prev := est.Watermark
	for _, ev := range events {
		interval := daysBetween(prev, ev.PurchasedAt)
		if ev.PurchasedAt.After(prev) {
			prev = ev.PurchasedAt
		}
		if ev.PurchasedAt.After(est.Watermark) {
			est.Watermark = ev.PurchasedAt
		}
		if interval <= 0 {
			continue
		}

		predicted := est.EMADays
		if est.EMADays == 0 {
			predicted = interval
			est.EMADays = interval
		} else {
			est.EMADays = p.Alpha*interval + (1-p.Alpha)*est.EMADays
		}

		if math.Abs(interval-predicted)/predicted <= p.VarianceTolerance {
			est.Confidence = math.Min(100, est.Confidence+p.ConfidenceStep)
		}
		est.Folded++
	}

	est.EMADays = round2(est.EMADays)
	est.Confidence = round2(est.Confidence)
	return est
}

// NextPredicted returns when the product is expected to run out. Buying more
// than one unit stretches the cycle proportionally.
func NextPredicted(r store.Rule, lastQuantity int) (time.Time, bool) {
	if r.LastPurchasedAt == nil || r.EMADays <= 0 {
		return time.Time{}, false
	}
	if lastQuantity < 1 {
		lastQuantity = 1
	}
	days := r.EMADays * float64(lastQuantity)
	return r.LastPurchasedAt.Add(time.Duration(days * float64(24*time.Hour))), true
}

// Penalize lowers confidence after a user deletes the product from the list.
func (p Params) Penalize(confidence float64) float64 {
	return round2(math.Max(0, confidence-p.DeletionPenalty))
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Seconds() / 86400
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
