package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/store"
	rcron "github.com/robfig/cron/v3"
)

// Store is the persistence the engine needs. *store.DB implements it.
type Store interface {
	ListRules(ctx context.Context, f store.RuleFilter) ([]store.Rule, error)
	GetRule(ctx context.Context, householdID, productID string) (*store.Rule, error)
	EnsureRule(ctx context.Context, householdID, productID string) (*store.Rule, error)
	UpdateRule(ctx context.Context, id int64, u store.RuleUpdate) (bool, error)
	ListPurchaseEvents(ctx context.Context, householdID, productID string, after time.Time) ([]store.PurchaseEvent, error)
	MostRecentPurchaseQuantity(ctx context.Context, householdID, productID string) (int, error)
	FindActiveEntry(ctx context.Context, householdID, productID string) (*store.ListEntry, error)
	FindSnoozedEntry(ctx context.Context, householdID, productID string) (*store.ListEntry, error)
	InsertListEntry(ctx context.Context, n store.NewListEntry) (*store.ListEntry, error)
	UpdateListEntry(ctx context.Context, id string, u store.EntryUpdate) error
}

// Summary reports what a run did.
type Summary struct {
	RulesProcessed int       `json:"rules_processed"`
	AutoAdded      int       `json:"auto_added"`
	Suggested      int       `json:"suggested"`
	EMAUpdated     int       `json:"ema_updated"`
	Errors         int       `json:"errors"`
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// Engine runs the EMA update and rule evaluation passes.
type Engine struct {
	Store  Store
	Params Params
	Now    func() time.Time
	Log    *slog.Logger

	// RunTimeout bounds scheduled runs.
	RunTimeout time.Duration

	running sync.Mutex
	cron    *rcron.Cron
}

// New creates a new Engine.
func New(s Store, p Params) *Engine {
	return &Engine{
		Store:      s,
		Params:     p,
		Now:        func() time.Time { return time.Now().UTC() },
		Log:        slog.Default(),
		RunTimeout: 5 * time.Minute,
	}
}

// Run performs one full invocation: EMA update, then evaluation. Overlapping
// runs in the same process are refused with ErrRunInProgress. A fatal error
// aborts the rest of the run; rules already written stay written.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	if !e.running.TryLock() {
		return Summary{}, common.ErrRunInProgress
	}
	defer e.running.Unlock()

	start := time.Now()
	sum := Summary{StartedAt: e.Now()}
	finish := func() {
		sum.DurationMS = time.Since(start).Milliseconds()
	}

	updated, errs, err := e.UpdateEstimates(ctx)
	sum.EMAUpdated = updated
	sum.Errors += errs
	if err != nil {
		finish()
		return sum, fmt.Errorf("ema update: %w", err)
	}

	ev, err := e.Evaluate(ctx)
	sum.RulesProcessed = ev.Processed
	sum.AutoAdded = ev.AutoAdded
	sum.Suggested = ev.Suggested
	sum.Errors += ev.Errors
	finish()
	if err != nil {
		return sum, fmt.Errorf("evaluate: %w", err)
	}

	e.Log.Info("run complete",
		"rules_processed", sum.RulesProcessed,
		"auto_added", sum.AutoAdded,
		"suggested", sum.Suggested,
		"ema_updated", sum.EMAUpdated,
		"errors", sum.Errors,
		"duration_ms", sum.DurationMS)
	return sum, nil
}

// StartSchedule runs the engine on a standard 5-field cron spec, e.g.
// "0 3 * * *" for nightly at 03:00. With runNow the first run starts
// immediately in the background.
func (e *Engine) StartSchedule(spec string, runNow bool) error {
	c := rcron.New()
	if _, err := c.AddFunc(spec, e.scheduledRun); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	e.cron = c
	c.Start()
	e.Log.Info("run scheduled", "cron", spec)

	if runNow {
		go e.scheduledRun()
	}
	return nil
}

func (e *Engine) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), e.RunTimeout)
	defer cancel()

	if _, err := e.Run(ctx); err != nil {
		e.Log.Error("scheduled run failed", "error", err)
	}
}

// Stop shuts down the schedule, waiting briefly for an in-flight run.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		e.Log.Warn("stop timeout waiting for running job")
	}
	e.cron = nil
}
