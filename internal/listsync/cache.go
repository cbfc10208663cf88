// Package listsync keeps a client-side copy of a household's list that
// reflects user actions immediately and reconciles them with the server in
// the background.
//
// Every local change is a Mutation that starts Pending and ends Confirmed or
// RolledBack. A rollback restores the entry only when nothing else has
// touched it since the mutation was applied, so a late failure never undoes
// a newer action.
package listsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/store"
)

// AddResult says what Add did.
type AddResult int

const (
	// AddExists means the product was already active; nothing was written.
	AddExists AddResult = iota
	// AddReactivated means a purchased or snoozed entry was put back.
	AddReactivated
	// AddInserted means a new placeholder entry was created.
	AddInserted
)

func (r AddResult) String() string {
	switch r {
	case AddExists:
		return "exists"
	case AddReactivated:
		return "reactivated"
	case AddInserted:
		return "inserted"
	default:
		return fmt.Sprintf("AddResult(%d)", int(r))
	}
}

// LocalIDPrefix marks placeholder ids that the server has not assigned yet.
const LocalIDPrefix = "local-"

const maxSettled = 256

type item struct {
	entry store.ListEntry
	rev   uint64

	// Set while the entry is a placeholder awaiting its insert.
	pending string
	baseRev uint64
}

// Cache is one household's optimistic list.
type Cache struct {
	household string
	remote    Remote
	notifier  Notifier
	log       *slog.Logger
	retry     common.RetryOptions
	now       func() time.Time

	mu        sync.Mutex
	rev       uint64
	items     map[string]*item
	aliases   map[string]string // placeholder id -> store id
	removed   map[string]string // placeholder id -> remove mutation id
	gone      map[string]bool   // deleted by another client
	mutations map[string]*Mutation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithNotifier sets where failed mutations are reported.
func WithNotifier(n Notifier) Option {
	return func(c *Cache) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithRetry sets the backoff for background writes.
func WithRetry(opts common.RetryOptions) Option {
	return func(c *Cache) { c.retry = opts }
}

// WithClock sets the time source for local timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache for the household. Call Load to seed it.
func New(householdID string, remote Remote, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		household: householdID,
		remote:    remote,
		notifier:  nopNotifier{},
		log:       slog.Default(),
		retry:     common.DefaultRetryOptions,
		now:       func() time.Time { return time.Now().UTC() },
		items:     make(map[string]*item),
		aliases:   make(map[string]string),
		removed:   make(map[string]string),
		gone:      make(map[string]bool),
		mutations: make(map[string]*Mutation),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "listsync", "household", householdID)
	return c
}

// Load replaces the cache contents with the server's list. Placeholders
// still waiting for their insert are kept.
func (c *Cache) Load(ctx context.Context) error {
	entries, err := c.remote.List(ctx, c.household)
	if err != nil {
		return fmt.Errorf("load list: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items := make(map[string]*item, len(entries))
	for id, it := range c.items {
		if it.pending != "" {
			items[id] = it
		}
	}
	for _, e := range entries {
		items[e.ID] = &item{entry: e, rev: c.bump()}
	}
	c.items = items
	clear(c.gone)
	return nil
}

// Entries returns every entry in the cache, oldest first.
func (c *Cache) Entries() []store.ListEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(func(store.ListEntry) bool { return true })
}

// Active returns the entries currently on the shopping list.
func (c *Cache) Active() []store.ListEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(func(e store.ListEntry) bool { return e.Status == store.EntryActive })
}

// Get returns an entry by id. Placeholder ids keep working after the
// server assigns a real one.
func (c *Cache) Get(id string) (store.ListEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.items[c.resolve(id)]
	if it == nil {
		return store.ListEntry{}, false
	}
	return it.entry, true
}

// Mutations returns the tracked mutations, oldest first.
func (c *Cache) Mutations() []Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mutation, 0, len(c.mutations))
	for _, m := range c.mutations {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Flush waits for every background confirmation to settle.
func (c *Cache) Flush() {
	c.wg.Wait()
}

// Close cancels outstanding background work and waits for it to settle.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Add puts a product on the list. An active entry is left alone, a purchased
// or snoozed one is reactivated, and otherwise a placeholder appears at once
// while the insert happens in the background.
func (c *Cache) Add(productID string, quantity int) (AddResult, store.ListEntry, error) {
	if productID == "" {
		return 0, store.ListEntry{}, fmt.Errorf("add: %w: empty product", common.ErrInvalidTransition)
	}
	if quantity < 1 {
		quantity = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it := c.findByProduct(productID, store.EntryActive); it != nil {
		return AddExists, it.entry, nil
	}

	for _, st := range []store.EntryStatus{store.EntryPurchased, store.EntrySnoozed} {
		if it := c.findByProduct(productID, st); it != nil {
			c.reactivateLocked(it, &quantity)
			return AddReactivated, it.entry, nil
		}
	}

	now := c.now()
	id := LocalIDPrefix + uuid.NewString()
	e := store.ListEntry{
		ID:          id,
		HouseholdID: c.household,
		ProductID:   productID,
		Status:      store.EntryActive,
		Quantity:    quantity,
		Source:      store.SourceManual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m := c.newMutation(KindAdd, id, productID)
	rev := c.bump()
	c.items[id] = &item{entry: e, rev: rev, pending: m.ID, baseRev: rev}

	c.background(func(ctx context.Context) {
		c.confirmAdd(ctx, m.ID, id, productID, quantity)
	})
	return AddInserted, e, nil
}

// Reactivate puts a purchased or snoozed entry back on the list.
func (c *Cache) Reactivate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch it.entry.Status {
	case store.EntryActive:
		return nil
	case store.EntryPurchased, store.EntrySnoozed:
	default:
		return fmt.Errorf("reactivate %s: %w", id, common.ErrInvalidTransition)
	}
	if other := c.findByProduct(it.entry.ProductID, store.EntryActive); other != nil {
		return fmt.Errorf("reactivate %s: %w", id, common.ErrDuplicateEntry)
	}
	c.reactivateLocked(it, nil)
	return nil
}

// SetQuantity changes how many units the entry asks for.
func (c *Cache) SetQuantity(id string, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("set quantity %s: %w: quantity must be positive", id, common.ErrInvalidTransition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	it, err := c.lookup(id)
	if err != nil {
		return err
	}
	if it.entry.Quantity == quantity {
		return nil
	}
	c.mutateLocked(KindQuantity, it, store.EntryUpdate{Quantity: &quantity}, func(e *store.ListEntry) {
		e.Quantity = quantity
	})
	return nil
}

// Snooze hides an active entry until the given time.
func (c *Cache) Snooze(id string, until time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, err := c.lookup(id)
	if err != nil {
		return err
	}
	if it.entry.Status != store.EntryActive {
		return fmt.Errorf("snooze %s in status %s: %w", id, it.entry.Status, common.ErrInvalidTransition)
	}
	st := store.EntrySnoozed
	until = until.UTC()
	c.mutateLocked(KindSnooze, it, store.EntryUpdate{Status: &st, SnoozeUntil: &until}, func(e *store.ListEntry) {
		e.Status = st
		e.SnoozeUntil = &until
	})
	return nil
}

// Remove takes the entry out of the cache immediately and deletes it on the
// server in the background.
func (c *Cache) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, err := c.lookup(id)
	if err != nil {
		return err
	}
	id = it.entry.ID
	delete(c.items, id)

	m := c.newMutation(KindRemove, id, it.entry.ProductID)
	if it.pending != "" {
		// The insert is still in flight; its confirmation deletes the row.
		c.removed[id] = m.ID
		return nil
	}

	before := it.entry
	c.background(func(ctx context.Context) {
		c.confirmRemove(ctx, m.ID, before)
	})
	return nil
}

// ApplyRemote folds in an entry changed by another client.
func (c *Cache) ApplyRemote(e store.ListEntry) {
	if e.HouseholdID != c.household {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Status == store.EntryActive {
		// Another client won the race for this product; our placeholder
		// becomes their entry.
		for id, it := range c.items {
			if it.pending != "" && it.entry.ProductID == e.ProductID && it.entry.Status == store.EntryActive {
				delete(c.items, id)
				c.aliases[id] = e.ID
			}
		}
	}
	c.items[e.ID] = &item{entry: e, rev: c.bump()}
	delete(c.gone, e.ID)
}

// ApplyRemoteDelete drops an entry deleted by another client.
func (c *Cache) ApplyRemoteDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id = c.resolve(id)
	delete(c.items, id)
	c.gone[id] = true
}

func (c *Cache) confirmAdd(ctx context.Context, mutID, localID, productID string, quantity int) {
	var stored *store.ListEntry
	err := common.WithRetry(ctx, func() error {
		found, err := c.remote.FindActive(ctx, c.household, productID)
		if err != nil {
			return err
		}
		if found != nil {
			stored = found
			return nil
		}

		ins, err := c.remote.Insert(ctx, c.household, store.NewListEntry{
			HouseholdID: c.household,
			ProductID:   productID,
			Quantity:    quantity,
			Source:      store.SourceManual,
		})
		if errors.Is(err, common.ErrDuplicateEntry) && ins != nil {
			stored = ins
			return nil
		}
		if err != nil {
			return err
		}
		stored = ins
		return nil
	}, c.retry)
	if err == nil && stored == nil {
		err = fmt.Errorf("insert %s: empty response", productID)
	}

	c.mu.Lock()
	m := c.mutations[mutID]
	it := c.items[localID]
	removeID, wasRemoved := c.removed[localID]
	delete(c.removed, localID)

	if err != nil {
		if it != nil && it.pending == mutID {
			delete(c.items, localID)
		}
		c.settle(m, err)
		if wasRemoved {
			c.settle(c.mutations[removeID], nil)
		}
		failed := *m
		c.mu.Unlock()

		c.log.Warn("add rolled back", "product", productID, "error", err)
		c.notifier.MutationFailed(failed)
		return
	}

	m.EntryID = stored.ID
	c.settle(m, nil)
	c.aliases[localID] = stored.ID

	if wasRemoved {
		c.mu.Unlock()
		c.confirmRemove(ctx, removeID, *stored)
		return
	}
	if it == nil || it.pending != mutID {
		// Replaced by a remote copy while we waited.
		c.mu.Unlock()
		return
	}
	delete(c.items, localID)
	if _, known := c.items[stored.ID]; known {
		c.mu.Unlock()
		return
	}

	adopted := &item{entry: *stored, rev: c.bump()}
	c.items[stored.ID] = adopted

	// Carry over edits made to the placeholder while the insert was in flight.
	if it.rev != it.baseRev {
		var u store.EntryUpdate
		local := it.entry
		if local.Quantity != stored.Quantity {
			u.Quantity = &local.Quantity
		}
		if local.Status != stored.Status {
			u.Status = &local.Status
			u.SnoozeUntil = local.SnoozeUntil
		}
		if u.Quantity != nil || u.Status != nil {
			c.mutateLocked(KindQuantity, adopted, u, func(e *store.ListEntry) {
				e.Quantity = local.Quantity
				e.Status = local.Status
				e.SnoozeUntil = local.SnoozeUntil
			})
		}
	}
	c.mu.Unlock()
}

func (c *Cache) confirmUpdate(ctx context.Context, mutID, id string, u store.EntryUpdate, before store.ListEntry, rev uint64) {
	var stored *store.ListEntry
	err := common.WithRetry(ctx, func() error {
		s, err := c.remote.Update(ctx, c.household, id, u)
		stored = s
		return err
	}, c.retry)

	c.mu.Lock()
	m := c.mutations[mutID]
	it := c.items[id]
	c.settle(m, err)

	if err != nil {
		if it != nil && it.rev == rev {
			it.entry = before
			it.rev = c.bump()
		}
		failed := *m
		c.mu.Unlock()

		c.log.Warn("update rolled back", "entry", id, "kind", m.Kind, "error", err)
		c.notifier.MutationFailed(failed)
		return
	}
	if it != nil && it.rev == rev && stored != nil {
		it.entry = *stored
	}
	c.mu.Unlock()
}

func (c *Cache) confirmRemove(ctx context.Context, mutID string, before store.ListEntry) {
	err := common.WithRetry(ctx, func() error {
		return c.remote.Delete(ctx, c.household, before.ID)
	}, c.retry)

	c.mu.Lock()
	m := c.mutations[mutID]
	c.settle(m, err)
	if err == nil {
		c.mu.Unlock()
		return
	}

	_, present := c.items[before.ID]
	clash := before.Status == store.EntryActive && c.findByProduct(before.ProductID, store.EntryActive) != nil
	if !present && !c.gone[before.ID] && !clash {
		c.items[before.ID] = &item{entry: before, rev: c.bump()}
	}
	failed := *m
	c.mu.Unlock()

	c.log.Warn("remove rolled back", "entry", before.ID, "error", err)
	c.notifier.MutationFailed(failed)
}

// reactivateLocked flips an entry back to active, optionally with a new quantity.
func (c *Cache) reactivateLocked(it *item, quantity *int) {
	st := store.EntryActive
	u := store.EntryUpdate{Status: &st}
	if quantity != nil && *quantity != it.entry.Quantity {
		u.Quantity = quantity
	}
	c.mutateLocked(KindReactivate, it, u, func(e *store.ListEntry) {
		e.Status = st
		e.SnoozeUntil = nil
		if u.Quantity != nil {
			e.Quantity = *u.Quantity
		}
	})
}

// mutateLocked applies a change locally and, unless the entry is still a
// placeholder, sends it to the server in the background.
func (c *Cache) mutateLocked(kind MutationKind, it *item, u store.EntryUpdate, apply func(*store.ListEntry)) {
	before := it.entry
	apply(&it.entry)
	it.entry.UpdatedAt = c.now()
	it.rev = c.bump()

	if it.pending != "" {
		return
	}

	m := c.newMutation(kind, it.entry.ID, it.entry.ProductID)
	id, rev := it.entry.ID, it.rev
	c.background(func(ctx context.Context) {
		c.confirmUpdate(ctx, m.ID, id, u, before, rev)
	})
}

func (c *Cache) newMutation(kind MutationKind, entryID, productID string) *Mutation {
	m := &Mutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		EntryID:   entryID,
		ProductID: productID,
		State:     Pending,
		At:        time.Now(),
	}
	c.mutations[m.ID] = m
	return m
}

func (c *Cache) settle(m *Mutation, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.State = RolledBack
		m.Err = err
	} else {
		m.State = Confirmed
	}

	if len(c.mutations) > maxSettled {
		for id, old := range c.mutations {
			if old != m && old.State != Pending {
				delete(c.mutations, id)
			}
		}
	}
}

func (c *Cache) background(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Cache) bump() uint64 {
	c.rev++
	return c.rev
}

func (c *Cache) resolve(id string) string {
	if storeID, ok := c.aliases[id]; ok {
		return storeID
	}
	return id
}

func (c *Cache) lookup(id string) (*item, error) {
	it := c.items[c.resolve(id)]
	if it == nil {
		return nil, fmt.Errorf("entry %s: %w", id, common.ErrNotFound)
	}
	return it, nil
}

func (c *Cache) findByProduct(productID string, status store.EntryStatus) *item {
	var found *item
	for _, it := range c.items {
		if it.entry.ProductID != productID || it.entry.Status != status {
			continue
		}
		if found == nil || it.entry.UpdatedAt.After(found.entry.UpdatedAt) {
			found = it
		}
	}
	return found
}

func (c *Cache) snapshot(keep func(store.ListEntry) bool) []store.ListEntry {
	out := make([]store.ListEntry, 0, len(c.items))
	for _, it := range c.items {
		if keep(it.entry) {
			out = append(out, it.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
