// Package replica keeps a session's local view of the replicated store.
//
// The engine subscribes to every collection and replaces its cache wholesale
// on each delivered snapshot. Writes go straight to the store and only become
// visible locally once the store echoes them back.
//
// Concurrent edits of the same record are last-writer-wins: two sessions that
// both derive a replacement from the same snapshot overwrite each other, and
// the earlier writer's history entry is lost.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"movelog/internal/logging"
	"movelog/internal/store"
)

type Engine struct {
	store store.Replicated
	log   logging.Logger

	cache atomic.Pointer[Cache]

	mu        sync.Mutex
	observers []func(*Cache)
	// notifyMu orders observer calls across swaps without holding mu, so an
	// observer may call Observe or Close.
	notifyMu  sync.Mutex
	subs      []store.Subscription
	ready     chan struct{}
	readyOnce sync.Once
}

func NewEngine(s store.Replicated, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	e := &Engine{store: s, log: log, ready: make(chan struct{})}
	e.cache.Store(emptyCache())
	return e
}

// Start subscribes to all collections. The subscriptions live until ctx is
// done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	for _, coll := range store.Collections {
		sub, err := e.Subscribe(ctx, coll, e.apply)
		if err != nil {
			_ = e.Close()
			return fmt.Errorf("subscribe %s: %w", coll, err)
		}
		e.mu.Lock()
		e.subs = append(e.subs, sub)
		e.mu.Unlock()
	}
	return nil
}

// Subscribe passes straight through to the store: onChange sees the current
// full snapshot of coll, then every later one.
func (e *Engine) Subscribe(ctx context.Context, coll store.Collection, onChange func(store.Snapshot)) (store.Subscription, error) {
	return e.store.Subscribe(ctx, coll, onChange)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close())
	}
	return errors.Join(errs...)
}

// Snapshot returns the current cache. Callers must not modify it.
func (e *Engine) Snapshot() *Cache {
	return e.cache.Load()
}

// WaitReady blocks until every collection has been loaded once.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe registers fn to run after every cache replacement, in order. fn
// runs on the delivering goroutine and should return quickly.
func (e *Engine) Observe(fn func(*Cache)) {
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

func (e *Engine) GenerateID(coll store.Collection) string {
	return e.store.GenerateID(coll)
}

// Write replaces the whole record at coll/id. Failures wrap
// store.ErrUnavailable and are never retried here.
func (e *Engine) Write(ctx context.Context, coll store.Collection, id string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	if err := e.store.Put(ctx, coll, id, raw); err != nil {
		return err
	}
	e.log.Debug(ctx, "record written", "collection", string(coll), "id", id)
	return nil
}

// Create writes a new record under a freshly generated id and returns the id.
func (e *Engine) Create(ctx context.Context, coll store.Collection, build func(id string) any) (string, error) {
	id := e.GenerateID(coll)
	if err := e.Write(ctx, coll, id, build(id)); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) apply(snap store.Snapshot) {
	e.mu.Lock()
	next := e.swap(snap)
	if next == nil {
		e.mu.Unlock()
		return
	}
	observers := append([](func(*Cache))(nil), e.observers...)
	e.notifyMu.Lock()
	e.mu.Unlock()

	defer e.notifyMu.Unlock()
	for _, fn := range observers {
		fn(next)
	}
}

// swap installs the cache built from snap and returns it, or nil when snap is
// stale or unknown. Callers hold mu.
func (e *Engine) swap(snap store.Snapshot) *Cache {
	cur := e.cache.Load()
	if cur.Loaded(snap.Collection) && snap.Version < cur.Version(snap.Collection) {
		e.log.Debug(context.Background(), "stale snapshot ignored",
			"collection", string(snap.Collection), "version", snap.Version, "cached", cur.Version(snap.Collection))
		return nil
	}

	var next *Cache
	switch snap.Collection {
	case store.CollectionAccounts:
		decoded := decodeAll[store.Account](e.log, snap, func(a *store.Account, id string) { setID(&a.ID, id) })
		next = cur.with(snap.Collection, snap.Version, func(c *Cache) { c.Accounts = decoded })
	case store.CollectionMovements:
		decoded := decodeAll[store.Movement](e.log, snap, func(m *store.Movement, id string) { setID(&m.ID, id) })
		next = cur.with(snap.Collection, snap.Version, func(c *Cache) { c.Movements = decoded })
	case store.CollectionMessages:
		decoded := decodeAll[store.Message](e.log, snap, func(m *store.Message, id string) { setID(&m.ID, id) })
		next = cur.with(snap.Collection, snap.Version, func(c *Cache) { c.Messages = decoded })
	default:
		e.log.Warn(context.Background(), "snapshot for unknown collection", "collection", string(snap.Collection))
		return nil
	}

	e.cache.Store(next)
	if next.Ready() {
		e.readyOnce.Do(func() { close(e.ready) })
	}
	return next
}

func decodeAll[T any](log logging.Logger, snap store.Snapshot, fix func(*T, string)) map[string]T {
	out := make(map[string]T, len(snap.Records))
	for id, raw := range snap.Records {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			log.Warn(context.Background(), "skipping undecodable record",
				"collection", string(snap.Collection), "id", id, "error", err)
			continue
		}
		fix(&v, id)
		out[id] = v
	}
	return out
}

func setID(field *string, id string) {
	if *field == "" {
		*field = id
	}
}
