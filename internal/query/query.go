package query

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the externally observable state of a query.
type Snapshot struct {
	// Data resolves the value layers: optimistic overlay, then the last
	// authoritative value, then nil.
	Data any
	Err  error
	// IsLoading is true only while no data has ever been served.
	IsLoading bool
	// IsRefreshing is true during an explicit Refresh.
	IsRefreshing bool
	// IsFetching is true during any network activity, foreground or
	// background.
	IsFetching bool
}

type fetchKind int

const (
	foreground fetchKind = iota
	background
	refresh
)

// Query is a handle on one logical query key. Handles with the same key
// share the orchestrator's cache entry and de-duplication slot but keep
// independent subscriber lists and optimistic overlays.
type Query struct {
	orch *Orchestrator
	key  string
	fn   FetchFunc
	opts Options

	mu         sync.Mutex
	data       any
	hasData    bool
	err        error
	loading    bool
	refreshing bool
	fetching   int
	enabled    bool

	// Optimistic layer. seq orders mutations against fetch starts so a
	// fetch that began before a mutation cannot silently erase it.
	overlay    any
	hasOverlay bool
	overlaySeq uint64
	seq        uint64

	subscribers map[uint64]func(Snapshot)
	nextSub     uint64
}

// NewQuery registers a query handle for key. Close releases it.
func (o *Orchestrator) NewQuery(key string, fn FetchFunc, opts Options) *Query {
	q := &Query{
		orch:        o,
		key:         key,
		fn:          fn,
		opts:        o.fill(opts),
		enabled:     !opts.Disabled,
		subscribers: make(map[uint64]func(Snapshot)),
	}
	o.register(q)
	return q
}

// Key returns the query's cache key.
func (q *Query) Key() string { return q.key }

// Close unregisters the handle from the orchestrator.
func (q *Query) Close() { q.orch.unregister(q) }

// SetEnabled parks or unparks the query. Re-enabling does not fetch by
// itself; the next Get does.
func (q *Query) SetEnabled(enabled bool) {
	q.mu.Lock()
	q.enabled = enabled
	q.mu.Unlock()
}

// Snapshot returns the current observable state.
func (q *Query) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Query) snapshotLocked() Snapshot {
	snap := Snapshot{
		Err:          q.err,
		IsLoading:    q.loading,
		IsRefreshing: q.refreshing,
		IsFetching:   q.fetching > 0,
	}
	switch {
	case q.hasOverlay:
		snap.Data = q.overlay
	case q.hasData:
		snap.Data = q.data
	}
	return snap
}

// Get serves the query with stale-while-revalidate semantics: a fresh cache
// entry returns immediately with no network call; a stale entry is served at
// once while a background fetch revalidates; an absent entry blocks on a
// foreground fetch bounded by the query timeout.
func (q *Query) Get(ctx context.Context) Snapshot {
	q.mu.Lock()
	enabled := q.enabled
	q.mu.Unlock()
	if !enabled {
		return q.Snapshot()
	}

	if entry, ok := q.orch.store.GetWithStale(q.key, q.opts.StaleTime); ok {
		q.mu.Lock()
		q.data = entry.Value
		q.hasData = true
		q.loading = false
		q.mu.Unlock()
		q.notify()

		if entry.IsStale {
			go q.runFetch(background)
			return q.Snapshot()
		}
		return q.Snapshot()
	}

	return q.runFetchCtx(ctx, foreground)
}

// Refresh forces a network fetch bypassing cache freshness. Not reentrant:
// while a refresh is running, further calls return the current snapshot.
func (q *Query) Refresh(ctx context.Context) Snapshot {
	q.mu.Lock()
	if q.refreshing || !q.enabled {
		q.mu.Unlock()
		return q.Snapshot()
	}
	// Claimed under the same lock as the check so two racing callers cannot
	// both pass the guard.
	q.refreshing = true
	q.mu.Unlock()
	return q.runFetchCtx(ctx, refresh)
}

// Mutate applies an optimistic value: local state and the cache are updated
// synchronously with no network round-trip. The overlay stays visible until
// a fetch that started at or after this mutation confirms server truth.
func (q *Query) Mutate(value any) {
	q.mu.Lock()
	q.seq++
	q.overlay = value
	q.hasOverlay = true
	q.overlaySeq = q.seq
	q.mu.Unlock()

	q.orch.store.SetWithTTL(q.key, value, q.opts.TTL, q.opts.StaleTime)
	q.notify()
}

// MutateFn derives the optimistic value from the currently resolved one.
func (q *Query) MutateFn(update func(current any) any) {
	q.mu.Lock()
	var current any
	switch {
	case q.hasOverlay:
		current = q.overlay
	case q.hasData:
		current = q.data
	}
	q.mu.Unlock()
	q.Mutate(update(current))
}

// Invalidate removes the cache entry; the next Get performs a network
// fetch. Served data stays visible in the meantime.
func (q *Query) Invalidate() {
	q.orch.store.Delete(q.key)
}

// Subscribe registers a change listener and returns its release function.
func (q *Query) Subscribe(fn func(Snapshot)) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subscribers[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subscribers, id)
		q.mu.Unlock()
	}
}

func (q *Query) live() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled && len(q.subscribers) > 0
}

func (q *Query) notify() {
	q.mu.Lock()
	snap := q.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(q.subscribers))
	for _, fn := range q.subscribers {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (q *Query) runFetch(kind fetchKind) Snapshot {
	return q.runFetchCtx(context.Background(), kind)
}

// runFetchCtx joins (or starts) the de-duplicated fetch for this key and
// waits up to the query timeout. A result arriving after the wait was
// abandoned still updates state quietly, without resurrecting loading flags.
func (q *Query) runFetchCtx(ctx context.Context, kind fetchKind) Snapshot {
	q.mu.Lock()
	joinSeq := q.seq
	if kind == foreground && !q.hasData {
		q.loading = true
	}
	if kind == refresh {
		q.refreshing = true
	}
	q.fetching++
	q.mu.Unlock()
	q.notify()

	fl := q.orch.fetch(q.key, q.fn, q.opts)

	released := &sync.Once{}
	release := func() {
		released.Do(func() {
			q.mu.Lock()
			// reset may have zeroed the counter while we were in flight.
			if q.fetching > 0 {
				q.fetching--
			}
			q.loading = false
			if kind == refresh {
				q.refreshing = false
			}
			q.mu.Unlock()
		})
	}

	select {
	case <-fl.done:
		q.apply(fl, joinSeq, release)
	case <-time.After(q.opts.Timeout):
		timeouts.Inc()
		release()
		q.mu.Lock()
		q.err = timeoutError(q.key, q.opts.Timeout)
		q.mu.Unlock()
		q.notify()
		go func() {
			<-fl.done
			q.apply(fl, joinSeq, release)
		}()
	case <-ctx.Done():
		release()
		q.mu.Lock()
		q.err = canceledError(q.key, ctx.Err())
		q.mu.Unlock()
		q.notify()
		go func() {
			<-fl.done
			q.apply(fl, joinSeq, release)
		}()
	}
	return q.Snapshot()
}

// apply folds a completed flight into query state. Errors never clear data;
// stale-epoch flights are dropped entirely.
func (q *Query) apply(fl *flight, joinSeq uint64, release func()) {
	release()
	if fl.stale {
		return
	}

	q.mu.Lock()
	if fl.err != nil {
		q.err = fl.err
	} else {
		q.data = fl.value
		q.hasData = true
		q.err = nil
		// Server truth confirms any mutation made before the fetch began.
		if q.hasOverlay && q.overlaySeq <= joinSeq {
			q.overlay = nil
			q.hasOverlay = false
		}
	}
	q.mu.Unlock()
	q.notify()
}

// reset wipes all served state. Sign-out is the only path here.
func (q *Query) reset() {
	q.mu.Lock()
	q.data = nil
	q.hasData = false
	q.overlay = nil
	q.hasOverlay = false
	q.err = nil
	q.loading = false
	q.refreshing = false
	q.fetching = 0
	q.mu.Unlock()
	q.notify()
}
