package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/observability"
	"github.com/example/field-sync-engine/internal/types"
)

const (
	defaultRetryCount = 2
	defaultRetryDelay = 500 * time.Millisecond
	defaultTimeout    = 12 * time.Second
)

// FetchFunc loads the authoritative value for a query key. It must be
// idempotent; the orchestrator may invoke it again on retry or revalidation.
type FetchFunc func(ctx context.Context) (any, error)

// Options tune a single logical query. Zero values fall back to the
// orchestrator defaults.
type Options struct {
	TTL        time.Duration
	StaleTime  time.Duration
	RetryCount int
	RetryDelay time.Duration
	Timeout    time.Duration
	// Disabled parks the query: reads return the current snapshot and no
	// network activity happens until re-enabled.
	Disabled bool
}

// Config configures an orchestrator instance.
type Config struct {
	Defaults Options
	Logger   zerolog.Logger
}

// flight is one in-flight fetch shared by every concurrent caller of the
// same key.
type flight struct {
	done  chan struct{}
	value any
	err   error
	epoch uint64
	// stale marks a flight whose epoch ended (sign-out) before completion;
	// its result must not reach queries or the cache.
	stale bool
}

// Orchestrator coordinates cache lookups, stale-while-revalidate refetches,
// request de-duplication, bounded retry, and the query handles observing it
// all. Explicitly constructed; callers decide its lifetime (normally one per
// process, one per test).
type Orchestrator struct {
	store    *cache.Store
	defaults Options
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	queries  map[string]map[*Query]struct{}
	epoch    uint64
}

// New constructs an orchestrator over the provided cache store.
func New(store *cache.Store, cfg Config) *Orchestrator {
	if cfg.Defaults.RetryCount == 0 {
		cfg.Defaults.RetryCount = defaultRetryCount
	}
	if cfg.Defaults.RetryDelay <= 0 {
		cfg.Defaults.RetryDelay = defaultRetryDelay
	}
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = defaultTimeout
	}
	return &Orchestrator{
		store:    store,
		defaults: cfg.Defaults,
		logger:   cfg.Logger,
		inflight: make(map[string]*flight),
		queries:  make(map[string]map[*Query]struct{}),
	}
}

// Store exposes the underlying cache store.
func (o *Orchestrator) Store() *cache.Store { return o.store }

func (o *Orchestrator) fill(opts Options) Options {
	if opts.TTL <= 0 {
		opts.TTL = o.defaults.TTL
	}
	if opts.StaleTime <= 0 {
		opts.StaleTime = o.defaults.StaleTime
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = o.defaults.RetryCount
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = o.defaults.RetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.defaults.Timeout
	}
	return opts
}

// fetch joins the in-flight request for key or starts one. At most one
// network call runs per key at a time; every caller resolves from the same
// flight.
func (o *Orchestrator) fetch(key string, fn FetchFunc, opts Options) *flight {
	o.mu.Lock()
	if fl, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		dedupJoins.Inc()
		return fl
	}
	fl := &flight{done: make(chan struct{}), epoch: o.epoch}
	o.inflight[key] = fl
	o.mu.Unlock()

	go o.run(key, fl, fn, opts)
	return fl
}

func (o *Orchestrator) run(key string, fl *flight, fn FetchFunc, opts Options) {
	// Detached from any caller: a result arriving after every waiter timed
	// out must still populate the cache for the next read.
	ctx, span := tracer.Start(context.Background(), "query.fetch")
	span.SetAttributes(attribute.String("query.key", key))
	defer span.End()

	value, err := o.attempt(ctx, fn, opts)

	o.mu.Lock()
	current := fl.epoch == o.epoch
	if o.inflight[key] == fl {
		delete(o.inflight, key)
	}
	o.mu.Unlock()

	fl.value = value
	fl.err = err

	if current && err == nil {
		current = o.commit(key, fl, value, opts)
	} else if err != nil {
		fetches.WithLabelValues("error").Inc()
		logger := observability.LoggerWithTrace(ctx, o.logger)
		logger.Debug().Err(err).Str("key", key).Msg("query fetch failed")
	}
	fl.stale = !current
	close(fl.done)
}

// commit publishes a successful fetch result to the cache. ClearAll can run
// between the epoch check in run and the store write, so the epoch is
// re-verified after the write and the entry deleted on mismatch; a result
// from before a sign-out never survives into the cleared cache. Reports
// whether the result was kept.
func (o *Orchestrator) commit(key string, fl *flight, value any, opts Options) bool {
	o.store.SetWithTTL(key, value, opts.TTL, opts.StaleTime)

	o.mu.Lock()
	current := fl.epoch == o.epoch
	o.mu.Unlock()

	if !current {
		o.store.Delete(key)
		return false
	}
	fetches.WithLabelValues("ok").Inc()
	return true
}

// attempt runs the fetch with a bounded retry loop. The attempt counter is a
// plain loop variable; there is no recursion and no shared mutable counter.
func (o *Orchestrator) attempt(ctx context.Context, fn FetchFunc, opts Options) (any, error) {
	delay := opts.RetryDelay
	for attempt := 0; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}

		allowed := opts.RetryCount
		if types.KindOf(err) == types.ErrUnknown && allowed > 1 {
			// Uncategorized failures get a single defensive retry.
			allowed = 1
		}
		if !types.Retryable(err) || attempt >= allowed {
			return nil, err
		}

		retries.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, types.NewSyncError(types.ErrNetwork, "query.fetch", ctx.Err())
		}
	}
}

func (o *Orchestrator) register(q *Query) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.queries[q.key]
	if set == nil {
		set = make(map[*Query]struct{})
		o.queries[q.key] = set
	}
	set[q] = struct{}{}
	activeQueries.Set(float64(o.queryCountLocked()))
}

func (o *Orchestrator) unregister(q *Query) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.queries[q.key]
	delete(set, q)
	if len(set) == 0 {
		delete(o.queries, q.key)
	}
	activeQueries.Set(float64(o.queryCountLocked()))
}

func (o *Orchestrator) queryCountLocked() int {
	n := 0
	for _, set := range o.queries {
		n += len(set)
	}
	return n
}

// InvalidateKey drops the cache entry for key and refetches it for every
// live (subscribed, enabled) query handle.
func (o *Orchestrator) InvalidateKey(key string) {
	o.store.Delete(key)
	o.refetchLive(func(k string) bool { return k == key })
}

// InvalidatePrefix drops all cache entries under the literal prefix,
// refetching live queries. Returns the number of cache entries removed.
func (o *Orchestrator) InvalidatePrefix(prefix string) int {
	n := o.store.InvalidatePrefix(prefix)
	o.refetchLive(func(k string) bool { return strings.HasPrefix(k, prefix) })
	return n
}

// InvalidatePattern is InvalidatePrefix for regular expressions.
func (o *Orchestrator) InvalidatePattern(re *regexp.Regexp) int {
	n := o.store.InvalidatePattern(re)
	o.refetchLive(re.MatchString)
	return n
}

func (o *Orchestrator) refetchLive(match func(string) bool) {
	o.mu.Lock()
	var targets []*Query
	for key, set := range o.queries {
		if !match(key) {
			continue
		}
		for q := range set {
			targets = append(targets, q)
		}
	}
	o.mu.Unlock()

	for _, q := range targets {
		if q.live() {
			go q.runFetch(background)
		}
	}
}

// ClearAll abandons every in-flight request, drops the cache, and resets
// every query handle. Called on sign-out and sign-in; in-flight results from
// the previous epoch are discarded so no cross-account data survives.
func (o *Orchestrator) ClearAll() {
	o.mu.Lock()
	o.epoch++
	o.inflight = make(map[string]*flight)
	var all []*Query
	for _, set := range o.queries {
		for q := range set {
			all = append(all, q)
		}
	}
	o.mu.Unlock()

	o.store.Clear()
	for _, q := range all {
		q.reset()
	}
}

// timeoutError builds the caller-facing error for an abandoned wait.
func timeoutError(key string, budget time.Duration) error {
	return types.NewSyncError(types.ErrNetwork, "query.wait",
		fmt.Errorf("query %s timed out after %s", key, budget))
}

// canceledError is timeoutError's counterpart for a caller context ending
// before the fetch resolves. The cause is ctx.Err, never a timeout message.
func canceledError(key string, cause error) error {
	return types.NewSyncError(types.ErrNetwork, "query.wait",
		fmt.Errorf("query %s: %w", key, cause))
}
