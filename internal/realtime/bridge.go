package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/types"
)

const defaultDebounce = 150 * time.Millisecond

// Invalidator receives cache invalidations produced by the bridge.
// *query.Orchestrator satisfies it.
type Invalidator interface {
	InvalidateKey(key string)
	InvalidatePrefix(prefix string) int
}

// Family describes how change events on one table map onto cache entries:
// a detail key per affected row plus the list prefixes whose contents may
// have shifted.
type Family struct {
	Detail       func(id string) string
	ListPrefixes []string
}

// DefaultFamilies maps the synced tables onto the cache key layout.
func DefaultFamilies() map[string]Family {
	return map[string]Family{
		"orders": {
			Detail:       cache.OrderKey,
			ListPrefixes: []string{cache.OrderListPrefix},
		},
		"role_permissions": {
			ListPrefixes: []string{cache.PermissionsPrefix},
		},
		"employees": {
			ListPrefixes: []string{cache.EmployeesPrefix},
		},
		"departments": {
			ListPrefixes: []string{cache.DepartmentsPrefix},
		},
	}
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Debounce time.Duration
	Families map[string]Family
	Logger   zerolog.Logger
}

// SubscribeOptions narrows one subscription.
type SubscribeOptions struct {
	// Filter is an optional server-side row filter, e.g. "company_id=eq.<id>".
	Filter string
	// OnChange, if set, observes every event on the channel after the
	// bridge has recorded it for invalidation.
	OnChange func(types.ChangeEvent)
}

// Bridge turns change-feed events into cache invalidations. Events within
// one debounce window are buffered and flushed as a single batch, so a burst
// of row changes costs one round of list refetches instead of one per event.
type Bridge struct {
	registry    *Registry
	invalidator Invalidator
	cfg         BridgeConfig

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timer   *time.Timer
}

// NewBridge wires a bridge between registry and inv.
func NewBridge(registry *Registry, inv Invalidator, cfg BridgeConfig) *Bridge {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if cfg.Families == nil {
		cfg.Families = DefaultFamilies()
	}
	return &Bridge{
		registry:    registry,
		invalidator: inv,
		cfg:         cfg,
		pending:     make(map[string]map[string]struct{}),
	}
}

// Subscribe acquires a channel for table and feeds its events through the
// debounce buffer. The returned function releases the channel.
func (b *Bridge) Subscribe(table string, opts SubscribeOptions) (func(), error) {
	key := ChannelKey{Table: table, Filter: opts.Filter}
	return b.registry.Acquire(key, func(ev types.ChangeEvent) {
		b.record(ev)
		if opts.OnChange != nil {
			opts.OnChange(ev)
		}
	})
}

func (b *Bridge) record(ev types.ChangeEvent) {
	id := ev.RowID()

	b.mu.Lock()
	ids, ok := b.pending[ev.Table]
	if !ok {
		ids = make(map[string]struct{})
		b.pending[ev.Table] = ids
	}
	if id != "" {
		ids[id] = struct{}{}
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.Debounce, b.flush)
	}
	b.mu.Unlock()
}

// flush drains the buffer and issues one invalidation batch.
func (b *Bridge) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]map[string]struct{})
	b.timer = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	keys, prefixes := 0, 0
	for table, ids := range pending {
		family, ok := b.cfg.Families[table]
		if !ok {
			b.cfg.Logger.Debug().Str("table", table).Msg("change event on unmapped table")
			continue
		}
		if family.Detail != nil {
			for id := range ids {
				b.invalidator.InvalidateKey(family.Detail(id))
				keys++
			}
		}
		for _, prefix := range family.ListPrefixes {
			b.invalidator.InvalidatePrefix(prefix)
			prefixes++
		}
	}

	flushesTotal.Inc()
	b.cfg.Logger.Debug().
		Int("detail_keys", keys).
		Int("list_prefixes", prefixes).
		Msg("flushed change-feed invalidations")
}
