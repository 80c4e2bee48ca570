package permissions

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/types"
)

// RowSource fetches permission overrides for a company. *gateway.Client
// satisfies it.
type RowSource interface {
	ListPermissionRows(ctx context.Context, company types.CompanyID) ([]types.PermissionRow, error)
}

// Resolver produces and holds the effective permission matrix for the
// current session. Lookups never fail: before a resolve, and whenever the
// remote source is unreachable, answers come from the compiled-in defaults.
type Resolver struct {
	source   RowSource
	defaults Matrix
	logger   zerolog.Logger

	mu      sync.RWMutex
	matrix  Matrix
	role    types.Role
	company types.CompanyID
}

// NewResolver builds a resolver reading overrides from source.
func NewResolver(source RowSource, logger zerolog.Logger) *Resolver {
	defaults := DefaultMatrix()
	return &Resolver{
		source:   source,
		defaults: defaults,
		logger:   logger,
		matrix:   defaults,
	}
}

// BindSession points the resolver at the signed-in user's role and company
// and recomputes the matrix. Called on sign-in and on auth state changes.
func (r *Resolver) BindSession(ctx context.Context, role types.Role, company types.CompanyID) {
	r.mu.Lock()
	r.role = role
	r.company = company
	r.mu.Unlock()
	r.Resolve(ctx, company)
}

// Reset drops session state and falls back to defaults. Called on sign-out.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.role = ""
	r.company = ""
	r.matrix = r.defaults
}

// Resolve fetches the company's overrides and merges them over the defaults.
// The returned matrix is always fully populated; on fetch failure the
// previously resolved matrix is kept and returned.
func (r *Resolver) Resolve(ctx context.Context, company types.CompanyID) Matrix {
	rows, err := r.source.ListPermissionRows(ctx, company)
	if err != nil {
		r.logger.Warn().Err(err).Str("company_id", string(company)).
			Msg("permission fetch failed, keeping current matrix")
		resolveFailures.Inc()
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.matrix
	}

	merged := Merge(r.defaults, rows)
	r.mu.Lock()
	r.matrix = merged
	r.mu.Unlock()
	resolvesTotal.Inc()
	r.logger.Debug().Str("company_id", string(company)).Int("overrides", len(rows)).
		Msg("resolved permission matrix")
	return merged
}

// Recompute re-resolves for the currently bound company. Used as the
// change-feed trigger on the permission table. No-op before a session binds.
func (r *Resolver) Recompute(ctx context.Context) {
	r.mu.RLock()
	company := r.company
	r.mu.RUnlock()
	if company == "" {
		return
	}
	r.Resolve(ctx, company)
}

// Has reports whether the current role holds key. False for unknown keys,
// unknown roles, and unauthenticated sessions.
func (r *Resolver) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matrix.Allowed(r.role, key)
}

// HasAny reports whether the current role holds at least one of keys.
func (r *Resolver) HasAny(keys ...string) bool {
	for _, key := range keys {
		if r.Has(key) {
			return true
		}
	}
	return false
}

// HasAll reports whether the current role holds every one of keys.
func (r *Resolver) HasAll(keys ...string) bool {
	for _, key := range keys {
		if !r.Has(key) {
			return false
		}
	}
	return len(keys) > 0
}

// Current returns the resolved matrix.
func (r *Resolver) Current() Matrix {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matrix
}
