package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/gateway"
	"github.com/example/field-sync-engine/internal/permissions"
	"github.com/example/field-sync-engine/internal/query"
	"github.com/example/field-sync-engine/internal/session"
	"github.com/example/field-sync-engine/internal/storage"
	"github.com/example/field-sync-engine/internal/types"
)

// apiServer is a thin HTTP facade over the sync engine, used by the local
// UI shell. Reads go through the query orchestrator so they benefit from
// caching, de-duplication, and stale-while-revalidate; writes go through
// the version-checked updater.
type apiServer struct {
	backend     *gateway.Client
	orch        *query.Orchestrator
	updater     gateway.OrderUpdater
	photos      *storage.PhotoStore
	perms       *permissions.Resolver
	coordinator *session.Coordinator
	feed        *changeFeed
	logger      zerolog.Logger

	mu      sync.Mutex
	queries map[string]*query.Query
}

func newAPIServer(backend *gateway.Client, orch *query.Orchestrator, updater gateway.OrderUpdater, photos *storage.PhotoStore, perms *permissions.Resolver, coordinator *session.Coordinator, feed *changeFeed, logger zerolog.Logger) *apiServer {
	return &apiServer{
		backend:     backend,
		orch:        orch,
		updater:     updater,
		photos:      photos,
		perms:       perms,
		coordinator: coordinator,
		feed:        feed,
		logger:      logger,
		queries:     make(map[string]*query.Query),
	}
}

func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /auth/signin", s.handleSignIn)
	mux.HandleFunc("POST /auth/signout", s.handleSignOut)
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("PATCH /orders/{id}", s.handleUpdateOrder)
	mux.HandleFunc("GET /orders/{id}/photos/{category}", s.handleListPhotos)
	return mux
}

// queryFor returns the persistent query handle for key, creating it on
// first use. Handles live for the process lifetime so realtime
// invalidations keep them refreshed.
func (s *apiServer) queryFor(key string, fn query.FetchFunc) *query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[key]; ok {
		return q
	}
	q := s.orch.NewQuery(key, fn, query.Options{})
	s.queries[key] = q
	return q
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         s.coordinator.State(),
		"cache_entries": s.orch.Store().Len(),
		"channels":      s.feed.registry.Len(),
	})
}

func (s *apiServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.coordinator.SignIn(r.Context(), body.Email, body.Password); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coordinator.State()})
}

func (s *apiServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.SignOut(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("sign-out revocation failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.coordinator.State()})
}

func (s *apiServer) handleListOrders(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	if view == "" {
		view = "feed"
	}

	filter := gateway.OrderFilter{OrderBy: "scheduled_at"}
	switch view {
	case "feed":
		if !s.perms.Has(permissions.OrdersViewAll) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission denied"})
			return
		}
	case "mine":
		profile := s.coordinator.Profile()
		if profile == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not signed in"})
			return
		}
		filter.AssignedTo = profile.UserID
		view = "mine:" + string(profile.UserID)
	case "unassigned":
		filter.Unassigned = true
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown view"})
		return
	}

	q := s.queryFor(cache.OrderListKey(view), func(ctx context.Context) (any, error) {
		return s.backend.ListOrders(ctx, filter)
	})
	s.writeSnapshot(w, q.Get(r.Context()))
}

func (s *apiServer) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := s.queryFor(cache.OrderKey(id), func(ctx context.Context) (any, error) {
		return s.backend.GetOrder(ctx, types.OrderID(id))
	})
	s.writeSnapshot(w, q.Get(r.Context()))
}

// updateRequest carries the patch plus the version token the caller read.
type updateRequest struct {
	Patch             types.OrderPatch `json:"patch"`
	ExpectedUpdatedAt *time.Time       `json:"expected_updated_at"`
}

func (s *apiServer) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id := types.OrderID(r.PathValue("id"))

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.Patch.IsEmpty() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty patch"})
		return
	}
	if !s.allowed(req.Patch) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "permission denied"})
		return
	}

	updated, err := s.updater.UpdateWithVersion(r.Context(), id, req.Patch, req.ExpectedUpdatedAt)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The confirmed row is authoritative; push it into the cache so the
	// next read sees it without a network round trip.
	key := cache.OrderKey(string(id))
	s.mu.Lock()
	q, ok := s.queries[key]
	s.mu.Unlock()
	if ok {
		q.Mutate(updated)
	} else {
		s.orch.Store().Set(key, updated)
	}

	writeJSON(w, http.StatusOK, updated)
}

// allowed maps the fields touched by a patch onto permission keys.
func (s *apiServer) allowed(patch types.OrderPatch) bool {
	if patch.Status != nil {
		switch *patch.Status {
		case types.StatusDone:
			return s.perms.Has(permissions.OrdersComplete)
		case types.StatusInProgress, types.StatusAssigned:
			return s.perms.HasAny(permissions.OrdersAccept, permissions.OrdersAssign)
		case types.StatusCancelled:
			return s.perms.Has(permissions.OrdersDelete)
		}
	}
	if patch.AssignedTo != nil {
		return s.perms.Has(permissions.OrdersAssign)
	}
	return s.perms.HasAny(permissions.OrdersCreate, permissions.OrdersAssign)
}

func (s *apiServer) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	category := r.PathValue("category")

	known := false
	for _, c := range storage.Categories() {
		if c == category {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown category"})
		return
	}

	q := s.queryFor(cache.PhotosKey(id, category), func(ctx context.Context) (any, error) {
		return s.photos.List(ctx, id, category)
	})
	s.writeSnapshot(w, q.Get(r.Context()))
}

func (s *apiServer) writeSnapshot(w http.ResponseWriter, snap query.Snapshot) {
	if snap.Err != nil && snap.Data == nil {
		s.writeError(w, snap.Err)
		return
	}
	if snap.IsRefreshing || snap.IsFetching {
		w.Header().Set("X-Cache", "stale")
	} else {
		w.Header().Set("X-Cache", "fresh")
	}
	writeJSON(w, http.StatusOK, snap.Data)
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	payload := map[string]any{"error": err.Error(), "kind": types.KindOf(err)}

	switch types.KindOf(err) {
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrConflict:
		status = http.StatusConflict
		var se *types.SyncError
		if errors.As(err, &se) && se.Latest != nil {
			payload["latest"] = se.Latest
		}
	case types.ErrAuthInvalid, types.ErrAuthExpired:
		status = http.StatusUnauthorized
		s.coordinator.NoteAuthFailure(err)
	case types.ErrNetwork:
		status = http.StatusBadGateway
	}

	s.logger.Debug().Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
