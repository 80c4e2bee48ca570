package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/gateway"
	"github.com/example/field-sync-engine/internal/types"
)

type fakeBackend struct {
	mu       sync.Mutex
	profiles map[types.UserID]*types.Profile

	signInErr  error
	profileErr error
	upserts    int
	signOuts   int
	refreshed  *gateway.AuthSession
	refreshErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{profiles: make(map[types.UserID]*types.Profile)}
}

func (f *fakeBackend) SignInWithPassword(_ context.Context, email, _ string) (*gateway.AuthSession, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return &gateway.AuthSession{
		AccessToken:  "token-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresIn:    3600,
		User:         gateway.AuthUser{ID: types.UserID("user-" + email), Email: email},
	}, nil
}

func (f *fakeBackend) RefreshSession(context.Context, string) (*gateway.AuthSession, error) {
	return f.refreshed, f.refreshErr
}

func (f *fakeBackend) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	return nil
}

func (f *fakeBackend) GetProfile(_ context.Context, user types.UserID) (*types.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	profile, ok := f.profiles[user]
	if !ok {
		return nil, types.NewSyncError(types.ErrNotFound, "profiles.get", errors.New("no profile"))
	}
	return profile, nil
}

func (f *fakeBackend) UpsertProfile(_ context.Context, profile types.Profile) (*types.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	stored := profile
	f.profiles[profile.UserID] = &stored
	return &stored, nil
}

type fakeQueries struct {
	mu     sync.Mutex
	clears int
}

func (f *fakeQueries) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

type fakePerms struct {
	mu     sync.Mutex
	bound  []types.Role
	resets int
}

func (f *fakePerms) BindSession(_ context.Context, role types.Role, _ types.CompanyID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, role)
}

func (f *fakePerms) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

func newTestCoordinator(backend *fakeBackend) (*Coordinator, *cache.Store, *fakeQueries, *fakePerms) {
	store := cache.New(cache.Config{Logger: zerolog.Nop()})
	queries := &fakeQueries{}
	perms := &fakePerms{}
	return New(backend, store, queries, perms, zerolog.Nop()), store, queries, perms
}

func TestSignInResolvesProfileAndAuthenticates(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{
		UserID: "user-a@x.test", CompanyID: "c1", Role: types.RoleDispatcher,
	}
	coord, _, _, perms := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if coord.State() != StateAuthenticated {
		t.Fatalf("state = %s, want AUTHENTICATED", coord.State())
	}
	if coord.AccessToken() != "token-a@x.test" {
		t.Fatalf("token not exposed after sign-in")
	}
	perms.mu.Lock()
	defer perms.mu.Unlock()
	if len(perms.bound) != 1 || perms.bound[0] != types.RoleDispatcher {
		t.Fatalf("permissions not bound to the resolved role: %v", perms.bound)
	}
}

func TestFirstSignInProvisionsWorkerProfile(t *testing.T) {
	backend := newFakeBackend()
	coord, _, _, _ := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "new@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if backend.upserts != 1 {
		t.Fatalf("upserts = %d, want auto-provision exactly once", backend.upserts)
	}
	profile := coord.Profile()
	if profile == nil || profile.Role != types.RoleWorker {
		t.Fatalf("provisioned profile = %+v, want worker role", profile)
	}
	if coord.State() != StateAuthenticated {
		t.Fatalf("state = %s, want AUTHENTICATED", coord.State())
	}
}

func TestProfileFailureMeansUnauthenticated(t *testing.T) {
	backend := newFakeBackend()
	backend.profileErr = types.NewSyncError(types.ErrNetwork, "profiles.get", errors.New("down"))
	coord, store, queries, _ := newTestCoordinator(backend)
	store.Set("orders:feed", "cached")

	err := coord.SignIn(context.Background(), "a@x.test", "pw")
	if err == nil {
		t.Fatalf("expected profile failure to surface")
	}
	if coord.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want UNAUTHENTICATED despite valid token", coord.State())
	}
	if coord.AccessToken() != "" {
		t.Fatalf("token retained after failed profile resolution")
	}
	if _, ok := store.Get("orders:feed"); ok {
		t.Fatalf("cache survived a failed sign-in")
	}
	if queries.clears != 1 {
		t.Fatalf("query layer not cleared")
	}
}

func TestSignOutClearsEverything(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{UserID: "user-a@x.test", Role: types.RoleAdmin}
	coord, store, queries, perms := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	store.Set("orders:detail:o1", "account-a data")

	if err := coord.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if coord.State() != StateUnauthenticated {
		t.Fatalf("state = %s, want UNAUTHENTICATED", coord.State())
	}
	if _, ok := store.Get("orders:detail:o1"); ok {
		t.Fatalf("cached entry readable after sign-out")
	}
	if queries.clears != 1 {
		t.Fatalf("query clears = %d, want 1", queries.clears)
	}
	if perms.resets != 1 {
		t.Fatalf("permission resets = %d, want 1", perms.resets)
	}
	if backend.signOuts != 1 {
		t.Fatalf("server-side sign-out not attempted")
	}
}

func TestSecondAccountNeverSeesPriorData(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{UserID: "user-a@x.test", Role: types.RoleAdmin}
	backend.profiles["user-b@x.test"] = &types.Profile{UserID: "user-b@x.test", Role: types.RoleWorker}
	coord, store, _, _ := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in a: %v", err)
	}
	store.Set("orders:feed", "account-a orders")
	if err := coord.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}

	if err := coord.SignIn(context.Background(), "b@x.test", "pw"); err != nil {
		t.Fatalf("sign in b: %v", err)
	}
	if _, ok := store.Get("orders:feed"); ok {
		t.Fatalf("second account observed the first account's cached values")
	}
	if coord.AccessToken() != "token-b@x.test" {
		t.Fatalf("token belongs to the wrong account")
	}
}

func TestLocalClearHappensEvenWhenRevocationFails(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{UserID: "user-a@x.test", Role: types.RoleAdmin}
	coord, store, _, _ := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	store.Set("orders:feed", "v")

	// HandleAuthEvent path used when the server rejects the revocation.
	if err := coord.HandleAuthEvent(context.Background(), EventSignedOut, nil); err != nil {
		t.Fatalf("handle sign-out: %v", err)
	}
	if _, ok := store.Get("orders:feed"); ok {
		t.Fatalf("local data survived sign-out")
	}
}

func TestNoteAuthFailureDropsSession(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{UserID: "user-a@x.test", Role: types.RoleAdmin}
	coord, store, _, _ := newTestCoordinator(backend)

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	store.Set("orders:feed", "v")

	netErr := types.NewSyncError(types.ErrNetwork, "orders.list", errors.New("down"))
	if coord.NoteAuthFailure(netErr) {
		t.Fatalf("network error consumed as auth failure")
	}
	if coord.State() != StateAuthenticated {
		t.Fatalf("network error dropped the session")
	}

	authErr := types.NewSyncError(types.ErrAuthExpired, "orders.list", errors.New("jwt expired"))
	if !coord.NoteAuthFailure(authErr) {
		t.Fatalf("auth failure not consumed")
	}
	if coord.State() != StateUnauthenticated {
		t.Fatalf("state = %s after auth failure, want UNAUTHENTICATED", coord.State())
	}
	if _, ok := store.Get("orders:feed"); ok {
		t.Fatalf("cache survived an auth failure")
	}
}

func TestTokenRefreshedReResolvesProfile(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["u1"] = &types.Profile{UserID: "u1", CompanyID: "c1", Role: types.RoleWorker}
	coord, _, _, perms := newTestCoordinator(backend)

	session := &gateway.AuthSession{
		AccessToken: "t2", RefreshToken: "r2", ExpiresIn: 3600,
		User: gateway.AuthUser{ID: "u1", Email: "u1@x.test"},
	}
	if err := coord.HandleAuthEvent(context.Background(), EventTokenRefreshed, session); err != nil {
		t.Fatalf("handle refresh: %v", err)
	}
	if coord.State() != StateAuthenticated {
		t.Fatalf("state = %s, want AUTHENTICATED after refresh", coord.State())
	}
	if coord.AccessToken() != "t2" {
		t.Fatalf("refreshed token not adopted")
	}
	perms.mu.Lock()
	defer perms.mu.Unlock()
	if len(perms.bound) != 1 {
		t.Fatalf("permissions not recomputed on refresh")
	}
}

func TestStateObserverSeesTransitions(t *testing.T) {
	backend := newFakeBackend()
	backend.profiles["user-a@x.test"] = &types.Profile{UserID: "user-a@x.test", Role: types.RoleAdmin}
	coord, _, _, _ := newTestCoordinator(backend)

	var mu sync.Mutex
	var seen []State
	unsubscribe := coord.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	if err := coord.SignIn(context.Background(), "a@x.test", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	unsubscribe()
	_ = coord.SignOut(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateInitializing, StateInitializing, StateAuthenticated}
	if len(seen) != len(want) {
		t.Fatalf("observer saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("observer saw %v, want %v", seen, want)
		}
	}
}
