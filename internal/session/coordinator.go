package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/cache"
	"github.com/example/field-sync-engine/internal/gateway"
	"github.com/example/field-sync-engine/internal/types"
)

// State is the coordinator's externally visible auth state.
type State string

const (
	StateInitializing    State = "INITIALIZING"
	StateAuthenticated   State = "AUTHENTICATED"
	StateUnauthenticated State = "UNAUTHENTICATED"
)

// AuthEvent is a raw auth notification from the backend.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// refreshMargin is how long before token expiry a refresh is attempted.
const refreshMargin = 30 * time.Second

// Backend is the slice of the gateway the coordinator needs.
type Backend interface {
	SignInWithPassword(ctx context.Context, email, password string) (*gateway.AuthSession, error)
	RefreshSession(ctx context.Context, refreshToken string) (*gateway.AuthSession, error)
	SignOut(ctx context.Context) error
	GetProfile(ctx context.Context, user types.UserID) (*types.Profile, error)
	UpsertProfile(ctx context.Context, profile types.Profile) (*types.Profile, error)
}

// QueryLayer is the slice of the query orchestrator the coordinator needs.
type QueryLayer interface {
	ClearAll()
}

// PermissionLayer is the slice of the permissions resolver the coordinator
// needs.
type PermissionLayer interface {
	BindSession(ctx context.Context, role types.Role, company types.CompanyID)
	Reset()
}

// Coordinator owns the auth lifecycle. It is the single writer of token
// material, the single place auth errors are absorbed, and the only
// component allowed to clear all local data. A valid token without a
// resolvable profile is treated as unauthenticated: a profile-less identity
// cannot be authorized for anything.
type Coordinator struct {
	backend     Backend
	store       *cache.Store
	queries     QueryLayer
	permissions PermissionLayer
	logger      zerolog.Logger

	mu          sync.RWMutex
	state       State
	session     *gateway.AuthSession
	profile     *types.Profile
	subscribers map[uint64]func(State)
	nextSub     uint64
}

// New builds a coordinator in the INITIALIZING state.
func New(backend Backend, store *cache.Store, queries QueryLayer, permissions PermissionLayer, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		backend:     backend,
		store:       store,
		queries:     queries,
		permissions: permissions,
		logger:      logger,
		state:       StateInitializing,
		subscribers: make(map[uint64]func(State)),
	}
}

// State returns the current auth state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Profile returns the resolved profile, nil unless authenticated.
func (c *Coordinator) Profile() *types.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// AccessToken returns the current bearer token, empty when signed out.
// Satisfies gateway.TokenSource and realtime.TokenSource.
func (c *Coordinator) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
}

// Subscribe registers a state observer and returns an unsubscribe function.
// The observer fires on every transition, including re-entries.
func (c *Coordinator) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// SignIn exchanges credentials for a session and runs the sign-in flow.
func (c *Coordinator) SignIn(ctx context.Context, email, password string) error {
	c.transition(StateInitializing)
	session, err := c.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		c.transition(StateUnauthenticated)
		return fmt.Errorf("sign in: %w", err)
	}
	return c.HandleAuthEvent(ctx, EventSignedIn, session)
}

// SignOut revokes the session server-side and clears all local data. The
// local clear happens even when revocation fails.
func (c *Coordinator) SignOut(ctx context.Context) error {
	err := c.backend.SignOut(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("server-side sign-out failed, clearing locally anyway")
	}
	_ = c.HandleAuthEvent(ctx, EventSignedOut, nil)
	return err
}

// HandleAuthEvent applies one raw auth event. Sign-in and token-refresh
// re-enter INITIALIZING while the profile is (re)resolved; sign-out and any
// profile resolution failure land in UNAUTHENTICATED with local data cleared.
func (c *Coordinator) HandleAuthEvent(ctx context.Context, event AuthEvent, session *gateway.AuthSession) error {
	authEvents.WithLabelValues(string(event)).Inc()

	switch event {
	case EventSignedIn, EventTokenRefreshed:
		if session == nil {
			c.clearLocal()
			c.transition(StateUnauthenticated)
			return fmt.Errorf("auth event %s without a session", event)
		}
		c.transition(StateInitializing)

		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		profile, err := c.ensureProfile(ctx, session.User)
		if err != nil {
			c.logger.Warn().Err(err).Str("user_id", string(session.User.ID)).
				Msg("profile resolution failed, treating session as unauthenticated")
			c.clearLocal()
			c.transition(StateUnauthenticated)
			return fmt.Errorf("resolve profile: %w", err)
		}

		c.mu.Lock()
		c.profile = profile
		c.mu.Unlock()
		c.permissions.BindSession(ctx, profile.Role, profile.CompanyID)
		c.transition(StateAuthenticated)
		return nil

	case EventSignedOut:
		c.clearLocal()
		c.transition(StateUnauthenticated)
		return nil

	default:
		c.logger.Warn().Str("event", string(event)).Msg("unrecognized auth event dropped")
		return nil
	}
}

// NoteAuthFailure inspects an error from any backend operation. Auth
// failures are absorbed here instead of bubbling to screens: the session is
// dropped and local data cleared. Reports whether the error was consumed.
func (c *Coordinator) NoteAuthFailure(err error) bool {
	if !types.IsAuthFailure(err) {
		return false
	}
	c.logger.Warn().Str("kind", string(types.KindOf(err))).Msg("auth failure reported, signing out locally")
	c.clearLocal()
	c.transition(StateUnauthenticated)
	return true
}

// ensureProfile loads the user's profile, auto-provisioning a worker-role
// profile on first sign-in. Only genuine failures are errors.
func (c *Coordinator) ensureProfile(ctx context.Context, user gateway.AuthUser) (*types.Profile, error) {
	profile, err := c.backend.GetProfile(ctx, user.ID)
	if err == nil {
		return profile, nil
	}
	if !types.IsNotFound(err) {
		return nil, err
	}

	c.logger.Info().Str("user_id", string(user.ID)).Msg("provisioning first-time profile")
	return c.backend.UpsertProfile(ctx, types.Profile{
		UserID:      user.ID,
		Role:        types.RoleWorker,
		DisplayName: user.Email,
	})
}

// clearLocal drops every piece of locally held account data: token material,
// profile, cache entries, in-flight query results, resolved permissions.
func (c *Coordinator) clearLocal() {
	c.mu.Lock()
	c.session = nil
	c.profile = nil
	c.mu.Unlock()

	c.store.Clear()
	c.queries.ClearAll()
	c.permissions.Reset()
	cacheClears.Inc()
}

func (c *Coordinator) transition(next State) {
	c.mu.Lock()
	c.state = next
	subs := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

// RunRefreshLoop refreshes the access token shortly before it expires,
// until ctx ends. A failed refresh is handled like an auth failure: the
// session is dropped and local data cleared.
func (c *Coordinator) RunRefreshLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		session := c.session
		c.mu.RUnlock()

		if session == nil {
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		wait := refreshWait(session)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		c.mu.RLock()
		current := c.session
		c.mu.RUnlock()
		if current == nil || current.AccessToken != session.AccessToken {
			continue
		}

		refreshed, err := c.backend.RefreshSession(ctx, current.RefreshToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("token refresh failed, signing out locally")
			c.clearLocal()
			c.transition(StateUnauthenticated)
			continue
		}
		tokenRefreshes.Inc()
		_ = c.HandleAuthEvent(ctx, EventTokenRefreshed, refreshed)
	}
}

// refreshWait derives the time until refresh from the token's exp claim,
// falling back to the session's expires_in hint.
func refreshWait(session *gateway.AuthSession) time.Duration {
	wait := time.Duration(session.ExpiresIn) * time.Second

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(session.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			wait = time.Until(exp.Time)
		}
	}

	wait -= refreshMargin
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
