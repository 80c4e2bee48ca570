package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/example/field-sync-engine/internal/types"
)

// AuthUser is the raw auth identity as the backend reports it.
type AuthUser struct {
	ID    types.UserID `json:"id"`
	Email string       `json:"email"`
}

// AuthSession is the token material returned by the auth endpoints. Owned by
// the session coordinator only; nothing else should hold token material.
type AuthSession struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	User         AuthUser `json:"user"`
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthSession, error) {
	q := url.Values{}
	q.Set("grant_type", "password")

	body := map[string]string{"email": email, "password": password}
	var session AuthSession
	if err := c.do(ctx, "auth.sign_in", http.MethodPost, authPrefix+"/token", q, "", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RefreshSession exchanges a refresh token for fresh token material.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*AuthSession, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")

	body := map[string]string{"refresh_token": refreshToken}
	var session AuthSession
	if err := c.do(ctx, "auth.refresh", http.MethodPost, authPrefix+"/token", q, "", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetUser fetches the identity behind the current bearer token.
func (c *Client) GetUser(ctx context.Context) (*AuthUser, error) {
	var user AuthUser
	if err := c.do(ctx, "auth.get_user", http.MethodGet, authPrefix+"/user", nil, "", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignOut revokes the current session server-side.
func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, "auth.sign_out", http.MethodPost, authPrefix+"/logout", nil, "", nil, nil)
}
