package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/types"
)

const (
	restPrefix = "/rest/v1"
	authPrefix = "/auth/v1"

	defaultRequestTimeout = 15 * time.Second
)

// TokenSource supplies the bearer token attached to every request. The
// session coordinator owns the live implementation; tests and tooling use
// StaticToken.
type TokenSource interface {
	AccessToken() string
}

// StaticToken is a fixed-token TokenSource.
type StaticToken string

// AccessToken implements TokenSource.
func (t StaticToken) AccessToken() string { return string(t) }

// TokenFunc adapts a plain function into a TokenSource.
type TokenFunc func() string

// AccessToken implements TokenSource.
func (f TokenFunc) AccessToken() string { return f() }

// ClientConfig configures the REST gateway.
type ClientConfig struct {
	BaseURL string
	AnonKey string
	Tokens  TokenSource
	HTTP    *http.Client
	Logger  zerolog.Logger
}

// Client is a thin typed wrapper around the backend's REST and RPC surface.
// Pure request/response; it holds no cache and no retry loop of its own.
type Client struct {
	base    *url.URL
	anonKey string
	tokens  TokenSource
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient validates the configuration and constructs a gateway client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		base:    base,
		anonKey: cfg.AnonKey,
		tokens:  cfg.Tokens,
		http:    cfg.HTTP,
		logger:  cfg.Logger,
	}, nil
}

// do issues a JSON request and decodes the response into out when non-nil.
// Every failure is wrapped into the error taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, prefer string, body, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return types.NewSyncError(types.ErrUnknown, op, fmt.Errorf("encode body: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return types.NewSyncError(types.ErrUnknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		requestLatency.WithLabelValues(op, "transport_error").Observe(time.Since(start).Seconds())
		return types.NewSyncError(classifyTransport(err), op, err)
	}
	defer resp.Body.Close()
	requestLatency.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewSyncError(types.ErrNetwork, op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return classifyStatus(op, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return types.NewSyncError(types.ErrUnknown, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// backendError is the JSON error body returned by the REST layer.
type backendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
}

// errFunctionMissing marks a failed RPC call whose target function does not
// exist on the server. The updater probe branches on it.
var errFunctionMissing = errors.New("rpc function not present")

func classifyTransport(err error) types.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.ErrNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return types.ErrNetwork
	}
	return types.ErrUnknown
}

func classifyStatus(op string, status int, body []byte) error {
	var be backendError
	_ = json.Unmarshal(body, &be)
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(firstNonEmpty(be.Message, string(body))))

	switch {
	case status == http.StatusNotFound:
		// PGRST202 means the RPC function itself is missing, which is a
		// capability signal rather than a missing row.
		if be.Code == "PGRST202" {
			return types.NewSyncError(types.ErrNotFound, op, errFunctionMissing)
		}
		return types.NewSyncError(types.ErrNotFound, op, cause)
	case status == http.StatusUnauthorized:
		if strings.Contains(strings.ToLower(be.Message), "expired") {
			return types.NewSyncError(types.ErrAuthExpired, op, cause)
		}
		return types.NewSyncError(types.ErrAuthInvalid, op, cause)
	case status == http.StatusForbidden:
		return types.NewSyncError(types.ErrAuthInvalid, op, cause)
	case status == http.StatusRequestTimeout || status >= 500:
		return types.NewSyncError(types.ErrNetwork, op, cause)
	default:
		return types.NewSyncError(types.ErrUnknown, op, cause)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// RPC invokes a named server function with args, decoding the JSON result
// into out when non-nil.
func (c *Client) RPC(ctx context.Context, name string, args, out any) error {
	return c.do(ctx, "rpc."+name, http.MethodPost, restPrefix+"/rpc/"+name, nil, "", args, out)
}
