package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/types"
)

const (
	eventJoin      = "join"
	eventLeave     = "leave"
	eventHeartbeat = "heartbeat"
	eventChange    = "change"

	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 5 * time.Second
)

// frame is the JSON envelope exchanged on the change-feed socket.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TokenSource supplies the bearer token for the socket handshake.
type TokenSource interface {
	AccessToken() string
}

// ClientConfig configures the change-feed client.
type ClientConfig struct {
	URL               string
	APIKey            string
	Tokens            TokenSource
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	Logger            zerolog.Logger
	// OnDisconnect fires once when the read loop exits. The enclosing
	// session lifecycle owns reconnection; this client never retries.
	OnDisconnect func(err error)
}

// Client consumes the backend's change feed over one websocket connection
// and dispatches decoded events to a sink. Channel errors are surfaced, not
// retried here.
type Client struct {
	cfg  ClientConfig
	sink func(topic string, ev types.ChangeEvent)

	mu     sync.Mutex
	conn   *websocket.Conn
	topics map[string]struct{}
	closed bool
}

// NewClient constructs a client. A sink must be set before Start.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime url is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	return &Client{cfg: cfg, topics: make(map[string]struct{})}, nil
}

// SetSink installs the event consumer. The registry's Dispatch is the usual
// sink; it needs the client as its Joiner, hence the two-step wiring.
func (c *Client) SetSink(sink func(topic string, ev types.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Start dials the socket, rejoins any topics joined before a reconnect, and
// runs the read and heartbeat loops until ctx ends or the connection drops.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.sink == nil {
		c.mu.Unlock()
		return errors.New("event sink is required before start")
	}
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}
	if c.cfg.Tokens != nil {
		if token := c.cfg.Tokens.AccessToken(); token != "" {
			q.Set("token", token)
		}
	}
	u.RawQuery = q.Encode()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	rejoin := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		rejoin = append(rejoin, topic)
	}
	c.mu.Unlock()

	for _, topic := range rejoin {
		if err := c.send(frame{Topic: topic, Event: eventJoin}); err != nil {
			return fmt.Errorf("rejoin %s: %w", topic, err)
		}
	}

	go c.heartbeatLoop(ctx)
	go c.readLoop(ctx)
	return nil
}

// Join subscribes the socket to a topic. Idempotent per topic.
func (c *Client) Join(topic string) error {
	c.mu.Lock()
	if _, ok := c.topics[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.topics[topic] = struct{}{}
	connected := c.conn != nil
	c.mu.Unlock()

	channelsOpen.Inc()
	if !connected {
		return nil
	}
	return c.send(frame{Topic: topic, Event: eventJoin})
}

// Leave unsubscribes the socket from a topic.
func (c *Client) Leave(topic string) error {
	c.mu.Lock()
	if _, ok := c.topics[topic]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.topics, topic)
	connected := c.conn != nil
	c.mu.Unlock()

	channelsOpen.Dec()
	if !connected {
		return nil
	}
	return c.send(frame{Topic: topic, Event: eventLeave})
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) send(f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("realtime connection not established")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	sink := c.sink
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.cfg.Logger.Warn().Err(err).Msg("realtime read failed")
			}
			c.disconnect(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("failed to decode realtime frame")
			continue
		}
		if f.Event != eventChange {
			continue
		}

		var ev types.ChangeEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.cfg.Logger.Warn().Err(err).Str("topic", f.Topic).Msg("failed to decode change event")
			continue
		}
		eventsReceived.WithLabelValues(ev.Table).Inc()
		sink(f.Topic, ev)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(frame{Topic: "phoenix", Event: eventHeartbeat}); err != nil {
				c.cfg.Logger.Debug().Err(err).Msg("realtime heartbeat failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// disconnect fires once per dropped connection; Start resets the socket so
// the next connection reports its own drop.
func (c *Client) disconnect(err error) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
}
