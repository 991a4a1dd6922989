// Package wsclient manages the push-channel websocket connection to the
// studio backend.
//
// A Client owns at most one live connection at a time. Unexpected closes
// trigger capped exponential-backoff reconnects up to a maximum attempt
// count; after the cap is hit no further automatic attempts are made until a
// caller-initiated Connect resets the counter. Destroy is the cancellation
// primitive: it is idempotent and guarantees no callback fires afterwards.
package wsclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// State is a snapshot of the connection, owned exclusively by the Client and
// read-only to everyone else.
type State struct {
	Status            Status
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Conn is the subset of *websocket.Conn the client needs. Tests substitute
// their own.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer func(ctx context.Context, url string) (Conn, error)

const (
	DefaultInitialBackoff       = 1 * time.Second
	DefaultMaxBackoff           = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	defaultHandshakeTimeout     = 10 * time.Second
)

// Config configures a Client. Callback fields may be nil.
type Config struct {
	URL string

	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration

	// OnMessage receives every raw frame in arrival order.
	OnMessage func(data []byte)

	// OnStateChange fires after every state transition.
	OnStateChange func(State)

	// OnMaxAttempts fires once when the reconnect ceiling is hit.
	OnMaxAttempts func()

	// Dialer overrides the websocket dialer. Default: gorilla.
	Dialer Dialer

	Logger *zap.Logger
}

// Client is the push-channel connection manager.
type Client struct {
	cfg Config

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      Conn
	state     State
	destroyed bool
	timer     *time.Timer

	dial      Dialer
	afterFunc func(time.Duration, func()) *time.Timer
	logger    *zap.Logger
}

// New builds a Client. It does not connect; call Connect.
func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = gorillaDialer(cfg.HandshakeTimeout)
	}

	return &Client{
		cfg:       cfg,
		state:     State{Status: StatusClosed},
		dial:      dial,
		afterFunc: time.AfterFunc,
		logger:    logger,
	}
}

func gorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		d := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Connect starts (or restarts) the connection. Calling it while a connection
// is pending or open is a no-op. A caller-initiated Connect resets the
// reconnect attempt counter.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.state.ReconnectAttempts = 0
	c.state.ReconnectDelay = 0
	if c.state.Status == StatusConnecting || c.state.Status == StatusConnected {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.attempt()
}

// attempt performs one connection attempt. Used both by Connect and by
// reconnect timers.
func (c *Client) attempt() {
	c.mu.Lock()
	if c.destroyed || c.state.Status == StatusConnecting || c.state.Status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state.Status = StatusConnecting
	st := c.state
	c.mu.Unlock()
	c.notifyState(st)

	conn, err := c.dial(context.Background(), c.cfg.URL)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.reconnectLater()
		return
	}

	c.conn = conn
	c.state.Status = StatusConnected
	c.state.ReconnectAttempts = 0
	c.state.ReconnectDelay = 0
	st = c.state
	c.mu.Unlock()

	c.logger.Info("push channel connected", zap.String("url", c.cfg.URL))
	c.notifyState(st)
	go c.readLoop(conn)
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn)
			return
		}

		c.mu.Lock()
		dead := c.destroyed
		c.mu.Unlock()
		if dead {
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(data)
		}
	}
}

func (c *Client) handleClose(conn Conn) {
	c.mu.Lock()
	if c.destroyed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	_ = conn.Close()

	if c.state.Status == StatusClosing {
		// Graceful close requested; do not reconnect.
		c.state.Status = StatusClosed
		st := c.state
		c.mu.Unlock()
		c.notifyState(st)
		return
	}
	c.mu.Unlock()

	c.logger.Warn("push channel closed unexpectedly", zap.String("url", c.cfg.URL))
	c.reconnectLater()
}

// reconnectLater schedules the next attempt with delay
// min(initial * 2^attempts, max), or gives up once the attempt ceiling is
// reached.
func (c *Client) reconnectLater() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}

	maxed := c.state.ReconnectAttempts >= c.cfg.MaxReconnectAttempts
	if !maxed {
		delay := c.cfg.InitialBackoff << uint(c.state.ReconnectAttempts)
		if delay > c.cfg.MaxBackoff || delay <= 0 {
			delay = c.cfg.MaxBackoff
		}
		c.state.ReconnectDelay = delay
		c.state.ReconnectAttempts++
		c.timer = c.afterFunc(delay, c.attempt)
	}
	c.state.Status = StatusClosed
	st := c.state
	c.mu.Unlock()

	c.notifyState(st)
	if maxed {
		c.logger.Warn("reconnect attempts exhausted",
			zap.Int("attempts", st.ReconnectAttempts))
		if c.cfg.OnMaxAttempts != nil {
			c.cfg.OnMaxAttempts()
		}
	}
}

// Send marshals a control frame of the given type and writes it. It fails
// silently, returning false, when the channel is not open; callers must not
// treat that as an error.
func (c *Client) Send(msgType string, payload map[string]any) bool {
	c.mu.Lock()
	conn := c.conn
	open := !c.destroyed && c.state.Status == StatusConnected && conn != nil
	c.mu.Unlock()
	if !open {
		return false
	}

	frame := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		frame[k] = v
	}
	frame["type"] = msgType

	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("send failed", zap.String("type", msgType), zap.Error(err))
		return false
	}
	return true
}

// Control frame helpers.

func (c *Client) SubscribeJob(jobID string) bool {
	return c.Send("subscribe_job", map[string]any{"job_id": jobID})
}

func (c *Client) UnsubscribeJob(jobID string) bool {
	return c.Send("unsubscribe_job", map[string]any{"job_id": jobID})
}

func (c *Client) RequestJobStatus(jobID string) bool {
	return c.Send("request_job_status", map[string]any{"job_id": jobID})
}

func (c *Client) RequestQueueStatus() bool {
	return c.Send("request_queue_status", nil)
}

func (c *Client) RequestSystemStatus() bool {
	return c.Send("request_system_status", nil)
}

// Status returns a snapshot of the connection state.
func (c *Client) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close shuts the connection down gracefully without reconnecting. The
// client can be reconnected later with Connect.
func (c *Client) Close() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	if conn == nil {
		if c.state.Status == StatusClosed {
			c.mu.Unlock()
			return
		}
		c.state.Status = StatusClosed
		st := c.state
		c.mu.Unlock()
		c.notifyState(st)
		return
	}
	c.state.Status = StatusClosing
	st := c.state
	c.mu.Unlock()

	c.notifyState(st)
	// The read loop observes the close error and completes the transition.
	_ = conn.Close()
}

// Destroy tears the client down permanently. It is idempotent, suppresses
// every pending reconnect timer, and guarantees no further callback fires.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state.Status = StatusClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) notifyState(st State) {
	c.mu.Lock()
	dead := c.destroyed
	c.mu.Unlock()
	if dead {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(st)
	}
}
