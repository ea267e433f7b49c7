/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package eventstream keeps the WebSocket connection to the dialer backend's
// event stream open and feeds decoded envelopes to an events.Dispatcher.
package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tejzpr/dialer-console-go/events"
	"github.com/tejzpr/dialer-console-go/metrics"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("event stream not connected")

// Config holds the configuration for the event stream client
type Config struct {
	Path             string        // Path appended to the base URL
	HandshakeTimeout time.Duration // Timeout of the WebSocket handshake
	PingInterval     time.Duration // Interval between ping frames, 0 disables keepalive
	PongTimeout      time.Duration // Extra time allowed for the pong after a ping
	WriteTimeout     time.Duration // Deadline for a single write
	BackoffTimeReset time.Duration // Delay before the first reconnect attempt
	BackoffTimeMax   time.Duration // Maximum delay between reconnect attempts
	BackoffJitter    float64       // Fraction of the delay randomized in each direction
}

// DefaultConfig returns the default configuration for the event stream client
func DefaultConfig() *Config {
	return &Config{
		Path:             "/ws",
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BackoffTimeReset: 1 * time.Second,
		BackoffTimeMax:   30 * time.Second,
		BackoffJitter:    0.2,
	}
}

// Connection is the payload of the synthetic connected event.
type Connection struct {
	// Reconnected is false only for the first open after Connect.
	Reconnected bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the collectors updated by the client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDispatcher makes the client publish to d instead of its own dispatcher.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// Client is the backend event stream client.
type Client struct {
	baseURL    string
	config     *Config
	dispatcher *events.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	connected bool
	closeCh   chan struct{}
	done      chan struct{}

	writeMu sync.Mutex
}

// New creates a client for the backend at baseURL (http, https, ws or wss).
func New(baseURL string, config *Config, opts ...Option) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	c := &Client{
		baseURL: baseURL,
		config:  config,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "eventstream").Logger()
	if c.dispatcher == nil {
		c.dispatcher = events.NewDispatcher(c.logger)
	}
	return c
}

// Events returns the dispatcher frames are published to.
func (c *Client) Events() *events.Dispatcher {
	return c.dispatcher
}

// On subscribes h to kind on the client's dispatcher.
func (c *Client) On(kind string, h events.Handler) {
	c.dispatcher.On(kind, h)
}

// Off unsubscribes h from kind.
func (c *Client) Off(kind string, h events.Handler) {
	c.dispatcher.Off(kind, h)
}

// Endpoint builds the event stream URL: the scheme of baseURL is switched
// to ws/wss, path is appended and token is set as the query credential.
func Endpoint(baseURL, path, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid event stream URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported event stream URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	return u.String(), nil
}

// Connect starts maintaining a connection authenticated with token. It does
// not wait for the connection: dial failures go to the retry loop, and
// subscribers of events.KindConnected learn when the stream is open.
func (c *Client) Connect(token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if _, err := Endpoint(c.baseURL, c.config.Path, token); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		select {
		case <-c.done:
			// the previous loop ended on a normal closure
		default:
			if c.token == token {
				return nil
			}
			return fmt.Errorf("already connected with another token")
		}
	}

	c.token = token
	c.closeCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(token, c.closeCh, c.done)

	return nil
}

// Disconnect drops the token, closes the connection with a normal closure
// and clears every subscription. It waits for the connection loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		c.dispatcher.Clear()
		return
	}

	c.token = ""
	close(c.closeCh)
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnected"),
			time.Now().Add(c.config.WriteTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	<-done
	c.dispatcher.Clear()
}

// IsConnected reports whether a connection is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes an envelope of the given type to the backend.
func (c *Client) Send(eventType string, data interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", eventType, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// run dials, reads until the connection drops and redials with backoff for
// as long as closeCh stays open. A close frame with the normal closure code
// ends the loop without reconnecting.
func (c *Client) run(token string, closeCh, done chan struct{}) {
	defer close(done)

	endpoint, _ := Endpoint(c.baseURL, c.config.Path, token)
	backoff := c.config.BackoffTimeReset
	opened := false

	for {
		conn, err := c.dial(endpoint)
		if err == nil {
			backoff = c.config.BackoffTimeReset
			if !c.attach(conn, closeCh) {
				_ = conn.Close()
				return
			}
			c.dispatcher.Emit(events.Event{
				Type:    events.KindConnected,
				Payload: Connection{Reconnected: opened},
			})
			opened = true

			reconnect := c.readLoop(conn, closeCh)
			c.detach(conn)
			if !reconnect {
				return
			}
			c.dispatcher.Emit(events.Event{Type: events.KindDisconnected})
		} else {
			c.logger.Warn().Err(err).Msg("event stream dial failed")
		}

		delay := jitter(backoff, c.config.BackoffJitter)
		backoff = nextBackoff(backoff, c.config.BackoffTimeMax)
		c.metrics.IncReconnect()
		c.logger.Info().Dur("delay", delay).Msg("reconnecting event stream")

		timer := time.NewTimer(delay)
		select {
		case <-closeCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) dial(endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	return conn, nil
}

// attach publishes conn as the current connection unless Disconnect won the race.
func (c *Client) attach(conn *websocket.Conn, closeCh chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-closeCh:
		return false
	default:
	}
	c.conn = conn
	c.connected = true
	c.metrics.SetTransportUp(true)
	c.logger.Info().Msg("event stream connected")
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()
	c.metrics.SetTransportUp(false)
	_ = conn.Close()
}

// readLoop dispatches frames in wire order and reports whether the loss of
// the connection warrants a reconnect.
func (c *Client) readLoop(conn *websocket.Conn, closeCh chan struct{}) bool {
	stopPing := make(chan struct{})
	defer close(stopPing)

	if c.config.PingInterval > 0 {
		readWindow := c.config.PingInterval + c.config.PongTimeout
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWindow))
		})
		go c.pingLoop(conn, stopPing)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closeCh:
				return false
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Info().Msg("event stream closed by server")
				return false
			}
			c.logger.Warn().Err(err).Msg("event stream connection lost")
			return true
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(message []byte) {
	var event events.Event
	if err := json.Unmarshal(message, &event); err != nil {
		c.metrics.IncMalformedFrame()
		c.logger.Warn().Err(err).Int("bytes", len(message)).Msg("dropping malformed event frame")
		return
	}
	event.Raw = append(json.RawMessage(nil), message...)

	if event.Type != "" {
		c.dispatcher.Emit(event)
	}
	c.dispatcher.Dispatch(events.KindMessage, event)
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-stop:
			return
		}
	}
}

// nextBackoff doubles d up to max.
func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if max > 0 && d > max {
		d = max
	}
	return d
}

// jitter spreads d uniformly over [d*(1-f), d*(1+f)].
func jitter(d time.Duration, f float64) time.Duration {
	if f <= 0 || d <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * f
	return time.Duration(float64(d) * (1 + spread))
}
