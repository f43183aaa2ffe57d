// Package push manages the asynchronous notification channel of one session.
//
// The channel is a single-shot state machine: Unconnected -> Connecting ->
// Open, then Closed on graceful remote close or Failed on transport error.
// There is no automatic reconnection; a down channel stays down until the
// owner re-handshakes and dials a fresh one.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/relayctl/internal/observability"
)

var (
	ErrSessionIDRequired = errors.New("push: session id required")
	ErrBaseURLRequired   = errors.New("push: base url required")
	ErrDialFailed        = errors.New("push: dial failed")
)

// State is the observable lifecycle of one push channel.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnecting  State = "connecting"
	StateOpen        State = "open"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Event is one inbound push-channel frame. Outbound mirror frames share the
// same shape with Type "send".
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Config binds a channel to one session identity on one gateway.
type Config struct {
	BaseURL   *url.URL
	APIKey    string
	SessionID string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	EventBuffer      int

	Logger zerolog.Logger
}

// WithDefaults fills unset reliability knobs.
func (cfg Config) WithDefaults() Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return cfg
}

// Channel supervises one websocket push connection. It holds only the session
// identifier, never the session itself.
type Channel struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// EndpointURL derives the websocket push endpoint from the gateway base URL.
func EndpointURL(base *url.URL, sessionID string) (string, error) {
	if base == nil {
		return "", ErrBaseURLRequired
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", ErrSessionIDRequired
	}
	u := *base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/push/" + url.PathEscape(id)
	return u.String(), nil
}

// Dial brings the channel up: Connecting, then Open on success. On failure the
// channel lands in Failed and the error reports the cause.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.WithDefaults()
	endpoint, err := EndpointURL(cfg.BaseURL, cfg.SessionID)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
		state:  StateConnecting,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}

	header := http.Header{}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		header.Set("X-API-Key", key)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info().Str("endpoint", endpoint).Msg("push channel open")
	go c.readLoop(conn)
	return c, nil
}

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events exposes the inbound event stream. The channel is closed when the
// push connection goes down, for any reason.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Done is closed once the channel has reached a terminal state.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.events)
			close(c.done)
		})
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("push channel closed by remote")
				c.setState(StateClosed)
			} else if c.State() != StateClosed {
				// a read error after local Close is expected teardown noise
				c.logger.Warn().Err(err).Msg("push channel transport error")
				c.setState(StateFailed)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed push event")
			continue
		}
		observability.RecordPushEvent(event.Type)
		select {
		case c.events <- event:
		default:
			c.logger.Warn().Str("type", event.Type).Msg("push event buffer full, dropping event")
		}
	}
}

// MirrorSend writes a best-effort "send" event on the channel. It only
// attempts the write when the channel is Open and reports whether the mirror
// happened; a failed mirror is logged here and never escalated.
func (c *Channel) MirrorSend(payload json.RawMessage) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	frame, err := json.Marshal(Event{
		Type:      "send",
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("mirror send: marshal failed")
		return false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("mirror send failed")
		return false
	}
	return true
}

// Close tears the channel down. Idempotent; safe concurrently with the read
// loop and with in-flight mirrors. A channel already in a terminal state keeps
// it: Close after a transport failure still reads as Failed.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	terminal := c.state == StateClosed || c.state == StateFailed
	if !terminal {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if conn == nil {
		if !terminal {
			c.closeOnce.Do(func() {
				close(c.events)
				close(c.done)
			})
		}
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
