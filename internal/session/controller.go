// Package session owns one logical gateway session: its identity, the
// handshake that establishes it, sends scoped to it, and its teardown.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/relayctl/internal/gateway"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/payload"
	"github.com/danmuck/relayctl/internal/push"
	"github.com/danmuck/relayctl/internal/stats"
)

var (
	ErrNoActiveSession   = errors.New("session: no active session")
	ErrSendFailed        = errors.New("session: send failed")
	ErrInvalidPushPolicy = errors.New("session: invalid push policy")
	ErrControllerClosed  = errors.New("session: controller closed")
)

// PushPolicy controls controller behavior when the push channel cannot open
// during handshake.
type PushPolicy string

const (
	// PushPolicyRequired fails the handshake if the push channel cannot open.
	PushPolicyRequired PushPolicy = "required"
	// PushPolicyAuto proceeds without the push channel, logging the failure.
	PushPolicyAuto PushPolicy = "auto"
	// PushPolicyDisabled never attempts push bring-up.
	PushPolicyDisabled PushPolicy = "disabled"
)

func validatePushPolicy(p PushPolicy) error {
	switch p {
	case PushPolicyRequired, PushPolicyAuto, PushPolicyDisabled:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPushPolicy, p)
	}
}

// Session is the negotiated identity. Immutable once the handshake assigns
// the identifier; concurrent reads need no synchronization.
type Session struct {
	ID        string
	Transport gateway.TransportKind
	Target    string
	Features  gateway.FeatureSet
}

// Config describes the session the controller should negotiate.
type Config struct {
	Transport         gateway.TransportKind
	Target            string
	Features          gateway.FeatureSet
	PushPolicy        PushPolicy
	RequireTranscript bool
	PushEventBuffer   int

	Logger zerolog.Logger
}

// WithDefaults fills unset fields.
func (cfg Config) WithDefaults() Config {
	if strings.TrimSpace(string(cfg.PushPolicy)) == "" {
		cfg.PushPolicy = PushPolicyAuto
	}
	if cfg.Features == (gateway.FeatureSet{}) {
		cfg.Features = gateway.DefaultFeatureSet()
	}
	return cfg
}

// Controller drives one session against one gateway. The control channel is
// sequential request/response; the push channel feeds the recorder
// asynchronously for the session's lifetime.
type Controller struct {
	client   *gateway.Client
	recorder *stats.Recorder
	cfg      Config
	logger   zerolog.Logger

	mu       sync.RWMutex
	session  *Session
	channel  *push.Channel
	pumpDone chan struct{}
	closed   bool
}

// NewController wires a controller to a gateway client and a stats recorder.
func NewController(client *gateway.Client, recorder *stats.Recorder, cfg Config) (*Controller, error) {
	if client == nil {
		return nil, errors.New("session: gateway client required")
	}
	if recorder == nil {
		return nil, errors.New("session: stats recorder required")
	}
	cfg = cfg.WithDefaults()
	if err := validatePushPolicy(cfg.PushPolicy); err != nil {
		return nil, err
	}
	return &Controller{
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		logger:   cfg.Logger,
	}, nil
}

// CheckReachability probes the gateway health endpoint. It must succeed
// before Handshake is attempted; failure is fatal to a run.
func (c *Controller) CheckReachability(ctx context.Context) error {
	return c.client.CheckHealth(ctx)
}

// Handshake negotiates a session and brings the push channel up as part of
// the same logical step, per the configured PushPolicy. On any failure no
// session identifier is kept. A closed controller cannot handshake again: its
// recorder is sealed, so a new session on it would go uncounted.
func (c *Controller) Handshake(ctx context.Context) (Session, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return Session{}, ErrControllerClosed
	}

	c.teardown()

	sessionID, err := c.client.Handshake(ctx, gateway.HandshakeRequest{
		Transport: c.cfg.Transport,
		Target:    c.cfg.Target,
		Features:  c.cfg.Features,
	})
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:        sessionID,
		Transport: c.cfg.Transport,
		Target:    c.cfg.Target,
		Features:  c.cfg.Features,
	}
	logger := c.logger.With().Str("session_id", sessionID).Logger()

	var channel *push.Channel
	if c.cfg.PushPolicy != PushPolicyDisabled {
		channel, err = push.Dial(ctx, push.Config{
			BaseURL:     c.client.BaseURL(),
			APIKey:      c.client.APIKey(),
			SessionID:   sessionID,
			EventBuffer: c.cfg.PushEventBuffer,
			Logger:      logger,
		})
		if err != nil {
			if c.cfg.PushPolicy == PushPolicyRequired {
				return Session{}, fmt.Errorf("%w: push channel: %v", gateway.ErrHandshakeFailed, err)
			}
			logger.Warn().Err(err).Msg("proceeding without push channel")
			channel = nil
		}
	}

	pumpDone := make(chan struct{})
	if channel != nil {
		go c.pumpEvents(channel, logger, pumpDone)
	} else {
		close(pumpDone)
	}

	c.mu.Lock()
	c.session = &sess
	c.channel = channel
	c.pumpDone = pumpDone
	c.mu.Unlock()

	logger.Info().
		Str("transport", string(sess.Transport)).
		Str("target", sess.Target).
		Msg("session established")
	return sess, nil
}

// pumpEvents drains the push subscription into the recorder until the channel
// goes down. Handlers stay cheap: count, log, move on.
func (c *Controller) pumpEvents(channel *push.Channel, logger zerolog.Logger, done chan struct{}) {
	defer close(done)
	for event := range channel.Events() {
		c.recorder.RecordReceived()
		logger.Debug().
			Str("type", event.Type).
			Int64("timestamp", event.Timestamp).
			RawJSON("payload", nonEmptyJSON(event.Payload)).
			Msg("push event")
	}
	logger.Info().Str("state", string(channel.State())).Msg("push channel down")
}

func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Session returns the established session, if any.
func (c *Controller) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// PushState reports the push channel lifecycle, Unconnected when none exists.
func (c *Controller) PushState() push.State {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	if channel == nil {
		return push.StateUnconnected
	}
	return channel.State()
}

// Send submits one payload under the established session and returns its
// DeliveryRecord. Each attempt is independently failable: a failure is
// counted and reported but must not abort the caller's run. On success the
// send is mirrored best-effort on the push channel.
func (c *Controller) Send(ctx context.Context, raw json.RawMessage) (stats.DeliveryRecord, error) {
	c.mu.RLock()
	sess := c.session
	channel := c.channel
	c.mu.RUnlock()
	if sess == nil {
		return stats.DeliveryRecord{}, ErrNoActiveSession
	}

	body, err := payload.Normalize(raw)
	if err != nil {
		rec := stats.DeliveryRecord{Outcome: stats.OutcomeFailed}
		c.recorder.RecordSend(rec)
		observability.RecordSend(string(sess.Transport), false, 0, 0)
		return rec, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	start := time.Now()
	result, err := c.client.Encode(ctx, gateway.EncodeRequest{
		SessionID:         sess.ID,
		Target:            sess.Target,
		Payload:           body,
		RequireTranscript: c.cfg.RequireTranscript,
	})
	latency := time.Since(start)
	if err != nil {
		rec := stats.DeliveryRecord{Outcome: stats.OutcomeFailed, Latency: latency}
		c.recorder.RecordSend(rec)
		observability.RecordSend(string(sess.Transport), false, latency, 0)
		return rec, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	rec := stats.DeliveryRecord{
		MsgID:   result.MsgID,
		Outcome: stats.OutcomeSuccess,
		Latency: latency,
		Size:    result.Size,
	}
	c.recorder.RecordSend(rec)
	observability.RecordSend(string(sess.Transport), true, latency, result.Size)

	if channel != nil {
		mirrored := channel.MirrorSend(body)
		c.logger.Debug().
			Str("msg_id", result.MsgID).
			Bool("mirrored", mirrored).
			Dur("latency", latency).
			Int("size", result.Size).
			Msg("send acknowledged")
	}
	return rec, nil
}

// Decode is stateless: it never requires or inspects session state.
func (c *Controller) Decode(ctx context.Context, encoded []byte) (json.RawMessage, error) {
	return c.client.Decode(ctx, encoded)
}

// FetchTranscript is stateless: a known message identifier is enough.
func (c *Controller) FetchTranscript(ctx context.Context, msgID string) (json.RawMessage, error) {
	return c.client.Transcript(ctx, msgID)
}

// Close seals the recorder against late push events, tears down the push
// channel and discards session state. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.recorder.Seal()
	c.teardown()
	return nil
}

func (c *Controller) teardown() {
	c.mu.Lock()
	channel := c.channel
	pumpDone := c.pumpDone
	c.session = nil
	c.channel = nil
	c.pumpDone = nil
	c.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if pumpDone != nil {
		<-pumpDone
	}
}
