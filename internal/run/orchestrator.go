// Package run drives a bounded sequence of sends against one session and
// reports aggregate statistics.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/relayctl/internal/session"
	"github.com/danmuck/relayctl/internal/stats"
)

var ErrInvalidCount = errors.New("run: count must be >= 0")

// State is the orchestrator lifecycle. Fatal setup failures take the abort
// edge straight to Done; per-send failures never leave Running.
type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateHandshakeInFlight State = "handshake_in_flight"
	StateRunning           State = "running"
	StateReporting         State = "reporting"
	StateDone              State = "done"
)

// SessionDriver is the slice of the session controller the orchestrator
// needs.
type SessionDriver interface {
	CheckReachability(ctx context.Context) error
	Handshake(ctx context.Context) (session.Session, error)
	Send(ctx context.Context, payload json.RawMessage) (stats.DeliveryRecord, error)
	Close() error
}

// Config bounds one test run.
type Config struct {
	Count   int
	Delay   time.Duration
	Payload json.RawMessage

	Logger zerolog.Logger
}

// Report is the rendered outcome of one completed run.
type Report struct {
	Session  session.Session
	Stats    stats.RunStatistics
	Duration time.Duration
	Aborted  bool
}

// Orchestrator performs exactly Count sequential send attempts with Delay
// between them, isolating per-message failures from the overall run.
type Orchestrator struct {
	driver   SessionDriver
	recorder *stats.Recorder
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	state State
}

// New wires an orchestrator over a session driver and its stats recorder.
func New(driver SessionDriver, recorder *stats.Recorder, cfg Config) (*Orchestrator, error) {
	if driver == nil {
		return nil, errors.New("run: session driver required")
	}
	if recorder == nil {
		return nil, errors.New("run: stats recorder required")
	}
	if cfg.Count < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCount, cfg.Count)
	}
	return &Orchestrator{
		driver:   driver,
		recorder: recorder,
		cfg:      cfg,
		logger:   cfg.Logger,
		state:    StateIdle,
	}, nil
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes the full lifecycle: reachability probe, handshake, Count send
// attempts, then a statistics snapshot. Unreachable gateway and handshake
// failure abort the run; individual send failures do not.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	start := time.Now()

	o.setState(StateConnecting)
	if err := o.driver.CheckReachability(ctx); err != nil {
		o.setState(StateDone)
		return Report{Aborted: true, Duration: time.Since(start)}, err
	}

	o.setState(StateHandshakeInFlight)
	sess, err := o.driver.Handshake(ctx)
	if err != nil {
		o.setState(StateDone)
		return Report{Aborted: true, Duration: time.Since(start)}, err
	}
	defer func() { _ = o.driver.Close() }()

	o.setState(StateRunning)
	var runErr error
	for i := 0; i < o.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			// abort between sends, never mid-flight
			o.logger.Warn().Err(err).Int("completed", i).Msg("run cancelled")
			runErr = err
			break
		}

		rec, err := o.driver.Send(ctx, o.cfg.Payload)
		if err != nil {
			o.logger.Warn().Err(err).Int("attempt", i+1).Msg("send failed, continuing")
		} else {
			o.logger.Info().
				Int("attempt", i+1).
				Str("msg_id", rec.MsgID).
				Dur("latency", rec.Latency).
				Int("size", rec.Size).
				Msg("send ok")
		}

		if o.cfg.Delay > 0 && i < o.cfg.Count-1 {
			if err := sleepCtx(ctx, o.cfg.Delay); err != nil {
				o.logger.Warn().Err(err).Int("completed", i+1).Msg("run cancelled")
				runErr = err
				break
			}
		}
	}

	o.setState(StateReporting)
	report := Report{
		Session:  sess,
		Stats:    o.recorder.Snapshot(),
		Duration: time.Since(start),
		Aborted:  runErr != nil,
	}
	o.logger.Info().
		Uint64("sent", report.Stats.Sent).
		Uint64("received", report.Stats.Received).
		Uint64("errors", report.Stats.Errors).
		Dur("avg_latency", report.Stats.AvgLatency()).
		Uint64("bytes", report.Stats.TotalBytes).
		Msg("run complete")

	o.setState(StateDone)
	return report, runErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
