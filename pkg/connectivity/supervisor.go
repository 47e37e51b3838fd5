// Package connectivity keeps the wireless uplink alive.
//
// A Supervisor drives a Driver through Idle -> Configuring -> Connecting and
// then loops between Associated, Disconnected and Connecting for the life of
// the process. Configure and BringUp failures are fatal; association and IP
// failures are retried with backoff. InitialConnect gives up after a bounded
// number of consecutive failures, StayConnected never does.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marmos91/edgedav/internal/logger"
	"github.com/marmos91/edgedav/internal/telemetry"
)

const (
	// DefaultMaxInitialAttempts is the InitialConnect failure ceiling.
	DefaultMaxInitialAttempts = 5

	// DefaultAttemptTimeout bounds Connect plus the wait for an address.
	DefaultAttemptTimeout = 20 * time.Second

	maxLinkWatchErrors = 3
)

// Config configures a Supervisor.
type Config struct {
	// MaxInitialAttempts bounds consecutive failures in InitialConnect.
	MaxInitialAttempts int

	// AttemptTimeout bounds one Connect plus WaitForIPState. Zero disables it.
	AttemptTimeout time.Duration

	Backoff BackoffConfig

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(from, to State)

	// OnFailure is called after every failed attempt, outside the lock.
	OnFailure func(err *AttemptError)
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		MaxInitialAttempts: DefaultMaxInitialAttempts,
		AttemptTimeout:     DefaultAttemptTimeout,
		Backoff:            DefaultBackoffConfig(),
	}
}

// Snapshot is a point-in-time copy of the supervisor's state.
type Snapshot struct {
	State       State     `json:"state"`
	Since       time.Time `json:"since"`
	Failures    int       `json:"failures"`
	Transitions uint64    `json:"transitions"`
	Address     string    `json:"address,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	SSID        string    `json:"ssid"`
	Driver      string    `json:"driver"`
	SteadyState bool      `json:"steady_state"`
}

// Supervisor owns the connectivity state machine. The read accessors are
// safe for concurrent use; the mutating operations are meant to be called
// in order from a single goroutine.
type Supervisor struct {
	driver Driver
	creds  *Credentials
	cfg    Config

	backoff  backoff.BackOff
	consumed atomic.Bool

	// linkWatchErrs counts consecutive link-watch errors while associated.
	// Only the loop goroutine touches it.
	linkWatchErrs int

	mu          sync.RWMutex
	state       State
	since       time.Time
	failures    int
	transitions uint64
	address     netip.Addr
	lastErr     error
}

// NewSupervisor creates a supervisor in the Idle state.
func NewSupervisor(driver Driver, creds *Credentials, cfg Config) (*Supervisor, error) {
	if driver == nil {
		return nil, errors.New("connectivity driver is required")
	}
	if creds == nil {
		return nil, errors.New("wireless credentials are required")
	}
	if cfg.MaxInitialAttempts <= 0 {
		cfg.MaxInitialAttempts = DefaultMaxInitialAttempts
	}

	b, err := newBackOff(cfg.Backoff)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		driver:  driver,
		creds:   creds,
		cfg:     cfg,
		backoff: b,
		state:   Idle,
		since:   time.Now(),
	}, nil
}

// ============================================================================
// Bring-up
// ============================================================================

// Configure applies the credentials to the driver (Idle -> Configuring).
func (s *Supervisor) Configure(ctx context.Context) error {
	if s.consumed.Load() {
		return ErrSupervisorConsumed
	}

	ctx, span := telemetry.StartConnectivitySpan(ctx, telemetry.SpanConnConfigure)
	defer span.End()

	if err := s.transition(Configuring); err != nil {
		return err
	}

	logger.Info("Configuring wireless", logger.KeySSID, s.creds.SSID(), logger.KeyDriver, DriverName(s.driver))

	if err := s.driver.Configure(ctx, s.creds); err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// BringUp starts the driver (Configuring -> Connecting). On failure the
// state stays Configuring.
func (s *Supervisor) BringUp(ctx context.Context) error {
	if s.consumed.Load() {
		return ErrSupervisorConsumed
	}
	if err := s.expect(Configuring); err != nil {
		return err
	}

	ctx, span := telemetry.StartConnectivitySpan(ctx, telemetry.SpanConnBringUp)
	defer span.End()

	if err := s.driver.Start(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("%w: %w", ErrDriverStart, err)
	}
	return s.transition(Connecting)
}

// InitialConnect loops until the first association or until
// MaxInitialAttempts consecutive failures, in which case the error wraps
// ErrInitialConnectExhausted and the last AttemptError.
func (s *Supervisor) InitialConnect(ctx context.Context) error {
	if s.consumed.Load() {
		return ErrSupervisorConsumed
	}
	if err := s.expect(Connecting); err != nil {
		return err
	}

	logger.Info("Connecting", logger.KeyMaxAttempts, s.cfg.MaxInitialAttempts)
	return s.run(ctx, true)
}

// StayConnected runs the connect loop with no failure ceiling. It consumes
// the supervisor: every later mutating call returns ErrSupervisorConsumed.
// It returns nil once ctx is cancelled and never returns on its own.
func (s *Supervisor) StayConnected(ctx context.Context) error {
	switch s.State() {
	case Idle, Configuring:
		return fmt.Errorf("%w: StayConnected before BringUp (state %s)", ErrIllegalTransition, s.State())
	}
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrSupervisorConsumed
	}

	logger.Info("Connectivity supervisor entering steady state", logger.KeyState, s.State().String())

	err := s.run(ctx, false)
	if ctx.Err() != nil {
		logger.Info("Connectivity supervisor stopped", logger.KeyState, s.State().String())
		return nil
	}
	return err
}

// ============================================================================
// Loop
// ============================================================================

func (s *Supervisor) run(ctx context.Context, bounded bool) error {
	s.backoff.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		associated, err := s.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var attempt *AttemptError
			if !errors.As(err, &attempt) {
				return err
			}
			if err := s.fail(ctx, attempt, bounded); err != nil {
				return err
			}
			continue
		}

		if associated && bounded {
			return nil
		}
	}
}

// cycle runs one pass: wait for an associated link to drop, connect, wait
// for an address. It reports whether an association was made. Failures
// come back as *AttemptError with Attempt unset.
func (s *Supervisor) cycle(ctx context.Context) (bool, error) {
	// An associated link parks here until it drops. Any other state goes
	// straight to Connect: a link left half-up by a failed attempt must not
	// stall the loop.
	if s.State() == Associated {
		err := s.driver.WaitForLinkState(ctx, func(l LinkState) bool { return !l.Associated })
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, s.retryLinkWatch(ctx, err)
		}
		s.linkWatchErrs = 0

		logger.Warn("Wireless link lost", logger.KeySSID, s.creds.SSID())
		if err := s.transition(Disconnected); err != nil {
			return false, err
		}
		if err := s.transition(Connecting); err != nil {
			return false, err
		}
	}

	ctx, span := telemetry.StartConnectivitySpan(ctx, telemetry.SpanConnCycle,
		telemetry.ConnAttempt(s.Failures()+1),
	)
	defer span.End()

	attemptCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	if err := s.driver.Connect(attemptCtx); err != nil {
		telemetry.SetAttributes(ctx, telemetry.ConnPhase(string(PhaseConnect)))
		telemetry.RecordError(ctx, err)
		return false, &AttemptError{Phase: PhaseConnect, Err: err}
	}

	var ip IPState
	err := s.driver.WaitForIPState(attemptCtx, func(st IPState) bool {
		if st.Ready {
			ip = st
		}
		return st.Ready
	})
	if err != nil {
		telemetry.SetAttributes(ctx, telemetry.ConnPhase(string(PhaseIP)))
		telemetry.RecordError(ctx, err)
		return false, &AttemptError{Phase: PhaseIP, Err: err}
	}

	s.mu.Lock()
	s.failures = 0
	s.lastErr = nil
	s.address = ip.Address
	s.mu.Unlock()
	s.backoff.Reset()
	s.linkWatchErrs = 0

	if err := s.transition(Associated); err != nil {
		return false, err
	}

	telemetry.SetAttributes(ctx, telemetry.IPAddress(ip.Address.String()))
	logger.Info("Wireless connected", logger.KeySSID, s.creds.SSID(), logger.KeyAddress, ip.Address.String())
	return true, nil
}

// retryLinkWatch handles a link-watch error while associated. A transient
// error is retried with the state left alone, since the link may well still
// be up. ErrLinkUnavailable, or maxLinkWatchErrors errors in a row, count as
// a lost link and come back as a failed attempt.
func (s *Supervisor) retryLinkWatch(ctx context.Context, err error) error {
	s.linkWatchErrs++
	if errors.Is(err, ErrLinkUnavailable) || s.linkWatchErrs >= maxLinkWatchErrors {
		logger.Warn("Wireless link unobservable, reconnecting",
			logger.KeySSID, s.creds.SSID(),
			logger.KeyAttempt, s.linkWatchErrs,
			logger.KeyError, err)
		s.linkWatchErrs = 0
		return &AttemptError{Phase: PhaseLink, Err: err}
	}

	delay := s.nextBackoff()
	logger.Warn("Failed to watch wireless link, retrying",
		logger.KeyBackoff, delay.String(), logger.KeyError, err)
	return sleep(ctx, delay)
}

// fail records a failed attempt. In bounded mode it returns the exhaustion
// error once the ceiling is reached; otherwise it waits out the backoff and
// moves back to Connecting.
func (s *Supervisor) fail(ctx context.Context, attempt *AttemptError, bounded bool) error {
	s.mu.Lock()
	s.failures++
	attempt.Attempt = s.failures
	s.lastErr = attempt
	s.mu.Unlock()

	if st := s.State(); st == Connecting || st == Associated {
		if err := s.transition(Disconnected); err != nil {
			return err
		}
	}

	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(attempt)
	}

	if bounded && attempt.Attempt >= s.cfg.MaxInitialAttempts {
		logger.Error("Giving up on initial connect",
			logger.KeyAttempt, attempt.Attempt,
			logger.KeyMaxAttempts, s.cfg.MaxInitialAttempts,
			logger.KeyError, attempt.Err)
		return fmt.Errorf("%w after %d attempts: %w", ErrInitialConnectExhausted, attempt.Attempt, attempt)
	}

	delay := s.nextBackoff()
	logger.Warn("Wireless connect attempt failed",
		logger.KeyAttempt, attempt.Attempt,
		logger.KeyPhase, string(attempt.Phase),
		logger.KeyBackoff, delay.String(),
		logger.KeyError, attempt.Err)

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	return s.transition(Connecting)
}

func (s *Supervisor) nextBackoff() time.Duration {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		return s.cfg.Backoff.Max
	}
	return d
}

// ============================================================================
// State
// ============================================================================

// transition moves to `to` if the edge is legal.
func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransitionTo(to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	s.since = time.Now()
	s.transitions++
	if to == Disconnected {
		s.address = netip.Addr{}
	}
	s.mu.Unlock()

	logger.Debug("Connectivity state changed", logger.KeyFromState, from.String(), logger.KeyToState, to.String())

	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(from, to)
	}
	return nil
}

func (s *Supervisor) expect(want State) error {
	if got := s.State(); got != want {
		return fmt.Errorf("%w: expected state %s, got %s", ErrIllegalTransition, want, got)
	}
	return nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failures returns the consecutive failed attempt count.
func (s *Supervisor) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// Associated reports whether the uplink is currently up.
func (s *Supervisor) Associated() bool {
	return s.State() == Associated
}

// Snapshot returns a consistent copy of the supervisor's state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:       s.state,
		Since:       s.since,
		Failures:    s.failures,
		Transitions: s.transitions,
		SSID:        s.creds.SSID(),
		Driver:      DriverName(s.driver),
		SteadyState: s.consumed.Load(),
	}
	if s.state == Associated && s.address.IsValid() {
		snap.Address = s.address.String()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
