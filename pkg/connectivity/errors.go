package connectivity

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the driver rejected the credentials. Fatal.
	ErrConfiguration = errors.New("wireless configuration failed")

	// ErrDriverStart means the driver could not be started. Fatal.
	ErrDriverStart = errors.New("wireless driver start failed")

	// ErrInitialConnectExhausted means InitialConnect hit its failure ceiling.
	ErrInitialConnectExhausted = errors.New("initial connect attempts exhausted")

	// ErrIllegalTransition means an operation was called in the wrong state.
	ErrIllegalTransition = errors.New("illegal connectivity state transition")

	// ErrSupervisorConsumed means StayConnected has already taken ownership.
	ErrSupervisorConsumed = errors.New("supervisor consumed by StayConnected")

	// ErrInvalidCredentials means the SSID or passphrase is malformed.
	ErrInvalidCredentials = errors.New("invalid wireless credentials")

	// ErrLinkUnavailable is wrapped by drivers when the link cannot be
	// observed at all, for example because the interface disappeared. An
	// associated supervisor treats it as a lost link.
	ErrLinkUnavailable = errors.New("wireless link unavailable")
)

// Phase names the step of a connect cycle that failed.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseIP      Phase = "ip"
	PhaseLink    Phase = "link"
)

// AttemptError describes one failed connect attempt.
type AttemptError struct {
	// Attempt is the consecutive failure count including this one.
	Attempt int
	Phase   Phase
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("connect attempt %d failed in %s phase: %v", e.Attempt, e.Phase, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}
