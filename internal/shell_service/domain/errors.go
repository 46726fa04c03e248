package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed means the credential or certificate was refused. Fatal to the session.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrMultiFactorRequired is a state signal, not a failure: the session waits for a one-time code.
	ErrMultiFactorRequired = errors.New("multi-factor code required")
	// ErrMultiFactorRejected means the submitted code was not accepted; the session still awaits a code.
	ErrMultiFactorRejected = errors.New("multi-factor code rejected")
	// ErrCommandTimeout means the command's marker did not resolve in time. The session stays open.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrCommandFailed means the shell reported a command-level failure. The session stays open.
	ErrCommandFailed = errors.New("command failed")
	// ErrFrameTooLarge means a command's result exceeded the frame size limit. The session stays open.
	ErrFrameTooLarge = errors.New("command result too large")
	// ErrSessionClosed is returned for pending and new commands once a session is closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrProcessCrashed means the shell process exited underneath the session.
	ErrProcessCrashed = errors.New("shell process exited")
	// ErrInvalidState means the operation is not allowed in the session's current state.
	ErrInvalidState = errors.New("operation not valid in current session state")
	// ErrCertificateUnavailable means the tenant has no certificate credential for unattended use.
	ErrCertificateUnavailable = errors.New("tenant has no certificate credential")
	// ErrUnknownTenant means the tenant is not configured.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// CommandError carries the message the shell reported for a failed command.
type CommandError struct {
	Marker  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed: %s", e.Message)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while session is %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
