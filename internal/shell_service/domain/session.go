package domain

import (
	"strings"
	"time"
)

// State is the lifecycle state of a shell session.
type State string

const (
	StateConnecting   State = "connecting"
	StateAwaitingCode State = "awaitingCode"
	StateConnected    State = "connected"
	StateExecuting    State = "executing"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Ready reports whether commands may be submitted.
func (s State) Ready() bool {
	return s == StateConnected || s == StateExecuting
}

// AuthMode selects how a session authenticates against the platform.
type AuthMode string

const (
	AuthCertificate AuthMode = "certificate"
	AuthInteractive AuthMode = "interactive"
)

// ParseAuthMode maps a config value onto an AuthMode; unknown values become interactive.
func ParseAuthMode(s string) AuthMode {
	if strings.EqualFold(strings.TrimSpace(s), string(AuthCertificate)) {
		return AuthCertificate
	}
	return AuthInteractive
}

// CertificateOperator is the operator id used for unattended certificate sessions.
const CertificateOperator = "certificate"

// SessionKey identifies at most one live session.
type SessionKey struct {
	TenantID   string
	OperatorID string
}

func (k SessionKey) String() string {
	return k.TenantID + "/" + k.OperatorID
}

// Tenant is the per-tenant configuration the session layer needs.
type Tenant struct {
	ID                    string
	Name                  string
	AuthMode              AuthMode
	ApplicationID         string
	CertificateThumbprint string
	AccountID             string
	// PasswordEnv names the service environment variable holding the
	// interactive account password. The value is forwarded to the shell
	// process environment and never written to its input.
	PasswordEnv string
	IdleTimeout time.Duration
}

// HasCertificate reports whether unattended sessions can be opened.
func (t Tenant) HasCertificate() bool {
	return t.ApplicationID != "" && t.CertificateThumbprint != ""
}

// Snapshot is a read-only view of a session for API responses.
type Snapshot struct {
	Key            SessionKey `json:"-"`
	TenantID       string     `json:"tenant_id"`
	OperatorID     string     `json:"operator_id"`
	Mode           AuthMode   `json:"auth_mode"`
	State          State      `json:"state"`
	Prompt         string     `json:"prompt,omitempty"`
	PendingCount   int        `json:"pending_commands"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	LastError      string     `json:"last_error,omitempty"`
}

// EventType names a session event published on the message broker.
type EventType string

const (
	EventMultiFactorPrompt EventType = "session.mfa_prompt"
	EventConnected         EventType = "session.connected"
	EventClosed            EventType = "session.closed"
)

// Event is emitted on session state changes that an operator UI reacts to.
type Event struct {
	Type       EventType `json:"type"`
	TenantID   string    `json:"tenant_id"`
	OperatorID string    `json:"operator_id"`
	State      State     `json:"state"`
	Prompt     string    `json:"prompt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
