package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aradsms/teams_telephony/internal/platform/messagebroker"
	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// SessionEventsSubject is the broker subject prefix for session events; the
// tenant id is appended.
const SessionEventsSubject = "telephony.session"

// SessionConfig holds the timing limits of one session.
type SessionConfig struct {
	IdleTimeout     time.Duration
	CommandTimeout  time.Duration
	ConnectTimeout  time.Duration
	MaxCodeAttempts int
	ScrollbackLines int
	MaxFrameBytes   int
}

// Session owns one shell process for a tenant/operator pair and drives it
// through connect, optional code entry, and command execution.
type Session struct {
	key     domain.SessionKey
	tenant  domain.Tenant
	mode    domain.AuthMode
	cfg     SessionConfig
	spawner Spawner
	events  messagebroker.Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	state        domain.State
	changed      chan struct{}
	proc         Process
	corr         *Correlator
	prompt       string
	codeAttempts int
	inflight     int
	lastErr      error
	createdAt    time.Time
	lastActivity time.Time

	targetMu sync.Mutex
	targets  map[string]*targetLock
}

type targetLock struct {
	mu   sync.Mutex
	refs int
}

func newSession(key domain.SessionKey, tenant domain.Tenant, mode domain.AuthMode, cfg SessionConfig,
	spawner Spawner, events messagebroker.Publisher, logger *slog.Logger, now func() time.Time) *Session {
	if events == nil {
		events = messagebroker.Discard{}
	}
	t := now()
	return &Session{
		key:          key,
		tenant:       tenant,
		mode:         mode,
		cfg:          cfg,
		spawner:      spawner,
		events:       events,
		logger:       logger.With("tenant_id", key.TenantID, "operator_id", key.OperatorID, "auth_mode", string(mode)),
		now:          now,
		state:        domain.StateConnecting,
		changed:      make(chan struct{}),
		createdAt:    t,
		lastActivity: t,
		targets:      make(map[string]*targetLock),
	}
}

// Key returns the session key.
func (s *Session) Key() domain.SessionKey { return s.key }

// Mode returns the authentication mode.
func (s *Session) Mode() domain.AuthMode { return s.mode }

// State returns the current state.
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateLocked moves to next and wakes every waiter. Caller holds s.mu.
func (s *Session) setStateLocked(next domain.State) {
	if s.state == next {
		return
	}
	s.logger.Debug("Session state change", "from", s.state, "to", next)
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})
	sessionTransitionsTotal.WithLabelValues(string(s.mode), string(next)).Inc()
}

// connect spawns the process and authenticates. It runs on its own goroutine
// and returns once the connect command resolves or the session ends.
func (s *Session) connect(ctx context.Context) {
	env := map[string]string{}
	var cmd Command
	if s.mode == domain.AuthCertificate {
		cmd = ConnectCertificate(s.tenant)
	} else {
		cmd = ConnectInteractive(s.tenant)
		if s.tenant.PasswordEnv != "" {
			env[PasswordEnvVar] = os.Getenv(s.tenant.PasswordEnv)
		}
	}

	proc, err := s.spawner.Spawn(ctx, env)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to start shell process", "error", err)
		s.shutdown(domain.StateErrored, fmt.Errorf("%w: start: %v", domain.ErrProcessCrashed, err), "spawn failed")
		return
	}
	corr := NewCorrelator(proc.Stdin(), s.cfg.ScrollbackLines, s.onPrompt, s.logger,
		WithMaxFrameBytes(s.cfg.MaxFrameBytes))

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		_ = proc.Kill()
		return
	}
	s.proc = proc
	s.corr = corr
	s.mu.Unlock()

	go s.readLoop(proc, corr)

	_, ch, err := corr.Submit(cmd)
	if err != nil {
		s.shutdown(domain.StateErrored, err, "connect write failed")
		return
	}

	// Certificate sessions have nobody to answer a prompt, so they are bounded
	// by the connect timeout. Interactive sessions wait for the operator and
	// are bounded by the idle sweep.
	var deadline <-chan time.Time
	if s.mode == domain.AuthCertificate && s.cfg.ConnectTimeout > 0 {
		timer := time.NewTimer(s.cfg.ConnectTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case out := <-ch:
		if out.Err != nil {
			var cmdErr *domain.CommandError
			if errors.As(out.Err, &cmdErr) {
				s.logger.WarnContext(ctx, "Shell authentication rejected", "detail", cmdErr.Message)
				s.shutdown(domain.StateErrored, domain.ErrAuthenticationFailed, "authentication rejected")
				return
			}
			// Session already ended; shutdown is idempotent.
			s.shutdown(domain.StateErrored, out.Err, "connect aborted")
			return
		}
		s.mu.Lock()
		if s.state.Terminal() {
			s.mu.Unlock()
			return
		}
		s.prompt = ""
		s.lastActivity = s.now()
		s.setStateLocked(domain.StateConnected)
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Shell session connected")
		s.publish(ctx, domain.EventConnected, "", "")
	case <-deadline:
		s.logger.WarnContext(ctx, "Shell authentication timed out", "timeout", s.cfg.ConnectTimeout)
		s.shutdown(domain.StateErrored, fmt.Errorf("%w: connect timed out", domain.ErrAuthenticationFailed), "connect timeout")
	}
}

func (s *Session) readLoop(proc Process, corr *Correlator) {
	out := proc.Output()
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			corr.Feed(buf[:n])
		}
		if err != nil {
			break
		}
	}
	waitErr := proc.Wait()

	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if !terminal {
		s.logger.Warn("Shell process exited unexpectedly", "error", waitErr, "scrollback_tail", tail(corr.Scrollback(), 5))
		s.shutdown(domain.StateErrored, domain.ErrProcessCrashed, "process exited")
	}
}

func (s *Session) onPrompt(text string) {
	s.mu.Lock()
	if s.state != domain.StateConnecting {
		st := s.state
		s.mu.Unlock()
		s.logger.Debug("Ignoring prompt-like output outside connect", "state", st)
		return
	}
	if s.mode == domain.AuthCertificate {
		s.mu.Unlock()
		s.logger.Warn("Certificate session received a multi-factor prompt")
		s.shutdown(domain.StateErrored, fmt.Errorf("%w: multi-factor prompt on certificate path", domain.ErrAuthenticationFailed), "unexpected prompt")
		return
	}
	s.prompt = text
	s.setStateLocked(domain.StateAwaitingCode)
	s.mu.Unlock()

	s.logger.Info("Shell session awaiting multi-factor code")
	s.publish(context.Background(), domain.EventMultiFactorPrompt, text, "")
}

// Await blocks until the session leaves connecting, then returns the state.
// For a terminal state the error that ended the session is returned.
func (s *Session) Await(ctx context.Context) (domain.State, error) {
	for {
		s.mu.Lock()
		st, ch, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()
		if st != domain.StateConnecting {
			if st.Terminal() {
				if lastErr == nil {
					lastErr = domain.ErrSessionClosed
				}
				return st, lastErr
			}
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// SubmitCode answers a multi-factor prompt. It is only valid while the session
// awaits a code, and returns once the code is accepted or rejected. A code the
// shell never answers counts as a failed attempt and the session goes back to
// awaiting a code.
func (s *Session) SubmitCode(ctx context.Context, code string) error {
	s.mu.Lock()
	if s.state != domain.StateAwaitingCode {
		st := s.state
		s.mu.Unlock()
		return &domain.StateError{Op: "submit code", State: st}
	}
	corr := s.corr
	s.lastActivity = s.now()
	s.setStateLocked(domain.StateConnecting)
	ch := s.changed
	s.mu.Unlock()

	if err := corr.WriteLine(code); err != nil {
		return err
	}

	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	for {
		timedOut := false
		select {
		case <-ch:
		case <-ctx.Done():
			timedOut = true
		}

		s.mu.Lock()
		st := s.state
		ch = s.changed
		switch {
		case st == domain.StateConnecting && timedOut:
			s.codeAttempts++
			attempts := s.codeAttempts
			if s.cfg.MaxCodeAttempts > 0 && attempts >= s.cfg.MaxCodeAttempts {
				s.mu.Unlock()
				s.logger.WarnContext(ctx, "Multi-factor code unanswered and attempts exhausted; closing session", "attempts", attempts)
				s.Close("multi-factor attempts exhausted")
				return fmt.Errorf("%w: %d attempts, session closed", domain.ErrMultiFactorRejected, attempts)
			}
			s.setStateLocked(domain.StateAwaitingCode)
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "Multi-factor code unanswered; awaiting a new code", "attempts", attempts, "error", ctx.Err())
			return fmt.Errorf("%w: waiting for code verification", domain.ErrCommandTimeout)
		case st == domain.StateConnecting:
			s.mu.Unlock()
			continue
		case st == domain.StateAwaitingCode:
			s.codeAttempts++
			attempts := s.codeAttempts
			s.mu.Unlock()
			if s.cfg.MaxCodeAttempts > 0 && attempts >= s.cfg.MaxCodeAttempts {
				s.logger.WarnContext(ctx, "Too many rejected multi-factor codes; closing session", "attempts", attempts)
				s.Close("multi-factor attempts exhausted")
				return fmt.Errorf("%w: %d attempts, session closed", domain.ErrMultiFactorRejected, attempts)
			}
			return domain.ErrMultiFactorRejected
		case st.Ready():
			s.mu.Unlock()
			return nil
		default:
			err := s.lastErr
			s.mu.Unlock()
			if err == nil {
				err = domain.ErrSessionClosed
			}
			return err
		}
	}
}

// RunCommand submits cmd and waits for its marker to resolve. A command-level
// failure or timeout leaves the session open.
func (s *Session) RunCommand(ctx context.Context, cmd Command) (string, error) {
	s.mu.Lock()
	if !s.state.Ready() {
		st, lastErr := s.state, s.lastErr
		s.mu.Unlock()
		if st.Terminal() {
			if lastErr == nil || errors.Is(lastErr, domain.ErrSessionClosed) {
				return "", domain.ErrSessionClosed
			}
			return "", fmt.Errorf("%w: %v", domain.ErrSessionClosed, lastErr)
		}
		return "", &domain.StateError{Op: "run command", State: st}
	}
	corr := s.corr
	s.inflight++
	s.lastActivity = s.now()
	s.setStateLocked(domain.StateExecuting)
	s.mu.Unlock()
	defer s.commandDone()

	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	start := time.Now()
	marker, ch, err := corr.Submit(cmd)
	if err != nil {
		commandsTotal.WithLabelValues(cmd.Name, "closed").Inc()
		return "", err
	}
	s.logger.DebugContext(ctx, "Command submitted", "command", cmd.Name, "marker", marker)

	select {
	case out := <-ch:
		commandDurationHist.WithLabelValues(cmd.Name).Observe(time.Since(start).Seconds())
		if out.Err != nil {
			outcome := "failed"
			if !errors.Is(out.Err, domain.ErrCommandFailed) {
				outcome = "closed"
			}
			commandsTotal.WithLabelValues(cmd.Name, outcome).Inc()
			return "", out.Err
		}
		commandsTotal.WithLabelValues(cmd.Name, "ok").Inc()
		return out.Payload, nil
	case <-ctx.Done():
		corr.Cancel(marker)
		commandsTotal.WithLabelValues(cmd.Name, "timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.WarnContext(ctx, "Command timed out", "command", cmd.Name, "marker", marker)
			return "", fmt.Errorf("%w: %s", domain.ErrCommandTimeout, cmd.Name)
		}
		return "", ctx.Err()
	}
}

func (s *Session) commandDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	s.lastActivity = s.now()
	if s.inflight == 0 && s.state == domain.StateExecuting {
		s.setStateLocked(domain.StateConnected)
	}
}

// LockTarget serializes commands on one target (a phone number) within the
// session. The returned func releases the lock.
func (s *Session) LockTarget(target string) func() {
	s.targetMu.Lock()
	l, ok := s.targets[target]
	if !ok {
		l = &targetLock{}
		s.targets[target] = l
	}
	l.refs++
	s.targetMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.targetMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.targets, target)
		}
		s.targetMu.Unlock()
	}
}

// Close ends the session, kills the process and fails all pending commands.
func (s *Session) Close(reason string) {
	s.shutdown(domain.StateClosed, domain.ErrSessionClosed, reason)
}

func (s *Session) shutdown(state domain.State, cause error, reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(state)
	s.lastErr = cause
	proc, corr := s.proc, s.corr
	s.mu.Unlock()

	sessionsActive.WithLabelValues(string(s.mode)).Dec()
	if corr != nil {
		corr.FailAll(cause)
	}
	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger.Debug("Kill after shutdown returned error", "error", err)
		}
	}
	s.logger.Info("Shell session ended", "state", state, "reason", reason, "cause", cause)
	s.publish(context.Background(), domain.EventClosed, "", reason)
}

// Expired reports whether the session has been idle past its deadline.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.inflight > 0 || s.cfg.IdleTimeout <= 0 {
		return false
	}
	return now.Sub(s.lastActivity) >= s.cfg.IdleTimeout
}

// Snapshot returns a copy of the observable session fields.
func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.Snapshot{
		Key:            s.key,
		TenantID:       s.key.TenantID,
		OperatorID:     s.key.OperatorID,
		Mode:           s.mode,
		State:          s.state,
		Prompt:         s.prompt,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}
	if s.state != domain.StateAwaitingCode {
		snap.Prompt = ""
	}
	if s.corr != nil {
		snap.PendingCount = s.corr.Pending()
	}
	if s.lastErr != nil && s.state == domain.StateErrored {
		snap.LastError = safeMessage(s.lastErr)
	}
	return snap
}

// Scrollback returns recent unframed shell output.
func (s *Session) Scrollback() []string {
	s.mu.Lock()
	corr := s.corr
	s.mu.Unlock()
	if corr == nil {
		return nil
	}
	return corr.Scrollback()
}

func (s *Session) publish(ctx context.Context, typ domain.EventType, prompt, reason string) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	ev := domain.Event{
		Type:       typ,
		TenantID:   s.key.TenantID,
		OperatorID: s.key.OperatorID,
		State:      st,
		Prompt:     prompt,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	_ = messagebroker.PublishJSON(ctx, s.events, s.logger, SessionEventsSubject+"."+s.key.TenantID, ev)
}

// safeMessage maps session-fatal errors onto text that never carries tool output.
func safeMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return domain.ErrAuthenticationFailed.Error()
	case errors.Is(err, domain.ErrProcessCrashed):
		return domain.ErrProcessCrashed.Error()
	case errors.Is(err, domain.ErrMultiFactorRejected):
		return domain.ErrMultiFactorRejected.Error()
	default:
		return domain.ErrSessionClosed.Error()
	}
}

// SafeMessage is exported for the HTTP layer.
func SafeMessage(err error) string { return safeMessage(err) }

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
