package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/teams_telephony/internal/platform/messagebroker"
	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// RegistryConfig holds the defaults applied to every session the registry creates.
type RegistryConfig struct {
	IdleTimeout               time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SweepInterval             time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`
	ConnectTimeout            time.Duration `mapstructure:"SESSION_CONNECT_TIMEOUT"`
	InteractiveCommandTimeout time.Duration `mapstructure:"INTERACTIVE_COMMAND_TIMEOUT"`
	CertificateCommandTimeout time.Duration `mapstructure:"CERTIFICATE_COMMAND_TIMEOUT"`
	MaxCodeAttempts           int           `mapstructure:"MFA_MAX_ATTEMPTS"`
	ScrollbackLines           int           `mapstructure:"SCROLLBACK_LINES"`
	MaxFrameBytes             int           `mapstructure:"MAX_FRAME_BYTES"`
}

// Registry keeps at most one live session per tenant/operator key.
type Registry struct {
	spawner Spawner
	events  messagebroker.Publisher
	cfg     RegistryConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[domain.SessionKey]*Session
}

// NewRegistry creates an empty registry. Construct one per process and pass it
// to every component that needs sessions.
func NewRegistry(spawner Spawner, events messagebroker.Publisher, logger *slog.Logger, cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.InteractiveCommandTimeout <= 0 {
		cfg.InteractiveCommandTimeout = 60 * time.Second
	}
	if cfg.CertificateCommandTimeout <= 0 {
		cfg.CertificateCommandTimeout = 30 * time.Second
	}
	return &Registry{
		spawner:  spawner,
		events:   events,
		cfg:      cfg,
		logger:   logger.With("component", "session_registry"),
		now:      time.Now,
		sessions: make(map[domain.SessionKey]*Session),
	}
}

// GetOrCreate returns the live session for (tenant, operatorID), or registers a
// new one and starts connecting it in the background. A caller racing an
// in-flight connect gets that same session. created reports whether a new
// process is being started.
func (r *Registry) GetOrCreate(tenant domain.Tenant, operatorID string, mode domain.AuthMode) (s *Session, created bool) {
	key := domain.SessionKey{TenantID: tenant.ID, OperatorID: operatorID}

	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok && !existing.State().Terminal() {
		r.mu.Unlock()
		return existing, false
	}
	s = newSession(key, tenant, mode, r.sessionConfig(tenant, mode), r.spawner, r.events, r.logger, r.now)
	r.sessions[key] = s
	r.mu.Unlock()

	sessionsActive.WithLabelValues(string(mode)).Inc()
	sessionTransitionsTotal.WithLabelValues(string(mode), string(domain.StateConnecting)).Inc()
	r.logger.Info("Starting shell session", "tenant_id", key.TenantID, "operator_id", key.OperatorID, "auth_mode", mode)
	go s.connect(context.Background())
	return s, true
}

func (r *Registry) sessionConfig(tenant domain.Tenant, mode domain.AuthMode) SessionConfig {
	cfg := SessionConfig{
		IdleTimeout:     r.cfg.IdleTimeout,
		CommandTimeout:  r.cfg.InteractiveCommandTimeout,
		ConnectTimeout:  r.cfg.ConnectTimeout,
		MaxCodeAttempts: r.cfg.MaxCodeAttempts,
		ScrollbackLines: r.cfg.ScrollbackLines,
		MaxFrameBytes:   r.cfg.MaxFrameBytes,
	}
	if mode == domain.AuthCertificate {
		cfg.CommandTimeout = r.cfg.CertificateCommandTimeout
	}
	if tenant.IdleTimeout > 0 {
		cfg.IdleTimeout = tenant.IdleTimeout
	}
	return cfg
}

// Get returns the live session for key, if any.
func (r *Registry) Get(key domain.SessionKey) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok || s.State().Terminal() {
		return nil, false
	}
	return s, true
}

// Close closes and forgets the session for key.
func (r *Registry) Close(key domain.SessionKey, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Close(reason)
	return true
}

// CloseIfIdle closes sessions past their idle deadline and drops sessions that
// already ended. It returns how many sessions were reclaimed.
func (r *Registry) CloseIfIdle() int {
	now := r.now()
	var expired []*Session

	r.mu.Lock()
	for key, s := range r.sessions {
		switch {
		case s.State().Terminal():
			delete(r.sessions, key)
			r.logger.Info("Removed ended session", "tenant_id", key.TenantID, "operator_id", key.OperatorID)
			sessionsReclaimedTotal.Inc()
		case s.Expired(now):
			delete(r.sessions, key)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("Closing idle session", "tenant_id", s.key.TenantID, "operator_id", s.key.OperatorID)
		s.Close("idle timeout")
		sessionsReclaimedTotal.Inc()
	}
	return len(expired)
}

// Len returns the number of registered sessions, ended ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots lists the registered sessions.
func (r *Registry) Snapshots() []domain.Snapshot {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]domain.Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}

// CloseAll closes every session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[domain.SessionKey]*Session)
	r.mu.Unlock()
	for _, s := range all {
		s.Close("shutdown")
	}
}

// Run sweeps idle sessions until ctx is done, then closes everything.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting session sweep worker", "interval", r.cfg.SweepInterval)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.CloseIfIdle(); n > 0 {
				r.logger.InfoContext(ctx, "Session sweep reclaimed idle sessions", "count", n)
			}
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Session sweep worker stopping", "error", ctx.Err())
			r.CloseAll()
			return ctx.Err()
		}
	}
}
