package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aradsms/teams_telephony/internal/inventory_service/adapters/platform"
	invapp "github.com/aradsms/teams_telephony/internal/inventory_service/app"
	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	"github.com/aradsms/teams_telephony/internal/inventory_service/repository/postgres"
	"github.com/aradsms/teams_telephony/internal/platform/config"
	"github.com/aradsms/teams_telephony/internal/platform/database"
	"github.com/aradsms/teams_telephony/internal/platform/logger"
	"github.com/aradsms/teams_telephony/internal/platform/messagebroker"
	shellapp "github.com/aradsms/teams_telephony/internal/shell_service/app"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// base holds what every subcommand needs: config, logger, database and events.
type base struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	nats   *messagebroker.NATSClient
	events messagebroker.Publisher
}

func newBase(ctx context.Context) (*base, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	b := &base{cfg: cfg, logger: logger.New(cfg.LogLevel), events: messagebroker.Discard{}}

	b.pool, err = database.NewDBPool(ctx, cfg.PostgresDSN, database.PoolConfig{MaxConns: cfg.PostgresMaxConns})
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	b.logger.Info("Connected to PostgreSQL database")

	if cfg.NATSUrl == "" {
		b.logger.Warn("NATS_URL not set; inventory and session events are not published")
		return b, nil
	}
	b.nats, err = messagebroker.NewNATSClient(cfg.NATSUrl, b.logger, serviceName)
	if err != nil {
		// Events are advisory; the service runs without them.
		b.logger.Error("Failed to connect to NATS; continuing without events", "error", err)
		return b, nil
	}
	b.events = b.nats
	b.logger.Info("Connected to NATS", "url", cfg.NATSUrl)
	return b, nil
}

func (b *base) close() {
	if b.nats != nil {
		b.nats.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func (b *base) lifecycle(repo invdomain.InventoryRepository) *invapp.Lifecycle {
	overrides := make(map[string]invapp.Thresholds)
	for _, t := range b.cfg.Tenants {
		if t.ReservationThreshold > 0 || t.AgingThreshold > 0 {
			overrides[t.ID] = invapp.Thresholds{Reservation: t.ReservationThreshold, Aging: t.AgingThreshold}
		}
	}
	return invapp.NewLifecycle(repo, b.events, b.logger, invapp.LifecycleConfig{
		SweepInterval: b.cfg.LifecycleSweepInterval,
		BatchSize:     b.cfg.LifecycleBatchSize,
		Defaults:      invapp.Thresholds{Reservation: b.cfg.ReservationThreshold, Aging: b.cfg.AgingThreshold},
		Tenants:       overrides,
	})
}

func tenantsFromConfig(cfg *config.Config) shellapp.Tenants {
	tenants := make(shellapp.Tenants, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants[t.ID] = shelldomain.Tenant{
			ID:                    t.ID,
			Name:                  t.Name,
			AuthMode:              shelldomain.ParseAuthMode(t.AuthMode),
			ApplicationID:         t.ApplicationID,
			CertificateThumbprint: t.CertificateThumbprint,
			AccountID:             t.AccountID,
			PasswordEnv:           t.PasswordEnv,
			IdleTimeout:           t.IdleTimeout,
		}
	}
	return tenants
}

// services is the fully wired service graph behind the operator API.
type services struct {
	registry    *shellapp.Registry
	console     *shellapp.Console
	tenants     shellapp.Tenants
	lifecycle   *invapp.Lifecycle
	reconciler  *invapp.Reconciler
	assignments *invapp.AssignmentService
}

func (b *base) services(spawner shellapp.Spawner) (*services, error) {
	cfg := b.cfg
	tenants := tenantsFromConfig(cfg)

	registry := shellapp.NewRegistry(spawner, b.events, b.logger, shellapp.RegistryConfig{
		IdleTimeout:               cfg.SessionIdleTimeout,
		SweepInterval:             cfg.SessionSweepInterval,
		ConnectTimeout:            cfg.SessionConnectTimeout,
		InteractiveCommandTimeout: cfg.InteractiveCommandTimeout,
		CertificateCommandTimeout: cfg.CertificateCommandTimeout,
		MaxCodeAttempts:           cfg.MFAMaxAttempts,
		ScrollbackLines:           cfg.ScrollbackLines,
		MaxFrameBytes:             cfg.MaxFrameBytes,
	})
	router := shellapp.NewRouter(registry, tenants)
	sessions := platform.RouterSessions{Router: router}

	sources := []invdomain.AuthoritativeSource{platform.NewShellSource(sessions, b.logger)}
	if cfg.PlatformAPIBaseURL != "" {
		sources = append(sources, platform.NewAPISource(b.logger, cfg.PlatformAPIBaseURL, cfg.PlatformAPIToken,
			&http.Client{Timeout: cfg.PlatformAPITimeout}))
	}
	tenantSources := make(map[string]string)
	for _, t := range cfg.Tenants {
		src := strings.ToLower(t.Source)
		if src == "" {
			continue
		}
		if src == platform.APISourceName && cfg.PlatformAPIBaseURL == "" {
			return nil, fmt.Errorf("tenant %q uses SOURCE api but PLATFORM_API_BASE_URL is not set", t.ID)
		}
		tenantSources[t.ID] = src
	}

	repo := postgres.NewPgInventoryRepository(b.pool, b.logger)
	lifecycle := b.lifecycle(repo)
	reconciler := invapp.NewReconciler(repo, lifecycle, sources, b.logger, invapp.ReconcilerConfig{
		DiffTTL:       cfg.DiffTTL,
		DefaultSource: platform.ShellSourceName,
		TenantSources: tenantSources,
	})
	assignments := invapp.NewAssignmentService(platform.NewShellAssigner(sessions, b.logger), lifecycle, repo,
		b.logger, invapp.AssignmentConfig{BulkFanOut: cfg.BulkFanOut})

	return &services{
		registry:    registry,
		console:     shellapp.NewConsole(router, b.logger),
		tenants:     tenants,
		lifecycle:   lifecycle,
		reconciler:  reconciler,
		assignments: assignments,
	}, nil
}
