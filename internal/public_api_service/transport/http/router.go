package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aradsms/teams_telephony/internal/public_api_service/middleware"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// TenantDirectory resolves configured tenants.
type TenantDirectory interface {
	Lookup(id string) (shelldomain.Tenant, error)
}

// RouterDeps are the services behind the operator API.
type RouterDeps struct {
	Reconciler Reconciler
	Console    Console
	Numbers    NumberService
	Tenants    TenantDirectory
	// Auth authenticates /api/v1 requests. Tests may swap it.
	Auth           func(http.Handler) http.Handler
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// NewRouter assembles the operator API.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 3 * time.Minute
	}
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	reconcileHandler := NewReconcileHandler(deps.Reconciler, deps.Logger, validate)
	sessionHandler := NewSessionHandler(deps.Console, deps.Logger, validate)
	numberHandler := NewNumberHandler(deps.Numbers, deps.Logger, validate)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(chimiddleware.Timeout(deps.RequestTimeout))
		v1.Use(deps.Auth)
		// Inline middleware runs after routing, when {tenantId} is known.
		guarded := v1.With(tenantGuard(deps.Tenants, deps.Logger))
		reconcileHandler.RegisterRoutes(guarded)
		sessionHandler.RegisterRoutes(guarded)
		numberHandler.RegisterRoutes(guarded)
	})
	return r
}

// tenantGuard rejects unknown tenants with 404 and tenants outside the
// operator's claim with 403.
func tenantGuard(tenants TenantDirectory, logger *slog.Logger) func(http.Handler) http.Handler {
	access := middleware.TenantAccessMiddleware(TenantID, logger)
	return func(next http.Handler) http.Handler {
		guarded := access(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantID(r)
			if _, err := tenants.Lookup(tenantID); err != nil {
				writeError(r.Context(), w, logger, err, "tenant_lookup", tenantID)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}
