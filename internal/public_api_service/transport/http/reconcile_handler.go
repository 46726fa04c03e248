package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	"github.com/aradsms/teams_telephony/internal/public_api_service/middleware"
)

// Reconciler is the reconciliation surface the API drives.
type Reconciler interface {
	DiffAndCache(ctx context.Context, tenantID string) (*invdomain.DiffRun, error)
	Cancel(tenantID string) bool
	ApplySelected(ctx context.Context, tenantID string, numbers []string, actor string) (*invdomain.ApplyReport, error)
}

// tenantParam is the route parameter every tenant-scoped route carries.
const tenantParam = "tenantId"

// TenantID returns the tenant id route parameter.
func TenantID(r *http.Request) string {
	return chi.URLParam(r, tenantParam)
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// decodeBody decodes and validates the JSON body into dst. An empty body is
// allowed when allowEmpty is set.
func decodeBody(r *http.Request, validate *validator.Validate, dst any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.StructCtx(r.Context(), dst); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func operatorID(r *http.Request) (string, bool) {
	op, ok := middleware.OperatorFromContext(r.Context())
	if !ok || op.ID == "" {
		return "", false
	}
	return op.ID, true
}

type ReconcileHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
	validate   *validator.Validate
}

func NewReconcileHandler(reconciler Reconciler, logger *slog.Logger, validate *validator.Validate) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler, logger: logger, validate: validate}
}

// RegisterRoutes mounts the diff and apply routes.
func (h *ReconcileHandler) RegisterRoutes(r chi.Router) {
	r.Post("/diff/{tenantId}", h.Diff)
	r.Delete("/diff/{tenantId}", h.CancelDiff)
	r.Post("/apply/{tenantId}", h.Apply)
}

// Diff computes a fresh diff for the tenant and caches it for apply.
func (h *ReconcileHandler) Diff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(r)
	run, err := h.reconciler.DiffAndCache(ctx, tenantID)
	if err != nil {
		writeError(ctx, w, h.logger, err, "diff", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelDiff discards the cached diff.
func (h *ReconcileHandler) CancelDiff(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r)
	if !h.reconciler.Cancel(tenantID) {
		writeError(r.Context(), w, h.logger, invdomain.ErrNoPendingDiff, "cancel_diff", tenantID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Apply applies the selected entries of the cached diff.
func (h *ReconcileHandler) Apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(r)
	actor, ok := operatorID(r)
	if !ok {
		h.logger.ErrorContext(ctx, "AuthenticatedOperator not found in context for Apply")
		writeErrorMessage(w, http.StatusUnauthorized, "Operator authentication details not found", "")
		return
	}

	var req ApplyRequest
	if err := decodeBody(r, h.validate, &req, true); err != nil {
		h.logger.WarnContext(ctx, "Bad apply request", "tenant_id", tenantID, "error", err)
		writeErrorMessage(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	report, err := h.reconciler.ApplySelected(ctx, tenantID, req.SelectedNumbers, actor)
	if err != nil {
		writeError(ctx, w, h.logger, err, "apply", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
