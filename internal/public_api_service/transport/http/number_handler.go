package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	invapp "github.com/aradsms/teams_telephony/internal/inventory_service/app"
	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

// NumberService is the assignment surface the API drives.
type NumberService interface {
	Assign(ctx context.Context, tenantID, operatorID, number string, a invdomain.Assignment) (*invdomain.InventoryRecord, error)
	Unassign(ctx context.Context, tenantID, operatorID, number, principal string) (*invdomain.InventoryRecord, error)
	BulkAssign(ctx context.Context, tenantID, operatorID string, items []invapp.BulkItem) []invapp.BulkResult
	Reserve(ctx context.Context, tenantID, operatorID, number string) (*invdomain.InventoryRecord, error)
	Release(ctx context.Context, tenantID, operatorID, number string) (*invdomain.InventoryRecord, error)
}

type NumberHandler struct {
	numbers  NumberService
	logger   *slog.Logger
	validate *validator.Validate
}

func NewNumberHandler(numbers NumberService, logger *slog.Logger, validate *validator.Validate) *NumberHandler {
	return &NumberHandler{numbers: numbers, logger: logger, validate: validate}
}

// RegisterRoutes mounts the number routes.
func (h *NumberHandler) RegisterRoutes(r chi.Router) {
	r.Route("/numbers/{tenantId}", func(nr chi.Router) {
		nr.Post("/assign", h.Assign)
		nr.Post("/unassign", h.Unassign)
		nr.Post("/bulk-assign", h.BulkAssign)
		nr.Post("/reserve", h.Reserve)
		nr.Post("/release", h.Release)
	})
}

// prepare resolves the tenant and operator and decodes the body. It writes
// the error response itself and reports whether the handler may go on.
func (h *NumberHandler) prepare(w http.ResponseWriter, r *http.Request, op string, dst any) (tenantID, operator string, ok bool) {
	tenantID = TenantID(r)
	operator, ok = operatorID(r)
	if !ok {
		h.logger.ErrorContext(r.Context(), "AuthenticatedOperator not found in context", "operation", op)
		writeErrorMessage(w, http.StatusUnauthorized, "Operator authentication details not found", "")
		return "", "", false
	}
	if err := decodeBody(r, h.validate, dst, false); err != nil {
		h.logger.WarnContext(r.Context(), "Bad number request", "operation", op, "tenant_id", tenantID, "error", err)
		writeErrorMessage(w, http.StatusBadRequest, err.Error(), "")
		return "", "", false
	}
	return tenantID, operator, true
}

func (h *NumberHandler) respond(w http.ResponseWriter, r *http.Request, op, tenantID string, rec *invdomain.InventoryRecord, err error) {
	if err != nil {
		writeError(r.Context(), w, h.logger, err, op, tenantID)
		return
	}
	writeJSON(w, http.StatusOK, toNumberResponse(rec))
}

func (h *NumberHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	tenantID, op, ok := h.prepare(w, r, "assign", &req)
	if !ok {
		return
	}
	rec, err := h.numbers.Assign(r.Context(), tenantID, op, req.Number, invdomain.Assignment{
		Principal:     req.Principal,
		DisplayName:   req.DisplayName,
		RoutingPolicy: req.RoutingPolicy,
	})
	h.respond(w, r, "assign", tenantID, rec, err)
}

func (h *NumberHandler) Unassign(w http.ResponseWriter, r *http.Request) {
	var req UnassignRequest
	tenantID, op, ok := h.prepare(w, r, "unassign", &req)
	if !ok {
		return
	}
	rec, err := h.numbers.Unassign(r.Context(), tenantID, op, req.Number, req.Principal)
	h.respond(w, r, "unassign", tenantID, rec, err)
}

// BulkAssign answers 200 when every item succeeded and 207 otherwise.
func (h *NumberHandler) BulkAssign(w http.ResponseWriter, r *http.Request) {
	var req BulkAssignRequest
	tenantID, op, ok := h.prepare(w, r, "bulk_assign", &req)
	if !ok {
		return
	}
	results := h.numbers.BulkAssign(r.Context(), tenantID, op, req.Items)
	resp := BulkAssignResponse{Results: results}
	for i := range results {
		if !results[i].OK {
			resp.Failed++
			if results[i].Err != nil {
				results[i].Error = bulkItemMessage(results[i].Err)
			}
		}
	}
	status := http.StatusOK
	if resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

func (h *NumberHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req NumberRequest
	tenantID, op, ok := h.prepare(w, r, "reserve", &req)
	if !ok {
		return
	}
	rec, err := h.numbers.Reserve(r.Context(), tenantID, op, req.Number)
	h.respond(w, r, "reserve", tenantID, rec, err)
}

func (h *NumberHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req NumberRequest
	tenantID, op, ok := h.prepare(w, r, "release", &req)
	if !ok {
		return
	}
	rec, err := h.numbers.Release(r.Context(), tenantID, op, req.Number)
	h.respond(w, r, "release", tenantID, rec, err)
}
