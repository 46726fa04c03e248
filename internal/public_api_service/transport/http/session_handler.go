package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// Console is the operator session surface the API drives.
type Console interface {
	Connect(ctx context.Context, tenantID, operatorID string) (shelldomain.Snapshot, error)
	SubmitCode(ctx context.Context, tenantID, operatorID, code string) (shelldomain.Snapshot, error)
	Run(ctx context.Context, tenantID, operatorID, text string) (string, error)
	State(tenantID, operatorID string) (shelldomain.Snapshot, []string, error)
	Disconnect(tenantID, operatorID string) (bool, error)
}

type SessionHandler struct {
	console  Console
	logger   *slog.Logger
	validate *validator.Validate
}

func NewSessionHandler(console Console, logger *slog.Logger, validate *validator.Validate) *SessionHandler {
	return &SessionHandler{console: console, logger: logger, validate: validate}
}

// RegisterRoutes mounts the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/session/{tenantId}", func(sr chi.Router) {
		sr.Get("/", h.Get)
		sr.Post("/connect", h.Connect)
		sr.Post("/code", h.SubmitCode)
		sr.Post("/command", h.Command)
		sr.Delete("/", h.Close)
	})
}

func (h *SessionHandler) operator(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	id, ok := operatorID(r)
	if !ok {
		h.logger.ErrorContext(r.Context(), "AuthenticatedOperator not found in context", "operation", op)
		writeErrorMessage(w, http.StatusUnauthorized, "Operator authentication details not found", "")
	}
	return id, ok
}

// Get returns the operator's session and its recent output.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r)
	op, ok := h.operator(w, r, "session_state")
	if !ok {
		return
	}
	snap, scrollback, err := h.console.State(tenantID, op)
	if errors.Is(err, shelldomain.ErrSessionClosed) {
		writeErrorMessage(w, http.StatusNotFound, "No open session", "")
		return
	}
	if err != nil {
		writeError(r.Context(), w, h.logger, err, "session_state", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: snap, Scrollback: scrollback})
}

// Connect opens the operator's session. A session waiting for a code is
// returned with 202 and the prompt text.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(r)
	op, ok := h.operator(w, r, "session_connect")
	if !ok {
		return
	}
	snap, err := h.console.Connect(ctx, tenantID, op)
	if err != nil {
		writeError(ctx, w, h.logger, err, "session_connect", tenantID)
		return
	}
	status := http.StatusOK
	if snap.State == shelldomain.StateAwaitingCode {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SessionResponse{Session: snap})
}

// SubmitCode answers the session's multi-factor prompt.
func (h *SessionHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(r)
	op, ok := h.operator(w, r, "session_code")
	if !ok {
		return
	}
	var req SubmitCodeRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		h.logger.WarnContext(ctx, "Bad code request", "tenant_id", tenantID, "error", err)
		writeErrorMessage(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	snap, err := h.console.SubmitCode(ctx, tenantID, op, req.Code)
	if err != nil {
		writeError(ctx, w, h.logger, err, "session_code", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: snap})
}

// Command runs operator text in the session.
func (h *SessionHandler) Command(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(r)
	op, ok := h.operator(w, r, "session_command")
	if !ok {
		return
	}
	var req CommandRequest
	if err := decodeBody(r, h.validate, &req, false); err != nil {
		h.logger.WarnContext(ctx, "Bad command request", "tenant_id", tenantID, "error", err)
		writeErrorMessage(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	out, err := h.console.Run(ctx, tenantID, op, req.Text)
	if err != nil {
		writeError(ctx, w, h.logger, err, "session_command", tenantID)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{Output: out})
}

// Close ends the operator's session.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r)
	op, ok := h.operator(w, r, "session_close")
	if !ok {
		return
	}
	closed, err := h.console.Disconnect(tenantID, op)
	if err != nil {
		writeError(r.Context(), w, h.logger, err, "session_close", tenantID)
		return
	}
	if !closed {
		writeErrorMessage(w, http.StatusNotFound, "No open session", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
