package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	shellapp "github.com/aradsms/teams_telephony/internal/shell_service/app"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, GenericErrorResponse{Error: msg, Details: details})
}

// classify maps a service error onto a status code and a message that is safe
// to show. Shell output only reaches the caller for command-level failures;
// authentication and session failures use fixed texts.
func classify(err error) (status int, msg, details string) {
	var cmdErr *shelldomain.CommandError
	switch {
	case errors.Is(err, shelldomain.ErrUnknownTenant):
		return http.StatusNotFound, "Unknown tenant", ""
	case errors.Is(err, invdomain.ErrNotFound):
		return http.StatusNotFound, "Number not found in inventory", ""
	case errors.Is(err, invdomain.ErrNoPendingDiff):
		return http.StatusNotFound, "No pending diff for tenant; run a diff first", ""
	case errors.Is(err, invdomain.ErrInvalidNumber):
		return http.StatusBadRequest, "Invalid phone number", err.Error()
	case errors.Is(err, invdomain.ErrInvalidTransition), errors.Is(err, invdomain.ErrReconciliationConflict):
		return http.StatusConflict, "Inventory state does not allow this change", err.Error()
	case errors.Is(err, shelldomain.ErrMultiFactorRequired):
		return http.StatusPreconditionRequired, shelldomain.ErrMultiFactorRequired.Error(), "submit the code to /session/{tenantId}/code"
	case errors.Is(err, shelldomain.ErrMultiFactorRejected):
		return http.StatusUnprocessableEntity, shellapp.SafeMessage(err), ""
	case errors.Is(err, shelldomain.ErrCertificateUnavailable), errors.Is(err, shelldomain.ErrInvalidState):
		return http.StatusConflict, err.Error(), ""
	case errors.As(err, &cmdErr):
		return http.StatusUnprocessableEntity, "Platform command failed", cmdErr.Message
	case errors.Is(err, shelldomain.ErrFrameTooLarge):
		return http.StatusBadGateway, shelldomain.ErrFrameTooLarge.Error(), ""
	case errors.Is(err, shelldomain.ErrCommandTimeout):
		return http.StatusGatewayTimeout, shelldomain.ErrCommandTimeout.Error(), ""
	case errors.Is(err, shelldomain.ErrAuthenticationFailed):
		return http.StatusBadGateway, shellapp.SafeMessage(err), ""
	case errors.Is(err, invdomain.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, "Platform temporarily unavailable", ""
	case errors.Is(err, shelldomain.ErrSessionClosed), errors.Is(err, shelldomain.ErrProcessCrashed):
		return http.StatusServiceUnavailable, shellapp.SafeMessage(err), ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "Request timed out", ""
	default:
		return http.StatusInternalServerError, "Internal server error", ""
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error, operation, tenantID string) {
	status, msg, details := classify(err)
	logEntry := logger.With("operation", operation, "tenant_id", tenantID, "status_code", status)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		logEntry.ErrorContext(ctx, "Request failed", "error", err)
	} else {
		logEntry.WarnContext(ctx, "Request rejected", "error", err)
	}
	writeErrorMessage(w, status, msg, details)
}

// bulkItemMessage is the per-item error text of a bulk response.
func bulkItemMessage(err error) string {
	_, msg, details := classify(err)
	if details != "" {
		return msg + ": " + details
	}
	return msg
}
