package http

import (
	"time"

	invapp "github.com/aradsms/teams_telephony/internal/inventory_service/app"
	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// ApplyRequest selects diff entries by number. An empty list applies the
// entries selected in the pending diff.
type ApplyRequest struct {
	SelectedNumbers []string `json:"selected_numbers" validate:"omitempty,max=10000,dive,required"`
}

// SubmitCodeRequest answers a multi-factor prompt.
type SubmitCodeRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

// CommandRequest is free text for the operator's shell session.
type CommandRequest struct {
	Text string `json:"text" validate:"required,max=8192"`
}

// CommandResponse carries a command's text output.
type CommandResponse struct {
	Output string `json:"output"`
}

// SessionResponse reports the operator's session.
type SessionResponse struct {
	Session    shelldomain.Snapshot `json:"session"`
	Scrollback []string             `json:"scrollback,omitempty"`
}

// AssignRequest assigns a number to a principal.
type AssignRequest struct {
	Number        string `json:"number" validate:"required"`
	Principal     string `json:"principal" validate:"required,max=256"`
	DisplayName   string `json:"display_name,omitempty" validate:"max=256"`
	RoutingPolicy string `json:"routing_policy,omitempty" validate:"max=256"`
}

// UnassignRequest removes a number from its principal. Principal may be
// omitted when the inventory knows it.
type UnassignRequest struct {
	Number    string `json:"number" validate:"required"`
	Principal string `json:"principal,omitempty" validate:"max=256"`
}

// BulkAssignRequest assigns many numbers in one call.
type BulkAssignRequest struct {
	Items []invapp.BulkItem `json:"items" validate:"required,min=1,max=1000,dive"`
}

// BulkAssignResponse lists per-item results in request order.
type BulkAssignResponse struct {
	Results []invapp.BulkResult `json:"results"`
	Failed  int                 `json:"failed"`
}

// NumberRequest names one number for reserve/release.
type NumberRequest struct {
	Number string `json:"number" validate:"required"`
}

// NumberResponse is the API view of an inventory record.
type NumberResponse struct {
	TenantID        string    `json:"tenant_id"`
	Number          string    `json:"number"`
	Status          string    `json:"status"`
	Principal       string    `json:"principal,omitempty"`
	DisplayName     string    `json:"display_name,omitempty"`
	RoutingPolicy   string    `json:"routing_policy,omitempty"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	LastModifiedBy  string    `json:"last_modified_by"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toNumberResponse(rec *invdomain.InventoryRecord) NumberResponse {
	return NumberResponse{
		TenantID:        rec.TenantID,
		Number:          rec.Number,
		Status:          string(rec.Status),
		Principal:       rec.AssignedPrincipal.String,
		DisplayName:     rec.AssignedDisplayName.String,
		RoutingPolicy:   rec.RoutingPolicyName.String,
		StatusChangedAt: rec.StatusChangedAt,
		LastModifiedBy:  rec.LastModifiedBy,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
