package domain

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle status of an inventory number.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusAging     Status = "aging"
	StatusUsed      Status = "used"
)

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusAvailable, StatusReserved, StatusAging, StatusUsed:
		return st, nil
	}
	return "", fmt.Errorf("unknown inventory status %q", s)
}

// allowedEdges lists the transitions outside reconciliation.
var allowedEdges = map[Status][]Status{
	StatusAvailable: {StatusReserved, StatusUsed},
	StatusReserved:  {StatusAvailable, StatusAging},
	StatusAging:     {StatusAvailable},
	StatusUsed:      {StatusUsed, StatusAvailable},
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason records why a transition happened.
type Reason string

const (
	ReasonSweep     Reason = "sweep"
	ReasonAssign    Reason = "assign"
	ReasonRemove    Reason = "remove"
	ReasonReserve   Reason = "reserve"
	ReasonRelease   Reason = "release"
	ReasonReconcile Reason = "reconcile"
)

// InventoryRecord is one row of number_inventory, keyed by (TenantID, Number).
type InventoryRecord struct {
	TenantID            string
	Number              string
	Status              Status
	AssignedDisplayName sql.NullString
	AssignedPrincipal   sql.NullString
	RoutingPolicyName   sql.NullString
	ExternalSystemTag   sql.NullString
	StatusChangedAt     time.Time
	LastModifiedBy      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewRecord returns an unsaved available record.
func NewRecord(tenantID, number string) *InventoryRecord {
	return &InventoryRecord{TenantID: tenantID, Number: number, Status: StatusAvailable}
}

// IsNew reports whether the record has never been stored.
func (r *InventoryRecord) IsNew() bool {
	return r.CreatedAt.IsZero()
}

// Validate checks the status/principal invariant.
func (r *InventoryRecord) Validate() error {
	hasPrincipal := r.AssignedPrincipal.Valid && strings.TrimSpace(r.AssignedPrincipal.String) != ""
	switch r.Status {
	case StatusUsed:
		if !hasPrincipal {
			return fmt.Errorf("%w: %s is used without a principal", ErrInvalidTransition, r.Number)
		}
	case StatusAvailable:
		if hasPrincipal {
			return fmt.Errorf("%w: %s is available with a principal", ErrInvalidTransition, r.Number)
		}
	case StatusReserved, StatusAging:
		if r.AssignedPrincipal.Valid {
			return fmt.Errorf("%w: %s is %s with a principal", ErrInvalidTransition, r.Number, r.Status)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, r.Status)
	}
	return nil
}

// Snapshot returns the compared fields of the record with its version.
func (r *InventoryRecord) Snapshot() Snapshot {
	return Snapshot{
		Status:         r.Status,
		Principal:      r.AssignedPrincipal.String,
		DisplayName:    r.AssignedDisplayName.String,
		RoutingPolicy:  r.RoutingPolicyName.String,
		ExternalSystem: r.ExternalSystemTag.String,
		Version:        r.UpdatedAt,
	}
}

// SystemTagTeams is the external system tag of numbers managed through Teams.
const SystemTagTeams = "teams"

// Assignment is the set of fields carried by a used number.
type Assignment struct {
	Principal     string
	DisplayName   string
	RoutingPolicy string
	// ExternalSystem tags the platform that owns the assignment. Empty keeps
	// the record's current tag.
	ExternalSystem string
}

// Apply sets the assignment fields on r. An empty Principal clears all of them.
func (a Assignment) Apply(r *InventoryRecord) {
	if strings.TrimSpace(a.Principal) == "" {
		r.AssignedPrincipal = sql.NullString{}
		r.AssignedDisplayName = sql.NullString{}
		r.RoutingPolicyName = sql.NullString{}
		r.ExternalSystemTag = sql.NullString{}
		return
	}
	r.AssignedPrincipal = nullString(a.Principal)
	r.AssignedDisplayName = nullString(a.DisplayName)
	r.RoutingPolicyName = nullString(a.RoutingPolicy)
	if tag := nullString(a.ExternalSystem); tag.Valid {
		r.ExternalSystemTag = tag
	}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// SameFields reports whether two records carry the same status and assignment.
func SameFields(a, b *InventoryRecord) bool {
	return a.Status == b.Status &&
		a.AssignedPrincipal == b.AssignedPrincipal &&
		a.AssignedDisplayName == b.AssignedDisplayName &&
		a.RoutingPolicyName == b.RoutingPolicyName &&
		a.ExternalSystemTag == b.ExternalSystemTag
}

// AuditEntry is one row of number_inventory_audit.
type AuditEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Number     string    `json:"number"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     Reason    `json:"reason"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordKey is the natural key of a record, used as a scan cursor.
type RecordKey struct {
	TenantID string
	Number   string
}
