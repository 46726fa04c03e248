package domain

import "time"

// AuthoritativeAssignment is one number assignment as reported by the platform.
type AuthoritativeAssignment struct {
	Number        string `json:"LineUri"`
	Principal     string `json:"UserPrincipalName"`
	DisplayName   string `json:"DisplayName"`
	RoutingPolicy string `json:"OnlineVoiceRoutingPolicy"`
}

// Snapshot is the compared view of a number. Version is the row's UpdatedAt
// and stays zero for authoritative snapshots.
type Snapshot struct {
	Status        Status `json:"status"`
	Principal     string `json:"principal,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	RoutingPolicy string `json:"routing_policy,omitempty"`
	// ExternalSystem is the owning platform's tag; authoritative snapshots
	// carry their source's tag on used numbers only.
	ExternalSystem string    `json:"external_system,omitempty"`
	Version        time.Time `json:"version,omitempty"`
}

// Assignment returns the assignment fields of the snapshot.
func (s Snapshot) Assignment() Assignment {
	return Assignment{Principal: s.Principal, DisplayName: s.DisplayName, RoutingPolicy: s.RoutingPolicy, ExternalSystem: s.ExternalSystem}
}

// ChangeKind classifies a diff entry.
type ChangeKind string

const (
	ChangeAdd       ChangeKind = "add"
	ChangeUpdate    ChangeKind = "update"
	ChangeUnchanged ChangeKind = "unchanged"
)

// DiffEntry compares one number between the platform and the local table.
type DiffEntry struct {
	Number        string     `json:"number"`
	Kind          ChangeKind `json:"kind"`
	Local         *Snapshot  `json:"local,omitempty"`
	Authoritative Snapshot   `json:"authoritative"`
	Selected      bool       `json:"selected"`
}

// DiffRun is the cached result of one diff for a tenant.
type DiffRun struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Source    string      `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
	Entries   []DiffEntry `json:"entries"`
}

// Changes counts entries that are not unchanged.
func (r *DiffRun) Changes() int {
	n := 0
	for _, e := range r.Entries {
		if e.Kind != ChangeUnchanged {
			n++
		}
	}
	return n
}

// EntryOutcome is the per-entry result of an apply.
type EntryOutcome string

const (
	OutcomeApplied   EntryOutcome = "applied"
	OutcomeUnchanged EntryOutcome = "unchanged"
	OutcomeConflict  EntryOutcome = "conflict"
	OutcomeFailed    EntryOutcome = "failed"
)

// EntryResult reports what happened to one diff entry.
type EntryResult struct {
	Number  string       `json:"number"`
	Outcome EntryOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// ApplyReport summarizes an apply.
type ApplyReport struct {
	TenantID string        `json:"tenant_id"`
	Applied  int           `json:"applied"`
	Results  []EntryResult `json:"results"`
}
