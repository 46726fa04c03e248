package domain

import (
	"context"
	"time"
)

// Store is the row access shared by the pool and by transactions.
type Store interface {
	// Get returns ErrNotFound when the row does not exist.
	Get(ctx context.Context, tenantID, number string) (*InventoryRecord, error)
	Upsert(ctx context.Context, rec *InventoryRecord) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// Tx is a Store bound to an open transaction.
type Tx interface {
	Store
	// Savepoint runs fn in a nested transaction. When fn fails only its own
	// changes are rolled back.
	Savepoint(ctx context.Context, fn func(Store) error) error
}

// InventoryRepository persists number_inventory and its audit table.
type InventoryRepository interface {
	Store
	ListByTenant(ctx context.Context, tenantID string) ([]InventoryRecord, error)
	// ListDue returns rows in status whose status_changed_at is at or before
	// before, ordered by key and starting after the cursor.
	ListDue(ctx context.Context, status Status, before time.Time, after RecordKey, limit int) ([]InventoryRecord, error)
	InTx(ctx context.Context, fn func(Tx) error) error
	// InTenantTx is InTx holding the tenant's advisory transaction lock.
	InTenantTx(ctx context.Context, tenantID string, fn func(Tx) error) error
}

// AuthoritativeSource reads the platform's current assignments for a tenant.
type AuthoritativeSource interface {
	Name() string
	// SystemTag is recorded as external_system_tag on numbers the source reports assigned.
	SystemTag() string
	ListAssignments(ctx context.Context, tenantID string) ([]AuthoritativeAssignment, error)
}
