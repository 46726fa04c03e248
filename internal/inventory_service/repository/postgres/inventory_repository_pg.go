package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

// DB is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const recordColumns = `tenant_id, number, status, assigned_display_name, assigned_principal,
	routing_policy_name, external_system_tag, status_changed_at, last_modified_by, created_at, updated_at`

const (
	getRecordSQL = `SELECT ` + recordColumns + ` FROM number_inventory WHERE tenant_id = $1 AND number = $2`

	listByTenantSQL = `SELECT ` + recordColumns + ` FROM number_inventory WHERE tenant_id = $1 ORDER BY number`

	listDueSQL = `SELECT ` + recordColumns + ` FROM number_inventory
	WHERE status = $1 AND status_changed_at <= $2 AND (tenant_id, number) > ($3, $4)
	ORDER BY tenant_id, number
	LIMIT $5`

	upsertRecordSQL = `INSERT INTO number_inventory (` + recordColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (tenant_id, number) DO UPDATE SET
		status = EXCLUDED.status,
		assigned_display_name = EXCLUDED.assigned_display_name,
		assigned_principal = EXCLUDED.assigned_principal,
		routing_policy_name = EXCLUDED.routing_policy_name,
		external_system_tag = EXCLUDED.external_system_tag,
		status_changed_at = EXCLUDED.status_changed_at,
		last_modified_by = EXCLUDED.last_modified_by,
		updated_at = EXCLUDED.updated_at`

	insertAuditSQL = `INSERT INTO number_inventory_audit (id, tenant_id, number, from_status, to_status, reason, actor, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	advisoryLockSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

// PgInventoryRepository implements domain.InventoryRepository on PostgreSQL.
type PgInventoryRepository struct {
	db     DB
	logger *slog.Logger
}

// NewPgInventoryRepository creates a repository over db.
func NewPgInventoryRepository(db DB, logger *slog.Logger) *PgInventoryRepository {
	return &PgInventoryRepository{db: db, logger: logger.With("component", "inventory_repository_pg")}
}

var _ domain.InventoryRepository = (*PgInventoryRepository)(nil)

func (r *PgInventoryRepository) Get(ctx context.Context, tenantID, number string) (*domain.InventoryRecord, error) {
	return getRecord(ctx, r.db, tenantID, number)
}

func (r *PgInventoryRepository) Upsert(ctx context.Context, rec *domain.InventoryRecord) error {
	return upsertRecord(ctx, r.db, rec)
}

func (r *PgInventoryRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	return appendAudit(ctx, r.db, entry)
}

func (r *PgInventoryRepository) ListByTenant(ctx context.Context, tenantID string) ([]domain.InventoryRecord, error) {
	rows, err := r.db.Query(ctx, listByTenantSQL, tenantID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list inventory", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("listing inventory for %s: %w", tenantID, err)
	}
	return collectRecords(rows)
}

func (r *PgInventoryRepository) ListDue(ctx context.Context, status domain.Status, before time.Time, after domain.RecordKey, limit int) ([]domain.InventoryRecord, error) {
	r.logger.DebugContext(ctx, "Listing due inventory", "status", status, "before", before, "after_tenant", after.TenantID, "after_number", after.Number, "limit", limit)
	rows, err := r.db.Query(ctx, listDueSQL, string(status), before, after.TenantID, after.Number, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list due inventory", "status", status, "error", err)
		return nil, fmt.Errorf("listing due %s inventory: %w", status, err)
	}
	return collectRecords(rows)
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (r *PgInventoryRepository) InTx(ctx context.Context, fn func(domain.Tx) error) error {
	return r.inTx(ctx, "", fn)
}

// InTenantTx runs fn in a transaction that holds the tenant's advisory lock
// until commit or rollback.
func (r *PgInventoryRepository) InTenantTx(ctx context.Context, tenantID string, fn func(domain.Tx) error) error {
	return r.inTx(ctx, tenantID, fn)
}

func (r *PgInventoryRepository) inTx(ctx context.Context, lockTenant string, fn func(domain.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.logger.ErrorContext(ctx, "Failed to roll back inventory transaction", "error", rbErr)
			}
		}
	}()

	if lockTenant != "" {
		if _, err = tx.Exec(ctx, advisoryLockSQL, lockTenant); err != nil {
			return fmt.Errorf("advisory lock for %s: %w", lockTenant, err)
		}
	}
	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, tenantID, number string) (*domain.InventoryRecord, error) {
	return getRecord(ctx, t.tx, tenantID, number)
}

func (t *pgTx) Upsert(ctx context.Context, rec *domain.InventoryRecord) error {
	return upsertRecord(ctx, t.tx, rec)
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	return appendAudit(ctx, t.tx, entry)
}

// Savepoint uses a pseudo nested transaction, which pgx implements as a savepoint.
func (t *pgTx) Savepoint(ctx context.Context, fn func(domain.Store) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(&pgTx{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (after %w)", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func getRecord(ctx context.Context, q DB, tenantID, number string) (*domain.InventoryRecord, error) {
	rec, err := scanRecord(q.QueryRow(ctx, getRecordSQL, tenantID, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, tenantID, number)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", tenantID, number, err)
	}
	return rec, nil
}

func upsertRecord(ctx context.Context, q DB, rec *domain.InventoryRecord) error {
	_, err := q.Exec(ctx, upsertRecordSQL,
		rec.TenantID, rec.Number, string(rec.Status), rec.AssignedDisplayName, rec.AssignedPrincipal,
		rec.RoutingPolicyName, rec.ExternalSystemTag, rec.StatusChangedAt, rec.LastModifiedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting %s/%s: %w", rec.TenantID, rec.Number, err)
	}
	return nil
}

func appendAudit(ctx context.Context, q DB, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := q.Exec(ctx, insertAuditSQL,
		e.ID, e.TenantID, e.Number, string(e.FromStatus), string(e.ToStatus), string(e.Reason), e.Actor, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit for %s/%s: %w", e.TenantID, e.Number, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*domain.InventoryRecord, error) {
	var (
		rec    domain.InventoryRecord
		status string
	)
	err := row.Scan(
		&rec.TenantID, &rec.Number, &status, &rec.AssignedDisplayName, &rec.AssignedPrincipal,
		&rec.RoutingPolicyName, &rec.ExternalSystemTag, &rec.StatusChangedAt, &rec.LastModifiedBy,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.Status, err = domain.ParseStatus(status); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]domain.InventoryRecord, error) {
	defer rows.Close()
	var out []domain.InventoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning inventory row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
