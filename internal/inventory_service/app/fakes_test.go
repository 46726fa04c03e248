package app

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memState is the table contents one transaction level sees.
type memState struct {
	rows  map[domain.RecordKey]domain.InventoryRecord
	audit []domain.AuditEntry
}

func (s *memState) clone() *memState {
	c := &memState{rows: make(map[domain.RecordKey]domain.InventoryRecord, len(s.rows))}
	for k, v := range s.rows {
		c.rows[k] = v
	}
	c.audit = append([]domain.AuditEntry(nil), s.audit...)
	return c
}

// memRepo is an in-memory InventoryRepository. Transactions run serially and
// work on a copy that replaces the table on commit.
type memRepo struct {
	mu    sync.Mutex
	state *memState

	// failUpsert makes Upsert fail for the given numbers.
	failUpsert map[string]error
	tenantTxs  []string
}

func newMemRepo(records ...domain.InventoryRecord) *memRepo {
	r := &memRepo{state: &memState{rows: make(map[domain.RecordKey]domain.InventoryRecord)}}
	for _, rec := range records {
		r.state.rows[domain.RecordKey{TenantID: rec.TenantID, Number: rec.Number}] = rec
	}
	return r
}

func (r *memRepo) record(tenantID, number string) (domain.InventoryRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.rows[domain.RecordKey{TenantID: tenantID, Number: number}]
	return rec, ok
}

func (r *memRepo) auditLog() []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.state.audit...)
}

type memStore struct {
	st   *memState
	repo *memRepo
}

func (m *memStore) Get(_ context.Context, tenantID, number string) (*domain.InventoryRecord, error) {
	rec, ok := m.st.rows[domain.RecordKey{TenantID: tenantID, Number: number}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) Upsert(_ context.Context, rec *domain.InventoryRecord) error {
	if err := m.repo.failUpsert[rec.Number]; err != nil {
		return err
	}
	m.st.rows[domain.RecordKey{TenantID: rec.TenantID, Number: rec.Number}] = *rec
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	m.st.audit = append(m.st.audit, *e)
	return nil
}

type memTx struct {
	memStore
}

func (t *memTx) Savepoint(_ context.Context, fn func(domain.Store) error) error {
	child := t.st.clone()
	if err := fn(&memStore{st: child, repo: t.repo}); err != nil {
		return err
	}
	*t.st = *child
	return nil
}

func (r *memRepo) Get(ctx context.Context, tenantID, number string) (*domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memStore{st: r.state, repo: r}).Get(ctx, tenantID, number)
}

func (r *memRepo) Upsert(ctx context.Context, rec *domain.InventoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memStore{st: r.state, repo: r}).Upsert(ctx, rec)
}

func (r *memRepo) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memStore{st: r.state, repo: r}).AppendAudit(ctx, e)
}

func (r *memRepo) ListByTenant(_ context.Context, tenantID string) ([]domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.InventoryRecord
	for k, v := range r.state.rows {
		if k.TenantID == tenantID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *memRepo) ListDue(_ context.Context, status domain.Status, before time.Time, after domain.RecordKey, limit int) ([]domain.InventoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.InventoryRecord
	for k, v := range r.state.rows {
		if v.Status != status || v.StatusChangedAt.After(before) {
			continue
		}
		if k.TenantID < after.TenantID || (k.TenantID == after.TenantID && k.Number <= after.Number) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Number < out[j].Number
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) InTx(_ context.Context, fn func(domain.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(&memTx{memStore{st: work, repo: r}}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memRepo) InTenantTx(ctx context.Context, tenantID string, fn func(domain.Tx) error) error {
	r.mu.Lock()
	r.tenantTxs = append(r.tenantTxs, tenantID)
	r.mu.Unlock()
	return r.InTx(ctx, fn)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

type MockSource struct {
	mock.Mock
	name string
	tag  string
}

func (m *MockSource) Name() string { return m.name }

func (m *MockSource) SystemTag() string { return m.tag }

func (m *MockSource) ListAssignments(ctx context.Context, tenantID string) ([]domain.AuthoritativeAssignment, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.AuthoritativeAssignment), args.Error(1)
}

type MockAssigner struct {
	mock.Mock
}

func (m *MockAssigner) Assign(ctx context.Context, tenantID, operatorID, number string, a domain.Assignment) error {
	args := m.Called(ctx, tenantID, operatorID, number, a)
	return args.Error(0)
}

func (m *MockAssigner) Unassign(ctx context.Context, tenantID, operatorID, number, principal string) error {
	args := m.Called(ctx, tenantID, operatorID, number, principal)
	return args.Error(0)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLifecycle(repo domain.InventoryRepository, pub *MockPublisher, clk *clock, cfg LifecycleConfig) *Lifecycle {
	var l *Lifecycle
	if pub == nil {
		l = NewLifecycle(repo, nil, discardLogger(), cfg)
	} else {
		l = NewLifecycle(repo, pub, discardLogger(), cfg)
	}
	l.now = clk.Now
	return l
}

func usedRecord(tenantID, number, principal string, changed time.Time) domain.InventoryRecord {
	rec := domain.InventoryRecord{
		TenantID: tenantID, Number: number, Status: domain.StatusUsed,
		StatusChangedAt: changed, LastModifiedBy: "seed", CreatedAt: changed, UpdatedAt: changed,
	}
	domain.Assignment{Principal: principal}.Apply(&rec)
	return rec
}

func statusRecord(tenantID, number string, status domain.Status, changed time.Time) domain.InventoryRecord {
	return domain.InventoryRecord{
		TenantID: tenantID, Number: number, Status: status,
		StatusChangedAt: changed, LastModifiedBy: "seed", CreatedAt: changed, UpdatedAt: changed,
	}
}
