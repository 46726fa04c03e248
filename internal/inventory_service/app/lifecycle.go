package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	"github.com/aradsms/teams_telephony/internal/platform/messagebroker"
)

// InventoryEventsSubject carries one message per written transition.
const InventoryEventsSubject = "telephony.inventory.transition"

// sweepActor is recorded as LastModifiedBy for sweep transitions.
const sweepActor = "lifecycle"

// Thresholds are the ages after which the sweep moves a record on.
type Thresholds struct {
	Reservation time.Duration
	Aging       time.Duration
}

// LifecycleConfig configures the Lifecycle scheduler.
type LifecycleConfig struct {
	SweepInterval time.Duration `mapstructure:"LIFECYCLE_SWEEP_INTERVAL"`
	BatchSize     int           `mapstructure:"LIFECYCLE_BATCH_SIZE"`
	Defaults      Thresholds
	// Tenants overrides Defaults per tenant id; zero fields fall back.
	Tenants map[string]Thresholds
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Aged     int `json:"aged"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// Lifecycle owns every status change of an inventory record.
type Lifecycle struct {
	repo   domain.InventoryRepository
	events messagebroker.Publisher
	cfg    LifecycleConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLifecycle creates a Lifecycle. events may be nil.
func NewLifecycle(repo domain.InventoryRepository, events messagebroker.Publisher, logger *slog.Logger, cfg LifecycleConfig) *Lifecycle {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Defaults.Reservation <= 0 {
		cfg.Defaults.Reservation = 30 * 24 * time.Hour
	}
	if cfg.Defaults.Aging <= 0 {
		cfg.Defaults.Aging = 90 * 24 * time.Hour
	}
	if events == nil {
		events = messagebroker.Discard{}
	}
	return &Lifecycle{
		repo:   repo,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "lifecycle"),
		now:    time.Now,
	}
}

func (l *Lifecycle) thresholds(tenantID string) Thresholds {
	t := l.cfg.Defaults
	if o, ok := l.cfg.Tenants[tenantID]; ok {
		if o.Reservation > 0 {
			t.Reservation = o.Reservation
		}
		if o.Aging > 0 {
			t.Aging = o.Aging
		}
	}
	return t
}

// transition moves rec to next through s and writes one audit entry. It
// returns a nil entry when nothing changed. Reconciliation may take any edge;
// every other reason is limited to the lifecycle edges.
func (l *Lifecycle) transition(ctx context.Context, s domain.Store, rec *domain.InventoryRecord,
	next domain.Status, asg domain.Assignment, reason domain.Reason, actor string) (*domain.AuditEntry, error) {
	isNew := rec.IsNew()
	updated := *rec
	updated.Status = next
	if next == domain.StatusUsed {
		if strings.TrimSpace(asg.Principal) == "" {
			return nil, fmt.Errorf("%w: %s needs a principal to become used", domain.ErrInvalidTransition, rec.Number)
		}
		asg.Apply(&updated)
	} else {
		domain.Assignment{}.Apply(&updated)
	}

	if !isNew && domain.SameFields(rec, &updated) {
		return nil, nil
	}
	if reason != domain.ReasonReconcile {
		if isNew && next == domain.StatusAging {
			return nil, fmt.Errorf("%w: new record %s cannot start aging", domain.ErrInvalidTransition, rec.Number)
		}
		if !isNew && !domain.CanTransition(rec.Status, next) {
			return nil, fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, rec.Status, next, rec.Number)
		}
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	from := rec.Status
	if isNew {
		from = ""
		updated.CreatedAt = now
	}
	if isNew || rec.Status != next {
		updated.StatusChangedAt = now
	}
	updated.LastModifiedBy = actor
	updated.UpdatedAt = now
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	if err := s.Upsert(ctx, &updated); err != nil {
		return nil, err
	}
	entry := &domain.AuditEntry{
		ID:         uuid.NewString(),
		TenantID:   updated.TenantID,
		Number:     updated.Number,
		FromStatus: from,
		ToStatus:   next,
		Reason:     reason,
		Actor:      actor,
		CreatedAt:  now,
	}
	if err := s.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}
	*rec = updated
	return entry, nil
}

// committed records metrics and publishes entries once their transaction committed.
func (l *Lifecycle) committed(ctx context.Context, entries ...*domain.AuditEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		transitionsTotal.WithLabelValues(string(e.FromStatus), string(e.ToStatus), string(e.Reason)).Inc()
		l.logger.InfoContext(ctx, "Inventory transition",
			"tenant_id", e.TenantID, "number", e.Number, "from", e.FromStatus, "to", e.ToStatus, "reason", e.Reason, "actor", e.Actor)
		_ = messagebroker.PublishJSON(ctx, l.events, l.logger, InventoryEventsSubject, e)
	}
}

func (l *Lifecycle) change(ctx context.Context, tenantID, number string, create bool,
	next domain.Status, asg domain.Assignment, reason domain.Reason, actor string) (*domain.InventoryRecord, error) {
	var (
		rec   *domain.InventoryRecord
		entry *domain.AuditEntry
	)
	err := l.repo.InTx(ctx, func(tx domain.Tx) error {
		cur, err := tx.Get(ctx, tenantID, number)
		if errors.Is(err, domain.ErrNotFound) && create {
			cur, err = domain.NewRecord(tenantID, number), nil
		}
		if err != nil {
			return err
		}
		entry, err = l.transition(ctx, tx, cur, next, asg, reason, actor)
		rec = cur
		return err
	})
	if err != nil {
		return nil, err
	}
	l.committed(ctx, entry)
	return rec, nil
}

// MarkUsed records that number is assigned. Missing rows are created.
func (l *Lifecycle) MarkUsed(ctx context.Context, tenantID, number string, asg domain.Assignment, actor string) (*domain.InventoryRecord, error) {
	return l.change(ctx, tenantID, number, true, domain.StatusUsed, asg, domain.ReasonAssign, actor)
}

// MarkAvailable records that number was unassigned and clears its assignment fields.
func (l *Lifecycle) MarkAvailable(ctx context.Context, tenantID, number, actor string) (*domain.InventoryRecord, error) {
	return l.change(ctx, tenantID, number, true, domain.StatusAvailable, domain.Assignment{}, domain.ReasonRemove, actor)
}

// Reserve holds an available number. Missing rows are created as reserved.
func (l *Lifecycle) Reserve(ctx context.Context, tenantID, number, actor string) (*domain.InventoryRecord, error) {
	return l.change(ctx, tenantID, number, true, domain.StatusReserved, domain.Assignment{}, domain.ReasonReserve, actor)
}

// Release returns a reserved number to available.
func (l *Lifecycle) Release(ctx context.Context, tenantID, number, actor string) (*domain.InventoryRecord, error) {
	return l.change(ctx, tenantID, number, false, domain.StatusAvailable, domain.Assignment{}, domain.ReasonRelease, actor)
}

// Sweep moves reserved records past their reservation threshold to aging and
// aging records past their aging threshold to available.
func (l *Lifecycle) Sweep(ctx context.Context) (SweepResult, error) {
	timer := prometheus.NewTimer(sweepDurationHist)
	defer timer.ObserveDuration()

	now := l.now()
	var res SweepResult

	aged, failed, err := l.sweepStatus(ctx, now, domain.StatusReserved, domain.StatusAging,
		func(t Thresholds) time.Duration { return t.Reservation })
	res.Aged, res.Failed = aged, failed
	if err != nil {
		return res, err
	}
	released, failed, err := l.sweepStatus(ctx, now, domain.StatusAging, domain.StatusAvailable,
		func(t Thresholds) time.Duration { return t.Aging })
	res.Released = released
	res.Failed += failed
	return res, err
}

func (l *Lifecycle) sweepStatus(ctx context.Context, now time.Time, from, to domain.Status,
	pick func(Thresholds) time.Duration) (moved, failed int, err error) {
	// The scan cutoff uses the shortest threshold in use; per-tenant
	// thresholds are applied row by row.
	shortest := pick(l.cfg.Defaults)
	for id := range l.cfg.Tenants {
		if d := pick(l.thresholds(id)); d < shortest {
			shortest = d
		}
	}
	cutoff := now.Add(-shortest)

	var cursor domain.RecordKey
	for {
		batch, err := l.repo.ListDue(ctx, from, cutoff, cursor, l.cfg.BatchSize)
		if err != nil {
			l.logger.ErrorContext(ctx, "Failed to list due inventory", "status", from, "error", err)
			return moved, failed, fmt.Errorf("listing %s records: %w", from, err)
		}
		for i := range batch {
			rec := batch[i]
			cursor = domain.RecordKey{TenantID: rec.TenantID, Number: rec.Number}
			threshold := pick(l.thresholds(rec.TenantID))
			if now.Sub(rec.StatusChangedAt) < threshold {
				sweepTransitionsTotal.WithLabelValues(string(from), "skipped").Inc()
				continue
			}
			entry, err := l.sweepOne(ctx, rec.TenantID, rec.Number, from, to, now, threshold)
			if err != nil {
				failed++
				sweepTransitionsTotal.WithLabelValues(string(from), "error").Inc()
				l.logger.WarnContext(ctx, "Sweep transition failed", "tenant_id", rec.TenantID, "number", rec.Number, "error", err)
				continue
			}
			if entry != nil {
				moved++
				sweepTransitionsTotal.WithLabelValues(string(from), "moved").Inc()
				l.committed(ctx, entry)
			}
		}
		if len(batch) < l.cfg.BatchSize {
			return moved, failed, nil
		}
		if err := ctx.Err(); err != nil {
			return moved, failed, err
		}
	}
}

// sweepOne re-reads the row inside a transaction so a concurrent change wins.
func (l *Lifecycle) sweepOne(ctx context.Context, tenantID, number string, from, to domain.Status,
	now time.Time, threshold time.Duration) (*domain.AuditEntry, error) {
	var entry *domain.AuditEntry
	err := l.repo.InTx(ctx, func(tx domain.Tx) error {
		cur, err := tx.Get(ctx, tenantID, number)
		if err != nil {
			return err
		}
		if cur.Status != from || now.Sub(cur.StatusChangedAt) < threshold {
			return nil
		}
		entry, err = l.transition(ctx, tx, cur, to, domain.Assignment{}, domain.ReasonSweep, sweepActor)
		return err
	})
	return entry, err
}

// Run sweeps every SweepInterval until ctx is done.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "Starting lifecycle sweep worker", "interval", l.cfg.SweepInterval, "batch_size", l.cfg.BatchSize)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res, err := l.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.ErrorContext(ctx, "Lifecycle sweep failed", "error", err)
				continue
			}
			l.logger.InfoContext(ctx, "Lifecycle sweep finished", "aged", res.Aged, "released", res.Released, "failed", res.Failed)
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "Lifecycle sweep worker stopping", "error", ctx.Err())
			return ctx.Err()
		}
	}
}
