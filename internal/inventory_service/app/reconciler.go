package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

// ReconcilerConfig configures the Reconciler.
type ReconcilerConfig struct {
	DiffTTL time.Duration `mapstructure:"DIFF_TTL"`
	// DefaultSource names the source used by tenants without an entry in TenantSources.
	DefaultSource string
	TenantSources map[string]string
	// FetchMaxElapsed bounds retries of a transient fetch failure.
	FetchMaxElapsed time.Duration
}

// Reconciler diffs the platform's assignments against the local inventory and
// applies approved differences.
type Reconciler struct {
	repo       domain.InventoryRepository
	lifecycle  *Lifecycle
	sources    map[string]domain.AuthoritativeSource
	cfg        ReconcilerConfig
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runsMu sync.Mutex
	runs   map[string]*domain.DiffRun
}

// NewReconciler creates a Reconciler over the named sources.
func NewReconciler(repo domain.InventoryRepository, lifecycle *Lifecycle, sources []domain.AuthoritativeSource,
	logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.DiffTTL <= 0 {
		cfg.DiffTTL = 30 * time.Minute
	}
	if cfg.FetchMaxElapsed <= 0 {
		cfg.FetchMaxElapsed = 2 * time.Minute
	}
	bySource := make(map[string]domain.AuthoritativeSource, len(sources))
	for _, s := range sources {
		bySource[s.Name()] = s
	}
	if cfg.DefaultSource == "" && len(sources) > 0 {
		cfg.DefaultSource = sources[0].Name()
	}
	r := &Reconciler{
		repo:      repo,
		lifecycle: lifecycle,
		sources:   bySource,
		cfg:       cfg,
		logger:    logger.With("component", "reconciler"),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		runs:      make(map[string]*domain.DiffRun),
	}
	r.newBackOff = func() backoff.BackOff {
		// BackOff values are stateful; build one per fetch.
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = r.cfg.FetchMaxElapsed
		return bo
	}
	return r
}

func (r *Reconciler) sourceFor(tenantID string) (domain.AuthoritativeSource, error) {
	name := r.cfg.DefaultSource
	if n, ok := r.cfg.TenantSources[tenantID]; ok && n != "" {
		name = n
	}
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("no authoritative source %q configured for tenant %s", name, tenantID)
	}
	return src, nil
}

func (r *Reconciler) fetch(ctx context.Context, src domain.AuthoritativeSource, tenantID string) ([]domain.AuthoritativeAssignment, error) {
	var out []domain.AuthoritativeAssignment
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		list, err := src.ListAssignments(ctx, tenantID)
		if err == nil {
			out = list
			return nil
		}
		if errors.Is(err, domain.ErrSourceUnavailable) {
			r.logger.WarnContext(ctx, "Authoritative fetch failed, retrying", "tenant_id", tenantID, "source", src.Name(), "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(r.newBackOff(), ctx))
	return out, err
}

// Diff compares the authoritative assignments of tenantID with its local rows.
// Local-only rows produce no entries.
func (r *Reconciler) Diff(ctx context.Context, tenantID string) (*domain.DiffRun, error) {
	src, err := r.sourceFor(tenantID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { diffDurationHist.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds()) }()

	remote, err := r.fetch(ctx, src, tenantID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to fetch authoritative assignments", "tenant_id", tenantID, "source", src.Name(), "error", err)
		return nil, fmt.Errorf("fetching assignments for %s: %w", tenantID, err)
	}
	local, err := r.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[string]*domain.InventoryRecord, len(local))
	for i := range local {
		byNumber[local[i].Number] = &local[i]
	}

	desired := make(map[string]domain.Snapshot, len(remote))
	for _, a := range remote {
		number, err := domain.Normalize(a.Number)
		if err != nil {
			r.logger.WarnContext(ctx, "Skipping authoritative entry with invalid number", "tenant_id", tenantID, "raw", a.Number, "error", err)
			continue
		}
		if _, dup := desired[number]; dup {
			r.logger.WarnContext(ctx, "Duplicate authoritative number, keeping first", "tenant_id", tenantID, "number", number)
			continue
		}
		desired[number] = authoritativeSnapshot(a, src.SystemTag())
	}

	numbers := make([]string, 0, len(desired))
	for n := range desired {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)

	run := &domain.DiffRun{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Source:    src.Name(),
		CreatedAt: r.now().UTC(),
		Entries:   make([]domain.DiffEntry, 0, len(numbers)),
	}
	for _, n := range numbers {
		want := desired[n]
		e := domain.DiffEntry{Number: n, Authoritative: want}
		if rec, ok := byNumber[n]; ok {
			snap := rec.Snapshot()
			e.Local = &snap
			if matches(rec, want) {
				e.Kind = domain.ChangeUnchanged
			} else {
				e.Kind = domain.ChangeUpdate
			}
		} else {
			e.Kind = domain.ChangeAdd
		}
		e.Selected = e.Kind != domain.ChangeUnchanged
		run.Entries = append(run.Entries, e)
	}
	r.logger.InfoContext(ctx, "Reconciliation diff computed", "tenant_id", tenantID, "source", src.Name(),
		"authoritative", len(desired), "local", len(local), "changes", run.Changes())
	return run, nil
}

func authoritativeSnapshot(a domain.AuthoritativeAssignment, tag string) domain.Snapshot {
	s := domain.Snapshot{
		Principal:     strings.TrimSpace(a.Principal),
		DisplayName:   strings.TrimSpace(a.DisplayName),
		RoutingPolicy: strings.TrimSpace(a.RoutingPolicy),
		Status:        domain.StatusAvailable,
	}
	if s.Principal != "" {
		s.Status = domain.StatusUsed
		s.ExternalSystem = strings.TrimSpace(tag)
	} else {
		s.DisplayName, s.RoutingPolicy = "", ""
	}
	return s
}

// matches compares a local row with an authoritative snapshot. Reserved and
// aging rows count as not used, so an unassigned number that is reserved
// locally is not reported. An untagged snapshot accepts any local tag.
func matches(rec *domain.InventoryRecord, want domain.Snapshot) bool {
	if want.Status != domain.StatusUsed {
		return rec.Status != domain.StatusUsed && !rec.AssignedPrincipal.Valid
	}
	return rec.Status == domain.StatusUsed &&
		rec.AssignedPrincipal.String == want.Principal &&
		rec.AssignedDisplayName.String == want.DisplayName &&
		rec.RoutingPolicyName.String == want.RoutingPolicy &&
		(want.ExternalSystem == "" || rec.ExternalSystemTag.String == want.ExternalSystem)
}

func (r *Reconciler) tenantLock(tenantID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[tenantID] = mu
	}
	return mu
}

// Apply writes entries in one transaction per tenant. Each entry runs in its
// own savepoint, so one failure does not skip the others. Applying the same
// entries twice changes nothing the second time.
func (r *Reconciler) Apply(ctx context.Context, tenantID string, entries []domain.DiffEntry, actor string) (*domain.ApplyReport, error) {
	mu := r.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	var (
		report  *domain.ApplyReport
		written []*domain.AuditEntry
	)
	err := r.repo.InTenantTx(ctx, tenantID, func(tx domain.Tx) error {
		report = &domain.ApplyReport{TenantID: tenantID, Results: make([]domain.EntryResult, 0, len(entries))}
		written = written[:0]
		for _, e := range entries {
			var entry *domain.AuditEntry
			outcome := domain.OutcomeApplied
			err := tx.Savepoint(ctx, func(s domain.Store) error {
				var err error
				outcome, entry, err = r.applyOne(ctx, s, tenantID, e, actor)
				return err
			})
			res := domain.EntryResult{Number: e.Number, Outcome: outcome}
			switch {
			case errors.Is(err, domain.ErrReconciliationConflict):
				res.Outcome = domain.OutcomeConflict
				res.Error = err.Error()
			case err != nil:
				res.Outcome = domain.OutcomeFailed
				res.Error = err.Error()
				r.logger.WarnContext(ctx, "Reconcile entry failed", "tenant_id", tenantID, "number", e.Number, "error", err)
			case outcome == domain.OutcomeApplied:
				report.Applied++
				written = append(written, entry)
			}
			report.Results = append(report.Results, res)
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Reconcile apply failed", "tenant_id", tenantID, "error", err)
		return nil, fmt.Errorf("applying diff for %s: %w", tenantID, err)
	}
	for _, res := range report.Results {
		applyEntriesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	r.lifecycle.committed(ctx, written...)
	r.logger.InfoContext(ctx, "Reconcile apply finished", "tenant_id", tenantID, "entries", len(entries), "applied", report.Applied, "actor", actor)
	return report, nil
}

func (r *Reconciler) applyOne(ctx context.Context, s domain.Store, tenantID string, e domain.DiffEntry,
	actor string) (domain.EntryOutcome, *domain.AuditEntry, error) {
	number, err := domain.Normalize(e.Number)
	if err != nil {
		return domain.OutcomeFailed, nil, err
	}
	cur, err := s.Get(ctx, tenantID, number)
	missing := errors.Is(err, domain.ErrNotFound)
	if err != nil && !missing {
		return domain.OutcomeFailed, nil, err
	}

	// Already equal wins over a stale version, which keeps apply idempotent.
	if !missing && matches(cur, e.Authoritative) {
		return domain.OutcomeUnchanged, nil, nil
	}
	switch {
	case e.Local == nil && !missing:
		return domain.OutcomeConflict, nil, fmt.Errorf("%w: %s was created after the diff", domain.ErrReconciliationConflict, number)
	case e.Local != nil && missing:
		return domain.OutcomeConflict, nil, fmt.Errorf("%w: %s was deleted after the diff", domain.ErrReconciliationConflict, number)
	case e.Local != nil && !cur.UpdatedAt.Equal(e.Local.Version):
		return domain.OutcomeConflict, nil, fmt.Errorf("%w: %s was modified at %s", domain.ErrReconciliationConflict, number, cur.UpdatedAt.Format(time.RFC3339Nano))
	}
	if missing {
		cur = domain.NewRecord(tenantID, number)
	}

	entry, err := r.lifecycle.transition(ctx, s, cur, e.Authoritative.Status, e.Authoritative.Assignment(), domain.ReasonReconcile, actor)
	if err != nil {
		return domain.OutcomeFailed, nil, err
	}
	if entry == nil {
		return domain.OutcomeUnchanged, nil, nil
	}
	return domain.OutcomeApplied, entry, nil
}

// DiffAndCache computes a diff and keeps it as the tenant's pending run,
// replacing any earlier one.
func (r *Reconciler) DiffAndCache(ctx context.Context, tenantID string) (*domain.DiffRun, error) {
	run, err := r.Diff(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.runsMu.Lock()
	r.runs[tenantID] = run
	r.runsMu.Unlock()
	return run, nil
}

// Pending returns the tenant's cached run if it has not expired.
func (r *Reconciler) Pending(tenantID string) (*domain.DiffRun, error) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	run, ok := r.runs[tenantID]
	if !ok {
		return nil, domain.ErrNoPendingDiff
	}
	if r.now().Sub(run.CreatedAt) > r.cfg.DiffTTL {
		delete(r.runs, tenantID)
		return nil, fmt.Errorf("%w: diff %s expired", domain.ErrNoPendingDiff, run.ID)
	}
	return run, nil
}

// ApplySelected applies entries of the cached run. With no numbers the
// entries selected in the run are applied; otherwise exactly the listed
// numbers are. The run is discarded afterwards.
func (r *Reconciler) ApplySelected(ctx context.Context, tenantID string, numbers []string, actor string) (*domain.ApplyReport, error) {
	run, err := r.Pending(tenantID)
	if err != nil {
		return nil, err
	}

	var (
		entries []domain.DiffEntry
		unknown []domain.EntryResult
	)
	if len(numbers) == 0 {
		for _, e := range run.Entries {
			if e.Selected {
				entries = append(entries, e)
			}
		}
	} else {
		index := make(map[string]domain.DiffEntry, len(run.Entries))
		for _, e := range run.Entries {
			index[e.Number] = e
		}
		seen := make(map[string]bool, len(numbers))
		for _, raw := range numbers {
			n, err := domain.Normalize(raw)
			if err != nil {
				unknown = append(unknown, domain.EntryResult{Number: raw, Outcome: domain.OutcomeFailed, Error: err.Error()})
				continue
			}
			if seen[n] {
				continue
			}
			seen[n] = true
			e, ok := index[n]
			if !ok {
				unknown = append(unknown, domain.EntryResult{Number: n, Outcome: domain.OutcomeFailed, Error: "number is not part of the pending diff"})
				continue
			}
			e.Selected = true
			entries = append(entries, e)
		}
	}

	report, err := r.Apply(ctx, tenantID, entries, actor)
	if err != nil {
		return nil, err
	}
	report.Results = append(report.Results, unknown...)
	r.discard(tenantID, run.ID)
	return report, nil
}

// Cancel discards the tenant's cached run.
func (r *Reconciler) Cancel(tenantID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if _, ok := r.runs[tenantID]; !ok {
		return false
	}
	delete(r.runs, tenantID)
	return true
}

// discard drops the run only if it was not superseded meanwhile.
func (r *Reconciler) discard(tenantID, runID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if run, ok := r.runs[tenantID]; ok && run.ID == runID {
		delete(r.runs, tenantID)
	}
}
