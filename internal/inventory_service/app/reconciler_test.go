package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

func reconcileFixture() *memRepo {
	return newMemRepo(
		usedRecord("contoso", "+15551230001", "alice@contoso.example", epoch),
		usedRecord("contoso", "+15551230002", "bob@contoso.example", epoch),
		statusRecord("contoso", "+15551230003", domain.StatusReserved, epoch),
		usedRecord("contoso", "+15551230005", "eve@contoso.example", epoch),
		statusRecord("contoso", "+15551230007", domain.StatusAging, epoch),
		usedRecord("fabrikam", "+15551230002", "mallory@fabrikam.example", epoch),
	)
}

func platformAssignments() []domain.AuthoritativeAssignment {
	return []domain.AuthoritativeAssignment{
		{Number: "tel:+15551230001", Principal: "alice@contoso.example"},
		{Number: "tel:+15551230002", Principal: "carol@contoso.example", DisplayName: "Carol", RoutingPolicy: "Intl"},
		{Number: "tel:+15551230003"},
		{Number: "+1 (555) 123-0004", Principal: "dave@contoso.example"},
		{Number: "tel:+15551230006"},
		{Number: "tel:+15551230007", Principal: "grace@contoso.example"},
		{Number: "not a number", Principal: "nobody@contoso.example"},
		{Number: "+15551230001", Principal: "duplicate@contoso.example"},
	}
}

func newTestReconciler(repo *memRepo, src *MockSource, clk *clock) *Reconciler {
	l := newTestLifecycle(repo, nil, clk, LifecycleConfig{})
	r := NewReconciler(repo, l, []domain.AuthoritativeSource{src}, discardLogger(), ReconcilerConfig{})
	r.now = clk.Now
	r.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	return r
}

func kinds(run *domain.DiffRun) map[string]domain.ChangeKind {
	out := make(map[string]domain.ChangeKind, len(run.Entries))
	for _, e := range run.Entries {
		out[e.Number] = e.Kind
	}
	return out
}

func changedEntries(run *domain.DiffRun) []domain.DiffEntry {
	var out []domain.DiffEntry
	for _, e := range run.Entries {
		if e.Kind != domain.ChangeUnchanged {
			out = append(out, e)
		}
	}
	return out
}

func outcomes(report *domain.ApplyReport) map[string]domain.EntryOutcome {
	out := make(map[string]domain.EntryOutcome, len(report.Results))
	for _, r := range report.Results {
		out[r.Number] = r.Outcome
	}
	return out
}

func TestReconciler_Diff(t *testing.T) {
	src := &MockSource{name: "shell"}
	src.On("ListAssignments", mock.Anything, "contoso").Return(platformAssignments(), nil).Once()
	r := newTestReconciler(reconcileFixture(), src, &clock{t: epoch})

	run, err := r.Diff(context.Background(), "contoso")
	require.NoError(t, err)
	assert.Equal(t, "contoso", run.TenantID)
	assert.Equal(t, "shell", run.Source)
	assert.NotEmpty(t, run.ID)

	assert.Equal(t, map[string]domain.ChangeKind{
		"+15551230001": domain.ChangeUnchanged,
		"+15551230002": domain.ChangeUpdate,
		"+15551230003": domain.ChangeUnchanged,
		"+15551230004": domain.ChangeAdd,
		"+15551230006": domain.ChangeAdd,
		"+15551230007": domain.ChangeUpdate,
	}, kinds(run))
	assert.Equal(t, 4, run.Changes())

	numbers := make([]string, 0, len(run.Entries))
	for _, e := range run.Entries {
		numbers = append(numbers, e.Number)
		assert.Equal(t, e.Kind != domain.ChangeUnchanged, e.Selected, e.Number)
	}
	assert.IsIncreasing(t, numbers)

	update := run.Entries[1]
	require.NotNil(t, update.Local)
	assert.Equal(t, "bob@contoso.example", update.Local.Principal)
	assert.Equal(t, epoch, update.Local.Version)
	assert.Equal(t, domain.Snapshot{Status: domain.StatusUsed, Principal: "carol@contoso.example", DisplayName: "Carol", RoutingPolicy: "Intl"}, update.Authoritative)
	assert.Nil(t, run.Entries[3].Local)
	src.AssertExpectations(t)
}

func TestReconciler_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := reconcileFixture()
	src := &MockSource{name: "shell"}
	src.On("ListAssignments", mock.Anything, "contoso").Return(platformAssignments(), nil)
	clk := &clock{t: epoch.Add(time.Hour)}
	r := newTestReconciler(repo, src, clk)

	run, err := r.Diff(ctx, "contoso")
	require.NoError(t, err)

	report, err := r.Apply(ctx, "contoso", run.Entries, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Applied)
	assert.Equal(t, map[string]domain.EntryOutcome{
		"+15551230001": domain.OutcomeUnchanged,
		"+15551230002": domain.OutcomeApplied,
		"+15551230003": domain.OutcomeUnchanged,
		"+15551230004": domain.OutcomeApplied,
		"+15551230006": domain.OutcomeApplied,
		"+15551230007": domain.OutcomeApplied,
	}, outcomes(report))
	assert.Equal(t, []string{"contoso"}, repo.tenantTxs)

	rec, _ := repo.record("contoso", "+15551230002")
	assert.Equal(t, "carol@contoso.example", rec.AssignedPrincipal.String)
	assert.Equal(t, "Intl", rec.RoutingPolicyName.String)
	rec, _ = repo.record("contoso", "+15551230004")
	assert.Equal(t, domain.StatusUsed, rec.Status)
	rec, _ = repo.record("contoso", "+15551230006")
	assert.Equal(t, domain.StatusAvailable, rec.Status)
	// Reconciliation may take edges the lifecycle hooks cannot.
	rec, _ = repo.record("contoso", "+15551230007")
	assert.Equal(t, domain.StatusUsed, rec.Status)
	// Local-only and other tenants' rows are untouched.
	rec, _ = repo.record("contoso", "+15551230005")
	assert.Equal(t, "eve@contoso.example", rec.AssignedPrincipal.String)
	rec, _ = repo.record("fabrikam", "+15551230002")
	assert.Equal(t, "mallory@fabrikam.example", rec.AssignedPrincipal.String)

	audit := repo.auditLog()
	require.Len(t, audit, 4)
	for _, e := range audit {
		assert.Equal(t, domain.ReasonReconcile, e.Reason)
		assert.Equal(t, "operator-1", e.Actor)
	}

	clk.Advance(time.Minute)
	again, err := r.Apply(ctx, "contoso", run.Entries, "operator-1")
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
	for _, res := range again.Results {
		assert.Equal(t, domain.OutcomeUnchanged, res.Outcome, res.Number)
	}
	assert.Len(t, repo.auditLog(), 4)

	// A fresh diff after apply has nothing left to change.
	run, err = r.Diff(ctx, "contoso")
	require.NoError(t, err)
	assert.Zero(t, run.Changes())
}

func TestReconciler_ApplyConflictsAndFailures(t *testing.T) {
	ctx := context.Background()
	repo := reconcileFixture()
	src := &MockSource{name: "shell"}
	src.On("ListAssignments", mock.Anything, "contoso").Return(platformAssignments(), nil)
	clk := &clock{t: epoch.Add(time.Hour)}
	r := newTestReconciler(repo, src, clk)

	run, err := r.Diff(ctx, "contoso")
	require.NoError(t, err)

	// Changes made after the diff was computed.
	clk.Advance(time.Minute)
	_, err = r.lifecycle.MarkUsed(ctx, "contoso", "+15551230002", domain.Assignment{Principal: "frank@contoso.example"}, "operator-2")
	require.NoError(t, err)
	_, err = r.lifecycle.Reserve(ctx, "contoso", "+15551230004", "operator-2")
	require.NoError(t, err)
	repo.failUpsert = map[string]error{"+15551230006": errors.New("disk full")}

	report, err := r.Apply(ctx, "contoso", changedEntries(run), "operator-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, map[string]domain.EntryOutcome{
		"+15551230002": domain.OutcomeConflict,
		"+15551230004": domain.OutcomeConflict,
		"+15551230006": domain.OutcomeFailed,
		"+15551230007": domain.OutcomeApplied,
	}, outcomes(report))
	for _, res := range report.Results {
		if res.Outcome != domain.OutcomeApplied {
			assert.NotEmpty(t, res.Error, res.Number)
		}
	}

	rec, _ := repo.record("contoso", "+15551230002")
	assert.Equal(t, "frank@contoso.example", rec.AssignedPrincipal.String)
	_, ok := repo.record("contoso", "+15551230006")
	assert.False(t, ok)
}

func TestReconciler_FetchRetries(t *testing.T) {
	t.Run("TransientThenSuccess", func(t *testing.T) {
		src := &MockSource{name: "api"}
		src.On("ListAssignments", mock.Anything, "contoso").
			Return(nil, fmt.Errorf("%w: status 503", domain.ErrSourceUnavailable)).Once()
		src.On("ListAssignments", mock.Anything, "contoso").Return(platformAssignments(), nil).Once()
		r := newTestReconciler(reconcileFixture(), src, &clock{t: epoch})

		run, err := r.Diff(context.Background(), "contoso")
		require.NoError(t, err)
		assert.NotEmpty(t, run.Entries)
		src.AssertNumberOfCalls(t, "ListAssignments", 2)
	})

	t.Run("TransientExhausted", func(t *testing.T) {
		src := &MockSource{name: "api"}
		src.On("ListAssignments", mock.Anything, "contoso").
			Return(nil, fmt.Errorf("%w: status 503", domain.ErrSourceUnavailable))
		r := newTestReconciler(reconcileFixture(), src, &clock{t: epoch})

		_, err := r.Diff(context.Background(), "contoso")
		assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
		src.AssertNumberOfCalls(t, "ListAssignments", 4)
	})

	t.Run("PermanentFailsFast", func(t *testing.T) {
		src := &MockSource{name: "api"}
		src.On("ListAssignments", mock.Anything, "contoso").Return(nil, errors.New("status 403")).Once()
		r := newTestReconciler(reconcileFixture(), src, &clock{t: epoch})

		_, err := r.Diff(context.Background(), "contoso")
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrSourceUnavailable))
		src.AssertNumberOfCalls(t, "ListAssignments", 1)
	})
}

func TestReconciler_SourceSelection(t *testing.T) {
	shell := &MockSource{name: "shell"}
	api := &MockSource{name: "api"}
	api.On("ListAssignments", mock.Anything, "fabrikam").Return([]domain.AuthoritativeAssignment{}, nil).Once()
	repo := reconcileFixture()
	l := newTestLifecycle(repo, nil, &clock{t: epoch}, LifecycleConfig{})
	r := NewReconciler(repo, l, []domain.AuthoritativeSource{shell, api}, discardLogger(), ReconcilerConfig{
		TenantSources: map[string]string{"fabrikam": "api", "northwind": "ldap"},
	})

	run, err := r.Diff(context.Background(), "fabrikam")
	require.NoError(t, err)
	assert.Equal(t, "api", run.Source)
	// The local-only fabrikam row produces no entry.
	assert.Empty(t, run.Entries)

	_, err = r.Diff(context.Background(), "northwind")
	assert.ErrorContains(t, err, `"ldap"`)
	shell.AssertNotCalled(t, "ListAssignments", mock.Anything, mock.Anything)
}

func TestReconciler_NotUsedLocallyMatchesUnassigned(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(
		statusRecord("contoso", "+15551230003", domain.StatusReserved, epoch),
		statusRecord("contoso", "+15551230007", domain.StatusAging, epoch),
		statusRecord("contoso", "+15551230008", domain.StatusAvailable, epoch),
	)
	src := &MockSource{name: "shell", tag: domain.SystemTagTeams}
	src.On("ListAssignments", mock.Anything, "contoso").Return([]domain.AuthoritativeAssignment{
		{Number: "tel:+15551230003"},
		{Number: "tel:+15551230007"},
		{Number: "tel:+15551230008"},
	}, nil)
	r := newTestReconciler(repo, src, &clock{t: epoch.Add(time.Hour)})

	run, err := r.Diff(ctx, "contoso")
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.ChangeKind{
		"+15551230003": domain.ChangeUnchanged,
		"+15551230007": domain.ChangeUnchanged,
		"+15551230008": domain.ChangeUnchanged,
	}, kinds(run))
	assert.Zero(t, run.Changes())
	for _, e := range run.Entries {
		assert.Equal(t, domain.StatusAvailable, e.Authoritative.Status)
		assert.Empty(t, e.Authoritative.ExternalSystem, e.Number)
	}

	// Forcing the entries through apply leaves the local lifecycle alone.
	report, err := r.Apply(ctx, "contoso", run.Entries, "operator-1")
	require.NoError(t, err)
	assert.Zero(t, report.Applied)
	for _, res := range report.Results {
		assert.Equal(t, domain.OutcomeUnchanged, res.Outcome, res.Number)
	}
	reserved, _ := repo.record("contoso", "+15551230003")
	assert.Equal(t, domain.StatusReserved, reserved.Status)
	assert.Equal(t, epoch, reserved.StatusChangedAt)
	aging, _ := repo.record("contoso", "+15551230007")
	assert.Equal(t, domain.StatusAging, aging.Status)
	assert.Empty(t, repo.auditLog())
}

func TestReconciler_RecordsSourceSystemTag(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo(
		usedRecord("contoso", "+15551230001", "alice@contoso.example", epoch),
		usedRecord("contoso", "+15551230005", "eve@contoso.example", epoch),
	)
	src := &MockSource{name: "shell", tag: domain.SystemTagTeams}
	src.On("ListAssignments", mock.Anything, "contoso").Return([]domain.AuthoritativeAssignment{
		{Number: "tel:+15551230001", Principal: "alice@contoso.example"},
		{Number: "tel:+15551230004", Principal: "dave@contoso.example"},
		{Number: "tel:+15551230005"},
	}, nil)
	r := newTestReconciler(repo, src, &clock{t: epoch.Add(time.Hour)})

	run, err := r.Diff(ctx, "contoso")
	require.NoError(t, err)
	// An untagged local row differs from the tagged platform view.
	assert.Equal(t, map[string]domain.ChangeKind{
		"+15551230001": domain.ChangeUpdate,
		"+15551230004": domain.ChangeAdd,
		"+15551230005": domain.ChangeUpdate,
	}, kinds(run))
	assert.Equal(t, "teams", run.Entries[0].Authoritative.ExternalSystem)
	assert.Empty(t, run.Entries[0].Local.ExternalSystem)

	report, err := r.Apply(ctx, "contoso", run.Entries, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)

	alice, _ := repo.record("contoso", "+15551230001")
	assert.Equal(t, "teams", alice.ExternalSystemTag.String)
	dave, _ := repo.record("contoso", "+15551230004")
	assert.Equal(t, domain.StatusUsed, dave.Status)
	assert.Equal(t, "teams", dave.ExternalSystemTag.String)
	eve, _ := repo.record("contoso", "+15551230005")
	assert.Equal(t, domain.StatusAvailable, eve.Status)
	assert.False(t, eve.ExternalSystemTag.Valid)

	rerun, err := r.Diff(ctx, "contoso")
	require.NoError(t, err)
	assert.Zero(t, rerun.Changes())
}

func TestReconciler_PendingRuns(t *testing.T) {
	ctx := context.Background()
	repo := reconcileFixture()
	src := &MockSource{name: "shell"}
	src.On("ListAssignments", mock.Anything, "contoso").Return(platformAssignments(), nil)
	clk := &clock{t: epoch.Add(time.Hour)}
	r := newTestReconciler(repo, src, clk)

	_, err := r.Pending("contoso")
	assert.ErrorIs(t, err, domain.ErrNoPendingDiff)

	t.Run("ExpiresAfterTTL", func(t *testing.T) {
		_, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)
		clk.Advance(29 * time.Minute)
		_, err = r.Pending("contoso")
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)
		_, err = r.Pending("contoso")
		assert.ErrorIs(t, err, domain.ErrNoPendingDiff)
		_, err = r.ApplySelected(ctx, "contoso", nil, "operator-1")
		assert.ErrorIs(t, err, domain.ErrNoPendingDiff)
	})

	t.Run("Cancel", func(t *testing.T) {
		_, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)
		assert.True(t, r.Cancel("contoso"))
		assert.False(t, r.Cancel("contoso"))
	})

	t.Run("NewerDiffSupersedes", func(t *testing.T) {
		first, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)
		second, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)
		pending, err := r.Pending("contoso")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, pending.ID)
		assert.Equal(t, second.ID, pending.ID)
		r.Cancel("contoso")
	})

	t.Run("ApplySelectedNumbers", func(t *testing.T) {
		_, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)

		report, err := r.ApplySelected(ctx, "contoso", []string{"+1 555 123 0002", "tel:+15551230002", "+15559990000", "bogus"}, "operator-1")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Applied)
		assert.Equal(t, map[string]domain.EntryOutcome{
			"+15551230002": domain.OutcomeApplied,
			"+15559990000": domain.OutcomeFailed,
			"bogus":        domain.OutcomeFailed,
		}, outcomes(report))

		rec, _ := repo.record("contoso", "+15551230004")
		assert.Equal(t, domain.Status(""), rec.Status, "unselected add was not applied")

		_, err = r.Pending("contoso")
		assert.ErrorIs(t, err, domain.ErrNoPendingDiff)
	})

	t.Run("ApplySelectedDefaultsToSelectedEntries", func(t *testing.T) {
		_, err := r.DiffAndCache(ctx, "contoso")
		require.NoError(t, err)

		report, err := r.ApplySelected(ctx, "contoso", nil, "operator-1")
		require.NoError(t, err)
		assert.Equal(t, 3, report.Applied)
		assert.Len(t, report.Results, 3)
	})
}
