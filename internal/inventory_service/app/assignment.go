package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
)

// Assigner changes number assignments on the platform on behalf of an operator.
type Assigner interface {
	Assign(ctx context.Context, tenantID, operatorID, number string, a domain.Assignment) error
	Unassign(ctx context.Context, tenantID, operatorID, number, principal string) error
}

// AssignmentConfig configures the AssignmentService.
type AssignmentConfig struct {
	BulkFanOut int `mapstructure:"BULK_FAN_OUT"`
}

// BulkItem is one row of a bulk assignment.
type BulkItem struct {
	Number        string `json:"number" validate:"required"`
	Principal     string `json:"principal" validate:"required"`
	DisplayName   string `json:"display_name"`
	RoutingPolicy string `json:"routing_policy"`
}

// BulkResult is the outcome of one BulkItem.
type BulkResult struct {
	Number string `json:"number"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	// Err keeps the typed error for callers; it is not serialized.
	Err error `json:"-"`
}

// AssignmentService runs operator assignment flows: the platform change first,
// then the synchronous lifecycle hook.
type AssignmentService struct {
	assigner  Assigner
	lifecycle *Lifecycle
	repo      domain.InventoryRepository
	cfg       AssignmentConfig
	logger    *slog.Logger
}

// NewAssignmentService creates an AssignmentService.
func NewAssignmentService(assigner Assigner, lifecycle *Lifecycle, repo domain.InventoryRepository,
	logger *slog.Logger, cfg AssignmentConfig) *AssignmentService {
	if cfg.BulkFanOut <= 0 {
		cfg.BulkFanOut = 5
	}
	return &AssignmentService{
		assigner:  assigner,
		lifecycle: lifecycle,
		repo:      repo,
		cfg:       cfg,
		logger:    logger.With("component", "assignment_service"),
	}
}

func (s *AssignmentService) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	assignmentOpsTotal.WithLabelValues(op, outcome).Inc()
}

// Assign assigns number to principal on the platform and records it as used.
// A number that is reserved or aging locally is refused before any platform call.
func (s *AssignmentService) Assign(ctx context.Context, tenantID, operatorID, rawNumber string, a domain.Assignment) (rec *domain.InventoryRecord, err error) {
	defer func() { s.observe("assign", err) }()

	number, err := domain.Normalize(rawNumber)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.Principal) == "" {
		return nil, fmt.Errorf("%w: principal is required to assign %s", domain.ErrInvalidTransition, number)
	}
	cur, err := s.repo.Get(ctx, tenantID, number)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return nil, err
	case !domain.CanTransition(cur.Status, domain.StatusUsed):
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, number, cur.Status)
	}

	if err := s.assigner.Assign(ctx, tenantID, operatorID, number, a); err != nil {
		s.logger.WarnContext(ctx, "Platform assignment failed", "tenant_id", tenantID, "number", number, "operator_id", operatorID, "error", err)
		return nil, err
	}
	if a.ExternalSystem == "" {
		a.ExternalSystem = domain.SystemTagTeams
	}
	rec, err = s.lifecycle.MarkUsed(ctx, tenantID, number, a, operatorID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Number assigned on platform but inventory update failed", "tenant_id", tenantID, "number", number, "error", err)
		return nil, err
	}
	return rec, nil
}

// Unassign removes number from its principal and records it as available.
// principal may be empty when the inventory row knows it.
func (s *AssignmentService) Unassign(ctx context.Context, tenantID, operatorID, rawNumber, principal string) (rec *domain.InventoryRecord, err error) {
	defer func() { s.observe("unassign", err) }()

	number, err := domain.Normalize(rawNumber)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(principal) == "" {
		cur, err := s.repo.Get(ctx, tenantID, number)
		if err != nil {
			return nil, err
		}
		if !cur.AssignedPrincipal.Valid {
			return nil, fmt.Errorf("%w: %s has no principal to remove", domain.ErrInvalidTransition, number)
		}
		principal = cur.AssignedPrincipal.String
	}

	if err := s.assigner.Unassign(ctx, tenantID, operatorID, number, principal); err != nil {
		s.logger.WarnContext(ctx, "Platform removal failed", "tenant_id", tenantID, "number", number, "operator_id", operatorID, "error", err)
		return nil, err
	}
	return s.lifecycle.MarkAvailable(ctx, tenantID, number, operatorID)
}

// BulkAssign assigns every item through the operator's session with bounded
// fan-out. One failing item does not stop the others.
func (s *AssignmentService) BulkAssign(ctx context.Context, tenantID, operatorID string, items []BulkItem) []BulkResult {
	results := make([]BulkResult, len(items))
	var g errgroup.Group
	g.SetLimit(s.cfg.BulkFanOut)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res := BulkResult{Number: item.Number}
			if n, err := domain.Normalize(item.Number); err == nil {
				res.Number = n
			}
			_, err := s.Assign(ctx, tenantID, operatorID, item.Number, domain.Assignment{
				Principal:     item.Principal,
				DisplayName:   item.DisplayName,
				RoutingPolicy: item.RoutingPolicy,
			})
			if err != nil {
				res.Err = err
				res.Error = err.Error()
			} else {
				res.OK = true
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	s.logger.InfoContext(ctx, "Bulk assignment finished", "tenant_id", tenantID, "operator_id", operatorID, "items", len(items), "failed", failed)
	return results
}

// Reserve holds a number locally; no platform call is made.
func (s *AssignmentService) Reserve(ctx context.Context, tenantID, operatorID, rawNumber string) (rec *domain.InventoryRecord, err error) {
	defer func() { s.observe("reserve", err) }()
	number, err := domain.Normalize(rawNumber)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Reserve(ctx, tenantID, number, operatorID)
}

// Release frees a reserved number locally.
func (s *AssignmentService) Release(ctx context.Context, tenantID, operatorID, rawNumber string) (rec *domain.InventoryRecord, err error) {
	defer func() { s.observe("release", err) }()
	number, err := domain.Normalize(rawNumber)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.Release(ctx, tenantID, number, operatorID)
}
