package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	shellapp "github.com/aradsms/teams_telephony/internal/shell_service/app"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// ShellSourceName is the source name tenants select with SOURCE: shell.
const ShellSourceName = "shell"

// Runner is the part of a shell session the adapters use.
type Runner interface {
	RunCommand(ctx context.Context, cmd shellapp.Command) (string, error)
	LockTarget(target string) func()
}

// Sessions hands out shell sessions for a tenant.
type Sessions interface {
	Certificate(ctx context.Context, tenantID string) (Runner, error)
	Operator(ctx context.Context, tenantID, operatorID string) (Runner, error)
}

// RouterSessions adapts *shellapp.Router to Sessions.
type RouterSessions struct {
	Router *shellapp.Router
}

func (r RouterSessions) Certificate(ctx context.Context, tenantID string) (Runner, error) {
	s, err := r.Router.Certificate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r RouterSessions) Operator(ctx context.Context, tenantID, operatorID string) (Runner, error) {
	s, err := r.Router.Operator(ctx, tenantID, operatorID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// transient reports shell failures that a later attempt may not hit.
func transient(err error) bool {
	return errors.Is(err, shelldomain.ErrCommandTimeout) ||
		errors.Is(err, shelldomain.ErrSessionClosed) ||
		errors.Is(err, shelldomain.ErrProcessCrashed)
}

// ShellSource lists assignments through the tenant's certificate session.
type ShellSource struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewShellSource creates a ShellSource.
func NewShellSource(sessions Sessions, logger *slog.Logger) *ShellSource {
	return &ShellSource{sessions: sessions, logger: logger.With("source", ShellSourceName)}
}

func (s *ShellSource) Name() string { return ShellSourceName }

func (s *ShellSource) SystemTag() string { return domain.SystemTagTeams }

func (s *ShellSource) ListAssignments(ctx context.Context, tenantID string) ([]domain.AuthoritativeAssignment, error) {
	sess, err := s.sessions.Certificate(ctx, tenantID)
	if err != nil {
		if transient(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return nil, err
	}
	payload, err := sess.RunCommand(ctx, shellapp.ListAssignments())
	if err != nil {
		if transient(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return nil, err
	}
	list, err := decodeAssignments([]byte(payload))
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to decode assignment listing", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	s.logger.DebugContext(ctx, "Listed assignments", "tenant_id", tenantID, "count", len(list))
	return list, nil
}

// decodeAssignments accepts an array, a single object or null.
func decodeAssignments(payload []byte) ([]domain.AuthoritativeAssignment, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, nil
	}
	if payload[0] == '{' {
		var one domain.AuthoritativeAssignment
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, fmt.Errorf("decode assignment: %w", err)
		}
		return []domain.AuthoritativeAssignment{one}, nil
	}
	var list []domain.AuthoritativeAssignment
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}
	return list, nil
}

// ShellAssigner changes assignments through the operator's session. Commands
// on the same number are serialized within the session.
type ShellAssigner struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewShellAssigner creates a ShellAssigner.
func NewShellAssigner(sessions Sessions, logger *slog.Logger) *ShellAssigner {
	return &ShellAssigner{sessions: sessions, logger: logger.With("component", "shell_assigner")}
}

func (a *ShellAssigner) Assign(ctx context.Context, tenantID, operatorID, number string, asg domain.Assignment) error {
	return a.run(ctx, tenantID, operatorID, number, shellapp.AssignNumber(asg.Principal, number, asg.RoutingPolicy))
}

func (a *ShellAssigner) Unassign(ctx context.Context, tenantID, operatorID, number, principal string) error {
	return a.run(ctx, tenantID, operatorID, number, shellapp.RemoveNumber(principal, number))
}

func (a *ShellAssigner) run(ctx context.Context, tenantID, operatorID, number string, cmd shellapp.Command) error {
	sess, err := a.sessions.Operator(ctx, tenantID, operatorID)
	if err != nil {
		return err
	}
	unlock := sess.LockTarget(number)
	defer unlock()
	if _, err := sess.RunCommand(ctx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", cmd.Name, number, err)
	}
	a.logger.InfoContext(ctx, "Platform command succeeded", "command", cmd.Name, "tenant_id", tenantID, "operator_id", operatorID, "number", number)
	return nil
}
