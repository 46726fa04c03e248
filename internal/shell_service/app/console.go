package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// Console is the operator-facing view of the session layer: connect, answer a
// code prompt, type commands, and disconnect.
type Console struct {
	router *Router
	logger *slog.Logger
}

// NewConsole creates a Console over router.
func NewConsole(router *Router, logger *slog.Logger) *Console {
	return &Console{router: router, logger: logger.With("component", "console")}
}

// Connect opens (or joins) the operator's session and waits until it has
// either connected or stopped at a code prompt.
func (c *Console) Connect(ctx context.Context, tenantID, operatorID string) (domain.Snapshot, error) {
	s, err := c.router.Operator(ctx, tenantID, operatorID)
	if s != nil && (err == nil || errors.Is(err, domain.ErrMultiFactorRequired)) {
		return s.Snapshot(), nil
	}
	return domain.Snapshot{}, err
}

// SubmitCode answers the code prompt of the operator's session.
func (c *Console) SubmitCode(ctx context.Context, tenantID, operatorID, code string) (domain.Snapshot, error) {
	s, err := c.router.Existing(tenantID, operatorID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	err = s.SubmitCode(ctx, code)
	if err != nil {
		c.logger.WarnContext(ctx, "Multi-factor code not accepted", "tenant_id", tenantID, "operator_id", operatorID, "error", SafeMessage(err))
	}
	return s.Snapshot(), err
}

// Run executes operator text in the session and returns its output as text.
func (c *Console) Run(ctx context.Context, tenantID, operatorID, text string) (string, error) {
	s, err := c.router.Operator(ctx, tenantID, operatorID)
	if err != nil {
		return "", err
	}
	payload, err := s.RunCommand(ctx, Operator(text))
	if err != nil {
		return "", err
	}
	return DecodeRaw(payload)
}

// State returns the operator's live session and its recent output.
func (c *Console) State(tenantID, operatorID string) (domain.Snapshot, []string, error) {
	s, err := c.router.Existing(tenantID, operatorID)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	return s.Snapshot(), s.Scrollback(), nil
}

// Disconnect closes the operator's session.
func (c *Console) Disconnect(tenantID, operatorID string) (bool, error) {
	return c.router.Close(tenantID, operatorID)
}
