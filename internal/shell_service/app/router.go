package app

import (
	"context"
	"fmt"

	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

// Tenants maps tenant id to its session configuration.
type Tenants map[string]domain.Tenant

// Lookup returns the tenant or ErrUnknownTenant.
func (t Tenants) Lookup(id string) (domain.Tenant, error) {
	tenant, ok := t[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("%w: %s", domain.ErrUnknownTenant, id)
	}
	return tenant, nil
}

// Router picks the session a caller must use for a tenant. Background work
// goes through Certificate; operator actions go through Operator.
type Router struct {
	registry *Registry
	tenants  Tenants
}

// NewRouter creates a Router over registry.
func NewRouter(registry *Registry, tenants Tenants) *Router {
	return &Router{registry: registry, tenants: tenants}
}

// Tenants exposes the tenant directory.
func (r *Router) Tenants() Tenants { return r.tenants }

// Certificate returns a connected certificate-path session for the tenant.
// It never starts an interactive session.
func (r *Router) Certificate(ctx context.Context, tenantID string) (*Session, error) {
	t, err := r.tenants.Lookup(tenantID)
	if err != nil {
		return nil, err
	}
	if !t.HasCertificate() {
		return nil, fmt.Errorf("%w: %s", domain.ErrCertificateUnavailable, tenantID)
	}
	s, _ := r.registry.GetOrCreate(t, domain.CertificateOperator, domain.AuthCertificate)
	st, err := s.Await(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Ready() {
		return nil, &domain.StateError{Op: "certificate session", State: st}
	}
	return s, nil
}

// Operator returns the session an operator works through: the shared
// certificate session for certificate-mode tenants, the operator's own
// interactive session otherwise. When that session awaits a code, the
// session is returned together with ErrMultiFactorRequired.
func (r *Router) Operator(ctx context.Context, tenantID, operatorID string) (*Session, error) {
	t, err := r.tenants.Lookup(tenantID)
	if err != nil {
		return nil, err
	}
	if t.AuthMode == domain.AuthCertificate {
		return r.Certificate(ctx, tenantID)
	}
	s, _ := r.registry.GetOrCreate(t, operatorID, domain.AuthInteractive)
	st, err := s.Await(ctx)
	if err != nil {
		return nil, err
	}
	if st == domain.StateAwaitingCode {
		return s, domain.ErrMultiFactorRequired
	}
	return s, nil
}

// Existing returns the operator's session without creating one.
func (r *Router) Existing(tenantID, operatorID string) (*Session, error) {
	t, err := r.tenants.Lookup(tenantID)
	if err != nil {
		return nil, err
	}
	s, ok := r.registry.Get(r.keyFor(t, operatorID))
	if !ok {
		return nil, domain.ErrSessionClosed
	}
	return s, nil
}

// Close closes the operator's session for the tenant.
func (r *Router) Close(tenantID, operatorID string) (bool, error) {
	t, err := r.tenants.Lookup(tenantID)
	if err != nil {
		return false, err
	}
	return r.registry.Close(r.keyFor(t, operatorID), "closed by operator"), nil
}

func (r *Router) keyFor(t domain.Tenant, operatorID string) domain.SessionKey {
	if t.AuthMode == domain.AuthCertificate {
		return domain.SessionKey{TenantID: t.ID, OperatorID: domain.CertificateOperator}
	}
	return domain.SessionKey{TenantID: t.ID, OperatorID: operatorID}
}
