package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedOperatorContextKey = ContextKey("authenticatedOperator")
)

// AuthenticatedOperator is the caller of an operator API request.
type AuthenticatedOperator struct {
	ID string
	// Tenants limits the tenants the operator may act on. Empty means all.
	Tenants []string
}

// CanAccess reports whether the operator may act on tenantID.
func (o AuthenticatedOperator) CanAccess(tenantID string) bool {
	if len(o.Tenants) == 0 {
		return true
	}
	for _, t := range o.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// OperatorFromContext returns the operator AuthMiddleware stored on ctx.
func OperatorFromContext(ctx context.Context) (AuthenticatedOperator, bool) {
	op, ok := ctx.Value(AuthenticatedOperatorContextKey).(AuthenticatedOperator)
	return op, ok
}

// WithOperator returns ctx carrying op.
func WithOperator(ctx context.Context, op AuthenticatedOperator) context.Context {
	return context.WithValue(ctx, AuthenticatedOperatorContextKey, op)
}

var errTokenInvalid = errors.New("invalid or expired token")

// ParseOperatorToken validates an HMAC-signed access token and extracts the operator.
func ParseOperatorToken(tokenString string, secret []byte) (AuthenticatedOperator, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return AuthenticatedOperator{}, errTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthenticatedOperator{}, errTokenInvalid
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return AuthenticatedOperator{}, errTokenInvalid
	}
	op := AuthenticatedOperator{ID: sub}
	if raw, ok := claims["tenants"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok && s != "" {
				op.Tenants = append(op.Tenants, s)
			}
		}
	}
	return op, nil
}

// AuthMiddleware authenticates requests with a Bearer access token.
func AuthMiddleware(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			op, err := ParseOperatorToken(strings.TrimSpace(parts[1]), key)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

// TenantAccessMiddleware rejects requests for a tenant outside the operator's
// tenants claim. tenantParam extracts the tenant id from the request.
func TenantAccessMiddleware(tenantParam func(*http.Request) string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := OperatorFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedOperator not found in context. AuthMiddleware must run first.")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			tenantID := tenantParam(r)
			if !op.CanAccess(tenantID) {
				logger.WarnContext(r.Context(), "Tenant access denied", "operator_id", op.ID, "tenant_id", tenantID)
				http.Error(w, "Forbidden: tenant not permitted for this operator", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
