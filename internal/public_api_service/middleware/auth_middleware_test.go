package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-access-secret"

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var got AuthenticatedOperator
	h := AuthMiddleware(testSecret, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFromContext(r.Context())
		require.True(t, ok)
		got = op
		w.WriteHeader(http.StatusNoContent)
	}))

	valid := signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{
		"sub":     "operator-1",
		"tenants": []string{"contoso", "fabrikam"},
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"Valid", "Bearer " + valid, http.StatusNoContent},
		{"Missing", "", http.StatusUnauthorized},
		{"WrongScheme", "ApiKey " + valid, http.StatusUnauthorized},
		{"NoToken", "Bearer", http.StatusUnauthorized},
		{"WrongSecret", "Bearer " + signToken(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"sub": "operator-1"}), http.StatusUnauthorized},
		{"Expired", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"sub": "operator-1", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"NoSubject", "Bearer " + signToken(t, jwt.SigningMethodHS256, testSecret, jwt.MapClaims{"tenants": []string{"contoso"}}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = AuthenticatedOperator{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, "operator-1", got.ID)
				assert.Equal(t, []string{"contoso", "fabrikam"}, got.Tenants)
			}
		})
	}
}

func TestTenantAccessMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := TenantAccessMiddleware(func(r *http.Request) string { return r.URL.Query().Get("tenant") }, logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	call := func(op *AuthenticatedOperator, tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/?tenant="+tenant, nil)
		if op != nil {
			req = req.WithContext(WithOperator(req.Context(), *op))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	restricted := &AuthenticatedOperator{ID: "operator-1", Tenants: []string{"contoso"}}
	assert.Equal(t, http.StatusOK, call(restricted, "contoso"))
	assert.Equal(t, http.StatusForbidden, call(restricted, "fabrikam"))
	assert.Equal(t, http.StatusOK, call(&AuthenticatedOperator{ID: "admin"}, "fabrikam"))
	assert.Equal(t, http.StatusInternalServerError, call(nil, "contoso"))
}
