package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	invapp "github.com/aradsms/teams_telephony/internal/inventory_service/app"
	invdomain "github.com/aradsms/teams_telephony/internal/inventory_service/domain"
	"github.com/aradsms/teams_telephony/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/teams_telephony/internal/public_api_service/transport/http"
	shellapp "github.com/aradsms/teams_telephony/internal/shell_service/app"
	shelldomain "github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

const testSecret = "test-access-secret"

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) DiffAndCache(ctx context.Context, tenantID string) (*invdomain.DiffRun, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invdomain.DiffRun), args.Error(1)
}

func (m *MockReconciler) Cancel(tenantID string) bool {
	return m.Called(tenantID).Bool(0)
}

func (m *MockReconciler) ApplySelected(ctx context.Context, tenantID string, numbers []string, actor string) (*invdomain.ApplyReport, error) {
	args := m.Called(ctx, tenantID, numbers, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invdomain.ApplyReport), args.Error(1)
}

type MockConsole struct {
	mock.Mock
}

func (m *MockConsole) Connect(ctx context.Context, tenantID, operatorID string) (shelldomain.Snapshot, error) {
	args := m.Called(ctx, tenantID, operatorID)
	return args.Get(0).(shelldomain.Snapshot), args.Error(1)
}

func (m *MockConsole) SubmitCode(ctx context.Context, tenantID, operatorID, code string) (shelldomain.Snapshot, error) {
	args := m.Called(ctx, tenantID, operatorID, code)
	return args.Get(0).(shelldomain.Snapshot), args.Error(1)
}

func (m *MockConsole) Run(ctx context.Context, tenantID, operatorID, text string) (string, error) {
	args := m.Called(ctx, tenantID, operatorID, text)
	return args.String(0), args.Error(1)
}

func (m *MockConsole) State(tenantID, operatorID string) (shelldomain.Snapshot, []string, error) {
	args := m.Called(tenantID, operatorID)
	var lines []string
	if v := args.Get(1); v != nil {
		lines = v.([]string)
	}
	return args.Get(0).(shelldomain.Snapshot), lines, args.Error(2)
}

func (m *MockConsole) Disconnect(tenantID, operatorID string) (bool, error) {
	args := m.Called(tenantID, operatorID)
	return args.Bool(0), args.Error(1)
}

type MockNumbers struct {
	mock.Mock
}

func (m *MockNumbers) record(args mock.Arguments) (*invdomain.InventoryRecord, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*invdomain.InventoryRecord), args.Error(1)
}

func (m *MockNumbers) Assign(ctx context.Context, tenantID, operatorID, number string, a invdomain.Assignment) (*invdomain.InventoryRecord, error) {
	return m.record(m.Called(ctx, tenantID, operatorID, number, a))
}

func (m *MockNumbers) Unassign(ctx context.Context, tenantID, operatorID, number, principal string) (*invdomain.InventoryRecord, error) {
	return m.record(m.Called(ctx, tenantID, operatorID, number, principal))
}

func (m *MockNumbers) BulkAssign(ctx context.Context, tenantID, operatorID string, items []invapp.BulkItem) []invapp.BulkResult {
	return m.Called(ctx, tenantID, operatorID, items).Get(0).([]invapp.BulkResult)
}

func (m *MockNumbers) Reserve(ctx context.Context, tenantID, operatorID, number string) (*invdomain.InventoryRecord, error) {
	return m.record(m.Called(ctx, tenantID, operatorID, number))
}

func (m *MockNumbers) Release(ctx context.Context, tenantID, operatorID, number string) (*invdomain.InventoryRecord, error) {
	return m.record(m.Called(ctx, tenantID, operatorID, number))
}

type testAPI struct {
	reconciler *MockReconciler
	console    *MockConsole
	numbers    *MockNumbers
	handler    http.Handler
}

func newTestAPI() *testAPI {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := &testAPI{reconciler: &MockReconciler{}, console: &MockConsole{}, numbers: &MockNumbers{}}
	api.handler = httptransport.NewRouter(httptransport.RouterDeps{
		Reconciler: api.reconciler,
		Console:    api.console,
		Numbers:    api.numbers,
		Tenants: shellapp.Tenants{
			"contoso":  {ID: "contoso", AuthMode: shelldomain.AuthCertificate, ApplicationID: "app", CertificateThumbprint: "THUMB"},
			"fabrikam": {ID: "fabrikam", AuthMode: shelldomain.AuthInteractive, AccountID: "admin@fabrikam.example"},
		},
		Auth:   middleware.AuthMiddleware(testSecret, logger),
		Logger: logger,
	})
	return api
}

func token(t *testing.T, operator string, tenants ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": operator, "exp": time.Now().Add(time.Hour).Unix()}
	if len(tenants) > 0 {
		claims["tenants"] = tenants
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

// do sends a request as operator-1 unless a token is given.
func (a *testAPI) do(t *testing.T, method, path string, body any, tok ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			raw = string(b)
		}
		rdr = bytes.NewReader([]byte(raw))
	}
	req := httptest.NewRequest(method, path, rdr)
	bearer := token(t, "operator-1")
	if len(tok) > 0 {
		bearer = tok[0]
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}
