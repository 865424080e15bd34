package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devflow-io/devflow/internal/store"
)

type stubChecker struct {
	name     string
	critical bool
	result   Result
}

func (c stubChecker) Name() string                 { return c.name }
func (c stubChecker) Critical() bool               { return c.critical }
func (c stubChecker) Check(context.Context) Result { return c.result }

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(stubChecker{name: "db", critical: true, result: Result{Status: StatusUnhealthy, Message: "down"}})
	m.Register(stubChecker{name: "disk", critical: false, result: Result{Status: StatusHealthy}})
	m.RunChecks(context.Background())

	status, results := m.Overall()
	require.Equal(t, StatusUnhealthy, status)
	require.Len(t, results, 2)
	require.False(t, m.Ready())
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(stubChecker{name: "db", critical: true, result: Result{Status: StatusHealthy}})
	m.Register(stubChecker{name: "disk", critical: false, result: Result{Status: StatusUnhealthy}})
	m.RunChecks(context.Background())

	status, _ := m.Overall()
	require.Equal(t, StatusDegraded, status)
	require.True(t, m.Ready())
}

func TestNotReadyBeforeFirstPass(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(stubChecker{name: "db", critical: true, result: Result{Status: StatusHealthy}})
	require.False(t, m.Ready())
	m.RunChecks(context.Background())
	require.True(t, m.Ready())
}

func TestStoreCheckerAgainstRealStore(t *testing.T) {
	s, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "devflow.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m := NewManager(zaptest.NewLogger(t))
	m.Register(NewStoreChecker(s))
	m.Register(NewDataDirChecker(t.TempDir()))
	m.RunChecks(context.Background())

	status, _ := m.Overall()
	require.Equal(t, StatusHealthy, status)
	require.True(t, m.Ready())
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Register(stubChecker{name: "db", critical: true, result: Result{Status: StatusHealthy}})
	m.RunChecks(context.Background())

	mux := http.NewServeMux()
	NewHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
