package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Message: name}
	})
}

func TestManagerAggregation(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("a", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("b", false, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
	assert.False(t, overall.Degraded)

	detailed := m.GetDetailedHealth(context.Background())
	assert.Equal(t, 2, detailed.Summary.Total)
	assert.Equal(t, 2, detailed.Summary.Healthy)
	assert.Equal(t, 1, detailed.Summary.Critical)
	assert.Equal(t, 1, detailed.Summary.NonCritical)
	assert.Len(t, detailed.Components, 2)
	assert.True(t, detailed.Components["a"].Critical)
}

func TestCriticalFailureMakesUnready(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("db", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("cache", false, StatusHealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live, "a failing dependency does not mean the process is dead")
	assert.False(t, m.IsReady(context.Background()))
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("db", true, StatusHealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("cache", false, StatusUnhealthy)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Degraded)
}

func TestDegradedComponentDegradesOverall(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("db", true, StatusDegraded)))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestRegisterDuplicateChecker(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("dup", true, StatusHealthy)))
	err := m.RegisterChecker(staticChecker("dup", true, StatusHealthy))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestCheckTimeoutBoundsSlowChecker(t *testing.T) {
	m := NewManager(zap.NewNop())
	slow := NewCustomHealthChecker("slow", true, 50*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	require.NoError(t, m.RegisterChecker(slow))

	start := time.Now()
	overall := m.GetOverallHealth(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, overall.Status)
}

func TestProbeEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	require.NoError(t, m.RegisterChecker(staticChecker("db", true, StatusUnhealthy)))

	mux := http.NewServeMux()
	NewHandler(m, zap.NewNop()).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Liveness ignores checker state entirely.
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var detailed struct {
		Overall struct {
			Status string `json:"status"`
		} `json:"overall"`
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detailed))
	resp.Body.Close()
	assert.Equal(t, "unhealthy", detailed.Overall.Status)
	assert.Contains(t, detailed.Components, "db")

	// Swap in a healthy checker and the probes recover.
	require.NoError(t, m.UnregisterChecker("db"))
	require.NoError(t, m.RegisterChecker(staticChecker("db", true, StatusHealthy)))

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDatabaseHealthChecker(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	checker := NewDatabaseHealthChecker(db, zap.NewNop())
	assert.Equal(t, "database", checker.Name())
	assert.True(t, checker.IsCritical())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "open_connections")

	require.NoError(t, db.Close())
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisHealthChecker(client, zap.NewNop())
	assert.Equal(t, "redis", checker.Name())
	assert.False(t, checker.IsCritical(), "the engine must keep working without redis")

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}
