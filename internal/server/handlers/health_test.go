package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(context.Context) error {
	return s.err
}

func serve(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// swapGlobal installs m as the process-wide manager for the test.
func swapGlobal(t *testing.T, m *HealthManager) {
	t.Helper()
	original := globalHealthManager
	globalHealthManager = m
	t.Cleanup(func() { globalHealthManager = original })
}

func TestHealthHandler_Healthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("status_root", stubChecker{})

	rec := serve(m.HealthHandler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["status_root"])
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	m := NewHealthManager("1.2.3")
	m.RegisterChecker("status_root", stubChecker{})
	m.RegisterChecker("backend", stubChecker{err: errors.New("squeue not found")})

	rec := serve(m.HealthHandler, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "details carry the check results")
	assert.Equal(t, "unhealthy", checks["backend"])
	assert.Equal(t, "healthy", checks["status_root"])
}

func TestHealthManager_Timeout(t *testing.T) {
	m := NewHealthManager("dev")
	m.timeout = 10 * time.Millisecond
	m.RegisterChecker("slow", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	results := m.runChecks(context.Background())
	assert.Equal(t, "timeout", results["slow"])
	assert.Equal(t, "degraded", m.determineOverallStatus(results))
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	tests := []struct {
		name    string
		results map[string]string
		want    string
	}{
		{"no checks", nil, "healthy"},
		{"all healthy", map[string]string{"a": "healthy", "b": "healthy"}, "healthy"},
		{"timeout", map[string]string{"a": "healthy", "b": "timeout"}, "degraded"},
		{"unhealthy wins", map[string]string{"a": "timeout", "b": "unhealthy"}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.determineOverallStatus(tt.results))
		})
	}
}

func TestProbeHandlers(t *testing.T) {
	m := NewHealthManager("dev")
	m.RegisterChecker("broken", stubChecker{err: errors.New("down")})

	assert.Equal(t, http.StatusOK, serve(m.LivenessHandler, "/health/live").Code, "liveness runs no checks")
	assert.Equal(t, http.StatusOK, serve(m.StartupHandler, "/health/startup").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(m.ReadinessHandler, "/health/ready").Code)
}

func TestInitAndGetHealthManager(t *testing.T) {
	swapGlobal(t, nil)
	assert.Nil(t, GetHealthManager())

	m := InitHealthManager("1.0.0")
	assert.Same(t, m, GetHealthManager())
}

func TestGlobalHandlers(t *testing.T) {
	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}

	t.Run("not initialized", func(t *testing.T) {
		swapGlobal(t, nil)
		for path, h := range handlers {
			assert.Equal(t, http.StatusServiceUnavailable, serve(h, path).Code, path)
		}
	})

	t.Run("initialized", func(t *testing.T) {
		swapGlobal(t, NewHealthManager("test"))
		for path, h := range handlers {
			assert.Equal(t, http.StatusOK, serve(h, path).Code, path)
		}
	})
}
