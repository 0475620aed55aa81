package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/internal/server/handlers"
	"github.com/3leaps/gohpc/pkg/backend"
)

func do(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServer_NotFound(t *testing.T) {
	rec := do(t, New("127.0.0.1", 0), http.MethodGet, "/does-not-exist")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID, "request id is assigned before routing")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	rec := do(t, New("127.0.0.1", 0), http.MethodPost, "/version")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Error.Code)
}

func TestServer_PortAndAddr(t *testing.T) {
	for _, port := range []int{8080, 9000, 0} {
		srv := New("127.0.0.1", port)
		assert.Equal(t, port, srv.Port())
		assert.NotNil(t, srv.Handler())
	}
	assert.Equal(t, "[::1]:8080", New("::1", 8080).Addr())
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	root := t.TempDir()
	work := filepath.Join(root, "sim")
	require.NoError(t, os.MkdirAll(filepath.Join(work, ".gohpc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, ".gohpc", "sim.status"), []byte("completed 2"), 0o644))

	srv := New("127.0.0.1", 0,
		WithVersion(handlers.VersionInfo{Version: "1.0.0"}),
		WithJobDefaults(root, backend.None, nil),
	)

	paths := []string{
		"/health",
		"/health/live",
		"/health/ready",
		"/health/startup",
		"/version",
		"/jobs",
		"/jobs/status?" + url.Values{"work_dir": {work}, "name": {"sim"}}.Encode(),
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, p).Code)
		})
	}
}

func TestServer_JobsUsesDefaults(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", ".gohpc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".gohpc", "a.status"), []byte("queueing 8"), 0o644))

	rec := do(t, New("127.0.0.1", 0, WithJobDefaults(root, backend.None, nil)), http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.JobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, int64(8), resp.Jobs[0].JobID)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServer_StartAndShutdown(t *testing.T) {
	port := freePort(t)
	srv := New("127.0.0.1", port, WithVersion(handlers.VersionInfo{Version: "2.0.0"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + srv.Addr() + "/version")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer func() { _ = resp.Body.Close() }()

	var info handlers.VersionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "2.0.0", info.Version)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	srv := New("127.0.0.1", l.Addr().(*net.TCPAddr).Port)
	err = srv.Start(context.Background())
	assert.Error(t, err)
}
