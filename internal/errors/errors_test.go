package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/status"
	"github.com/3leaps/gohpc/pkg/workflow"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", stderrors.New("boom"), ExitFailure},
		{"explicit", NewExitError(ExitUsage, "bad flag", nil), ExitUsage},
		{"wrapped explicit", fmt.Errorf("outer: %w", NewExitError(42, "", stderrors.New("x"))), 42},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), ExitInterrupted},
		{"configuration", &cluster.ConfigurationError{Field: "backend", Err: stderrors.New("bad")}, ExitConfig},
		{"manifest", workflow.ValidationErrors{{Path: "version", Message: "bad"}}, ExitConfig},
		{"conflict", &cluster.StateConflictError{Op: "submit", Job: "j", Status: "completed", Err: cluster.ErrAlreadyCompleted}, ExitStateConflict},
		{"not owner", cluster.ErrNotOwner, ExitStateConflict},
		{"backend", &cluster.BackendInvocationError{Command: "sbatch x", Err: stderrors.New("exit 1")}, ExitBackend},
		{"job failed", fmt.Errorf("job x: %w", cluster.ErrJobFailed), ExitJobFailed},
		{"dependency", workflow.ErrDependencyFailed, ExitJobFailed},
		{"not found", fmt.Errorf("open: %w", fs.ErrNotExist), ExitNotFound},
		{"bad status file", &status.FormatError{Path: "j.status", Content: "running", Reason: "missing id"}, ExitBadStatusFile},
		{"write failed", fmt.Errorf("write script: %w", &fs.PathError{Op: "write", Path: "batch-1.sh", Err: stderrors.New("no space left on device")}), ExitWriteFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCodes_FoundryCatalog(t *testing.T) {
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitUsage)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitConfig)
	assert.Equal(t, int(foundry.ExitExternalServiceUnavailable), ExitBackend)
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitNotFound)
	assert.Equal(t, int(foundry.ExitFileReadError), ExitBadStatusFile)
	assert.Equal(t, int(foundry.ExitFileWriteError), ExitWriteFailed)
	assert.Equal(t, int(foundry.ExitSignalInt), ExitInterrupted)

	catalog := []int{ExitUsage, ExitBackend, ExitNotFound, ExitBadStatusFile, ExitWriteFailed, ExitInterrupted}
	for _, own := range []int{ExitStateConflict, ExitJobFailed} {
		assert.NotContains(t, catalog, own)
	}
}

func TestExitError_Message(t *testing.T) {
	inner := stderrors.New("inner")
	assert.Equal(t, "msg: inner", NewExitError(1, "msg", inner).Error())
	assert.Equal(t, "msg", NewExitError(1, "msg", nil).Error())
	assert.Equal(t, "inner", NewExitError(1, "", inner).Error())
	assert.Equal(t, "exit 3", NewExitError(3, "", nil).Error())
	assert.ErrorIs(t, NewExitError(1, "msg", inner), inner)
}

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"http error", NotFound("no such job"), http.StatusNotFound, "NOT_FOUND"},
		{"bad request", BadRequest("missing work_dir"), http.StatusBadRequest, "BAD_REQUEST"},
		{"conflict", &cluster.StateConflictError{Op: "kill", Job: "j", Status: "queueing", Err: cluster.ErrNotOwner}, http.StatusConflict, "CONFLICT"},
		{"missing file", fs.ErrNotExist, http.StatusNotFound, "NOT_FOUND"},
		{"other", stderrors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body.Error.Code)
			assert.Equal(t, "req-1", body.Error.RequestID)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}
