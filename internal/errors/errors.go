// Package errors maps domain errors to process exit codes and HTTP error
// envelopes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/gohpc/pkg/backend"
	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/status"
	"github.com/3leaps/gohpc/pkg/workflow"
	"github.com/3leaps/gohpc/pkg/workunit"
)

// Exit codes. Where the foundry catalog has a matching code it is used;
// state conflicts and failed jobs keep gohpc's own codes.
var (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitUsage         = int(foundry.ExitInvalidArgument)
	ExitConfig        = int(foundry.ExitInvalidArgument)
	ExitStateConflict = 4
	ExitBackend       = int(foundry.ExitExternalServiceUnavailable)
	ExitNotFound      = int(foundry.ExitFileNotFound)
	ExitBadStatusFile = int(foundry.ExitFileReadError)
	ExitWriteFailed   = int(foundry.ExitFileWriteError)
	ExitJobFailed     = 7
	ExitInterrupted   = int(foundry.ExitSignalInt)
)

// ExitError carries the exit code a command wants.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// NewExitError wraps err with code and msg.
func NewExitError(code int, msg string, err error) *ExitError {
	return &ExitError{Code: code, Message: msg, Err: err}
}

func (e *ExitError) Error() string {
	switch {
	case e.Message == "":
		if e.Err == nil {
			return fmt.Sprintf("exit %d", e.Code)
		}
		return e.Err.Error()
	case e.Err == nil:
		return e.Message
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode picks the exit code for err. An ExitError anywhere in the chain
// wins; otherwise domain errors are classified.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		cfgErr      *cluster.ConfigurationError
		conflict    *cluster.StateConflictError
		backendErr  *cluster.BackendInvocationError
		templateErr *backend.TemplateError
		fmtErr      *status.FormatError
		pathErr     *fs.PathError
	)
	switch {
	case stderrors.Is(err, context.Canceled):
		return ExitInterrupted
	case stderrors.As(err, &cfgErr), stderrors.As(err, &templateErr),
		stderrors.Is(err, workflow.ErrValidationFailed):
		return ExitConfig
	case stderrors.As(err, &conflict), stderrors.Is(err, cluster.ErrNotOwner):
		return ExitStateConflict
	case stderrors.As(err, &backendErr):
		return ExitBackend
	case stderrors.Is(err, cluster.ErrJobFailed), stderrors.Is(err, workflow.ErrDependencyFailed):
		return ExitJobFailed
	case stderrors.As(err, &fmtErr):
		return ExitBadStatusFile
	case stderrors.Is(err, fs.ErrNotExist):
		return ExitNotFound
	case stderrors.As(err, &pathErr) && pathErr.Op == "write":
		return ExitWriteFailed
	default:
		return ExitFailure
	}
}

// HTTPErrorResponse is the JSON envelope for every API error.
type HTTPErrorResponse struct {
	Error HTTPErrorBody `json:"error"`
}

// HTTPErrorBody is the payload of HTTPErrorResponse.
type HTTPErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPError is an error with a fixed HTTP status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *HTTPError) Error() string { return e.Code + ": " + e.Message }

// NewHTTPError builds an HTTPError.
func NewHTTPError(statusCode int, code, msg string) *HTTPError {
	return &HTTPError{Status: statusCode, Code: code, Message: msg}
}

// Common HTTP errors.
func NotFound(msg string) *HTTPError {
	return NewHTTPError(http.StatusNotFound, "NOT_FOUND", msg)
}

func MethodNotAllowed(msg string) *HTTPError {
	return NewHTTPError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", msg)
}

func BadRequest(msg string) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, "BAD_REQUEST", msg)
}

// Classify returns the HTTP status, code and message for err.
func Classify(err error) (int, string, string) {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr.Status, httpErr.Code, httpErr.Message
	}

	var (
		cfgErr   *cluster.ConfigurationError
		conflict *cluster.StateConflictError
		fmtErr   *status.FormatError
	)
	switch {
	case stderrors.As(err, &cfgErr), stderrors.Is(err, workunit.ErrUnknownKind):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error()
	case stderrors.As(err, &conflict):
		return http.StatusConflict, "CONFLICT", err.Error()
	case stderrors.As(err, &fmtErr):
		return http.StatusUnprocessableEntity, "BAD_STATUS_FILE", err.Error()
	case stderrors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", err.Error()
	}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	statusCode, code, msg := Classify(err)
	body := HTTPErrorResponse{Error: HTTPErrorBody{Code: code, Message: msg}}
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		body.Error.Details = httpErr.Details
	}
	if r != nil {
		body.Error.RequestID = r.Header.Get("X-Request-ID")
	}
	WriteJSON(w, statusCode, body)
}

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
