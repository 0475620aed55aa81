package handlers

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/pkg/backend"
	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/shell"
	"github.com/3leaps/gohpc/pkg/status"
)

// Jobs serves the job endpoints.
type Jobs struct {
	// Root is used when GET /jobs has no root parameter.
	Root string
	// Backend is used when GET /jobs/status has no backend parameter.
	Backend backend.Kind
	Runner  shell.Runner
	Logger  *zap.Logger
}

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	Root   string                `json:"root"`
	Counts map[status.Status]int `json:"counts"`
	Jobs   []cluster.Observation `json:"jobs"`
}

// List serves GET /jobs?root=<dir>. Status files are read as they are; no
// backend is queried.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	if root == "" {
		root = h.Root
	}
	if root == "" {
		respondWithError(w, r, apperrors.BadRequest("root is required"))
		return
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		respondWithError(w, r, apperrors.NotFound(fmt.Sprintf("root directory %s does not exist", root)))
		return
	}

	found, err := cluster.Discover(root)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	resp := JobsResponse{Root: root, Counts: map[status.Status]int{}, Jobs: found}
	for _, o := range found {
		if o.Error == "" {
			resp.Counts[o.Status]++
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}

// Status serves GET /jobs/status?work_dir=&name=&backend=. Active records
// are checked against the backend; the status file is never rewritten.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := q.Get("work_dir")
	if dir == "" {
		respondWithError(w, r, apperrors.BadRequest("work_dir is required"))
		return
	}
	kind := h.Backend
	if b := q.Get("backend"); b != "" {
		var err error
		if kind, err = backend.ParseKind(b); err != nil {
			respondWithError(w, r, apperrors.BadRequest(err.Error()))
			return
		}
	}

	o, err := cluster.Observe(r.Context(), cluster.Options{
		Backend: kind,
		WorkDir: dir,
		Name:    q.Get("name"),
		Runner:  h.Runner,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("job status failed", zap.String("work_dir", dir), zap.Error(err))
		}
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, o)
}
