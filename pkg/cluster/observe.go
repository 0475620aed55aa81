package cluster

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/pkg/status"
	"github.com/3leaps/gohpc/pkg/workdir"
)

// StatusPattern matches every status file below a root directory.
const StatusPattern = "**/" + workdir.HiddenDirName + "/*.status"

// Observation is a read-only view of a job's status file. Unlike NewJob,
// observing never resets or rewrites the file.
type Observation struct {
	WorkDir string        `json:"work_dir"`
	Name    string        `json:"name"`
	Record  status.Record `json:"-"`
	Status  status.Status `json:"status"`
	JobID   int64         `json:"job_id,omitempty"`
	// Liveness is only set by Observe, and only for active records.
	Liveness string `json:"liveness,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Orphaned reports whether the record claims to be active while the backend
// no longer lists the job.
func (o Observation) Orphaned() bool {
	return o.Record.Status.IsActive() && o.Liveness == LivenessInactive.String()
}

func newObservation(dir, name string, rec status.Record, err error) Observation {
	o := Observation{WorkDir: dir, Name: name, Record: rec, Status: rec.Status, JobID: rec.JobID}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Open returns the existing job (opts.WorkDir, opts.Name) without resolving
// or resetting its status. The status file must exist. No batch template is
// needed, so the job can be inspected, killed or archived but not rewritten.
func Open(opts Options) (*Job, error) {
	if !opts.Backend.Valid() {
		return nil, &ConfigurationError{Field: "backend", Err: fmt.Errorf("unknown backend %d", int(opts.Backend))}
	}
	dir, err := workdir.ExpandPath(opts.WorkDir)
	if err != nil {
		return nil, &ConfigurationError{Field: "work_dir", Err: err}
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName(dir)
	}
	file := filepath.Join(dir, workdir.HiddenDirName, name+".status")
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("no status file for job %s in %s: %w", name, dir, fs.ErrNotExist)
	}
	wd, err := workdir.Prepare(dir, workdir.WithRunner(opts.Runner))
	if err != nil {
		return nil, &ConfigurationError{Field: "work_dir", Err: err}
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.WorkDir = wd.Dir()
	opts.Name = name
	opts.Runner = wd.Runner()
	if opts.BatchTemplate != "" {
		opts.BatchTemplate = wd.Abs(opts.BatchTemplate)
	}
	return &Job{
		opts:    opts,
		wd:      wd,
		local:   &localProc{},
		adapter: opts.Backend.Adapter(),
		name:    name,
		logger:  wd.Logger().With(zap.String("job", name), zap.String("backend", opts.Backend.String())),
	}, nil
}

// Observe reads the status file of the job (opts.WorkDir, opts.Name) and, for
// active records, asks the backend whether the job is alive. The status file
// must exist and is never rewritten.
func Observe(ctx context.Context, opts Options) (Observation, error) {
	j, err := Open(opts)
	if err != nil {
		return Observation{}, err
	}
	rec, err := j.Record()
	if err != nil {
		return Observation{}, err
	}
	o := newObservation(j.WorkDir(), j.Name(), rec, nil)
	if rec.Status.IsActive() {
		o.Liveness = j.Liveness(ctx, rec.JobID).String()
	}
	return o, nil
}

// Discover finds every status file below root and reads it without asking
// any backend. Unreadable files are reported through Observation.Error.
func Discover(root string) ([]Observation, error) {
	abs, err := workdir.ExpandPath(root)
	if err != nil {
		return nil, err
	}
	matches, err := doublestar.Glob(os.DirFS(abs), StatusPattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("discover status files in %s: %w", abs, err)
	}
	sort.Strings(matches)

	out := make([]Observation, 0, len(matches))
	for _, m := range matches {
		file := filepath.Join(abs, filepath.FromSlash(m))
		dir := filepath.Dir(filepath.Dir(file))
		name := strings.TrimSuffix(filepath.Base(file), ".status")
		rec, err := status.Read(file)
		out = append(out, newObservation(dir, name, rec, err))
	}
	return out, nil
}
