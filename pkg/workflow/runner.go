package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/shell"
	"github.com/3leaps/gohpc/pkg/status"
)

// ErrDependencyFailed is returned for jobs whose dependency ended in error
// or could not be submitted.
var ErrDependencyFailed = errors.New("dependency failed")

// Action is what Run did with a job.
type Action string

const (
	ActionSubmitted Action = "submitted"
	// ActionSkipped marks jobs completed by an earlier run.
	ActionSkipped Action = "skipped"
	// ActionActive marks jobs already queueing or running.
	ActionActive  Action = "active"
	ActionBlocked Action = "blocked"
	ActionFailed  Action = "failed"
)

// JobResult reports one job of a run.
type JobResult struct {
	Name    string        `json:"name"`
	WorkDir string        `json:"work_dir"`
	Action  Action        `json:"action"`
	JobID   int64         `json:"job_id,omitempty"`
	Status  status.Status `json:"status"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
}

// Report is the outcome of Run.
type Report struct {
	RunID string      `json:"run_id"`
	Jobs  []JobResult `json:"jobs"`
}

// Err joins the errors of every failed job.
func (r Report) Err() error {
	var errs []error
	for _, j := range r.Jobs {
		if j.Err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Name, j.Err))
		}
	}
	return errors.Join(errs...)
}

// RunnerOptions configures how jobs of a manifest are executed.
type RunnerOptions struct {
	Runner         shell.Runner
	StatusCommand  string
	RunUnitCommand string
	Logger         *zap.Logger
	// PollInterval overrides the manifest interval when positive.
	PollInterval time.Duration
}

// Runner submits the jobs of one manifest.
type Runner struct {
	m        *Manifest
	gen      *cluster.Generator
	jobs     []*cluster.Job
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	failed map[string]error
}

// NewRunner builds the jobs of m. Job directories are created.
func NewRunner(m *Manifest, opts RunnerOptions) (*Runner, error) {
	kind, err := m.BackendKind()
	if err != nil {
		return nil, err
	}
	interval := opts.PollInterval
	if interval <= 0 {
		if interval, err = m.Interval(); err != nil {
			return nil, fmt.Errorf("poll_interval: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tpl := m.BatchTemplate
	if tpl != "" && !filepath.IsAbs(tpl) {
		tpl = filepath.Join(m.baseDir, tpl)
	}
	root := m.RootDir
	if !filepath.IsAbs(root) {
		root = filepath.Join(m.baseDir, root)
	}
	gen, err := cluster.NewGenerator(cluster.GeneratorOptions{
		Backend:        kind,
		BatchTemplate:  tpl,
		RootDir:        root,
		Runner:         opts.Runner,
		StatusCommand:  opts.StatusCommand,
		RunUnitCommand: opts.RunUnitCommand,
		PollInterval:   interval,
	})
	if err != nil {
		return nil, err
	}

	r := &Runner{m: m, gen: gen, interval: interval, logger: logger, failed: map[string]error{}}
	for _, spec := range m.Jobs {
		job, err := gen.Generate(spec.WorkDir, spec.Name)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", spec.Name, err)
		}
		r.jobs = append(r.jobs, job)
	}
	return r, nil
}

// Jobs returns the jobs in manifest order.
func (r *Runner) Jobs() []*cluster.Job { return r.jobs }

// Job returns the job named name, or nil.
func (r *Runner) Job(name string) *cluster.Job {
	for i, spec := range r.m.Jobs {
		if spec.Name == name {
			return r.jobs[i]
		}
	}
	return nil
}

// Run submits every job in manifest order. Completed jobs are skipped and
// active jobs are left alone. Jobs with dependencies are submitted in the
// background once every dependency has completed; a dependency in error
// blocks them. With wait, Run returns after every job reached a terminal
// status.
func (r *Runner) Run(ctx context.Context, wait bool) (Report, error) {
	report := Report{RunID: uuid.NewString(), Jobs: make([]JobResult, len(r.jobs))}
	logger := r.logger.With(zap.String("run_id", report.RunID))
	logger.Info("workflow started", zap.Int("jobs", len(r.jobs)), zap.String("backend", r.gen.Backend().String()))

	type delayed struct {
		ch     <-chan cluster.SubmitResult
		ctx    context.Context
		cancel context.CancelCauseFunc
	}
	pending := make([]*delayed, len(r.jobs))

	for i, spec := range r.m.Jobs {
		job := r.jobs[i]
		res := &report.Jobs[i]
		res.Name, res.WorkDir = spec.Name, job.WorkDir()

		st, err := job.Status(ctx)
		if err != nil {
			r.fail(res, ActionFailed, err)
			continue
		}
		switch {
		case st == status.Completed:
			res.Action = ActionSkipped
			logger.Info("job already completed", zap.String("job", spec.Name))
			continue
		case st.IsActive():
			res.Action = ActionActive
			res.JobID, _ = job.JobID()
			logger.Info("job already active", zap.String("job", spec.Name), zap.Int64("job_id", res.JobID))
			continue
		}

		if err := addCommands(job, spec.Commands); err != nil {
			r.fail(res, ActionFailed, err)
			continue
		}
		if len(spec.After) == 0 {
			id, err := job.Submit(ctx)
			if err != nil {
				r.fail(res, ActionFailed, err)
				continue
			}
			res.Action, res.JobID = ActionSubmitted, id
			logger.Info("job submitted", zap.String("job", spec.Name), zap.Int64("job_id", id))
			continue
		}

		jctx, cancel := context.WithCancelCause(ctx)
		d := &delayed{ctx: jctx, cancel: cancel}
		d.ch = cluster.AsyncDelayedSubmit(jctx, job, r.ready(jctx, cancel, spec), r.interval)
		pending[i] = d
		logger.Info("job waiting for dependencies", zap.String("job", spec.Name), zap.Strings("after", spec.After))
	}

	// Dependencies always precede their dependents, so collecting in order
	// records every failure before a dependent needs it.
	for i, d := range pending {
		if d == nil {
			continue
		}
		res := &report.Jobs[i]
		sr := <-d.ch
		cause := context.Cause(d.ctx)
		d.cancel(nil)
		switch {
		case sr.Err == nil:
			res.Action, res.JobID = ActionSubmitted, sr.JobID
			logger.Info("job submitted", zap.String("job", res.Name), zap.Int64("job_id", sr.JobID))
		case errors.Is(cause, ErrDependencyFailed):
			r.fail(res, ActionBlocked, cause)
			logger.Warn("job blocked", zap.String("job", res.Name), zap.Error(cause))
		default:
			r.fail(res, ActionFailed, sr.Err)
		}
	}

	for i, job := range r.jobs {
		res := &report.Jobs[i]
		if res.Action == ActionFailed || res.Action == ActionBlocked {
			res.Status, _ = job.Status(ctx)
			continue
		}
		var (
			st  status.Status
			err error
		)
		if wait {
			st, err = job.Wait(ctx, r.interval)
		} else {
			st, err = job.Status(ctx)
		}
		res.Status = st
		if err != nil {
			res.Err, res.Error = err, err.Error()
			continue
		}
		if st == status.Error {
			res.Err, res.Error = cluster.ErrJobFailed, cluster.ErrJobFailed.Error()
		}
	}

	err := report.Err()
	if err != nil {
		logger.Warn("workflow finished with errors", zap.Error(err))
	} else {
		logger.Info("workflow finished")
	}
	return report, err
}

func (r *Runner) fail(res *JobResult, action Action, err error) {
	res.Action, res.Err, res.Error = action, err, err.Error()
	r.mu.Lock()
	r.failed[res.Name] = err
	r.mu.Unlock()
}

func (r *Runner) failure(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed[name]
}

// ready reports whether every dependency of spec has completed. It cancels
// ctx with ErrDependencyFailed when one of them cannot complete anymore.
func (r *Runner) ready(ctx context.Context, cancel context.CancelCauseFunc, spec JobSpec) func() bool {
	return func() bool {
		for _, dep := range spec.After {
			if err := r.failure(dep); err != nil {
				cancel(fmt.Errorf("%w: %s was not submitted: %v", ErrDependencyFailed, dep, err))
				return false
			}
			job := r.Job(dep)
			if job == nil {
				cancel(fmt.Errorf("%w: unknown job %s", ErrDependencyFailed, dep))
				return false
			}
			st, err := job.Status(ctx)
			if err != nil {
				r.logger.Warn("dependency status unavailable", zap.String("job", spec.Name), zap.String("dependency", dep), zap.Error(err))
				return false
			}
			switch st {
			case status.Completed:
			case status.Error:
				cancel(fmt.Errorf("%w: %s ended in error", ErrDependencyFailed, dep))
				return false
			default:
				return false
			}
		}
		return true
	}
}

func addCommands(job *cluster.Job, commands []string) error {
	if len(job.Commands()) > 0 {
		return nil
	}
	for _, c := range commands {
		if err := job.AddCommand(c); err != nil {
			return err
		}
	}
	return nil
}
