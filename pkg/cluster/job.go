// Package cluster submits units of work to batch queueing systems (slurm,
// torque) or to a local background process, and tracks them through the
// status file in the job's working directory.
//
// A Job is identified by its name and working directory. All lifecycle state
// lives in <work_dir>/.gohpc/<name>.status, so a Job built in one process can
// observe (and reconcile) a job submitted by another. The only exception is
// the local backend: its background process is visible to the Job value that
// started it and to nobody else.
package cluster

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gohpc/pkg/backend"
	"github.com/3leaps/gohpc/pkg/shell"
	"github.com/3leaps/gohpc/pkg/status"
	"github.com/3leaps/gohpc/pkg/workdir"
	"github.com/3leaps/gohpc/pkg/workunit"
)

const (
	// DefaultKillGrace is how long Kill waits for a local job to stop.
	DefaultKillGrace = 500 * time.Millisecond
	// DefaultPollInterval paces Run and DelayedSubmit.
	DefaultPollInterval = 2 * time.Second

	// KindJob is the work unit kind of a serialized Job.
	KindJob = "job"

	localIDMax     = 1_000_000
	defaultShebang = "#!/bin/bash"
)

// Liveness is the answer of a backend liveness query.
type Liveness int

const (
	// LivenessUnobservable means this process cannot tell; only local jobs
	// started by another Job value report it.
	LivenessUnobservable Liveness = iota
	LivenessActive
	LivenessInactive
)

func (l Liveness) String() string {
	switch l {
	case LivenessActive:
		return "active"
	case LivenessInactive:
		return "inactive"
	default:
		return "unobservable"
	}
}

// Options configure a Job.
type Options struct {
	Backend backend.Kind
	// BatchTemplate is the script header (directives, module loads). Relative
	// paths are resolved against WorkDir. Required for remote backends.
	BatchTemplate string
	// Name defaults to the last 10 characters of the absolute work dir.
	Name string
	// WorkDir defaults to the current directory. Its parent must exist.
	WorkDir string

	Runner shell.Runner

	// StatusCommand is the command prefix the script uses to update its status
	// file ("<StatusCommand> running <file>"). Default: "<executable> status set".
	StatusCommand string
	// RunUnitCommand runs a serialized work unit ("<RunUnitCommand> <file>").
	// Default: "<executable> run-unit".
	RunUnitCommand string

	KillGrace    time.Duration
	PollInterval time.Duration
}

type step struct {
	line string
	unit workunit.Unit
}

// Job is one submittable unit of work.
type Job struct {
	opts    Options
	wd      *workdir.WorkDir
	adapter backend.Adapter
	name    string
	logger  *zap.Logger

	mu     sync.Mutex
	steps  []step
	script string
	local  *localProc
}

// localProc holds the process of a local job. Copies of a Job share it, so
// every copy observes the process whichever copy started it.
type localProc struct {
	mu sync.Mutex
	p  shell.Process
}

func (l *localProc) get() shell.Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.p
}

func (l *localProc) set(p shell.Process) {
	l.mu.Lock()
	l.p = p
	l.mu.Unlock()
}

// NewJob validates opts, prepares the working directory and resolves the job's
// status from disk. Jobs found queueing, running or completed are resumed;
// not_submitted and error are discarded attempts and reset to not_written.
func NewJob(opts Options) (*Job, error) {
	j := &Job{}
	if err := j.build(opts); err != nil {
		return nil, err
	}
	if err := j.resolve(); err != nil {
		return nil, err
	}
	return j, nil
}

// build validates opts and prepares the working directory. It never touches
// the status file.
func (j *Job) build(opts Options) error {
	if !opts.Backend.Valid() {
		return &ConfigurationError{Field: "backend", Err: fmt.Errorf("unknown backend %d", int(opts.Backend))}
	}
	if opts.Runner == nil {
		opts.Runner = shell.NewRunner()
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StatusCommand == "" || opts.RunUnitCommand == "" {
		exe, err := os.Executable()
		if err != nil {
			return &ConfigurationError{Field: "status_command", Err: fmt.Errorf("resolve executable: %w", err)}
		}
		if opts.StatusCommand == "" {
			opts.StatusCommand = shellQuote(exe) + " status set"
		}
		if opts.RunUnitCommand == "" {
			opts.RunUnitCommand = shellQuote(exe) + " run-unit"
		}
	}

	wd, err := workdir.Prepare(opts.WorkDir, workdir.WithRunner(opts.Runner))
	if err != nil {
		return &ConfigurationError{Field: "work_dir", Err: err}
	}
	opts.WorkDir = wd.Dir()

	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = DefaultName(wd.Dir())
	}
	opts.Name = strings.TrimSpace(opts.Name)

	adapter := opts.Backend.Adapter()
	if opts.BatchTemplate != "" {
		opts.BatchTemplate = wd.Abs(opts.BatchTemplate)
	}
	if !opts.Backend.IsLocal() {
		if opts.BatchTemplate == "" {
			return &ConfigurationError{Field: "batch_template", Err: fmt.Errorf("backend %s requires a batch template", opts.Backend)}
		}
		if err := validateTemplateFile(adapter, opts.BatchTemplate); err != nil {
			return &ConfigurationError{Field: "batch_template", Err: err}
		}
	}

	j.opts = opts
	j.wd = wd
	j.local = &localProc{}
	j.adapter = adapter
	j.name = opts.Name
	j.logger = wd.Logger().With(zap.String("job", opts.Name), zap.String("backend", opts.Backend.String()))
	return nil
}

// resolve resumes active and completed jobs and resets discarded attempts.
func (j *Job) resolve() error {
	st, err := j.Status(context.Background())
	if err != nil {
		return err
	}
	switch st {
	case status.Running, status.Queueing, status.Completed:
		j.logger.Debug("resuming job", zap.String("status", st.String()))
	case status.NotSubmitted, status.Error:
		j.logger.Debug("resetting job", zap.String("status", st.String()))
		if err := status.Write(j.StatusFile(), status.NotWritten, 0); err != nil {
			return err
		}
	}
	return nil
}

func validateTemplateFile(a backend.Adapter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open batch template: %w", err)
	}
	defer func() { _ = f.Close() }()
	return a.ValidateTemplate(f)
}

// DefaultName derives a job name from the last 10 characters of dir.
func DefaultName(dir string) string {
	if r := []rune(dir); len(r) > 10 {
		dir = string(r[len(r)-10:])
	}
	return strings.ReplaceAll(dir, string(filepath.Separator), "-")
}

func (j *Job) Name() string { return j.name }
func (j *Job) WorkDir() string { return j.wd.Dir() }
func (j *Job) Backend() backend.Kind { return j.opts.Backend }
func (j *Job) BatchTemplate() string { return j.opts.BatchTemplate }
func (j *Job) Dir() *workdir.WorkDir { return j.wd }
func (j *Job) Logger() *zap.Logger { return j.logger }
func (j *Job) PollInterval() time.Duration { return j.opts.PollInterval }

// StatusFile is <work_dir>/.gohpc/<name>.status.
func (j *Job) StatusFile() string {
	return filepath.Join(j.wd.HiddenDir(), j.name+".status")
}

// Script is the batch script path. It is chosen on first use and stays the
// same for the lifetime of j.
func (j *Job) Script() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scriptLocked()
}

func (j *Job) scriptLocked() string {
	if j.script == "" {
		j.script = j.wd.BatchFile(j.name)
	}
	return j.script
}

// Record reads the status file without reconciliation. A missing file reads as
// not_written.
func (j *Job) Record() (status.Record, error) {
	rec, err := status.Read(j.StatusFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return status.Record{Status: status.NotWritten}, nil
		}
		return status.Record{}, err
	}
	return rec, nil
}

// JobID is the backend id on file, 0 before submission.
func (j *Job) JobID() (int64, error) {
	rec, err := j.Record()
	if err != nil {
		return 0, err
	}
	return rec.JobID, nil
}

// IsWritten reports whether the batch script has been written.
func (j *Job) IsWritten(ctx context.Context) (bool, error) {
	st, err := j.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.IsWritten(), nil
}

// IsSubmitted reports whether the job has been handed to its backend.
func (j *Job) IsSubmitted(ctx context.Context) (bool, error) {
	st, err := j.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.IsSubmitted(), nil
}

// OwnsLocalProcess reports whether j started a local background process.
func (j *Job) OwnsLocalProcess() bool {
	return j.local.get() != nil
}

// AddCommand appends a command line to the script.
func (j *Job) AddCommand(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return errors.New("empty command line")
	}
	return j.addStep(step{line: line})
}

// AddUnit appends a serializable work unit. It is saved next to the script
// when the script is written and run there with RunUnitCommand. Adding a
// *Chain binds it to j: appending to the chain fails once the script exists.
func (j *Job) AddUnit(u workunit.Unit) error {
	if u == nil {
		return errors.New("nil work unit")
	}
	if _, ok := u.(workunit.Serializable); !ok {
		return fmt.Errorf("add unit to job %s: %w: %T", j.name, workunit.ErrNotSerializable, u)
	}
	if err := j.addStep(step{unit: u}); err != nil {
		return err
	}
	if c, ok := u.(*Chain); ok {
		c.bind(j)
	}
	return nil
}

func (j *Job) addStep(s step) error {
	if err := j.ensureNotWritten("add command"); err != nil {
		return err
	}
	j.mu.Lock()
	j.steps = append(j.steps, s)
	j.mu.Unlock()
	return nil
}

// ClearCommands drops every queued command.
func (j *Job) ClearCommands() error {
	if err := j.ensureNotWritten("clear commands"); err != nil {
		return err
	}
	j.mu.Lock()
	j.steps = nil
	j.mu.Unlock()
	return nil
}

// Commands lists the queued command lines; units are shown by kind.
func (j *Job) Commands() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.steps))
	for _, s := range j.steps {
		if s.unit != nil {
			out = append(out, "<unit "+s.unit.(workunit.Serializable).Kind()+">")
			continue
		}
		out = append(out, s.line)
	}
	return out
}

func (j *Job) ensureNotWritten(op string) error {
	rec, err := j.Record()
	if err != nil {
		return err
	}
	if rec.Status.IsWritten() {
		return &StateConflictError{Op: op, Job: j.name, Status: rec.Status.String(), Err: errScriptWritten}
	}
	return nil
}

func (j *Job) scriptWritten() bool {
	rec, err := j.Record()
	return err != nil || rec.Status.IsWritten()
}

// WriteScript renders the batch script and moves the job to not_submitted.
// It fails with *StateConflictError when the script is already written.
func (j *Job) WriteScript() (string, error) {
	if err := j.ensureNotWritten("write script"); err != nil {
		return "", j.wd.Fail(err, "write script")
	}

	j.mu.Lock()
	path := j.scriptLocked()
	steps := append([]step(nil), j.steps...)
	j.mu.Unlock()

	lines, err := j.commandLines(steps)
	if err != nil {
		return "", j.wd.Fail(err, "serialize work units")
	}

	var b strings.Builder
	if err := j.writeHeader(&b); err != nil {
		return "", j.wd.Fail(err, "render script header")
	}
	j.writeCommandBlock(&b, lines)

	// #nosec G306 -- batch scripts must be readable by the queueing system
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", j.wd.Fail(fmt.Errorf("write batch script: %w", err), "write script")
	}
	if err := status.Write(j.StatusFile(), status.NotSubmitted, 0); err != nil {
		return "", err
	}
	j.logger.Info("script written", zap.String("script", path), zap.Int("commands", len(lines)))
	return path, nil
}

func (j *Job) commandLines(steps []step) ([]string, error) {
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		if s.unit == nil {
			lines = append(lines, s.line)
			continue
		}
		file := filepath.Join(j.wd.HiddenDir(), "unit-"+uuid.New().String()+".json")
		if err := workunit.Save(s.unit, file); err != nil {
			return nil, err
		}
		lines = append(lines, j.opts.RunUnitCommand+" "+shellQuote(file))
	}
	return lines, nil
}

// writeHeader emits the template shebang, the job-name directive (replacing
// any job-name directive of the template) and the rest of the template.
func (j *Job) writeHeader(b *strings.Builder) error {
	directive := j.adapter.JobNameDirective(j.name)
	if j.opts.BatchTemplate == "" {
		b.WriteString(defaultShebang + "\n" + directive + "\n")
		return nil
	}

	f, err := os.Open(j.opts.BatchTemplate)
	if err != nil {
		return fmt.Errorf("open batch template: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.HasPrefix(line, "#!") {
				b.WriteString(line + "\n" + directive + "\n")
				continue
			}
			b.WriteString(defaultShebang + "\n" + directive + "\n")
		}
		if j.adapter.IsJobNameDirective(line) {
			continue
		}
		b.WriteString(line + "\n")
	}
	if first {
		b.WriteString(defaultShebang + "\n" + directive + "\n")
	}
	return scanner.Err()
}

// writeCommandBlock is emitted even when lines is empty: a job without
// commands marks itself running and then completed.
func (j *Job) writeCommandBlock(b *strings.Builder, lines []string) {
	statusFile := shellQuote(j.StatusFile())
	b.WriteString("\n## COMMANDS: ##\n\n")
	b.WriteString("err=0\n")
	b.WriteString("trap 'err=1' ERR\n")
	b.WriteString("cd " + shellQuote(j.wd.Dir()) + "\n")
	b.WriteString(j.opts.StatusCommand + " " + string(status.Running) + " " + statusFile + ";\n\n")
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	b.WriteString("\n\n")
	b.WriteString("if [ \"$err\" -eq 0 ]; then\n")
	b.WriteString(j.opts.StatusCommand + " " + string(status.Completed) + " " + statusFile + ";\n")
	b.WriteString("fi\n")
	b.WriteString("test $err = 0\n")
}

// Submit hands the job to its backend and returns the job id. Completed and
// queueing jobs are rejected without side effects.
func (j *Job) Submit(ctx context.Context) (int64, error) {
	j.logger.Info("submit job")

	st, err := j.Status(ctx)
	if err != nil {
		return 0, err
	}
	switch st {
	case status.Completed:
		return 0, j.wd.Fail(&StateConflictError{Op: "submit", Job: j.name, Status: st.String(), Err: ErrAlreadyCompleted}, "submit rejected")
	case status.Queueing, status.Running:
		return 0, j.wd.Fail(&StateConflictError{Op: "submit", Job: j.name, Status: st.String(), Err: ErrAlreadyQueueing}, "submit rejected")
	case status.Error:
		// A failed attempt of this value: resubmit its script, or start over.
		if _, err := os.Stat(j.Script()); err != nil {
			if err := status.Write(j.StatusFile(), status.NotWritten, 0); err != nil {
				return 0, err
			}
			st = status.NotWritten
		}
	}
	if st == status.NotWritten {
		if _, err := j.WriteScript(); err != nil {
			return 0, err
		}
	}

	script := j.Script()
	cmdLine := j.adapter.SubmitCommand(script)
	j.logger.Info("submit command", zap.String("cmd", cmdLine))

	var id int64
	if j.opts.Backend.IsLocal() {
		id, err = j.submitLocal(cmdLine)
	} else {
		id, err = j.submitRemote(ctx, cmdLine)
	}
	if err != nil {
		return 0, j.wd.Fail(err, "submit failed")
	}
	j.logger.Info("job submitted", zap.Int64("job_id", id))
	return id, nil
}

// submitLocal assigns a placeholder id and starts the script in the
// background. The id is random in [1, 1e6] and not checked for collisions.
func (j *Job) submitLocal(cmdLine string) (int64, error) {
	id := rand.Int64N(localIDMax) + 1
	if err := status.Write(j.StatusFile(), status.Queueing, id); err != nil {
		return 0, err
	}
	p, err := j.opts.Runner.Start(shell.Command{
		Line:       cmdLine,
		Dir:        j.wd.Dir(),
		StdoutPath: j.wd.StdoutFile(cmdLine),
		StderrPath: j.wd.StderrFile(cmdLine),
	})
	if err != nil {
		_ = status.Write(j.StatusFile(), status.Error, 0)
		return 0, &BackendInvocationError{Command: cmdLine, Err: err}
	}
	j.local.set(p)
	return id, nil
}

func (j *Job) submitRemote(ctx context.Context, cmdLine string) (int64, error) {
	if err := j.wd.CallCmd(ctx, cmdLine); err != nil {
		return 0, &BackendInvocationError{Command: cmdLine, StdoutPath: j.wd.LastOutfile(), StderrPath: j.wd.LastErrfile(), Err: err}
	}
	out, err := os.ReadFile(j.wd.LastOutfile())
	if err != nil {
		return 0, &BackendInvocationError{Command: cmdLine, StdoutPath: j.wd.LastOutfile(), StderrPath: j.wd.LastErrfile(), Err: err}
	}
	id, err := backend.ParseJobID(string(out))
	if err != nil {
		return 0, &BackendInvocationError{Command: cmdLine, StdoutPath: j.wd.LastOutfile(), StderrPath: j.wd.LastErrfile(), Err: err}
	}
	if err := status.Write(j.StatusFile(), status.Queueing, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Kill stops an active job and marks it as error. Inactive jobs are left
// alone. A local job can only be killed by the Job value that started it;
// other callers get ErrNotOwner and the status file is not touched.
func (j *Job) Kill(ctx context.Context) error {
	if j.opts.Backend.IsLocal() {
		return j.killLocal(ctx)
	}

	st, err := j.Status(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive() {
		return nil
	}
	rec, err := j.Record()
	if err != nil {
		return err
	}
	cmdLine := j.adapter.DeleteCommand(rec.JobID)
	if err := j.wd.CallCmd(ctx, cmdLine); err != nil {
		return j.wd.Fail(&BackendInvocationError{Command: cmdLine, StdoutPath: j.wd.LastOutfile(), StderrPath: j.wd.LastErrfile(), Err: err}, "kill failed")
	}
	return j.markKilled()
}

func (j *Job) killLocal(ctx context.Context) error {
	p := j.local.get()

	if p == nil {
		rec, err := j.Record()
		if err != nil {
			return err
		}
		if rec.Status.IsActive() {
			return j.wd.Fail(fmt.Errorf("kill %s: %w", j.name, ErrNotOwner), "kill failed")
		}
		return nil
	}

	st, err := j.Status(ctx)
	if err != nil {
		return err
	}
	if !st.IsActive() {
		return nil
	}
	if err := p.Terminate(); err != nil {
		j.logger.Warn("terminate local job", zap.Error(err))
	}
	select {
	case <-p.Done():
	case <-time.After(j.opts.KillGrace):
	case <-ctx.Done():
	}
	return j.markKilled()
}

func (j *Job) markKilled() error {
	if err := status.Write(j.StatusFile(), status.Error, 0); err != nil {
		return err
	}
	j.logger.Info("job killed")
	return nil
}

// Status reads the status file and reconciles it with the backend. A job that
// claims to be queueing or running but is no longer alive is orphaned: its
// status is flipped to error on disk.
func (j *Job) Status(ctx context.Context) (status.Status, error) {
	rec, err := j.Record()
	if err != nil {
		return "", err
	}
	if !rec.Status.IsActive() {
		return rec.Status, nil
	}

	live := j.Liveness(ctx, rec.JobID)
	if live == LivenessActive {
		return rec.Status, nil
	}

	// The job may have finished between the read and the liveness query.
	again, err := j.Record()
	if err != nil {
		return "", err
	}
	if again != rec {
		return again.Status, nil
	}

	j.logger.Warn("job orphaned: status claims active but backend reports otherwise",
		zap.String("status", rec.Status.String()),
		zap.Int64("job_id", rec.JobID),
		zap.String("liveness", live.String()))
	if err := status.Write(j.StatusFile(), status.Error, 0); err != nil {
		return "", err
	}
	return status.Error, nil
}

// Liveness asks the backend whether jobID is alive. For the local backend only
// the Job value that started the process can observe it. A failing live-list
// query reports active so transient backend errors never mark jobs as crashed.
func (j *Job) Liveness(ctx context.Context, jobID int64) Liveness {
	if j.opts.Backend.IsLocal() {
		p := j.local.get()
		switch {
		case p == nil:
			return LivenessUnobservable
		case p.Alive():
			return LivenessActive
		default:
			return LivenessInactive
		}
	}

	f, err := os.CreateTemp(j.wd.HiddenDir(), j.name+".livelist-*")
	if err != nil {
		j.logger.Warn("create live-list file; assuming job is active", zap.Error(err))
		return LivenessActive
	}
	out := f.Name()
	_ = f.Close()
	defer func() { _ = os.Remove(out) }()

	cmdLine := j.adapter.StatusCommand()
	err = j.opts.Runner.Run(ctx, shell.Command{Line: cmdLine, Dir: j.wd.Dir(), StdoutPath: out})
	if err != nil {
		j.logger.Warn("live-list query failed; assuming job is active", zap.String("cmd", cmdLine), zap.Error(err))
		return LivenessActive
	}
	b, err := os.ReadFile(out)
	if err != nil {
		j.logger.Warn("read live-list output", zap.Error(err))
		return LivenessActive
	}
	if backend.Listed(string(b), jobID) {
		return LivenessActive
	}
	return LivenessInactive
}

// Wait polls Status every interval until the job is completed or in error.
func (j *Job) Wait(ctx context.Context, interval time.Duration) (status.Status, error) {
	if interval <= 0 {
		interval = j.opts.PollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		st, err := j.Status(ctx)
		if err != nil {
			return "", err
		}
		if st.IsTerminal() {
			return st, nil
		}
		if !st.IsSubmitted() {
			return st, &StateConflictError{Op: "wait", Job: j.name, Status: st.String(), Err: errors.New("job was never submitted")}
		}
	}
}

// Run makes Job a work unit: completed jobs are skipped, anything else is
// submitted and waited for.
func (j *Job) Run(ctx context.Context) error {
	st, err := j.Status(ctx)
	if err != nil {
		return err
	}
	if st == status.Completed {
		j.logger.Info("job already completed; skipping")
		return nil
	}
	if !st.IsActive() {
		if _, err := j.Submit(ctx); err != nil {
			return err
		}
	}
	final, err := j.Wait(ctx, j.opts.PollInterval)
	if err != nil {
		return err
	}
	if final == status.Error {
		return fmt.Errorf("job %s in %s: %w", j.name, j.wd.Dir(), ErrJobFailed)
	}
	return nil
}

type jobSpec struct {
	Backend        backend.Kind  `json:"backend"`
	BatchTemplate  string        `json:"batch_template,omitempty"`
	Name           string        `json:"name"`
	WorkDir        string        `json:"work_dir"`
	StatusCommand  string        `json:"status_command,omitempty"`
	RunUnitCommand string        `json:"run_unit_command,omitempty"`
	KillGrace      time.Duration `json:"kill_grace,omitempty"`
	PollInterval   time.Duration `json:"poll_interval,omitempty"`
	Steps          []stepSpec    `json:"steps,omitempty"`
}

type stepSpec struct {
	Command string          `json:"command,omitempty"`
	Unit    json.RawMessage `json:"unit,omitempty"`
}

// Kind implements workunit.Serializable.
func (j *Job) Kind() string { return KindJob }

// MarshalJSON encodes the job's configuration and queued commands. The
// runner and the local process handle are not encoded.
func (j *Job) MarshalJSON() ([]byte, error) {
	j.mu.Lock()
	steps := append([]step(nil), j.steps...)
	j.mu.Unlock()

	spec := jobSpec{
		Backend:        j.opts.Backend,
		BatchTemplate:  j.opts.BatchTemplate,
		Name:           j.name,
		WorkDir:        j.opts.WorkDir,
		StatusCommand:  j.opts.StatusCommand,
		RunUnitCommand: j.opts.RunUnitCommand,
		KillGrace:      j.opts.KillGrace,
		PollInterval:   j.opts.PollInterval,
	}
	for _, s := range steps {
		if s.unit == nil {
			spec.Steps = append(spec.Steps, stepSpec{Command: s.line})
			continue
		}
		b, err := workunit.Encode(s.unit)
		if err != nil {
			return nil, err
		}
		spec.Steps = append(spec.Steps, stepSpec{Unit: b})
	}
	return json.Marshal(spec)
}

// UnmarshalJSON stores the decoded configuration; Restore builds the job.
func (j *Job) UnmarshalJSON(b []byte) error {
	var spec jobSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return err
	}
	j.opts = Options{
		Backend:        spec.Backend,
		BatchTemplate:  spec.BatchTemplate,
		Name:           spec.Name,
		WorkDir:        spec.WorkDir,
		StatusCommand:  spec.StatusCommand,
		RunUnitCommand: spec.RunUnitCommand,
		KillGrace:      spec.KillGrace,
		PollInterval:   spec.PollInterval,
	}
	j.steps = nil
	for _, s := range spec.Steps {
		if len(s.Unit) == 0 {
			j.steps = append(j.steps, step{line: s.Command})
			continue
		}
		u, err := workunit.Decode(s.Unit)
		if err != nil {
			return err
		}
		j.steps = append(j.steps, step{unit: u})
	}
	return nil
}

// Restore prepares the working directory of a decoded job. The status file is
// left as it is; reconciliation happens on the next Status call.
func (j *Job) Restore() error {
	steps := j.steps
	if err := j.build(j.opts); err != nil {
		return err
	}
	j.steps = steps
	for _, s := range steps {
		if c, ok := s.unit.(*Chain); ok {
			c.bind(j)
		}
	}
	return nil
}

// Clone copies j for use in a chain. The copy shares the runner and the local
// process handle with j, so neither submits a job the other already started.
func (j *Job) Clone() (workunit.Unit, error) {
	j.mu.Lock()
	opts := j.opts
	steps := append([]step(nil), j.steps...)
	script := j.script
	j.mu.Unlock()

	cp := &Job{}
	if err := cp.build(opts); err != nil {
		return nil, err
	}
	for i, s := range steps {
		if s.unit == nil {
			continue
		}
		u, err := workunit.Clone(s.unit)
		if err != nil {
			return nil, fmt.Errorf("copy step %d of job %s: %w", i, j.name, err)
		}
		if c, ok := u.(*Chain); ok {
			c.bind(cp)
		}
		steps[i].unit = u
	}
	cp.steps = steps
	cp.local = j.local
	cp.script = script
	return cp, nil
}

func init() {
	workunit.Register(KindJob, func() workunit.Serializable { return &Job{} })
}

// shellQuote single-quotes s when it holds characters the shell would interpret.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+,@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
