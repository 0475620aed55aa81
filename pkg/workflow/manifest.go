// Package workflow loads workflow manifests and runs their jobs.
//
// A manifest lists cluster jobs sharing one backend configuration. Jobs run
// in manifest order; a job naming earlier jobs in "after" is submitted once
// all of them have completed.
package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gohpc/pkg/backend"
)

// Manifest defaults.
const (
	// DefaultVersion is the current manifest version.
	DefaultVersion = "1.0"
	// DefaultPollInterval paces dependency checks and waits.
	DefaultPollInterval = "5s"
	// DefaultRootDir anchors job work dirs, relative to the manifest.
	DefaultRootDir = "."
)

// Manifest is a parsed workflow manifest.
type Manifest struct {
	// Version must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Backend is none (or local), slurm or torque.
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`

	// BatchTemplate is relative to the manifest directory. Required for slurm and torque.
	BatchTemplate string `json:"batch_template,omitempty" yaml:"batch_template,omitempty"`

	// RootDir is relative to the manifest directory. Default ".".
	RootDir string `json:"root_dir,omitempty" yaml:"root_dir,omitempty"`

	// PollInterval is a Go duration string. Default "5s".
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`

	Jobs []JobSpec `json:"jobs" yaml:"jobs"`

	baseDir string
}

// JobSpec is one job of a workflow.
type JobSpec struct {
	Name string `json:"name" yaml:"name"`
	// WorkDir is relative to RootDir. Default: the job name.
	WorkDir  string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	After    []string `json:"after,omitempty" yaml:"after,omitempty"`
	Commands []string `json:"commands" yaml:"commands"`
}

// BaseDir is the directory relative paths are resolved against.
func (m *Manifest) BaseDir() string { return m.baseDir }

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if strings.TrimSpace(m.Backend) == "" {
		m.Backend = backend.None.String()
	}
	if m.RootDir == "" {
		m.RootDir = DefaultRootDir
	}
	if m.PollInterval == "" {
		m.PollInterval = DefaultPollInterval
	}
	for i := range m.Jobs {
		if m.Jobs[i].WorkDir == "" {
			m.Jobs[i].WorkDir = m.Jobs[i].Name
		}
	}
}

// BackendKind parses Backend.
func (m *Manifest) BackendKind() (backend.Kind, error) {
	return backend.ParseKind(m.Backend)
}

// Interval parses PollInterval.
func (m *Manifest) Interval() (time.Duration, error) {
	if m.PollInterval == "" {
		return time.ParseDuration(DefaultPollInterval)
	}
	d, err := time.ParseDuration(m.PollInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// Job returns the spec named name.
func (m *Manifest) Job(name string) (JobSpec, bool) {
	for _, j := range m.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobSpec{}, false
}

// ErrValidationFailed is matched by ValidationErrors.
var ErrValidationFailed = errors.New("manifest validation failed")

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path locates the field, e.g. "jobs[1].after".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("manifest validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks the manifest after defaults have been applied.
func (m *Manifest) Validate() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if m.Version != DefaultVersion {
		add("version", "unsupported version %q (expected %q)", m.Version, DefaultVersion)
	}
	kind, err := m.BackendKind()
	if err != nil {
		add("backend", "%v", err)
	} else if !kind.IsLocal() && strings.TrimSpace(m.BatchTemplate) == "" {
		add("batch_template", "required for backend %s", kind)
	}
	if _, err := m.Interval(); err != nil {
		add("poll_interval", "%v", err)
	}
	if len(m.Jobs) == 0 {
		add("jobs", "at least one job is required")
	}

	seen := map[string]int{}
	dirs := map[string]string{}
	for i, j := range m.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add(path+".name", "is required")
		case strings.ContainsAny(name, " /\\"):
			add(path+".name", "must not contain spaces or path separators: %q", name)
		default:
			if prev, dup := seen[name]; dup {
				add(path+".name", "duplicate job name %q (also jobs[%d])", name, prev)
			}
		}
		if len(j.Commands) == 0 {
			add(path+".commands", "at least one command is required")
		}
		for k, c := range j.Commands {
			if strings.TrimSpace(c) == "" {
				add(fmt.Sprintf("%s.commands[%d]", path, k), "is empty")
			}
		}
		key := j.WorkDir + "\x00" + name
		if other, dup := dirs[key]; dup {
			add(path+".work_dir", "job identity (work dir, name) already used by %s", other)
		}
		dirs[key] = path
		for _, dep := range j.After {
			if dep == name {
				add(path+".after", "job %q depends on itself", name)
				continue
			}
			if _, ok := seen[dep]; !ok {
				add(path+".after", "unknown or later job %q", dep)
			}
		}
		if name != "" {
			if _, dup := seen[name]; !dup {
				seen[name] = i
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
