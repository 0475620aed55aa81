// Package backend describes the execution backends a cluster job can be
// submitted to.
//
// The set of backends is closed: local execution (None) and the two batch
// queueing systems slurm and torque. Each Kind carries a fixed Adapter record
// with the command templates and script directive syntax of that backend, so
// callers dispatch once through the adapter instead of comparing names.
package backend

import (
	"fmt"
	"strings"
)

// Kind identifies an execution backend.
type Kind int

const (
	// None runs the batch script locally in a background process.
	None Kind = iota
	Slurm
	Torque
)

// Kinds lists every backend.
var Kinds = []Kind{None, Slurm, Torque}

// ParseKind accepts "", "none" and "local" for the local backend, and the
// queueing system names "slurm" and "torque".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "local":
		return None, nil
	case "slurm":
		return Slurm, nil
	case "torque":
		return Torque, nil
	default:
		return None, fmt.Errorf("unknown backend %q (expected none, slurm, or torque)", s)
	}
}

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Slurm:
		return "slurm"
	case Torque:
		return "torque"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	_, ok := adapters[k]
	return ok
}

// IsLocal reports whether jobs run in a background process of the submitter.
func (k Kind) IsLocal() bool {
	return k == None
}

// MarshalText encodes the backend name for JSON and YAML documents.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a backend name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Adapter is the fixed description of one backend.
type Adapter struct {
	Kind Kind

	// SubmitCmd is invoked as "<SubmitCmd> <script>".
	SubmitCmd string
	// StatusCmd dumps every live job; ids are found by text search.
	StatusCmd string
	// DeleteCmd is invoked as "<DeleteCmd> <job id>".
	DeleteCmd string

	// DirectivePrefix starts every script directive line (e.g. "#SBATCH").
	DirectivePrefix string
	// JobNameOption is the option token naming the job, including its leading blank.
	JobNameOption string
	// OptionDelimiter separates option and value.
	OptionDelimiter string
}

var adapters = map[Kind]Adapter{
	None: {
		Kind:            None,
		SubmitCmd:       "bash",
		DirectivePrefix: "#",
		JobNameOption:   " jobname",
		OptionDelimiter: ": ",
	},
	Slurm: {
		Kind:            Slurm,
		SubmitCmd:       "sbatch",
		StatusCmd:       "squeue",
		DeleteCmd:       "scancel",
		DirectivePrefix: "#SBATCH",
		JobNameOption:   " --job-name",
		OptionDelimiter: "=",
	},
	Torque: {
		Kind:            Torque,
		SubmitCmd:       "qsub",
		StatusCmd:       "qstat",
		DeleteCmd:       "qdel",
		DirectivePrefix: "#PBS",
		JobNameOption:   " -N",
		OptionDelimiter: " ",
	},
}

// Adapter returns the backend's fixed record.
func (k Kind) Adapter() Adapter {
	a, ok := adapters[k]
	if !ok {
		return adapters[None]
	}
	return a
}

// SubmitCommand renders the submission command line for script.
func (a Adapter) SubmitCommand(script string) string {
	return a.SubmitCmd + " " + script
}

// StatusCommand renders the live-list command line. It is empty for the local
// backend, whose liveness is only observable inside the submitting process.
func (a Adapter) StatusCommand() string {
	return a.StatusCmd
}

// DeleteCommand renders the delete command line for jobID. It is empty for the
// local backend.
func (a Adapter) DeleteCommand(jobID int64) string {
	if a.DeleteCmd == "" {
		return ""
	}
	return fmt.Sprintf("%s %d", a.DeleteCmd, jobID)
}

// JobNameDirective renders the script line naming the job.
func (a Adapter) JobNameDirective(name string) string {
	return a.DirectivePrefix + a.JobNameOption + a.OptionDelimiter + name
}

// IsJobNameDirective reports whether line already names the job.
func (a Adapter) IsJobNameDirective(line string) bool {
	return strings.Contains(line, a.DirectivePrefix) && strings.Contains(line, a.JobNameOption)
}

// IsDirective reports whether line is a directive of this backend.
func (a Adapter) IsDirective(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), a.DirectivePrefix)
}

// Binaries lists the executables the backend needs on PATH.
func (a Adapter) Binaries() []string {
	out := []string{a.SubmitCmd}
	if a.StatusCmd != "" {
		out = append(out, a.StatusCmd)
	}
	if a.DeleteCmd != "" {
		out = append(out, a.DeleteCmd)
	}
	return out
}
