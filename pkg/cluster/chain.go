package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/gohpc/pkg/workdir"
	"github.com/3leaps/gohpc/pkg/workunit"
)

const (
	// KindChain is the work unit kind of a serialized Chain.
	KindChain = "chain"
	// KindCommand is the work unit kind of a serialized Command.
	KindCommand = "shell"
)

// Chain runs work units one after another. It is itself a work unit, so
// chains nest inside chains and jobs.
type Chain struct {
	workDir string

	mu    sync.Mutex
	units []workunit.Unit
	owner *Job

	wd *workdir.WorkDir
}

// NewChain copies units into a new chain logging to workDir. Serializable
// units are deep-copied; other units are kept by value.
func NewChain(workDir string, units ...workunit.Unit) (*Chain, error) {
	wd, err := workdir.Prepare(workDir)
	if err != nil {
		return nil, err
	}
	c := &Chain{workDir: wd.Dir(), wd: wd}
	if err := c.Append(units...); err != nil {
		return nil, err
	}
	return c, nil
}

// Append adds units at the end. It fails with *StateConflictError once the
// chain is part of a job whose script has been written.
func (c *Chain) Append(units ...workunit.Unit) error {
	copies := make([]workunit.Unit, 0, len(units))
	for i, u := range units {
		if u == nil {
			return fmt.Errorf("chain element %d is nil", i)
		}
		cp, err := workunit.Clone(u)
		if err != nil {
			return fmt.Errorf("copy chain element %d: %w", i, err)
		}
		copies = append(copies, cp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != nil && c.owner.scriptWritten() {
		return &StateConflictError{Op: "append to chain", Job: c.owner.Name(), Status: "written", Err: errScriptWritten}
	}
	c.units = append(c.units, copies...)
	return nil
}

func (c *Chain) bind(j *Job) {
	c.mu.Lock()
	c.owner = j
	c.mu.Unlock()
}

// Len is the number of units.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}

// At returns unit i.
func (c *Chain) At(i int) workunit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units[i]
}

// Units returns a snapshot of the units.
func (c *Chain) Units() []workunit.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]workunit.Unit(nil), c.units...)
}

// WorkDir is the directory the chain logs to.
func (c *Chain) WorkDir() string { return c.workDir }

// Run invokes every unit in order. The first failing unit stops the chain and
// its error is returned unchanged.
func (c *Chain) Run(ctx context.Context) error {
	units := c.Units()
	logger := c.wd.Logger()
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := []zap.Field{zap.Int("step", i+1), zap.Int("of", len(units))}
		if d, ok := u.(workunit.WorkDirer); ok {
			fields = append(fields, zap.String("unit_dir", c.wd.Rel(d.WorkDir())))
		}
		logger.Info("next call", fields...)

		if err := u.Run(ctx); err != nil {
			logger.Error("chain aborted", append(fields, zap.Error(err))...)
			return err
		}
	}
	return nil
}

// Clone copies the chain and each of its units. The copy is not bound to a job.
func (c *Chain) Clone() (workunit.Unit, error) {
	units := c.Units()
	cp := &Chain{workDir: c.workDir, wd: c.wd, units: make([]workunit.Unit, 0, len(units))}
	for i, u := range units {
		dup, err := workunit.Clone(u)
		if err != nil {
			return nil, fmt.Errorf("copy chain element %d: %w", i, err)
		}
		cp.units = append(cp.units, dup)
	}
	return cp, nil
}

type chainSpec struct {
	WorkDir string            `json:"work_dir"`
	Units   []json.RawMessage `json:"units"`
}

// Kind implements workunit.Serializable.
func (c *Chain) Kind() string { return KindChain }

// MarshalJSON encodes the work dir and units. The logger is not encoded.
func (c *Chain) MarshalJSON() ([]byte, error) {
	spec := chainSpec{WorkDir: c.workDir, Units: []json.RawMessage{}}
	for i, u := range c.Units() {
		b, err := workunit.Encode(u)
		if err != nil {
			return nil, fmt.Errorf("chain element %d: %w", i, err)
		}
		spec.Units = append(spec.Units, b)
	}
	return json.Marshal(spec)
}

// UnmarshalJSON decodes the work dir and units; Restore reattaches the logger.
func (c *Chain) UnmarshalJSON(b []byte) error {
	var spec chainSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return err
	}
	c.workDir = spec.WorkDir
	c.units = nil
	for i, raw := range spec.Units {
		u, err := workunit.Decode(raw)
		if err != nil {
			return fmt.Errorf("chain element %d: %w", i, err)
		}
		c.units = append(c.units, u)
	}
	return nil
}

// Restore reacquires the work dir logger from the stored path.
func (c *Chain) Restore() error {
	if c.workDir == "" {
		return errors.New("chain has no work dir")
	}
	wd, err := workdir.Prepare(c.workDir)
	if err != nil {
		return err
	}
	c.wd = wd
	return nil
}

// Command is a work unit running one command line in a work dir, with output
// captured to the work dir's hidden directory.
type Command struct {
	Line string `json:"line"`
	Dir  string `json:"work_dir"`

	wd *workdir.WorkDir
}

// NewCommand prepares dir and returns a unit running line there.
func NewCommand(dir, line string) (*Command, error) {
	wd, err := workdir.Prepare(dir)
	if err != nil {
		return nil, err
	}
	return &Command{Line: line, Dir: wd.Dir(), wd: wd}, nil
}

// Kind implements workunit.Serializable.
func (c *Command) Kind() string { return KindCommand }

// WorkDir is the directory the command runs in.
func (c *Command) WorkDir() string { return c.Dir }

// Restore reattaches the work dir.
func (c *Command) Restore() error {
	wd, err := workdir.Prepare(c.Dir)
	if err != nil {
		return err
	}
	c.wd = wd
	return nil
}

// Run executes the command line.
func (c *Command) Run(ctx context.Context) error {
	if c.wd == nil {
		if err := c.Restore(); err != nil {
			return err
		}
	}
	return c.wd.CallCmd(ctx, c.Line)
}

func init() {
	workunit.Register(KindChain, func() workunit.Serializable { return &Chain{} })
	workunit.Register(KindCommand, func() workunit.Serializable { return &Command{} })
}
