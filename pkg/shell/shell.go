// Package shell runs external commands with their output captured to files.
//
// Command lines are split on whitespace; there is no shell quoting. Anything
// needing shell syntax belongs in a script that is run with "bash <script>".
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Command describes one invocation.
type Command struct {
	// Line is the command line, split on whitespace.
	Line string
	// Dir is the working directory; it must exist. Empty means the current directory.
	Dir string
	// StdoutPath receives stdout. Empty discards it.
	StdoutPath string
	// StderrPath receives stderr. Empty sends stderr to StdoutPath.
	StderrPath string
	// Env replaces the environment when non-empty.
	Env []string
}

// Error reports a command that could not be run or exited non-zero.
type Error struct {
	Command    string
	ExitCode   int
	StdoutPath string
	StderrPath string
	Err        error
}

func (e *Error) Error() string {
	where := e.StdoutPath
	if e.StderrPath != "" && e.StderrPath != e.StdoutPath {
		where = e.StdoutPath + " or " + e.StderrPath
	}
	if e.ExitCode > 0 {
		return fmt.Sprintf("command %q terminated with exit code %d; see %s for further information", e.Command, e.ExitCode, where)
	}
	return fmt.Sprintf("error calling %q: %v; see %s for further information", e.Command, e.Err, where)
}

func (e *Error) Unwrap() error { return e.Err }

// Process is a command running in the background.
type Process interface {
	Pid() int
	// Alive reports whether the process has not exited yet.
	Alive() bool
	// Done is closed once the process has exited and its output is flushed.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
	// Terminate signals the whole process group to stop.
	Terminate() error
}

// Runner executes commands. ExecRunner is the production implementation;
// tests substitute stubs for queueing system commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
	Start(cmd Command) (Process, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewRunner returns the default runner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd synchronously and returns *Error on failure.
func (ExecRunner) Run(ctx context.Context, c Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c2, stdout, stderr, err := prepare(c)
	if err != nil {
		return err
	}
	defer closeAll(stdout, stderr)

	args := strings.Fields(c.Line)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	configure(cmd, c2, stdout, stderr)

	if err := cmd.Run(); err != nil {
		return wrapExit(c, err)
	}
	return nil
}

// Start launches cmd in its own process group and returns immediately.
func (ExecRunner) Start(c Command) (Process, error) {
	c2, stdout, stderr, err := prepare(c)
	if err != nil {
		return nil, err
	}

	args := strings.Fields(c.Line)
	cmd := exec.Command(args[0], args[1:]...)
	configure(cmd, c2, stdout, stderr)
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stderr)
		return nil, &Error{Command: c.Line, StdoutPath: c.StdoutPath, StderrPath: c.StderrPath, Err: err}
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		werr := cmd.Wait()
		closeAll(stdout, stderr)
		p.mu.Lock()
		if werr != nil {
			p.err = wrapExit(c, werr)
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func prepare(c Command) (Command, io.WriteCloser, io.WriteCloser, error) {
	if len(strings.Fields(c.Line)) == 0 {
		return c, nil, nil, errors.New("empty command line")
	}
	if c.Dir != "" {
		st, err := os.Stat(c.Dir)
		if err != nil || !st.IsDir() {
			return c, nil, nil, fmt.Errorf("working directory %s does not exist", c.Dir)
		}
	}

	var stdout, stderr io.WriteCloser
	if c.StdoutPath != "" {
		f, err := os.Create(c.StdoutPath)
		if err != nil {
			return c, nil, nil, fmt.Errorf("create stdout file: %w", err)
		}
		stdout = f
	}
	if c.StderrPath != "" && c.StderrPath != c.StdoutPath {
		f, err := os.Create(c.StderrPath)
		if err != nil {
			closeAll(stdout)
			return c, nil, nil, fmt.Errorf("create stderr file: %w", err)
		}
		stderr = f
	}
	return c, stdout, stderr, nil
}

func configure(cmd *exec.Cmd, c Command, stdout, stderr io.WriteCloser) {
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	switch {
	case stderr != nil:
		cmd.Stderr = stderr
	case stdout != nil:
		cmd.Stderr = stdout
	}
}

func closeAll(files ...io.WriteCloser) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func wrapExit(c Command, err error) error {
	e := &Error{Command: c.Line, StdoutPath: c.StdoutPath, StderrPath: c.StderrPath, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
	}
	return e
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return terminateProcessGroup(p.cmd)
}
