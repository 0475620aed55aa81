// Package workdir prepares working directories for jobs and command chains.
//
// Every working directory gets a hidden subdirectory (.gohpc) that holds
// status files, generated batch scripts, serialized work units, captured
// command output and a log file:
//
//	<dir>/.gohpc/log.txt
//	<dir>/.gohpc/<job>.status
//	<dir>/.gohpc/batch-<timestamp>-<job>.sh
//	<dir>/.gohpc/<timestamp>-<command>.out|.err
//
// Loggers are cached per directory, so preparing the same directory again
// (in this process) reuses the existing log sink.
package workdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/3leaps/gohpc/pkg/shell"
)

const (
	// HiddenDirName is the per-directory bookkeeping subdirectory.
	HiddenDirName = ".gohpc"
	// LogFileName is the log file inside the hidden directory.
	LogFileName = "log.txt"

	timestampLayout = "2006_01_02_150405.000000"
)

// WorkDir is a prepared working directory.
type WorkDir struct {
	dir    string
	logger *zap.Logger
	runner shell.Runner
	now    func() time.Time

	mu      sync.Mutex
	lastOut string
	lastErr string
}

// Option customizes Prepare.
type Option func(*WorkDir)

// WithRunner sets the command runner used by CallCmd.
func WithRunner(r shell.Runner) Option {
	return func(w *WorkDir) {
		if r != nil {
			w.runner = r
		}
	}
}

// WithClock overrides the clock used for output file names.
func WithClock(now func() time.Time) Option {
	return func(w *WorkDir) {
		if now != nil {
			w.now = now
		}
	}
}

// Prepare creates dir (its parent must exist) and the hidden subdirectory,
// and attaches the directory's logger. Calling Prepare repeatedly for the
// same directory is valid.
func Prepare(dir string, opts ...Option) (*WorkDir, error) {
	abs, err := ExpandPath(dir)
	if err != nil {
		return nil, err
	}

	if st, err := os.Stat(abs); err != nil {
		parent := filepath.Dir(abs)
		if pst, perr := os.Stat(parent); perr != nil || !pst.IsDir() {
			return nil, fmt.Errorf("working directory %s could not be created: parent directory does not exist", abs)
		}
		// #nosec G301 -- working directories are shared with batch jobs of the same user
		if err := os.Mkdir(abs, 0755); err != nil && !os.IsExist(err) {
			return nil, fmt.Errorf("create working directory %s: %w", abs, err)
		}
	} else if !st.IsDir() {
		return nil, fmt.Errorf("working directory %s is not a directory", abs)
	}

	hidden := filepath.Join(abs, HiddenDirName)
	if err := os.MkdirAll(hidden, 0755); err != nil {
		return nil, fmt.Errorf("create %s directory: %w", HiddenDirName, err)
	}

	w := &WorkDir{
		dir:    abs,
		logger: loggerFor(abs),
		runner: shell.NewRunner(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ExpandPath expands "~" and environment variables and returns an absolute path.
func ExpandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "."
	}
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", path, err)
	}
	return abs, nil
}

// Dir is the absolute working directory.
func (w *WorkDir) Dir() string { return w.dir }

// HiddenDir is the absolute path of <dir>/.gohpc.
func (w *WorkDir) HiddenDir() string { return filepath.Join(w.dir, HiddenDirName) }

// LogFile is the file the directory logger writes to.
func (w *WorkDir) LogFile() string { return filepath.Join(w.HiddenDir(), LogFileName) }

// Logger writes to LogFile (and to the console core, if one is installed).
func (w *WorkDir) Logger() *zap.Logger { return w.logger }

// Runner is the command runner used by CallCmd.
func (w *WorkDir) Runner() shell.Runner { return w.runner }

// Abs resolves path relative to the working directory.
func (w *WorkDir) Abs(path string) string {
	path = os.ExpandEnv(strings.TrimSpace(path))
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(w.dir, path)
}

// Rel returns path relative to the working directory, or path itself when no
// relative form exists.
func (w *WorkDir) Rel(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return path
	}
	return rel
}

// CallCmd runs line in the working directory with stdout and stderr captured
// to timestamped files in the hidden directory (see LastOutfile/LastErrfile).
func (w *WorkDir) CallCmd(ctx context.Context, line string) error {
	out, errf := w.StdoutFile(line), w.StderrFile(line)
	w.mu.Lock()
	w.lastOut, w.lastErr = out, errf
	w.mu.Unlock()

	w.logger.Debug("call command", zap.String("cmd", line), zap.String("stdout", out))
	err := w.runner.Run(ctx, shell.Command{Line: line, Dir: w.dir, StdoutPath: out, StderrPath: errf})
	if err != nil {
		w.logger.Error("command failed", zap.String("cmd", line), zap.Error(err))
	}
	return err
}

// LastOutfile is the stdout file of the most recent CallCmd.
func (w *WorkDir) LastOutfile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOut
}

// LastErrfile is the stderr file of the most recent CallCmd.
func (w *WorkDir) LastErrfile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// StdoutFile names a fresh stdout capture file for cmd.
func (w *WorkDir) StdoutFile(cmd string) string {
	return filepath.Join(w.HiddenDir(), fmt.Sprintf("%s-%s.out", w.timestamp(), shortName(cmd)))
}

// StderrFile names a fresh stderr capture file for cmd.
func (w *WorkDir) StderrFile(cmd string) string {
	return filepath.Join(w.HiddenDir(), fmt.Sprintf("%s-%s.err", w.timestamp(), shortName(cmd)))
}

// BatchFile names a fresh batch script for jobName.
func (w *WorkDir) BatchFile(jobName string) string {
	return filepath.Join(w.HiddenDir(), fmt.Sprintf("batch-%s-%s.sh", w.now().Format("2006_01_02_150405"), strings.ReplaceAll(jobName, " ", "")))
}

// Fail logs err with msg and returns it unchanged.
func (w *WorkDir) Fail(err error, msg string, fields ...zap.Field) error {
	if err != nil {
		w.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	return err
}

func (w *WorkDir) timestamp() string {
	return strings.ReplaceAll(w.now().Format(timestampLayout), ".", "_")
}

func shortName(cmd string) string {
	joined := strings.Join(strings.Fields(strings.ReplaceAll(cmd, string(filepath.Separator), "")), "_")
	if len(joined) > 10 {
		joined = joined[:10]
	}
	if joined == "" {
		return "cmd"
	}
	return joined
}

var (
	loggersMu   sync.Mutex
	loggers     = map[string]*zap.Logger{}
	consoleCore zapcore.Core
)

// SetConsoleCore tees every directory logger created afterwards into core,
// typically the CLI console logger's core. Pass nil to log to files only.
func SetConsoleCore(core zapcore.Core) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	consoleCore = core
}

func loggerFor(dir string) *zap.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[dir]; ok {
		return l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, HiddenDirName, LogFileName),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(sink), zapcore.DebugLevel)
	if consoleCore != nil {
		core = zapcore.NewTee(core, consoleCore)
	}

	l := zap.New(core).With(zap.String("work_dir", dir))
	loggers[dir] = l
	return l
}
