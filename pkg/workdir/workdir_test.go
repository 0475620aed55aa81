package workdir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohpc/pkg/shell"
)

type recordingRunner struct {
	cmds []shell.Command
	err  error
}

func (r *recordingRunner) Run(_ context.Context, c shell.Command) error {
	r.cmds = append(r.cmds, c)
	return r.err
}

func (r *recordingRunner) Start(c shell.Command) (shell.Process, error) {
	r.cmds = append(r.cmds, c)
	return nil, r.err
}

func TestPrepare_CreatesDirectories(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sim")

	w, err := Prepare(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())
	assert.DirExists(t, w.HiddenDir())
	assert.Equal(t, filepath.Join(dir, ".gohpc", "log.txt"), w.LogFile())

	again, err := Prepare(dir)
	require.NoError(t, err)
	assert.Same(t, w.Logger(), again.Logger(), "logger is cached per directory")
}

func TestPrepare_MissingParent(t *testing.T) {
	_, err := Prepare(filepath.Join(t.TempDir(), "a", "b"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent directory does not exist")
}

func TestPrepare_RejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))

	_, err := Prepare(f)
	assert.Error(t, err)
}

func TestLogger_WritesLogFile(t *testing.T) {
	w, err := Prepare(t.TempDir())
	require.NoError(t, err)

	w.Logger().Info("hello from test")
	_ = w.Logger().Sync()

	b, err := os.ReadFile(w.LogFile())
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from test")
}

func TestAbsRel(t *testing.T) {
	w, err := Prepare(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(w.Dir(), "a", "b.txt"), w.Abs("a/b.txt"))
	assert.Equal(t, "/etc/hosts", w.Abs("/etc/hosts"))
	assert.Equal(t, filepath.Join("a", "b.txt"), w.Rel(filepath.Join(w.Dir(), "a", "b.txt")))
}

func TestCallCmd_UsesCaptureFiles(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	runner := &recordingRunner{}
	w, err := Prepare(t.TempDir(), WithRunner(runner), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	require.NoError(t, w.CallCmd(context.Background(), "gmx grompp -f /abs/eq.mdp"))
	require.Len(t, runner.cmds, 1)

	c := runner.cmds[0]
	assert.Equal(t, w.Dir(), c.Dir)
	assert.Equal(t, "gmx grompp -f /abs/eq.mdp", c.Line)
	assert.Equal(t, w.LastOutfile(), c.StdoutPath)
	assert.Equal(t, w.LastErrfile(), c.StderrPath)
	assert.True(t, strings.HasPrefix(filepath.Base(c.StdoutPath), "2026_03_04_050607_000000-gmx_grompp"))
	assert.True(t, strings.HasSuffix(c.StderrPath, ".err"))
}

func TestBatchFile(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	w, err := Prepare(t.TempDir(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(w.HiddenDir(), "batch-2026_03_04_050607-myjob.sh"), w.BatchFile("my job"))
}

func TestExpandPath(t *testing.T) {
	t.Setenv("GOHPC_TEST_ROOT", "/data/runs")
	got, err := ExpandPath("$GOHPC_TEST_ROOT/x")
	require.NoError(t, err)
	assert.Equal(t, "/data/runs/x", got)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err = ExpandPath("~/sims")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "sims"), got)
}
