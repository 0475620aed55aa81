package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohpc/pkg/status"
	"github.com/3leaps/gohpc/pkg/workunit"
)

func recorder(calls *[]string, name string, err error) workunit.Unit {
	return workunit.Func(func(context.Context) error {
		*calls = append(*calls, name)
		return err
	})
}

func TestChain_RunsInOrder(t *testing.T) {
	var calls []string
	c, err := NewChain(t.TempDir(), recorder(&calls, "A", nil), recorder(&calls, "B", nil), recorder(&calls, "C", nil))
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"A", "B", "C"}, calls)
	assert.Equal(t, 3, c.Len())
}

func TestChain_AbortsOnFailure(t *testing.T) {
	boom := errors.New("B failed")
	var calls []string
	c, err := NewChain(t.TempDir(), recorder(&calls, "A", nil), recorder(&calls, "B", boom), recorder(&calls, "C", nil))
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.Same(t, boom, err, "the unit's error is returned unchanged")
	assert.Equal(t, []string{"A", "B"}, calls)
}

func TestChain_LogsContext(t *testing.T) {
	dir := t.TempDir()
	c, err := NewChain(dir, workunit.Func(func(context.Context) error { return errors.New("nope") }))
	require.NoError(t, err)
	_ = c.Run(context.Background())

	log := readFile(t, filepath.Join(dir, ".gohpc", "log.txt"))
	assert.Contains(t, log, "chain aborted")
	assert.Contains(t, log, "nope")
}

func TestChain_RejectsNil(t *testing.T) {
	_, err := NewChain(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestChain_DeepCopiesSerializableUnits(t *testing.T) {
	dir := t.TempDir()
	cmd, err := NewCommand(dir, "echo original")
	require.NoError(t, err)

	c, err := NewChain(dir, cmd)
	require.NoError(t, err)
	cmd.Line = "echo changed"

	assert.Equal(t, "echo original", c.At(0).(*Command).Line)
	assert.NotSame(t, cmd, c.At(0))
}

func TestChain_Append(t *testing.T) {
	var calls []string
	c, err := NewChain(t.TempDir(), recorder(&calls, "A", nil))
	require.NoError(t, err)
	require.NoError(t, c.Append(recorder(&calls, "B", nil)))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"A", "B"}, calls)
	assert.Len(t, c.Units(), 2)
}

func TestChain_AppendAfterJobScriptWritten(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCommand(dir, "echo one")
	require.NoError(t, err)
	c, err := NewChain(dir, first)
	require.NoError(t, err)

	j, err := NewJob(Options{WorkDir: dir, Name: "bound", RunUnitCommand: "ru", StatusCommand: "st"})
	require.NoError(t, err)
	require.NoError(t, j.AddUnit(c))

	second, err := NewCommand(dir, "echo two")
	require.NoError(t, err)
	require.NoError(t, c.Append(second), "appending before the script exists is fine")

	_, err = j.WriteScript()
	require.NoError(t, err)

	var conflict *StateConflictError
	assert.ErrorAs(t, c.Append(second), &conflict)
}

func TestChain_SerializedRunsInAnotherProcessShape(t *testing.T) {
	dir := t.TempDir()
	a, err := NewCommand(dir, "touch a.txt")
	require.NoError(t, err)
	b, err := NewCommand(dir, "touch b.txt")
	require.NoError(t, err)
	inner, err := NewChain(dir, b)
	require.NoError(t, err)
	c, err := NewChain(dir, a, inner)
	require.NoError(t, err)

	file := filepath.Join(dir, "chain.json")
	require.NoError(t, workunit.Save(c, file))

	loaded, err := workunit.Load(file)
	require.NoError(t, err)
	lc, ok := loaded.(*Chain)
	require.True(t, ok)
	assert.Equal(t, dir, lc.WorkDir())
	require.Equal(t, 2, lc.Len())
	_, nested := lc.At(1).(*Chain)
	assert.True(t, nested)

	require.NoError(t, lc.Run(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
	assert.FileExists(t, filepath.Join(dir, "b.txt"))
}

func TestChain_NonSerializableElement(t *testing.T) {
	c, err := NewChain(t.TempDir(), workunit.Func(func(context.Context) error { return nil }))
	require.NoError(t, err)

	_, err = workunit.Encode(c)
	assert.ErrorIs(t, err, workunit.ErrNotSerializable)
}

func TestChain_StopsOnCanceledContext(t *testing.T) {
	var calls []string
	c, err := NewChain(t.TempDir(), recorder(&calls, "A", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Run(ctx), context.Canceled)
	assert.Empty(t, calls)
}

func TestCommand_Failure(t *testing.T) {
	dir := t.TempDir()
	cmd, err := NewCommand(dir, "false")
	require.NoError(t, err)
	assert.Error(t, cmd.Run(context.Background()))
}

func TestJobInsideChain(t *testing.T) {
	if testing.Short() {
		t.Skip("runs bash")
	}
	root := t.TempDir()
	j, err := NewJob(helperOptions(t, filepath.Join(root, "step1")))
	require.NoError(t, err)
	require.NoError(t, j.AddCommand("touch done.txt"))

	c, err := NewChain(root, j)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	assert.FileExists(t, filepath.Join(root, "step1", "done.txt"))

	// A completed job is skipped on rerun.
	require.NoError(t, c.Run(ctx))
}

func TestChain_KeepsWrittenJobStatus(t *testing.T) {
	root := t.TempDir()
	j, err := NewJob(Options{WorkDir: filepath.Join(root, "step1"), Name: "written", StatusCommand: "st", RunUnitCommand: "ru"})
	require.NoError(t, err)
	require.NoError(t, j.AddCommand("true"))
	_, err = j.WriteScript()
	require.NoError(t, err)
	require.Equal(t, "not_submitted", readFile(t, j.StatusFile()))

	c, err := NewChain(root, j)
	require.NoError(t, err)
	assert.Equal(t, "not_submitted", readFile(t, j.StatusFile()))

	cp, ok := c.At(0).(*Job)
	require.True(t, ok)
	assert.NotSame(t, j, cp)
	assert.Equal(t, j.Script(), cp.Script())
}

func TestChain_DecodedJobKeepsStatus(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJob(Options{WorkDir: dir, Name: "queued", StatusCommand: "st", RunUnitCommand: "ru"})
	require.NoError(t, err)
	writeStatus(t, j, "running 12")

	b, err := workunit.Encode(j)
	require.NoError(t, err)
	_, err = workunit.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "running 12", readFile(t, j.StatusFile()))
}

func TestChain_SubmittedLocalJobRunsOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("runs bash")
	}
	root := t.TempDir()
	dir := filepath.Join(root, "step1")
	j, err := NewJob(helperOptions(t, dir))
	require.NoError(t, err)
	require.NoError(t, j.AddCommand("echo x >> runs.txt"))
	require.NoError(t, j.AddCommand("sleep 1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := j.Submit(ctx)
	require.NoError(t, err)

	c, err := NewChain(root, j)
	require.NoError(t, err)
	rec, err := j.Record()
	require.NoError(t, err)
	assert.True(t, rec.Status.IsActive() || rec.Status == status.Completed, "status after copy: %s", rec.Status)
	assert.Equal(t, id, rec.JobID)

	require.NoError(t, c.Run(ctx))

	runs, err := os.ReadFile(filepath.Join(dir, "runs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(runs))
	assert.Equal(t, "completed "+itoa(id), readFile(t, j.StatusFile()))
}

func TestJobClone_SharesLocalProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("runs bash")
	}
	dir := t.TempDir()
	j, err := NewJob(helperOptions(t, dir))
	require.NoError(t, err)
	require.NoError(t, j.AddCommand("true"))

	u, err := workunit.Clone(j)
	require.NoError(t, err)
	cp := u.(*Job)
	require.False(t, j.OwnsLocalProcess())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = cp.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, j.OwnsLocalProcess(), "the original observes the process its copy started")

	st, err := j.Wait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, st)
}
