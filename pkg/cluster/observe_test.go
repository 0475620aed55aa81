package cluster

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gohpc/pkg/backend"
)

func writeStatusFile(t *testing.T, dir, name, content string) {
	t.Helper()
	hidden := filepath.Join(dir, ".gohpc")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, name+".status"), []byte(content), 0o644))
}

func TestObserve_DoesNotRewrite(t *testing.T) {
	dir := t.TempDir()
	writeStatusFile(t, dir, "sim", "error 42")

	o, err := Observe(context.Background(), Options{Backend: backend.None, WorkDir: dir, Name: "sim"})
	require.NoError(t, err)
	assert.Equal(t, "error", o.Status.String())
	assert.Equal(t, int64(42), o.JobID)
	assert.Empty(t, o.Liveness)
	assert.Equal(t, "error 42", readFile(t, filepath.Join(dir, ".gohpc", "sim.status")))
}

func TestObserve_RemoteLiveness(t *testing.T) {
	dir := t.TempDir()
	writeStatusFile(t, dir, "sim", "queueing 42")
	run := newStubRunner()
	run.outputs["squeue"] = "JOBID NAME\n7 other\n"

	// No template is needed to observe.
	o, err := Observe(context.Background(), Options{Backend: backend.Slurm, WorkDir: dir, Name: "sim", Runner: run})
	require.NoError(t, err)
	assert.Equal(t, LivenessInactive.String(), o.Liveness)
	assert.True(t, o.Orphaned())
	assert.Equal(t, "queueing 42", readFile(t, filepath.Join(dir, ".gohpc", "sim.status")), "observing never flips the record")

	run.outputs["squeue"] = "JOBID NAME\n42 sim\n"
	o, err = Observe(context.Background(), Options{Backend: backend.Slurm, WorkDir: dir, Name: "sim", Runner: run})
	require.NoError(t, err)
	assert.Equal(t, LivenessActive.String(), o.Liveness)
	assert.False(t, o.Orphaned())
}

func TestObserve_MissingStatusFile(t *testing.T) {
	_, err := Observe(context.Background(), Options{Backend: backend.None, WorkDir: t.TempDir(), Name: "sim"})
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeStatusFile(t, filepath.Join(root, "a"), "first", "completed 3")
	writeStatusFile(t, filepath.Join(root, "b", "deep"), "second", "queueing 9")
	writeStatusFile(t, filepath.Join(root, "c"), "broken", "garbage here now")
	require.NoError(t, os.WriteFile(filepath.Join(root, "c", ".gohpc", "broken.status.tmp.123"), []byte("x"), 0o644))

	found, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, found, 3)

	assert.Equal(t, filepath.Join(root, "a"), found[0].WorkDir)
	assert.Equal(t, "first", found[0].Name)
	assert.Equal(t, "completed", found[0].Status.String())
	assert.Equal(t, int64(3), found[0].JobID)

	assert.Equal(t, filepath.Join(root, "b", "deep"), found[1].WorkDir)
	assert.Equal(t, int64(9), found[1].JobID)

	assert.Equal(t, "broken", found[2].Name)
	assert.NotEmpty(t, found[2].Error)
}

func TestDiscover_Empty(t *testing.T) {
	found, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	writeStatusFile(t, dir, "sim", "error 42")

	j, err := Open(Options{Backend: backend.None, WorkDir: dir, Name: "sim"})
	require.NoError(t, err)
	assert.Equal(t, "sim", j.Name())
	assert.Equal(t, dir, j.WorkDir())

	rec, err := j.Record()
	require.NoError(t, err)
	assert.Equal(t, "error 42", rec.String(), "opening never resets a failed attempt")

	_, err = Open(Options{Backend: backend.None, WorkDir: dir, Name: "other"})
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
