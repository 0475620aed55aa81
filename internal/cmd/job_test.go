package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/pkg/cluster"
)

func TestJobSubmit_LocalLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	out, code := run(t, dir, "job", "submit", "-C", "work", "-n", "sim", "-c", "echo hi > out.txt")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "sim "))
	assert.Equal(t, "sim completed", lines[1], "local jobs are waited for")
	assert.Equal(t, "hi\n", readFile(t, filepath.Join(dir, "work", "out.txt")))

	rec := readFile(t, filepath.Join(dir, "work", ".gohpc", "sim.status"))
	assert.True(t, strings.HasPrefix(rec, "completed "))

	out, code = run(t, dir, "job", "status", "-C", "work", "-n", "sim")
	require.Equal(t, 0, code)
	assert.Equal(t, "sim\t"+rec+"\n", out)

	_, code = run(t, dir, "job", "submit", "-C", "work", "-n", "sim", "-c", "echo again")
	assert.Equal(t, apperrors.ExitStateConflict, code, "completed jobs are not resubmitted")

	out, code = run(t, dir, "job", "kill", "-C", "work", "-n", "sim")
	require.Equal(t, 0, code)
	assert.Equal(t, "sim\t"+rec+"\n", out, "killing a finished job changes nothing")
}

func TestJobSubmit_FailingCommand(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	out, code := run(t, dir, "job", "submit", "-C", "bad", "-n", "bad", "-c", "false", "-c", "echo still runs > after.txt")
	assert.Equal(t, apperrors.ExitJobFailed, code)
	assert.Contains(t, out, "bad error")
	assert.FileExists(t, filepath.Join(dir, "bad", "after.txt"), "later commands run after a failure")
}

func TestJobStatus_JSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")
	hidden := filepath.Join(dir, "w", ".gohpc")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, "w.status"), []byte("error 5"), 0o644))

	out, code := run(t, dir, "job", "status", "-C", "w", "-n", "w", "--json")
	require.Equal(t, 0, code)
	var o cluster.Observation
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, "error", string(o.Status))
	assert.Equal(t, int64(5), o.JobID)
	assert.Equal(t, "error 5", readFile(t, filepath.Join(hidden, "w.status")), "status never resets a failed attempt")

	_, code = run(t, dir, "job", "status", "-C", "w", "-n", "missing")
	assert.Equal(t, apperrors.ExitNotFound, code)
}

func TestJobStatus_ReconcileOrphan(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")
	hidden := filepath.Join(dir, "w", ".gohpc")
	require.NoError(t, os.MkdirAll(hidden, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hidden, "w.status"), []byte("running 5"), 0o644))

	out, code := run(t, dir, "job", "status", "-C", "w", "-n", "w")
	require.Equal(t, 0, code)
	assert.Equal(t, "w\trunning 5 (unobservable)\n", out)

	out, code = run(t, dir, "job", "status", "-C", "w", "-n", "w", "--reconcile")
	require.Equal(t, 0, code)
	assert.Equal(t, "w\terror 5\n", out)
}

func TestJobScript(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	out, code := run(t, dir, "job", "script", "-C", "s", "-n", "sim", "-c", "echo one", "-c", "echo two", "--print")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "## COMMANDS: ##")
	assert.Contains(t, out, "echo one\necho two\n")
	assert.Contains(t, out, "status set running")
	assert.Equal(t, "not_submitted", readFile(t, filepath.Join(dir, "s", ".gohpc", "sim.status")))

	out, code = run(t, dir, "job", "script", "-C", "s", "-n", "sim")
	require.Equal(t, 0, code)
	path := strings.TrimSpace(out)
	assert.FileExists(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "batch-"))
}

func TestJobScript_RemoteNeedsTemplate(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "backend: slurm\n")

	_, code := run(t, dir, "job", "script", "-C", "s", "-c", "echo hi")
	assert.Equal(t, apperrors.ExitConfig, code)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "slurm.sh"), []byte("#!/bin/bash\n#SBATCH --time=1:00:00\n"), 0o644))
	out, code := run(t, dir, "--batch-template", "slurm.sh", "job", "script", "-C", "s", "-n", "sim", "-c", "echo hi", "--print")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "#SBATCH --job-name=sim")
	assert.Contains(t, out, "#SBATCH --time=1:00:00")
}

func TestJobArchive_Destination(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	_, code := run(t, dir, "job", "archive", "-C", "w")
	assert.Equal(t, apperrors.ExitUsage, code)

	_, code = run(t, dir, "job", "archive", "-C", "w", "--destination", "gs://bucket")
	assert.Equal(t, apperrors.ExitUsage, code)
}
