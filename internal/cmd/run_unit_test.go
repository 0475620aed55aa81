package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/workunit"
)

func TestRunUnit(t *testing.T) {
	dir := t.TempDir()
	first, err := cluster.NewCommand(dir, "echo one > first.txt")
	require.NoError(t, err)
	second, err := cluster.NewCommand(filepath.Join(dir, "sub"), "cat ../first.txt > second.txt")
	require.NoError(t, err)
	chain, err := cluster.NewChain(dir, first, second)
	require.NoError(t, err)

	unit := filepath.Join(dir, "chain.json")
	require.NoError(t, workunit.Save(chain, unit))

	// A broken config file must not matter to commands run from job scripts.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gohpc.yaml"), []byte("backend: [\n"), 0o644))

	_, code := run(t, dir, "run-unit", unit)
	require.Equal(t, 0, code)
	assert.Equal(t, "one\n", readFile(t, filepath.Join(dir, "sub", "second.txt")))
}

func TestRunUnit_Errors(t *testing.T) {
	dir := t.TempDir()
	_, code := run(t, dir, "run-unit", filepath.Join(dir, "missing.json"))
	assert.Equal(t, apperrors.ExitNotFound, code)

	failing, err := cluster.NewCommand(dir, "exit 3")
	require.NoError(t, err)
	unit := filepath.Join(dir, "fail.json")
	require.NoError(t, workunit.Save(failing, unit))
	_, code = run(t, dir, "run-unit", unit)
	assert.NotEqual(t, 0, code)
}
