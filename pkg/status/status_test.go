package status

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "job.status")
}

func TestWriteRead_QueueingCarriesID(t *testing.T) {
	for _, id := range []int64{1, 42, 1000000, 9223372036854775807} {
		path := statusPath(t)

		require.NoError(t, Write(path, Queueing, id))
		rec, err := Read(path)
		require.NoError(t, err)
		assert.Equal(t, Record{Status: Queueing, JobID: id}, rec)

		require.NoError(t, Write(path, Running, 0))
		rec, err = Read(path)
		require.NoError(t, err)
		assert.Equal(t, Record{Status: Running, JobID: id}, rec, "running must preserve the queueing id")

		require.NoError(t, Write(path, Completed, 0))
		rec, err = Read(path)
		require.NoError(t, err)
		assert.Equal(t, Record{Status: Completed, JobID: id}, rec)
	}
}

func TestWrite_FileFormat(t *testing.T) {
	path := statusPath(t)

	require.NoError(t, Write(path, NotSubmitted, 0))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "not_submitted", string(b))

	require.NoError(t, Write(path, Queueing, 17))
	require.NoError(t, Write(path, Error, 0))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "error 17", string(b))
}

func TestWrite_RejectsInvalidIDs(t *testing.T) {
	path := statusPath(t)

	assert.Error(t, Write(path, Queueing, 0))
	assert.Error(t, Write(path, Queueing, -3))
	assert.Error(t, Write(path, NotWritten, 5))
	assert.Error(t, Write(path, NotSubmitted, 5))

	require.NoError(t, Write(path, Queueing, 5))
	assert.Error(t, Write(path, Running, 5), "callers must not pass an id for running")
}

func TestWrite_RunningWithoutPriorIDFails(t *testing.T) {
	path := statusPath(t)

	err := Write(path, Running, 0)
	require.Error(t, err, "no previous record")

	require.NoError(t, Write(path, NotSubmitted, 0))
	err = Write(path, Completed, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no job id")

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, NotSubmitted, rec.Status, "failed write must leave the file untouched")
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.status")
	require.NoError(t, Write(path, Queueing, 3))
	require.NoError(t, Write(path, Running, 0))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.status", entries[0].Name())
}

func TestRead_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"unknown single token", "finished"},
		{"active without id", "running"},
		{"id on pre-submission status", "not_submitted 3"},
		{"non integer id", "queueing abc"},
		{"zero id", "completed 0"},
		{"negative id", "error -2"},
		{"unknown status with id", "done 3"},
		{"too many tokens", "running 3 extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := statusPath(t)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Read(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat))

			var fe *FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, path, fe.Path)
		})
	}
}

func TestRead_ToleratesWhitespace(t *testing.T) {
	path := statusPath(t)
	require.NoError(t, os.WriteFile(path, []byte("  running\t 12 \n"), 0o644))

	rec, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Record{Status: Running, JobID: 12}, rec)
}

func TestStatusPredicates(t *testing.T) {
	assert.False(t, NotWritten.IsWritten())
	assert.True(t, NotSubmitted.IsWritten())
	assert.False(t, NotSubmitted.IsSubmitted())
	assert.True(t, Queueing.IsSubmitted())
	assert.True(t, Queueing.IsActive())
	assert.True(t, Running.IsActive())
	assert.False(t, Completed.IsActive())
	assert.True(t, Completed.IsTerminal())
	assert.True(t, Error.IsTerminal())
	assert.False(t, Running.IsTerminal())
}

func TestParse(t *testing.T) {
	st, err := Parse(" completed ")
	require.NoError(t, err)
	assert.Equal(t, Completed, st)

	_, err = Parse("done")
	assert.Error(t, err)
}
