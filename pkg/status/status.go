// Package status implements the on-disk status record of a cluster job.
//
// A status file holds either a single token (not_written, not_submitted) or a
// status token followed by the backend job id:
//
//	queueing 4711
//
// The file is the single source of cross-process truth for a job. Exactly two
// writers are supported: the submitting process (queueing) and the job's own
// running process (running, completed). Writes go through a temp file and a
// rename so readers never observe a partially written record.
package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a cluster job.
//
// NOTE: These values are persisted in status files and embedded in generated
// batch scripts; they are part of the stable on-disk contract.
type Status string

const (
	NotWritten   Status = "not_written"
	NotSubmitted Status = "not_submitted"
	Queueing     Status = "queueing"
	Running      Status = "running"
	Completed    Status = "completed"
	Error        Status = "error"
)

// All lists every status in lifecycle order.
var All = []Status{NotWritten, NotSubmitted, Queueing, Running, Completed, Error}

// Parse converts a token into a Status.
func Parse(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range All {
		if s == known {
			return true
		}
	}
	return false
}

// IsWritten reports whether the batch script exists for this status.
func (s Status) IsWritten() bool {
	return s != NotWritten
}

// IsSubmitted reports whether the job has been handed to a backend.
func (s Status) IsSubmitted() bool {
	return s != NotWritten && s != NotSubmitted
}

// IsActive reports whether the status claims a live backend job.
func (s Status) IsActive() bool {
	return s == Queueing || s == Running
}

// IsTerminal reports whether the job has finished, successfully or not.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Error
}

// carriesID reports whether a record with this status must hold a job id.
func (s Status) carriesID() bool {
	return s.IsSubmitted()
}

// Record is the parsed content of a status file.
type Record struct {
	Status Status `json:"status"`
	// JobID is the backend job id; 0 when no id has been assigned yet.
	JobID int64 `json:"job_id,omitempty"`
}

// String renders the record in status file format.
func (r Record) String() string {
	if r.Status.carriesID() {
		return fmt.Sprintf("%s %d", r.Status, r.JobID)
	}
	return string(r.Status)
}

// ErrFormat is matched by every FormatError.
var ErrFormat = errors.New("status file had bad format")

// FormatError reports a malformed status file.
type FormatError struct {
	Path    string
	Content string
	Reason  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s (content %q): %s", ErrFormat.Error(), e.Path, e.Content, e.Reason)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// Read parses the status file at path.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	return parseRecord(path, string(b))
}

func parseRecord(path, content string) (Record, error) {
	fields := strings.Fields(content)
	bad := func(reason string) (Record, error) {
		return Record{}, &FormatError{Path: path, Content: strings.TrimSpace(content), Reason: reason}
	}

	switch len(fields) {
	case 1:
		st := Status(fields[0])
		if st != NotWritten && st != NotSubmitted {
			return bad(fmt.Sprintf("status %q requires a job id", fields[0]))
		}
		return Record{Status: st}, nil
	case 2:
		st := Status(fields[0])
		if !st.Valid() || !st.carriesID() {
			return bad(fmt.Sprintf("status %q does not take a job id", fields[0]))
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || id <= 0 {
			return bad(fmt.Sprintf("invalid job id %q", fields[1]))
		}
		return Record{Status: st, JobID: id}, nil
	default:
		return bad(fmt.Sprintf("expected 1 or 2 tokens, got %d", len(fields)))
	}
}

// Write stores status (and id) at path.
//
// queueing requires id > 0. running, completed and error take id == 0 and
// carry forward the id recorded by the previous queueing write. not_written and
// not_submitted take id == 0.
func Write(path string, st Status, id int64) error {
	rec := Record{Status: st}

	switch st {
	case Queueing:
		if id <= 0 {
			return fmt.Errorf("status %s requires a positive job id, got %d", st, id)
		}
		rec.JobID = id
	case Running, Completed, Error:
		if id != 0 {
			return fmt.Errorf("status %s takes its job id from the status file, got %d", st, id)
		}
		prev, err := Read(path)
		if err != nil {
			return fmt.Errorf("read previous status for %s: %w", st, err)
		}
		if prev.JobID <= 0 {
			return fmt.Errorf("cannot set %s: previous status %s has no job id", st, prev.Status)
		}
		rec.JobID = prev.JobID
	case NotWritten, NotSubmitted:
		if id != 0 {
			return fmt.Errorf("status %s does not take a job id, got %d", st, id)
		}
	default:
		return fmt.Errorf("unknown status %q", st)
	}

	return writeAtomic(path, rec.String())
}

func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}
