package backend

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// TemplateError reports a batch template that does not fit its backend.
type TemplateError struct {
	Backend Kind
	Line    int
	Reason  string
}

func (e *TemplateError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("batch template for %s: line %d: %s", e.Backend, e.Line, e.Reason)
	}
	return fmt.Sprintf("batch template for %s: %s", e.Backend, e.Reason)
}

// ValidateTemplate checks that a batch template belongs to this backend: it
// must contain at least one of the backend's own directives and none of
// another queueing system's directives. The local backend accepts any
// template.
func (a Adapter) ValidateTemplate(r io.Reader) error {
	if a.Kind.IsLocal() {
		return nil
	}

	found := false
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		for _, other := range Kinds {
			if other == a.Kind || other.IsLocal() {
				continue
			}
			if other.Adapter().IsDirective(line) {
				return &TemplateError{
					Backend: a.Kind,
					Line:    lineNo,
					Reason:  fmt.Sprintf("%s directive %q is not allowed in a %s script", other, other.Adapter().DirectivePrefix, a.Kind),
				}
			}
		}
		if a.IsDirective(line) {
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch template: %w", err)
	}
	if !found {
		return &TemplateError{
			Backend: a.Kind,
			Reason:  fmt.Sprintf("no %s directive found; the script will not work for %s", a.DirectivePrefix, a.Kind),
		}
	}
	return nil
}

var idSeparators = regexp.MustCompile(`[\s.]+`)

// ParseJobID extracts the job id from submit command output.
//
// The output is split on whitespace and dots ("Submitted batch job 123",
// "123.headnode.cluster"); exactly one all-digit token must remain.
func ParseJobID(stdout string) (int64, error) {
	var ids []int64
	for _, tok := range idSeparators.Split(strings.TrimSpace(stdout), -1) {
		if tok == "" || strings.Trim(tok, "0123456789") != "" {
			continue
		}
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return 0, fmt.Errorf("no job id found in submit output %q", strings.TrimSpace(stdout))
	default:
		return 0, fmt.Errorf("ambiguous submit output %q: %d integer tokens", strings.TrimSpace(stdout), len(ids))
	}
}

// Listed reports whether jobID appears as a whole word in a live-list dump.
func Listed(output string, jobID int64) bool {
	if jobID <= 0 {
		return false
	}
	re := regexp.MustCompile(`(^|[^0-9])` + strconv.FormatInt(jobID, 10) + `([^0-9]|$)`)
	return re.MatchString(output)
}
