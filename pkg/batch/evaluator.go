package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/status"
)

// JobEvaluator runs each item as a cluster job in <root>/<id> and reads the
// output value from ResultFile in that directory once the job completed.
type JobEvaluator struct {
	Generator *cluster.Generator
	// Commands are command templates; see ExpandCommand.
	Commands []string
	// ResultFile is relative to the job directory. Its first field is parsed
	// as the output value.
	ResultFile string
	// PollInterval paces the wait for the job. Zero uses the job default.
	PollInterval time.Duration
	// NamePrefix prefixes job names; the item id is appended. Default "eval-".
	NamePrefix string
}

// Evaluate submits the item's job, waits for it and parses the result file.
// A job completed by an earlier run is not resubmitted.
func (e *JobEvaluator) Evaluate(ctx context.Context, it Item) (float64, error) {
	if e.Generator == nil {
		return 0, errors.New("job evaluator has no generator")
	}
	if strings.TrimSpace(e.ResultFile) == "" {
		return 0, errors.New("job evaluator has no result file")
	}

	prefix := e.NamePrefix
	if prefix == "" {
		prefix = "eval-"
	}
	id := strconv.FormatInt(it.ID, 10)
	job, err := e.Generator.Generate(id, prefix+id)
	if err != nil {
		return 0, err
	}

	st, err := job.Status(ctx)
	if err != nil {
		return 0, err
	}
	if st != status.Completed {
		if !st.IsActive() {
			for _, tmpl := range e.Commands {
				if err := job.AddCommand(ExpandCommand(tmpl, it, job.WorkDir())); err != nil {
					return 0, err
				}
			}
			if _, err := job.Submit(ctx); err != nil {
				return 0, err
			}
		}
		final, err := job.Wait(ctx, e.PollInterval)
		if err != nil {
			return 0, err
		}
		if final != status.Completed {
			return 0, fmt.Errorf("evaluation %d: %w", it.ID, cluster.ErrJobFailed)
		}
	}
	return ReadResult(filepath.Join(job.WorkDir(), e.ResultFile))
}

// ExpandCommand substitutes placeholders in tmpl:
//
//	{id}   item id
//	{dir}  job directory
//	{x}    all inputs, space separated
//	{x0}.. single inputs by index
func ExpandCommand(tmpl string, it Item, dir string) string {
	xs := make([]string, len(it.Input))
	pairs := []string{"{id}", strconv.FormatInt(it.ID, 10), "{dir}", dir}
	for i, v := range it.Input {
		xs[i] = strconv.FormatFloat(v, 'g', -1, 64)
		pairs = append(pairs, "{x"+strconv.Itoa(i)+"}", xs[i])
	}
	pairs = append(pairs, "{x}", strings.Join(xs, " "))
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// ReadResult parses the first whitespace separated field of path as a float.
func ReadResult(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read result: %w", err)
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, fmt.Errorf("result file %s is empty", path)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse result in %s: %w", path, err)
	}
	return v, nil
}
