// Package archive copies the bookkeeping files of finished jobs to object
// storage.
//
// A job's status file, batch scripts, serialized work units, captured
// command output and log file are uploaded under <prefix>/<job name>/ with
// their paths relative to the job directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/workdir"
)

// Destination is a bucket and key prefix.
type Destination struct {
	Bucket string
	Prefix string
}

// ParseDestination parses "s3://bucket" or "s3://bucket/some/prefix".
func ParseDestination(uri string) (Destination, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return Destination{}, fmt.Errorf("archive destination must start with s3://: %q", uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Destination{}, fmt.Errorf("archive destination has no bucket: %q", uri)
	}
	return Destination{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Key joins parts below the prefix.
func (d Destination) Key(parts ...string) string {
	return path.Join(append([]string{d.Prefix}, parts...)...)
}

func (d Destination) String() string {
	if d.Prefix == "" {
		return "s3://" + d.Bucket
	}
	return "s3://" + d.Bucket + "/" + d.Prefix
}

// DefaultPatterns select the bookkeeping files besides the status file and
// the job's own batch scripts. They are relative to the job directory.
var DefaultPatterns = []string{
	workdir.HiddenDirName + "/unit-*.json",
	workdir.HiddenDirName + "/*.{out,err}",
	workdir.HiddenDirName + "/" + workdir.LogFileName,
}

// Uploaded is one archived file.
type Uploaded struct {
	Path string `json:"path"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithPatterns adds doublestar patterns, relative to the job directory, for
// extra files such as results.
func WithPatterns(patterns ...string) Option {
	return func(a *Archiver) { a.patterns = append(a.patterns, patterns...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// Archiver uploads job files to a destination.
type Archiver struct {
	up       Uploader
	dest     Destination
	patterns []string
	logger   *zap.Logger
}

// NewArchiver returns an Archiver writing through up.
func NewArchiver(up Uploader, dest Destination, opts ...Option) *Archiver {
	a := &Archiver{
		up:       up,
		dest:     dest,
		patterns: append([]string(nil), DefaultPatterns...),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Files lists the files ArchiveJob would upload, relative to the job
// directory, in slash form and sorted.
func (a *Archiver) Files(job *cluster.Job) ([]string, error) {
	dir := job.WorkDir()
	fsys := os.DirFS(dir)
	seen := map[string]bool{}

	statusRel, err := filepath.Rel(dir, job.StatusFile())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(job.StatusFile()); err == nil {
		seen[filepath.ToSlash(statusRel)] = true
	}

	scripts, err := doublestar.Glob(fsys, workdir.HiddenDirName+"/batch-*.sh")
	if err != nil {
		return nil, err
	}
	suffix := "-" + strings.ReplaceAll(job.Name(), " ", "") + ".sh"
	for _, s := range scripts {
		if strings.HasSuffix(s, suffix) {
			seen[s] = true
		}
	}

	for _, p := range a.patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid archive pattern %q", p)
		}
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			seen[m] = true
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// ArchiveJob uploads the job's files under <prefix>/<job name>/. Active jobs
// are refused since their files are still changing.
func (a *Archiver) ArchiveJob(ctx context.Context, job *cluster.Job) ([]Uploaded, error) {
	rec, err := job.Record()
	if err != nil {
		return nil, err
	}
	if rec.Status.IsActive() {
		return nil, &cluster.StateConflictError{
			Op:     "archive",
			Job:    job.Name(),
			Status: rec.Status.String(),
			Err:    errors.New("job is still active"),
		}
	}

	files, err := a.Files(job)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.String("job", job.Name()), zap.String("destination", a.dest.String()))

	var out []Uploaded
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		u, err := a.upload(ctx, job, rel)
		if err != nil {
			logger.Error("archive upload failed", zap.String("file", rel), zap.Error(err))
			return out, err
		}
		logger.Debug("archived file", zap.String("file", rel), zap.String("key", u.Key), zap.Int64("size", u.Size))
		out = append(out, u)
	}
	logger.Info("job archived", zap.Int("files", len(out)))
	return out, nil
}

func (a *Archiver) upload(ctx context.Context, job *cluster.Job, rel string) (Uploaded, error) {
	p := filepath.Join(job.WorkDir(), filepath.FromSlash(rel))
	f, err := os.Open(p)
	if err != nil {
		return Uploaded{}, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return Uploaded{}, err
	}
	key := a.dest.Key(job.Name(), rel)
	if err := a.up.PutObject(ctx, a.dest.Bucket, key, f, info.Size()); err != nil {
		return Uploaded{}, err
	}
	return Uploaded{Path: p, Key: key, Size: info.Size()}, nil
}
