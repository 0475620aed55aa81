package cluster

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/3leaps/gohpc/pkg/backend"
	"github.com/3leaps/gohpc/pkg/shell"
	"github.com/3leaps/gohpc/pkg/workdir"
)

// GeneratorOptions is the configuration shared by every generated job.
type GeneratorOptions struct {
	Backend backend.Kind
	// BatchTemplate is resolved against RootDir.
	BatchTemplate string
	// RootDir anchors the relative work dirs passed to Generate. Default ".".
	RootDir string

	Runner         shell.Runner
	StatusCommand  string
	RunUnitCommand string
	KillGrace      time.Duration
	PollInterval   time.Duration
}

// Generator builds jobs that share one backend configuration.
type Generator struct {
	opts GeneratorOptions
}

// NewGenerator validates the backend and resolves the template and root
// directory to absolute paths.
func NewGenerator(opts GeneratorOptions) (*Generator, error) {
	if !opts.Backend.Valid() {
		return nil, &ConfigurationError{Field: "backend", Err: fmt.Errorf("unknown backend %d", int(opts.Backend))}
	}
	root, err := workdir.ExpandPath(opts.RootDir)
	if err != nil {
		return nil, &ConfigurationError{Field: "root_dir", Err: err}
	}
	opts.RootDir = root

	if opts.BatchTemplate != "" {
		tpl, err := workdir.ExpandPath(opts.BatchTemplate)
		if err != nil {
			return nil, &ConfigurationError{Field: "batch_template", Err: err}
		}
		if !filepath.IsAbs(opts.BatchTemplate) {
			tpl = filepath.Join(root, opts.BatchTemplate)
		}
		opts.BatchTemplate = tpl
	} else if !opts.Backend.IsLocal() {
		return nil, &ConfigurationError{Field: "batch_template", Err: fmt.Errorf("backend %s requires a batch template", opts.Backend)}
	}
	return &Generator{opts: opts}, nil
}

// Backend is the shared backend.
func (g *Generator) Backend() backend.Kind { return g.opts.Backend }

// RootDir is the absolute root directory.
func (g *Generator) RootDir() string { return g.opts.RootDir }

// BatchTemplate is the absolute template path, empty for local jobs without one.
func (g *Generator) BatchTemplate() string { return g.opts.BatchTemplate }

// Generate returns a job in RootDir/workDir. An absolute workDir is used as is.
func (g *Generator) Generate(workDir, name string) (*Job, error) {
	dir := workDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(g.opts.RootDir, workDir)
	}
	return NewJob(Options{
		Backend:        g.opts.Backend,
		BatchTemplate:  g.opts.BatchTemplate,
		Name:           name,
		WorkDir:        dir,
		Runner:         g.opts.Runner,
		StatusCommand:  g.opts.StatusCommand,
		RunUnitCommand: g.opts.RunUnitCommand,
		KillGrace:      g.opts.KillGrace,
		PollInterval:   g.opts.PollInterval,
	})
}
