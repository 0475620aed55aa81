package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/internal/config"
	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/pkg/archive"
	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/status"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit, inspect and stop a single job",
	Long: `A job is identified by its working directory and name. The name defaults
to the last 10 characters of the absolute working directory.

Examples:
  gohpc job submit -C runs/eq -n eq -c "gmx mdrun -deffnm eq" --wait
  gohpc job status -C runs/eq -n eq
  gohpc job kill -C runs/eq -n eq
  gohpc job archive -C runs/eq -n eq --destination s3://bucket/campaign`,
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Write the batch script and submit it",
	RunE:  runJobSubmit,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a job",
	Long: `Show the status recorded in the job's status file. Active records are
checked against the backend; the file is only rewritten with --reconcile,
which marks orphaned jobs as error.`,
	RunE: runJobStatus,
}

var jobKillCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop a queued or running job",
	RunE:  runJobKill,
}

var jobScriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Write the batch script without submitting it",
	RunE:  runJobScript,
}

var jobArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload a finished job's files to S3",
	RunE:  runJobArchive,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd, jobStatusCmd, jobKillCmd, jobScriptCmd, jobArchiveCmd)

	pf := jobCmd.PersistentFlags()
	pf.StringP("work-dir", "C", ".", "Job working directory (relative to root_dir)")
	pf.StringP("name", "n", "", "Job name (default: last 10 characters of the working directory)")

	for _, c := range []*cobra.Command{jobSubmitCmd, jobScriptCmd} {
		c.Flags().StringArrayP("command", "c", nil, "Command line to run in the job (repeatable)")
	}
	jobSubmitCmd.Flags().Bool("wait", false, "Wait until the job completed or failed")
	jobStatusCmd.Flags().Bool("reconcile", false, "Rewrite orphaned active records as error")
	jobStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobScriptCmd.Flags().Bool("print", false, "Print the script instead of its path")
	jobArchiveCmd.Flags().String("destination", "", "s3://bucket/prefix (default: archive.destination)")
	jobArchiveCmd.Flags().StringArray("pattern", nil, "Extra file pattern relative to the work dir (repeatable)")
}

type jobTarget struct {
	cfg  *config.Config
	dir  string
	name string
}

func resolveJobTarget(cmd *cobra.Command) (jobTarget, error) {
	cfg, err := appConfig()
	if err != nil {
		return jobTarget{}, err
	}
	dir, _ := cmd.Flags().GetString("work-dir")
	name, _ := cmd.Flags().GetString("name")
	if !filepath.IsAbs(dir) {
		root, err := filepath.Abs(cfg.RootDir)
		if err != nil {
			return jobTarget{}, err
		}
		dir = filepath.Join(root, dir)
	}
	return jobTarget{cfg: cfg, dir: dir, name: name}, nil
}

func (t jobTarget) options() cluster.Options {
	return cluster.Options{
		Backend:        t.cfg.Backend,
		BatchTemplate:  t.cfg.BatchTemplate,
		Name:           t.name,
		WorkDir:        t.dir,
		StatusCommand:  t.cfg.StatusCommand,
		RunUnitCommand: t.cfg.RunUnitCommand,
		KillGrace:      t.cfg.KillGrace,
		PollInterval:   t.cfg.PollInterval,
	}
}

// newJob builds a job through a generator so the batch template resolves
// against the root directory.
func (t jobTarget) newJob() (*cluster.Job, error) {
	gen, err := cluster.NewGenerator(cluster.GeneratorOptions{
		Backend:        t.cfg.Backend,
		BatchTemplate:  t.cfg.BatchTemplate,
		RootDir:        t.cfg.RootDir,
		StatusCommand:  t.cfg.StatusCommand,
		RunUnitCommand: t.cfg.RunUnitCommand,
		KillGrace:      t.cfg.KillGrace,
		PollInterval:   t.cfg.PollInterval,
	})
	if err != nil {
		return nil, err
	}
	return gen.Generate(t.dir, t.name)
}

func addCommandFlags(cmd *cobra.Command, job *cluster.Job) error {
	lines, _ := cmd.Flags().GetStringArray("command")
	for _, l := range lines {
		if err := job.AddCommand(l); err != nil {
			return err
		}
	}
	return nil
}

func runJobSubmit(cmd *cobra.Command, _ []string) error {
	t, err := resolveJobTarget(cmd)
	if err != nil {
		return err
	}
	job, err := t.newJob()
	if err != nil {
		return err
	}
	if err := addCommandFlags(cmd, job); err != nil {
		return err
	}
	id, err := job.Submit(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", job.Name(), id)

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait && job.Backend().IsLocal() {
		// Only this process can observe a local job.
		observability.CLILogger.Info("waiting for local job", zap.String("job", job.Name()))
		wait = true
	}
	if !wait {
		return nil
	}
	final, err := job.Wait(cmd.Context(), t.cfg.PollInterval)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.Name(), final)
	if final == status.Error {
		return fmt.Errorf("job %s: %w", job.Name(), cluster.ErrJobFailed)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, _ []string) error {
	t, err := resolveJobTarget(cmd)
	if err != nil {
		return err
	}

	if reconcile, _ := cmd.Flags().GetBool("reconcile"); reconcile {
		job, err := cluster.Open(t.options())
		if err != nil {
			return err
		}
		if _, err := job.Status(cmd.Context()); err != nil {
			return err
		}
	}
	o, err := cluster.Observe(cmd.Context(), t.options())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	line := o.Record.String()
	if o.Liveness != "" {
		line += " (" + o.Liveness + ")"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", o.Name, line)
	return err
}

func runJobKill(cmd *cobra.Command, _ []string) error {
	t, err := resolveJobTarget(cmd)
	if err != nil {
		return err
	}
	job, err := cluster.Open(t.options())
	if err != nil {
		return err
	}
	if err := job.Kill(cmd.Context()); err != nil {
		return err
	}
	rec, err := job.Record()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.Name(), rec)
	return err
}

func runJobScript(cmd *cobra.Command, _ []string) error {
	t, err := resolveJobTarget(cmd)
	if err != nil {
		return err
	}
	job, err := t.newJob()
	if err != nil {
		return err
	}
	if err := addCommandFlags(cmd, job); err != nil {
		return err
	}
	path, err := job.WriteScript()
	if err != nil {
		return err
	}
	if show, _ := cmd.Flags().GetBool("print"); show {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
	return err
}

func runJobArchive(cmd *cobra.Command, _ []string) error {
	t, err := resolveJobTarget(cmd)
	if err != nil {
		return err
	}
	uri, _ := cmd.Flags().GetString("destination")
	if uri == "" {
		uri = t.cfg.Archive.Destination
	}
	if uri == "" {
		return exitError(apperrors.ExitUsage, "no archive destination: set --destination or archive.destination", nil)
	}
	dest, err := archive.ParseDestination(uri)
	if err != nil {
		return exitError(apperrors.ExitUsage, "", err)
	}

	job, err := cluster.Open(t.options())
	if err != nil {
		return err
	}
	client, err := archive.NewS3Client(cmd.Context(), t.cfg.Archive.ClientConfig)
	if err != nil {
		return exitError(apperrors.ExitBackend, "create S3 client", err)
	}

	extra, _ := cmd.Flags().GetStringArray("pattern")
	patterns := append(append([]string{}, t.cfg.Archive.Patterns...), extra...)

	a := archive.NewArchiver(client, dest, archive.WithPatterns(patterns...), archive.WithLogger(job.Logger()))
	uploaded, err := a.ArchiveJob(cmd.Context(), job)
	if err != nil {
		return err
	}
	for _, u := range uploaded {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "s3://%s/%s\t%d\n", dest.Bucket, u.Key, u.Size)
	}
	observability.CLILogger.Info("job archived", zap.String("job", job.Name()), zap.Int("files", len(uploaded)), zap.String("destination", dest.String()))
	return nil
}
