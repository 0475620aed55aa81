package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/pkg/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run multi-job workflows from a manifest",
	Long: `Run a set of jobs described in a YAML or JSON manifest. Jobs may depend on
earlier jobs with "after"; they are submitted once every dependency
completed. Completed jobs are skipped, so a workflow can be rerun after a
failure.

Example manifest:

  version: "1.0"
  backend: slurm
  batch_template: slurm.sh
  root_dir: runs
  jobs:
    - name: equilibrate
      work_dir: 01_equil
      commands: ["gmx grompp -f eq.mdp", "gmx mdrun -deffnm eq"]
    - name: production
      work_dir: 02_prod
      after: [equilibrate]
      commands: ["gmx mdrun -deffnm prod"]`,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Submit every job of a manifest (\"-\" reads standard input)",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowRun,
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest without submitting anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowValidate,
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowRunCmd, workflowValidateCmd)

	workflowRunCmd.Flags().Bool("wait", false, "Wait until every job completed or failed")
	workflowRunCmd.Flags().Bool("json", false, "Output the run report as JSON")
	workflowValidateCmd.Flags().Bool("print", false, "Print the manifest with defaults applied")
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(cmd, args[0])
	if err != nil {
		return err
	}
	r, err := workflow.NewRunner(m, workflow.RunnerOptions{
		StatusCommand:  cfg.StatusCommand,
		RunUnitCommand: cfg.RunUnitCommand,
		Logger:         observability.CLILogger,
	})
	if err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetBool("wait")
	if kind, _ := m.BackendKind(); kind.IsLocal() && !wait {
		// Only this process can observe local jobs.
		observability.CLILogger.Info("waiting for local workflow jobs")
		wait = true
	}
	report, runErr := r.Run(cmd.Context(), wait)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "JOB\tACTION\tSTATUS\tJOB ID\tERROR")
		for _, j := range report.Jobs {
			id := "-"
			if j.JobID > 0 {
				id = fmt.Sprint(j.JobID)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Name, j.Action, j.Status, id, j.Error)
		}
		_ = w.Flush()
	}
	observability.CLILogger.Info("workflow finished", zap.String("run_id", report.RunID), zap.Int("jobs", len(report.Jobs)))
	return runErr
}

// loadManifest reads path, or standard input when path is "-".
func loadManifest(cmd *cobra.Command, path string) (*workflow.Manifest, error) {
	if path == "-" {
		return workflow.LoadFromReader(cmd.InOrStdin(), "stdin")
	}
	return workflow.Load(path)
}

func runWorkflowValidate(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(cmd, args[0])
	if err != nil {
		return err
	}
	if show, _ := cmd.Flags().GetBool("print"); show {
		b, err := workflow.Marshal(m)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs, backend %s\n", args[0], len(m.Jobs), m.Backend)
	return err
}
