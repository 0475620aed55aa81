package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/gohpc/pkg/cluster"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Work with every job below a directory",
}

var jobsListCmd = &cobra.Command{
	Use:   "list [root]",
	Short: "List jobs found below root",
	Long: `List every job whose status file lies below root (default: root_dir).
Status files are shown as recorded; no backend is queried.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsList,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Only show jobs with this status")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	root := cfg.RootDir
	if len(args) == 1 {
		root = args[0]
	}

	found, err := cluster.Discover(root)
	if err != nil {
		return err
	}
	if want, _ := cmd.Flags().GetString("status"); want != "" {
		filtered := found[:0]
		for _, o := range found {
			if string(o.Status) == want {
				filtered = append(filtered, o)
			}
		}
		found = filtered
	}

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(found)
	}
	if len(found) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "NAME\tSTATUS\tJOB ID\tWORK DIR")
	for _, o := range found {
		st, id := string(o.Status), "-"
		if o.JobID > 0 {
			id = fmt.Sprint(o.JobID)
		}
		if o.Error != "" {
			st = "unreadable"
		}
		dir, err := filepath.Rel(abs, o.WorkDir)
		if err != nil {
			dir = o.WorkDir
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.Name, st, id, dir)
	}
	return nil
}
