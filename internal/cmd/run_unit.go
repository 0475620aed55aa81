package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/gohpc/pkg/workunit"
)

var runUnitCmd = &cobra.Command{
	Use:   "run-unit <file>",
	Short: "Load a serialized work unit and run it",
	Long: `Load a work unit written by a job script generator and run it. Generated
job scripts call this for every unit added with AddUnit.

Registered kinds: job, chain, shell.`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := workunit.LoadAndRun(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("run unit %s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runUnitCmd)
}
