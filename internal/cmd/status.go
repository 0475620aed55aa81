package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/pkg/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read and write job status files",
}

var statusSetCmd = &cobra.Command{
	Use:   "set <status> <file> [job_id]",
	Short: "Write a status record",
	Long: `Write a status record atomically. Generated job scripts call this to mark
themselves running and completed.

queueing requires a job id. running, completed and error keep the id of the
previous record.`,
	Args:        cobra.RangeArgs(2, 3),
	Annotations: map[string]string{annotationNoConfig: "true"},
	RunE:        runStatusSet,
}

var statusShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print a status record",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatusShow,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.AddCommand(statusSetCmd)
	statusCmd.AddCommand(statusShowCmd)

	statusShowCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatusSet(_ *cobra.Command, args []string) error {
	st, err := status.Parse(args[0])
	if err != nil {
		return exitError(apperrors.ExitUsage, "", err)
	}
	var id int64
	if len(args) == 3 {
		id, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil || id <= 0 {
			return exitError(apperrors.ExitUsage, fmt.Sprintf("invalid job id %q", args[2]), err)
		}
	}
	return status.Write(args[1], st, id)
}

func runStatusShow(cmd *cobra.Command, args []string) error {
	rec, err := status.Read(args[0])
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"status": rec.Status, "job_id": rec.JobID})
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), rec.String())
	return err
}
