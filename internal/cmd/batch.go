package cmd

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/pkg/batch"
	"github.com/3leaps/gohpc/pkg/cluster"
	"github.com/3leaps/gohpc/pkg/store"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Evaluate many input points as cluster jobs",
	Long: `Evaluate a list of input points, one job per point, in waves of at most
max_parallel jobs. Results are checkpointed after every wave so an
interrupted batch resumes where it stopped.`,
}

var batchRunCmd = &cobra.Command{
	Use:   "run <checkpoint>",
	Short: "Evaluate points and checkpoint their results",
	Long: `Evaluate every point of --points that is not in the checkpoint yet, plus
every point a previous run left unevaluated.

The checkpoint is a local SQLite file or, in cgo builds, a libsql:// URL
(see --auth-token).

Each point runs as a job in <root_dir>/<id>. Command templates may use {id},
{dir}, {x} (all inputs) and {x0}, {x1}, ... (single inputs). The first field
of --result-file, relative to the job directory, is the output value.

Points file (YAML or JSON):

  points:
    - [0.5, 1.0]
    - [0.5, 2.0]

Example:
  gohpc batch run sweep.db --points points.yaml --root-dir sweep \
    -c "./simulate --a {x0} --b {x1} > result.txt" --result-file result.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runBatchRun,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <checkpoint>",
	Short: "Print the rows of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchRunCmd, batchShowCmd)

	batchRunCmd.Flags().String("points", "", "YAML or JSON file with the input points")
	batchRunCmd.Flags().StringArrayP("command", "c", nil, "Command template run for each point (repeatable)")
	batchRunCmd.Flags().String("result-file", "", "File holding the output value, relative to the job directory")
	batchRunCmd.Flags().Int("max-parallel", 0, "Jobs per wave (default: max_parallel)")
	batchRunCmd.Flags().String("name-prefix", "eval-", "Job name prefix; the point id is appended")
	_ = batchRunCmd.MarkFlagRequired("result-file")

	batchCmd.PersistentFlags().String("auth-token", "", "Auth token for libsql:// checkpoints (default: $GOHPC_CHECKPOINT_AUTH_TOKEN)")
	batchShowCmd.Flags().Bool("json", false, "Output as JSON")
	batchShowCmd.Flags().Bool("pending", false, "Only show unevaluated points")
}

// checkpointConfig resolves the checkpoint argument of batch commands.
func checkpointConfig(cmd *cobra.Command, location string) store.Config {
	token, _ := cmd.Flags().GetString("auth-token")
	if token == "" {
		token = os.Getenv("GOHPC_CHECKPOINT_AUTH_TOKEN")
	}
	return store.Locate(location, token)
}

type pointsFile struct {
	Points [][]float64 `yaml:"points"`
}

// loadPoints reads a {points: [...]} document or a bare list of points.
func loadPoints(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read points file: %w", err)
	}
	var doc pointsFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Points) > 0 {
		return doc.Points, nil
	}
	var list [][]float64
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse points file %s: %w", path, err)
	}
	return list, nil
}

func runBatchRun(cmd *cobra.Command, args []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	commands, _ := cmd.Flags().GetStringArray("command")
	if len(commands) == 0 {
		return exitError(apperrors.ExitUsage, "at least one --command is required", nil)
	}
	resultFile, _ := cmd.Flags().GetString("result-file")
	prefix, _ := cmd.Flags().GetString("name-prefix")
	maxParallel, _ := cmd.Flags().GetInt("max-parallel")
	if maxParallel <= 0 {
		maxParallel = cfg.MaxParallel
	}

	gen, err := cluster.NewGenerator(cluster.GeneratorOptions{
		Backend:        cfg.Backend,
		BatchTemplate:  cfg.BatchTemplate,
		RootDir:        cfg.RootDir,
		StatusCommand:  cfg.StatusCommand,
		RunUnitCommand: cfg.RunUnitCommand,
		KillGrace:      cfg.KillGrace,
		PollInterval:   cfg.PollInterval,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	cp, err := batch.OpenCheckpointConfig(ctx, checkpointConfig(cmd, args[0]))
	if err != nil {
		return err
	}
	defer func() { _ = cp.Close() }()

	logger := observability.CLILogger
	logger.Debug("checkpoint opened", zap.String("checkpoint", args[0]), zap.String("driver", store.Driver))
	q := batch.NewQueue(cp, &batch.JobEvaluator{
		Generator:    gen,
		Commands:     commands,
		ResultFile:   resultFile,
		PollInterval: cfg.PollInterval,
		NamePrefix:   prefix,
	}, batch.WithLogger(logger), batch.WithWaveHook(func(w batch.Wave) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wave %d: %d evaluated, %d failed (%s)\n",
			w.Number, len(w.Results)-w.Failed, w.Failed, w.Duration.Round(time.Millisecond))
	}))

	if _, err := q.Resume(ctx); err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("points"); path != "" {
		points, err := loadPoints(path)
		if err != nil {
			return err
		}
		added := 0
		for i, p := range points {
			if _, err := cp.Get(ctx, int64(i)); err == nil {
				continue
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if err := q.Put(ctx, batch.Item{ID: int64(i), Input: p}); err != nil {
				return err
			}
			added++
		}
		logger.Info("points queued", zap.Int("new", added), zap.Int("total", len(points)))
	}
	if q.Len() == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Nothing to evaluate")
		return nil
	}

	sum, err := q.Process(ctx, maxParallel)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d waves, %d evaluated, %d failed\n", sum.Waves, sum.Evaluated, sum.Failed)
	if sum.Failed > 0 {
		return exitError(apperrors.ExitJobFailed, fmt.Sprintf("%d evaluations failed; rerun to retry them", sum.Failed), nil)
	}
	return nil
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	cfg := checkpointConfig(cmd, args[0])
	if !cfg.Remote() {
		if _, err := os.Stat(args[0]); err != nil {
			return fmt.Errorf("checkpoint %s: %w", args[0], err)
		}
	}
	ctx := cmd.Context()
	cp, err := batch.OpenCheckpointConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cp.Close() }()

	rows, err := cp.Rows(ctx)
	if err != nil {
		return err
	}
	if pendingOnly, _ := cmd.Flags().GetBool("pending"); pendingOnly {
		filtered := rows[:0]
		for _, r := range rows {
			if !r.Evaluated() {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(out, "No points found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "ID\tINPUT\tOUTPUT\tUPDATED")
	for _, r := range rows {
		in := make([]string, len(r.Input))
		for i, v := range r.Input {
			in[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		output := "pending"
		if r.Evaluated() {
			output = strconv.FormatFloat(r.Output, 'g', -1, 64)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, strings.Join(in, " "), output, r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
