// Package cmd implements the gohpc command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/internal/config"
	apperrors "github.com/3leaps/gohpc/internal/errors"
	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/pkg/workdir"
)

// annotationNoConfig marks commands that run inside job scripts. They skip
// configuration loading so a broken config file cannot fail a running job.
const annotationNoConfig = "gohpc/no-config"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "gohpc",
	Short: "Submit and track jobs on local machines and HPC batch queues",
	Long: `gohpc writes batch scripts, submits them to a local shell, Slurm or
Torque/PBS, and tracks every job through a status file in its working
directory.

Configuration is read from .gohpc.yaml files (home directory, then every
directory from / down to the current one), GOHPC_* environment variables
and flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCommand,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("backend", "", "Job backend: none, local, slurm or torque")
	pf.String("batch-template", "", "Batch script template (required for slurm and torque)")
	pf.String("root-dir", "", "Root directory for relative job directories")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-profile", "", "Log profile: console or structured")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
}

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"backend":        "backend",
	"batch-template": "batch_template",
	"root-dir":       "root_dir",
	"log-level":      "logging.level",
	"log-profile":    "logging.profile",
	"host":           "server.host",
	"port":           "server.port",
}

// bindFlags binds the flags cmd knows to viper. Only flags set on the
// command line take precedence over files and environment.
func bindFlags(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initCommand(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}
	setDefaults()
	if err := bindFlags(cmd); err != nil {
		return err
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(apperrors.ExitConfig, "load configuration", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := observability.InitCLILogger("", observability.Options{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		Verbose: verbose,
	})
	if err != nil {
		return exitError(apperrors.ExitConfig, "initialize logging", err)
	}
	workdir.SetConsoleCore(logger.Core())
	logger.Debug("configuration loaded", zap.Strings("files", cfg.Files), zap.String("backend", cfg.Backend.String()))
	return nil
}

// appConfig returns the configuration loaded by initCommand.
func appConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(apperrors.ExitConfig, "configuration not loaded", nil)
	}
	return cfg, nil
}

func exitError(code int, msg string, err error) error {
	return apperrors.NewExitError(code, msg, err)
}

// Execute runs the command tree and returns the process exit code. SIGINT
// and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return executeContext(ctx, os.Args[1:])
}

func executeContext(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return apperrors.ExitSuccess
	}
	observability.CLILogger.Debug("command failed", zap.Error(err))
	_, _ = fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	return apperrors.ExitCode(err)
}
