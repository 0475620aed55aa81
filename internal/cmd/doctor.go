package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appconfig "github.com/3leaps/gohpc/internal/config"
	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/pkg/backend"
)

var doctorArchive bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and suggest fixes for common issues.

Examples:
  gohpc doctor                     # Backend and configuration checks
  gohpc doctor --backend slurm     # Check a specific backend
  gohpc doctor --archive           # Also check AWS credentials for job archive`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Check AWS credentials used by job archive")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	log := observability.CLILogger
	log.Info("=== gohpc doctor ===")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorArchive {
		totalChecks = 6
	}

	// Check 1: environment
	version := crucible.GetVersion()
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s %s/%s", checkNum, totalChecks, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("gofulmen_version", version.Gofulmen),
		zap.String("crucible_version", version.Crucible))
	checkNum++

	// Check 2: configuration files
	if len(cfg.Files) == 0 {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ defaults (no .gohpc.yaml found)", checkNum, totalChecks),
			zap.String("app_data_file", appconfig.AppDataFile()))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ %d file(s)", checkNum, totalChecks, len(cfg.Files)),
			zap.Strings("files", cfg.Files))
	}
	checkNum++

	// Check 3: backend binaries
	if missing := missingBinaries(cfg.Backend, exec.LookPath); len(missing) > 0 {
		log.Error(fmt.Sprintf("[%d/%d] Checking %s backend... ❌ not on PATH: %v", checkNum, totalChecks, cfg.Backend, missing))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking %s backend... ✅ %v", checkNum, totalChecks, cfg.Backend, cfg.Backend.Adapter().Binaries()))
	}
	checkNum++

	// Check 4: batch template
	switch {
	case cfg.BatchTemplate == "" && !cfg.Backend.IsLocal():
		log.Error(fmt.Sprintf("[%d/%d] Checking batch template... ❌ backend %s requires batch_template", checkNum, totalChecks, cfg.Backend))
		allChecks = false
	case cfg.BatchTemplate == "":
		log.Info(fmt.Sprintf("[%d/%d] Checking batch template... ✅ none (local backend)", checkNum, totalChecks))
	default:
		if err := checkTemplate(cfg.Backend, cfg.BatchTemplate); err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking batch template... ❌ %v", checkNum, totalChecks, err))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking batch template... ✅ %s", checkNum, totalChecks, cfg.BatchTemplate))
		}
	}
	checkNum++

	if doctorArchive {
		allChecks = runArchiveChecks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed!")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

func missingBinaries(kind backend.Kind, lookPath func(string) (string, error)) []string {
	var missing []string
	for _, bin := range kind.Adapter().Binaries() {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

func checkTemplate(kind backend.Kind, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return kind.Adapter().ValidateTemplate(f)
}

// runArchiveChecks runs the AWS checks used by job archive.
func runArchiveChecks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("Archive Checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks), zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source))
	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials for job archive:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set archive.profile (or AWS_PROFILE) to a configured profile, or")
	log.Info("  3. Set archive.access_key_id and archive.secret_access_key in .gohpc.yaml")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Ceph, etc.), also set archive.endpoint.")
	log.Info("")
}
