package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gohpc/internal/observability"
	"github.com/3leaps/gohpc/internal/server"
	"github.com/3leaps/gohpc/internal/server/handlers"
	"github.com/3leaps/gohpc/pkg/backend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job status API over HTTP",
	Long: `Serve a read-only JSON API over the jobs below root_dir.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /jobs?root=<dir>
  GET /jobs/status?work_dir=<dir>&name=<name>&backend=<backend>`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default: server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port)")
}

// rootDirHealthChecker fails when the job root is not a readable directory.
type rootDirHealthChecker struct {
	root string
}

func (c rootDirHealthChecker) CheckHealth(context.Context) error {
	st, err := os.Stat(c.root)
	if err != nil {
		return fmt.Errorf("job root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("job root %s is not a directory", c.root)
	}
	return nil
}

// backendHealthChecker fails when a backend binary is missing from PATH.
type backendHealthChecker struct {
	kind     backend.Kind
	lookPath func(string) (string, error)
}

func (c backendHealthChecker) CheckHealth(context.Context) error {
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if missing := missingBinaries(c.kind, lookPath); len(missing) > 0 {
		return fmt.Errorf("%s backend: not on PATH: %s", c.kind, strings.Join(missing, ", "))
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("job_root", rootDirHealthChecker{root: cfg.RootDir})
	health.RegisterChecker("backend", backendHealthChecker{kind: cfg.Backend})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithJobDefaults(cfg.RootDir, cfg.Backend, nil),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	)
	logger.Info("starting status API", zap.String("addr", srv.Addr()), zap.String("root", cfg.RootDir), zap.String("backend", cfg.Backend.String()))
	return srv.Start(cmd.Context())
}
