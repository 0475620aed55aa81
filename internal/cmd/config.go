package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, .gohpc.yaml files,
GOHPC_* environment variables and flags. Secrets are masked.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().Bool("json", false, "Output as JSON")
}

type configView struct {
	Files          []string       `json:"files" yaml:"files"`
	Backend        string         `json:"backend" yaml:"backend"`
	BatchTemplate  string         `json:"batch_template" yaml:"batch_template"`
	RootDir        string         `json:"root_dir" yaml:"root_dir"`
	PollInterval   string         `json:"poll_interval" yaml:"poll_interval"`
	KillGrace      string         `json:"kill_grace" yaml:"kill_grace"`
	MaxParallel    int            `json:"max_parallel" yaml:"max_parallel"`
	StatusCommand  string         `json:"status_command" yaml:"status_command"`
	RunUnitCommand string         `json:"run_unit_command" yaml:"run_unit_command"`
	Logging        map[string]any `json:"logging" yaml:"logging"`
	Server         map[string]any `json:"server" yaml:"server"`
	Archive        map[string]any `json:"archive" yaml:"archive"`
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := appConfig()
	if err != nil {
		return err
	}
	secret := ""
	if cfg.Archive.SecretAccessKey != "" {
		secret = "****"
	}
	view := configView{
		Files:          cfg.Files,
		Backend:        cfg.Backend.String(),
		BatchTemplate:  cfg.BatchTemplate,
		RootDir:        cfg.RootDir,
		PollInterval:   cfg.PollInterval.String(),
		KillGrace:      cfg.KillGrace.String(),
		MaxParallel:    cfg.MaxParallel,
		StatusCommand:  cfg.StatusCommand,
		RunUnitCommand: cfg.RunUnitCommand,
		Logging:        map[string]any{"level": cfg.Logging.Level, "profile": cfg.Logging.Profile},
		Server: map[string]any{
			"host":             cfg.Server.Host,
			"port":             cfg.Server.Port,
			"read_timeout":     cfg.Server.ReadTimeout.String(),
			"write_timeout":    cfg.Server.WriteTimeout.String(),
			"idle_timeout":     cfg.Server.IdleTimeout.String(),
			"shutdown_timeout": cfg.Server.ShutdownTimeout.String(),
		},
		Archive: map[string]any{
			"destination":       cfg.Archive.Destination,
			"patterns":          cfg.Archive.Patterns,
			"region":            cfg.Archive.Region,
			"endpoint":          cfg.Archive.Endpoint,
			"profile":           cfg.Archive.Profile,
			"access_key_id":     maskIfSet(cfg.Archive.AccessKeyID),
			"secret_access_key": secret,
			"force_path_style":  cfg.Archive.ForcePathStyle,
		},
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	b, err := yaml.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	_, err = out.Write(b)
	return err
}

func maskIfSet(key string) string {
	if key == "" {
		return ""
	}
	return maskAccessKey(key)
}
