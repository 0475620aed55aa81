// Package config loads gohpc configuration.
//
// Sources, from lowest to highest precedence:
//
//	defaults
//	config.yaml in the gohpc app data directory
//	~/.gohpc.yaml
//	.gohpc.yaml in every ancestor of the working directory, outermost first
//	.gohpc.yaml in the working directory
//	GOHPC_* environment variables (GOHPC_SERVER_PORT for server.port)
//	bound command-line flags and runtime overrides
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gohpc/pkg/archive"
	"github.com/3leaps/gohpc/pkg/backend"
)

const (
	// AppName names the gohpc app data directory.
	AppName = "gohpc"
	// FileName is the configuration file looked up in each directory.
	FileName = ".gohpc.yaml"
	// AppDataFileName is the configuration file in the app data directory.
	AppDataFileName = "config.yaml"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "GOHPC"
)

// Config is the effective configuration.
type Config struct {
	Backend        backend.Kind  `mapstructure:"backend"`
	BatchTemplate  string        `mapstructure:"batch_template"`
	RootDir        string        `mapstructure:"root_dir"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	StatusCommand  string        `mapstructure:"status_command"`
	RunUnitCommand string        `mapstructure:"run_unit_command"`

	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Archive ArchiveConfig `mapstructure:"archive"`

	// Files lists the configuration files that were merged, in order.
	Files []string `mapstructure:"-"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures "gohpc serve".
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ArchiveConfig configures "gohpc job archive".
type ArchiveConfig struct {
	archive.ClientConfig `mapstructure:",squash"`
	// Destination is an s3:// URI.
	Destination string   `mapstructure:"destination"`
	Patterns    []string `mapstructure:"patterns"`
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", "none")
	v.SetDefault("batch_template", "")
	v.SetDefault("root_dir", ".")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("kill_grace", "500ms")
	v.SetDefault("max_parallel", 4)
	v.SetDefault("status_command", "")
	v.SetDefault("run_unit_command", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.destination", "")
	v.SetDefault("archive.patterns", []string{})
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load reads configuration for the working directory into the global viper
// instance. Overrides are nested maps applied with the highest precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	home, _ := os.UserHomeDir()
	files := Files(cwd, home)
	if f := AppDataFile(); f != "" {
		files = append([]string{f}, files...)
	}
	return LoadFiles(ctx, viper.GetViper(), files, overrides...)
}

// LoadFrom reads configuration for dir into v, with home as the user's home
// directory (empty to skip it).
func LoadFrom(ctx context.Context, v *viper.Viper, dir, home string, overrides ...map[string]any) (*Config, error) {
	return LoadFiles(ctx, v, Files(dir, home), overrides...)
}

// AppDataFile is config.yaml in the gohpc app data directory, or "" when the
// directory cannot be determined.
func AppDataFile() string {
	dir := gfconfig.GetAppDataDir(AppName)
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, AppDataFileName)
}

// LoadFiles merges files, in order, into v. Missing files are skipped.
func LoadFiles(ctx context.Context, v *viper.Viper, files []string, overrides ...map[string]any) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	var merged []string
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := mergeFile(v, f)
		if err != nil {
			return nil, err
		}
		if ok {
			merged = append(merged, f)
		}
	}

	for _, o := range overrides {
		for k, val := range flatten("", o) {
			v.Set(k, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.Files = merged
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration of the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Files lists candidate configuration files for dir from general to
// special: the home file first, then every ancestor of dir down to dir. The
// home file is not repeated when home is an ancestor of dir.
func Files(dir, home string) []string {
	var files []string
	seen := map[string]bool{}
	add := func(d string) {
		p := filepath.Join(d, FileName)
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	if home != "" {
		add(filepath.Clean(home))
	}

	var chain []string
	for d := filepath.Clean(dir); ; {
		chain = append(chain, d)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	for i := len(chain) - 1; i >= 0; i-- {
		add(chain[i])
	}
	return files
}

func mergeFile(v *viper.Viper, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := v.MergeConfig(f); err != nil {
		return false, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return true, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	case c.KillGrace < 0:
		return fmt.Errorf("kill_grace must not be negative, got %s", c.KillGrace)
	case c.MaxParallel < 1:
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.MaxParallel)
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return c.Archive.Validate()
}
