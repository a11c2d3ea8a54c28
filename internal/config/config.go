// Package config loads azp-monitor settings from defaults, a YAML file, the
// environment and command flags, in rising priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix = "AZP_"
	appDir    = "azp-monitor"
)

type Config struct {
	Organization string        `koanf:"organization"`
	PAT          string        `koanf:"pat"`
	BaseURL      string        `koanf:"base_url"`
	Project      string        `koanf:"project"`
	PipelineID   int           `koanf:"pipeline_id"`
	LogFile      string        `koanf:"log_file"`
	Polling      PollingConfig `koanf:"polling"`
	Builds       BuildsConfig  `koanf:"builds"`
	Log          LogConfig     `koanf:"log"`
	TUI          TUIConfig     `koanf:"tui"`
	HTTP         HTTPConfig    `koanf:"http"`

	// Path is the config file that was read, empty when none was found.
	Path string `koanf:"-"`
}

type PollingConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

type BuildsConfig struct {
	PageSize int `koanf:"page_size"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type TUIConfig struct {
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

type HTTPConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"base_url":             "https://dev.azure.com",
		"log_file":             filepath.Join(stateDir(), "azp-monitor.log"),
		"polling.enabled":      true,
		"polling.interval":     "5s",
		"builds.page_size":     5,
		"log.level":            "info",
		"tui.refresh_interval": "1s",
		"http.timeout":         "30s",
	}
}

// flagKeys maps command flag names onto config keys.
var flagKeys = map[string]string{
	"organization":  "organization",
	"project":       "project",
	"pipeline":      "pipeline_id",
	"base-url":      "base_url",
	"poll":          "polling.enabled",
	"poll-interval": "polling.interval",
	"page-size":     "builds.page_size",
	"log-level":     "log.level",
	"log-file":      "log_file",
}

// DefaultPath is where the config file lives unless --config says otherwise.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appDir, "config.yaml")
}

func stateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, appDir)
	}
	return filepath.Join(os.TempDir(), appDir)
}

// LoadDotenv reads .env in the working directory and the one next to the
// default config file. Variables already set win.
func LoadDotenv() {
	_ = godotenv.Load(".env")
	if p := DefaultPath(); p != "" {
		_ = godotenv.Load(filepath.Join(filepath.Dir(p), ".env"))
	}
}

// Load builds the effective configuration. A missing file is only an error
// when path was given explicitly; flags may be nil. Only flags the user set
// override lower layers.
func Load(path string, explicit bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	used := ""
	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			used = path
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// AZP_POLLING__INTERVAL -> polling.interval
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = used

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Organization == "" {
		return fmt.Errorf("organization required (set it in the config file, %sORGANIZATION or --organization)", EnvPrefix)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url required")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive, got %s", c.Polling.Interval)
	}
	if c.TUI.RefreshInterval <= 0 {
		return fmt.Errorf("tui.refresh_interval must be positive, got %s", c.TUI.RefreshInterval)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.Builds.PageSize < 1 {
		return fmt.Errorf("builds.page_size must be at least 1, got %d", c.Builds.PageSize)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q (debug|info|warn|error)", c.Log.Level)
	}
	return nil
}

// RequirePAT reports a missing token before any remote call is attempted.
func (c *Config) RequirePAT() error {
	if c.PAT == "" {
		return fmt.Errorf("personal access token required (%sPAT, a .env file or pat in %s)", EnvPrefix, DefaultPath())
	}
	return nil
}
