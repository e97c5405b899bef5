// Package config layers harness settings from defaults, an optional YAML
// file, IHOP_* environment variables and explicitly set command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/logging"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "ihop.yaml"

// EnvPrefix marks environment variables that feed the configuration.
const EnvPrefix = "IHOP_"

// Output formats for reports and identities.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Defaults.
const (
	DefaultRuntime         = "docker"
	DefaultNetwork         = "none"
	DefaultImageRepository = "ghcr.io/bowtie-json-schema"
)

// Config is the resolved harness configuration.
type Config struct {
	StartTimeout     time.Duration `koanf:"start_timeout"`
	DialectTimeout   time.Duration `koanf:"dialect_timeout"`
	RunTimeout       time.Duration `koanf:"run_timeout"`
	StopGrace        time.Duration `koanf:"stop_grace"`
	ContainerRuntime string        `koanf:"container_runtime"`
	Network          string        `koanf:"network"`
	ImageRepository  string        `koanf:"image_repository"`
	Roster           string        `koanf:"roster"`
	Format           string        `koanf:"format"`
	Verbose          bool          `koanf:"verbose"`
	LogFormat        string        `koanf:"log_format"`

	// File is the config file that was read, if any.
	File string `koanf:"-"`
}

func defaults() map[string]interface{} {
	t := adapter.DefaultTimeouts()
	return map[string]interface{}{
		"start_timeout":     t.Start,
		"dialect_timeout":   t.Dialect,
		"run_timeout":       t.Run,
		"stop_grace":        t.StopGrace,
		"container_runtime": DefaultRuntime,
		"network":           DefaultNetwork,
		"image_repository":  DefaultImageRepository,
		"roster":            "",
		"format":            FormatText,
		"verbose":           false,
		"log_format":        logging.FormatText,
	}
}

// findConfigFile returns the file to read: the explicit path, else
// DefaultFile if it exists, else "".
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	return ""
}

// Load resolves the configuration. Precedence: flags > env > file > defaults.
// Only flags the user actually set take part; flag names map to keys by
// replacing "-" with "_".
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	used := findConfigFile(cfgFile)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", used, err)
		}
	}

	// IHOP_RUN_TIMEOUT -> run_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = used

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by decoding alone.
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"start_timeout":   c.StartTimeout,
		"dialect_timeout": c.DialectTimeout,
		"run_timeout":     c.RunTimeout,
		"stop_grace":      c.StopGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Format != FormatText && c.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("format must be %q or %q, got %q", FormatText, FormatJSON, c.Format))
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if c.ContainerRuntime == "" {
		errs = append(errs, errors.New("container_runtime must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Timeouts returns the per-call deadlines for adapter sessions.
func (c *Config) Timeouts() adapter.Timeouts {
	return adapter.Timeouts{
		Start:     c.StartTimeout,
		Dialect:   c.DialectTimeout,
		Run:       c.RunTimeout,
		StopGrace: c.StopGrace,
	}
}

// Launcher returns the process launcher for roster entries.
func (c *Config) Launcher() adapter.ProcessLauncher {
	return adapter.ProcessLauncher{Runtime: c.ContainerRuntime, Network: c.Network}
}
