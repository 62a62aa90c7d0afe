package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultConfigFile      = "ddos-host.yaml"
	defaultConsoleHost     = "127.0.0.1"
	defaultConsolePort     = 4780
	defaultLogLevel        = "info"
	defaultStopGrace       = 3 * time.Second
	defaultMaxLogFileSize  = 5 * 1024 * 1024 // 5MB per captured-output file
	defaultRotateSchedule  = "0 3 * * *"     // daily at 03:00 local time
	defaultDataDirBasename = ".ddos"
)

// ============================================================================
// Configuration Structures
// ============================================================================

// Config is the full host configuration, loaded from ddos-host.yaml and
// overridable through DDOS_* environment variables.
type Config struct {
	// DataDir is where the backend keeps its state. It is created on
	// launch and passed to the backend as --path.
	DataDir string `yaml:"data_dir,omitempty" envconfig:"DATA_DIR"`

	Console ConsoleConfig `yaml:"console,omitempty"`
	Backend BackendConfig `yaml:"backend,omitempty"`
	Logs    LogConfig     `yaml:"logs,omitempty"`
}

// ConsoleConfig configures the local admin console.
type ConsoleConfig struct {
	Host          string `yaml:"host,omitempty"`
	Port          int    `yaml:"port,omitempty"`
	Authorization string `yaml:"authorization,omitempty"` // BasicAuth credentials in format "username:password"
}

// BackendConfig configures how the backend server process is launched.
type BackendConfig struct {
	// Executable overrides sidecar resolution with an explicit path.
	// When empty the host looks for the bundled executable next to its
	// own binary, then on PATH.
	Executable string `yaml:"executable,omitempty"`

	// ExtraArgs is a shell-quoted string appended after the fixed
	// --path/--port arguments.
	ExtraArgs string `yaml:"extra_args,omitempty" envconfig:"EXTRA_ARGS"`

	// Env is merged over the host environment and the data dir's .env
	// file when building the backend's environment.
	Env map[string]string `yaml:"env,omitempty"`

	// StopGrace is how long a graceful stop may take before the process
	// group is force-killed, e.g. "3s".
	StopGrace string `yaml:"stop_grace,omitempty" envconfig:"STOP_GRACE"`
}

// LogConfig configures the host's own log output plus the captured-output
// files written under <data_dir>/logs.
type LogConfig struct {
	Level          string `yaml:"level,omitempty"`
	Development    bool   `yaml:"development,omitempty"`
	MaxFileSize    int64  `yaml:"max_file_size,omitempty" envconfig:"MAX_FILE_SIZE"`
	RotateSchedule string `yaml:"rotate_schedule,omitempty" envconfig:"ROTATE_SCHEDULE"`
}

// ============================================================================
// Loading
// ============================================================================

// LoadConfig loads the host configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file, DDOS_* environment variables. A missing
// config file is not an error; the defaults describe a working setup.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("ddos", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment overrides: %w", err)
	}

	// Fields emptied by the YAML file (explicit "" or 0) fall back to the
	// defaults again.
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configPath returns the config file location, overridable with DDOS_CONFIG.
func configPath() string {
	if path := os.Getenv("DDOS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigFile
}

func defaultConfig() Config {
	return Config{
		DataDir: defaultDataDir(),
		Console: ConsoleConfig{
			Host: defaultConsoleHost,
			Port: defaultConsolePort,
		},
		Backend: BackendConfig{
			StopGrace: defaultStopGrace.String(),
		},
		Logs: LogConfig{
			Level:          defaultLogLevel,
			MaxFileSize:    defaultMaxLogFileSize,
			RotateSchedule: defaultRotateSchedule,
		},
	}
}

// defaultDataDir is <home>/.ddos, falling back to a relative directory when
// the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataDirBasename
	}
	return filepath.Join(home, defaultDataDirBasename)
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Console.Host == "" {
		c.Console.Host = defaultConsoleHost
	}
	if c.Console.Port == 0 {
		c.Console.Port = defaultConsolePort
	}
	if c.Backend.StopGrace == "" {
		c.Backend.StopGrace = defaultStopGrace.String()
	}
	if c.Logs.Level == "" {
		c.Logs.Level = defaultLogLevel
	}
	if c.Logs.MaxFileSize == 0 {
		c.Logs.MaxFileSize = defaultMaxLogFileSize
	}
	if c.Logs.RotateSchedule == "" {
		c.Logs.RotateSchedule = defaultRotateSchedule
	}
}

// validate rejects values that would only fail later, at launch or when the
// rotation schedule first fires.
func (c *Config) validate() error {
	if _, err := c.Backend.SplitExtraArgs(); err != nil {
		return fmt.Errorf("invalid backend.extra_args: %w", err)
	}
	if _, err := time.ParseDuration(c.Backend.StopGrace); err != nil {
		return fmt.Errorf("invalid backend.stop_grace: %w", err)
	}
	return nil
}

// SplitExtraArgs parses the shell-quoted extra_args string into argv tokens.
func (bc *BackendConfig) SplitExtraArgs() ([]string, error) {
	if bc.ExtraArgs == "" {
		return nil, nil
	}
	return shlex.Split(bc.ExtraArgs)
}

// StopGraceDuration returns the parsed stop_grace value. Validation at load
// time guarantees it parses; a zero or negative value falls back to the
// default.
func (bc *BackendConfig) StopGraceDuration() time.Duration {
	d, err := time.ParseDuration(bc.StopGrace)
	if err != nil || d <= 0 {
		return defaultStopGrace
	}
	return d
}
