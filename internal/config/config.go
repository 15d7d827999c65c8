// Package config handles configuration loading for tsctl: a YAML config file
// with environment-variable overrides for credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults for the on-disk state layout.
const (
	DefaultStateDir  = "~/.threatstack"
	DefaultStateFile = ".threatstack.state.json"
	DefaultBaseURL   = "https://api.threatstack.com"
	DefaultRetries   = 5
)

// DefaultConfigPath is where Load looks when no explicit path is given.
const DefaultConfigPath = "~/.tsctl.yaml"

// Config holds all settings for the CLI and the daemon. Credentials may come
// from the file or from the USER_ID / API_KEY environment variables.
type Config struct {
	StateDir  string `yaml:"state_dir"`
	StateFile string `yaml:"state_file"`
	LazyEval  *bool  `yaml:"lazy_eval"`
	LogLevel  string `yaml:"loglevel"`

	UserID  string `yaml:"user_id"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Retries *int   `yaml:"retries"`

	// Daemon-only settings.
	ListenAddress   string `yaml:"listen_address"`
	Port            int    `yaml:"port"`
	AdminToken      string `yaml:"admin_token"`
	APIMaxBodyBytes int    `yaml:"api_max_body_bytes"`
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// Lazy reports whether mutation verbs defer network calls to an explicit push.
func (c *Config) Lazy() bool {
	return c.LazyEval == nil || *c.LazyEval
}

// RetryCount returns the transport retry budget (0 means retry forever).
func (c *Config) RetryCount() int {
	if c.Retries == nil {
		return DefaultRetries
	}
	return *c.Retries
}

// StateFilePath returns the absolute path of the ledger file.
func (c *Config) StateFilePath() string {
	return filepath.Join(c.StateDir, c.StateFile)
}

// Load reads the config file at path (DefaultConfigPath when empty), writes a
// commented default file if none exists, applies env overrides, expands
// home-relative paths and validates. All validation failures are reported in
// a single error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	path, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := writeDefaultFile(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "error"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8226
	}
	if cfg.APIMaxBodyBytes == 0 {
		cfg.APIMaxBodyBytes = 1 << 20
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("USER_ID"); ok {
		cfg.UserID = v
	}
	if v, ok := os.LookupEnv("API_KEY"); ok {
		cfg.APIKey = v
	}
	if v, ok := os.LookupEnv("TSCTL_STATE_DIR"); ok {
		cfg.StateDir = v
	}
	if v, ok := os.LookupEnv("TSCTL_BASE_URL"); ok {
		cfg.BaseURL = v
	}
}

func expandPaths(cfg *Config) error {
	dir, err := ExpandHome(cfg.StateDir)
	if err != nil {
		return err
	}
	cfg.StateDir = dir
	return nil
}

func validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "error":
	default:
		errs = append(errs, fmt.Sprintf("loglevel: unknown level %q (allowed: debug, info, error)", cfg.LogLevel))
	}
	if cfg.Retries != nil && *cfg.Retries < 0 {
		errs = append(errs, fmt.Sprintf("retries: must be >= 0, got %d", *cfg.Retries))
	}
	if strings.Contains(cfg.StateFile, string(os.PathSeparator)) {
		errs = append(errs, fmt.Sprintf("state_file: must be a bare filename, got %q", cfg.StateFile))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be 1-65535, got %d", cfg.Port))
	}
	if cfg.APIMaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("api_max_body_bytes: must be positive, got %d", cfg.APIMaxBodyBytes))
	}
	if cfg.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(cfg.RefreshSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("refresh_schedule: invalid cron expression %q: %v", cfg.RefreshSchedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// RequireCredentials returns an error unless both user_id and api_key are set.
// Verbs that never touch the network skip this check.
func (c *Config) RequireCredentials() error {
	if c.UserID == "" || c.APIKey == "" {
		return errors.New("config: user_id and api_key must be set in the config file or via the USER_ID / API_KEY environment variables")
	}
	return nil
}

// ExpandHome resolves a leading "~/" against the current user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

const defaultFileContents = `# tsctl configuration.
# Credentials may instead be supplied via the USER_ID and API_KEY
# environment variables.

state_dir: ~/.threatstack
state_file: .threatstack.state.json
lazy_eval: true
loglevel: error

#user_id: ""
#api_key: ""
`

func writeDefaultFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(defaultFileContents), 0o600); err != nil {
		return fmt.Errorf("config: write default %s: %w", path, err)
	}
	return nil
}
