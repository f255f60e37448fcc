package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file read by Load
const FileName = ".pubdeploy.yaml"

// Credential backends
const (
	BackendSecretStore = "secret-store"
	BackendEnvironment = "environment"
)

// Config holds everything the deploy core reads from the outside world.
// It is read-only once loaded.
type Config struct {
	// CredentialBackend selects the vault implementation
	// Options: "secret-store" or "environment"
	// Default: "secret-store"
	CredentialBackend string `yaml:"credential_backend"`

	// HistoryRetention is the maximum number of deployment records kept per profile
	// Default: 50, Range: 1-1000
	HistoryRetention int `yaml:"history_retention"`

	// OpenBrowserOnDeploy is used when a profile leaves the setting unset
	// Default: true
	OpenBrowserOnDeploy bool `yaml:"open_browser_on_deploy"`

	// PublishTool is the build/publish executable
	// Default: "dotnet"
	PublishTool string `yaml:"publish_tool"`

	// DeployTool is the remote deploy executable used for log-config patches
	// Default: "msdeploy"
	DeployTool string `yaml:"deploy_tool"`

	// DeployTimeout bounds a single publish subprocess
	// Default: 30m, Range: 1m-4h
	DeployTimeout time.Duration `yaml:"deploy_timeout"`

	// SecretStorePath is the SQLite file backing the secret-store backend
	// Default: <user config dir>/pubdeploy/secrets.db
	SecretStorePath string `yaml:"secret_store_path"`

	// SecretKey is the passphrase sealing stored credentials. When empty a
	// random key file is created next to the store.
	SecretKey string `yaml:"secret_key"`

	// LogLevel is a zap level name
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "console" or "json"
	// Default: "console"
	LogFormat string `yaml:"log_format"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		CredentialBackend:   BackendSecretStore,
		HistoryRetention:    50,
		OpenBrowserOnDeploy: true,
		PublishTool:         "dotnet",
		DeployTool:          "msdeploy",
		DeployTimeout:       30 * time.Minute,
		SecretStorePath:     defaultSecretStorePath(),
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

func defaultSecretStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "pubdeploy", "secrets.db")
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.CredentialBackend != BackendSecretStore && c.CredentialBackend != BackendEnvironment {
		return fmt.Errorf("credential_backend must be '%s' or '%s' (got %q)",
			BackendSecretStore, BackendEnvironment, c.CredentialBackend)
	}
	if c.HistoryRetention < 1 || c.HistoryRetention > 1000 {
		return fmt.Errorf("history_retention must be between 1 and 1000 (got %d)", c.HistoryRetention)
	}
	if c.PublishTool == "" {
		return fmt.Errorf("publish_tool cannot be empty")
	}
	if c.DeployTool == "" {
		return fmt.Errorf("deploy_tool cannot be empty")
	}
	if c.DeployTimeout < time.Minute || c.DeployTimeout > 4*time.Hour {
		return fmt.Errorf("deploy_timeout must be between 1m and 4h (got %v)", c.DeployTimeout)
	}
	if c.CredentialBackend == BackendSecretStore && c.SecretStorePath == "" {
		return fmt.Errorf("secret_store_path is required for the %s backend", BackendSecretStore)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be 'console' or 'json' (got %q)", c.LogFormat)
	}
	return nil
}

// String returns a human-readable representation of the config.
// SecretKey is never printed.
func (c Config) String() string {
	secret := "unset"
	if c.SecretKey != "" {
		secret = "set"
	}
	return fmt.Sprintf(
		"Config{CredentialBackend: %s, HistoryRetention: %d, OpenBrowserOnDeploy: %t, "+
			"PublishTool: %s, DeployTool: %s, DeployTimeout: %v, SecretStorePath: %s, "+
			"SecretKey: %s, LogLevel: %s, LogFormat: %s}",
		c.CredentialBackend, c.HistoryRetention, c.OpenBrowserOnDeploy,
		c.PublishTool, c.DeployTool, c.DeployTimeout, c.SecretStorePath,
		secret, c.LogLevel, c.LogFormat,
	)
}

// Load builds the configuration for a workspace:
//
//  1. defaults
//  2. <workspace>/.env (does not override variables already set)
//  3. <workspace>/.pubdeploy.yaml, or configPath when non-empty
//  4. PUBDEPLOY_* environment variables
//
// The result is validated before it is returned.
func Load(workspaceRoot, configPath string) (Config, error) {
	cfg := Default()

	envFile := filepath.Join(workspaceRoot, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return cfg, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(workspaceRoot, FileName)
	}
	// A missing workspace config file is fine; a missing explicit one is not
	if err := loadFile(configPath, &cfg); err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays PUBDEPLOY_* variables
//
// Environment variables:
//   - PUBDEPLOY_CREDENTIAL_BACKEND: secret-store or environment
//   - PUBDEPLOY_HISTORY_RETENTION: records kept per profile
//   - PUBDEPLOY_OPEN_BROWSER: default for profiles without the setting
//   - PUBDEPLOY_PUBLISH_TOOL: publish executable
//   - PUBDEPLOY_DEPLOY_TOOL: remote deploy executable
//   - PUBDEPLOY_DEPLOY_TIMEOUT: duration string such as "45m"
//   - PUBDEPLOY_SECRET_STORE_PATH: SQLite file for the secret store
//   - PUBDEPLOY_SECRET_KEY: passphrase for the secret store
//   - PUBDEPLOY_LOG_LEVEL, PUBDEPLOY_LOG_FORMAT
func applyEnv(cfg *Config) error {
	if err := parseEnvString("PUBDEPLOY_CREDENTIAL_BACKEND", &cfg.CredentialBackend); err != nil {
		return err
	}
	if err := parseEnvInt("PUBDEPLOY_HISTORY_RETENTION", &cfg.HistoryRetention); err != nil {
		return err
	}
	if err := parseEnvBool("PUBDEPLOY_OPEN_BROWSER", &cfg.OpenBrowserOnDeploy); err != nil {
		return err
	}
	if err := parseEnvString("PUBDEPLOY_PUBLISH_TOOL", &cfg.PublishTool); err != nil {
		return err
	}
	if err := parseEnvString("PUBDEPLOY_DEPLOY_TOOL", &cfg.DeployTool); err != nil {
		return err
	}
	if err := parseEnvDuration("PUBDEPLOY_DEPLOY_TIMEOUT", &cfg.DeployTimeout); err != nil {
		return err
	}
	if err := parseEnvString("PUBDEPLOY_SECRET_STORE_PATH", &cfg.SecretStorePath); err != nil {
		return err
	}
	if err := parseEnvString("PUBDEPLOY_SECRET_KEY", &cfg.SecretKey); err != nil {
		return err
	}
	if err := parseEnvString("PUBDEPLOY_LOG_LEVEL", &cfg.LogLevel); err != nil {
		return err
	}
	return parseEnvString("PUBDEPLOY_LOG_FORMAT", &cfg.LogFormat)
}
