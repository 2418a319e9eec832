package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.msgr/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	UserBaseURL string `toml:"user_base_url"`
	CacheDir    string `toml:"cache_dir"`
}

// ConfigAuth holds the signed-in user's credentials.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the msgr home directory (~/.msgr, overridable with
// MSGR_HOME), creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("MSGR_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".msgr")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig parses config.toml. A missing file is not an error; commands
// see a zero Config until `msgr init` runs.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "user_base_url":
			cfg.Default.UserBaseURL = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "device_id":
			cfg.Auth.DeviceID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// getConfigValue reads a config field using the same dot notation as
// setConfigValue.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.user_base_url":
		return cfg.Default.UserBaseURL, nil
	case "default.cache_dir":
		return cfg.Default.CacheDir, nil
	case "auth.token":
		return cfg.Auth.Token, nil
	case "auth.user_id":
		return cfg.Auth.UserID, nil
	case "auth.device_id":
		return cfg.Auth.DeviceID, nil
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "msgr",
	Short: "FolioLink messaging CLI",
	Long:  "Command-line interface for the FolioLink messaging platform.\nList conversations, send encrypted messages, and watch for incoming ones.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
