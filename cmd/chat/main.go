package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the logged-in user.
type ConfigAuth struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

// ============================================================================
// Config file
// ============================================================================

// configDirOverride replaces ~/.chat in tests.
var configDirOverride string

// configPath returns ~/.chat/config.toml, creating the directory.
func configPath() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file is an empty config and
// unknown keys are an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig writes cfg readable by the owner only.
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
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKeys lists the settable keys, in the order they are documented.
var configKeys = []string{"default.api_key", "default.base_url", "auth.user_id", "auth.token"}

// field maps a dotted key to the string it sets.
func (c *Config) field(key string) (*string, bool) {
	fields := map[string]*string{
		"default.api_key":  &c.Default.APIKey,
		"default.base_url": &c.Default.BaseURL,
		"auth.user_id":     &c.Auth.UserID,
		"auth.token":       &c.Auth.Token,
	}
	f, ok := fields[key]
	return f, ok
}

// setConfigValue sets one of configKeys.
func setConfigValue(cfg *Config, key, value string) error {
	f, ok := cfg.field(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys, ", "))
	}
	*f = value
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat SDK CLI",
	Long:  "Command-line interface for the chat SDK.\nManage configuration, log in, manage push devices and follow realtime events.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests and WebSocket traffic")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
