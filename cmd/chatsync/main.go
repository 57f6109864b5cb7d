package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
	Push    ConfigPush    `toml:"push"`
	Cache   ConfigCache   `toml:"cache"`
	Metrics ConfigMetrics `toml:"metrics"`
}

// ConfigDefault holds the server settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	APIKey      string `toml:"api_key"`
	Environment string `toml:"environment"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	Username     string `toml:"username"`
	TokenExpires string `toml:"token_expires"`
}

type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ConfigPush enables device pushes to the peer after each send.
type ConfigPush struct {
	Endpoint string `toml:"endpoint"`
	Enabled  bool   `toml:"enabled"`
}

type ConfigCache struct {
	Path string `toml:"path"`
}

type ConfigMetrics struct {
	Addr string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
// CHATSYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
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
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with .env and CHATSYNC_* overrides
// applied. The result is never written back.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot load %s: %w", envFile, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps environment variables to config keys.
var envOverrides = map[string]string{
	"CHATSYNC_BASE_URL":      "default.base_url",
	"CHATSYNC_API_KEY":       "default.api_key",
	"CHATSYNC_ENVIRONMENT":   "default.environment",
	"CHATSYNC_TOKEN":         "auth.token",
	"CHATSYNC_USER_ID":       "auth.user_id",
	"CHATSYNC_USERNAME":      "auth.username",
	"CHATSYNC_LOG_LEVEL":     "log.level",
	"CHATSYNC_LOG_FORMAT":    "log.format",
	"CHATSYNC_PUSH_ENDPOINT": "push.endpoint",
	"CHATSYNC_PUSH_ENABLED":  "push.enabled",
	"CHATSYNC_CACHE_PATH":    "cache.path",
	"CHATSYNC_METRICS_ADDR":  "metrics.addr",
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for env, key := range envOverrides {
		v, ok := lookup(env)
		if !ok || v == "" {
			continue
		}
		if err := setConfigValue(cfg, key, v); err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	unknown := func() error {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "api_key":
			cfg.Default.APIKey = value
		case "environment":
			cfg.Default.Environment = value
		default:
			return unknown()
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return unknown()
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			if value != "console" && value != "json" {
				return fmt.Errorf("log.format must be console or json")
			}
			cfg.Log.Format = value
		default:
			return unknown()
		}
	case "push":
		switch field {
		case "endpoint":
			cfg.Push.Endpoint = value
		case "enabled":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("push.enabled: %w", err)
			}
			cfg.Push.Enabled = b
		default:
			return unknown()
		}
	case "cache":
		if field != "path" {
			return unknown()
		}
		cfg.Cache.Path = value
	case "metrics":
		if field != "addr" {
			return unknown()
		}
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log, push, cache, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Two-party chat sync client",
	Long: "Command-line client for a chatsync backend.\n" +
		"Follow conversations live, send messages, and watch for notifications.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file with CHATSYNC_* overrides")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
