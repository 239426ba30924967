package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/natefinch/atomic"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	avida "github.com/kelvinofficial/avida-sub001"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.avida/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Offline ConfigOffline `toml:"offline"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	APIKey      string `toml:"api_key"`
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
}

// ConfigOffline holds settings for the local cache and action queue.
type ConfigOffline struct {
	StoreDir   string `toml:"store_dir,omitempty"`
	MaxRetries int    `toml:"max_retries,omitempty"`
	LogLevel   string `toml:"log_level,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.avida, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".avida")
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

// readConfigFile reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
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

// loadConfig reads the config file and applies environment overrides.
// Use readConfigFile when the result is written back to disk.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AVIDA_API_KEY"); v != "" {
		cfg.Default.APIKey = v
	}
	if v := os.Getenv("AVIDA_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("AVIDA_LOG_LEVEL"); v != "" {
		cfg.Offline.LogLevel = v
	}
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
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("cannot restrict config permissions: %w", err)
	}
	return nil
}

// configField binds a dotted key to a Config field. set validates the value.
type configField struct {
	get func(*Config) string
	set func(*Config, string) error
}

var configFields = map[string]configField{
	"default.api_key": {
		get: func(c *Config) string { return c.Default.APIKey },
		set: func(c *Config, v string) error { c.Default.APIKey = v; return nil },
	},
	"default.environment": {
		get: func(c *Config) string { return c.Default.Environment },
		set: func(c *Config, v string) error {
			switch avida.Environment(v) {
			case avida.Production, avida.Staging:
				c.Default.Environment = v
				return nil
			}
			return fmt.Errorf("environment must be %q or %q, got %q", avida.Production, avida.Staging, v)
		},
	},
	"default.base_url": {
		get: func(c *Config) string { return c.Default.BaseURL },
		set: func(c *Config, v string) error {
			if v != "" {
				u, err := url.Parse(v)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("base_url must be an http(s) URL, got %q", v)
				}
			}
			c.Default.BaseURL = v
			return nil
		},
	},
	"offline.store_dir": {
		get: func(c *Config) string { return c.Offline.StoreDir },
		set: func(c *Config, v string) error { c.Offline.StoreDir = v; return nil },
	},
	"offline.max_retries": {
		get: func(c *Config) string {
			if c.Offline.MaxRetries == 0 {
				return ""
			}
			return strconv.Itoa(c.Offline.MaxRetries)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("max_retries must be a positive integer, got %q", v)
			}
			c.Offline.MaxRetries = n
			return nil
		},
	},
	"offline.log_level": {
		get: func(c *Config) string { return c.Offline.LogLevel },
		set: func(c *Config, v string) error {
			if _, err := zap.ParseAtomicLevel(v); err != nil {
				return fmt.Errorf("invalid log_level %q: %w", v, err)
			}
			c.Offline.LogLevel = v
			return nil
		},
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupField(key string) (configField, error) {
	if !strings.Contains(key, ".") {
		return configField{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	f, ok := configFields[key]
	if !ok {
		return configField{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return f, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	return f.set(cfg, value)
}

// getConfigValue reads a config field using dot notation.
func getConfigValue(cfg *Config, key string) (string, error) {
	f, err := lookupField(key)
	if err != nil {
		return "", err
	}
	return f.get(cfg), nil
}

// ============================================================================
// Root command
// ============================================================================

var envFile string

var rootCmd = &cobra.Command{
	Use:   "avida",
	Short: "Avida marketplace CLI",
	Long: "Command-line interface for the Avida marketplace SDK.\n" +
		"Inspect the offline cache, queue actions and sync them when the API is reachable.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment overrides from this file (default .env if present)")
}

// loadEnvFile loads path into the environment. With an empty path a
// missing .env in the working directory is not an error.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("cannot load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot load .env: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
