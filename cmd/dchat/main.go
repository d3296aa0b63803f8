package main

import (
	"fmt"
	"net/url"
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

// Config represents the CLI configuration stored in ~/.dchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	ServerURL string `toml:"server_url"`
	APIURL    string `toml:"api_url"`
	PageSize  int    `toml:"page_size"`
}

// ConfigAuth holds the stored session.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.dchat (or $DCHAT_HOME), creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("DCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".dchat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
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

// loadConfig reads the config file. A missing file yields a zero Config.
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

// loadEffectiveConfig is loadConfig with environment overrides applied. The
// result is for reading only; saving it would persist the overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

// applyEnv overlays DCHAT_SERVER_URL, DCHAT_API_URL and DCHAT_TOKEN.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("DCHAT_SERVER_URL"); v != "" {
		cfg.Default.ServerURL = v
	}
	if v := getenv("DCHAT_API_URL"); v != "" {
		cfg.Default.APIURL = v
	}
	if v := getenv("DCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
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
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// configKey is one key accepted by 'config set'.
type configKey struct {
	name string
	help string
	set  func(cfg *Config, value string) error
}

var configKeys = []configKey{
	{"default.server_url", "real-time endpoint (ws, wss, http or https)", func(cfg *Config, v string) error {
		if err := checkURL(v, "ws", "wss", "http", "https"); err != nil {
			return err
		}
		cfg.Default.ServerURL = v
		return nil
	}},
	{"default.api_url", "persistence and session API base URL (http or https)", func(cfg *Config, v string) error {
		if err := checkURL(v, "http", "https"); err != nil {
			return err
		}
		cfg.Default.APIURL = strings.TrimRight(v, "/")
		return nil
	}},
	{"default.page_size", "messages and rooms fetched per page", func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("page_size must be a positive integer, got %q", v)
		}
		cfg.Default.PageSize = n
		return nil
	}},
	{"auth.token", "access token; user id and expiry are read from it", func(cfg *Config, v string) error {
		applyToken(&cfg.Auth, v)
		return nil
	}},
	{"auth.user_id", "local user id, for tokens without a subject", func(cfg *Config, v string) error {
		cfg.Auth.UserID = v
		return nil
	}},
}

// setConfigValue sets a config field using dot notation (e.g. "default.server_url").
func setConfigValue(cfg *Config, key, value string) error {
	if _, _, ok := strings.Cut(key, "."); !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
	}
	for _, k := range configKeys {
		if k.name == key {
			return k.set(cfg, value)
		}
	}
	return fmt.Errorf("unknown key %q (valid: %s)", key, configKeyHelp())
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid URL %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("URL %q must use one of: %s", raw, strings.Join(schemes, ", "))
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "dchat",
	Short: "Dating app chat client",
	Long:  "Command-line client for the dating app's real-time chat.\nManage the session, list conversations and chat from the terminal.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env in the working directory may carry DCHAT_* overrides.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
