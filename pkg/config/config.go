package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the vibetunnel server and CLI.
type Config struct {
	// ControlDir holds one subdirectory per session.
	ControlDir string `yaml:"control_dir"`

	DefaultCols    int `yaml:"default_cols"`
	DefaultRows    int `yaml:"default_rows"`
	ScrollbackRows int `yaml:"scrollback_rows"`

	// SessionIdleTimeout bounds how long an unsubscribed-but-idle emulator
	// entry is kept warm.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	// NotificationDebounce batches buffer-change notifications.
	NotificationDebounce time.Duration `yaml:"notification_debounce"`

	NoSpawn             bool `yaml:"no_spawn"`
	DoNotAllowColumnSet bool `yaml:"do_not_allow_column_set"`

	Server ServerConfig `yaml:"server"`
	TLS    TLSConfig    `yaml:"tls"`
	Ngrok  NgrokConfig  `yaml:"ngrok"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Email    string `yaml:"email"`
	SelfSign bool   `yaml:"self_sign"`
}

type NgrokConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
	Domain    string `yaml:"domain"`
}

// Default returns the configuration used when no file or flags are given.
func Default() *Config {
	return &Config{
		ControlDir:           defaultControlDir(),
		DefaultCols:          120,
		DefaultRows:          30,
		ScrollbackRows:       1000,
		SessionIdleTimeout:   5 * time.Minute,
		NotificationDebounce: 50 * time.Millisecond,
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4020,
		},
	}
}

func defaultControlDir() string {
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vibetunnel", "control")
	}
	return filepath.Join(home, ".vibetunnel", "control")
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// The env override wins over the file.
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		cfg.ControlDir = dir
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// MergeFlags overrides config values with any flags the user set explicitly.
func (c *Config) MergeFlags(flags *pflag.FlagSet) {
	if flags.Changed("control-dir") {
		c.ControlDir, _ = flags.GetString("control-dir")
	}
	if flags.Changed("cols") {
		c.DefaultCols, _ = flags.GetInt("cols")
	}
	if flags.Changed("rows") {
		c.DefaultRows, _ = flags.GetInt("rows")
	}
	if flags.Changed("no-spawn") {
		c.NoSpawn, _ = flags.GetBool("no-spawn")
	}
	if flags.Changed("no-resize") {
		c.DoNotAllowColumnSet, _ = flags.GetBool("no-resize")
	}
	if flags.Changed("host") {
		c.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		c.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("password") {
		c.Server.Password, _ = flags.GetString("password")
	}
	if flags.Changed("tls") {
		c.TLS.Enabled, _ = flags.GetBool("tls")
	}
	if flags.Changed("tls-domain") {
		c.TLS.Domain, _ = flags.GetString("tls-domain")
		if c.TLS.Domain != "" {
			c.TLS.Enabled = true
		}
	}
	if flags.Changed("tls-email") {
		c.TLS.Email, _ = flags.GetString("tls-email")
	}
	if flags.Changed("tls-self-sign") {
		c.TLS.SelfSign, _ = flags.GetBool("tls-self-sign")
		if c.TLS.SelfSign {
			c.TLS.Enabled = true
		}
	}
	if flags.Changed("ngrok") {
		c.Ngrok.Enabled, _ = flags.GetBool("ngrok")
	}
	if flags.Changed("ngrok-token") {
		c.Ngrok.AuthToken, _ = flags.GetString("ngrok-token")
	}
	if flags.Changed("ngrok-domain") {
		c.Ngrok.Domain, _ = flags.GetString("ngrok-domain")
	}
}

// DefaultPath is where the CLI looks for a config file.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".vibetunnel", "config.yaml")
}
