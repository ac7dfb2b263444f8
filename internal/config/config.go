package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const fileName = "redink.yml"

// Config models redink.yml.
type Config struct {
	History struct {
		Dir string `yaml:"dir"`
	} `yaml:"history"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		Token     string `yaml:"token"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Admin AdminConfig `yaml:"admin"`
	Log   struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards journal events to an HTTP endpoint. Events lists
// event types to deliver; a trailing ".*" matches a prefix and an empty list
// matches everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// AdminConfig controls which callers reach the admin endpoints.
type AdminConfig struct {
	AllowRemote  bool `yaml:"allow_remote"`
	TrustPrivate bool `yaml:"trust_private"`
	TrustXFF     bool `yaml:"trust_xff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.History.Dir = "history"
	cfg.Server.Addr = "127.0.0.1:12398"
	cfg.Server.BasePath = "/api"
	cfg.Log.Mode = "dev"
	cfg.Journal.Enabled = true
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// LoadOptional reads redink.yml over the defaults. A missing file yields
// the defaults.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Load reads the workspace config, applies flag and environment overrides
// from v and validates the result.
func Load(workspace string, v *viper.Viper) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		cfg.ApplyOverrides(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides copies every key that is explicitly set in v (changed flag
// or REDINK_* environment variable) onto the config.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	setString("history-dir", &c.History.Dir)
	setString("addr", &c.Server.Addr)
	setString("base-path", &c.Server.BasePath)
	setString("auth-token", &c.Auth.Token)
	setString("jwt-secret", &c.Auth.JWTSecret)
	setBool("admin-allow-remote", &c.Admin.AllowRemote)
	setBool("admin-trust-private", &c.Admin.TrustPrivate)
	setBool("admin-trust-xff", &c.Admin.TrustXFF)
	setString("log-mode", &c.Log.Mode)
	setBool("journal", &c.Journal.Enabled)
	setString("journal-path", &c.Journal.Path)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.History.Dir) == "" {
		return fmt.Errorf("config.history.dir is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Mode) {
	case "", "dev", "development", "prod", "production":
	default:
		return fmt.Errorf("config.log.mode must be dev or prod, got %q", c.Log.Mode)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http or https", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if len(c.Webhooks) > 0 && !c.Journal.Enabled {
		return fmt.Errorf("config.webhooks requires journal.enabled")
	}
	return nil
}

// HistoryDir resolves the history directory against the workspace.
func (c *Config) HistoryDir(workspace string) string {
	if filepath.IsAbs(c.History.Dir) {
		return c.History.Dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.History.Dir)
}

// AuthEnabled reports whether the API requires a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Token != "" || c.Auth.JWTSecret != ""
}
