package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models codecat.yml.
type Config struct {
	Discord struct {
		BotToken string `yaml:"bot_token"`
		APIBase  string `yaml:"api_base"`
	} `yaml:"discord"`
	Automation struct {
		BaseURL      string `yaml:"base_url"`
		Secret       string `yaml:"secret"`
		PollInterval string `yaml:"poll_interval"`

		// Parsed from PollInterval by Validate.
		PollEvery time.Duration `yaml:"-"`
	} `yaml:"automation"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Defaults struct {
		Model  string `yaml:"model"`
		Branch string `yaml:"branch"`
	} `yaml:"defaults"`
}

const (
	DefaultDiscordAPIBase = "https://discord.com/api/v10"
	DefaultModel          = "anthropic/claude-sonnet-4"
	DefaultBranch         = "main"
	DefaultPollInterval   = 30 * time.Second
)

// Validate ensures the config meets required structure and fills defaults.
func (c *Config) Validate() error {
	if c.Discord.APIBase == "" {
		c.Discord.APIBase = DefaultDiscordAPIBase
	}
	if !strings.HasPrefix(c.Discord.APIBase, "http://") && !strings.HasPrefix(c.Discord.APIBase, "https://") {
		return fmt.Errorf("config.discord.api_base must be an http(s) URL")
	}
	if c.Automation.BaseURL != "" {
		if !strings.HasPrefix(c.Automation.BaseURL, "http://") && !strings.HasPrefix(c.Automation.BaseURL, "https://") {
			return fmt.Errorf("config.automation.base_url must be an http(s) URL")
		}
	}
	if c.Automation.PollInterval == "" {
		c.Automation.PollEvery = DefaultPollInterval
	} else {
		d, err := time.ParseDuration(c.Automation.PollInterval)
		if err != nil {
			return fmt.Errorf("config.automation.poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.automation.poll_interval must be positive")
		}
		c.Automation.PollEvery = d
	}
	if c.Defaults.Model == "" {
		c.Defaults.Model = DefaultModel
	}
	if c.Defaults.Branch == "" {
		c.Defaults.Branch = DefaultBranch
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "codecat.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns a validated default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `discord:
  bot_token: ""
  api_base: https://discord.com/api/v10

automation:
  base_url: ""
  secret: ""
  poll_interval: 30s

server:
  addr: 127.0.0.1:8787
  base_path: /api/v1
  jwt_secret: ""

defaults:
  model: anthropic/claude-sonnet-4
  branch: main
`
