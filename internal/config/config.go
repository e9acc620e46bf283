package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FileName         = "archiflow.yml"
	DefaultAPIKeyEnv = "ARCHIFLOW_API_KEY"
)

// Config models archiflow.yml.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant" json:"assistant"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// AssistantConfig configures the chat-completions endpoint and retry policy.
// The API key itself is never stored here; APIKeyEnv names the environment
// variable holding it.
type AssistantConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	Model          string        `yaml:"model" json:"model"`
	APIKeyEnv      string        `yaml:"api_key_env" json:"api_key_env"`
	Temperature    float64       `yaml:"temperature" json:"temperature"`
	TopP           float64       `yaml:"top_p" json:"top_p"`
	MaxTokens      int           `yaml:"max_tokens" json:"max_tokens"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialDelay   time.Duration `yaml:"initial_delay" json:"initial_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// APIKey reads the credential from the configured environment variable.
func (a AssistantConfig) APIKey() string {
	name := a.APIKeyEnv
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	return strings.TrimSpace(os.Getenv(name))
}

// Endpoint is the chat-completions URL.
func (a AssistantConfig) Endpoint() string {
	return strings.TrimRight(a.BaseURL, "/") + "/chat/completions"
}

func (c *Config) applyDefaults() {
	a := &c.Assistant
	if a.BaseURL == "" {
		a.BaseURL = "https://api.openai.com/v1"
	}
	if a.Model == "" {
		a.Model = "gpt-4o-mini"
	}
	if a.APIKeyEnv == "" {
		a.APIKeyEnv = DefaultAPIKeyEnv
	}
	if a.TopP == 0 {
		a.TopP = 1
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 1000
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.InitialDelay == 0 {
		a.InitialDelay = time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	a := c.Assistant
	u, err := url.Parse(a.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.assistant.base_url %q is not an absolute URL", a.BaseURL)
	}
	if a.Model == "" {
		return fmt.Errorf("config.assistant.model is required")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("config.assistant.temperature must be within [0,2]")
	}
	if a.TopP <= 0 || a.TopP > 1 {
		return fmt.Errorf("config.assistant.top_p must be within (0,1]")
	}
	if a.MaxTokens < 0 {
		return fmt.Errorf("config.assistant.max_tokens must not be negative")
	}
	if a.MaxRetries < 1 {
		return fmt.Errorf("config.assistant.max_retries must be at least 1")
	}
	if a.InitialDelay <= 0 {
		return fmt.Errorf("config.assistant.initial_delay must be positive")
	}
	if a.RequestTimeout < 0 {
		return fmt.Errorf("config.assistant.request_timeout must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhook %d has empty event filter", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout_seconds", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with archiflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the default Config. Temperature is only defaulted here
// since zero is a valid explicit setting.
func Default() *Config {
	var cfg Config
	cfg.Assistant.Temperature = 0.3
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

const defaultTemplate = `assistant:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  # the key is read from this environment variable, never from this file
  api_key_env: ARCHIFLOW_API_KEY
  temperature: 0.3
  top_p: 1
  max_tokens: 1000
  max_retries: 3
  initial_delay: 1s
  request_timeout: 0s

log:
  level: info
  format: console

# webhooks:
#   - url: http://localhost:9000/hooks/contracts
#     events: [contract.created, contract.deleted]
#     timeout_seconds: 5
`
