// Package config handles yaebot configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/yaebot/config.yaml, /etc/yaebot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "yaebot", "config.yaml"))
	}
	return append(paths, "/etc/yaebot/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadDotEnv loads .env.local and .env from the working directory into
// the process environment. Variables that are already set win, and
// missing files are ignored.
func LoadDotEnv() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// Config holds all yaebot configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	Telegram  TelegramConfig `yaml:"telegram"`
	LLM       LLMConfig      `yaml:"llm"`
	Agent     AgentConfig    `yaml:"agent"`
	Fetch     FetchConfig    `yaml:"fetch"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

// ListenConfig defines the webhook server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// EventsToken enables the operator event stream at /v1/events for
	// clients presenting it as a bearer token. Empty disables the stream.
	EventsToken string `yaml:"events_token"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// TelegramConfig defines Bot API access and the public webhook.
type TelegramConfig struct {
	Token string `yaml:"token"`

	// APIBaseURL is the Bot API root. Only tests and self-hosted Bot API
	// servers change it.
	APIBaseURL string `yaml:"api_base_url"`

	// PublicBaseURL is the externally reachable root of this server. The
	// webhook is registered at it and fetched images are exposed under
	// {PublicBaseURL}/download/.
	PublicBaseURL string `yaml:"public_base_url"`

	// SecretToken is echoed by Telegram in the
	// X-Telegram-Bot-Api-Secret-Token header of every webhook call.
	SecretToken string `yaml:"secret_token"`

	// Command is the slash command that triggers a reply, without "/".
	Command string `yaml:"command"`
}

// LLMConfig selects the inference provider and model.
type LLMConfig struct {
	Model     string          `yaml:"model"`
	Provider  string          `yaml:"provider"`
	MaxTokens int             `yaml:"max_tokens"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`

	// Models routes additional model names to a provider other than
	// Provider. Unlisted models go to Provider.
	Models []ModelConfig `yaml:"models"`
}

// OpenAIConfig defines an OpenAI-compatible chat completions endpoint,
// such as an AI gateway in front of several vendors.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ModelConfig binds a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// AgentConfig bounds a single generation.
type AgentConfig struct {
	MaxSteps      int           `yaml:"max_steps"`
	WindowSeconds int           `yaml:"window_seconds"`
	StepTimeout   time.Duration `yaml:"step_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// FetchConfig defines how fetchURLContent retrieves pages.
type FetchConfig struct {
	// ProxyURL is prefixed to the target URL. Empty means fetch directly
	// and extract text locally.
	ProxyURL string        `yaml:"proxy_url"`
	MaxChars int           `yaml:"max_chars"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
			Command:    "c",
		},
		LLM: LLMConfig{
			Model:     "google/gemini-2.0-flash",
			Provider:  "openai",
			MaxTokens: 4096,
			OpenAI:    OpenAIConfig{BaseURL: "https://api.openai.com/v1"},
			Anthropic: AnthropicConfig{BaseURL: "https://api.anthropic.com"},
		},
		Agent: AgentConfig{
			MaxSteps:      5,
			WindowSeconds: 300,
			StepTimeout:   45 * time.Second,
			ToolTimeout:   20 * time.Second,
			HandleTimeout: 60 * time.Second,
		},
		Fetch: FetchConfig{
			ProxyURL: "https://r.jina.ai/",
			MaxChars: 20000,
			Timeout:  20 * time.Second,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment. Fields the file omits keep their
// Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Telegram.PublicBaseURL = strings.TrimRight(cfg.Telegram.PublicBaseURL, "/")
	cfg.Telegram.APIBaseURL = strings.TrimRight(cfg.Telegram.APIBaseURL, "/")
	cfg.Telegram.Command = strings.TrimPrefix(cfg.Telegram.Command, "/")
	return cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Telegram.PublicBaseURL == "" {
		errs = append(errs, errors.New("telegram.public_base_url is required"))
	}
	if c.Telegram.Command == "" {
		errs = append(errs, errors.New("telegram.command must not be empty"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of openai, anthropic", c.LLM.Provider))
	}
	for _, m := range c.LLM.Models {
		if m.Provider != "openai" && m.Provider != "anthropic" {
			errs = append(errs, fmt.Errorf("llm.models[%s].provider %q is not one of openai, anthropic", m.Name, m.Provider))
		}
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, errors.New("agent.max_steps must be at least 1"))
	}
	if c.Agent.WindowSeconds < 1 {
		errs = append(errs, errors.New("agent.window_seconds must be positive"))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DatabasePath returns the SQLite file holding chat history.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "yaebot.db")
}

// WebhookURL is where Telegram delivers updates.
func (c *Config) WebhookURL() string {
	return c.Telegram.PublicBaseURL + "/"
}

// DownloadBaseURL is the public prefix for proxied Telegram files.
func (c *Config) DownloadBaseURL() string {
	return c.Telegram.PublicBaseURL + "/download"
}
